package offline0

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<bucket>                bucketMeta
//	e:<bucket>\x00<key>       Response
const (
	bucketPrefix = "n:"
	entryPrefix  = "e:"
)

type bucketMeta struct {
	CreatedAt int64
}

// diskStorage persists buckets in leveldb with a RAM LRU in front of reads.
type diskStorage struct {
	db  *leveldb.DB
	hot *lru
}

func newDiskStorage(path string, ramMax int64) (*diskStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &diskStorage{db: db, hot: newLRU(ramMax, "disk-hot")}, nil
}

func (s *diskStorage) Close() error {
	return s.db.Close()
}

func (s *diskStorage) Open(_ context.Context, name string) (Bucket, error) {
	if name == "" {
		return nil, fmt.Errorf("empty bucket name")
	}
	mk := []byte(bucketPrefix + name)
	ok, err := s.db.Has(mk, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		b, err := encodeGob(bucketMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put(mk, b, nil); err != nil {
			return nil, err
		}
	}
	return &diskBucket{name: name, s: s}, nil
}

func (s *diskStorage) Delete(_ context.Context, name string) (bool, error) {
	mk := []byte(bucketPrefix + name)
	ok, err := s.db.Has(mk, nil)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(mk)
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	s.hot.DeletePrefix(name + "\x00")
	return true, nil
}

func (s *diskStorage) Keys(context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(bucketPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(bucketPrefix))))
	}
	return out, it.Error()
}

func entryKeyPrefix(bucket string) []byte {
	return []byte(entryPrefix + bucket + "\x00")
}

func entryKey(bucket string, key RequestKey) []byte {
	return append(entryKeyPrefix(bucket), string(key)...)
}

type diskBucket struct {
	name string
	s    *diskStorage
}

func (b *diskBucket) Name() string { return b.name }

func (b *diskBucket) Match(_ context.Context, key RequestKey) (*Response, error) {
	hk := bucketEntryKey(b.name, key)
	if resp, ok := b.s.hot.Get(hk); ok {
		return resp.Clone(), nil
	}
	raw, err := b.s.db.Get(entryKey(b.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := decodeGob(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	b.s.hot.Put(hk, resp.Clone())
	return &resp, nil
}

func (b *diskBucket) Put(ctx context.Context, key RequestKey, resp *Response) error {
	return b.PutAll(ctx, map[RequestKey]*Response{key: resp})
}

func (b *diskBucket) PutAll(_ context.Context, entries map[RequestKey]*Response) error {
	ok, err := b.s.db.Has([]byte(bucketPrefix+b.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %q was deleted", b.name)
	}

	batch := new(leveldb.Batch)
	for key, resp := range entries {
		raw, err := encodeGob(resp)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		batch.Put(entryKey(b.name, key), raw)
	}
	if err := b.s.db.Write(batch, nil); err != nil {
		return err
	}
	for key, resp := range entries {
		b.s.hot.Put(bucketEntryKey(b.name, key), resp.Clone())
	}
	return nil
}

func (b *diskBucket) Keys(context.Context) ([]RequestKey, error) {
	prefix := entryKeyPrefix(b.name)
	it := b.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []RequestKey
	for it.Next() {
		out = append(out, RequestKey(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}

func (s *diskStorage) RAMBytes() int64 { return s.hot.TotalSize() }
