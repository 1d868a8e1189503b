package offline0

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// memoryStorage keeps every bucket in one shared LRU. Entries evicted by the
// byte cap are simply gone, the same way a browser may evict cache storage.
type memoryStorage struct {
	mu      sync.Mutex
	buckets map[string]struct{}
	ram     *lru
}

func newMemoryStorage(ramMax int64) *memoryStorage {
	return &memoryStorage{
		buckets: map[string]struct{}{},
		ram:     newLRU(ramMax, "memory"),
	}
}

func (s *memoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	if name == "" {
		return nil, fmt.Errorf("empty bucket name")
	}
	s.mu.Lock()
	s.buckets[name] = struct{}{}
	s.mu.Unlock()
	return &memoryBucket{name: name, s: s}, nil
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	_, ok := s.buckets[name]
	delete(s.buckets, name)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	s.ram.DeletePrefix(name + "\x00")
	return true, nil
}

func (s *memoryStorage) Keys(context.Context) ([]string, error) {
	s.mu.Lock()
	out := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		out = append(out, k)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out, nil
}

func (s *memoryStorage) Close() error { return nil }

func (s *memoryStorage) exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok
}

type memoryBucket struct {
	name string
	s    *memoryStorage
}

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) Match(_ context.Context, key RequestKey) (*Response, error) {
	resp, ok := b.s.ram.Get(bucketEntryKey(b.name, key))
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (b *memoryBucket) Put(_ context.Context, key RequestKey, resp *Response) error {
	if !b.s.exists(b.name) {
		return fmt.Errorf("bucket %q was deleted", b.name)
	}
	if !b.s.ram.Put(bucketEntryKey(b.name, key), resp.Clone()) {
		return fmt.Errorf("entry %s exceeds storage limit", key)
	}
	return nil
}

func (b *memoryBucket) PutAll(ctx context.Context, entries map[RequestKey]*Response) error {
	var total int64
	for _, resp := range entries {
		total += resp.size()
	}
	if max := b.s.ram.maxBytes; max > 0 && total > max {
		return fmt.Errorf("%d entries exceed storage limit", len(entries))
	}
	for key, resp := range entries {
		if err := b.Put(ctx, key, resp); err != nil {
			return err
		}
	}
	return nil
}

func (b *memoryBucket) Keys(context.Context) ([]RequestKey, error) {
	prefix := b.name + "\x00"
	raw := b.s.ram.KeysWithPrefix(prefix)
	out := make([]RequestKey, 0, len(raw))
	for _, k := range raw {
		out = append(out, RequestKey(strings.TrimPrefix(k, prefix)))
	}
	return out, nil
}

func (s *memoryStorage) RAMBytes() int64 { return s.ram.TotalSize() }
