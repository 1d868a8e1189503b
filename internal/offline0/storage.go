package offline0

import (
	"context"
	"strings"
)

// CacheStorage is the set of named buckets available to the worker.
type CacheStorage interface {
	// Open returns the bucket called name, creating it if needed.
	Open(ctx context.Context, name string) (Bucket, error)
	// Delete removes the bucket and all of its entries. It reports whether
	// the bucket existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys lists bucket names in lexical order.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Bucket maps request identities to stored responses.
type Bucket interface {
	Name() string
	// Match returns ErrNotFound when no entry exists for key.
	Match(ctx context.Context, key RequestKey) (*Response, error)
	Put(ctx context.Context, key RequestKey, resp *Response) error
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries map[RequestKey]*Response) error
	Keys(ctx context.Context) ([]RequestKey, error)
}

// NewStorage picks the leveldb store when a path is configured and the
// in-memory store otherwise. Both keep a RAM LRU capped at ramMax bytes.
func NewStorage(path string, ramMax int64) (CacheStorage, error) {
	if strings.TrimSpace(path) == "" {
		return newMemoryStorage(ramMax), nil
	}
	return newDiskStorage(path, ramMax)
}

// bucketEntryKey namespaces an entry key under its bucket for the shared LRU.
func bucketEntryKey(bucket string, key RequestKey) string {
	return bucket + "\x00" + string(key)
}
