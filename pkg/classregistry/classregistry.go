// Package classregistry fronts the server's class descriptor registry
// (spec.md §4.3 getClassId/getClassInfo) with a bounded local cache, so
// repeated lookups of the same class descriptor don't round-trip to
// the server.
package classregistry

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Fetcher resolves class descriptors against the authoritative server
// on a cache miss. pkg/serverclient implements this.
type Fetcher interface {
	GetClassID(ctx context.Context, descriptor []byte) (uint64, error)
	GetClassInfo(ctx context.Context, classID uint64) ([]byte, error)
}

// Registry is a bounded, bidirectional cache over class id <-> class
// descriptor, backed by an LRU eviction policy per direction.
type Registry struct {
	fetcher Fetcher

	mu       sync.Mutex
	byBytes  *lru.Cache[string, uint64]
	byID     *lru.Cache[uint64, []byte]
}

// New creates a Registry holding up to size entries per direction.
func New(fetcher Fetcher, size int) (*Registry, error) {
	if size <= 0 {
		size = 1024
	}
	byBytes, err := lru.New[string, uint64](size)
	if err != nil {
		return nil, err
	}
	byID, err := lru.New[uint64, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Registry{fetcher: fetcher, byBytes: byBytes, byID: byID}, nil
}

// GetClassID returns the interned id for descriptor, fetching it from
// the server on a miss.
func (r *Registry) GetClassID(ctx context.Context, descriptor []byte) (uint64, error) {
	key := string(descriptor)

	r.mu.Lock()
	if id, ok := r.byBytes.Get(key); ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	id, err := r.fetcher.GetClassID(ctx, descriptor)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.byBytes.Add(key, id)
	r.byID.Add(id, append([]byte(nil), descriptor...))
	r.mu.Unlock()
	return id, nil
}

// GetClassInfo resolves classID back to its descriptor, fetching it
// from the server on a miss.
func (r *Registry) GetClassInfo(ctx context.Context, classID uint64) ([]byte, error) {
	r.mu.Lock()
	if descriptor, ok := r.byID.Get(classID); ok {
		r.mu.Unlock()
		return descriptor, nil
	}
	r.mu.Unlock()

	descriptor, err := r.fetcher.GetClassInfo(ctx, classID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byID.Add(classID, descriptor)
	r.byBytes.Add(string(descriptor), classID)
	r.mu.Unlock()
	return descriptor, nil
}
