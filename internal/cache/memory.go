package cache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryRegion keeps entries in process memory.
type MemoryRegion[V any] struct {
	name  string
	items *gocache.Cache
}

// NewMemoryRegion creates an in-process region. A zero ttl keeps entries until
// they are removed.
func NewMemoryRegion[V any](name string, ttl time.Duration) *MemoryRegion[V] {
	exp := gocache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		exp = ttl
		cleanup = 2 * ttl
	}
	return &MemoryRegion[V]{
		name:  name,
		items: gocache.New(exp, cleanup),
	}
}

func (r *MemoryRegion[V]) Name() string { return r.name }

func (r *MemoryRegion[V]) Get(_ context.Context, key Key) (Lookup[V], error) {
	raw, ok := r.items.Get(key.String())
	if !ok {
		return Miss[V](), nil
	}
	v, ok := raw.(V)
	if !ok {
		return Miss[V](), fmt.Errorf("cache %s: entry %s has type %T", r.name, key, raw)
	}
	return Hit(v), nil
}

func (r *MemoryRegion[V]) Put(_ context.Context, key Key, v V) error {
	r.items.Set(key.String(), v, gocache.DefaultExpiration)
	return nil
}

func (r *MemoryRegion[V]) Remove(_ context.Context, key Key) error {
	r.items.Delete(key.String())
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (r *MemoryRegion[V]) Len() int { return r.items.ItemCount() }
