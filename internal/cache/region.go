// Package cache provides named, typed key/value regions shared by readers of
// the user directory.
package cache

import (
	"context"
	"strconv"
)

// Key addresses an entry inside a region. Exactly one of ID and Name is
// meaningful for a given region.
type Key struct {
	ContextID int
	ID        int
	Name      string
}

// IDKey builds a key for integer-addressed entries.
func IDKey(contextID, id int) Key { return Key{ContextID: contextID, ID: id} }

// NameKey builds a key for string-addressed entries.
func NameKey(contextID int, name string) Key { return Key{ContextID: contextID, Name: name} }

func (k Key) String() string {
	if k.Name != "" {
		return strconv.Itoa(k.ContextID) + ":s:" + k.Name
	}
	return strconv.Itoa(k.ContextID) + ":" + strconv.Itoa(k.ID)
}

// Lookup is the result of a region read: either a hit carrying a value or a
// miss.
type Lookup[V any] struct {
	value V
	hit   bool
}

// Hit wraps a found value.
func Hit[V any](v V) Lookup[V] { return Lookup[V]{value: v, hit: true} }

// Miss reports an absent entry.
func Miss[V any]() Lookup[V] { return Lookup[V]{} }

// Get returns the value and whether the lookup was a hit.
func (l Lookup[V]) Get() (V, bool) { return l.value, l.hit }

// IsHit reports whether the lookup found a value.
func (l Lookup[V]) IsHit() bool { return l.hit }

// Region is a typed, shared key/value area. Implementations must be safe for
// concurrent use.
type Region[V any] interface {
	Name() string
	Get(ctx context.Context, key Key) (Lookup[V], error)
	Put(ctx context.Context, key Key, v V) error
	Remove(ctx context.Context, key Key) error
}
