package user

import (
	"maps"
	"slices"
	"strings"
)

// ValuePair holds the stored and the desired value of a changed attribute.
type ValuePair struct {
	Old string
	New string
}

// AttributeDelta is the set of writes needed to turn one attribute map into
// another.
type AttributeDelta struct {
	Added   map[string]string
	Removed map[string]string
	Changed map[string]ValuePair
}

// Diff computes the delta from old to target. A key lands in exactly one of
// the three maps; equal values produce nothing.
func Diff(old, target map[string]string) AttributeDelta {
	d := AttributeDelta{
		Added:   make(map[string]string),
		Removed: make(map[string]string),
		Changed: make(map[string]ValuePair),
	}
	for name, v := range target {
		prev, ok := old[name]
		switch {
		case !ok:
			d.Added[name] = v
		case prev != v:
			d.Changed[name] = ValuePair{Old: prev, New: v}
		}
	}
	for name, v := range old {
		if _, ok := target[name]; !ok {
			d.Removed[name] = v
		}
	}
	return d
}

// Empty reports whether applying d would change nothing.
func (d AttributeDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// AddedNames returns the added keys in sorted order.
func (d AttributeDelta) AddedNames() []string { return slices.Sorted(maps.Keys(d.Added)) }

// RemovedNames returns the removed keys in sorted order.
func (d AttributeDelta) RemovedNames() []string { return slices.Sorted(maps.Keys(d.Removed)) }

// ChangedNames returns the changed keys in sorted order.
func (d AttributeDelta) ChangedNames() []string { return slices.Sorted(maps.Keys(d.Changed)) }

// OnlyClientAttributes reports whether every name carries the client prefix.
// An empty list is not considered client-only.
func OnlyClientAttributes(names []string) bool {
	if len(names) == 0 {
		return false
	}
	for _, n := range names {
		if !strings.HasPrefix(n, ClientAttributePrefix) {
			return false
		}
	}
	return true
}
