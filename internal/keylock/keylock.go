// Package keylock hands out mutual exclusion per key. Locks exist only while
// someone holds or waits for them, so the registry does not grow with the
// key space.
package keylock

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Locker serializes work per key. The returned release function must be
// called exactly once.
type Locker[K comparable] interface {
	Lock(ctx context.Context, key K) (release func(), err error)
}

var lockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "userdir_keylock_wait_seconds",
	Help:    "Time spent waiting for a per-key lock.",
	Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
})

// Collectors returns the metrics of this package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{lockWait}
}

type entry struct {
	slot chan struct{}
	refs int
}

// Registry is a reference-counted set of per-key locks.
type Registry[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

// New creates an empty registry.
func New[K comparable]() *Registry[K] {
	return &Registry[K]{locks: make(map[K]*entry)}
}

// Lock blocks until the lock for key is held or ctx is done.
func (r *Registry[K]) Lock(ctx context.Context, key K) (func(), error) {
	r.mu.Lock()
	e, ok := r.locks[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		r.locks[key] = e
	}
	e.refs++
	r.mu.Unlock()

	start := time.Now()
	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		r.unref(key, e)
		return nil, ctx.Err()
	}
	lockWait.Observe(time.Since(start).Seconds())

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			r.unref(key, e)
		})
	}, nil
}

func (r *Registry[K]) unref(key K, e *entry) {
	r.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(r.locks, key)
	}
	r.mu.Unlock()
}

// Len returns the number of keys currently held or waited for.
func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// Nop is a Locker that never blocks. It is the fallback when no registry is
// configured; callers then lose stampede protection but stay correct.
type Nop[K comparable] struct{}

func (Nop[K]) Lock(context.Context, K) (func(), error) { return func() {}, nil }
