package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type userKey struct {
	contextID int
	userID    int
}

func TestRegistrySerializesSameKey(t *testing.T) {
	reg := New[userKey]()
	key := userKey{1, 42}

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := reg.Lock(context.Background(), key)
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			defer release()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxInside)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry not cleaned up: %d entries", reg.Len())
	}
}

func TestRegistryDistinctKeysDoNotBlock(t *testing.T) {
	reg := New[userKey]()
	releaseA, err := reg.Lock(context.Background(), userKey{1, 1})
	if err != nil {
		t.Fatalf("Lock A: %v", err)
	}
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := reg.Lock(ctx, userKey{1, 2})
	if err != nil {
		t.Fatalf("Lock B blocked by A: %v", err)
	}
	releaseB()
	if reg.Len() != 1 {
		t.Fatalf("expected only key A to remain, got %d", reg.Len())
	}
}

func TestRegistryLockHonoursContext(t *testing.T) {
	reg := New[userKey]()
	key := userKey{2, 7}
	release, err := reg.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := reg.Lock(ctx, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	release()
	release()
	if reg.Len() != 0 {
		t.Fatalf("registry not cleaned up after cancelled waiter: %d", reg.Len())
	}
}

func TestNopNeverBlocks(t *testing.T) {
	var l Locker[userKey] = Nop[userKey]{}
	r1, _ := l.Lock(context.Background(), userKey{1, 1})
	r2, err := l.Lock(context.Background(), userKey{1, 1})
	if err != nil {
		t.Fatalf("Nop lock: %v", err)
	}
	r1()
	r2()
}
