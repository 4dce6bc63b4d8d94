package cache

import (
	"context"
	"os"
	"testing"
	"time"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func exerciseRegion(t *testing.T, r Region[*record]) {
	t.Helper()
	ctx := context.Background()
	key := IDKey(1, 42)

	l, err := r.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if l.IsHit() {
		t.Fatal("expected miss on empty region")
	}

	if err := r.Put(ctx, key, &record{Name: "alice", Count: 3}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	l, err = r.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after put: %v", err)
	}
	v, ok := l.Get()
	if !ok || v.Name != "alice" || v.Count != 3 {
		t.Fatalf("unexpected lookup: %+v hit=%v", v, ok)
	}

	other, err := r.Get(ctx, NameKey(1, "42"))
	if err != nil || other.IsHit() {
		t.Fatalf("name key must not collide with id key: hit=%v err=%v", other.IsHit(), err)
	}

	if err := r.Remove(ctx, key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if l, _ := r.Get(ctx, key); l.IsHit() {
		t.Fatal("expected miss after remove")
	}
}

func TestMemoryRegion(t *testing.T) {
	r := NewMemoryRegion[*record]("test", 0)
	exerciseRegion(t, r)
	if r.Name() != "test" {
		t.Fatalf("unexpected name %q", r.Name())
	}
}

func TestMemoryRegionTTL(t *testing.T) {
	r := NewMemoryRegion[int]("ttl", 20*time.Millisecond)
	ctx := context.Background()
	if err := r.Put(ctx, NameKey(1, "bob"), 7); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if l, _ := r.Get(ctx, NameKey(1, "bob")); l.IsHit() {
		t.Fatal("expected expired entry to miss")
	}
}

func TestKeyString(t *testing.T) {
	if got := IDKey(3, 9).String(); got != "3:9" {
		t.Fatalf("unexpected id key %q", got)
	}
	if got := NameKey(3, "~imap").String(); got != "3:s:~imap" {
		t.Fatalf("unexpected name key %q", got)
	}
}

func TestRedisRegion(t *testing.T) {
	url := os.Getenv("USERDIR_TEST_REDIS_URL")
	if url == "" {
		t.Skip("USERDIR_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdb, err := NewRedisClient(ctx, url)
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	defer rdb.Close()

	exerciseRegion(t, NewRedisRegion[*record](rdb, "userdir-test", "records", time.Minute))
}
