package edgecache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oriys/agora/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func openTestCache(t *testing.T, maxAge time.Duration) (*Cache, *fakeClock) {
	t.Helper()
	c, err := Open(Config{Dir: t.TempDir(), MaxAge: maxAge}, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c.now = clock.Now
	return c, clock
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	c, _ := openTestCache(t, time.Hour)

	if _, ok := c.Get(ctx, "a1"); ok {
		t.Fatalf("expected miss on empty cache")
	}
	if err := c.Put(ctx, "a1", []byte("png-1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, ok := c.Get(ctx, "a1")
	if !ok || string(data) != "png-1" {
		t.Fatalf("Get = (%q, %v)", data, ok)
	}

	if err := c.Put(ctx, "a1", []byte("png-2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if data, _ := c.Get(ctx, "a1"); string(data) != "png-2" {
		t.Fatalf("expected overwritten blob, got %q", data)
	}
}

func TestLazyExpiry(t *testing.T) {
	ctx := context.Background()
	c, clock := openTestCache(t, time.Minute)
	if err := c.Put(ctx, "a1", []byte("x")); err != nil {
		t.Fatal(err)
	}

	clock.Advance(59 * time.Second)
	if _, ok := c.Get(ctx, "a1"); !ok {
		t.Fatalf("object should still be valid")
	}

	clock.Advance(time.Second)
	if _, ok := c.Get(ctx, "a1"); ok {
		t.Fatalf("object at max age should be absent")
	}
	if _, err := os.Stat(c.path("a1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expired blob should be removed on access, stat err %v", err)
	}
	if st, _ := c.Stats(); st.Objects != 0 {
		t.Fatalf("expired index entry should be removed, stats %+v", st)
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	c, clock := openTestCache(t, time.Minute)
	for _, id := range []string{"old-1", "old-2"} {
		if err := c.Put(ctx, id, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	clock.Advance(2 * time.Minute)
	if err := c.Put(ctx, "new", []byte("yy")); err != nil {
		t.Fatal(err)
	}

	st, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Objects != 3 || st.Expired != 2 || st.Bytes != 4 {
		t.Fatalf("unexpected stats before cleanup %+v", st)
	}

	removed, err := c.Cleanup(ctx)
	if err != nil || removed != 2 {
		t.Fatalf("Cleanup = (%d, %v)", removed, err)
	}
	if _, ok := c.Get(ctx, "new"); !ok {
		t.Fatalf("fresh object must survive cleanup")
	}
}

func TestDiskErrorIsMiss(t *testing.T) {
	ctx := context.Background()
	c, _ := openTestCache(t, time.Hour)
	if err := c.Put(ctx, "a1", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(c.path("a1")); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "a1"); ok {
		t.Fatalf("missing blob must read as absent")
	}
	if st, _ := c.Stats(); st.Objects != 0 {
		t.Fatalf("dangling index entry should be dropped, stats %+v", st)
	}
}

func TestIDsStayInsideDir(t *testing.T) {
	ctx := context.Background()
	c, _ := openTestCache(t, time.Hour)
	if err := c.Put(ctx, "../escape", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if filepath.Dir(c.path("../escape")) != filepath.Join(c.dir, objectsDir) {
		t.Fatalf("path escaped objects dir: %s", c.path("../escape"))
	}
	if err := c.Put(ctx, "..", []byte("x")); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, ok := c.Get(ctx, ""); ok {
		t.Fatalf("empty id must miss")
	}
}

func TestReopenKeepsIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, err := Open(Config{Dir: dir}, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put(ctx, "a1", []byte("persisted")); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c, err = Open(Config{Dir: dir}, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.MaxAge() != DefaultMaxAge {
		t.Fatalf("expected default max age, got %v", c.MaxAge())
	}
	if data, ok := c.Get(ctx, "a1"); !ok || string(data) != "persisted" {
		t.Fatalf("Get after reopen = (%q, %v)", data, ok)
	}
}

func TestOpenRequiresDir(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}
