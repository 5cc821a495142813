package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oriys/agora/internal/logging"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := NewRedisCache(RedisCacheConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	t.Cleanup(func() { rc.Close() })
	return mr, rc
}

func TestRedisCache_GetSetPrefix(t *testing.T) {
	mr, rc := newTestRedis(t)
	ctx := context.Background()

	if err := rc.Set(ctx, "listing_page_1", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !mr.Exists(DefaultKeyPrefix + "listing_page_1") {
		t.Fatal("key should be stored under the namespace prefix")
	}
	val, err := rc.Get(ctx, "listing_page_1")
	if err != nil || string(val) != "v" {
		t.Fatalf("Get: %q %v", val, err)
	}
	if _, err := rc.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisCache_Expiry(t *testing.T) {
	mr, rc := newTestRedis(t)
	ctx := context.Background()

	rc.Set(ctx, "stats_global", []byte("1"), 300*time.Second)
	mr.FastForward(299 * time.Second)
	if ok, _ := rc.Exists(ctx, "stats_global"); !ok {
		t.Fatal("key should live until its TTL")
	}
	mr.FastForward(time.Second)
	if _, err := rc.Get(ctx, "stats_global"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}

	rc.Set(ctx, "categories_all", []byte("1"), 0)
	if ttl := mr.TTL(DefaultKeyPrefix + "categories_all"); ttl != 0 {
		t.Fatalf("zero TTL should store without expiry, got %v", ttl)
	}
}

func TestRedisCache_DeletePatternAndCount(t *testing.T) {
	mr, rc := newTestRedis(t)
	ctx := context.Background()

	for _, k := range []string{"listing_category_5_page_1", "listing_category_5_page_2", "collections_user_9_page_1"} {
		rc.Set(ctx, k, []byte("x"), time.Minute)
	}
	// A foreign key outside our namespace must never match
	mr.Set("other:listing_category_5_page_1", "x")

	if n, err := rc.Count(ctx, "listing_*"); err != nil || n != 2 {
		t.Fatalf("Count: %d %v", n, err)
	}
	n, err := rc.DeletePattern(ctx, "listing_category_5_*")
	if err != nil || n != 2 {
		t.Fatalf("DeletePattern: %d %v", n, err)
	}
	if !mr.Exists(DefaultKeyPrefix + "collections_user_9_page_1") {
		t.Fatal("unrelated key removed")
	}
	if !mr.Exists("other:listing_category_5_page_1") {
		t.Fatal("key outside the namespace removed")
	}
}

func TestRedisCache_IncrSetsTTLOnFirstWrite(t *testing.T) {
	mr, rc := newTestRedis(t)
	ctx := context.Background()

	n, err := rc.Incr(ctx, "downloads_a1", time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Incr: %d %v", n, err)
	}
	mr.FastForward(30 * time.Minute)
	n, _ = rc.Incr(ctx, "downloads_a1", time.Hour)
	if n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if ttl := mr.TTL(DefaultKeyPrefix + "downloads_a1"); ttl != 30*time.Minute {
		t.Fatalf("later increments must not extend the TTL, got %v", ttl)
	}
}

func TestNewRedisCache_Config(t *testing.T) {
	if _, err := NewRedisCache(RedisCacheConfig{}); err == nil {
		t.Fatal("empty config should be rejected")
	}
	if _, err := NewRedisCache(RedisCacheConfig{URL: "://bad"}); err == nil {
		t.Fatal("malformed URL should be rejected")
	}
	rc, err := NewRedisCache(RedisCacheConfig{URL: "redis://localhost:6379/2", KeyPrefix: "x:"})
	if err != nil {
		t.Fatalf("valid URL rejected: %v", err)
	}
	defer rc.Close()
	if rc.prefix != "x:" || rc.client.Options().DB != 2 {
		t.Fatalf("unexpected client options: prefix=%q db=%d", rc.prefix, rc.client.Options().DB)
	}
	if (RedisCacheConfig{}).Configured() {
		t.Fatal("empty config should report unconfigured")
	}
}

func TestStore_RedisOutageAndRecovery(t *testing.T) {
	mr, rc := newTestRedis(t)
	s := NewStore(rc, WithLogger(logging.Discard()), WithOpTimeout(200*time.Millisecond), WithProbeInterval(time.Hour))
	ctx := context.Background()

	s.Set(ctx, "listing_page_1", []byte("v1"), time.Hour)

	mr.SetError("LOADING Redis is loading the dataset in memory")
	val, out, err := s.Get(ctx, "listing_page_1")
	if err != nil || string(val) != "v1" || !out.Degraded {
		t.Fatalf("expected degraded hit from the mirror, got %q %+v %v", val, out, err)
	}
	s.DeletePattern(ctx, "listing_*")

	mr.SetError("")
	if !s.probe(ctx) {
		t.Fatal("probe should recover")
	}
	if mr.Exists(DefaultKeyPrefix + "listing_page_1") {
		t.Fatal("purge issued during the outage should be replayed on Redis")
	}
}

func TestBus_PropagatesPurgeToLocal(t *testing.T) {
	mr, rc := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Process B: has a warm local mirror of a key
	localB := NewInMemoryCache()
	defer localB.Close()
	localB.Set(ctx, "search_q_sword", []byte("stale"), time.Hour)
	busB := NewBus(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	go busB.Listen(ctx, localB)

	// Process A: purges through its store with the bus attached
	storeA := NewStore(rc, WithLogger(logging.Discard()), WithBus(NewBus(rc.Client())))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		storeA.DeletePattern(ctx, "search_*")
		if ok, _ := localB.Exists(ctx, "search_q_sword"); !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("process B never applied the published invalidation")
}
