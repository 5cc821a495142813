package cachepolicy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/agora/internal/cache"
	"github.com/oriys/agora/internal/domain"
	"github.com/oriys/agora/internal/logging"
)

// recordingCache is a distributed-cache stand-in that remembers the TTL of
// every write and can be told to fail pattern deletions.
type recordingCache struct {
	*cache.InMemoryCache
	mu        sync.Mutex
	ttls      map[string]time.Duration
	failPurge atomic.Bool
}

func newRecordingCache(t *testing.T) *recordingCache {
	t.Helper()
	r := &recordingCache{InMemoryCache: cache.NewInMemoryCache(), ttls: make(map[string]time.Duration)}
	t.Cleanup(func() { r.InMemoryCache.Close() })
	return r
}

func (r *recordingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	r.mu.Lock()
	r.ttls[key] = ttl
	r.mu.Unlock()
	return r.InMemoryCache.Set(ctx, key, value, ttl)
}

func (r *recordingCache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	if r.failPurge.Load() {
		return 0, errors.New("redis: connection pool timeout")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return r.InMemoryCache.DeletePattern(ctx, pattern)
}

func (r *recordingCache) ttl(key string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.ttls[key]
	return d, ok
}

func newTestPolicy(t *testing.T) (*Policy, *cache.Engine, *recordingCache) {
	t.Helper()
	remote := newRecordingCache(t)
	store := cache.NewStore(remote, cache.WithLogger(logging.Discard()))
	t.Cleanup(func() { store.Close() })
	p := New(store, WithLogger(logging.Discard()))
	return p, cache.NewEngine(store, cache.WithEngineLogger(logging.Discard())), remote
}

func TestListingKeyShapes(t *testing.T) {
	p := New(nil)
	tests := []struct {
		name    string
		q       domain.ListingQuery
		wantKey string
		wantTTL time.Duration
	}{
		{"category", domain.ListingQuery{CategoryID: 5, Page: 1}, "listing_category_5_page_1", 600 * time.Second},
		{"search", domain.ListingQuery{Search: "Sword"}, "search_page_1_q_sword", 180 * time.Second},
		{"category wins over search", domain.ListingQuery{CategoryID: 2, Search: "axe"}, "search_category_2_page_1_q_axe", 600 * time.Second},
		{"newest", domain.ListingQuery{Sort: "newest", Page: 2}, "listing_page_2_sort_newest", 120 * time.Second},
		{"default", domain.ListingQuery{}, "listing_page_1", 300 * time.Second},
		{"custom limit", domain.ListingQuery{Limit: 50}, "listing_limit_50_page_1", 300 * time.Second},
	}
	for _, tt := range tests {
		key, ttl := p.ListingKey(tt.q)
		if key != tt.wantKey || ttl != tt.wantTTL {
			t.Fatalf("%s: ListingKey = (%q, %v), want (%q, %v)", tt.name, key, ttl, tt.wantKey, tt.wantTTL)
		}
	}
}

func TestFixedKeys(t *testing.T) {
	p := New(nil)
	if key, ttl := p.StatsKey(); key != "stats_global" || ttl != 300*time.Second {
		t.Fatalf("StatsKey = (%q, %v)", key, ttl)
	}
	if key, ttl := p.CategoriesKey(); key != "categories_all" || ttl != 1800*time.Second {
		t.Fatalf("CategoriesKey = (%q, %v)", key, ttl)
	}
	if key, ttl := p.DetailKey("a1"); key != "asset_id_a1" || ttl != 60*time.Second {
		t.Fatalf("DetailKey = (%q, %v)", key, ttl)
	}
	if key, _ := p.CollectionKey("9", 1, 0); key != "collections_user_9_page_1" {
		t.Fatalf("CollectionKey = %q", key)
	}
	if key := p.DownloadCounterKey("a1"); key != "downloads_id_a1" {
		t.Fatalf("DownloadCounterKey = %q", key)
	}
}

func TestWithTTLsKeepsDefaults(t *testing.T) {
	p := New(nil, WithTTLs(TTLs{Search: time.Minute, Stats: -1}))
	got := p.TTLs()
	if got.Search != time.Minute {
		t.Fatalf("expected search override, got %v", got.Search)
	}
	if got.Category != 600*time.Second {
		t.Fatalf("expected default category TTL, got %v", got.Category)
	}
	if got.Stats != 0 {
		t.Fatalf("negative TTL should mean no expiry, got %v", got.Stats)
	}
}

func TestCategoryListingScenario(t *testing.T) {
	ctx := context.Background()
	p, engine, remote := newTestPolicy(t)

	var queries atomic.Int64
	fetch := func(context.Context) (domain.AssetPage, error) {
		queries.Add(1)
		return domain.AssetPage{Items: []domain.Asset{{ID: "a1", CategoryID: 5}}, Page: 1, Limit: 20, Total: 1}, nil
	}

	q := domain.ListingQuery{CategoryID: 5, Page: 1}
	key, ttl := p.ListingKey(q)
	if key != "listing_category_5_page_1" {
		t.Fatalf("unexpected key %q", key)
	}

	first, err := cache.GetOrSet(ctx, engine, key, ttl, fetch)
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if first.WasCached || queries.Load() != 1 {
		t.Fatalf("expected a miss and one query, cached=%v queries=%d", first.WasCached, queries.Load())
	}
	if got, ok := remote.ttl(key); !ok || got != 600*time.Second {
		t.Fatalf("expected TTL 600s, got %v (stored=%v)", got, ok)
	}

	second, err := cache.GetOrSet(ctx, engine, key, ttl, fetch)
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if !second.WasCached || queries.Load() != 1 {
		t.Fatalf("expected a hit without query, cached=%v queries=%d", second.WasCached, queries.Load())
	}
	if second.Value.Items[0].ID != "a1" {
		t.Fatalf("unexpected payload %+v", second.Value)
	}

	rep := p.AssetChanged(ctx, "new-asset")
	if rep.Partial || rep.Removed < 1 {
		t.Fatalf("unexpected report %+v", rep)
	}

	third, err := cache.GetOrSet(ctx, engine, key, ttl, fetch)
	if err != nil {
		t.Fatalf("third lookup: %v", err)
	}
	if third.WasCached || queries.Load() != 2 {
		t.Fatalf("expected a miss after invalidation, cached=%v queries=%d", third.WasCached, queries.Load())
	}
}

func TestSearchTTLDiffersFromCategory(t *testing.T) {
	ctx := context.Background()
	p, engine, remote := newTestPolicy(t)
	fetch := func(context.Context) (domain.AssetPage, error) { return domain.AssetPage{}, nil }

	searchKey, searchTTL := p.SearchKey("sword", 1, 0)
	catKey, catTTL := p.ListingKey(domain.ListingQuery{CategoryID: 5})
	if _, err := cache.GetOrSet(ctx, engine, searchKey, searchTTL, fetch); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.GetOrSet(ctx, engine, catKey, catTTL, fetch); err != nil {
		t.Fatal(err)
	}

	s, _ := remote.ttl(searchKey)
	c, _ := remote.ttl(catKey)
	if s != 180*time.Second || c != 600*time.Second {
		t.Fatalf("expected search 180s and category 600s, got %v and %v", s, c)
	}
}

func TestInvalidationFanOut(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPolicy(t)
	store := p.store

	keys := []string{
		"listing_category_5_page_1",
		"listing_category_5_page_2",
		"search_page_1_q_sword",
		"stats_global",
		"categories_all",
		"collections_user_9_page_1",
		"asset_id_a1",
	}
	for _, k := range keys {
		if _, err := store.Set(ctx, k, []byte(`{}`), time.Minute); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	rep := p.AssetChanged(ctx, "a1")
	if rep.Removed != 4 {
		t.Fatalf("expected 4 removed, got %+v", rep)
	}
	for _, k := range keys[:4] {
		if ok, _, _ := store.Exists(ctx, k); ok {
			t.Fatalf("%s should be purged", k)
		}
	}
	for _, k := range keys[4:] {
		if ok, _, _ := store.Exists(ctx, k); !ok {
			t.Fatalf("%s should survive", k)
		}
	}
}

func TestCollectionChangedScopedToUser(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPolicy(t)
	store := p.store

	mine, _ := p.CollectionKey("9", 1, 0)
	mine2, _ := p.CollectionKey("9", 2, 0)
	other, _ := p.CollectionKey("90", 1, 0)
	for _, k := range []string{mine, mine2, other} {
		if _, err := store.Set(ctx, k, []byte(`[]`), time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	rep := p.CollectionChanged(ctx, "9")
	if rep.Removed != 2 {
		t.Fatalf("expected 2 removed, got %+v", rep)
	}
	if ok, _, _ := store.Exists(ctx, other); !ok {
		t.Fatalf("other user's collection must survive")
	}
}

func TestCategoryChanged(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPolicy(t)
	key, _ := p.CategoriesKey()
	if _, err := p.store.Set(ctx, key, []byte(`[]`), 0); err != nil {
		t.Fatal(err)
	}
	rep := p.CategoryChanged(ctx)
	if rep.Removed != 1 || rep.Entity != EntityCategory {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestInvalidationPartialFailure(t *testing.T) {
	ctx := context.Background()
	p, _, remote := newTestPolicy(t)
	if _, err := p.store.Set(ctx, "listing_page_1", []byte(`{}`), time.Minute); err != nil {
		t.Fatal(err)
	}
	remote.failPurge.Store(true)

	rep := p.AssetChanged(ctx, "a1")
	if !rep.Partial || len(rep.Errors) == 0 {
		t.Fatalf("expected a partial report, got %+v", rep)
	}
	if rep.Removed != 1 {
		t.Fatalf("fallback should still be purged, got %+v", rep)
	}
}

func TestInvalidationSurvivesCanceledRequest(t *testing.T) {
	p, _, remote := newTestPolicy(t)
	bg := context.Background()
	for _, k := range []string{"listing_category_5_page_1", "stats_global"} {
		if _, err := p.store.Set(bg, k, []byte(`"old"`), time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	// The client went away after the write committed.
	ctx, cancel := context.WithCancel(bg)
	cancel()
	rep := p.AssetChanged(ctx, "a1")
	if rep.Partial || rep.Removed != 2 {
		t.Fatalf("purge with a canceled request = %+v, want 2 removed and no partial failure", rep)
	}
	for _, k := range []string{"listing_category_5_page_1", "stats_global"} {
		if _, err := remote.Get(bg, k); !errors.Is(err, cache.ErrNotFound) {
			t.Fatalf("distributed cache still holds %s: %v", k, err)
		}
	}
}

func TestInvalidatePattern(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPolicy(t)
	if _, err := p.InvalidatePattern(ctx, ""); !errors.Is(err, ErrEmptyPattern) {
		t.Fatalf("expected ErrEmptyPattern, got %v", err)
	}
	for _, k := range []string{"asset_id_a1", "asset_id_a2", "stats_global"} {
		if _, err := p.store.Set(ctx, k, []byte(`{}`), time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	rep, err := p.InvalidatePattern(ctx, "asset_*")
	if err != nil || rep.Removed != 2 {
		t.Fatalf("InvalidatePattern = %+v, %v", rep, err)
	}
	if rep := p.InvalidateAll(ctx); rep.Removed != 1 {
		t.Fatalf("InvalidateAll removed %d, want 1", rep.Removed)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPolicy(t)
	for _, k := range []string{"listing_page_1", "listing_page_2", "stats_global"} {
		if _, err := p.store.Set(ctx, k, []byte(`{}`), time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	stats, err := p.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Mode != cache.ModeDistributed {
		t.Fatalf("expected distributed mode, got %q", stats.Mode)
	}
	counts := map[string]int{}
	for _, r := range stats.Regions {
		counts[r.Region] = r.Keys
		if r.Mode != cache.ModeDistributed {
			t.Fatalf("region %s reported mode %q", r.Region, r.Mode)
		}
	}
	if counts[RegionListing] != 2 || counts[RegionStats] != 1 || counts[RegionSearch] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestStatsFallbackOnly(t *testing.T) {
	store := cache.NewStore(nil, cache.WithLogger(logging.Discard()))
	t.Cleanup(func() { store.Close() })
	p := New(store, WithLogger(logging.Discard()))
	stats, err := p.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Mode != cache.ModeLocal || stats.Regions[0].Mode != cache.ModeLocal {
		t.Fatalf("expected local mode, got %+v", stats)
	}
}
