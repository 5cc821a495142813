package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/oriys/agora/internal/cache"
	"github.com/oriys/agora/internal/cachepolicy"
	"github.com/oriys/agora/internal/domain"
	"github.com/oriys/agora/internal/edgecache"
	"github.com/oriys/agora/internal/logging"
	"github.com/oriys/agora/internal/metrics"
	"github.com/oriys/agora/internal/opqueue"
	"github.com/oriys/agora/internal/service"
	"github.com/oriys/agora/internal/store"
)

type testServer struct {
	*httptest.Server
	db *store.MemoryStore
}

func newTestServer(t *testing.T, mutate func(*service.Deps)) *testServer {
	t.Helper()
	remote := cache.NewInMemoryCache()
	t.Cleanup(func() { remote.Close() })
	cs := cache.NewStore(remote, cache.WithLogger(logging.Discard()))
	t.Cleanup(func() { cs.Close() })

	db := store.NewMemoryStore()
	d := service.Deps{
		Store:  db,
		Engine: cache.NewEngine(cs, cache.WithEngineLogger(logging.Discard())),
		Policy: cachepolicy.New(cs, cachepolicy.WithLogger(logging.Discard())),
		Queue:  opqueue.New(2, opqueue.WithLogger(logging.Discard())),
		Logger: logging.Discard(),
	}
	if mutate != nil {
		mutate(&d)
	}
	srv := httptest.NewServer(NewHandler(ServerConfig{
		Market:  service.NewMarketplace(d),
		Metrics: metrics.New("agora_test"),
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, db: db}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (s *testServer) seedCategory(t *testing.T, slug string) domain.Category {
	t.Helper()
	c := domain.Category{Slug: slug, Name: slug}
	if err := s.db.CreateCategory(context.Background(), &c); err != nil {
		t.Fatalf("seed category: %v", err)
	}
	return c
}

func TestListingHitThenMissAfterCreate(t *testing.T) {
	srv := newTestServer(t, nil)
	cat := srv.seedCategory(t, "weapons")
	path := "/assets?category=" + strconv.FormatInt(cat.ID, 10)

	resp := srv.do(t, http.MethodGet, path, nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get(HeaderCache) != "MISS" {
		t.Fatalf("first GET = %d %q", resp.StatusCode, resp.Header.Get(HeaderCache))
	}
	resp = srv.do(t, http.MethodGet, path, nil)
	if resp.Header.Get(HeaderCache) != "HIT" {
		t.Fatalf("second GET X-Cache = %q, want HIT", resp.Header.Get(HeaderCache))
	}
	if page := decode[domain.AssetPage](t, resp); page.Total != 0 {
		t.Fatalf("expected empty page, got %+v", page)
	}

	resp = srv.do(t, http.MethodPost, "/assets", domain.Asset{Title: "Rusty Sword", CategoryID: cat.ID, AuthorID: "u1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /assets = %d", resp.StatusCode)
	}
	created := decode[domain.Asset](t, resp)
	if created.ID == "" {
		t.Fatal("expected an assigned id")
	}

	resp = srv.do(t, http.MethodGet, path, nil)
	if resp.Header.Get(HeaderCache) != "MISS" {
		t.Fatalf("GET after create X-Cache = %q, want MISS", resp.Header.Get(HeaderCache))
	}
	if page := decode[domain.AssetPage](t, resp); page.Total != 1 || page.Items[0].ID != created.ID {
		t.Fatalf("expected the new asset, got %+v", page)
	}
}

func TestCreateAssetValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	cases := []struct {
		name string
		body any
		want int
	}{
		{name: "missing title", body: domain.Asset{CategoryID: 1, AuthorID: "u1"}, want: http.StatusBadRequest},
		{name: "unknown category", body: domain.Asset{Title: "x", CategoryID: 42, AuthorID: "u1"}, want: http.StatusNotFound},
		{name: "not json", body: "nope", want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := srv.do(t, http.MethodPost, "/assets", tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestGetAssetNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	if resp := srv.do(t, http.MethodGet, "/assets/missing", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSearchRequiresText(t *testing.T) {
	srv := newTestServer(t, nil)
	if resp := srv.do(t, http.MethodGet, "/search", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if resp := srv.do(t, http.MethodGet, "/search?q=sword", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCollectionRoutes(t *testing.T) {
	srv := newTestServer(t, nil)
	cat := srv.seedCategory(t, "weapons")
	a := domain.Asset{Title: "Rusty Sword", CategoryID: cat.ID, AuthorID: "u1"}
	if err := srv.db.CreateAsset(context.Background(), &a); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	resp := srv.do(t, http.MethodGet, "/users/9/collection", nil)
	if page := decode[domain.CollectionPage](t, resp); page.Total != 0 {
		t.Fatalf("expected empty collection, got %+v", page)
	}
	if resp := srv.do(t, http.MethodPost, "/users/9/collection", map[string]string{"asset_id": a.ID}); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("add = %d", resp.StatusCode)
	}
	resp = srv.do(t, http.MethodGet, "/users/9/collection", nil)
	if resp.Header.Get(HeaderCache) != "MISS" {
		t.Fatalf("collection should be refetched after add, X-Cache = %q", resp.Header.Get(HeaderCache))
	}
	if page := decode[domain.CollectionPage](t, resp); page.Total != 1 {
		t.Fatalf("expected one saved asset, got %+v", page)
	}
	if resp := srv.do(t, http.MethodDelete, "/users/9/collection/"+a.ID, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("remove = %d", resp.StatusCode)
	}
	if resp := srv.do(t, http.MethodDelete, "/users/9/collection/"+a.ID, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second remove = %d, want 404", resp.StatusCode)
	}
}

func TestAdminInvalidateAndStats(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.seedCategory(t, "weapons")
	srv.do(t, http.MethodGet, "/categories", nil)
	srv.do(t, http.MethodGet, "/stats", nil)

	resp := srv.do(t, http.MethodGet, "/admin/cache/stats", nil)
	st := decode[service.Status](t, resp)
	if st.Cache.Mode != cache.ModeDistributed {
		t.Fatalf("mode = %q, want %s", st.Cache.Mode, cache.ModeDistributed)
	}
	if st.Queue == nil || st.Queue.MaxConcurrent != 2 {
		t.Fatalf("queue stats = %+v", st.Queue)
	}

	resp = srv.do(t, http.MethodPost, "/admin/cache/invalidate", map[string]string{"pattern": "categories_*"})
	if rep := decode[cachepolicy.InvalidationReport](t, resp); rep.Removed != 1 {
		t.Fatalf("pattern purge removed %d, want 1", rep.Removed)
	}
	resp = srv.do(t, http.MethodPost, "/admin/cache/invalidate", nil)
	if rep := decode[cachepolicy.InvalidationReport](t, resp); rep.Removed != 1 {
		t.Fatalf("full purge removed %d, want 1 (stats)", rep.Removed)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	resp := srv.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decode[map[string]string](t, resp); body["cache"] != cache.ModeDistributed {
		t.Fatalf("health = %+v", body)
	}
}

func TestAssetImageFromEdge(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/a1" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("png-bytes"))
	}))
	defer origin.Close()

	edge, err := edgecache.Open(edgecache.Config{Dir: t.TempDir()}, edgecache.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("open edge cache: %v", err)
	}
	t.Cleanup(func() { edge.Close() })

	srv := newTestServer(t, func(d *service.Deps) {
		d.Edge = edge
		d.Origin = edgecache.NewHTTPOrigin(origin.URL)
	})

	resp := srv.do(t, http.MethodGet, "/assets/a1/image", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Image-Source") != service.SourceOrigin {
		t.Fatalf("first image GET = %d %q", resp.StatusCode, resp.Header.Get("X-Image-Source"))
	}
	resp = srv.do(t, http.MethodGet, "/assets/a1/image", nil)
	if resp.Header.Get("X-Image-Source") != service.SourceEdge {
		t.Fatalf("second image GET source = %q, want edge", resp.Header.Get("X-Image-Source"))
	}
	if resp := srv.do(t, http.MethodGet, "/assets/nope/image", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing image = %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.do(t, http.MethodGet, "/categories", nil)
	resp := srv.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
