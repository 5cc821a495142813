package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oriys/agora/internal/cache"
	"github.com/oriys/agora/internal/cachepolicy"
	"github.com/oriys/agora/internal/domain"
	"github.com/oriys/agora/internal/edgecache"
	"github.com/oriys/agora/internal/logging"
	"github.com/oriys/agora/internal/opqueue"
	"github.com/oriys/agora/internal/store"
)

// DownloadCounterTTL is the lifetime of the hot per-asset download counter.
const DownloadCounterTTL = time.Hour

var (
	// ErrInvalid marks a request rejected before touching the store.
	ErrInvalid = errors.New("invalid request")
	// ErrImageUnavailable is returned when no image origin is configured.
	ErrImageUnavailable = errors.New("image origin not configured")
)

// Deps are the collaborators of a Marketplace. Queue, Edge and Origin are
// optional.
type Deps struct {
	Store  store.MarketplaceStore
	Engine *cache.Engine
	Policy *cachepolicy.Policy
	Queue  *opqueue.Queue
	Edge   *edgecache.Cache
	Origin edgecache.Origin
	Logger *slog.Logger
}

// Marketplace serves marketplace reads through the cache and keeps the
// cache consistent with writes. Reads go policy -> cache-aside engine ->
// (admission queue when the request is critical) -> backing store. Writes
// hit the backing store first, then purge the affected cache keys before
// returning.
type Marketplace struct {
	store  store.MarketplaceStore
	engine *cache.Engine
	policy *cachepolicy.Policy
	queue  *opqueue.Queue
	edge   *edgecache.Cache
	origin edgecache.Origin
	log    *slog.Logger
}

func NewMarketplace(d Deps) *Marketplace {
	return &Marketplace{
		store:  d.Store,
		engine: d.Engine,
		policy: d.Policy,
		queue:  d.Queue,
		edge:   d.Edge,
		origin: d.Origin,
		log:    logging.Or(d.Logger).With("component", "marketplace"),
	}
}

// read runs a cache-aside lookup whose fill goes through the admission
// queue for critical requests.
func read[T any](ctx context.Context, m *Marketplace, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (cache.FetchOutcome[T], error) {
	return cache.GetOrSet(ctx, m.engine, key, ttl, func(ctx context.Context) (T, error) {
		return opqueue.Execute(ctx, m.queue, fetch)
	})
}

// ─── reads ──────────────────────────────────────────────────────────────────

// ListAssets returns a page of assets. Queries with search text are served
// from the search region.
func (m *Marketplace) ListAssets(ctx context.Context, q domain.ListingQuery) (cache.FetchOutcome[domain.AssetPage], error) {
	q = q.Normalize()
	key, ttl := m.policy.ListingKey(q)
	return read(ctx, m, key, ttl, func(ctx context.Context) (domain.AssetPage, error) {
		if q.Search != "" {
			return m.store.SearchAssets(ctx, q)
		}
		return m.store.ListAssets(ctx, q)
	})
}

// Search runs a free-text search.
func (m *Marketplace) Search(ctx context.Context, q domain.ListingQuery) (cache.FetchOutcome[domain.AssetPage], error) {
	if strings.TrimSpace(q.Search) == "" {
		return cache.FetchOutcome[domain.AssetPage]{}, fmt.Errorf("%w: search text is required", ErrInvalid)
	}
	return m.ListAssets(ctx, q)
}

// GetAsset returns one asset.
func (m *Marketplace) GetAsset(ctx context.Context, id string) (cache.FetchOutcome[domain.Asset], error) {
	key, ttl := m.policy.DetailKey(id)
	return read(ctx, m, key, ttl, func(ctx context.Context) (domain.Asset, error) {
		a, err := m.store.GetAsset(ctx, id)
		if err != nil {
			return domain.Asset{}, err
		}
		return *a, nil
	})
}

// Categories returns the taxonomy.
func (m *Marketplace) Categories(ctx context.Context) (cache.FetchOutcome[[]domain.Category], error) {
	key, ttl := m.policy.CategoriesKey()
	return read(ctx, m, key, ttl, m.store.ListCategories)
}

// Stats returns the global aggregates.
func (m *Marketplace) Stats(ctx context.Context) (cache.FetchOutcome[domain.Stats], error) {
	key, ttl := m.policy.StatsKey()
	return read(ctx, m, key, ttl, m.store.GlobalStats)
}

// Collection returns one page of a user's collection.
func (m *Marketplace) Collection(ctx context.Context, userID string, page, limit int) (cache.FetchOutcome[domain.CollectionPage], error) {
	if userID == "" {
		return cache.FetchOutcome[domain.CollectionPage]{}, fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	key, ttl := m.policy.CollectionKey(userID, page, limit)
	return read(ctx, m, key, ttl, func(ctx context.Context) (domain.CollectionPage, error) {
		return m.store.ListCollection(ctx, userID, page, limit)
	})
}

// ─── writes ─────────────────────────────────────────────────────────────────

// CreateAsset stores a new asset and purges listings, searches and stats.
func (m *Marketplace) CreateAsset(ctx context.Context, a *domain.Asset) (cachepolicy.InvalidationReport, error) {
	if err := a.Validate(); err != nil {
		return cachepolicy.InvalidationReport{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := m.store.CreateAsset(ctx, a); err != nil {
		return cachepolicy.InvalidationReport{}, err
	}
	return m.policy.AssetChanged(ctx, a.ID), nil
}

// UpdateAsset patches an asset and purges listings, searches and stats.
func (m *Marketplace) UpdateAsset(ctx context.Context, id string, patch domain.AssetPatch) (*domain.Asset, cachepolicy.InvalidationReport, error) {
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return nil, cachepolicy.InvalidationReport{}, fmt.Errorf("%w: title must not be empty", ErrInvalid)
	}
	if patch.PriceCents != nil && *patch.PriceCents < 0 {
		return nil, cachepolicy.InvalidationReport{}, fmt.Errorf("%w: price_cents must not be negative", ErrInvalid)
	}
	a, err := m.store.UpdateAsset(ctx, id, patch)
	if err != nil {
		return nil, cachepolicy.InvalidationReport{}, err
	}
	return a, m.policy.AssetChanged(ctx, id), nil
}

// DeleteAsset removes an asset and purges listings, searches and stats.
func (m *Marketplace) DeleteAsset(ctx context.Context, id string) (cachepolicy.InvalidationReport, error) {
	if err := m.store.DeleteAsset(ctx, id); err != nil {
		return cachepolicy.InvalidationReport{}, err
	}
	return m.policy.AssetChanged(ctx, id), nil
}

// CreateCategory adds a category and purges the taxonomy.
func (m *Marketplace) CreateCategory(ctx context.Context, c *domain.Category) (cachepolicy.InvalidationReport, error) {
	if strings.TrimSpace(c.Slug) == "" || strings.TrimSpace(c.Name) == "" {
		return cachepolicy.InvalidationReport{}, fmt.Errorf("%w: slug and name are required", ErrInvalid)
	}
	if err := m.store.CreateCategory(ctx, c); err != nil {
		return cachepolicy.InvalidationReport{}, err
	}
	return m.policy.CategoryChanged(ctx), nil
}

// AddToCollection saves an asset for a user and purges that user's
// collection pages.
func (m *Marketplace) AddToCollection(ctx context.Context, userID, assetID string) (cachepolicy.InvalidationReport, error) {
	if userID == "" || assetID == "" {
		return cachepolicy.InvalidationReport{}, fmt.Errorf("%w: user id and asset id are required", ErrInvalid)
	}
	if err := m.store.AddToCollection(ctx, userID, assetID); err != nil {
		return cachepolicy.InvalidationReport{}, err
	}
	return m.policy.CollectionChanged(ctx, userID), nil
}

// RemoveFromCollection removes a saved asset and purges that user's
// collection pages.
func (m *Marketplace) RemoveFromCollection(ctx context.Context, userID, assetID string) (cachepolicy.InvalidationReport, error) {
	if err := m.store.RemoveFromCollection(ctx, userID, assetID); err != nil {
		return cachepolicy.InvalidationReport{}, err
	}
	return m.policy.CollectionChanged(ctx, userID), nil
}

// RecordDownload counts a download in the backing store and bumps the hot
// counter in the cache. It returns the hot counter value.
func (m *Marketplace) RecordDownload(ctx context.Context, id string) (int64, error) {
	if err := m.store.IncrementDownloads(ctx, id, 1); err != nil {
		return 0, err
	}
	n, out, err := m.engine.Store().Incr(ctx, m.policy.DownloadCounterKey(id), DownloadCounterTTL)
	if err != nil {
		m.log.Warn("download counter failed", "asset_id", id, "error", err)
		return 0, nil
	}
	if out.Degraded {
		m.log.Debug("download counter served by local fallback", "asset_id", id)
	}
	return n, nil
}
