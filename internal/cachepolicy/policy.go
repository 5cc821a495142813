// Package cachepolicy maps marketplace queries to cache keys and TTLs and
// marketplace mutations to the key patterns they make stale.
package cachepolicy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oriys/agora/internal/cache"
	"github.com/oriys/agora/internal/domain"
	"github.com/oriys/agora/internal/logging"
	"github.com/oriys/agora/internal/metrics"
)

// Cache regions. A region is the key prefix up to the first separator.
const (
	RegionListing     = "listing"
	RegionSearch      = "search"
	RegionAsset       = "asset"
	RegionStats       = "stats"
	RegionCategories  = "categories"
	RegionCollections = "collections"
	RegionDownloads   = "downloads"
)

// Regions lists every region reported by Stats.
var Regions = []string{
	RegionListing,
	RegionSearch,
	RegionAsset,
	RegionStats,
	RegionCategories,
	RegionCollections,
	RegionDownloads,
}

// Entity names used in invalidation reports and metrics.
const (
	EntityAsset      = "asset"
	EntityCategory   = "category"
	EntityCollection = "collection"
	EntityAdmin      = "admin"
)

// Policy owns key construction, TTL selection and invalidation fan-out for
// the marketplace.
type Policy struct {
	store   *cache.Store
	ttls    TTLs
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Policy.
type Option func(*Policy)

// WithTTLs overrides the freshness table. Zero entries keep their default.
func WithTTLs(t TTLs) Option {
	return func(p *Policy) { p.ttls = t.withDefaults() }
}

// WithLogger sets the policy logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) { p.log = l }
}

// WithMetrics attaches invalidation counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Policy) { p.metrics = m }
}

// New creates a policy over store.
func New(store *cache.Store, opts ...Option) *Policy {
	p := &Policy{store: store, ttls: DefaultTTLs()}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logging.Or(p.log).With("component", "cache_policy")
	return p
}

// TTLs returns the active freshness table.
func (p *Policy) TTLs() TTLs {
	return p.ttls
}

// ListingKey returns the key and TTL for a listing query. Queries with
// search text land in the search region. The query is normalized first so
// equivalent queries share a key.
func (p *Policy) ListingKey(q domain.ListingQuery) (string, time.Duration) {
	q = q.Normalize()
	op := RegionListing
	if q.Search != "" {
		op = RegionSearch
	}
	k := NewKey(op).
		With("category", q.CategoryID).
		With("q", q.Search).
		With("sort", q.Sort).
		With("page", q.Page)
	if q.Limit != domain.DefaultPageLimit {
		k.With("limit", q.Limit)
	}
	return k.String(), p.ttls.ForQuery(q)
}

// SearchKey returns the key and TTL for a free-text search.
func (p *Policy) SearchKey(text string, page, limit int) (string, time.Duration) {
	return p.ListingKey(domain.ListingQuery{Search: text, Page: page, Limit: limit})
}

// DetailKey returns the key and TTL for a single asset.
func (p *Policy) DetailKey(assetID string) (string, time.Duration) {
	return NewKey(RegionAsset).Scope("id", assetID).String(), p.ttls.Detail
}

// StatsKey returns the key and TTL for the global aggregates.
func (p *Policy) StatsKey() (string, time.Duration) {
	return RegionStats + keySep + "global", p.ttls.Stats
}

// CategoriesKey returns the key and TTL for the category taxonomy.
func (p *Policy) CategoriesKey() (string, time.Duration) {
	return RegionCategories + keySep + "all", p.ttls.Taxonomy
}

// CollectionKey returns the key and TTL for one page of a user's
// collection. The user scope comes first so CollectionChanged can purge a
// single user.
func (p *Policy) CollectionKey(userID string, page, limit int) (string, time.Duration) {
	q := domain.ListingQuery{Page: page, Limit: limit}.Normalize()
	k := NewKey(RegionCollections).Scope("user", userID).With("page", q.Page)
	if q.Limit != domain.DefaultPageLimit {
		k.With("limit", q.Limit)
	}
	return k.String(), p.ttls.Collection
}

// DownloadCounterKey returns the key of an asset's hot download counter.
func (p *Policy) DownloadCounterKey(assetID string) string {
	return NewKey(RegionDownloads).Scope("id", assetID).String()
}

// InvalidationReport describes one fan-out. Partial is set when any
// pattern could not be purged from the distributed cache or the fallback;
// the stale entries then live until their TTL expires.
type InvalidationReport struct {
	Entity   string   `json:"entity"`
	Patterns []string `json:"patterns"`
	Removed  int      `json:"removed"`
	Partial  bool     `json:"partial"`
	Degraded bool     `json:"degraded"`
	Errors   []string `json:"errors,omitempty"`
}

// AssetChanged purges every listing and search result and the global
// aggregates. Asset detail keys are left to their own short TTL.
func (p *Policy) AssetChanged(ctx context.Context, assetID string) InvalidationReport {
	return p.purge(ctx, EntityAsset, slog.String("asset_id", assetID),
		RegionListing+keySep+"*",
		RegionSearch+keySep+"*",
		RegionStats+keySep+"global",
	)
}

// CategoryChanged purges the taxonomy key.
func (p *Policy) CategoryChanged(ctx context.Context) InvalidationReport {
	key, _ := p.CategoriesKey()
	return p.purge(ctx, EntityCategory, slog.Attr{}, key)
}

// CollectionChanged purges the cached collection pages of one user and
// nothing else.
func (p *Policy) CollectionChanged(ctx context.Context, userID string) InvalidationReport {
	pattern := NewKey(RegionCollections).Scope("user", userID).Prefix() + "*"
	return p.purge(ctx, EntityCollection, slog.String("user_id", userID), pattern)
}

// InvalidateAll wipes every cached entry.
func (p *Policy) InvalidateAll(ctx context.Context) InvalidationReport {
	return p.purge(ctx, EntityAdmin, slog.Attr{}, "*")
}

// ErrEmptyPattern is returned for an empty administrative pattern.
var ErrEmptyPattern = errors.New("cachepolicy: empty pattern")

// InvalidatePattern purges keys matching an administrator-supplied glob.
func (p *Policy) InvalidatePattern(ctx context.Context, pattern string) (InvalidationReport, error) {
	if pattern == "" {
		return InvalidationReport{}, ErrEmptyPattern
	}
	return p.purge(ctx, EntityAdmin, slog.Attr{}, pattern), nil
}

// purge deletes each pattern from the store. Failures are logged and
// reported, never returned: a mutation must not fail because its cache
// could not be purged.
//
// The purge outlives the caller's cancellation: by the time it runs the
// write has committed, and a client hanging up must not leave the
// distributed cache stale. The store's per-operation timeout still bounds
// each call.
func (p *Policy) purge(ctx context.Context, entity string, attr slog.Attr, patterns ...string) InvalidationReport {
	ctx = context.WithoutCancel(ctx)
	rep := InvalidationReport{Entity: entity, Patterns: patterns}
	for _, pattern := range patterns {
		res, err := p.store.DeletePattern(ctx, pattern)
		rep.Removed += max(res.Remote, res.Local)
		if res.Degraded {
			rep.Degraded = true
		}
		if res.RemoteErr != nil {
			rep.Partial = true
			rep.Errors = append(rep.Errors, res.RemoteErr.Error())
		}
		if err != nil {
			rep.Partial = true
			rep.Errors = append(rep.Errors, err.Error())
		}
	}

	args := []any{"entity", entity, "patterns", patterns, "removed", rep.Removed}
	if attr.Key != "" {
		args = append(args, attr)
	}
	if rep.Partial {
		p.log.Warn("cache invalidation partially failed", append(args, "errors", rep.Errors)...)
	} else {
		p.log.Debug("cache invalidated", args...)
	}
	p.metrics.RecordInvalidation(entity, rep.Partial, rep.Removed)
	return rep
}

// RegionCount is the key count of one cache region.
type RegionCount struct {
	Region string `json:"region"`
	Keys   int    `json:"keys"`
	Mode   string `json:"mode"`
}

// CacheStats is the introspection view of the cache.
type CacheStats struct {
	Mode    string        `json:"mode"`
	Regions []RegionCount `json:"regions"`
}

// Stats counts keys per region. Mode is "distributed" when the count came
// from the distributed cache and "local" when the fallback answered.
func (p *Policy) Stats(ctx context.Context) (CacheStats, error) {
	stats := CacheStats{Regions: make([]RegionCount, 0, len(Regions))}
	for _, region := range Regions {
		n, out, err := p.store.Count(ctx, region+keySep+"*")
		if err != nil {
			return CacheStats{}, err
		}
		mode := cache.ModeDistributed
		if out.Degraded {
			mode = cache.ModeLocal
		}
		stats.Regions = append(stats.Regions, RegionCount{Region: region, Keys: n, Mode: mode})
	}
	stats.Mode = p.store.Mode()
	return stats, nil
}
