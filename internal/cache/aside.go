package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oriys/agora/internal/logging"
	"github.com/oriys/agora/internal/metrics"
	"github.com/oriys/agora/internal/observability"
	"golang.org/x/sync/singleflight"
)

// FetchOutcome wraps a value returned by the cache-aside engine.
type FetchOutcome[T any] struct {
	Value     T
	WasCached bool // served from the cache without calling fetch
	Degraded  bool // the local fallback served or stored the value
}

// Engine implements get-or-compute-and-store over a Store. It is the only
// place that decides between a cached and a fresh value.
//
// By default concurrent callers missing the same cold key each run their
// fetch function (no per-key locking). WithSingleFlight collapses those
// calls into one.
type Engine struct {
	store   *Store
	flight  *singleflight.Group
	log     *slog.Logger
	metrics *metrics.Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSingleFlight de-duplicates concurrent fetches for the same cold key
// within this process.
func WithSingleFlight() EngineOption {
	return func(e *Engine) { e.flight = &singleflight.Group{} }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithEngineMetrics attaches hit/miss collectors.
func WithEngineMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a cache-aside engine over store.
func NewEngine(store *Store, opts ...EngineOption) *Engine {
	e := &Engine{store: store}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logging.Or(e.log).With("component", "cache_aside")
	return e
}

// Store returns the underlying cache store.
func (e *Engine) Store() *Store {
	return e.store
}

// Region returns the cache region of a key: everything before the first
// underscore ("listing_category_5_page_1" -> "listing").
func Region(key string) string {
	if i := strings.IndexByte(key, '_'); i > 0 {
		return key[:i]
	}
	return key
}

// GetOrSet returns the cached value for key, or calls fetch, stores its
// result for ttl and returns it. A fetch error is returned unchanged and
// nothing is cached. A cached value that no longer decodes into T is
// dropped and recomputed.
func GetOrSet[T any](ctx context.Context, e *Engine, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (FetchOutcome[T], error) {
	ctx, span := observability.StartSpan(ctx, "cache.get_or_set",
		observability.AttrCacheKey.String(key),
		observability.AttrCacheRegion.String(Region(key)),
	)
	defer span.End()

	region := Region(key)
	raw, out, err := e.store.Get(ctx, key)
	switch {
	case err == nil:
		var v T
		derr := json.Unmarshal(raw, &v)
		if derr == nil {
			e.metrics.RecordCacheLookup(region, true)
			span.SetAttributes(observability.AttrCacheHit.Bool(true))
			return FetchOutcome[T]{Value: v, WasCached: true, Degraded: out.Degraded}, nil
		}
		e.log.Warn("dropping undecodable cache entry", "key", key, "error", derr)
		_, _ = e.store.Delete(ctx, key)
	case !errors.Is(err, ErrNotFound):
		e.log.Error("cache lookup failed, computing fresh value", "key", key, "error", err)
	}
	e.metrics.RecordCacheLookup(region, false)
	span.SetAttributes(observability.AttrCacheHit.Bool(false))

	compute := func() (fresh[T], error) {
		v, err := fetch(ctx)
		if err != nil {
			return fresh[T]{}, err
		}
		return fresh[T]{value: v, degraded: e.put(ctx, key, v, ttl)}, nil
	}

	var res fresh[T]
	if e.flight != nil {
		shared, ferr, _ := e.flight.Do(key, func() (any, error) { return compute() })
		err = ferr
		if ferr == nil {
			res = shared.(fresh[T])
		}
	} else {
		res, err = compute()
	}
	if err != nil {
		observability.SetSpanError(span, err)
		return FetchOutcome[T]{}, err
	}
	return FetchOutcome[T]{Value: res.value, Degraded: res.degraded || out.Degraded}, nil
}

type fresh[T any] struct {
	value    T
	degraded bool
}

// put stores v and reports whether the store was degraded. Storage
// failures are logged; the caller still gets its freshly computed value.
func (e *Engine) put(ctx context.Context, key string, v any, ttl time.Duration) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		e.log.Error("encode cache value failed", "key", key, "error", err)
		return false
	}
	out, err := e.store.Set(ctx, key, raw, ttl)
	if err != nil {
		e.log.Error("store cache value failed", "key", key, "error", err)
	}
	return out.Degraded
}
