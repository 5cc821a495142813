package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/agora/internal/logging"
	"github.com/oriys/agora/internal/metrics"
)

const (
	// DefaultOpTimeout bounds every distributed-cache round trip so a sick
	// Redis cannot stall a request longer than this before the fallback
	// engages.
	DefaultOpTimeout = 250 * time.Millisecond

	// DefaultProbeInterval is the minimum time between reconnection probes
	// while the store is degraded.
	DefaultProbeInterval = 5 * time.Second

	// maxMissedPurges caps the purges remembered during an outage. Past the
	// cap the whole namespace is wiped on recovery instead.
	maxMissedPurges = 1024
)

// Mode values reported by Store.Mode and cache statistics.
const (
	ModeDistributed = "distributed"
	ModeLocal       = "local"
)

// Outcome describes how a Store operation was served. Degraded is set when
// the distributed cache was skipped or failed and the local fallback did
// the work; RemoteErr carries the failure that caused the fallback, if any.
type Outcome struct {
	Degraded  bool
	RemoteErr error
}

// Partial reports whether the distributed half of the operation failed.
func (o Outcome) Partial() bool {
	return o.RemoteErr != nil
}

// PurgeResult reports a pattern deletion on both tiers.
type PurgeResult struct {
	Outcome
	Remote int // keys removed from the distributed cache
	Local  int // keys removed from the local fallback
}

// Store is the unified cache store. It prefers the distributed cache and
// falls back to an in-process cache on any distributed failure. Writes are
// mirrored into the fallback so an outage does not start from a cold cache.
//
// Distributed-cache errors never reach the caller; they are logged,
// reported through Outcome and switch the store into degraded mode, where
// the distributed cache is skipped entirely until a probe succeeds.
type Store struct {
	remote  Cache // nil means fallback-only
	local   *InMemoryCache
	bus     *Bus
	log     *slog.Logger
	metrics *metrics.Metrics

	opTimeout     time.Duration
	probeInterval time.Duration

	degraded  atomic.Bool
	lastProbe atomic.Int64 // unix nanos
	probeMu   sync.Mutex

	missedMu       sync.Mutex
	missed         map[string]struct{}
	missedOverflow bool

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for degraded-mode reporting.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithOpTimeout overrides DefaultOpTimeout.
func WithOpTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithProbeInterval overrides DefaultProbeInterval.
func WithProbeInterval(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.probeInterval = d
		}
	}
}

// WithLocal supplies the fallback cache instead of a fresh one.
func WithLocal(local *InMemoryCache) StoreOption {
	return func(s *Store) {
		if local != nil {
			s.local = local
		}
	}
}

// WithBus publishes successful distributed purges so other processes can
// drop the same keys from their local fallback.
func WithBus(b *Bus) StoreOption {
	return func(s *Store) { s.bus = b }
}

// NewStore creates a store in front of remote. A nil remote is a valid
// fallback-only configuration.
func NewStore(remote Cache, opts ...StoreOption) *Store {
	s := &Store{
		remote:        remote,
		opTimeout:     DefaultOpTimeout,
		probeInterval: DefaultProbeInterval,
		missed:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.local == nil {
		s.local = NewInMemoryCache()
	}
	s.log = logging.Or(s.log).With("component", "cache_store")
	if remote == nil {
		s.degraded.Store(true)
	}
	s.metrics.SetCacheDegraded(s.degraded.Load())
	return s
}

// Start checks the distributed connection and launches the reconnection
// probe loop (and the invalidation listener when a bus is attached). It
// returns immediately.
func (s *Store) Start(ctx context.Context) {
	if s.remote == nil {
		s.log.Info("no distributed cache configured, running in fallback-only mode")
		return
	}

	pctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	err := s.remote.Ping(pctx)
	cancel()
	if err != nil {
		s.markDegraded("ping", "", err)
	} else {
		s.log.Info("distributed cache connected")
	}

	loopCtx, stop := context.WithCancel(ctx)
	s.cancel = stop
	s.wg.Add(1)
	go s.probeLoop(loopCtx)

	if s.bus != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.bus.Listen(loopCtx, s.local)
		}()
	}
}

// Close stops background work and releases both tiers.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		if s.remote != nil {
			err = s.remote.Close()
		}
		_ = s.local.Close()
	})
	return err
}

// Degraded reports whether the store is serving from the local fallback.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Mode returns ModeDistributed or ModeLocal.
func (s *Store) Mode() string {
	if s.Degraded() {
		return ModeLocal
	}
	return ModeDistributed
}

// Get returns the value for key or ErrNotFound. A distributed miss is
// authoritative while the store is healthy.
func (s *Store) Get(ctx context.Context, key string) ([]byte, Outcome, error) {
	if s.useRemote() {
		rctx, cancel := s.remoteCtx(ctx)
		val, err := s.remote.Get(rctx, key)
		cancel()
		switch {
		case err == nil:
			return val, Outcome{}, nil
		case errors.Is(err, ErrNotFound):
			return nil, Outcome{}, ErrNotFound
		}
		out := s.fail(ctx, "get", key, err)
		val, err = s.local.Get(ctx, key)
		return val, out, err
	}
	val, err := s.local.Get(ctx, key)
	return val, degradedOutcome, err
}

// Set writes value to the distributed cache and mirrors it locally. The
// write succeeds as long as the local mirror succeeds.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (Outcome, error) {
	out := degradedOutcome
	if s.useRemote() {
		rctx, cancel := s.remoteCtx(ctx)
		err := s.remote.Set(rctx, key, value, ttl)
		cancel()
		if err != nil {
			out = s.fail(ctx, "set", key, err)
		} else {
			out = Outcome{}
		}
	}
	if err := s.local.Set(ctx, key, value, ttl); err != nil {
		return out, fmt.Errorf("local cache set %q: %w", key, err)
	}
	return out, nil
}

// Delete removes key from both tiers.
func (s *Store) Delete(ctx context.Context, key string) (Outcome, error) {
	out := s.purgeRemote(ctx, "delete", escapePattern(key), func(rctx context.Context) error {
		return s.remote.Delete(rctx, key)
	})
	if err := s.local.Delete(ctx, key); err != nil {
		return out, fmt.Errorf("local cache delete %q: %w", key, err)
	}
	return out, nil
}

// DeletePattern removes every key matching the glob pattern from both
// tiers. A distributed failure still purges the fallback; the pattern is
// remembered and replayed on the distributed cache once it recovers.
func (s *Store) DeletePattern(ctx context.Context, pattern string) (PurgeResult, error) {
	var res PurgeResult
	res.Outcome = s.purgeRemote(ctx, "delete_pattern", pattern, func(rctx context.Context) error {
		n, err := s.remote.DeletePattern(rctx, pattern)
		res.Remote = n
		return err
	})
	n, err := s.local.DeletePattern(ctx, pattern)
	res.Local = n
	if err != nil {
		return res, fmt.Errorf("local cache delete pattern %q: %w", pattern, err)
	}
	return res, nil
}

// Incr atomically increments a counter, setting ttl when it is created.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, Outcome, error) {
	if s.useRemote() {
		rctx, cancel := s.remoteCtx(ctx)
		n, err := s.remote.Incr(rctx, key, ttl)
		cancel()
		if err == nil {
			return n, Outcome{}, nil
		}
		out := s.fail(ctx, "incr", key, err)
		n, err = s.local.Incr(ctx, key, ttl)
		return n, out, err
	}
	n, err := s.local.Incr(ctx, key, ttl)
	return n, degradedOutcome, err
}

// Exists reports whether key is present and unexpired.
func (s *Store) Exists(ctx context.Context, key string) (bool, Outcome, error) {
	if s.useRemote() {
		rctx, cancel := s.remoteCtx(ctx)
		ok, err := s.remote.Exists(rctx, key)
		cancel()
		if err == nil {
			return ok, Outcome{}, nil
		}
		out := s.fail(ctx, "exists", key, err)
		ok, err = s.local.Exists(ctx, key)
		return ok, out, err
	}
	ok, err := s.local.Exists(ctx, key)
	return ok, degradedOutcome, err
}

// Count returns the number of live keys matching pattern in whichever tier
// is currently serving.
func (s *Store) Count(ctx context.Context, pattern string) (int, Outcome, error) {
	if s.useRemote() {
		rctx, cancel := s.remoteCtx(ctx)
		n, err := s.remote.Count(rctx, pattern)
		cancel()
		if err == nil {
			return n, Outcome{}, nil
		}
		out := s.fail(ctx, "count", pattern, err)
		n, err = s.local.Count(ctx, pattern)
		return n, out, err
	}
	n, err := s.local.Count(ctx, pattern)
	return n, degradedOutcome, err
}

var degradedOutcome = Outcome{Degraded: true}

// purgeRemote runs a distributed deletion, or records it for replay when
// the distributed cache is unavailable.
func (s *Store) purgeRemote(ctx context.Context, op, pattern string, del func(context.Context) error) Outcome {
	if s.remote == nil {
		return degradedOutcome
	}
	if !s.useRemote() && s.remember(pattern) {
		return degradedOutcome
	}
	rctx, cancel := s.remoteCtx(ctx)
	err := del(rctx)
	cancel()
	if err != nil {
		out := s.fail(ctx, op, pattern, err)
		s.remember(pattern)
		return out
	}
	if s.bus != nil {
		pctx, cancel := s.remoteCtx(ctx)
		if err := s.bus.Publish(pctx, pattern); err != nil {
			s.log.Warn("publish cache invalidation failed", "pattern", pattern, "error", err)
		}
		cancel()
	}
	return Outcome{}
}

// remember queues pattern for replay. It returns false when the store has
// recovered in the meantime, in which case the caller purges directly.
func (s *Store) remember(pattern string) bool {
	s.missedMu.Lock()
	defer s.missedMu.Unlock()
	if !s.degraded.Load() {
		return false
	}
	if s.missedOverflow {
		return true
	}
	if len(s.missed) >= maxMissedPurges {
		s.missedOverflow = true
		s.missed = make(map[string]struct{})
		return true
	}
	s.missed[pattern] = struct{}{}
	return true
}

func (s *Store) useRemote() bool {
	if s.remote == nil {
		return false
	}
	if !s.degraded.Load() {
		return true
	}
	s.maybeProbe()
	return false
}

// maybeProbe launches a background probe when one is due. Only the caller
// that advances lastProbe launches it.
func (s *Store) maybeProbe() bool {
	last := s.lastProbe.Load()
	now := time.Now()
	if now.Sub(time.Unix(0, last)) < s.probeInterval {
		return false
	}
	if !s.lastProbe.CompareAndSwap(last, now.UnixNano()) {
		return false
	}
	go s.probe(context.Background())
	return true
}

func (s *Store) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// fail records a distributed failure. A cancelled caller context is the
// caller's problem, not the cache's, and does not degrade the store.
func (s *Store) fail(ctx context.Context, op, key string, err error) Outcome {
	s.metrics.RecordCacheFallback(op)
	if ctx.Err() == nil {
		s.markDegraded(op, key, err)
	}
	return Outcome{Degraded: true, RemoteErr: err}
}

func (s *Store) markDegraded(op, key string, err error) {
	s.lastProbe.Store(time.Now().UnixNano())
	if s.degraded.CompareAndSwap(false, true) {
		s.log.Warn("distributed cache unavailable, degrading to local fallback",
			"op", op, "key", key, "error", err)
		s.metrics.SetCacheDegraded(true)
	}
}

func (s *Store) probeLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.degraded.Load() {
				s.probe(ctx)
			}
		}
	}
}

// probe pings the distributed cache and, on success, replays purges missed
// during the outage before leaving degraded mode. Only one probe runs at a
// time.
func (s *Store) probe(ctx context.Context) bool {
	if s.remote == nil || !s.probeMu.TryLock() {
		return false
	}
	defer s.probeMu.Unlock()

	s.lastProbe.Store(time.Now().UnixNano())

	pctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	err := s.remote.Ping(pctx)
	cancel()
	if err != nil {
		s.log.Debug("distributed cache probe failed", "error", err)
		return false
	}

	for {
		patterns := s.takeMissed()
		if len(patterns) == 0 {
			break
		}
		for i, p := range patterns {
			rctx, cancel := context.WithTimeout(ctx, s.opTimeout)
			_, err := s.remote.DeletePattern(rctx, p)
			cancel()
			if err != nil {
				s.requeue(patterns[i:])
				s.log.Warn("replaying missed invalidations failed", "pattern", p, "error", err)
				return false
			}
		}
		s.log.Info("replayed invalidations missed during outage", "patterns", len(patterns))
	}

	s.missedMu.Lock()
	recovered := len(s.missed) == 0 && !s.missedOverflow
	if recovered {
		s.degraded.Store(false)
	}
	s.missedMu.Unlock()
	if !recovered {
		return false
	}
	s.log.Info("distributed cache recovered, resuming distributed mode")
	s.metrics.SetCacheDegraded(false)
	return true
}

func (s *Store) takeMissed() []string {
	s.missedMu.Lock()
	defer s.missedMu.Unlock()
	if s.missedOverflow {
		s.missedOverflow = false
		s.missed = make(map[string]struct{})
		return []string{"*"}
	}
	out := make([]string, 0, len(s.missed))
	for p := range s.missed {
		out = append(out, p)
	}
	s.missed = make(map[string]struct{})
	return out
}

func (s *Store) requeue(patterns []string) {
	s.missedMu.Lock()
	defer s.missedMu.Unlock()
	for _, p := range patterns {
		if len(s.missed) >= maxMissedPurges {
			s.missedOverflow = true
			return
		}
		s.missed[p] = struct{}{}
	}
}

var patternEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapePattern turns a literal key into a pattern matching only that key.
func escapePattern(key string) string {
	return patternEscaper.Replace(key)
}
