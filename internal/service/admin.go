package service

import (
	"context"

	"github.com/oriys/agora/internal/cachepolicy"
	"github.com/oriys/agora/internal/edgecache"
	"github.com/oriys/agora/internal/opqueue"
)

// Status is the operational view of the cache layer.
type Status struct {
	Cache cachepolicy.CacheStats `json:"cache"`
	Queue *opqueue.Stats         `json:"queue,omitempty"`
	Edge  *edgecache.Stats       `json:"edge,omitempty"`
}

// Status reports per-region key counts, admission queue counters and edge
// cache usage.
func (m *Marketplace) Status(ctx context.Context) (Status, error) {
	cs, err := m.policy.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Cache: cs}
	if m.queue != nil {
		qs := m.queue.Stats()
		st.Queue = &qs
	}
	if m.edge != nil {
		es, err := m.edge.Stats()
		if err != nil {
			m.log.Warn("edge cache stats failed", "error", err)
		} else {
			st.Edge = &es
		}
	}
	return st, nil
}

// InvalidateAll wipes the cache.
func (m *Marketplace) InvalidateAll(ctx context.Context) cachepolicy.InvalidationReport {
	return m.policy.InvalidateAll(ctx)
}

// InvalidatePattern purges keys matching a glob.
func (m *Marketplace) InvalidatePattern(ctx context.Context, pattern string) (cachepolicy.InvalidationReport, error) {
	return m.policy.InvalidatePattern(ctx, pattern)
}

// Ping checks the backing store.
func (m *Marketplace) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// CacheMode reports whether the distributed cache is serving.
func (m *Marketplace) CacheMode() string {
	return m.engine.Store().Mode()
}
