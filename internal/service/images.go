package service

import (
	"context"

	"github.com/oriys/agora/internal/edgecache"
)

// Image sources reported by AssetImage.
const (
	SourceEdge   = "edge"
	SourceOrigin = "origin"
)

// AssetImage returns an asset's image, preferring the edge cache. Edge
// failures are never returned; the origin is consulted instead and a
// successful origin fetch is written back to the edge.
func (m *Marketplace) AssetImage(ctx context.Context, id string) ([]byte, string, error) {
	if m.edge != nil {
		if data, ok := m.edge.Get(ctx, id); ok {
			return data, SourceEdge, nil
		}
	}
	if m.origin == nil {
		return nil, "", ErrImageUnavailable
	}
	data, err := m.origin.Fetch(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if m.edge != nil {
		if err := m.edge.Put(ctx, id, data); err != nil {
			m.log.Warn("edge cache write failed", "asset_id", id, "error", err)
		}
	}
	return data, SourceOrigin, nil
}

// WarmEdge pre-fetches the n most downloaded assets into the edge cache.
func (m *Marketplace) WarmEdge(ctx context.Context, n int) (edgecache.WarmReport, error) {
	if m.edge == nil || m.origin == nil {
		return edgecache.WarmReport{}, ErrImageUnavailable
	}
	return m.edge.Warm(ctx, m.store, m.origin, n)
}

// CleanupEdge removes expired edge objects.
func (m *Marketplace) CleanupEdge(ctx context.Context) (int, error) {
	if m.edge == nil {
		return 0, nil
	}
	return m.edge.Cleanup(ctx)
}
