package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/agora/internal/domain"
)

// MemoryStore is an in-process MarketplaceStore for local development and
// tests. It honours the same filtering, ordering and paging as
// PostgresStore.
type MemoryStore struct {
	mu          sync.RWMutex
	assets      map[string]domain.Asset
	categories  map[int64]domain.Category
	nextCatID   int64
	collections map[string]map[string]time.Time // user -> asset -> added
}

var _ MarketplaceStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:      make(map[string]domain.Asset),
		categories:  make(map[int64]domain.Category),
		collections: make(map[string]map[string]time.Time),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) ListAssets(_ context.Context, q domain.ListingQuery) (domain.AssetPage, error) {
	q = q.Normalize()
	m.mu.RLock()
	var matched []domain.Asset
	for _, a := range m.assets {
		if q.CategoryID != 0 && a.CategoryID != q.CategoryID {
			continue
		}
		if q.Search != "" &&
			!strings.Contains(strings.ToLower(a.Title), q.Search) &&
			!strings.Contains(strings.ToLower(a.Description), q.Search) {
			continue
		}
		matched = append(matched, a)
	}
	m.mu.RUnlock()

	sortAssets(matched, q.Sort)
	return domain.AssetPage{
		Items: window(matched, q.Offset(), q.Limit),
		Page:  q.Page,
		Limit: q.Limit,
		Total: int64(len(matched)),
	}, nil
}

func sortAssets(items []domain.Asset, by string) {
	less := func(a, b domain.Asset) bool { return a.Downloads > b.Downloads }
	switch by {
	case domain.SortNewest:
		less = func(a, b domain.Asset) bool { return a.CreatedAt.After(b.CreatedAt) }
	case domain.SortRating:
		less = func(a, b domain.Asset) bool { return a.Rating > b.Rating }
	case domain.SortPriceAsc:
		less = func(a, b domain.Asset) bool { return a.PriceCents < b.PriceCents }
	case domain.SortPriceDesc:
		less = func(a, b domain.Asset) bool { return a.PriceCents > b.PriceCents }
	}
	sort.SliceStable(items, func(i, j int) bool {
		if less(items[i], items[j]) {
			return true
		}
		if less(items[j], items[i]) {
			return false
		}
		return items[i].ID < items[j].ID
	})
}

func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return append([]T{}, items[offset:end]...)
}

func (m *MemoryStore) SearchAssets(ctx context.Context, q domain.ListingQuery) (domain.AssetPage, error) {
	if strings.TrimSpace(q.Search) == "" {
		return domain.AssetPage{}, fmt.Errorf("search text is required")
	}
	return m.ListAssets(ctx, q)
}

func (m *MemoryStore) GetAsset(_ context.Context, id string) (*domain.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (m *MemoryStore) ListCategories(context.Context) ([]domain.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[int64]int64)
	for _, a := range m.assets {
		counts[a.CategoryID]++
	}
	cats := make([]domain.Category, 0, len(m.categories))
	for _, c := range m.categories {
		c.AssetCount = counts[c.ID]
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i].Name < cats[j].Name })
	return cats, nil
}

func (m *MemoryStore) GlobalStats(context.Context) (domain.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := domain.Stats{
		Assets:     int64(len(m.assets)),
		Categories: int64(len(m.categories)),
		ComputedAt: time.Now().UTC(),
	}
	authors := make(map[string]struct{})
	var weighted float64
	for _, a := range m.assets {
		authors[a.AuthorID] = struct{}{}
		st.Downloads += a.Downloads
		st.Reviews += a.ReviewCount
		weighted += a.Rating * float64(a.ReviewCount)
	}
	st.Authors = int64(len(authors))
	if st.Reviews > 0 {
		st.AvgRating = weighted / float64(st.Reviews)
	}
	return st, nil
}

func (m *MemoryStore) ListCollection(_ context.Context, userID string, page, limit int) (domain.CollectionPage, error) {
	q := domain.ListingQuery{Page: page, Limit: limit}.Normalize()
	m.mu.RLock()
	var items []domain.CollectionItem
	for id, added := range m.collections[userID] {
		if a, ok := m.assets[id]; ok {
			items = append(items, domain.CollectionItem{UserID: userID, Asset: a, AddedAt: added})
		}
	}
	m.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].AddedAt.Equal(items[j].AddedAt) {
			return items[i].AddedAt.After(items[j].AddedAt)
		}
		return items[i].Asset.ID < items[j].Asset.ID
	})
	return domain.CollectionPage{
		UserID: userID,
		Items:  window(items, q.Offset(), q.Limit),
		Page:   q.Page,
		Limit:  q.Limit,
		Total:  int64(len(items)),
	}, nil
}

func (m *MemoryStore) TopAssetIDs(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	all := make([]domain.Asset, 0, len(m.assets))
	for _, a := range m.assets {
		all = append(all, a)
	}
	m.mu.RUnlock()

	sortAssets(all, domain.SortPopular)
	ids := make([]string, 0, n)
	for _, a := range all[:min(n, len(all))] {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (m *MemoryStore) CreateAsset(_ context.Context, a *domain.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.categories[a.CategoryID]; !ok {
		return fmt.Errorf("category %d: %w", a.CategoryID, ErrNotFound)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.assets[a.ID] = *a
	return nil
}

func (m *MemoryStore) UpdateAsset(_ context.Context, id string, p domain.AssetPatch) (*domain.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if p.CategoryID != nil {
		if _, ok := m.categories[*p.CategoryID]; !ok {
			return nil, fmt.Errorf("category %d: %w", *p.CategoryID, ErrNotFound)
		}
	}
	p.Apply(&a)
	a.UpdatedAt = time.Now().UTC()
	m.assets[id] = a
	return &a, nil
}

func (m *MemoryStore) DeleteAsset(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[id]; !ok {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	delete(m.assets, id)
	for _, saved := range m.collections {
		delete(saved, id)
	}
	return nil
}

func (m *MemoryStore) CreateCategory(_ context.Context, c *domain.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.categories {
		if existing.Slug == c.Slug {
			return fmt.Errorf("create category: slug %q already exists", c.Slug)
		}
	}
	m.nextCatID++
	c.ID = m.nextCatID
	m.categories[c.ID] = *c
	return nil
}

func (m *MemoryStore) AddToCollection(_ context.Context, userID, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[assetID]; !ok {
		return fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
	}
	saved := m.collections[userID]
	if saved == nil {
		saved = make(map[string]time.Time)
		m.collections[userID] = saved
	}
	if _, ok := saved[assetID]; !ok {
		saved[assetID] = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) RemoveFromCollection(_ context.Context, userID, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[userID][assetID]; !ok {
		return fmt.Errorf("collection entry %s/%s: %w", userID, assetID, ErrNotFound)
	}
	delete(m.collections[userID], assetID)
	return nil
}

func (m *MemoryStore) IncrementDownloads(_ context.Context, id string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	a.Downloads += delta
	m.assets[id] = a
	return nil
}
