package store

import (
	"context"
	"errors"

	"github.com/oriys/agora/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// MarketplaceStore is the relational backing store behind the cache layer.
// Every read here is a potential cache fill; every write is followed by an
// invalidation in the service layer.
type MarketplaceStore interface {
	Close() error
	Ping(ctx context.Context) error

	// Reads
	ListAssets(ctx context.Context, q domain.ListingQuery) (domain.AssetPage, error)
	SearchAssets(ctx context.Context, q domain.ListingQuery) (domain.AssetPage, error)
	GetAsset(ctx context.Context, id string) (*domain.Asset, error)
	ListCategories(ctx context.Context) ([]domain.Category, error)
	GlobalStats(ctx context.Context) (domain.Stats, error)
	ListCollection(ctx context.Context, userID string, page, limit int) (domain.CollectionPage, error)
	TopAssetIDs(ctx context.Context, n int) ([]string, error)

	// Writes
	CreateAsset(ctx context.Context, asset *domain.Asset) error
	UpdateAsset(ctx context.Context, id string, patch domain.AssetPatch) (*domain.Asset, error)
	DeleteAsset(ctx context.Context, id string) error
	CreateCategory(ctx context.Context, cat *domain.Category) error
	AddToCollection(ctx context.Context, userID, assetID string) error
	RemoveFromCollection(ctx context.Context, userID, assetID string) error
	IncrementDownloads(ctx context.Context, id string, delta int64) error
}
