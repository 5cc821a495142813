package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oriys/agora/internal/domain"
)

const assetColumns = `id, title, description, category_id, author_id, price_cents, image_url, tags, downloads, rating, review_count, created_at, updated_at`

// orderBy maps a normalized sort to its ORDER BY clause. Only whitelisted
// values ever reach SQL.
var orderBy = map[string]string{
	domain.SortPopular:   "downloads DESC, id",
	domain.SortNewest:    "created_at DESC, id",
	domain.SortRating:    "rating DESC, review_count DESC, id",
	domain.SortPriceAsc:  "price_cents ASC, id",
	domain.SortPriceDesc: "price_cents DESC, id",
}

const foreignKeyViolation = "23503"

func scanAsset(row pgx.Row) (domain.Asset, error) {
	var a domain.Asset
	err := row.Scan(
		&a.ID, &a.Title, &a.Description, &a.CategoryID, &a.AuthorID, &a.PriceCents, &a.ImageURL,
		&a.Tags, &a.Downloads, &a.Rating, &a.ReviewCount, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// likePattern escapes LIKE metacharacters in a search term.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// ListAssets returns one page of assets filtered by category and search
// text. The query is normalized first.
func (s *PostgresStore) ListAssets(ctx context.Context, q domain.ListingQuery) (domain.AssetPage, error) {
	q = q.Normalize()
	search := ""
	if q.Search != "" {
		search = likePattern(q.Search)
	}
	where := `WHERE ($1 = 0 OR category_id = $1)
		  AND ($2 = '' OR title ILIKE $2 OR description ILIKE $2)`

	page := domain.AssetPage{Items: []domain.Asset{}, Page: q.Page, Limit: q.Limit}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM assets `+where, q.CategoryID, search).Scan(&page.Total); err != nil {
		return domain.AssetPage{}, fmt.Errorf("count assets: %w", err)
	}
	if page.Total == 0 {
		return page, nil
	}

	query := `SELECT ` + assetColumns + ` FROM assets ` + where + `
		ORDER BY ` + orderBy[q.Sort] + `
		LIMIT $3 OFFSET $4`
	rows, err := s.pool.Query(ctx, query, q.CategoryID, search, q.Limit, q.Offset())
	if err != nil {
		return domain.AssetPage{}, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return domain.AssetPage{}, fmt.Errorf("scan asset: %w", err)
		}
		page.Items = append(page.Items, a)
	}
	return page, rows.Err()
}

// SearchAssets is ListAssets for queries that carry search text.
func (s *PostgresStore) SearchAssets(ctx context.Context, q domain.ListingQuery) (domain.AssetPage, error) {
	if strings.TrimSpace(q.Search) == "" {
		return domain.AssetPage{}, fmt.Errorf("search text is required")
	}
	return s.ListAssets(ctx, q)
}

// GetAsset retrieves an asset by ID
func (s *PostgresStore) GetAsset(ctx context.Context, id string) (*domain.Asset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return &a, nil
}

// ListCategories returns the taxonomy with per-category asset counts.
func (s *PostgresStore) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.slug, c.name, COUNT(a.id)
		FROM categories c
		LEFT JOIN assets a ON a.category_id = c.id
		GROUP BY c.id, c.slug, c.name
		ORDER BY c.name
	`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	cats := []domain.Category{}
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Slug, &c.Name, &c.AssetCount); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

// GlobalStats computes marketplace-wide aggregates. This is the most
// expensive read in the store.
func (s *PostgresStore) GlobalStats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			(SELECT COUNT(*) FROM categories),
			COUNT(DISTINCT author_id),
			COALESCE(SUM(downloads), 0),
			COALESCE(SUM(review_count), 0),
			COALESCE(SUM(rating * review_count) / NULLIF(SUM(review_count), 0), 0)
		FROM assets
	`).Scan(&st.Assets, &st.Categories, &st.Authors, &st.Downloads, &st.Reviews, &st.AvgRating)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("global stats: %w", err)
	}
	st.ComputedAt = time.Now().UTC()
	return st, nil
}

// ListCollection returns one page of a user's saved assets, newest first.
func (s *PostgresStore) ListCollection(ctx context.Context, userID string, page, limit int) (domain.CollectionPage, error) {
	q := domain.ListingQuery{Page: page, Limit: limit}.Normalize()
	out := domain.CollectionPage{UserID: userID, Items: []domain.CollectionItem{}, Page: q.Page, Limit: q.Limit}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM collections WHERE user_id = $1`, userID).Scan(&out.Total); err != nil {
		return domain.CollectionPage{}, fmt.Errorf("count collection: %w", err)
	}
	if out.Total == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.title, a.description, a.category_id, a.author_id, a.price_cents, a.image_url, a.tags,
		       a.downloads, a.rating, a.review_count, a.created_at, a.updated_at, c.added_at
		FROM collections c
		JOIN assets a ON a.id = c.asset_id
		WHERE c.user_id = $1
		ORDER BY c.added_at DESC, a.id
		LIMIT $2 OFFSET $3
	`, userID, q.Limit, q.Offset())
	if err != nil {
		return domain.CollectionPage{}, fmt.Errorf("list collection: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item := domain.CollectionItem{UserID: userID}
		a := &item.Asset
		err := rows.Scan(
			&a.ID, &a.Title, &a.Description, &a.CategoryID, &a.AuthorID, &a.PriceCents, &a.ImageURL,
			&a.Tags, &a.Downloads, &a.Rating, &a.ReviewCount, &a.CreatedAt, &a.UpdatedAt, &item.AddedAt,
		)
		if err != nil {
			return domain.CollectionPage{}, fmt.Errorf("scan collection item: %w", err)
		}
		out.Items = append(out.Items, item)
	}
	return out, rows.Err()
}

// TopAssetIDs returns the n most downloaded asset IDs.
func (s *PostgresStore) TopAssetIDs(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM assets ORDER BY downloads DESC, id LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("top assets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan asset id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateAsset inserts a new asset, assigning its ID and timestamps.
func (s *PostgresStore) CreateAsset(ctx context.Context, a *domain.Asset) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO assets (id, title, description, category_id, author_id, price_cents, image_url, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.Title, a.Description, a.CategoryID, a.AuthorID, a.PriceCents, a.ImageURL, a.Tags, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("category %d: %w", a.CategoryID, ErrNotFound)
		}
		return fmt.Errorf("create asset: %w", err)
	}
	return nil
}

// UpdateAsset applies patch and returns the updated row.
func (s *PostgresStore) UpdateAsset(ctx context.Context, id string, p domain.AssetPatch) (*domain.Asset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx, `
		UPDATE assets SET
			title = COALESCE($2, title),
			description = COALESCE($3, description),
			category_id = COALESCE($4, category_id),
			price_cents = COALESCE($5, price_cents),
			image_url = COALESCE($6, image_url),
			tags = COALESCE($7, tags),
			updated_at = $8
		WHERE id = $1
		RETURNING `+assetColumns,
		id, p.Title, p.Description, p.CategoryID, p.PriceCents, p.ImageURL, p.Tags, time.Now().UTC(),
	))
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
		case isForeignKeyViolation(err):
			return nil, fmt.Errorf("category %d: %w", *p.CategoryID, ErrNotFound)
		}
		return nil, fmt.Errorf("update asset: %w", err)
	}
	return &a, nil
}

// DeleteAsset removes an asset and its collection entries.
func (s *PostgresStore) DeleteAsset(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateCategory inserts a category and fills in its ID.
func (s *PostgresStore) CreateCategory(ctx context.Context, c *domain.Category) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO categories (slug, name) VALUES ($1, $2) RETURNING id`,
		c.Slug, c.Name,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("create category: %w", err)
	}
	return nil
}

// AddToCollection saves an asset for a user. Adding twice is a no-op.
func (s *PostgresStore) AddToCollection(ctx context.Context, userID, assetID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO collections (user_id, asset_id) VALUES ($1, $2)
		ON CONFLICT (user_id, asset_id) DO NOTHING
	`, userID, assetID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
		}
		return fmt.Errorf("add to collection: %w", err)
	}
	return nil
}

// RemoveFromCollection removes a saved asset from a user's collection.
func (s *PostgresStore) RemoveFromCollection(ctx context.Context, userID, assetID string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM collections WHERE user_id = $1 AND asset_id = $2`, userID, assetID)
	if err != nil {
		return fmt.Errorf("remove from collection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("collection entry %s/%s: %w", userID, assetID, ErrNotFound)
	}
	return nil
}

// IncrementDownloads adds delta to an asset's download count.
func (s *PostgresStore) IncrementDownloads(ctx context.Context, id string, delta int64) error {
	result, err := s.pool.Exec(ctx, `UPDATE assets SET downloads = downloads + $2 WHERE id = $1`, id, delta)
	if err != nil {
		return fmt.Errorf("increment downloads: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}
