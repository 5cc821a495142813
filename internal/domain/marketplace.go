package domain

import (
	"errors"
	"strings"
	"time"
)

// Asset is a downloadable item listed in the marketplace.
type Asset struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CategoryID  int64     `json:"category_id"`
	AuthorID    string    `json:"author_id"`
	PriceCents  int64     `json:"price_cents"`
	ImageURL    string    `json:"image_url,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Downloads   int64     `json:"downloads"`
	Rating      float64   `json:"rating"`
	ReviewCount int64     `json:"review_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the fields a client must supply when creating an asset.
func (a *Asset) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return errors.New("title is required")
	}
	if a.CategoryID <= 0 {
		return errors.New("category_id is required")
	}
	if a.AuthorID == "" {
		return errors.New("author_id is required")
	}
	if a.PriceCents < 0 {
		return errors.New("price_cents must not be negative")
	}
	return nil
}

// AssetPatch is a partial update; nil fields are left unchanged.
type AssetPatch struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	CategoryID  *int64   `json:"category_id,omitempty"`
	PriceCents  *int64   `json:"price_cents,omitempty"`
	ImageURL    *string  `json:"image_url,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Apply copies the set fields of p onto a.
func (p AssetPatch) Apply(a *Asset) {
	if p.Title != nil {
		a.Title = *p.Title
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.CategoryID != nil {
		a.CategoryID = *p.CategoryID
	}
	if p.PriceCents != nil {
		a.PriceCents = *p.PriceCents
	}
	if p.ImageURL != nil {
		a.ImageURL = *p.ImageURL
	}
	if p.Tags != nil {
		a.Tags = p.Tags
	}
}

// Category is a node of the asset taxonomy.
type Category struct {
	ID         int64  `json:"id"`
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	AssetCount int64  `json:"asset_count"`
}

// CollectionItem is an asset saved to a user's collection.
type CollectionItem struct {
	UserID  string    `json:"user_id"`
	Asset   Asset     `json:"asset"`
	AddedAt time.Time `json:"added_at"`
}

// AssetPage is one page of a listing or search.
type AssetPage struct {
	Items []Asset `json:"items"`
	Page  int     `json:"page"`
	Limit int     `json:"limit"`
	Total int64   `json:"total"`
}

// CollectionPage is one page of a user's collection.
type CollectionPage struct {
	UserID string           `json:"user_id"`
	Items  []CollectionItem `json:"items"`
	Page   int              `json:"page"`
	Limit  int              `json:"limit"`
	Total  int64            `json:"total"`
}

// Stats are marketplace-wide aggregates.
type Stats struct {
	Assets     int64     `json:"assets"`
	Categories int64     `json:"categories"`
	Authors    int64     `json:"authors"`
	Downloads  int64     `json:"downloads"`
	Reviews    int64     `json:"reviews"`
	AvgRating  float64   `json:"avg_rating"`
	ComputedAt time.Time `json:"computed_at"`
}
