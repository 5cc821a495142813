package domain

import (
	"strings"
)

// Listing sort orders. The empty sort is the default popularity order.
const (
	SortPopular   = ""
	SortNewest    = "newest"
	SortRating    = "rating"
	SortPriceAsc  = "price_asc"
	SortPriceDesc = "price_desc"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

var validSorts = map[string]bool{
	SortPopular:   true,
	SortNewest:    true,
	SortRating:    true,
	SortPriceAsc:  true,
	SortPriceDesc: true,
}

// ListingQuery is the filter/sort/page shape of an asset listing or search.
type ListingQuery struct {
	CategoryID int64  `json:"category_id,omitempty"`
	Search     string `json:"search,omitempty"`
	Sort       string `json:"sort,omitempty"`
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
}

// Normalize returns q with defaults applied so that logically identical
// queries compare equal: page >= 1, limit within bounds, search trimmed,
// lowercased and whitespace-collapsed, unknown sorts mapped to default.
func (q ListingQuery) Normalize() ListingQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	if q.CategoryID < 0 {
		q.CategoryID = 0
	}
	q.Search = strings.Join(strings.Fields(strings.ToLower(q.Search)), " ")
	q.Sort = strings.ToLower(strings.TrimSpace(q.Sort))
	if !validSorts[q.Sort] {
		q.Sort = SortPopular
	}
	return q
}

// Offset returns the row offset of the query's page.
func (q ListingQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}
