package cachepolicy

import (
	"time"

	"github.com/oriys/agora/internal/domain"
)

// TTLs is the freshness table. Each query shape gets the staleness its
// consumers tolerate.
type TTLs struct {
	Category   time.Duration // listings filtered by a category
	Search     time.Duration // free-text search
	Newest     time.Duration // newest-first listings
	Listing    time.Duration // every other listing
	Collection time.Duration // user collections
	Taxonomy   time.Duration // category metadata
	Stats      time.Duration // global aggregates
	Detail     time.Duration // single asset
}

// DefaultTTLs returns the default freshness table.
func DefaultTTLs() TTLs {
	return TTLs{
		Category:   600 * time.Second,
		Search:     180 * time.Second,
		Newest:     120 * time.Second,
		Listing:    300 * time.Second,
		Collection: 300 * time.Second,
		Taxonomy:   1800 * time.Second,
		Stats:      300 * time.Second,
		Detail:     60 * time.Second,
	}
}

// withDefaults fills zero entries from DefaultTTLs. A negative entry is
// kept as zero, meaning "until explicitly invalidated".
func (t TTLs) withDefaults() TTLs {
	d := DefaultTTLs()
	fill := func(v *time.Duration, def time.Duration) {
		switch {
		case *v == 0:
			*v = def
		case *v < 0:
			*v = 0
		}
	}
	fill(&t.Category, d.Category)
	fill(&t.Search, d.Search)
	fill(&t.Newest, d.Newest)
	fill(&t.Listing, d.Listing)
	fill(&t.Collection, d.Collection)
	fill(&t.Taxonomy, d.Taxonomy)
	fill(&t.Stats, d.Stats)
	fill(&t.Detail, d.Detail)
	return t
}

// ForQuery selects a listing TTL. The first matching rule wins:
// category filter, then search, then newest-first, then the default.
func (t TTLs) ForQuery(q domain.ListingQuery) time.Duration {
	switch {
	case q.CategoryID > 0:
		return t.Category
	case q.Search != "":
		return t.Search
	case q.Sort == domain.SortNewest:
		return t.Newest
	default:
		return t.Listing
	}
}
