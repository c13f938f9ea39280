// Package search executes multi-criteria queries against the property
// index: structural filters are pushed down to the store, the remaining
// predicates run in memory, and results are sorted and paginated.
package search

import (
	"fmt"
	"time"

	"github.com/yemenstay/property-search-index/pkg/config"
	pkgerrors "github.com/yemenstay/property-search-index/pkg/errors"
)

// Sort keys accepted by SearchRequest.SortBy.
const (
	SortRelevance  = "relevance"
	SortPriceAsc   = "price_asc"
	SortPriceDesc  = "price_desc"
	SortRating     = "rating"
	SortNewest     = "newest"
	SortPopularity = "popularity"
	SortDistance   = "distance"
	SortFeatured   = "featured"
)

// SearchRequest is one search invocation. Zero values mean "no filter";
// pointer fields distinguish unset from zero.
type SearchRequest struct {
	SearchTerm   string             `json:"searchTerm,omitempty"`
	City         string             `json:"city,omitempty"`
	PropertyType string             `json:"propertyType,omitempty"`

	MinPrice  *float64 `json:"minPrice,omitempty"`
	MaxPrice  *float64 `json:"maxPrice,omitempty"`
	MinRating *float64 `json:"minRating,omitempty"`

	GuestCount int        `json:"guestCount,omitempty"`
	CheckIn    *time.Time `json:"checkIn,omitempty"`
	CheckOut   *time.Time `json:"checkOut,omitempty"`

	// OnlyAvailable, without explicit dates, restricts results to listings
	// with at least one bookable window inside the configured near-term
	// horizon. Ignored when CheckIn/CheckOut are set.
	OnlyAvailable bool `json:"onlyAvailable,omitempty"`

	AmenityIDs    []string          `json:"amenityIds,omitempty"`
	DynamicFields map[string]string `json:"dynamicFields,omitempty"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	RadiusKm  float64  `json:"radiusKm,omitempty"`

	SortBy     string `json:"sortBy,omitempty"`
	PageNumber int    `json:"pageNumber,omitempty"`
	PageSize   int    `json:"pageSize,omitempty"`
}

// Validate checks the request and normalizes paging and geo defaults in
// place. Contradictory inputs are rejected with ErrInvalidInput.
func (r *SearchRequest) Validate(cfg config.SearchConfig) error {
	if r.MinPrice != nil && r.MaxPrice != nil && *r.MinPrice > *r.MaxPrice {
		return fmt.Errorf("%w: minPrice %.2f exceeds maxPrice %.2f", pkgerrors.ErrInvalidInput, *r.MinPrice, *r.MaxPrice)
	}
	if r.CheckIn != nil && r.CheckOut != nil && !r.CheckOut.After(*r.CheckIn) {
		return fmt.Errorf("%w: checkOut must be after checkIn", pkgerrors.ErrInvalidInput)
	}
	if (r.CheckIn == nil) != (r.CheckOut == nil) {
		return fmt.Errorf("%w: checkIn and checkOut must be given together", pkgerrors.ErrInvalidInput)
	}
	if (r.Latitude == nil) != (r.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude must be given together", pkgerrors.ErrInvalidInput)
	}
	if r.PageSize < 0 {
		return fmt.Errorf("%w: pageSize must not be negative", pkgerrors.ErrInvalidInput)
	}
	if r.PageSize == 0 {
		r.PageSize = cfg.DefaultPageSize
	}
	if cfg.MaxPageSize > 0 && r.PageSize > cfg.MaxPageSize {
		r.PageSize = cfg.MaxPageSize
	}
	if r.PageNumber <= 0 {
		r.PageNumber = 1
	}
	if r.Latitude != nil && r.RadiusKm <= 0 {
		r.RadiusKm = cfg.DefaultRadiusKm
	}
	switch r.SortBy {
	case "", SortRelevance, SortPriceAsc, SortPriceDesc, SortRating, SortNewest, SortPopularity, SortDistance, SortFeatured:
	default:
		return fmt.Errorf("%w: unknown sort key %q", pkgerrors.ErrInvalidInput, r.SortBy)
	}
	if r.SortBy == SortDistance && r.Latitude == nil {
		return fmt.Errorf("%w: distance sort requires coordinates", pkgerrors.ErrInvalidInput)
	}
	return nil
}

// Hit is one search result row, projected from the stored document.
type Hit struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	City          string   `json:"city"`
	PropertyType  string   `json:"propertyType"`
	Address       string   `json:"address"`
	Latitude      float64  `json:"latitude"`
	Longitude     float64  `json:"longitude"`
	MinPrice      float64  `json:"minPrice"`
	Currency      string   `json:"currency"`
	StarRating    int      `json:"starRating"`
	AverageRating float64  `json:"averageRating"`
	ReviewCount   int      `json:"reviewCount"`
	UnitsCount    int      `json:"unitsCount"`
	MaxCapacity   int      `json:"maxCapacity"`
	MainImageURL  string   `json:"mainImageUrl,omitempty"`
	IsFeatured    bool     `json:"isFeatured"`
	DistanceKm    *float64 `json:"distanceKm,omitempty"`
}

// SearchResult is one page of hits plus paging totals.
type SearchResult struct {
	Items      []Hit `json:"items"`
	TotalCount int   `json:"totalCount"`
	PageNumber int   `json:"pageNumber"`
	PageSize   int   `json:"pageSize"`
	TotalPages int   `json:"totalPages"`
}
