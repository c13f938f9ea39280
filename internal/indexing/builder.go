// Package indexing turns domain-change notifications into document mutations
// on the search index's write queue, and owns the full rebuild job. It is the
// synchronization surface the application's command handlers consume.
package indexing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yemenstay/property-search-index/internal/index"
	"github.com/yemenstay/property-search-index/internal/source"
	pkgerrors "github.com/yemenstay/property-search-index/pkg/errors"
	"github.com/yemenstay/property-search-index/pkg/resilience"
)

// DocumentBuilder derives a full SearchDocument for one property from the
// relational source of truth. Fetches are retried with backoff and guarded
// by a circuit breaker so a struggling database fails fast instead of
// piling work onto the write queue.
type DocumentBuilder struct {
	repos   source.Repositories
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	logger  *slog.Logger
}

// NewDocumentBuilder creates a builder over the given repositories.
func NewDocumentBuilder(repos source.Repositories) *DocumentBuilder {
	return &DocumentBuilder{
		repos:   repos,
		breaker: resilience.NewCircuitBreaker("source-db", resilience.CircuitBreakerConfig{}),
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
		},
		logger: slog.Default().With("component", "document-builder"),
	}
}

// BreakerState reports the source-db circuit's phase, for health probes.
func (b *DocumentBuilder) BreakerState() resilience.State {
	return b.breaker.GetState()
}

func (b *DocumentBuilder) fetch(ctx context.Context, name string, fn func() error) error {
	err := b.breaker.Execute(func() error {
		return resilience.Retry(ctx, name, b.retry, fn)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", pkgerrors.ErrSourceFetch, name, err)
	}
	return nil
}

// Build derives the document for propertyID. It returns (nil, nil) when the
// property no longer exists at the source, which callers treat as a delete.
func (b *DocumentBuilder) Build(ctx context.Context, propertyID string) (*index.SearchDocument, error) {
	var prop *source.Property
	err := b.fetch(ctx, "fetch-property", func() error {
		var ferr error
		prop, ferr = b.repos.Properties.GetByID(ctx, propertyID)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	if prop == nil {
		return nil, nil
	}
	return b.FromProperty(ctx, prop)
}

// FromProperty derives the document given an already-fetched property row.
// The rebuild job uses this to avoid refetching each listing.
func (b *DocumentBuilder) FromProperty(ctx context.Context, prop *source.Property) (*index.SearchDocument, error) {
	var (
		units     []source.Unit
		rules     []source.PricingRule
		windows   []source.AvailabilityWindow
		amenities []source.Amenity
		fields    []source.DynamicField
	)
	if err := b.fetch(ctx, "fetch-units", func() error {
		var ferr error
		units, ferr = b.repos.Units.ListByProperty(ctx, prop.ID)
		return ferr
	}); err != nil {
		return nil, err
	}
	if err := b.fetch(ctx, "fetch-pricing", func() error {
		var ferr error
		rules, ferr = b.repos.Pricing.ListByProperty(ctx, prop.ID)
		return ferr
	}); err != nil {
		return nil, err
	}
	if err := b.fetch(ctx, "fetch-availability", func() error {
		var ferr error
		windows, ferr = b.repos.Availability.ListByProperty(ctx, prop.ID)
		return ferr
	}); err != nil {
		return nil, err
	}
	if err := b.fetch(ctx, "fetch-amenities", func() error {
		var ferr error
		amenities, ferr = b.repos.Amenities.ListByProperty(ctx, prop.ID)
		return ferr
	}); err != nil {
		return nil, err
	}
	if err := b.fetch(ctx, "fetch-dynamic-fields", func() error {
		var ferr error
		fields, ferr = b.repos.DynamicFields.ListByProperty(ctx, prop.ID)
		return ferr
	}); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rulesByUnit := make(map[string][]index.PricingRule, len(units))
	for _, r := range rules {
		rulesByUnit[r.UnitID] = append(rulesByUnit[r.UnitID], index.PricingRule{
			StartDate: r.StartDate,
			EndDate:   r.EndDate,
			Price:     r.Price,
			RuleType:  r.RuleType,
		})
	}

	doc := &index.SearchDocument{
		ID:            prop.ID,
		Name:          prop.Name,
		Description:   prop.Description,
		PropertyType:  prop.TypeName,
		City:          prop.City,
		Address:       prop.Address,
		Latitude:      prop.Latitude,
		Longitude:     prop.Longitude,
		Currency:      prop.Currency,
		StarRating:    prop.StarRating,
		AverageRating: prop.AverageRating,
		ReviewCount:   prop.ReviewCount,
		ViewCount:     prop.ViewCount,
		BookingCount:  prop.BookingCount,
		IsFeatured:    prop.IsFeatured,
		IsApproved:    prop.IsApproved,
		ImageURLs:     prop.ImageURLs,
		DynamicFields: make(map[string]string, len(fields)),
		CreatedAt:     prop.CreatedAt,
	}
	for _, u := range units {
		if !u.IsActive {
			continue
		}
		doc.Units = append(doc.Units, index.UnitSummary{
			ID:             u.ID,
			BasePrice:      u.BasePrice,
			EffectivePrice: index.EffectivePrice(u.BasePrice, rulesByUnit[u.ID], now),
			Currency:       u.Currency,
			MaxCapacity:    u.MaxCapacity,
		})
	}
	for _, w := range windows {
		doc.Availability = append(doc.Availability, index.AvailabilityRange{
			UnitID: w.UnitID,
			Start:  w.Start,
			End:    w.End,
		})
	}
	for _, a := range amenities {
		if a.IsAvailable {
			doc.AmenityIDs = append(doc.AmenityIDs, a.ID)
		}
	}
	for _, f := range fields {
		doc.DynamicFields[f.Name] = f.Value
	}
	doc.RecomputeAggregates()
	// A property with no active units still carries its advertised base rate
	// so price filters keep working until units are registered.
	if doc.UnitsCount == 0 && prop.BasePricePerNight > 0 {
		doc.MinPrice = prop.BasePricePerNight
	}
	doc.Normalize()
	return doc, nil
}
