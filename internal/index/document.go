// Package index holds the embedded document store for the search index and
// the write queue that serialises every mutation against it. Documents are
// denormalized snapshots of one property each, derived from the relational
// source of truth and queried by the search executor.
package index

import (
	"strings"
	"time"
)

// SchemaVersion identifies the on-disk document layout. A store created by an
// older schema triggers a full rebuild at startup.
const SchemaVersion = 2

// SearchDocument is the denormalized record for one property. It is the unit
// of storage: every incremental event funnels into a partial update of the
// same document, keyed by the relational property id.
type SearchDocument struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	PropertyType string `json:"propertyType"`
	City         string `json:"city"`
	Address      string `json:"address"`

	// Lower-cased shadows kept for case-insensitive text matching.
	NameLower        string `json:"nameLower"`
	DescriptionLower string `json:"descriptionLower"`
	AddressLower     string `json:"addressLower"`

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	MinPrice float64 `json:"minPrice"`
	Currency string  `json:"currency"`

	StarRating    int     `json:"starRating"`
	AverageRating float64 `json:"averageRating"`
	ReviewCount   int     `json:"reviewCount"`
	ViewCount     int     `json:"viewCount"`
	BookingCount  int     `json:"bookingCount"`

	UnitsCount  int `json:"unitsCount"`
	MaxCapacity int `json:"maxCapacity"`

	ImageURLs  []string `json:"imageUrls"`
	AmenityIDs []string `json:"amenityIds"`

	// DynamicFields holds schemaless per-property-type attributes as
	// string key/value pairs with explicit add/replace/remove semantics.
	DynamicFields map[string]string `json:"dynamicFields"`

	IsFeatured bool `json:"isFeatured"`
	IsApproved bool `json:"isApproved"`

	// Units carries per-unit price and capacity so that narrow events
	// (unit, pricing, availability) can recompute aggregates without a
	// relational round trip for unrelated fields.
	Units []UnitSummary `json:"units"`

	// Availability is the set of near-term bookable windows per unit.
	Availability []AvailabilityRange `json:"availability"`

	CreatedAt     time.Time `json:"createdAt"`
	Version       int64     `json:"version"`
	LastIndexedAt time.Time `json:"lastIndexedAt"`
}

// UnitSummary is the denormalized slice of one child unit used to derive
// MinPrice, UnitsCount, and MaxCapacity on the parent document.
type UnitSummary struct {
	ID             string  `json:"id"`
	BasePrice      float64 `json:"basePrice"`
	EffectivePrice float64 `json:"effectivePrice"`
	Currency       string  `json:"currency"`
	MaxCapacity    int     `json:"maxCapacity"`
}

// AvailabilityRange is a bookable window for one unit.
type AvailabilityRange struct {
	UnitID string    `json:"unitId"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// PricingRule is a dated price override for a unit. The effective price of a
// unit is the lowest rule price currently in force, falling back to the base
// price when no rule applies.
type PricingRule struct {
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Price     float64   `json:"price"`
	RuleType  string    `json:"ruleType"`
}

// IndexMetadata is the singleton record describing the index instance.
type IndexMetadata struct {
	LastFullRebuildAt time.Time `json:"lastFullRebuildAt"`
	DocumentCount     int       `json:"documentCount"`
	SchemaVersion     int       `json:"schemaVersion"`
}

// Normalize refreshes the derived lower-cased shadows. Callers mutate the
// display fields and invoke Normalize before upserting.
func (d *SearchDocument) Normalize() {
	d.NameLower = strings.ToLower(d.Name)
	d.DescriptionLower = strings.ToLower(d.Description)
	d.AddressLower = strings.ToLower(d.Address)
}

// Touch bumps the monotonic version stamp and the indexing timestamp.
func (d *SearchDocument) Touch(prevVersion int64) {
	d.Version = prevVersion + 1
	d.LastIndexedAt = time.Now().UTC()
}

// RecomputeAggregates rederives MinPrice, UnitsCount, and MaxCapacity from
// the embedded unit summaries. A document with no units keeps its currency
// and reports a zero MinPrice.
func (d *SearchDocument) RecomputeAggregates() {
	d.UnitsCount = len(d.Units)
	d.MinPrice = 0
	d.MaxCapacity = 0
	for _, u := range d.Units {
		price := u.EffectivePrice
		if price <= 0 {
			price = u.BasePrice
		}
		if d.MinPrice == 0 || (price > 0 && price < d.MinPrice) {
			d.MinPrice = price
		}
		if u.MaxCapacity > d.MaxCapacity {
			d.MaxCapacity = u.MaxCapacity
		}
	}
}

// UpsertUnit adds or replaces one unit summary, then refreshes aggregates.
func (d *SearchDocument) UpsertUnit(u UnitSummary) {
	for i := range d.Units {
		if d.Units[i].ID == u.ID {
			d.Units[i] = u
			d.RecomputeAggregates()
			return
		}
	}
	d.Units = append(d.Units, u)
	d.RecomputeAggregates()
}

// RemoveUnit drops one unit summary and its availability windows, then
// refreshes aggregates. Removing an unknown unit is a no-op.
func (d *SearchDocument) RemoveUnit(unitID string) {
	units := d.Units[:0]
	for _, u := range d.Units {
		if u.ID != unitID {
			units = append(units, u)
		}
	}
	d.Units = units
	ranges := d.Availability[:0]
	for _, r := range d.Availability {
		if r.UnitID != unitID {
			ranges = append(ranges, r)
		}
	}
	d.Availability = ranges
	d.RecomputeAggregates()
}

// ReplaceAvailability swaps the bookable windows belonging to one unit.
func (d *SearchDocument) ReplaceAvailability(unitID string, ranges []AvailabilityRange) {
	kept := d.Availability[:0]
	for _, r := range d.Availability {
		if r.UnitID != unitID {
			kept = append(kept, r)
		}
	}
	for _, r := range ranges {
		r.UnitID = unitID
		kept = append(kept, r)
	}
	d.Availability = kept
}

// AvailableDuring reports whether any unit has a window covering the whole
// [checkIn, checkOut] span. The index is a candidate-set narrower here; the
// caller confirms with a live availability check for booking flows.
func (d *SearchDocument) AvailableDuring(checkIn, checkOut time.Time) bool {
	for _, r := range d.Availability {
		if !r.Start.After(checkIn) && !r.End.Before(checkOut) {
			return true
		}
	}
	return false
}

// EffectivePrice resolves the price a rule set yields right now: the lowest
// rule price whose window covers now, else the base price.
func EffectivePrice(basePrice float64, rules []PricingRule, now time.Time) float64 {
	price := basePrice
	matched := false
	for _, r := range rules {
		if r.Price <= 0 {
			continue
		}
		if !r.StartDate.After(now) && !r.EndDate.Before(now) {
			if !matched || r.Price < price {
				price = r.Price
				matched = true
			}
		}
	}
	return price
}
