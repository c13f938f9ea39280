// Package source exposes read-only access to the relational source of truth
// for the index: properties, units, pricing rules, availability windows,
// amenities, and dynamic fields. The repositories here are the only
// collaborators the index subsystem consumes from the wider application.
package source

import (
	"context"
	"time"
)

// Property is a searchable listing as the relational layer stores it.
type Property struct {
	ID                string
	Name              string
	Description       string
	City              string
	Address           string
	TypeName          string
	OwnerID           string
	Latitude          float64
	Longitude         float64
	BasePricePerNight float64
	Currency          string
	StarRating        int
	AverageRating     float64
	ReviewCount       int
	ViewCount         int
	BookingCount      int
	IsFeatured        bool
	IsApproved        bool
	ImageURLs         []string
	CreatedAt         time.Time
}

// Unit is a bookable child unit belonging to one property.
type Unit struct {
	ID          string
	PropertyID  string
	BasePrice   float64
	Currency    string
	MaxCapacity int
	IsActive    bool
}

// PricingRule is a dated price override for one unit.
type PricingRule struct {
	UnitID    string
	StartDate time.Time
	EndDate   time.Time
	Price     float64
	RuleType  string
}

// AvailabilityWindow is a bookable date range for one unit.
type AvailabilityWindow struct {
	UnitID string
	Start  time.Time
	End    time.Time
}

// Amenity is one facility assigned to a property.
type Amenity struct {
	ID          string
	Name        string
	IsAvailable bool
}

// DynamicField is one schemaless attribute on a property.
type DynamicField struct {
	Name  string
	Value string
}

// PropertyRepository fetches listings. GetByID returns (nil, nil) when the
// row does not exist, which callers treat as "deleted at the source".
type PropertyRepository interface {
	GetByID(ctx context.Context, id string) (*Property, error)
	ListSearchable(ctx context.Context, offset, limit int) ([]Property, error)
	CountSearchable(ctx context.Context) (int, error)
}

// UnitRepository fetches child units. GetByID follows the same nil-on-missing
// convention as PropertyRepository.
type UnitRepository interface {
	GetByID(ctx context.Context, id string) (*Unit, error)
	ListByProperty(ctx context.Context, propertyID string) ([]Unit, error)
}

// PricingRepository fetches the pricing rules in force per property.
type PricingRepository interface {
	ListByProperty(ctx context.Context, propertyID string) ([]PricingRule, error)
}

// AvailabilityRepository fetches bookable windows per property.
type AvailabilityRepository interface {
	ListByProperty(ctx context.Context, propertyID string) ([]AvailabilityWindow, error)
}

// AmenityRepository fetches the amenities assigned to a property.
type AmenityRepository interface {
	ListByProperty(ctx context.Context, propertyID string) ([]Amenity, error)
}

// DynamicFieldRepository fetches the schemaless attributes of a property.
type DynamicFieldRepository interface {
	ListByProperty(ctx context.Context, propertyID string) ([]DynamicField, error)
}

// Repositories bundles every relational collaborator the index needs.
type Repositories struct {
	Properties    PropertyRepository
	Units         UnitRepository
	Pricing       PricingRepository
	Availability  AvailabilityRepository
	Amenities     AmenityRepository
	DynamicFields DynamicFieldRepository
}
