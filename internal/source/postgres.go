package source

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/yemenstay/property-search-index/pkg/postgres"
)

// NewPostgresRepositories wires every repository against one shared client.
func NewPostgresRepositories(client *postgres.Client) Repositories {
	return Repositories{
		Properties:    &postgresPropertyRepo{db: client.DB},
		Units:         &postgresUnitRepo{db: client.DB},
		Pricing:       &postgresPricingRepo{db: client.DB},
		Availability:  &postgresAvailabilityRepo{db: client.DB},
		Amenities:     &postgresAmenityRepo{db: client.DB},
		DynamicFields: &postgresDynamicFieldRepo{db: client.DB},
	}
}

type postgresPropertyRepo struct {
	db *sql.DB
}

const propertyColumns = `
	p.id, p.name, COALESCE(p.description, ''), p.city, p.address,
	COALESCE(pt.name, ''), p.owner_id, p.latitude, p.longitude,
	p.base_price_per_night, p.currency, p.star_rating, p.average_rating,
	p.review_count, p.view_count, p.booking_count, p.is_featured,
	p.is_approved, p.image_urls, p.created_at`

func scanProperty(row interface{ Scan(...any) error }) (*Property, error) {
	var p Property
	var images pq.StringArray
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.City, &p.Address,
		&p.TypeName, &p.OwnerID, &p.Latitude, &p.Longitude,
		&p.BasePricePerNight, &p.Currency, &p.StarRating, &p.AverageRating,
		&p.ReviewCount, &p.ViewCount, &p.BookingCount, &p.IsFeatured,
		&p.IsApproved, &images, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ImageURLs = []string(images)
	return &p, nil
}

func (r *postgresPropertyRepo) GetByID(ctx context.Context, id string) (*Property, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT`+propertyColumns+`
FROM properties p
LEFT JOIN property_types pt ON pt.id = p.type_id
WHERE p.id = $1 AND p.deleted_at IS NULL`, id)
	p, err := scanProperty(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching property %s: %w", id, err)
	}
	return p, nil
}

func (r *postgresPropertyRepo) ListSearchable(ctx context.Context, offset, limit int) ([]Property, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT`+propertyColumns+`
FROM properties p
LEFT JOIN property_types pt ON pt.id = p.type_id
WHERE p.is_approved AND p.deleted_at IS NULL
ORDER BY p.id
OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("listing searchable properties: %w", err)
	}
	defer rows.Close()

	props := make([]Property, 0, limit)
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning property row: %w", err)
		}
		props = append(props, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating properties: %w", err)
	}
	return props, nil
}

func (r *postgresPropertyRepo) CountSearchable(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM properties WHERE is_approved AND deleted_at IS NULL",
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting searchable properties: %w", err)
	}
	return n, nil
}

type postgresUnitRepo struct {
	db *sql.DB
}

func (r *postgresUnitRepo) GetByID(ctx context.Context, id string) (*Unit, error) {
	var u Unit
	err := r.db.QueryRowContext(ctx, `
SELECT id, property_id, base_price, currency, max_capacity, is_active
FROM units
WHERE id = $1 AND deleted_at IS NULL`, id).Scan(
		&u.ID, &u.PropertyID, &u.BasePrice, &u.Currency, &u.MaxCapacity, &u.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching unit %s: %w", id, err)
	}
	return &u, nil
}

func (r *postgresUnitRepo) ListByProperty(ctx context.Context, propertyID string) ([]Unit, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, property_id, base_price, currency, max_capacity, is_active
FROM units
WHERE property_id = $1 AND is_active AND deleted_at IS NULL
ORDER BY id`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("listing units for property %s: %w", propertyID, err)
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		var u Unit
		if err := rows.Scan(&u.ID, &u.PropertyID, &u.BasePrice, &u.Currency, &u.MaxCapacity, &u.IsActive); err != nil {
			return nil, fmt.Errorf("scanning unit row: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

type postgresPricingRepo struct {
	db *sql.DB
}

func (r *postgresPricingRepo) ListByProperty(ctx context.Context, propertyID string) ([]PricingRule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT pr.unit_id, pr.start_date, pr.end_date, pr.price, pr.rule_type
FROM pricing_rules pr
JOIN units u ON u.id = pr.unit_id
WHERE u.property_id = $1 AND u.is_active AND pr.end_date >= now()
ORDER BY pr.unit_id, pr.start_date`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("listing pricing rules for property %s: %w", propertyID, err)
	}
	defer rows.Close()

	var rules []PricingRule
	for rows.Next() {
		var pr PricingRule
		if err := rows.Scan(&pr.UnitID, &pr.StartDate, &pr.EndDate, &pr.Price, &pr.RuleType); err != nil {
			return nil, fmt.Errorf("scanning pricing rule row: %w", err)
		}
		rules = append(rules, pr)
	}
	return rules, rows.Err()
}

type postgresAvailabilityRepo struct {
	db *sql.DB
}

func (r *postgresAvailabilityRepo) ListByProperty(ctx context.Context, propertyID string) ([]AvailabilityWindow, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT a.unit_id, a.start_date, a.end_date
FROM unit_availability a
JOIN units u ON u.id = a.unit_id
WHERE u.property_id = $1 AND u.is_active AND a.status = 'available' AND a.end_date >= now()
ORDER BY a.unit_id, a.start_date`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("listing availability for property %s: %w", propertyID, err)
	}
	defer rows.Close()

	var windows []AvailabilityWindow
	for rows.Next() {
		var w AvailabilityWindow
		if err := rows.Scan(&w.UnitID, &w.Start, &w.End); err != nil {
			return nil, fmt.Errorf("scanning availability row: %w", err)
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

type postgresAmenityRepo struct {
	db *sql.DB
}

func (r *postgresAmenityRepo) ListByProperty(ctx context.Context, propertyID string) ([]Amenity, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT a.id, a.name, pa.is_available
FROM property_amenities pa
JOIN amenities a ON a.id = pa.amenity_id
WHERE pa.property_id = $1
ORDER BY a.id`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("listing amenities for property %s: %w", propertyID, err)
	}
	defer rows.Close()

	var amenities []Amenity
	for rows.Next() {
		var a Amenity
		if err := rows.Scan(&a.ID, &a.Name, &a.IsAvailable); err != nil {
			return nil, fmt.Errorf("scanning amenity row: %w", err)
		}
		amenities = append(amenities, a)
	}
	return amenities, rows.Err()
}

type postgresDynamicFieldRepo struct {
	db *sql.DB
}

func (r *postgresDynamicFieldRepo) ListByProperty(ctx context.Context, propertyID string) ([]DynamicField, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT field_name, field_value
FROM property_field_values
WHERE property_id = $1
ORDER BY field_name`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("listing dynamic fields for property %s: %w", propertyID, err)
	}
	defer rows.Close()

	var fields []DynamicField
	for rows.Next() {
		var f DynamicField
		if err := rows.Scan(&f.Name, &f.Value); err != nil {
			return nil, fmt.Errorf("scanning dynamic field row: %w", err)
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}
