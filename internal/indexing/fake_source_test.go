package indexing

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/yemenstay/property-search-index/internal/index"
	"github.com/yemenstay/property-search-index/internal/source"
)

// fakeSource is an in-memory stand-in for the relational source of truth.
// failAll makes every fetch error, for exercising the failure paths.
type fakeSource struct {
	mu            sync.Mutex
	properties    map[string]source.Property
	units         map[string][]source.Unit
	pricing       map[string][]source.PricingRule
	availability  map[string][]source.AvailabilityWindow
	amenities     map[string][]source.Amenity
	dynamicFields map[string][]source.DynamicField
	failAll       error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		properties:    make(map[string]source.Property),
		units:         make(map[string][]source.Unit),
		pricing:       make(map[string][]source.PricingRule),
		availability:  make(map[string][]source.AvailabilityWindow),
		amenities:     make(map[string][]source.Amenity),
		dynamicFields: make(map[string][]source.DynamicField),
	}
}

func (f *fakeSource) repos() source.Repositories {
	return source.Repositories{
		Properties:    (*fakeProperties)(f),
		Units:         (*fakeUnits)(f),
		Pricing:       (*fakePricing)(f),
		Availability:  (*fakeAvailability)(f),
		Amenities:     (*fakeAmenities)(f),
		DynamicFields: (*fakeDynamicFields)(f),
	}
}

func (f *fakeSource) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failAll
}

type fakeProperties fakeSource

func (f *fakeProperties) GetByID(ctx context.Context, id string) (*source.Property, error) {
	if err := (*fakeSource)(f).err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.properties[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeProperties) ListSearchable(ctx context.Context, offset, limit int) ([]source.Property, error) {
	if err := (*fakeSource)(f).err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.properties))
	for id, p := range f.properties {
		if p.IsApproved {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	out := make([]source.Property, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, f.properties[id])
	}
	return out, nil
}

func (f *fakeProperties) CountSearchable(ctx context.Context) (int, error) {
	if err := (*fakeSource)(f).err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.properties {
		if p.IsApproved {
			n++
		}
	}
	return n, nil
}

type fakeUnits fakeSource

func (f *fakeUnits) GetByID(ctx context.Context, id string) (*source.Unit, error) {
	if err := (*fakeSource)(f).err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, units := range f.units {
		for _, u := range units {
			if u.ID == id {
				return &u, nil
			}
		}
	}
	return nil, nil
}

func (f *fakeUnits) ListByProperty(ctx context.Context, propertyID string) ([]source.Unit, error) {
	if err := (*fakeSource)(f).err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.Unit(nil), f.units[propertyID]...), nil
}

type fakePricing fakeSource

func (f *fakePricing) ListByProperty(ctx context.Context, propertyID string) ([]source.PricingRule, error) {
	if err := (*fakeSource)(f).err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.PricingRule(nil), f.pricing[propertyID]...), nil
}

type fakeAvailability fakeSource

func (f *fakeAvailability) ListByProperty(ctx context.Context, propertyID string) ([]source.AvailabilityWindow, error) {
	if err := (*fakeSource)(f).err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.AvailabilityWindow(nil), f.availability[propertyID]...), nil
}

type fakeAmenities fakeSource

func (f *fakeAmenities) ListByProperty(ctx context.Context, propertyID string) ([]source.Amenity, error) {
	if err := (*fakeSource)(f).err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.Amenity(nil), f.amenities[propertyID]...), nil
}

type fakeDynamicFields fakeSource

func (f *fakeDynamicFields) ListByProperty(ctx context.Context, propertyID string) ([]source.DynamicField, error) {
	if err := (*fakeSource)(f).err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.DynamicField(nil), f.dynamicFields[propertyID]...), nil
}

// seedProperty loads one approved two-unit listing into the fake source.
func (f *fakeSource) seedProperty(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.properties[id] = source.Property{
		ID:            id,
		Name:          "Dar " + id,
		Description:   "courtyard house with a roof terrace",
		City:          "Sanaa",
		Address:       "Old City",
		TypeName:      "Guesthouse",
		Latitude:      15.3547,
		Longitude:     44.2066,
		Currency:      "USD",
		StarRating:    3,
		AverageRating: 4.2,
		ReviewCount:   11,
		IsApproved:    true,
		ImageURLs:     []string{"https://img.example/" + id + "/main.jpg"},
		CreatedAt:     time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	}
	f.units[id] = []source.Unit{
		{ID: id + "-u1", PropertyID: id, BasePrice: 90, Currency: "USD", MaxCapacity: 2, IsActive: true},
		{ID: id + "-u2", PropertyID: id, BasePrice: 150, Currency: "USD", MaxCapacity: 5, IsActive: true},
	}
	f.amenities[id] = []source.Amenity{
		{ID: "am-wifi", Name: "WiFi", IsAvailable: true},
		{ID: "am-pool", Name: "Pool", IsAvailable: false},
	}
	f.dynamicFields[id] = []source.DynamicField{{Name: "view", Value: "mountain"}}
}

// newTestService wires a store, a started queue, and a service over the fake
// source with no cache invalidator.
func newTestService(t *testing.T, src *fakeSource) (*Service, *index.Store, *index.WriteQueue) {
	t.Helper()
	st, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	queue := index.NewWriteQueue(st, 64, 2*time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	queue.Start(ctx)

	builder := newFastBuilder(src.repos())
	svc := NewService(queue, builder, src.repos(), nil)
	return svc, st, queue
}

// newFastBuilder disables retry backoff so failure tests finish quickly.
func newFastBuilder(repos source.Repositories) *DocumentBuilder {
	b := NewDocumentBuilder(repos)
	b.retry.MaxAttempts = 1
	return b
}

func mustWait(t *testing.T, p *index.Pending, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if werr := p.Wait(ctx); werr != nil {
		t.Fatalf("operation failed: %v", werr)
	}
}
