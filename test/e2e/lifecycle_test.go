// Package e2e contains end-to-end tests that exercise the full index
// subsystem in process: source repositories → indexing service → write
// queue → embedded document store → search executor, plus the rebuild job.
//
// The store is file-backed in a temp directory, so no external services
// are required. Run with:
//
//	go test -v -timeout=120s ./test/e2e/...
package e2e

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yemenstay/property-search-index/internal/index"
	"github.com/yemenstay/property-search-index/internal/indexing"
	"github.com/yemenstay/property-search-index/internal/search"
	"github.com/yemenstay/property-search-index/internal/source"
	"github.com/yemenstay/property-search-index/pkg/config"
	pkgerrors "github.com/yemenstay/property-search-index/pkg/errors"
)

// ---------------------------------------------------------------------------
// In-memory source of truth
// ---------------------------------------------------------------------------

type fixture struct {
	mu           sync.Mutex
	properties   map[string]source.Property
	units        map[string][]source.Unit
	pricing      map[string][]source.PricingRule
	availability map[string][]source.AvailabilityWindow
	amenities    map[string][]source.Amenity
	fields       map[string][]source.DynamicField
}

func newFixture() *fixture {
	return &fixture{
		properties:   make(map[string]source.Property),
		units:        make(map[string][]source.Unit),
		pricing:      make(map[string][]source.PricingRule),
		availability: make(map[string][]source.AvailabilityWindow),
		amenities:    make(map[string][]source.Amenity),
		fields:       make(map[string][]source.DynamicField),
	}
}

func (f *fixture) repos() source.Repositories {
	return source.Repositories{
		Properties:    (*fixtureProperties)(f),
		Units:         (*fixtureUnits)(f),
		Pricing:       (*fixturePricing)(f),
		Availability:  (*fixtureAvailability)(f),
		Amenities:     (*fixtureAmenities)(f),
		DynamicFields: (*fixtureFields)(f),
	}
}

type fixtureProperties fixture

func (f *fixtureProperties) GetByID(_ context.Context, id string) (*source.Property, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.properties[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fixtureProperties) ListSearchable(_ context.Context, offset, limit int) ([]source.Property, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []source.Property
	for _, p := range f.properties {
		if p.IsApproved {
			all = append(all, p)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fixtureProperties) CountSearchable(_ context.Context) (int, error) {
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

type fixtureUnits fixture

func (f *fixtureUnits) GetByID(_ context.Context, id string) (*source.Unit, error) {
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

func (f *fixtureUnits) ListByProperty(_ context.Context, propertyID string) ([]source.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.units[propertyID], nil
}

type fixturePricing fixture

func (f *fixturePricing) ListByProperty(_ context.Context, propertyID string) ([]source.PricingRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pricing[propertyID], nil
}

type fixtureAvailability fixture

func (f *fixtureAvailability) ListByProperty(_ context.Context, propertyID string) ([]source.AvailabilityWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.availability[propertyID], nil
}

type fixtureAmenities fixture

func (f *fixtureAmenities) ListByProperty(_ context.Context, propertyID string) ([]source.Amenity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.amenities[propertyID], nil
}

type fixtureFields fixture

func (f *fixtureFields) ListByProperty(_ context.Context, propertyID string) ([]source.DynamicField, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields[propertyID], nil
}

func (f *fixture) addProperty(p source.Property) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.properties[p.ID] = p
}

func (f *fixture) addUnit(u source.Unit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[u.PropertyID] = append(f.units[u.PropertyID], u)
}

func (f *fixture) removeUnit(propertyID, unitID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.units[propertyID][:0]
	for _, u := range f.units[propertyID] {
		if u.ID != unitID {
			kept = append(kept, u)
		}
	}
	f.units[propertyID] = kept
}

func (f *fixture) removeProperty(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.properties, id)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	t         *testing.T
	fixture   *fixture
	store     *index.Store
	queue     *index.WriteQueue
	service   *indexing.Service
	rebuilder *indexing.Rebuilder
	executor  *search.Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := index.Open(t.TempDir() + "/e2e.db")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fx := newFixture()
	queue := index.NewWriteQueue(st, 256, 5*time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	queue.Start(ctx)

	builder := indexing.NewDocumentBuilder(fx.repos())
	svc := indexing.NewService(queue, builder, fx.repos(), nil)
	rebuilder := indexing.NewRebuilder(queue, builder, fx.repos(), nil, nil, 50)
	exec := search.NewExecutor(st, config.SearchConfig{
		DefaultPageSize:  20,
		MaxPageSize:      100,
		DefaultRadiusKm:  50,
		NearTermWindow:   30 * 24 * time.Hour,
		ExecutionTimeout: 30 * time.Second,
	}, nil)

	return &harness{t: t, fixture: fx, store: st, queue: queue, service: svc, rebuilder: rebuilder, executor: exec}
}

func (h *harness) wait(p *index.Pending, err error) {
	h.t.Helper()
	if err != nil {
		h.t.Fatalf("enqueue failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		h.t.Fatalf("write failed: %v", err)
	}
}

func (h *harness) search(req search.SearchRequest) *search.SearchResult {
	h.t.Helper()
	res, err := h.executor.Search(context.Background(), &req)
	if err != nil {
		h.t.Fatalf("Search() failed: %v", err)
	}
	return res
}

func resultIDs(res *search.SearchResult) []string {
	ids := make([]string, 0, len(res.Items))
	for _, hit := range res.Items {
		ids = append(ids, hit.ID)
	}
	return ids
}

func seedGuesthouse(fx *fixture) {
	fx.addProperty(source.Property{
		ID:            "gh-sanaa",
		Name:          "Bab al-Yemen Guesthouse",
		Description:   "traditional tower house by the old city gate",
		City:          "Sanaa",
		Address:       "Old City",
		TypeName:      "Guesthouse",
		Latitude:      15.3547,
		Longitude:     44.2066,
		Currency:      "YER",
		AverageRating: 4.4,
		ReviewCount:   61,
		IsApproved:    true,
		CreatedAt:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	fx.addUnit(source.Unit{ID: "gh-u1", PropertyID: "gh-sanaa", BasePrice: 60, Currency: "YER", MaxCapacity: 2, IsActive: true})
	fx.addUnit(source.Unit{ID: "gh-u2", PropertyID: "gh-sanaa", BasePrice: 140, Currency: "YER", MaxCapacity: 6, IsActive: true})
	fx.amenities["gh-sanaa"] = []source.Amenity{{ID: "am-wifi", Name: "WiFi", IsAvailable: true}}
	fx.fields["gh-sanaa"] = []source.DynamicField{{Name: "view", Value: "mountain"}}
}

func seedHotel(fx *fixture) {
	fx.addProperty(source.Property{
		ID:            "ht-aden",
		Name:          "Crater Bay Hotel",
		Description:   "seafront rooms near the port",
		City:          "Aden",
		Address:       "Crater District",
		TypeName:      "Hotel",
		Latitude:      12.7855,
		Longitude:     45.0187,
		Currency:      "YER",
		AverageRating: 3.8,
		ReviewCount:   112,
		IsApproved:    true,
		CreatedAt:     time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
	})
	fx.addUnit(source.Unit{ID: "ht-u1", PropertyID: "ht-aden", BasePrice: 95, Currency: "YER", MaxCapacity: 3, IsActive: true})
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

// TestListingLifecycle walks a listing through create, unit removal, repricing,
// availability updates, and deletion, checking search visibility at each step.
func TestListingLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedGuesthouse(h.fixture)
	seedHotel(h.fixture)

	h.wait(h.service.OnPropertyCreated(ctx, "gh-sanaa"))
	h.wait(h.service.OnPropertyCreated(ctx, "ht-aden"))

	// Fresh listing is immediately searchable with derived aggregates.
	res := h.search(search.SearchRequest{City: "Sanaa"})
	if got := resultIDs(res); len(got) != 1 || got[0] != "gh-sanaa" {
		t.Fatalf("city search = %v, want [gh-sanaa]", got)
	}
	if res.Items[0].MinPrice != 60 || res.Items[0].MaxCapacity != 6 || res.Items[0].UnitsCount != 2 {
		t.Fatalf("aggregates = (%.0f, %d, %d), want (60, 6, 2)",
			res.Items[0].MinPrice, res.Items[0].MaxCapacity, res.Items[0].UnitsCount)
	}

	// Removing the cheap unit raises the floor price out of a capped search.
	h.fixture.removeUnit("gh-sanaa", "gh-u1")
	h.wait(h.service.OnUnitDeleted(ctx, "gh-sanaa", "gh-u1"))

	ceiling := 100.0
	res = h.search(search.SearchRequest{City: "Sanaa", MaxPrice: &ceiling})
	if len(res.Items) != 0 {
		t.Fatalf("capped search after unit removal = %v, want empty", resultIDs(res))
	}
	res = h.search(search.SearchRequest{City: "Sanaa"})
	if res.Items[0].MinPrice != 140 || res.Items[0].UnitsCount != 1 {
		t.Fatalf("aggregates after removal = (%.0f, %d), want (140, 1)",
			res.Items[0].MinPrice, res.Items[0].UnitsCount)
	}

	// A seasonal discount on the remaining unit brings it back under the cap.
	now := time.Now().UTC()
	h.wait(h.service.OnPricingRuleChanged(ctx, "gh-sanaa", "gh-u2", []index.PricingRule{
		{StartDate: now.AddDate(0, 0, -1), EndDate: now.AddDate(0, 1, 0), Price: 85, RuleType: "seasonal"},
	}))
	res = h.search(search.SearchRequest{City: "Sanaa", MaxPrice: &ceiling})
	if got := resultIDs(res); len(got) != 1 || got[0] != "gh-sanaa" {
		t.Fatalf("capped search after discount = %v, want [gh-sanaa]", got)
	}

	// Availability windows gate date searches.
	checkIn := now.AddDate(0, 0, 7)
	checkOut := now.AddDate(0, 0, 10)
	h.wait(h.service.OnAvailabilityChanged(ctx, "gh-sanaa", "gh-u2", []index.AvailabilityRange{
		{UnitID: "gh-u2", Start: now, End: now.AddDate(0, 1, 0)},
	}))
	res = h.search(search.SearchRequest{City: "Sanaa", CheckIn: &checkIn, CheckOut: &checkOut})
	if got := resultIDs(res); len(got) != 1 || got[0] != "gh-sanaa" {
		t.Fatalf("dated search = %v, want [gh-sanaa]", got)
	}
	outOfRange := now.AddDate(0, 2, 0)
	outOfRangeEnd := now.AddDate(0, 2, 3)
	res = h.search(search.SearchRequest{City: "Sanaa", CheckIn: &outOfRange, CheckOut: &outOfRangeEnd})
	if len(res.Items) != 0 {
		t.Fatalf("out-of-range dated search = %v, want empty", resultIDs(res))
	}

	// Deleting the listing drops it from search without touching others.
	h.wait(h.service.OnPropertyDeleted(ctx, "gh-sanaa"))
	res = h.search(search.SearchRequest{})
	if got := resultIDs(res); len(got) != 1 || got[0] != "ht-aden" {
		t.Fatalf("search after delete = %v, want [ht-aden]", got)
	}
}

// TestUpdateDegradesToDeleteWhenSourceRowGone covers the unsynchronized race
// where the source row disappears between the event and the index write.
func TestUpdateDegradesToDeleteWhenSourceRowGone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedGuesthouse(h.fixture)
	h.wait(h.service.OnPropertyCreated(ctx, "gh-sanaa"))

	h.fixture.removeProperty("gh-sanaa")
	h.wait(h.service.OnPropertyUpdated(ctx, "gh-sanaa"))

	res := h.search(search.SearchRequest{})
	if len(res.Items) != 0 {
		t.Fatalf("search after degraded update = %v, want empty", resultIDs(res))
	}
}

// TestRebuildReconcilesIndexWithSource plants a ghost document, runs a full
// rebuild, and checks the index matches the searchable source set exactly.
func TestRebuildReconcilesIndexWithSource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedGuesthouse(h.fixture)
	seedHotel(h.fixture)

	ghost := &index.SearchDocument{ID: "ghost", Name: "Removed Listing", City: "Sanaa", IsApproved: true}
	ghost.Normalize()
	if err := h.store.Upsert(ctx, ghost); err != nil {
		t.Fatalf("planting ghost: %v", err)
	}

	if err := h.rebuilder.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild() failed: %v", err)
	}

	count, err := h.store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("document count after rebuild = %d, want 2", count)
	}
	doc, err := h.store.GetByID(ctx, "ghost")
	if err != nil || doc != nil {
		t.Fatalf("ghost after rebuild = (%v, %v), want (nil, nil)", doc, err)
	}
	meta, err := h.store.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata() failed: %v", err)
	}
	if meta.DocumentCount != 2 || meta.LastFullRebuildAt.IsZero() {
		t.Fatalf("metadata after rebuild = %+v", meta)
	}

	status, lastErr, _ := h.rebuilder.Status()
	if status != indexing.RebuildSucceeded || lastErr != nil {
		t.Fatalf("rebuild status = (%v, %v), want (succeeded, nil)", status, lastErr)
	}
}

// TestQueueSerializesConcurrentEvents fires overlapping events for the same
// listing from several goroutines and checks the index converges on a
// consistent document rather than a torn one.
func TestQueueSerializesConcurrentEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedGuesthouse(h.fixture)
	h.wait(h.service.OnPropertyCreated(ctx, "gh-sanaa"))

	var wg sync.WaitGroup
	pendings := make(chan *index.Pending, 30)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p1, err := h.service.OnPropertyUpdated(ctx, "gh-sanaa")
			if err == nil {
				pendings <- p1
			}
			p2, err := h.service.OnDynamicFieldChanged(ctx, "gh-sanaa", "view", "mountain", true)
			if err == nil {
				pendings <- p2
			}
			p3, err := h.service.OnAvailabilityChanged(ctx, "gh-sanaa", "gh-u1", nil)
			if err == nil {
				pendings <- p3
			}
		}()
	}
	wg.Wait()
	close(pendings)
	for p := range pendings {
		waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.Wait(waitCtx)
		cancel()
		if err != nil {
			t.Fatalf("concurrent write failed: %v", err)
		}
	}

	doc, err := h.store.GetByID(ctx, "gh-sanaa")
	if err != nil || doc == nil {
		t.Fatalf("GetByID() = (%v, %v)", doc, err)
	}
	if doc.UnitsCount != 2 || doc.MinPrice != 60 || doc.DynamicFields["view"] != "mountain" {
		t.Fatalf("converged document = {units %d, minPrice %.0f, view %q}",
			doc.UnitsCount, doc.MinPrice, doc.DynamicFields["view"])
	}
}

// TestInvalidRequestRejectedEndToEnd checks validation errors surface as
// ErrInvalidInput without touching the store.
func TestInvalidRequestRejectedEndToEnd(t *testing.T) {
	h := newHarness(t)
	lat := 15.0
	req := search.SearchRequest{SortBy: search.SortDistance, Latitude: &lat}
	if _, err := h.executor.Search(context.Background(), &req); err == nil {
		t.Fatal("expected validation error for distance sort without longitude")
	} else if !errors.Is(err, pkgerrors.ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
}
