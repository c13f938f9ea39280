package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/yemenstay/property-search-index/internal/index"
	"github.com/yemenstay/property-search-index/pkg/config"
	pkgerrors "github.com/yemenstay/property-search-index/pkg/errors"
	"github.com/yemenstay/property-search-index/pkg/metrics"
)

// Executor runs search requests against the index store. Structural
// predicates (city, type, price, rating, capacity, text substring) are
// pushed into the store query; amenity, dynamic-field, availability, and
// geo predicates run in memory on the candidate set.
type Executor struct {
	store   *index.Store
	cfg     config.SearchConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewExecutor creates an Executor. m may be nil in tests.
func NewExecutor(store *index.Store, cfg config.SearchConfig, m *metrics.Metrics) *Executor {
	return &Executor{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "search-executor"),
	}
}

// Search validates the request and returns the matching page. An empty
// index or a page past the end yields an empty Items slice, not an error.
func (e *Executor) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if err := req.Validate(e.cfg); err != nil {
		e.count("invalid")
		return nil, err
	}
	if e.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
		defer cancel()
	}

	filter := index.Filter{
		Text:         strings.ToLower(strings.TrimSpace(req.SearchTerm)),
		City:         req.City,
		PropertyType: req.PropertyType,
		MinPrice:     req.MinPrice,
		MaxPrice:     req.MaxPrice,
		MinRating:    req.MinRating,
		ApprovedOnly: true,
	}
	if req.GuestCount > 0 {
		filter.MinCapacity = &req.GuestCount
	}

	docs, _, err := e.store.Query(ctx, filter, 0, 0)
	if err != nil {
		e.count("error")
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: search exceeded %v", pkgerrors.ErrTimeout, e.cfg.ExecutionTimeout)
		}
		return nil, fmt.Errorf("%w: querying index: %v", pkgerrors.ErrInternal, err)
	}

	docs = e.applyInMemoryFilters(docs, req)

	var distances map[string]float64
	if req.Latitude != nil {
		docs, distances = filterByRadius(docs, *req.Latitude, *req.Longitude, req.RadiusKm)
	}

	sortDocuments(docs, req, distances)

	total := len(docs)
	totalPages := (total + req.PageSize - 1) / req.PageSize
	skip := (req.PageNumber - 1) * req.PageSize
	if skip > total {
		skip = total
	}
	end := skip + req.PageSize
	if end > total {
		end = total
	}

	result := &SearchResult{
		Items:      make([]Hit, 0, end-skip),
		TotalCount: total,
		PageNumber: req.PageNumber,
		PageSize:   req.PageSize,
		TotalPages: totalPages,
	}
	for _, doc := range docs[skip:end] {
		result.Items = append(result.Items, toHit(doc, distances))
	}

	if total == 0 {
		e.count("empty")
	} else {
		e.count("ok")
	}
	if e.metrics != nil {
		e.metrics.SearchResultsCount.Observe(float64(total))
	}
	return result, nil
}

func (e *Executor) count(resultType string) {
	if e.metrics != nil {
		e.metrics.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	}
}

func (e *Executor) applyInMemoryFilters(docs []*index.SearchDocument, req *SearchRequest) []*index.SearchDocument {
	out := docs[:0]
	now := time.Now().UTC()
	for _, doc := range docs {
		if !matchesAmenities(doc, req.AmenityIDs) {
			continue
		}
		if !matchesDynamicFields(doc, req.DynamicFields) {
			continue
		}
		if req.CheckIn != nil {
			if !doc.AvailableDuring(*req.CheckIn, *req.CheckOut) {
				continue
			}
		} else if req.OnlyAvailable {
			if !doc.AvailableDuring(now, now.Add(e.cfg.NearTermWindow)) {
				continue
			}
		}
		out = append(out, doc)
	}
	return out
}

func matchesAmenities(doc *index.SearchDocument, wanted []string) bool {
	for _, id := range wanted {
		if !slices.Contains(doc.AmenityIDs, id) {
			return false
		}
	}
	return true
}

func matchesDynamicFields(doc *index.SearchDocument, wanted map[string]string) bool {
	for name, value := range wanted {
		if doc.DynamicFields[name] != value {
			return false
		}
	}
	return true
}

// filterByRadius drops documents outside radiusKm and returns the computed
// distances keyed by document ID. Geo runs last so the trig only touches
// documents that survived every other predicate.
func filterByRadius(docs []*index.SearchDocument, lat, lon, radiusKm float64) ([]*index.SearchDocument, map[string]float64) {
	distances := make(map[string]float64, len(docs))
	out := docs[:0]
	for _, doc := range docs {
		d := haversineKm(lat, lon, doc.Latitude, doc.Longitude)
		if d > radiusKm {
			continue
		}
		distances[doc.ID] = d
		out = append(out, doc)
	}
	return out, distances
}

// sortDocuments orders docs by the requested key. Every comparison falls
// through to the document ID so ordering is deterministic across runs.
func sortDocuments(docs []*index.SearchDocument, req *SearchRequest, distances map[string]float64) {
	var less func(a, b *index.SearchDocument) bool
	switch req.SortBy {
	case SortPriceAsc:
		less = func(a, b *index.SearchDocument) bool {
			if a.MinPrice != b.MinPrice {
				return a.MinPrice < b.MinPrice
			}
			return a.ID < b.ID
		}
	case SortPriceDesc:
		less = func(a, b *index.SearchDocument) bool {
			if a.MinPrice != b.MinPrice {
				return a.MinPrice > b.MinPrice
			}
			return a.ID < b.ID
		}
	case SortNewest:
		less = func(a, b *index.SearchDocument) bool {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID < b.ID
		}
	case SortPopularity:
		less = func(a, b *index.SearchDocument) bool {
			if a.BookingCount != b.BookingCount {
				return a.BookingCount > b.BookingCount
			}
			if a.ViewCount != b.ViewCount {
				return a.ViewCount > b.ViewCount
			}
			return a.ID < b.ID
		}
	case SortDistance:
		less = func(a, b *index.SearchDocument) bool {
			da, db := distances[a.ID], distances[b.ID]
			if da != db {
				return da < db
			}
			return a.ID < b.ID
		}
	case SortFeatured:
		less = func(a, b *index.SearchDocument) bool {
			if a.IsFeatured != b.IsFeatured {
				return a.IsFeatured
			}
			return ratingLess(a, b)
		}
	case SortRelevance:
		tokens := tokenize(req.SearchTerm)
		scores := make(map[string]float64, len(docs))
		for _, doc := range docs {
			scores[doc.ID] = relevanceScore(tokens, doc.NameLower, doc.AddressLower, doc.DescriptionLower)
		}
		less = func(a, b *index.SearchDocument) bool {
			if scores[a.ID] != scores[b.ID] {
				return scores[a.ID] > scores[b.ID]
			}
			return ratingLess(a, b)
		}
	default:
		// SortRating and the unset key share the default ordering.
		less = ratingLess
	}
	sort.Slice(docs, func(i, j int) bool { return less(docs[i], docs[j]) })
}

func ratingLess(a, b *index.SearchDocument) bool {
	if a.AverageRating != b.AverageRating {
		return a.AverageRating > b.AverageRating
	}
	if a.ReviewCount != b.ReviewCount {
		return a.ReviewCount > b.ReviewCount
	}
	return a.ID < b.ID
}

func toHit(doc *index.SearchDocument, distances map[string]float64) Hit {
	h := Hit{
		ID:            doc.ID,
		Name:          doc.Name,
		City:          doc.City,
		PropertyType:  doc.PropertyType,
		Address:       doc.Address,
		Latitude:      doc.Latitude,
		Longitude:     doc.Longitude,
		MinPrice:      doc.MinPrice,
		Currency:      doc.Currency,
		StarRating:    doc.StarRating,
		AverageRating: doc.AverageRating,
		ReviewCount:   doc.ReviewCount,
		UnitsCount:    doc.UnitsCount,
		MaxCapacity:   doc.MaxCapacity,
		IsFeatured:    doc.IsFeatured,
	}
	if len(doc.ImageURLs) > 0 {
		h.MainImageURL = doc.ImageURLs[0]
	}
	if d, ok := distances[doc.ID]; ok {
		dist := d
		h.DistanceKm = &dist
	}
	return h
}
