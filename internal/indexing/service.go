package indexing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yemenstay/property-search-index/internal/index"
	"github.com/yemenstay/property-search-index/internal/source"
	pkgerrors "github.com/yemenstay/property-search-index/pkg/errors"
)

// CacheInvalidator drops cached search results after the index changes.
// The redis-backed query cache implements it; a nil invalidator is allowed.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Service is the write-side API of the search index. Every operation
// enqueues one closure on the write queue and returns a Pending handle the
// caller may wait on for read-your-writes, or drop for fire-and-forget.
type Service struct {
	queue       *index.WriteQueue
	builder     *DocumentBuilder
	units       source.UnitRepository
	pricing     source.PricingRepository
	invalidator CacheInvalidator
	logger      *slog.Logger
}

// NewService wires the indexing service. invalidator may be nil when no
// query cache is configured.
func NewService(queue *index.WriteQueue, builder *DocumentBuilder, repos source.Repositories, invalidator CacheInvalidator) *Service {
	return &Service{
		queue:       queue,
		builder:     builder,
		units:       repos.Units,
		pricing:     repos.Pricing,
		invalidator: invalidator,
		logger:      slog.Default().With("component", "indexing-service"),
	}
}

func (s *Service) invalidate(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx); err != nil {
		s.logger.Warn("search cache invalidation failed", "error", err)
	}
}

// syncFull derives the document from the source of truth and upserts it,
// carrying the previous version forward. A property that no longer exists
// at the source degrades to a delete so the index never advertises ghosts.
func (s *Service) syncFull(ctx context.Context, st *index.Store, propertyID string) error {
	doc, err := s.builder.Build(ctx, propertyID)
	if err != nil {
		return err
	}
	if doc == nil {
		s.logger.Info("property missing at source, removing from index", "property_id", propertyID)
		return st.DeleteByID(ctx, propertyID)
	}
	prev, err := st.GetByID(ctx, propertyID)
	if err != nil {
		return err
	}
	var prevVersion int64
	if prev != nil {
		prevVersion = prev.Version
	}
	doc.Touch(prevVersion)
	return st.Upsert(ctx, doc)
}

// OnPropertyCreated indexes a newly created property.
func (s *Service) OnPropertyCreated(ctx context.Context, propertyID string) (*index.Pending, error) {
	if propertyID == "" {
		return nil, fmt.Errorf("%w: property id is required", pkgerrors.ErrInvalidInput)
	}
	return s.queue.Enqueue(ctx, "upsert property "+propertyID, func(ctx context.Context, st *index.Store) error {
		if err := s.syncFull(ctx, st, propertyID); err != nil {
			return err
		}
		s.invalidate(ctx)
		return nil
	})
}

// OnPropertyUpdated re-derives the property's document from scratch.
func (s *Service) OnPropertyUpdated(ctx context.Context, propertyID string) (*index.Pending, error) {
	return s.OnPropertyCreated(ctx, propertyID)
}

// OnPropertyDeleted removes the property from the index. Deleting an
// absent document succeeds.
func (s *Service) OnPropertyDeleted(ctx context.Context, propertyID string) (*index.Pending, error) {
	if propertyID == "" {
		return nil, fmt.Errorf("%w: property id is required", pkgerrors.ErrInvalidInput)
	}
	return s.queue.Enqueue(ctx, "delete property "+propertyID, func(ctx context.Context, st *index.Store) error {
		if err := st.DeleteByID(ctx, propertyID); err != nil {
			return err
		}
		s.invalidate(ctx)
		return nil
	})
}

// OnUnitCreated merges a new unit into its parent document without
// re-deriving the unrelated fields. When the parent document is not indexed
// yet, or the unit vanished at the source, the whole document is re-derived
// instead.
func (s *Service) OnUnitCreated(ctx context.Context, propertyID, unitID string) (*index.Pending, error) {
	if propertyID == "" || unitID == "" {
		return nil, fmt.Errorf("%w: property id and unit id are required", pkgerrors.ErrInvalidInput)
	}
	return s.queue.Enqueue(ctx, "merge unit "+unitID, func(ctx context.Context, st *index.Store) error {
		doc, err := st.GetByID(ctx, propertyID)
		if err != nil {
			return err
		}
		if doc == nil {
			if err := s.syncFull(ctx, st, propertyID); err != nil {
				return err
			}
			s.invalidate(ctx)
			return nil
		}
		unit, rules, err := s.fetchUnit(ctx, propertyID, unitID)
		if err != nil {
			return err
		}
		if unit == nil || !unit.IsActive {
			doc.RemoveUnit(unitID)
		} else {
			doc.UpsertUnit(index.UnitSummary{
				ID:             unit.ID,
				BasePrice:      unit.BasePrice,
				EffectivePrice: index.EffectivePrice(unit.BasePrice, rules, nowUTC()),
				Currency:       unit.Currency,
				MaxCapacity:    unit.MaxCapacity,
			})
		}
		doc.Touch(doc.Version)
		if err := st.Upsert(ctx, doc); err != nil {
			return err
		}
		s.invalidate(ctx)
		return nil
	})
}

// OnUnitUpdated merges the unit's current source state into its parent
// document, the same way a created unit is merged.
func (s *Service) OnUnitUpdated(ctx context.Context, propertyID, unitID string) (*index.Pending, error) {
	return s.OnUnitCreated(ctx, propertyID, unitID)
}

// OnUnitDeleted removes a unit from its parent document and recomputes the
// price and capacity aggregates. Absent parent or unit is a no-op.
func (s *Service) OnUnitDeleted(ctx context.Context, propertyID, unitID string) (*index.Pending, error) {
	if propertyID == "" || unitID == "" {
		return nil, fmt.Errorf("%w: property id and unit id are required", pkgerrors.ErrInvalidInput)
	}
	return s.queue.Enqueue(ctx, "remove unit "+unitID, func(ctx context.Context, st *index.Store) error {
		doc, err := st.GetByID(ctx, propertyID)
		if err != nil {
			return err
		}
		if doc == nil {
			return nil
		}
		doc.RemoveUnit(unitID)
		doc.Touch(doc.Version)
		if err := st.Upsert(ctx, doc); err != nil {
			return err
		}
		s.invalidate(ctx)
		return nil
	})
}

// OnAvailabilityChanged replaces the stored availability ranges for one unit.
func (s *Service) OnAvailabilityChanged(ctx context.Context, propertyID, unitID string, ranges []index.AvailabilityRange) (*index.Pending, error) {
	if propertyID == "" || unitID == "" {
		return nil, fmt.Errorf("%w: property id and unit id are required", pkgerrors.ErrInvalidInput)
	}
	return s.queue.Enqueue(ctx, "availability unit "+unitID, func(ctx context.Context, st *index.Store) error {
		doc, err := st.GetByID(ctx, propertyID)
		if err != nil {
			return err
		}
		if doc == nil {
			if err := s.syncFull(ctx, st, propertyID); err != nil {
				return err
			}
			s.invalidate(ctx)
			return nil
		}
		doc.ReplaceAvailability(unitID, ranges)
		doc.Touch(doc.Version)
		if err := st.Upsert(ctx, doc); err != nil {
			return err
		}
		s.invalidate(ctx)
		return nil
	})
}

// OnPricingRuleChanged recomputes one unit's effective price from the given
// rules and refreshes the document's price aggregates.
func (s *Service) OnPricingRuleChanged(ctx context.Context, propertyID, unitID string, rules []index.PricingRule) (*index.Pending, error) {
	if propertyID == "" || unitID == "" {
		return nil, fmt.Errorf("%w: property id and unit id are required", pkgerrors.ErrInvalidInput)
	}
	return s.queue.Enqueue(ctx, "reprice unit "+unitID, func(ctx context.Context, st *index.Store) error {
		doc, err := st.GetByID(ctx, propertyID)
		if err != nil {
			return err
		}
		if doc == nil {
			if err := s.syncFull(ctx, st, propertyID); err != nil {
				return err
			}
			s.invalidate(ctx)
			return nil
		}
		merged := false
		for i := range doc.Units {
			if doc.Units[i].ID == unitID {
				doc.Units[i].EffectivePrice = index.EffectivePrice(doc.Units[i].BasePrice, rules, nowUTC())
				merged = true
				break
			}
		}
		if !merged {
			// Unknown unit on a known property, the summary is stale.
			if err := s.syncFull(ctx, st, propertyID); err != nil {
				return err
			}
			s.invalidate(ctx)
			return nil
		}
		doc.RecomputeAggregates()
		doc.Touch(doc.Version)
		if err := st.Upsert(ctx, doc); err != nil {
			return err
		}
		s.invalidate(ctx)
		return nil
	})
}

// OnDynamicFieldChanged sets or clears one typed custom field on the document.
func (s *Service) OnDynamicFieldChanged(ctx context.Context, propertyID, fieldName, fieldValue string, isAdd bool) (*index.Pending, error) {
	if propertyID == "" || fieldName == "" {
		return nil, fmt.Errorf("%w: property id and field name are required", pkgerrors.ErrInvalidInput)
	}
	return s.queue.Enqueue(ctx, "field "+fieldName, func(ctx context.Context, st *index.Store) error {
		doc, err := st.GetByID(ctx, propertyID)
		if err != nil {
			return err
		}
		if doc == nil {
			if err := s.syncFull(ctx, st, propertyID); err != nil {
				return err
			}
			s.invalidate(ctx)
			return nil
		}
		if doc.DynamicFields == nil {
			doc.DynamicFields = make(map[string]string, 1)
		}
		if isAdd {
			doc.DynamicFields[fieldName] = fieldValue
		} else {
			delete(doc.DynamicFields, fieldName)
		}
		doc.Touch(doc.Version)
		if err := st.Upsert(ctx, doc); err != nil {
			return err
		}
		s.invalidate(ctx)
		return nil
	})
}

// OptimizeDatabase checkpoints and compacts the store file through the
// queue so it cannot interleave with document writes.
func (s *Service) OptimizeDatabase(ctx context.Context) (*index.Pending, error) {
	return s.queue.Enqueue(ctx, "optimize store", func(ctx context.Context, st *index.Store) error {
		return st.Optimize(ctx)
	})
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func (s *Service) fetchUnit(ctx context.Context, propertyID, unitID string) (*source.Unit, []index.PricingRule, error) {
	var unit *source.Unit
	if err := s.builder.fetch(ctx, "fetch-unit", func() error {
		var ferr error
		unit, ferr = s.units.GetByID(ctx, unitID)
		return ferr
	}); err != nil {
		return nil, nil, err
	}
	if unit == nil {
		return nil, nil, nil
	}
	var srcRules []source.PricingRule
	if err := s.builder.fetch(ctx, "fetch-pricing", func() error {
		var ferr error
		srcRules, ferr = s.pricing.ListByProperty(ctx, propertyID)
		return ferr
	}); err != nil {
		return nil, nil, err
	}
	rules := make([]index.PricingRule, 0, len(srcRules))
	for _, r := range srcRules {
		if r.UnitID != unitID {
			continue
		}
		rules = append(rules, index.PricingRule{
			StartDate: r.StartDate,
			EndDate:   r.EndDate,
			Price:     r.Price,
			RuleType:  r.RuleType,
		})
	}
	return unit, rules, nil
}
