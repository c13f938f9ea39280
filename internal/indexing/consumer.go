package indexing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yemenstay/property-search-index/internal/index"
	"github.com/yemenstay/property-search-index/pkg/kafka"
	"github.com/yemenstay/property-search-index/pkg/resilience"
)

// Domain event types published by the booking backend.
const (
	EventPropertyCreated     = "property.created"
	EventPropertyUpdated     = "property.updated"
	EventPropertyDeleted     = "property.deleted"
	EventUnitCreated         = "unit.created"
	EventUnitUpdated         = "unit.updated"
	EventUnitDeleted         = "unit.deleted"
	EventAvailabilityChanged = "availability.changed"
	EventPricingRuleChanged  = "pricing.changed"
	EventDynamicFieldChanged = "field.changed"
	EventRebuildRequested    = "index.rebuild"
)

// DomainEvent is the JSON envelope carried on the domain-events topic.
// Only the fields relevant to the event type are populated.
type DomainEvent struct {
	Type       string           `json:"type"`
	PropertyID string           `json:"propertyId"`
	UnitID     string           `json:"unitId,omitempty"`
	FieldName  string           `json:"fieldName,omitempty"`
	FieldValue string           `json:"fieldValue,omitempty"`
	IsAdd      bool             `json:"isAdd,omitempty"`
	Ranges     []EventRange     `json:"ranges,omitempty"`
	Rules      []EventPriceRule `json:"rules,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
}

// EventRange is one bookable window in an availability event.
type EventRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// EventPriceRule is one pricing override in a pricing event.
type EventPriceRule struct {
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Price     float64   `json:"price"`
	RuleType  string    `json:"ruleType,omitempty"`
}

// EventConsumer wraps a Kafka consumer to drive the indexing service.
type EventConsumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// NewEventConsumer creates an EventConsumer backed by the given Kafka consumer.
func NewEventConsumer(kafkaConsumer *kafka.Consumer) *EventConsumer {
	return &EventConsumer{
		consumer: kafkaConsumer,
		logger:   slog.Default().With("component", "event-consumer"),
	}
}

// Start begins consuming domain events. It blocks until ctx is cancelled.
func (ec *EventConsumer) Start(ctx context.Context) error {
	ec.logger.Info("event consumer starting")
	return ec.consumer.Start(ctx)
}

// HandleMessage returns a Kafka MessageHandler that maps each domain event
// to the matching indexing operation and waits for the write to land so
// the consumer offset is only committed once the index reflects the event.
// Malformed payloads are logged and skipped, not retried.
func HandleMessage(svc *Service, rebuilder *Rebuilder, waitTimeout time.Duration) kafka.MessageHandler {
	logger := slog.Default().With("component", "event-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[DomainEvent](value)
		if err != nil {
			logger.Error("failed to decode domain event",
				"error", err,
				"key", string(key),
			)
			return nil
		}

		logger.Debug("processing domain event",
			"type", event.Type,
			"property_id", event.PropertyID,
			"unit_id", event.UnitID,
		)

		if event.Type == EventRebuildRequested {
			// Rebuild runs on the caller goroutine and coalesces with any
			// run already in flight; no write-queue handle to wait on here.
			return rebuilder.Rebuild(ctx)
		}

		pending, err := dispatch(ctx, svc, event)
		if err != nil {
			logger.Error("rejected domain event",
				"type", event.Type,
				"property_id", event.PropertyID,
				"error", err,
			)
			return nil
		}
		return resilience.WithTimeout(ctx, waitTimeout, "index-write", func(ctx context.Context) error {
			return pending.Wait(ctx)
		})
	}
}

func dispatch(ctx context.Context, svc *Service, event DomainEvent) (*index.Pending, error) {
	switch event.Type {
	case EventPropertyCreated:
		return svc.OnPropertyCreated(ctx, event.PropertyID)
	case EventPropertyUpdated:
		return svc.OnPropertyUpdated(ctx, event.PropertyID)
	case EventPropertyDeleted:
		return svc.OnPropertyDeleted(ctx, event.PropertyID)
	case EventUnitCreated:
		return svc.OnUnitCreated(ctx, event.PropertyID, event.UnitID)
	case EventUnitUpdated:
		return svc.OnUnitUpdated(ctx, event.PropertyID, event.UnitID)
	case EventUnitDeleted:
		return svc.OnUnitDeleted(ctx, event.PropertyID, event.UnitID)
	case EventAvailabilityChanged:
		ranges := make([]index.AvailabilityRange, 0, len(event.Ranges))
		for _, r := range event.Ranges {
			ranges = append(ranges, index.AvailabilityRange{
				UnitID: event.UnitID,
				Start:  r.Start,
				End:    r.End,
			})
		}
		return svc.OnAvailabilityChanged(ctx, event.PropertyID, event.UnitID, ranges)
	case EventPricingRuleChanged:
		rules := make([]index.PricingRule, 0, len(event.Rules))
		for _, r := range event.Rules {
			rules = append(rules, index.PricingRule{
				StartDate: r.StartDate,
				EndDate:   r.EndDate,
				Price:     r.Price,
				RuleType:  r.RuleType,
			})
		}
		return svc.OnPricingRuleChanged(ctx, event.PropertyID, event.UnitID, rules)
	case EventDynamicFieldChanged:
		return svc.OnDynamicFieldChanged(ctx, event.PropertyID, event.FieldName, event.FieldValue, event.IsAdd)
	default:
		return nil, fmt.Errorf("unknown event type %q", event.Type)
	}
}
