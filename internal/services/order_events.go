package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	domain "github.com/finitefield/order-engine/internal/domain"
)

const (
	orderEventCreated        = "order.created"
	orderEventConfirmed      = "order.confirmed"
	orderEventProcessing     = "order.processing"
	orderEventShipped        = "order.shipped"
	orderEventDelivered      = "order.delivered"
	orderEventCancelled      = "order.cancelled"
	orderEventAddressUpdated = "order.address_updated"
)

// OrderEvent is the JSON payload stored in the outbox and relayed to subscribers.
type OrderEvent struct {
	EventID        string    `json:"eventId"`
	Type           string    `json:"type"`
	OrderID        string    `json:"orderId"`
	OrderNumber    string    `json:"orderNumber"`
	CustomerID     string    `json:"customerId"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	CurrentStatus  string    `json:"currentStatus"`
	ActorID        string    `json:"actorId"`
	Reason         string    `json:"reason,omitempty"`
	Total          string    `json:"total"`
	Currency       string    `json:"currency"`
	OccurredAt     time.Time `json:"occurredAt"`
}

func newEventID() string {
	return uuid.NewString()
}

// enqueueEvent writes the event to the outbox with the context's transaction so it commits or rolls
// back together with the change it describes.
func (s *orderService) enqueueEvent(ctx context.Context, eventType string, order Order, previous domain.OrderStatus, actor, reason string, now time.Time) error {
	event := OrderEvent{
		EventID:        s.newEventID(),
		Type:           eventType,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		CustomerID:     order.CustomerID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actor,
		Reason:         reason,
		Total:          order.Total.StringFixed(2),
		Currency:       order.Currency,
		OccurredAt:     now,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("order: marshal %s event: %w", eventType, err)
	}
	record := OutboxRecord{
		ID:          event.EventID,
		EventType:   eventType,
		AggregateID: order.ID,
		Payload:     payload,
		CreatedAt:   now,
	}
	if err := s.outbox.Insert(ctx, record); err != nil {
		return mapRepositoryError(err, "", "")
	}
	return nil
}
