package services

import (
	"context"
	"slices"
	"strings"
	"time"

	domain "github.com/finitefield/order-engine/internal/domain"
	"github.com/finitefield/order-engine/internal/platform/textutil"
)

// transitionRule describes one edge of the order state machine.
type transitionRule struct {
	operation     string
	from          []domain.OrderStatus
	to            domain.OrderStatus
	event         string
	defaultReason string
}

var (
	confirmRule = transitionRule{
		operation:     "confirm",
		from:          []domain.OrderStatus{domain.OrderStatusPending},
		to:            domain.OrderStatusConfirmed,
		event:         orderEventConfirmed,
		defaultReason: "order confirmed",
	}
	processRule = transitionRule{
		operation:     "process",
		from:          []domain.OrderStatus{domain.OrderStatusConfirmed},
		to:            domain.OrderStatusProcessing,
		event:         orderEventProcessing,
		defaultReason: "order processing started",
	}
	shipRule = transitionRule{
		operation:     "ship",
		from:          []domain.OrderStatus{domain.OrderStatusProcessing},
		to:            domain.OrderStatusShipped,
		event:         orderEventShipped,
		defaultReason: "order shipped",
	}
	deliverRule = transitionRule{
		operation:     "deliver",
		from:          []domain.OrderStatus{domain.OrderStatusShipped},
		to:            domain.OrderStatusDelivered,
		event:         orderEventDelivered,
		defaultReason: "order delivered",
	}
	cancelRule = transitionRule{
		operation: "cancel",
		from: []domain.OrderStatus{
			domain.OrderStatusPending,
			domain.OrderStatusConfirmed,
			domain.OrderStatusProcessing,
			domain.OrderStatusShipped,
		},
		to:            domain.OrderStatusCancelled,
		event:         orderEventCancelled,
		defaultReason: "order cancelled",
	}
)

func (s *orderService) Confirm(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	return s.transition(ctx, cmd, confirmRule)
}

func (s *orderService) Process(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	return s.transition(ctx, cmd, processRule)
}

func (s *orderService) Ship(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	return s.transition(ctx, cmd, shipRule)
}

func (s *orderService) Deliver(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	return s.transition(ctx, cmd, deliverRule)
}

// Cancel moves an unfinished order to cancelled and returns every reserved unit to stock.
func (s *orderService) Cancel(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	return s.transition(ctx, cmd, cancelRule)
}

// MarkReturned is declared for API completeness; no transition leads to returned yet.
func (s *orderService) MarkReturned(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	err := error(&NotImplementedTransitionError{Attempted: "return"})
	s.observe(ctx, "return", time.Now(), err)
	return Order{}, err
}

// MarkRefunded is declared for API completeness; no transition leads to refunded yet.
func (s *orderService) MarkRefunded(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	err := error(&NotImplementedTransitionError{Attempted: "refund"})
	s.observe(ctx, "refund", time.Now(), err)
	return Order{}, err
}

func (s *orderService) transition(ctx context.Context, cmd OrderTransitionCommand, rule transitionRule) (order Order, err error) {
	started := time.Now()
	defer func() { s.observe(ctx, rule.operation, started, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, &ValidationError{Field: "orderId", Reason: "is required"}
	}
	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		return Order{}, &ValidationError{Field: "actorId", Reason: "is required"}
	}
	reason := textutil.CleanText(cmd.Reason, maxReasonLength)
	if reason == "" {
		reason = rule.defaultReason
	}

	var previous domain.OrderStatus
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, "order", orderID)
		}
		if !slices.Contains(rule.from, current.Status) {
			return &InvalidTransitionError{OrderID: orderID, Current: current.Status, Attempted: rule.operation}
		}
		if len(cmd.AllowedFrom) > 0 && !slices.Contains(cmd.AllowedFrom, current.Status) {
			return &InvalidTransitionError{OrderID: orderID, Current: current.Status, Attempted: rule.operation}
		}

		now := s.now()
		previous = current.Status
		current.Status = rule.to
		current.UpdatedAt = now
		stampTransition(&current, rule.to, reason, now)

		matched, err := s.orders.UpdateStatus(txCtx, current, previous)
		if err != nil {
			return mapRepositoryError(err, "order", orderID)
		}
		if !matched {
			return s.lostRace(txCtx, orderID, rule.operation)
		}

		if rule.to == domain.OrderStatusCancelled {
			if err := s.releaseStock(txCtx, current); err != nil {
				return err
			}
		}
		if err := s.appendHistory(txCtx, orderID, previous, rule.to, actor, reason, now); err != nil {
			return err
		}
		if err := s.enqueueEvent(txCtx, rule.event, current, previous, actor, reason, now); err != nil {
			return err
		}
		order = current
		return nil
	})
	if err != nil {
		return Order{}, mapRepositoryError(err, "", "")
	}

	s.logger(ctx, "order.status.changed", map[string]any{
		"orderId":        order.ID,
		"previousStatus": string(previous),
		"status":         string(order.Status),
		"actorId":        actor,
	})
	s.recordAudit(ctx, "order."+rule.operation, order, actor, previous, reason)
	return order, nil
}

// releaseStock reverses exactly the reservations recorded on the order's items.
func (s *orderService) releaseStock(ctx context.Context, order Order) error {
	for _, item := range order.Items {
		if !item.StockReserved {
			continue
		}
		if err := s.inventory.Increment(ctx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func stampTransition(order *Order, status domain.OrderStatus, reason string, now time.Time) {
	switch status {
	case domain.OrderStatusConfirmed:
		order.ConfirmedAt = &now
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
		order.CancelReason = reason
	}
}
