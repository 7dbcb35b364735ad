package services

import (
	"context"
	"time"

	domain "github.com/finitefield/order-engine/internal/domain"
	"github.com/finitefield/order-engine/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	OrderStatusHistory = domain.OrderStatusHistory
	CartItem           = domain.CartItem
	Product            = domain.Product
	Address            = domain.Address
	DeliveryInfo       = domain.DeliveryInfo
	OutboxRecord       = domain.OutboxRecord
	SystemHealthReport = domain.SystemHealthReport
	AuditLogEntry      = domain.AuditLogEntry
	OrderListFilter    = repositories.OrderListFilter
)

// OrderService converts carts into orders and drives them through the fulfilment state machine.
// Every mutating method runs as a single unit of work.
type OrderService interface {
	CreateFromCart(ctx context.Context, cmd CreateOrderFromCartCommand) (Order, error)

	Confirm(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	Process(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	Ship(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	Deliver(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	MarkReturned(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	MarkRefunded(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	UpdateAddress(ctx context.Context, cmd UpdateOrderAddressCommand) (Order, error)

	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	ListHistory(ctx context.Context, orderID string) ([]OrderStatusHistory, error)
}

// InventoryService owns every write to product stock counters.
type InventoryService interface {
	// TryDecrement reserves qty units and reports false, leaving stock untouched, when fewer remain.
	TryDecrement(ctx context.Context, productID string, qty int) (bool, error)
	// Increment returns qty units to stock. Only cancellation calls it.
	Increment(ctx context.Context, productID string, qty int) error
	Available(ctx context.Context, productID string) (int, error)
}

// OrderExpirationSweeper cancels pending orders that were never confirmed.
type OrderExpirationSweeper interface {
	SweepExpired(ctx context.Context, cutoff time.Duration) (SweepResult, error)
	Run(ctx context.Context, interval, cutoff time.Duration) error
}

// CartService manages the lines a customer accumulates before checkout.
type CartService interface {
	ListItems(ctx context.Context, userID string) ([]CartItem, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (CartItem, error)
	UpdateQuantity(ctx context.Context, cmd UpdateCartItemCommand) (CartItem, error)
	RemoveItem(ctx context.Context, userID, productID string) error
}

// OutboxRelay forwards committed order events to the message transport.
type OutboxRelay interface {
	RelayPending(ctx context.Context) (RelayResult, error)
	Run(ctx context.Context, interval time.Duration) error
}

// SystemService aggregates utility endpoints such as health checks.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// AuditSink receives audit records after a change commits. Failures are absorbed by implementations.
type AuditSink interface {
	Record(ctx context.Context, record AuditLogRecord)
}

// UserDirectory answers whether a customer account exists in the identity provider.
type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// EventPublisher delivers a single relayed event to the message transport.
type EventPublisher interface {
	Publish(ctx context.Context, message EventMessage) error
}

// Metrics records business counters. A nil Metrics in service deps disables recording.
type Metrics interface {
	ObserveOrderOperation(operation, outcome string, duration time.Duration)
	ObserveStockReservation(outcome string)
	ObserveSweep(cancelled, skipped, failed int)
	ObserveOutboxRelay(sent, failed int)
}

// Command and DTO definitions ------------------------------------------------

// CreateOrderFromCartCommand converts the customer's current cart into a pending order.
type CreateOrderFromCartCommand struct {
	CustomerID string
	Delivery   DeliveryInfo
	Notes      string
	Currency   string
	ActorID    string
}

// OrderTransitionCommand names the order, the acting principal and an optional history reason.
// AllowedFrom narrows the statuses the transition may start from for this caller; it is checked
// against the status read inside the transaction.
type OrderTransitionCommand struct {
	OrderID     string
	ActorID     string
	Reason      string
	AllowedFrom []domain.OrderStatus
}

type UpdateOrderAddressCommand struct {
	OrderID  string
	Delivery DeliveryInfo
	ActorID  string
}

type AddCartItemCommand struct {
	UserID    string
	ProductID string
	Quantity  int
}

type UpdateCartItemCommand struct {
	UserID    string
	ProductID string
	Quantity  int
}

// SweepResult counts what one sweep did with the expired orders it found.
type SweepResult struct {
	Scanned   int
	Cancelled int
	Skipped   int
	Failed    int
}

type RelayResult struct {
	Sent   int
	Failed int
}

// EventMessage is the transport-neutral form of an outbox record.
type EventMessage struct {
	ID          string
	Type        string
	AggregateID string
	Payload     []byte
	CreatedAt   time.Time
}

// AuditLogRecord describes a change for the audit trail before sanitisation.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	OccurredAt            time.Time
	Metadata              map[string]any
	SensitiveMetadataKeys []string
}
