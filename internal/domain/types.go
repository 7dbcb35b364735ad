package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was assembled from a cart and stock is reserved.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates the order was accepted for fulfilment.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being picked and packed.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to a carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer. Terminal.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled and its stock released. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusReturned is declared for reporting but no transition leads to it yet.
	OrderStatusReturned OrderStatus = "returned"
	// OrderStatusRefunded is declared for reporting but no transition leads to it yet.
	OrderStatusRefunded OrderStatus = "refunded"
)

// IsTerminal reports whether no further transitions are allowed from the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusReturned, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// Valid reports whether the status is one of the declared values.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusReturned, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// Address stores a postal address snapshot.
type Address struct {
	Recipient  string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// DeliveryInfo captures where and how an order should be delivered.
type DeliveryInfo struct {
	Address      Address
	Instructions string
}

// Order is the aggregate root of a committed purchase. Only status, delivery details (before
// fulfilment starts) and lifecycle timestamps change after creation.
type Order struct {
	ID           string
	OrderNumber  string
	CustomerID   string
	Status       OrderStatus
	OrderDate    time.Time
	Delivery     DeliveryInfo
	Subtotal     decimal.Decimal
	Discount     decimal.Decimal
	Tax          decimal.Decimal
	Shipping     decimal.Decimal
	Total        decimal.Decimal
	Currency     string
	Notes        string
	Items        []OrderItem
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ConfirmedAt  *time.Time
	ShippedAt    *time.Time
	DeliveredAt  *time.Time
	CancelledAt  *time.Time
	CancelReason string
}

// OrderItem is an immutable line snapshot owned by exactly one order.
type OrderItem struct {
	ID            string
	OrderID       string
	ProductID     string
	ProductName   string
	SKU           string
	Description   string
	UnitPrice     decimal.Decimal
	Quantity      int
	Discount      decimal.Decimal
	Tax           decimal.Decimal
	TotalPrice    decimal.Decimal
	StockReserved bool
}

// CartItem is a user's pre-commitment selection of a product.
type CartItem struct {
	UserID    string
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
	AddedAt   time.Time
	UpdatedAt time.Time
}

// Product carries the catalogue fields the order engine snapshots plus the stock counter it owns.
type Product struct {
	ID            string
	Name          string
	SKU           string
	Description   string
	Price         decimal.Decimal
	StockQuantity int
	ManageStock   bool
	Active        bool
	UpdatedAt     time.Time
}

// OrderStatusHistory is an append-only record of a single status change.
type OrderStatusHistory struct {
	ID        string
	OrderID   string
	OldStatus OrderStatus
	NewStatus OrderStatus
	ChangedAt time.Time
	ChangedBy string
	Reason    string
}

// OutboxRecord is an order event persisted alongside the change that produced it.
type OutboxRecord struct {
	ID          string
	EventType   string
	AggregateID string
	Payload     []byte
	CreatedAt   time.Time
	SentAt      *time.Time
	Attempts    int
	LastError   string
}

// AuditLogEntry represents a sanitised audit record stored in the external audit sink.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Severity  string
	CreatedAt time.Time
}

// Health status values reported by readiness checks.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck captures the outcome of a single dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency probes for readiness endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
