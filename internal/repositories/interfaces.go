package repositories

import (
	"context"
	"time"

	domain "github.com/finitefield/order-engine/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Carts() CartRepository
	Orders() OrderRepository
	OrderHistory() OrderHistoryRepository
	Counters() CounterRepository
	Outbox() OutboxRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
// Repository calls made with the context passed to fn participate in the same transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository reads catalogue snapshots and owns the stock counter writes.
type ProductRepository interface {
	// FindByID returns a RepositoryError with IsNotFound when the product does not exist.
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// TryDecrementStock subtracts qty only when at least qty units remain, as one conditional
	// statement. It reports false without modifying anything when stock is insufficient.
	TryDecrementStock(ctx context.Context, productID string, qty int) (bool, error)
	// IncrementStock adds qty unconditionally.
	IncrementStock(ctx context.Context, productID string, qty int) error
	Upsert(ctx context.Context, product domain.Product) error
}

// CartRepository persists cart lines keyed by (user, product).
type CartRepository interface {
	// ListItems returns the user's lines. Inside a unit of work the lines stay locked until commit on
	// stores with row locks, so two checkouts of one cart cannot both consume it.
	ListItems(ctx context.Context, userID string) ([]domain.CartItem, error)
	UpsertItem(ctx context.Context, item domain.CartItem) error
	RemoveItem(ctx context.Context, userID, productID string) error
	// Clear deletes every line of the user's cart and reports how many lines it removed.
	Clear(ctx context.Context, userID string) (int, error)
}

// OrderRepository persists the order aggregate. Items are only written together with their order.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	// FindByID reads the order with its items. Inside a unit of work the order row is locked until
	// commit on stores with row locks, so the status read is the latest committed one.
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// UpdateStatus writes the status and lifecycle timestamps of order only when the stored status
	// still equals expected. It reports false when another writer changed the status first.
	UpdateStatus(ctx context.Context, order domain.Order, expected domain.OrderStatus) (bool, error)
	// UpdateDelivery writes delivery details under the same compare-and-set rule as UpdateStatus.
	UpdateDelivery(ctx context.Context, order domain.Order, expected domain.OrderStatus) (bool, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// ListPendingCreatedBefore returns pending orders created strictly before cutoff, oldest first.
	// A non-nil after resumes the listing past that order in (created_at, id) order.
	ListPendingCreatedBefore(ctx context.Context, cutoff time.Time, after *PendingOrderRef, limit int) ([]PendingOrderRef, error)
}

// PendingOrderRef identifies a pending order and its position in creation order.
type PendingOrderRef struct {
	ID        string
	CreatedAt time.Time
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	CustomerID string
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// OrderHistoryRepository appends and reads the immutable status log.
type OrderHistoryRepository interface {
	Append(ctx context.Context, entry domain.OrderStatusHistory) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error)
}

// CounterRepository issues monotonically increasing sequence values per counter name.
type CounterRepository interface {
	Next(ctx context.Context, name string) (int64, error)
}

// OutboxRepository stores order events until they are relayed to the message transport.
type OutboxRepository interface {
	Insert(ctx context.Context, record domain.OutboxRecord) error
	// FetchPending returns unsent records with fewer than maxAttempts failed deliveries, least attempted
	// first and oldest first within the same attempt count. A non-positive maxAttempts disables the cap.
	FetchPending(ctx context.Context, limit, maxAttempts int) ([]domain.OutboxRecord, error)
	MarkSent(ctx context.Context, recordID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, recordID string, reason string) error
}

// AuditLogRepository appends entries to the external audit store.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
}

// HealthRepository collects dependency health for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
