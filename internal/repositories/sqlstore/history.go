package sqlstore

import (
	"context"

	domain "github.com/finitefield/order-engine/internal/domain"
	"github.com/finitefield/order-engine/internal/platform/database"
	"github.com/finitefield/order-engine/internal/repositories"
)

// OrderHistoryRepository appends and reads order_status_history rows. Rows are never updated.
type OrderHistoryRepository struct {
	db *database.Provider
}

var _ repositories.OrderHistoryRepository = (*OrderHistoryRepository)(nil)

// NewOrderHistoryRepository constructs an OrderHistoryRepository.
func NewOrderHistoryRepository(provider *database.Provider) *OrderHistoryRepository {
	return &OrderHistoryRepository{db: provider}
}

func (r *OrderHistoryRepository) Append(ctx context.Context, entry domain.OrderStatusHistory) error {
	q, err := r.db.Conn(ctx)
	if err != nil {
		return database.WrapError("history.append", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO order_status_history (id, order_id, old_status, new_status, changed_at, changed_by, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OrderID, string(entry.OldStatus), string(entry.NewStatus),
		formatTime(entry.ChangedAt), entry.ChangedBy, entry.Reason)
	return database.WrapError("history.append", err)
}

func (r *OrderHistoryRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error) {
	q, err := r.db.Conn(ctx)
	if err != nil {
		return nil, database.WrapError("history.list", err)
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, old_status, new_status, changed_at, changed_by, reason
		FROM order_status_history WHERE order_id = ? ORDER BY changed_at, id`, orderID)
	if err != nil {
		return nil, database.WrapError("history.list", err)
	}
	defer rows.Close()

	var entries []domain.OrderStatusHistory
	for rows.Next() {
		var (
			entry                domain.OrderStatusHistory
			oldStatus, newStatus string
			changedAt            dbTimestamp
		)
		if err := rows.Scan(&entry.ID, &entry.OrderID, &oldStatus, &newStatus, &changedAt, &entry.ChangedBy, &entry.Reason); err != nil {
			return nil, database.WrapError("history.list", err)
		}
		entry.OldStatus = domain.OrderStatus(oldStatus)
		entry.NewStatus = domain.OrderStatus(newStatus)
		entry.ChangedAt = changedAt.Time
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, database.WrapError("history.list", err)
	}
	return entries, nil
}
