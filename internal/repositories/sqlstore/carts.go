package sqlstore

import (
	"context"

	domain "github.com/finitefield/order-engine/internal/domain"
	"github.com/finitefield/order-engine/internal/platform/database"
	"github.com/finitefield/order-engine/internal/repositories"
)

// CartRepository persists cart lines keyed by (user, product).
type CartRepository struct {
	db *database.Provider
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a CartRepository.
func NewCartRepository(provider *database.Provider) *CartRepository {
	return &CartRepository{db: provider}
}

// ListItems returns the user's cart ordered by product id, the lock order used when reserving stock.
// Inside a MySQL transaction the lines are read with FOR UPDATE and stay locked until commit.
func (r *CartRepository) ListItems(ctx context.Context, userID string) ([]domain.CartItem, error) {
	q, err := r.db.Conn(ctx)
	if err != nil {
		return nil, database.WrapError("carts.list", err)
	}
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, product_id, quantity, unit_price, added_at, updated_at
		FROM cart_items WHERE user_id = ? ORDER BY product_id`+lockingRead(ctx, r.db.Dialect()), userID)
	if err != nil {
		return nil, database.WrapError("carts.list", err)
	}
	defer rows.Close()

	var items []domain.CartItem
	for rows.Next() {
		var (
			item               domain.CartItem
			addedAt, updatedAt dbTimestamp
		)
		if err := rows.Scan(&item.UserID, &item.ProductID, &item.Quantity, &item.UnitPrice, &addedAt, &updatedAt); err != nil {
			return nil, database.WrapError("carts.list", err)
		}
		item.AddedAt = addedAt.Time
		item.UpdatedAt = updatedAt.Time
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, database.WrapError("carts.list", err)
	}
	return items, nil
}

// UpsertItem inserts the line or replaces its quantity and price, keeping the original added_at.
func (r *CartRepository) UpsertItem(ctx context.Context, item domain.CartItem) error {
	q, err := r.db.Conn(ctx)
	if err != nil {
		return database.WrapError("carts.upsert", err)
	}

	stmt := `
		INSERT INTO cart_items (user_id, product_id, quantity, unit_price, added_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if r.db.Dialect() == database.DialectMySQL {
		stmt += `
		ON DUPLICATE KEY UPDATE quantity = VALUES(quantity), unit_price = VALUES(unit_price), updated_at = VALUES(updated_at)`
	} else {
		stmt += `
		ON CONFLICT (user_id, product_id) DO UPDATE SET quantity = excluded.quantity,
			unit_price = excluded.unit_price, updated_at = excluded.updated_at`
	}
	_, err = q.ExecContext(ctx, stmt,
		item.UserID, item.ProductID, item.Quantity, decimalValue(item.UnitPrice),
		formatTime(item.AddedAt), formatTime(item.UpdatedAt))
	return database.WrapError("carts.upsert", err)
}

func (r *CartRepository) RemoveItem(ctx context.Context, userID, productID string) error {
	q, err := r.db.Conn(ctx)
	if err != nil {
		return database.WrapError("carts.remove", err)
	}
	res, err := q.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = ? AND product_id = ?`, userID, productID)
	if err != nil {
		return database.WrapError("carts.remove", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return database.WrapError("carts.remove", err)
	}
	if affected == 0 {
		return database.NotFound("carts.remove", "cart item %s not found", productID)
	}
	return nil
}

func (r *CartRepository) Clear(ctx context.Context, userID string) (int, error) {
	q, err := r.db.Conn(ctx)
	if err != nil {
		return 0, database.WrapError("carts.clear", err)
	}
	res, err := q.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = ?`, userID)
	if err != nil {
		return 0, database.WrapError("carts.clear", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, database.WrapError("carts.clear", err)
	}
	return int(removed), nil
}
