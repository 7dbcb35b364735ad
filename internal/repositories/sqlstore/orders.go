package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/finitefield/order-engine/internal/domain"
	"github.com/finitefield/order-engine/internal/platform/database"
	"github.com/finitefield/order-engine/internal/platform/pagination"
	"github.com/finitefield/order-engine/internal/repositories"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

const orderColumns = `id, order_number, customer_id, status, order_date,
	recipient, address_line1, address_line2, city, state, postal_code, country, phone, delivery_instructions,
	subtotal, discount, tax, shipping, total, currency, notes,
	created_at, updated_at, confirmed_at, shipped_at, delivered_at, cancelled_at, cancel_reason`

const orderItemColumns = `id, order_id, product_id, product_name, sku, description,
	unit_price, quantity, discount, tax, total_price, stock_reserved`

// OrderRepository persists the order aggregate: the order row and its item rows.
type OrderRepository struct {
	db *database.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs an OrderRepository.
func NewOrderRepository(provider *database.Provider) *OrderRepository {
	return &OrderRepository{db: provider}
}

// Insert writes the order and all of its items. Callers run it inside a unit of work so a failure
// on any item leaves no partial aggregate.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("orders.insert: id is required")
	}
	q, err := r.db.Conn(ctx)
	if err != nil {
		return database.WrapError("orders.insert", err)
	}

	addr := order.Delivery.Address
	_, err = q.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.OrderNumber, order.CustomerID, string(order.Status), formatTime(order.OrderDate),
		addr.Recipient, addr.Line1, addr.Line2, addr.City, addr.State, addr.PostalCode, addr.Country, addr.Phone,
		order.Delivery.Instructions,
		decimalValue(order.Subtotal), decimalValue(order.Discount), decimalValue(order.Tax),
		decimalValue(order.Shipping), decimalValue(order.Total), order.Currency, order.Notes,
		formatTime(order.CreatedAt), formatTime(order.UpdatedAt),
		nullableTime(order.ConfirmedAt), nullableTime(order.ShippedAt), nullableTime(order.DeliveredAt),
		nullableTime(order.CancelledAt), order.CancelReason,
	)
	if err != nil {
		return database.WrapError("orders.insert", err)
	}

	for i, item := range order.Items {
		_, err := q.ExecContext(ctx, `INSERT INTO order_items (`+orderItemColumns+`, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, order.ID, item.ProductID, item.ProductName, item.SKU, item.Description,
			decimalValue(item.UnitPrice), item.Quantity, decimalValue(item.Discount), decimalValue(item.Tax),
			decimalValue(item.TotalPrice), item.StockReserved, i,
		)
		if err != nil {
			return database.WrapError("orders.insert_item", err)
		}
	}
	return nil
}

// FindByID loads the order and its items. Inside a MySQL transaction the order row is read with
// FOR UPDATE, so a transition sees the latest committed status and holds it until commit.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	q, err := r.db.Conn(ctx)
	if err != nil {
		return domain.Order{}, database.WrapError("orders.find", err)
	}

	order, err := scanOrder(q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`+lockingRead(ctx, r.db.Dialect()), orderID))
	if err != nil {
		return domain.Order{}, database.WrapError("orders.find", err)
	}

	items, err := r.loadItems(ctx, q, []string{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items[order.ID]
	return order, nil
}

// UpdateStatus persists the status and lifecycle fields when the stored status still equals expected.
func (r *OrderRepository) UpdateStatus(ctx context.Context, order domain.Order, expected domain.OrderStatus) (bool, error) {
	q, err := r.db.Conn(ctx)
	if err != nil {
		return false, database.WrapError("orders.update_status", err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, updated_at = ?, confirmed_at = ?, shipped_at = ?, delivered_at = ?,
			cancelled_at = ?, cancel_reason = ?
		WHERE id = ? AND status = ?`,
		string(order.Status), formatTime(order.UpdatedAt),
		nullableTime(order.ConfirmedAt), nullableTime(order.ShippedAt), nullableTime(order.DeliveredAt),
		nullableTime(order.CancelledAt), order.CancelReason,
		order.ID, string(expected),
	)
	return rowsMatched("orders.update_status", res, err)
}

// UpdateDelivery persists delivery details when the stored status still equals expected.
func (r *OrderRepository) UpdateDelivery(ctx context.Context, order domain.Order, expected domain.OrderStatus) (bool, error) {
	q, err := r.db.Conn(ctx)
	if err != nil {
		return false, database.WrapError("orders.update_delivery", err)
	}
	addr := order.Delivery.Address
	res, err := q.ExecContext(ctx, `
		UPDATE orders
		SET recipient = ?, address_line1 = ?, address_line2 = ?, city = ?, state = ?, postal_code = ?,
			country = ?, phone = ?, delivery_instructions = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		addr.Recipient, addr.Line1, addr.Line2, addr.City, addr.State, addr.PostalCode, addr.Country, addr.Phone,
		order.Delivery.Instructions, formatTime(order.UpdatedAt),
		order.ID, string(expected),
	)
	return rowsMatched("orders.update_delivery", res, err)
}

// List returns orders newest first using a (created_at, id) keyset cursor.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	q, err := r.db.Conn(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, database.WrapError("orders.list", err)
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultOrderPageSize
	}
	pageSize = min(pageSize, maxOrderPageSize)

	var (
		where []string
		args  []any
	)
	if filter.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if from := filter.DateRange.From; from != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*from))
	}
	if to := filter.DateRange.To; to != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*to))
	}

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	if !cursor.IsZero() {
		after := formatTime(cursor.CreatedAt)
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, after, after, cursor.ID)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, pageSize+1)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, database.WrapError("orders.list", err)
	}
	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return domain.CursorPage[domain.Order]{}, database.WrapError("orders.list", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return domain.CursorPage[domain.Order]{}, database.WrapError("orders.list", err)
	}
	rows.Close()

	page := domain.CursorPage[domain.Order]{}
	if len(orders) > pageSize {
		orders = orders[:pageSize]
		last := orders[len(orders)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}

	ids := make([]string, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
	}
	items, err := r.loadItems(ctx, q, ids)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	page.Items = orders
	return page, nil
}

// ListPendingCreatedBefore returns pending orders created strictly before cutoff in (created_at, id)
// order, resuming past after when it is set.
func (r *OrderRepository) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time, after *repositories.PendingOrderRef, limit int) ([]repositories.PendingOrderRef, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("orders.list_pending: limit must be positive, got %d", limit)
	}
	q, err := r.db.Conn(ctx)
	if err != nil {
		return nil, database.WrapError("orders.list_pending", err)
	}

	query := `SELECT id, created_at FROM orders WHERE status = ? AND created_at < ?`
	args := []any{string(domain.OrderStatusPending), formatTime(cutoff)}
	if after != nil {
		resume := formatTime(after.CreatedAt)
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, resume, resume, after.ID)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.WrapError("orders.list_pending", err)
	}
	defer rows.Close()

	var refs []repositories.PendingOrderRef
	for rows.Next() {
		var (
			ref       repositories.PendingOrderRef
			createdAt dbTimestamp
		)
		if err := rows.Scan(&ref.ID, &createdAt); err != nil {
			return nil, database.WrapError("orders.list_pending", err)
		}
		ref.CreatedAt = createdAt.Time
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, database.WrapError("orders.list_pending", err)
	}
	return refs, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, q database.Querier, orderIDs []string) (map[string][]domain.OrderItem, error) {
	result := make(map[string][]domain.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}
	placeholders := make([]string, len(orderIDs))
	args := make([]any, len(orderIDs))
	for i, id := range orderIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := q.QueryContext(ctx, `SELECT `+orderItemColumns+` FROM order_items
		WHERE order_id IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY order_id, position`, args...)
	if err != nil {
		return nil, database.WrapError("orders.load_items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.SKU, &item.Description,
			&item.UnitPrice, &item.Quantity, &item.Discount, &item.Tax, &item.TotalPrice, &item.StockReserved); err != nil {
			return nil, database.WrapError("orders.load_items", err)
		}
		result[item.OrderID] = append(result[item.OrderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, database.WrapError("orders.load_items", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                                            domain.Order
		status                                           string
		orderDate, createdAt, updatedAt                  dbTimestamp
		confirmedAt, shippedAt, deliveredAt, cancelledAt dbTimestamp
	)
	addr := &order.Delivery.Address
	err := row.Scan(&order.ID, &order.OrderNumber, &order.CustomerID, &status, &orderDate,
		&addr.Recipient, &addr.Line1, &addr.Line2, &addr.City, &addr.State, &addr.PostalCode, &addr.Country, &addr.Phone,
		&order.Delivery.Instructions,
		&order.Subtotal, &order.Discount, &order.Tax, &order.Shipping, &order.Total, &order.Currency, &order.Notes,
		&createdAt, &updatedAt, &confirmedAt, &shippedAt, &deliveredAt, &cancelledAt, &order.CancelReason,
	)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.OrderDate = orderDate.Time
	order.CreatedAt = createdAt.Time
	order.UpdatedAt = updatedAt.Time
	order.ConfirmedAt = confirmedAt.ptr()
	order.ShippedAt = shippedAt.ptr()
	order.DeliveredAt = deliveredAt.ptr()
	order.CancelledAt = cancelledAt.ptr()
	return order, nil
}

func rowsMatched(op string, res interface{ RowsAffected() (int64, error) }, err error) (bool, error) {
	if err != nil {
		return false, database.WrapError(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, database.WrapError(op, err)
	}
	return affected == 1, nil
}
