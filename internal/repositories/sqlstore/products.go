package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/finitefield/order-engine/internal/domain"
	"github.com/finitefield/order-engine/internal/platform/database"
	"github.com/finitefield/order-engine/internal/repositories"
)

// ProductRepository reads catalogue rows and owns the stock counter writes.
type ProductRepository struct {
	db *database.Provider
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a ProductRepository.
func NewProductRepository(provider *database.Provider) *ProductRepository {
	return &ProductRepository{db: provider}
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	q, err := r.db.Conn(ctx)
	if err != nil {
		return domain.Product{}, database.WrapError("products.find", err)
	}

	var (
		product   domain.Product
		updatedAt dbTimestamp
	)
	err = q.QueryRowContext(ctx, `
		SELECT id, name, sku, description, price, stock_quantity, manage_stock, active, updated_at
		FROM products WHERE id = ?`, productID,
	).Scan(&product.ID, &product.Name, &product.SKU, &product.Description, &product.Price,
		&product.StockQuantity, &product.ManageStock, &product.Active, &updatedAt)
	if err != nil {
		return domain.Product{}, database.WrapError("products.find", err)
	}
	product.UpdatedAt = updatedAt.Time
	return product, nil
}

// TryDecrementStock removes qty units in one conditional statement so concurrent reservations cannot
// drive stock below zero.
func (r *ProductRepository) TryDecrementStock(ctx context.Context, productID string, qty int) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("products.decrement: quantity must be positive, got %d", qty)
	}
	q, err := r.db.Conn(ctx)
	if err != nil {
		return false, database.WrapError("products.decrement", err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE products SET stock_quantity = stock_quantity - ? WHERE id = ? AND stock_quantity >= ?`,
		qty, productID, qty)
	if err != nil {
		return false, database.WrapError("products.decrement", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, database.WrapError("products.decrement", err)
	}
	return affected == 1, nil
}

func (r *ProductRepository) IncrementStock(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("products.increment: quantity must be positive, got %d", qty)
	}
	q, err := r.db.Conn(ctx)
	if err != nil {
		return database.WrapError("products.increment", err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE products SET stock_quantity = stock_quantity + ? WHERE id = ?`, qty, productID)
	if err != nil {
		return database.WrapError("products.increment", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return database.WrapError("products.increment", err)
	}
	if affected == 0 {
		return database.NotFound("products.increment", "product %s not found", productID)
	}
	return nil
}

// Upsert creates or replaces a catalogue row. It is used by catalogue sync and fixtures.
func (r *ProductRepository) Upsert(ctx context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" {
		return errors.New("products.upsert: id is required")
	}
	q, err := r.db.Conn(ctx)
	if err != nil {
		return database.WrapError("products.upsert", err)
	}

	stmt := `
		INSERT INTO products (id, name, sku, description, price, stock_quantity, manage_stock, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if r.db.Dialect() == database.DialectMySQL {
		stmt += `
		ON DUPLICATE KEY UPDATE name = VALUES(name), sku = VALUES(sku), description = VALUES(description),
			price = VALUES(price), stock_quantity = VALUES(stock_quantity), manage_stock = VALUES(manage_stock),
			active = VALUES(active), updated_at = VALUES(updated_at)`
	} else {
		stmt += `
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, sku = excluded.sku, description = excluded.description,
			price = excluded.price, stock_quantity = excluded.stock_quantity, manage_stock = excluded.manage_stock,
			active = excluded.active, updated_at = excluded.updated_at`
	}

	_, err = q.ExecContext(ctx, stmt,
		product.ID, product.Name, product.SKU, product.Description, decimalValue(product.Price),
		product.StockQuantity, product.ManageStock, product.Active, formatTime(product.UpdatedAt))
	return database.WrapError("products.upsert", err)
}

func decimalValue(d decimal.Decimal) string {
	return d.String()
}
