package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/finitefield/order-engine/internal/repositories"
)

// InventoryServiceDeps bundles collaborators required by the inventory service.
type InventoryServiceDeps struct {
	Products repositories.ProductRepository
	Metrics  Metrics
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	products repositories.ProductRepository
	metrics  Metrics
	logger   func(context.Context, string, map[string]any)
}

var _ InventoryService = (*inventoryService)(nil)

// NewInventoryService wires the stock adjuster on top of the product repository. Calls made with a
// context carrying a transaction participate in it.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Products == nil {
		return nil, errors.New("inventory service: product repository is required")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &inventoryService{
		products: deps.Products,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

func (s *inventoryService) TryDecrement(ctx context.Context, productID string, qty int) (bool, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return false, &ValidationError{Field: "productId", Reason: "is required"}
	}
	if qty <= 0 {
		return false, &ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	ok, err := s.products.TryDecrementStock(ctx, productID, qty)
	if err != nil {
		s.metrics.ObserveStockReservation("error")
		return false, mapRepositoryError(err, "product", productID)
	}
	if !ok {
		s.metrics.ObserveStockReservation("insufficient")
		s.logger(ctx, "inventory.reserve.insufficient", map[string]any{
			"productId": productID,
			"quantity":  qty,
		})
		return false, nil
	}
	s.metrics.ObserveStockReservation("reserved")
	return true, nil
}

func (s *inventoryService) Increment(ctx context.Context, productID string, qty int) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return &ValidationError{Field: "productId", Reason: "is required"}
	}
	if qty <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if err := s.products.IncrementStock(ctx, productID, qty); err != nil {
		return mapRepositoryError(err, "product", productID)
	}
	s.metrics.ObserveStockReservation("released")
	return nil
}

func (s *inventoryService) Available(ctx context.Context, productID string) (int, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return 0, &ValidationError{Field: "productId", Reason: "is required"}
	}
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return 0, mapRepositoryError(err, "product", productID)
	}
	return product.StockQuantity, nil
}

type noopMetrics struct{}

func (noopMetrics) ObserveOrderOperation(string, string, time.Duration) {}
func (noopMetrics) ObserveStockReservation(string)                      {}
func (noopMetrics) ObserveSweep(int, int, int)                          {}
func (noopMetrics) ObserveOutboxRelay(int, int)                         {}
