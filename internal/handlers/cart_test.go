package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/finitefield/order-engine/internal/platform/auth"
	"github.com/finitefield/order-engine/internal/services"
)

type stubCartService struct {
	listFn   func(context.Context, string) ([]services.CartItem, error)
	addFn    func(context.Context, services.AddCartItemCommand) (services.CartItem, error)
	updateFn func(context.Context, services.UpdateCartItemCommand) (services.CartItem, error)
	removeFn func(context.Context, string, string) error
}

func (s *stubCartService) ListItems(ctx context.Context, userID string) ([]services.CartItem, error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID)
	}
	return nil, nil
}

func (s *stubCartService) AddItem(ctx context.Context, cmd services.AddCartItemCommand) (services.CartItem, error) {
	if s.addFn != nil {
		return s.addFn(ctx, cmd)
	}
	return services.CartItem{}, errors.New("not implemented")
}

func (s *stubCartService) UpdateQuantity(ctx context.Context, cmd services.UpdateCartItemCommand) (services.CartItem, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return services.CartItem{}, errors.New("not implemented")
}

func (s *stubCartService) RemoveItem(ctx context.Context, userID, productID string) error {
	if s.removeFn != nil {
		return s.removeFn(ctx, userID, productID)
	}
	return nil
}

func newCartRouter(identity *auth.Identity, carts services.CartService) chi.Router {
	router := chi.NewRouter()
	router.Use(withTestIdentity(identity))
	router.Route("/api/v1/cart", NewCartHandlers(nil, carts).Routes)
	return router
}

func TestCartHandlersListItems(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	svc := &stubCartService{
		listFn: func(_ context.Context, userID string) ([]services.CartItem, error) {
			if userID != "user-1" {
				t.Fatalf("unexpected user %q", userID)
			}
			return []services.CartItem{
				{UserID: userID, ProductID: "prod_a", Quantity: 2, UnitPrice: decimal.RequireFromString("19.99"), AddedAt: now},
				{UserID: userID, ProductID: "prod_b", Quantity: 1, UnitPrice: decimal.RequireFromString("5.01"), AddedAt: now},
			}, nil
		},
	}
	router := newCartRouter(customer("user-1"), svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/cart/items", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Items []struct {
			ProductID string `json:"product_id"`
			LineTotal string `json:"line_total"`
		} `json:"items"`
		Subtotal string `json:"subtotal"`
	}
	decodeBody(t, rr, &resp)
	if len(resp.Items) != 2 || resp.Items[0].LineTotal != "39.98" {
		t.Fatalf("unexpected items %+v", resp.Items)
	}
	if resp.Subtotal != "44.99" {
		t.Fatalf("expected subtotal 44.99, got %s", resp.Subtotal)
	}
}

func TestCartHandlersAddItem(t *testing.T) {
	var captured services.AddCartItemCommand
	svc := &stubCartService{
		addFn: func(_ context.Context, cmd services.AddCartItemCommand) (services.CartItem, error) {
			captured = cmd
			return services.CartItem{UserID: cmd.UserID, ProductID: cmd.ProductID, Quantity: cmd.Quantity, UnitPrice: decimal.NewFromInt(10)}, nil
		},
	}
	router := newCartRouter(customer("user-1"), svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", bytes.NewBufferString(`{"product_id":" prod_a ","quantity":3}`)))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.ProductID != "prod_a" || captured.Quantity != 3 {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestCartHandlersAddItemValidation(t *testing.T) {
	svc := &stubCartService{
		addFn: func(context.Context, services.AddCartItemCommand) (services.CartItem, error) {
			return services.CartItem{}, &services.ValidationError{Field: "quantity", Reason: "must be positive"}
		},
	}
	router := newCartRouter(customer("user-1"), svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", bytes.NewBufferString(`{"product_id":"prod_a","quantity":0}`)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var body struct {
		Details map[string]any `json:"details"`
	}
	decodeBody(t, rr, &body)
	if body.Details["field"] != "quantity" {
		t.Fatalf("expected field detail, got %v", body.Details)
	}
}

func TestCartHandlersUpdateQuantity(t *testing.T) {
	var captured services.UpdateCartItemCommand
	svc := &stubCartService{
		updateFn: func(_ context.Context, cmd services.UpdateCartItemCommand) (services.CartItem, error) {
			captured = cmd
			return services.CartItem{}, &services.NotFoundError{Kind: "cart_item", ID: cmd.ProductID}
		},
	}
	router := newCartRouter(customer("user-1"), svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPatch, "/api/v1/cart/items/prod_z", bytes.NewBufferString(`{"quantity":4}`)))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if captured.ProductID != "prod_z" || captured.Quantity != 4 {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestCartHandlersRemoveItem(t *testing.T) {
	var removed string
	svc := &stubCartService{
		removeFn: func(_ context.Context, userID, productID string) error {
			removed = userID + "/" + productID
			return nil
		},
	}
	router := newCartRouter(customer("user-1"), svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/v1/cart/items/prod_a", nil))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if removed != "user-1/prod_a" {
		t.Fatalf("unexpected removal %q", removed)
	}
}

func TestCartHandlersRequireIdentity(t *testing.T) {
	router := newCartRouter(nil, &stubCartService{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/cart/items", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
