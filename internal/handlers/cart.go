package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/finitefield/order-engine/internal/platform/auth"
	"github.com/finitefield/order-engine/internal/platform/httpx"
	"github.com/finitefield/order-engine/internal/services"
)

const maxCartBodySize = 4 * 1024

// CartHandlers exposes the authenticated customer's cart lines.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs handlers enforcing Firebase authentication before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/items", h.listItems)
	r.Post("/items", h.addItem)
	r.Patch("/items/{productID}", h.updateItem)
	r.Delete("/items/{productID}", h.removeItem)
}

type addCartItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type updateCartItemRequest struct {
	Quantity int `json:"quantity"`
}

type cartItemPayload struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
	AddedAt   string          `json:"added_at,omitempty"`
	UpdatedAt string          `json:"updated_at,omitempty"`
}

type cartResponse struct {
	Items    []cartItemPayload `json:"items"`
	Subtotal decimal.Decimal   `json:"subtotal"`
}

type cartItemResponse struct {
	Item cartItemPayload `json:"item"`
}

func (h *CartHandlers) listItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	items, err := h.carts.ListItems(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := cartResponse{Items: make([]cartItemPayload, 0, len(items)), Subtotal: decimal.Zero}
	for _, item := range items {
		payload := buildCartItemPayload(item)
		resp.Subtotal = resp.Subtotal.Add(payload.LineTotal)
		resp.Items = append(resp.Items, payload)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req addCartItemRequest
	if err := decodeJSONBody(r, maxCartBodySize, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	item, err := h.carts.AddItem(ctx, services.AddCartItemCommand{
		UserID:    identity.UID,
		ProductID: strings.TrimSpace(req.ProductID),
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, cartItemResponse{Item: buildCartItemPayload(item)})
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req updateCartItemRequest
	if err := decodeJSONBody(r, maxCartBodySize, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	item, err := h.carts.UpdateQuantity(ctx, services.UpdateCartItemCommand{
		UserID:    identity.UID,
		ProductID: strings.TrimSpace(chi.URLParam(r, "productID")),
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartItemResponse{Item: buildCartItemPayload(item)})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}
	if err := h.carts.RemoveItem(ctx, identity.UID, productID); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func buildCartItemPayload(item services.CartItem) cartItemPayload {
	return cartItemPayload{
		ProductID: item.ProductID,
		Quantity:  item.Quantity,
		UnitPrice: item.UnitPrice,
		LineTotal: item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))),
		AddedAt:   formatTime(item.AddedAt),
		UpdatedAt: formatTime(item.UpdatedAt),
	}
}
