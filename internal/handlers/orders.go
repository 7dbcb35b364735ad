package handlers

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/finitefield/order-engine/internal/domain"
	"github.com/finitefield/order-engine/internal/platform/auth"
	"github.com/finitefield/order-engine/internal/platform/httpx"
	"github.com/finitefield/order-engine/internal/platform/pagination"
	"github.com/finitefield/order-engine/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 16 * 1024
	maxCancelBodySize    = 4 * 1024

	defaultCheckoutLimit  = 10
	defaultCheckoutWindow = time.Minute
)

// Customers may only withdraw orders that have not entered fulfilment.
var customerCancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusConfirmed,
}

// OrderHandlers exposes the authenticated customer's checkout and order endpoints.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	limiter  checkoutLimiter
	createMW []func(http.Handler) http.Handler
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithCheckoutMiddlewares wraps only POST /orders, after authentication. Used for idempotency.
func WithCheckoutMiddlewares(mw ...func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.createMW = append(h.createMW, mw...)
	}
}

// WithCheckoutRateLimit caps checkouts per customer within window. A non-positive limit disables it.
func WithCheckoutRateLimit(limit int, window time.Duration, clock func() time.Time) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.limiter = newCheckoutLimiter(limit, window, clock)
	}
}

func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:   authn,
		orders:  orders,
		limiter: newCheckoutLimiter(defaultCheckoutLimit, defaultCheckoutWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	checkout := append([]func(http.Handler) http.Handler{h.rateLimit}, h.createMW...)
	r.With(checkout...).Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/history", h.listHistory)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Patch("/{orderID}/address", h.updateAddress)
}

type createOrderRequest struct {
	Delivery deliveryPayload `json:"delivery"`
	Notes    string          `json:"notes"`
	Currency string          `json:"currency"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// rateLimit runs before idempotency so a throttled attempt is never stored as the key's response.
func (h *OrderHandlers) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFromContext(r.Context())
		if h.limiter != nil && ok {
			if admitted, wait := h.limiter.Admit(identity.UID); !admitted {
				w.Header().Set("Retry-After", retryAfterSeconds(wait))
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many checkout attempts; retry later", http.StatusTooManyRequests))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req createOrderRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.CreateFromCart(ctx, services.CreateOrderFromCartCommand{
		CustomerID: identity.UID,
		Delivery:   req.Delivery.toDomain(),
		Notes:      req.Notes,
		Currency:   req.Currency,
		ActorID:    identity.ActorID(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Location", apiPrefix+"/orders/"+order.ID)
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	filter, ok := parseOrderListFilter(w, r)
	if !ok {
		return
	}
	filter.CustomerID = identity.UID

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderList(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	order, ok := h.loadOwnedOrder(w, r, identity)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	order, ok := h.loadOwnedOrder(w, r, identity)
	if !ok {
		return
	}
	entries, err := h.orders.ListHistory(ctx, order.ID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildHistoryResponse(entries))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req cancelOrderRequest
	if err := decodeJSONBody(r, maxCancelBodySize, &req, true); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, ok := h.loadOwnedOrder(w, r, identity)
	if !ok {
		return
	}
	if !slices.Contains(customerCancellableStatuses, order.Status) {
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", "order can no longer be cancelled by the customer", http.StatusConflict).
			WithDetail("status", string(order.Status)))
		return
	}

	// The status may move between the read above and the cancel; the service rechecks the
	// customer window against the row it locks.
	cancelled, err := h.orders.Cancel(ctx, services.OrderTransitionCommand{
		OrderID:     order.ID,
		ActorID:     identity.ActorID(),
		Reason:      req.Reason,
		AllowedFrom: customerCancellableStatuses,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

func (h *OrderHandlers) updateAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req deliveryPayload
	if err := decodeJSONBody(r, maxOrderBodySize, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, ok := h.loadOwnedOrder(w, r, identity)
	if !ok {
		return
	}
	updated, err := h.orders.UpdateAddress(ctx, services.UpdateOrderAddressCommand{
		OrderID:  order.ID,
		Delivery: req.toDomain(),
		ActorID:  identity.ActorID(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated)})
}

// loadOwnedOrder fetches the order named in the path. Orders of other customers are reported as missing.
func (h *OrderHandlers) loadOwnedOrder(w http.ResponseWriter, r *http.Request, identity *auth.Identity) (services.Order, bool) {
	ctx := r.Context()
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return services.Order{}, false
	}
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return services.Order{}, false
	}
	if order.CustomerID != identity.UID && !identity.IsStaff() {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return services.Order{}, false
	}
	return order, true
}

// parseOrderListFilter reads pageSize, pageToken, status, created_after and created_before.
func parseOrderListFilter(w http.ResponseWriter, r *http.Request) (services.OrderListFilter, bool) {
	ctx := r.Context()
	params, err := pagination.FromRequest(r, pagination.Options{DefaultPageSize: defaultOrderPageSize, MaxPageSize: maxOrderPageSize})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return services.OrderListFilter{}, false
	}

	query := r.URL.Query()
	filter := services.OrderListFilter{
		Pagination: services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	}
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				filter.Status = append(filter.Status, domain.OrderStatus(part))
			}
		}
	}

	for _, bound := range []struct {
		param  string
		target **time.Time
	}{
		{param: "created_after", target: &filter.DateRange.From},
		{param: "created_before", target: &filter.DateRange.To},
	} {
		raw := strings.TrimSpace(query.Get(bound.param))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", bound.param+" must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return services.OrderListFilter{}, false
		}
		ts = ts.UTC()
		*bound.target = &ts
	}
	return filter, true
}

type addressPayload struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type deliveryPayload struct {
	Address      addressPayload `json:"address"`
	Instructions string         `json:"instructions,omitempty"`
}

func (p deliveryPayload) toDomain() domain.DeliveryInfo {
	return domain.DeliveryInfo{
		Address: domain.Address{
			Recipient:  p.Address.Recipient,
			Line1:      p.Address.Line1,
			Line2:      p.Address.Line2,
			City:       p.Address.City,
			State:      p.Address.State,
			PostalCode: p.Address.PostalCode,
			Country:    p.Address.Country,
			Phone:      p.Address.Phone,
		},
		Instructions: p.Instructions,
	}
}

func buildDeliveryPayload(info domain.DeliveryInfo) deliveryPayload {
	addr := info.Address
	return deliveryPayload{
		Address: addressPayload{
			Recipient:  addr.Recipient,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			State:      addr.State,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
			Phone:      addr.Phone,
		},
		Instructions: info.Instructions,
	}
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string          `json:"id"`
	OrderNumber string          `json:"order_number"`
	Status      string          `json:"status"`
	Currency    string          `json:"currency"`
	Total       decimal.Decimal `json:"total"`
	ItemCount   int             `json:"item_count"`
	CreatedAt   string          `json:"created_at"`
}

type orderPayload struct {
	ID           string             `json:"id"`
	OrderNumber  string             `json:"order_number"`
	CustomerID   string             `json:"customer_id"`
	Status       string             `json:"status"`
	Currency     string             `json:"currency"`
	Subtotal     decimal.Decimal    `json:"subtotal"`
	Discount     decimal.Decimal    `json:"discount"`
	Tax          decimal.Decimal    `json:"tax"`
	Shipping     decimal.Decimal    `json:"shipping"`
	Total        decimal.Decimal    `json:"total"`
	Notes        string             `json:"notes,omitempty"`
	Delivery     deliveryPayload    `json:"delivery"`
	Items        []orderItemPayload `json:"items"`
	OrderDate    string             `json:"order_date"`
	CreatedAt    string             `json:"created_at"`
	UpdatedAt    string             `json:"updated_at,omitempty"`
	ConfirmedAt  string             `json:"confirmed_at,omitempty"`
	ShippedAt    string             `json:"shipped_at,omitempty"`
	DeliveredAt  string             `json:"delivered_at,omitempty"`
	CancelledAt  string             `json:"cancelled_at,omitempty"`
	CancelReason string             `json:"cancel_reason,omitempty"`
}

type orderItemPayload struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	SKU         string          `json:"sku,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	Tax         decimal.Decimal `json:"tax"`
	Total       decimal.Decimal `json:"total"`
}

type historyResponse struct {
	Items []historyPayload `json:"items"`
}

type historyPayload struct {
	ID        string `json:"id"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status"`
	ChangedAt string `json:"changed_at"`
	ChangedBy string `json:"changed_by"`
	Reason    string `json:"reason,omitempty"`
}

func buildOrderList(page domain.CursorPage[services.Order]) orderListResponse {
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, orderSummaryPayload{
			ID:          order.ID,
			OrderNumber: order.OrderNumber,
			Status:      string(order.Status),
			Currency:    order.Currency,
			Total:       order.Total,
			ItemCount:   len(order.Items),
			CreatedAt:   formatTime(order.CreatedAt),
		})
	}
	return orderListResponse{Items: items, NextPageToken: page.NextPageToken}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:           order.ID,
		OrderNumber:  order.OrderNumber,
		CustomerID:   order.CustomerID,
		Status:       string(order.Status),
		Currency:     order.Currency,
		Subtotal:     order.Subtotal,
		Discount:     order.Discount,
		Tax:          order.Tax,
		Shipping:     order.Shipping,
		Total:        order.Total,
		Notes:        order.Notes,
		Delivery:     buildDeliveryPayload(order.Delivery),
		Items:        make([]orderItemPayload, 0, len(order.Items)),
		OrderDate:    formatTime(order.OrderDate),
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		ConfirmedAt:  formatTime(pointerTime(order.ConfirmedAt)),
		ShippedAt:    formatTime(pointerTime(order.ShippedAt)),
		DeliveredAt:  formatTime(pointerTime(order.DeliveredAt)),
		CancelledAt:  formatTime(pointerTime(order.CancelledAt)),
		CancelReason: order.CancelReason,
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			SKU:         item.SKU,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Discount:    item.Discount,
			Tax:         item.Tax,
			Total:       item.TotalPrice,
		})
	}
	return payload
}

func buildHistoryResponse(entries []services.OrderStatusHistory) historyResponse {
	items := make([]historyPayload, 0, len(entries))
	for _, entry := range entries {
		items = append(items, historyPayload{
			ID:        entry.ID,
			OldStatus: string(entry.OldStatus),
			NewStatus: string(entry.NewStatus),
			ChangedAt: formatTime(entry.ChangedAt),
			ChangedBy: entry.ChangedBy,
			Reason:    entry.Reason,
		})
	}
	return historyResponse{Items: items}
}
