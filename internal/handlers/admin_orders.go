package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/finitefield/order-engine/internal/platform/auth"
	"github.com/finitefield/order-engine/internal/platform/httpx"
	"github.com/finitefield/order-engine/internal/services"
)

const defaultSweepCutoff = 24 * time.Hour

type transitionFunc func(ctx context.Context, cmd services.OrderTransitionCommand) (services.Order, error)

// AdminOrderHandlers exposes fulfilment transitions and the manual expiration sweep to staff.
type AdminOrderHandlers struct {
	authn   *auth.Authenticator
	orders  services.OrderService
	sweeper services.OrderExpirationSweeper
	cutoff  time.Duration
}

// AdminOrderOption customises AdminOrderHandlers.
type AdminOrderOption func(*AdminOrderHandlers)

// WithSweepCutoff sets the age used by the manual sweep when the request names none.
func WithSweepCutoff(cutoff time.Duration) AdminOrderOption {
	return func(h *AdminOrderHandlers) {
		if cutoff > 0 {
			h.cutoff = cutoff
		}
	}
}

func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, sweeper services.OrderExpirationSweeper, opts ...AdminOrderOption) *AdminOrderHandlers {
	h := &AdminOrderHandlers{
		authn:   authn,
		orders:  orders,
		sweeper: sweeper,
		cutoff:  defaultSweepCutoff,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /admin endpoints. Every route requires the staff or admin role.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Get("/orders/{orderID}/history", h.listHistory)
	r.Post("/orders:sweep-expired", h.sweepExpired)

	for action, fn := range map[string]transitionFunc{
		"confirm": h.orders.Confirm,
		"process": h.orders.Process,
		"ship":    h.orders.Ship,
		"deliver": h.orders.Deliver,
		"cancel":  h.orders.Cancel,
		"return":  h.orders.MarkReturned,
		"refund":  h.orders.MarkRefunded,
	} {
		r.Post("/orders/{orderID}:"+action, h.transition(fn))
	}
}

type transitionRequest struct {
	Reason string `json:"reason"`
}

type sweepRequest struct {
	Cutoff string `json:"cutoff"`
}

type sweepResponse struct {
	Cutoff    string `json:"cutoff"`
	Scanned   int    `json:"scanned"`
	Cancelled int    `json:"cancelled"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter, ok := parseOrderListFilter(w, r)
	if !ok {
		return
	}
	filter.CustomerID = strings.TrimSpace(r.URL.Query().Get("customer_id"))

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderList(page))
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) listHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := h.orders.ListHistory(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildHistoryResponse(entries))
}

func (h *AdminOrderHandlers) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		identity, ok := requireIdentity(ctx, w)
		if !ok {
			return
		}
		var req transitionRequest
		if err := decodeJSONBody(r, maxCancelBodySize, &req, true); err != nil {
			writeBodyError(ctx, w, err)
			return
		}

		order, err := fn(ctx, services.OrderTransitionCommand{
			OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
			ActorID: identity.ActorID(),
			Reason:  req.Reason,
		})
		if err != nil {
			writeServiceError(ctx, w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
	}
}

func (h *AdminOrderHandlers) sweepExpired(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweeper_unavailable", "expiration sweeper is not configured", http.StatusServiceUnavailable))
		return
	}
	var req sweepRequest
	if err := decodeJSONBody(r, maxCancelBodySize, &req, true); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cutoff := h.cutoff
	if raw := strings.TrimSpace(req.Cutoff); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "cutoff must be a positive duration such as 24h", http.StatusBadRequest))
			return
		}
		cutoff = parsed
	}

	result, err := h.sweeper.SweepExpired(ctx, cutoff)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sweepResponse{
		Cutoff:    cutoff.String(),
		Scanned:   result.Scanned,
		Cancelled: result.Cancelled,
		Skipped:   result.Skipped,
		Failed:    result.Failed,
	})
}
