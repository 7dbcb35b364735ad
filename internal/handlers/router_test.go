package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/finitefield/order-engine/internal/domain"
	"github.com/finitefield/order-engine/internal/services"
)

func serve(router http.Handler, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	return body["error"]
}

func TestNewRouterServesProbesAndPlaceholders(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	health := NewHealthHandlers(
		WithHealthSystemService(&stubSystemService{report: services.SystemHealthReport{
			Status:      domain.HealthStatusOK,
			GeneratedAt: now,
			Checks:      map[string]domain.SystemHealthCheck{"database": {Status: domain.HealthStatusOK}},
		}}),
		WithHealthClock(func() time.Time { return now }),
	)
	router := NewRouter(WithHealthHandlers(health))

	cases := []struct {
		path   string
		status int
		code   string
	}{
		{path: "/healthz", status: http.StatusOK},
		{path: "/readyz", status: http.StatusOK},
		{path: "/metrics", status: http.StatusNotFound, code: "route_not_found"},
		{path: "/api/v1/cart", status: http.StatusNotImplemented, code: "not_implemented"},
		{path: "/api/v1/orders/ord_1", status: http.StatusNotImplemented, code: "not_implemented"},
		{path: "/api/v1/admin/orders", status: http.StatusNotImplemented, code: "not_implemented"},
		{path: "/nope", status: http.StatusNotFound, code: "route_not_found"},
	}
	for _, tc := range cases {
		rr := serve(router, http.MethodGet, tc.path)
		if rr.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.path, tc.status, rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("%s: expected JSON content type, got %q", tc.path, ct)
		}
		if tc.code != "" {
			if got := errorCode(t, rr); got != tc.code {
				t.Fatalf("%s: expected error %q, got %v", tc.path, tc.code, got)
			}
		}
	}
}

func TestNewRouterMountsRegistrarsAndMetrics(t *testing.T) {
	registrar := func(r chi.Router) {
		r.Get("/items", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("order_engine_sweep_runs_total 0\n"))
	})
	router := NewRouter(WithCartRoutes(registrar), WithMetricsHandler(metrics))

	if rr := serve(router, http.MethodGet, "/api/v1/cart/items"); rr.Code != http.StatusNoContent {
		t.Fatalf("expected registrar route, got %d", rr.Code)
	}
	if rr := serve(router, http.MethodGet, "/metrics"); rr.Code != http.StatusOK || rr.Body.Len() == 0 {
		t.Fatalf("expected metrics exposition, got %d", rr.Code)
	}
	if rr := serve(router, http.MethodDelete, "/healthz"); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestNewRouterRunsGlobalMiddleware(t *testing.T) {
	tag := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Test-Middleware", "applied")
			next.ServeHTTP(w, r)
		})
	}
	rr := serve(NewRouter(WithMiddlewares(tag)), http.MethodGet, "/healthz")
	if rr.Header().Get("X-Test-Middleware") != "applied" {
		t.Fatal("expected global middleware to run")
	}
}
