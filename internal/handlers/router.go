package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/finitefield/order-engine/internal/platform/httpx"
)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 30 * time.Second
)

// RouteRegistrar adds one route group's endpoints.
type RouteRegistrar func(r chi.Router)

// apiGroups fixes the mount order under /api/v1.
var apiGroups = []string{"cart", "orders", "admin"}

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	metrics     http.Handler
	groups      map[string]RouteRegistrar
}

type Option func(*routerConfig)

func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithMetricsHandler serves h on GET /metrics. Without it the path is not routed.
func WithMetricsHandler(h http.Handler) Option {
	return func(cfg *routerConfig) { cfg.metrics = h }
}

func WithCartRoutes(reg RouteRegistrar) Option  { return withGroup("cart", reg) }
func WithOrderRoutes(reg RouteRegistrar) Option { return withGroup("orders", reg) }
func WithAdminRoutes(reg RouteRegistrar) Option { return withGroup("admin", reg) }

func withGroup(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.groups[name] = reg }
}

// NewRouter builds the HTTP surface: probes and metrics at the root, the API groups under /api/v1.
// A group with no registrar answers every request with 501.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{groups: make(map[string]RouteRegistrar, len(apiGroups))}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Timeout(requestTimeout))
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics)
	}

	r.Route(apiPrefix, func(api chi.Router) {
		for _, name := range apiGroups {
			reg := cfg.groups[name]
			if reg == nil {
				reg = notImplementedGroup(name)
			}
			api.Route("/"+name, reg)
		}
	})
	return r
}

func notImplementedGroup(name string) RouteRegistrar {
	return func(r chi.Router) {
		handler := func(w http.ResponseWriter, req *http.Request) {
			httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes not implemented", http.StatusNotImplemented))
		}
		r.HandleFunc("/", handler)
		r.HandleFunc("/*", handler)
		r.NotFound(handler)
		r.MethodNotAllowed(handler)
	}
}
