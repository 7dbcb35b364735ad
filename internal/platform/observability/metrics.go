package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "order_engine"

// Metrics holds the Prometheus collectors for the HTTP surface and the order engine workers.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	orderOps      *prometheus.CounterVec
	orderLatency  *prometheus.HistogramVec
	reservations  *prometheus.CounterVec
	sweepOutcomes *prometheus.CounterVec
	sweepRuns     prometheus.Counter
	outboxEvents  *prometheus.CounterVec
}

// NewMetrics registers every collector on a dedicated registry together with the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		orderOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "order_operations_total",
			Help:      "Order lifecycle operations by outcome.",
		}, []string{"operation", "outcome"}),
		orderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "order_operation_duration_seconds",
			Help:      "Latency of order lifecycle operations including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stock_reservations_total",
			Help:      "Conditional stock decrements and releases by outcome.",
		}, []string{"outcome"}),
		sweepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "expired_orders_total",
			Help:      "Pending orders handled by the expiration sweeper.",
		}, []string{"result"}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "expiration_sweeps_total",
			Help:      "Completed expiration sweeps.",
		}),
		outboxEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "outbox_events_total",
			Help:      "Outbox events relayed to the event transport.",
		}, []string{"result"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpLatency,
		m.orderOps,
		m.orderLatency,
		m.reservations,
		m.sweepOutcomes,
		m.sweepRuns,
		m.outboxEvents,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveOrderOperation records one order service call.
func (m *Metrics) ObserveOrderOperation(operation, outcome string, d time.Duration) {
	m.orderOps.WithLabelValues(operation, outcome).Inc()
	m.orderLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveStockReservation records a stock decrement attempt or release.
func (m *Metrics) ObserveStockReservation(outcome string) {
	m.reservations.WithLabelValues(outcome).Inc()
}

// ObserveSweep records the totals of one expiration sweep.
func (m *Metrics) ObserveSweep(cancelled, skipped, failed int) {
	m.sweepRuns.Inc()
	m.sweepOutcomes.WithLabelValues("cancelled").Add(float64(cancelled))
	m.sweepOutcomes.WithLabelValues("skipped").Add(float64(skipped))
	m.sweepOutcomes.WithLabelValues("failed").Add(float64(failed))
}

// ObserveOutboxRelay records the totals of one relay pass.
func (m *Metrics) ObserveOutboxRelay(sent, failed int) {
	m.outboxEvents.WithLabelValues("sent").Add(float64(sent))
	m.outboxEvents.WithLabelValues("failed").Add(float64(failed))
}

// HTTPMiddleware counts requests and observes latency per chi route pattern.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		// The route pattern is only complete once chi has finished routing.
		route := SanitizeRoute(routePattern(r))
		method := SanitizeMethod(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusOf(ww))).Inc()
		m.httpLatency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}
