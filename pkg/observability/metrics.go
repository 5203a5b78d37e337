package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec
	WebhookDuration    *prometheus.HistogramVec

	// Billing metrics
	ReconcileTotal        *prometheus.CounterVec
	ProviderRequestsTotal *prometheus.CounterVec
	SweeperRunsTotal      *prometheus.CounterVec

	// Credit metrics
	CreditDeductionsTotal *prometheus.CounterVec
	CreditGrantsTotal     *prometheus.CounterVec

	// Infrastructure
	PlanCatalogReloadsTotal  *prometheus.CounterVec
	RateLimitRejectionsTotal *prometheus.CounterVec
	DBConnectionsOpen        prometheus.Gauge
	DBConnectionsInUse       prometheus.Gauge
	DBConnectionsWaitCount   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logoforge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "logoforge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logoforge_webhook_events_total",
				Help: "Provider webhook deliveries by event type and outcome",
			},
			[]string{"type", "outcome"},
		),
		WebhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "logoforge_webhook_duration_seconds",
				Help:    "Webhook processing duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"type"},
		),

		ReconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logoforge_reconcile_total",
				Help: "Subscription reconciliations by outcome",
			},
			[]string{"outcome"},
		),
		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logoforge_provider_requests_total",
				Help: "Payment provider API calls by operation and status",
			},
			[]string{"operation", "status"},
		),
		SweeperRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logoforge_sweeper_items_total",
				Help: "Subscriptions re-synced by the sweeper, by result",
			},
			[]string{"result"},
		),

		CreditDeductionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logoforge_credit_deductions_total",
				Help: "Credit deductions by operation and result",
			},
			[]string{"operation", "result"},
		),
		CreditGrantsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logoforge_credit_grants_total",
				Help: "Credit grants by reason and result",
			},
			[]string{"reason", "result"},
		),

		PlanCatalogReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logoforge_plan_catalog_reloads_total",
				Help: "Plan catalog reload attempts by status",
			},
			[]string{"status"},
		),
		RateLimitRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logoforge_ratelimit_rejections_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"limiter"},
		),
		DBConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logoforge_db_connections_open",
			Help: "Open database connections",
		}),
		DBConnectionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logoforge_db_connections_in_use",
			Help: "Database connections currently in use",
		}),
		DBConnectionsWaitCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logoforge_db_connections_wait_count",
			Help: "Total number of connections waited for",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.WebhookDuration,
		m.ReconcileTotal,
		m.ProviderRequestsTotal,
		m.SweeperRunsTotal,
		m.CreditDeductionsTotal,
		m.CreditGrantsTotal,
		m.PlanCatalogReloadsTotal,
		m.RateLimitRejectionsTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsWaitCount,
	)

	return m
}

// RecordDBStats copies pool statistics into the gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. The route label uses the
// mux path template so per-user paths do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
