package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vault_keeper_build_info",
			Help: "Build information of the vault keeper",
		},
		[]string{"version", "commit", "date"},
	)

	State = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vault_keeper_state",
			Help: "Current orchestrator state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_keeper_cycles_total",
			Help: "Total number of keeper cycles by outcome",
		},
		[]string{"status"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vault_keeper_cycle_duration_seconds",
			Help:    "Duration of keeper cycles",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		},
	)

	StepFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_keeper_step_failures_total",
			Help: "Total number of cycle step failures by step and classified kind",
		},
		[]string{"step", "kind"},
	)

	ConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_keeper_consecutive_failures",
			Help: "Current number of consecutive failed cycles",
		},
	)

	AlertActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_keeper_alert_active",
			Help: "1 while the consecutive failure alert condition holds",
		},
	)

	HarvestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vault_keeper_harvested_amount_total",
			Help: "Total withheld fee amount harvested, in base units of the taxed token",
		},
	)

	SwappedOutTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vault_keeper_swapped_out_amount_total",
			Help: "Total reward token amount received from swaps, in base units",
		},
	)

	DistributedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vault_keeper_distributed_amount_total",
			Help: "Total reward token amount distributed to holders, in base units",
		},
	)

	OwnerPaidTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vault_keeper_owner_paid_amount_total",
			Help: "Total reward token amount paid to the vault owner or treasury, in base units",
		},
	)

	PreflightChecks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vault_keeper_preflight_check",
			Help: "Result of the last preflight run per check (1 for the reported status)",
		},
		[]string{"check", "status"},
	)

	LedgerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_keeper_ledger_requests_total",
			Help: "Total number of ledger RPC requests",
		},
		[]string{"method", "status"},
	)

	ConfirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_keeper_confirmations_total",
			Help: "Total number of transaction confirmation waits by outcome",
		},
		[]string{"outcome"},
	)

	SwapRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_keeper_swap_requests_total",
			Help: "Total number of swap aggregator requests",
		},
		[]string{"endpoint", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_keeper_http_requests_total",
			Help: "Total number of HTTP requests to the status server",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vault_keeper_http_request_duration_seconds",
			Help:    "Duration of HTTP requests to the status server",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
