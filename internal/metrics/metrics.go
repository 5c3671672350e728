// Package metrics provides Prometheus instrumentation for the ledger.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts committed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trades_total",
		Help: "Total number of committed trades",
	}, []string{"side"})

	// TradeLatency covers validate, commit and post-commit hooks.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// Rejections counts trades refused before or during commit, by reason
	// (validation, insufficient_funds, insufficient_shares, locked, or a
	// throttle reason).
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejections_total",
		Help: "Trades rejected, by reason",
	}, []string{"reason"})

	// LedgerFaults counts failed atomic commits.
	LedgerFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_faults_total",
		Help: "Failed ledger commits",
	}, []string{"op"})

	// OracleErrors counts price lookups that produced no usable price.
	OracleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_oracle_errors_total",
		Help: "Price oracle failures",
	}, []string{"caller"})

	// PartialValuations counts valuations with at least one missing price.
	PartialValuations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_partial_valuations_total",
		Help: "Valuations flagged partial because a price lookup failed",
	})

	// LeaderboardCacheHits tracks leaderboard cache effectiveness.
	LeaderboardCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_leaderboard_cache_total",
		Help: "Leaderboard cache lookups by result",
	}, []string{"result"})

	// AccountsCreated counts opened namespaces by kind.
	AccountsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_accounts_created_total",
		Help: "Accounts opened, by namespace kind",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern keeps the path label bounded: the chi route pattern when
// routing matched, a fixed label otherwise.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
