// Package metrics provides Prometheus instrumentation for the parimutuel engine.
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
	// MarketsCreated counts markets opened.
	MarketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parimutuel_markets_created_total",
		Help: "Total number of markets created",
	})

	// BetsTotal counts accepted bets, partitioned by side.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parimutuel_bets_total",
		Help: "Total number of bets placed",
	}, []string{"side"})

	// StakeVolume tracks cumulative base units staked per side.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parimutuel_stake_volume_total",
		Help: "Cumulative stake in base units",
	}, []string{"side"})

	// ResolutionsTotal counts resolved markets by outcome and by whether the
	// creator resolved before the deadline.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parimutuel_resolutions_total",
		Help: "Total number of markets resolved",
	}, []string{"outcome", "early"})

	// ClaimsTotal counts successful payout claims.
	ClaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parimutuel_claims_total",
		Help: "Total number of payouts claimed",
	})

	// PayoutVolume tracks cumulative base units paid out of escrow.
	PayoutVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parimutuel_payout_volume_total",
		Help: "Cumulative payout in base units",
	})

	// Rejections counts failed operations by stable error code.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parimutuel_rejections_total",
		Help: "Operations rejected, by operation and error code",
	}, []string{"op", "code"})

	// OperationLatency tracks ledger operation latency, including lock wait.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parimutuel_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OpenMarkets tracks markets still accepting bets, as of the last
	// refresh by the ledger's gauge loop.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parimutuel_open_markets",
		Help: "Number of markets currently accepting bets",
	})

	// ArchiveExports counts settlement snapshots written to object storage.
	// A market is exported again each time claims change its records.
	ArchiveExports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parimutuel_archive_exports_total",
		Help: "Settlement snapshots exported to the archive",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parimutuel_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parimutuel_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parimutuel_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern, not raw path: market IDs would explode
		// cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
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

// Hijack lets the WebSocket upgrader take over the connection through
// the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
