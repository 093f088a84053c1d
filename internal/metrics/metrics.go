// Package metrics provides Prometheus instrumentation for the perpetual
// engine.
package metrics

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// EventsTotal counts committed engine events by market and type.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_events_total",
		Help: "Committed engine events",
	}, []string{"market", "type"})

	// TradeLatency tracks trade execution latency by operation.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// Rejections counts rejected calls by operation and error kind.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_rejections_total",
		Help: "Rejected engine calls by error kind",
	}, []string{"op", "kind"})

	// Liquidations counts executed liquidations.
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Positions liquidated",
	}, []string{"market"})

	// MarkPrice is the vAMM mark price after the last commit.
	MarkPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_mark_price",
		Help: "vAMM mark price",
	}, []string{"market"})

	// IndexPrice is the oracle price seen at the last funding update.
	IndexPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_index_price",
		Help: "Oracle index price at the last funding update",
	}, []string{"market"})

	// FundingRate is the signed hourly funding rate.
	FundingRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_funding_rate",
		Help: "Signed hourly funding rate",
	}, []string{"market"})

	// OpenInterest tracks open interest in base units by side.
	OpenInterest = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_open_interest",
		Help: "Open interest in base units",
	}, []string{"market", "side"})

	// VaultBalance tracks the vault sinks.
	VaultBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_vault_balance",
		Help: "Vault balances by pool",
	}, []string{"market", "pool"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Listener updates market gauges and event counters from engine commits.
type Listener struct{}

// OnCommit records one commit.
func (Listener) OnCommit(_ context.Context, c model.Changes) {
	sym := c.Market.Symbol
	for _, ev := range c.Events {
		EventsTotal.WithLabelValues(sym, string(ev.Type)).Inc()
		if ev.Type == model.EventPositionLiquidated {
			Liquidations.WithLabelValues(sym).Inc()
		}
	}

	if c.Market.BaseReserve.IsPositive() {
		MarkPrice.WithLabelValues(sym).Set(c.Market.QuoteReserve.Div(c.Market.BaseReserve).InexactFloat64())
	}
	if c.Funding.LastIndexPrice.IsPositive() {
		IndexPrice.WithLabelValues(sym).Set(c.Funding.LastIndexPrice.InexactFloat64())
	}
	FundingRate.WithLabelValues(sym).Set(c.Funding.Rate.InexactFloat64())
	OpenInterest.WithLabelValues(sym, "long").Set(c.Market.OpenInterestLong.InexactFloat64())
	OpenInterest.WithLabelValues(sym, "short").Set(c.Market.OpenInterestShort.InexactFloat64())
	VaultBalance.WithLabelValues(sym, "insurance").Set(c.Vault.InsuranceFund.InexactFloat64())
	VaultBalance.WithLabelValues(sym, "fees").Set(c.Vault.FeePool.InexactFloat64())
	VaultBalance.WithLabelValues(sym, "funding").Set(c.Vault.FundingPool.InexactFloat64())
	VaultBalance.WithLabelValues(sym, "bad_debt").Set(c.Vault.BadDebt.InexactFloat64())
}

// ObserveTrade records the latency of op since start.
func ObserveTrade(op string, start time.Time) {
	TradeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
