package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for the position tracker.
type Metrics struct {
	// Position metrics
	PoolTVL     *prometheus.GaugeVec
	UserBalance *prometheus.GaugeVec

	// Refresh metrics
	RefreshLatency prometheus.Histogram
	RefreshErrors  *prometheus.CounterVec
	Refreshes      prometheus.Counter

	// Chain metrics
	LastBlockSeen   prometheus.Gauge
	WebSocketStatus prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// New creates and registers all Prometheus metrics on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		PoolTVL: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vesis_pool_tvl",
				Help: "Total value locked per pool in the quote currency",
			},
			[]string{"pool"},
		),
		UserBalance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vesis_user_balance",
				Help: "Locked token balance per tracked user",
			},
			[]string{"pool", "user"},
		),
		RefreshLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vesis_refresh_latency_seconds",
				Help:    "Time to run a full preload/pools/positions refresh",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
		),
		RefreshErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vesis_refresh_errors_total",
				Help: "Total number of refresh failures by stage",
			},
			[]string{"stage"},
		),
		Refreshes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vesis_refreshes_total",
				Help: "Total number of completed refreshes",
			},
		),
		LastBlockSeen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vesis_last_block",
				Help: "Last block number seen from the new head subscription",
			},
		),
		WebSocketStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vesis_websocket_connected",
				Help: "WebSocket connection status (1=connected, 0=disconnected)",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.PoolTVL,
		m.UserBalance,
		m.RefreshLatency,
		m.RefreshErrors,
		m.Refreshes,
		m.LastBlockSeen,
		m.WebSocketStatus,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving /metrics and /health.
func (m *Metrics) Handler(path string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// StartServer starts the HTTP server for Prometheus metrics.
func (m *Metrics) StartServer(port int, path string) error {
	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           m.Handler(path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("Starting metrics server")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// SetPoolTVL records the TVL of a pool.
func (m *Metrics) SetPoolTVL(pool string, tvl float64) {
	m.PoolTVL.WithLabelValues(pool).Set(tvl)
}

// SetUserBalance records a user's balance in a pool.
func (m *Metrics) SetUserBalance(pool, user string, balance float64) {
	m.UserBalance.WithLabelValues(pool, user).Set(balance)
}

// RecordRefresh records a completed refresh and its duration.
func (m *Metrics) RecordRefresh(d time.Duration) {
	m.Refreshes.Inc()
	m.RefreshLatency.Observe(d.Seconds())
}

// RecordRefreshError increments the error counter for the failing stage.
func (m *Metrics) RecordRefreshError(stage string) {
	m.RefreshErrors.WithLabelValues(stage).Inc()
}

// SetWebSocketConnected sets the WebSocket connection status.
func (m *Metrics) SetWebSocketConnected(connected bool) {
	if connected {
		m.WebSocketStatus.Set(1)
	} else {
		m.WebSocketStatus.Set(0)
	}
}

// SetLastBlockSeen sets the last block number seen.
func (m *Metrics) SetLastBlockSeen(block uint64) {
	m.LastBlockSeen.Set(float64(block))
}
