// Package monitoring exposes Prometheus metrics for the engine.
package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	tradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trades_opened_total",
		Help: "Trades opened, by trading mode",
	}, []string{"mode"})

	tradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trades_closed_total",
		Help: "Trades closed, by exit reason",
	}, []string{"exit_reason"})

	signalRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_signal_rejections_total",
		Help: "Entry signals rejected, by filter stage",
	}, []string{"stage"})

	marketDataFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_market_data_fetch_errors_total",
		Help: "Market data fetch failures, by source tier",
	}, []string{"tier"})

	marketDataFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_market_data_fetch_duration_seconds",
		Help:    "Live market data fetch latency",
		Buckets: prometheus.DefBuckets,
	})

	streamLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_stream_leader",
		Help: "1 when this instance holds the price stream leader lease",
	})

	streamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_stream_reconnects_total",
		Help: "Price stream reconnect attempts",
	})

	peakUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_peak_updates_total",
		Help: "Position peak updates recorded",
	})

	openPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_open_positions",
		Help: "Open positions currently tracked",
	})

	tickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_tick_duration_seconds",
		Help:    "Orchestrator tick duration, by loop",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30},
	}, []string{"loop"})
)

// RecordTradeOpened increments the opened-trade counter.
func RecordTradeOpened(mode string) {
	tradesOpened.WithLabelValues(mode).Inc()
}

// RecordTradeClosed increments the closed-trade counter for an exit reason.
func RecordTradeClosed(exitReason string) {
	tradesClosed.WithLabelValues(exitReason).Inc()
}

// RecordSignalRejection increments the rejection counter for a filter stage.
func RecordSignalRejection(stage string) {
	signalRejections.WithLabelValues(stage).Inc()
}

// RecordFetchError increments the fetch-error counter for a cache tier.
func RecordFetchError(tier string) {
	marketDataFetchErrors.WithLabelValues(tier).Inc()
}

// ObserveFetchDuration records a live fetch latency.
func ObserveFetchDuration(d time.Duration) {
	marketDataFetchDuration.Observe(d.Seconds())
}

// SetStreamLeader records whether this instance is the stream leader.
func SetStreamLeader(leader bool) {
	if leader {
		streamLeader.Set(1)
	} else {
		streamLeader.Set(0)
	}
}

// RecordStreamReconnect increments the reconnect counter.
func RecordStreamReconnect() {
	streamReconnects.Inc()
}

// RecordPeakUpdate increments the peak-update counter.
func RecordPeakUpdate() {
	peakUpdates.Inc()
}

// SetOpenPositions records the tracked position count.
func SetOpenPositions(n int) {
	openPositions.Set(float64(n))
}

// ObserveTickDuration records one orchestrator loop pass.
func ObserveTickDuration(loop string, d time.Duration) {
	tickDuration.WithLabelValues(loop).Observe(d.Seconds())
}

// Server serves the /metrics endpoint.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer builds the metrics HTTP server.
func NewServer(address string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv:    &http.Server{Addr: address, Handler: mux},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start serves metrics in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("address", s.srv.Addr).Msg("Metrics server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// Stop shuts the metrics server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
