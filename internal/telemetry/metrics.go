// Package telemetry holds the Prometheus metrics registry exposed over
// the ops API's /metrics endpoint.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds every metric the mirror exposes.
type Registry struct {
	QueueDepth      prometheus.Gauge
	FlushLatency    prometheus.Histogram
	RowsWritten     prometheus.Counter
	FlushErrors     prometheus.Counter
	GapsDetected    *prometheus.CounterVec
	GapsRepaired    *prometheus.CounterVec
	AnomaliesFound  *prometheus.CounterVec
	FreshnessAgeMS  *prometheus.GaugeVec
	AdapterRequests *prometheus.CounterVec
	AdapterErrors   *prometheus.CounterVec
}

// NewRegistry builds and registers every metric with the default
// Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinemirror_store_queue_depth",
			Help: "Pending batches in the kline store's ingest channel.",
		}),
		FlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klinemirror_store_flush_seconds",
			Help:    "Duration of each kline store batch flush.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinemirror_store_rows_written_total",
			Help: "Total candle rows persisted via upsert.",
		}),
		FlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinemirror_store_flush_errors_total",
			Help: "Total failed batch flushes.",
		}),
		GapsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinemirror_gaps_detected_total",
			Help: "Timestamp/price gaps detected, by severity.",
		}, []string{"severity", "kind"}),
		GapsRepaired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinemirror_gaps_repaired_total",
			Help: "Gaps successfully backfilled, by severity.",
		}, []string{"severity", "kind"}),
		AnomaliesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinemirror_anomalies_total",
			Help: "Quality monitor anomalies, by kind.",
		}, []string{"kind"}),
		FreshnessAgeMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "klinemirror_freshness_age_ms",
			Help: "Milliseconds between now and the newest stored candle, per symbol/interval.",
		}, []string{"symbol", "interval"}),
		AdapterRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinemirror_adapter_requests_total",
			Help: "Exchange adapter requests, by candidate endpoint and outcome.",
		}, []string{"candidate", "outcome"}),
		AdapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinemirror_adapter_errors_total",
			Help: "Exchange adapter errors, by candidate endpoint.",
		}, []string{"candidate"}),
	}

	prometheus.MustRegister(
		r.QueueDepth, r.FlushLatency, r.RowsWritten, r.FlushErrors,
		r.GapsDetected, r.GapsRepaired, r.AnomaliesFound, r.FreshnessAgeMS,
		r.AdapterRequests, r.AdapterErrors,
	)

	log.Info().Msg("prometheus metrics registry initialized")
	return r
}

// Handler returns the standard Prometheus scrape handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
