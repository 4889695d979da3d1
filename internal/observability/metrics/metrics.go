package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "kraken_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	rowsTotal      *prometheus.CounterVec
	sinkWrites     *prometheus.CounterVec
	pointsDropped  prometheus.Counter
	decodeFailures prometheus.Counter
	authRejections prometheus.Counter
)

// Init registers gateway metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total ingest requests by endpoint and result",
			},
			[]string{"endpoint", "result"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Ingest request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		)
		rowsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bulk_rows_total",
				Help: "Total bulk rows by outcome",
			},
			[]string{"outcome"},
		)
		sinkWrites = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sink_writes_total",
				Help: "Total sink writes by sink and result",
			},
			[]string{"sink", "result"},
		)
		pointsDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "points_dropped_total",
				Help: "Total time-series points dropped by value coercion",
			},
		)
		decodeFailures = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "decode_failures_total",
				Help: "Total request bodies that failed to decode",
			},
		)
		authRejections = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "auth_rejections_total",
				Help: "Total requests rejected by the account gate",
			},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestLatency,
			rowsTotal,
			sinkWrites,
			pointsDropped,
			decodeFailures,
			authRejections,
		)
	})
}

// ObserveIngest records one ingest request.
func ObserveIngest(endpoint, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(endpoint, result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
	}
}

// IncRow counts one bulk row outcome (written, or a rejection reason).
func IncRow(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if rowsTotal != nil {
		rowsTotal.WithLabelValues(outcome).Inc()
	}
}

// IncSinkWrite counts one sink write attempt.
func IncSinkWrite(sink string, err error) {
	if sinkWrites == nil {
		return
	}
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	sinkWrites.WithLabelValues(sink, result).Inc()
}

// AddPointsDropped counts time-series points dropped by coercion.
func AddPointsDropped(count int) {
	if count <= 0 || pointsDropped == nil {
		return
	}
	pointsDropped.Add(float64(count))
}

// IncDecodeFailure counts one undecodable body.
func IncDecodeFailure() {
	if decodeFailures != nil {
		decodeFailures.Inc()
	}
}

// IncAuthRejection counts one rejected credential.
func IncAuthRejection() {
	if authRejections != nil {
		authRejections.Inc()
	}
}

// Exported result constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
