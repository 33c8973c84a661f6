package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsRecorder fulfills MetricsRecorder for deployments that
// scrape metrics. One histogram tracks operation latency, one counter tracks
// outcomes; both are labeled by operation and status.
type PrometheusMetricsRecorder struct {
	latency    *prometheus.HistogramVec
	operations *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the curation metrics with the given
// registerer. Pass prometheus.DefaultRegisterer in production; tests use a
// fresh registry to avoid duplicate registration.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) *PrometheusMetricsRecorder {
	factory := promauto.With(reg)
	return &PrometheusMetricsRecorder{
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cascore",
			Subsystem: "service",
			Name:      "operation_latency_seconds",
			Help:      "Curation service operation latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		}, []string{"operation", "status"}),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascore",
			Subsystem: "service",
			Name:      "operations_total",
			Help:      "Total curation service operations by outcome",
		}, []string{"operation", "status"}),
	}
}

// Observe records a service operation outcome.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.latency.WithLabelValues(operation, status).Observe(duration.Seconds())
	r.operations.WithLabelValues(operation, status).Inc()
}

var _ MetricsRecorder = (*PrometheusMetricsRecorder)(nil)
