package core

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder receives one observation per ledger operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

// PrometheusMetricsRecorder exports operation latency, results and anchor
// warnings as Prometheus collectors.
type PrometheusMetricsRecorder struct {
	durations      *prometheus.HistogramVec
	results        *prometheus.CounterVec
	anchorWarnings prometheus.Counter
}

// NewPrometheusMetricsRecorder registers the ledger collectors with reg.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	r := &PrometheusMetricsRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "custody",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Latency of custody ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Custody ledger operations by result.",
		}, []string{"operation", "result"}),
		anchorWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "custody",
			Subsystem: "ledger",
			Name:      "anchor_warnings_total",
			Help:      "Anchor writes that failed after the local commit.",
		}),
	}
	for _, c := range []prometheus.Collector{r.durations, r.results, r.anchorWarnings} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	result := "success"
	if !success {
		result = "error"
		if strings.HasPrefix(operation, "anchor_") {
			r.anchorWarnings.Inc()
		}
	}
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
	r.results.WithLabelValues(operation, result).Inc()
}
