package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmx",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vmx",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	lifecycleOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmx",
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "VM lifecycle operations by outcome.",
		},
		[]string{"op", "result"},
	)
	lifecycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vmx",
			Subsystem: "lifecycle",
			Name:      "operation_duration_seconds",
			Help:      "VM lifecycle operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	registryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmx",
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Registry push and pull operations by outcome.",
		},
		[]string{"op", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, lifecycleOps, lifecycleDuration, registryOps)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordLifecycle counts one lifecycle operation. err decides the result label.
func RecordLifecycle(op string, duration time.Duration, err error) {
	RegisterMetrics()
	lifecycleOps.WithLabelValues(op, resultLabel(err)).Inc()
	lifecycleDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordRegistry(op string, err error) {
	RegisterMetrics()
	registryOps.WithLabelValues(op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
