package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RPCMetrics records JSON-RPC traffic by method and error class.
type RPCMetrics struct {
	calls     *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	throttled *prometheus.CounterVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *RPCMetrics
)

// RPC returns the process-wide JSON-RPC registry.
func RPC() *RPCMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &RPCMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brm",
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "JSON-RPC calls by method and HTTP status class.",
			}, []string{"method", "class"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brm",
				Subsystem: "rpc",
				Name:      "failures_total",
				Help:      "Failed JSON-RPC calls by method and error class.",
			}, []string{"method", "error"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "brm",
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "Handler latency including the engine transaction.",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			}, []string{"method"}),
			throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brm",
				Subsystem: "rpc",
				Name:      "throttled_total",
				Help:      "Requests refused before dispatch.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(rpcRegistry.calls, rpcRegistry.failures, rpcRegistry.duration, rpcRegistry.throttled)
	})
	return rpcRegistry
}

// Observe records one dispatched call. errClass is empty on success.
func (m *RPCMetrics) Observe(method string, status int, errClass string, took time.Duration) {
	if m == nil {
		return
	}
	method = label(method)
	m.calls.WithLabelValues(method, strconv.Itoa(status/100)+"xx").Inc()
	if errClass != "" {
		m.failures.WithLabelValues(method, errClass).Inc()
	}
	m.duration.WithLabelValues(method).Observe(took.Seconds())
}

// Throttled counts a request refused for reason, e.g. "rate_limit".
func (m *RPCMetrics) Throttled(reason string) {
	if m == nil {
		return
	}
	m.throttled.WithLabelValues(label(reason)).Inc()
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
