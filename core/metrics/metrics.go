package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusPanic = "panic"
)

var (
	// CallCounter counts dispatched actions by module, method and outcome.
	CallCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplyscript_calls_total",
		Help: "Total number of dispatched actions.",
	}, []string{"module", "method", "status"})

	// CallDuration measures the duration of dispatched actions.
	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simplyscript_call_duration_seconds",
		Help:    "Duration of dispatched actions in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"module", "method"})

	// InterceptorFailures counts interceptor errors and panics per chain.
	InterceptorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplyscript_interceptor_failures_total",
		Help: "Total number of interceptor errors and panics.",
	}, []string{"chain", "status"})

	// ResolutionCounter counts module and service resolutions.
	ResolutionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplyscript_resolutions_total",
		Help: "Total number of module and service resolutions.",
	}, []string{"namespace", "status"})

	// JobsDropped counts background jobs discarded because their queue was full.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplyscript_jobs_dropped_total",
		Help: "Total number of background jobs dropped on a full queue.",
	}, []string{"type"})
)

// ObserveCall records one dispatched action.
func ObserveCall(module, method, status string, seconds float64) {
	CallCounter.WithLabelValues(module, method, status).Inc()
	CallDuration.WithLabelValues(module, method).Observe(seconds)
}

// InterceptorFailed records a failed interceptor on chain.
func InterceptorFailed(chain, status string) {
	InterceptorFailures.WithLabelValues(chain, status).Inc()
}

// Resolved records a resolution attempt in namespace.
func Resolved(namespace, status string) {
	ResolutionCounter.WithLabelValues(namespace, status).Inc()
}

// JobDropped records a job of jobType discarded on a full queue.
func JobDropped(jobType string) {
	JobsDropped.WithLabelValues(jobType).Inc()
}
