package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ErrorMetrics holds retry and dead letter metrics
type ErrorMetrics struct {
	// Retry metrics
	RetryAttempts    *prometheus.CounterVec
	RetryFailures    *prometheus.CounterVec
	RetryBackoffTime *prometheus.HistogramVec

	// Dead letter metrics
	DeadLetterWritten  *prometheus.CounterVec
	DeadLetterReplayed *prometheus.CounterVec

	// Error categorization metrics
	ErrorsByCategory *prometheus.CounterVec
}

// NewErrorMetrics creates the error metrics on a registry
func NewErrorMetrics(registry *prometheus.Registry) *ErrorMetrics {
	em := &ErrorMetrics{}
	em.initMetrics()
	em.registerMetrics(registry)
	return em
}

func (em *ErrorMetrics) initMetrics() {
	em.RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts",
		},
		[]string{"component", "error_category"},
	)

	em.RetryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_failures_total",
			Help:      "Total number of operations failing after all retries",
		},
		[]string{"component", "error_category"},
	)

	em.RetryBackoffTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_backoff_seconds",
			Help:      "Backoff waited before a retry",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
		[]string{"component"},
	)

	em.DeadLetterWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_written_total",
			Help:      "Total number of works appended to the dead letter stream",
		},
		[]string{"queue"},
	)

	em.DeadLetterReplayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_replayed_total",
			Help:      "Total number of dead letter works replayed, by outcome",
		},
		[]string{"result"},
	)

	em.ErrorsByCategory = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_category_total",
			Help:      "Total number of errors by category",
		},
		[]string{"component", "category"},
	)
}

func (em *ErrorMetrics) registerMetrics(registry *prometheus.Registry) {
	registry.MustRegister(em.RetryAttempts)
	registry.MustRegister(em.RetryFailures)
	registry.MustRegister(em.RetryBackoffTime)
	registry.MustRegister(em.DeadLetterWritten)
	registry.MustRegister(em.DeadLetterReplayed)
	registry.MustRegister(em.ErrorsByCategory)
}
