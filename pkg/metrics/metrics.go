package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Number of contribution spec rows by state (available, locked, done)",
		},
		[]string{"database", "state"},
	)

	MutexAcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_mutex_acquire_duration_seconds",
			Help:    "Time spent busy-waiting to acquire the queue mutex row",
			Buckets: prometheus.DefBuckets,
		},
	)

	MutexAcquireAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_mutex_acquire_attempts_total",
			Help: "Total number of mutex acquire attempts across all workers",
		},
	)

	QueueRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_queue_operation_retries_total",
			Help: "Total number of retried queue SQL operations by operation name",
		},
		[]string{"operation"},
	)

	// Contribution metrics
	ContributionsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_contributions_submitted_total",
			Help: "Total number of file-async submissions issued to workers",
		},
	)

	ContributionsFinishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_contributions_finished_total",
			Help: "Total number of contributions that reached FINISHED",
		},
	)

	ContributionRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_contribution_retries_total",
			Help: "Total number of contribution load retries after a retryable failure",
		},
	)

	ContributionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_contribution_failures_total",
			Help: "Total number of fatal contribution failures by status",
		},
		[]string{"status"},
	)

	// Transaction metrics
	TransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_transaction_duration_seconds",
			Help:    "Time from start_transaction to close_transaction",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_transactions_total",
			Help: "Total number of super-transactions by outcome (committed, aborted)",
		},
		[]string{"outcome"},
	)

	// HTTP client metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_http_requests_total",
			Help: "Total number of HTTP requests issued to the server by method and status",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(MutexAcquireDuration)
	prometheus.MustRegister(MutexAcquireAttempts)
	prometheus.MustRegister(QueueRetriesTotal)

	prometheus.MustRegister(ContributionsSubmittedTotal)
	prometheus.MustRegister(ContributionsFinishedTotal)
	prometheus.MustRegister(ContributionRetriesTotal)
	prometheus.MustRegister(ContributionFailuresTotal)

	prometheus.MustRegister(TransactionDuration)
	prometheus.MustRegister(TransactionsTotal)

	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
