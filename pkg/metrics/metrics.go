// Package metrics exposes the daemon's Prometheus metrics: transaction
// counters and durations, retry and conflict telemetry, journal write
// latency, the component-health HTTP handlers, and a small Timer
// helper for observing operation durations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransactionsTotal counts terminal transactions by type and
	// terminal state (completed/error/cancelled).
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chefd_transactions_total",
			Help: "Total number of transactions reaching a terminal state, by type and terminal state",
		},
		[]string{"type", "terminal_state"},
	)

	// TransactionDuration measures wall time from creation to terminal
	// state, by type.
	TransactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chefd_transaction_duration_seconds",
			Help:    "Transaction duration in seconds from creation to terminal state, by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// RetryCount observes the number of download-retry cycles a
	// transaction needed before leaving the download/verify phase.
	RetryCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chefd_download_retry_count",
			Help:    "Number of download-retry cycles per transaction before success or failure",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 6},
		},
	)

	// ConflictsTotal counts submissions rejected by the (publisher,
	// package) conflict-exclusion admission check.
	ConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chefd_conflicts_total",
			Help: "Total number of submissions rejected for conflicting with an in-flight transaction on the same publisher/package",
		},
	)

	// JournalWriteLatency measures the time to durably persist a
	// transaction record update.
	JournalWriteLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chefd_journal_write_latency_seconds",
			Help:    "Time taken to durably persist a transaction record update",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ActiveTransactions reports the current count of live (non-terminal)
	// transactions, by type.
	ActiveTransactions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chefd_active_transactions",
			Help: "Current number of live (non-terminal) transactions, by type",
		},
		[]string{"type"},
	)

	// DependencyWaitTimeouts counts dependency waits that exceeded the
	// configured maximum.
	DependencyWaitTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chefd_dependency_wait_timeouts_total",
			Help: "Total number of dependency waits that exceeded the configured maximum",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TransactionsTotal,
		TransactionDuration,
		RetryCount,
		ConflictsTotal,
		JournalWriteLatency,
		ActiveTransactions,
		DependencyWaitTimeouts,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
