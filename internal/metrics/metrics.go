// Package metrics defines the Prometheus collectors of the inbound pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups every pipeline metric. A nil *Collectors is valid and records nothing.
type Collectors struct {
	pollRuns        prometheus.Counter
	fetched         *prometheus.CounterVec
	newMessages     *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	pollErrors      *prometheus.CounterVec
	pollDuration    prometheus.Histogram
	processed       *prometheus.CounterVec
	failures        *prometheus.CounterVec
	assignments     *prometheus.CounterVec
	rebalanceMoved  prometheus.Counter
	pendingMessages *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		pollRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "inbound_poll_runs_total",
			Help: "Total number of mailbox poll cycles",
		}),
		fetched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbound_messages_fetched_total",
			Help: "Messages listed and fetched from remote mailboxes",
		}, []string{"account"}),
		newMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbound_messages_new_total",
			Help: "Fetched messages stored for processing",
		}, []string{"account"}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbound_messages_duplicate_total",
			Help: "Fetched messages skipped as already stored",
		}, []string{"account"}),
		pollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbound_poll_errors_total",
			Help: "Errors raised while polling an account",
		}, []string{"account"}),
		pollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "inbound_poll_duration_seconds",
			Help:    "Duration of one account poll",
			Buckets: prometheus.DefBuckets,
		}),
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbound_processing_total",
			Help: "Messages processed by resulting action",
		}, []string{"action"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbound_processing_failures_total",
			Help: "Processing failures by kind",
		}, []string{"kind"}),
		assignments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbound_assignments_total",
			Help: "Assignment attempts by strategy and result",
		}, []string{"strategy", "result"}),
		rebalanceMoved: f.NewCounter(prometheus.CounterOpts{
			Name: "inbound_rebalance_moved_total",
			Help: "Tickets moved by rebalancing",
		}),
		pendingMessages: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inbound_messages",
			Help: "Stored messages by status",
		}, []string{"status"}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// PollRun marks the start of a poll cycle.
func (c *Collectors) PollRun() {
	if c == nil {
		return
	}
	c.pollRuns.Inc()
}

// AccountPolled records one account's poll outcome.
func (c *Collectors) AccountPolled(account string, fetched, stored, duplicates, errs int, took time.Duration) {
	if c == nil {
		return
	}
	c.fetched.WithLabelValues(account).Add(float64(fetched))
	c.newMessages.WithLabelValues(account).Add(float64(stored))
	c.duplicates.WithLabelValues(account).Add(float64(duplicates))
	c.pollErrors.WithLabelValues(account).Add(float64(errs))
	c.pollDuration.Observe(took.Seconds())
}

// Processed counts a message finished with action.
func (c *Collectors) Processed(action string) {
	if c == nil {
		return
	}
	c.processed.WithLabelValues(action).Inc()
}

// Failed counts a processing failure of kind (retryable or terminal).
func (c *Collectors) Failed(kind string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(kind).Inc()
}

// Assignment counts one assignment attempt.
func (c *Collectors) Assignment(strategy, result string) {
	if c == nil {
		return
	}
	c.assignments.WithLabelValues(strategy, result).Inc()
}

// Rebalanced counts moved tickets.
func (c *Collectors) Rebalanced(moved int) {
	if c == nil {
		return
	}
	c.rebalanceMoved.Add(float64(moved))
}

// MessageCounts sets the per-status gauge.
func (c *Collectors) MessageCounts(counts map[string]int) {
	if c == nil {
		return
	}
	for status, n := range counts {
		c.pendingMessages.WithLabelValues(status).Set(float64(n))
	}
}
