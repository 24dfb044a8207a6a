package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes recorded per feed.
const (
	OutcomeAdmitted  = "admitted"
	OutcomeDuplicate = "duplicate"
	OutcomeFiltered  = "filtered"
	OutcomeMalformed = "malformed"
	OutcomeDropped   = "dropped"
)

// Metrics holds Prometheus collectors.
type Metrics struct {
	batches         *prometheus.CounterVec
	events          *prometheus.CounterVec
	clears          *prometheus.CounterVec
	entries         *prometheus.GaugeVec
	blocksProcessed *prometheus.CounterVec
	sends           *prometheus.CounterVec
	errors          prometheus.Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			batches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chain_feed_batches_total",
				Help: "Total number of event batches delivered to a feed",
			}, []string{"feed"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chain_feed_events_total",
				Help: "Total number of events seen by a feed, by outcome",
			}, []string{"feed", "outcome"}),
			clears: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chain_feed_clears_total",
				Help: "Total number of times a feed was cleared",
			}, []string{"feed"}),
			entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "chain_feed_entries",
				Help: "Number of entries currently held by a feed",
			}, []string{"feed"}),
			blocksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chain_feed_blocks_processed_total",
				Help: "Total number of blocks/rounds scanned by polled sources",
			}, []string{"source"}),
			sends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chain_feed_sink_sends_total",
				Help: "Total number of entries forwarded to sinks, by status",
			}, []string{"sink", "status"}),
			errors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "chain_feed_errors_total",
				Help: "Total number of errors encountered",
			}),
		}
		prometheus.MustRegister(
			metrics.batches,
			metrics.events,
			metrics.clears,
			metrics.entries,
			metrics.blocksProcessed,
			metrics.sends,
			metrics.errors,
		)
	})
	return metrics
}

// Batch counts one delivered batch.
func (m *Metrics) Batch(feed string) {
	if m != nil {
		m.batches.WithLabelValues(feed).Inc()
	}
}

// Events adds n events with the given outcome.
func (m *Metrics) Events(feed, outcome string, n int) {
	if m != nil && n > 0 {
		m.events.WithLabelValues(feed, outcome).Add(float64(n))
	}
}

// Cleared counts a feed clear.
func (m *Metrics) Cleared(feed string) {
	if m != nil {
		m.clears.WithLabelValues(feed).Inc()
	}
}

// Entries sets the current entry count of a feed.
func (m *Metrics) Entries(feed string, n int) {
	if m != nil {
		m.entries.WithLabelValues(feed).Set(float64(n))
	}
}

// BlocksProcessed increments the blocks processed counter for a source.
func (m *Metrics) BlocksProcessed(source string) {
	if m != nil {
		m.blocksProcessed.WithLabelValues(source).Inc()
	}
}

// Sent records a sink delivery result.
func (m *Metrics) Sent(sink string, ok bool) {
	if m == nil {
		return
	}
	status := "sent"
	if !ok {
		status = "failed"
	}
	m.sends.WithLabelValues(sink, status).Inc()
}

// Dropped records an entry skipped by a sink's rate limit.
func (m *Metrics) Dropped(sink string) {
	if m != nil {
		m.sends.WithLabelValues(sink, "dropped").Inc()
	}
}

// Errors increments the errors counter.
func (m *Metrics) Errors() {
	if m != nil {
		m.errors.Inc()
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
