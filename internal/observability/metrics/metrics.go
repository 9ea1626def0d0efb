// Package metrics exposes the pipeline's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// Metrics holds the counters shared across pipeline stages.
type Metrics struct {
	batchAccepted *prometheus.CounterVec
	batchRejected *prometheus.CounterVec
	batchIgnored  *prometheus.CounterVec
	meteredTotal  *prometheus.CounterVec

	eventsSkipped     *prometheus.CounterVec
	malformedMessages *prometheus.CounterVec
	retriesExhausted  *prometheus.CounterVec
}

// New registers the pipeline counters on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batchAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterwatch_marketplace_batch_accepted_total",
			Help: "Usage records accepted by the marketplace.",
		}, []string{"billing_provider"}),
		batchRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterwatch_marketplace_batch_rejected_total",
			Help: "Usage records rejected or left unprocessed by the marketplace.",
		}, []string{"billing_provider"}),
		batchIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterwatch_marketplace_batch_ignored_total",
			Help: "Usage aggregates ignored because they fell outside the usage window.",
		}, []string{"billing_provider"}),
		meteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterwatch_metered_total",
			Help: "Total metered usage by terminal submission outcome.",
		}, []string{"product", "metric_id", "billing_provider", "status", "error_code"}),
		eventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterwatch_host_events_skipped_total",
			Help: "Inbound host events dropped before processing.",
		}, []string{"reason"}),
		malformedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterwatch_malformed_messages_total",
			Help: "Messages dropped because they could not be decoded.",
		}, []string{"topic"}),
		retriesExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterwatch_retries_exhausted_total",
			Help: "Messages dropped after exhausting retry attempts.",
		}, []string{"topic"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.batchAccepted,
			m.batchRejected,
			m.batchIgnored,
			m.meteredTotal,
			m.eventsSkipped,
			m.malformedMessages,
			m.retriesExhausted,
		)
	}
	return m
}

func (m *Metrics) IncAccepted(provider string, n int) {
	m.batchAccepted.WithLabelValues(provider).Add(float64(n))
}

func (m *Metrics) IncRejected(provider string, n int) {
	m.batchRejected.WithLabelValues(provider).Add(float64(n))
}

func (m *Metrics) IncIgnored(provider string) {
	m.batchIgnored.WithLabelValues(provider).Inc()
}

// AddMeteredTotal records a terminal submission outcome. The amount is the
// aggregate's total value normalized by the product's billing factor.
func (m *Metrics) AddMeteredTotal(product, metricID, provider, status, errorCode string, amount float64) {
	m.meteredTotal.WithLabelValues(product, metricID, provider, status, errorCode).Add(amount)
}

func (m *Metrics) IncSkipped(reason string) {
	m.eventsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncMalformed(topic string) {
	m.malformedMessages.WithLabelValues(topic).Inc()
}

func (m *Metrics) IncRetriesExhausted(topic string) {
	m.retriesExhausted.WithLabelValues(topic).Inc()
}

func NewRegistry() *prometheus.Registry { return prometheus.NewRegistry() }

func provide(reg *prometheus.Registry) *Metrics { return New(reg) }

var Module = fx.Module("observability.metrics",
	fx.Provide(NewRegistry),
	fx.Provide(provide),
)
