// Package observability provides prometheus metrics and OpenTelemetry
// tracing for the relay.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds metric instruments for the relay. A nil *Metrics is a no-op.
type Metrics struct {
	IngestTotal     *prometheus.CounterVec
	ProcessedTotal  *prometheus.CounterVec
	FailuresTotal   *prometheus.CounterVec
	DeliveryLatency prometheus.Histogram
	DLQSize         prometheus.Gauge
	PendingMessages prometheus.Gauge
}

// NewMetrics creates the relay instruments and registers them on reg.
// Pass prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmrelay_ingest_total",
			Help: "Ingestion requests by outcome.",
		}, []string{"outcome"}),
		ProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmrelay_processed_total",
			Help: "Queue messages processed by the consumer, by decision.",
		}, []string{"decision"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmrelay_failures_total",
			Help: "Relay failures by taxonomy kind.",
		}, []string{"kind"}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crmrelay_process_latency_seconds",
			Help:    "Time spent processing one queue message end to end.",
			Buckets: prometheus.DefBuckets,
		}),
		DLQSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crmrelay_dlq_size",
			Help: "Number of entries in the dead letter queue.",
		}),
		PendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crmrelay_pending_messages",
			Help: "Number of messages in the queue.",
		}),
	}
	reg.MustRegister(m.IngestTotal, m.ProcessedTotal, m.FailuresTotal, m.DeliveryLatency, m.DLQSize, m.PendingMessages)
	return m
}

// RecordIngest counts one ingestion request.
func (m *Metrics) RecordIngest(outcome string) {
	if m == nil {
		return
	}
	m.IngestTotal.WithLabelValues(outcome).Inc()
}

// RecordProcess records a consumer decision, the failure kind ("none" on
// success), and the processing latency.
func (m *Metrics) RecordProcess(decision, kind string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.ProcessedTotal.WithLabelValues(decision).Inc()
	if kind != "" && kind != "none" {
		m.FailuresTotal.WithLabelValues(kind).Inc()
	}
	m.DeliveryLatency.Observe(latencySeconds)
}

// SetQueueDepth updates the queue and DLQ gauges.
func (m *Metrics) SetQueueDepth(pending, dlqSize int64) {
	if m == nil {
		return
	}
	m.PendingMessages.Set(float64(pending))
	m.DLQSize.Set(float64(dlqSize))
}
