// Package metrics provides Prometheus instrumentation for the loader.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the loader's Prometheus collectors.
type Metrics struct {
	// EnvelopesProcessed counts envelopes by disposition: ok, invalid,
	// unknown_topic, retried, fatal.
	EnvelopesProcessed *prometheus.CounterVec

	// CASRetries counts update retries (lost compare-and-swap races and
	// transient store errors) of envelopes whose update was applied.
	CASRetries prometheus.Counter

	// BulkFlushes counts bulk flushes by status: success, failure.
	BulkFlushes *prometheus.CounterVec

	// QueueDepth tracks the number of visible file-queue envelopes.
	QueueDepth prometheus.Gauge
}

// New creates and registers the loader metrics with the given registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		EnvelopesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaijs",
			Subsystem: "loader",
			Name:      "envelopes_total",
			Help:      "Total envelopes processed, by disposition",
		}, []string{"disposition"}),

		CASRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaijs",
			Subsystem: "loader",
			Name:      "cas_retries_total",
			Help:      "Total update retries of applied envelopes",
		}),

		BulkFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaijs",
			Subsystem: "loader",
			Name:      "bulk_flushes_total",
			Help:      "Total bulk flushes, by status",
		}, []string{"status"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kaijs",
			Subsystem: "loader",
			Name:      "queue_depth",
			Help:      "Visible envelopes in the file queue",
		}),
	}

	for _, collector := range []prometheus.Collector{
		m.EnvelopesProcessed, m.CASRetries, m.BulkFlushes, m.QueueDepth,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}
