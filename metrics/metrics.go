// Package metrics exposes the migrator's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	// DispatchTotal counts dispatch outcomes by result
	// ("direct", "chunked", "reject", "duplicate", "error").
	DispatchTotal *prometheus.CounterVec

	// BytesTransferred counts bytes written to the destination by strategy.
	BytesTransferred *prometheus.CounterVec

	// PartsTotal counts chunk part uploads by result.
	PartsTotal *prometheus.CounterVec

	// FinalizeTotal counts multipart assemblies by result.
	FinalizeTotal *prometheus.CounterVec

	// SweepActions counts recovery actions by kind.
	SweepActions *prometheus.CounterVec

	// MessagesTotal counts consumed queue messages by queue and result.
	MessagesTotal *prometheus.CounterVec

	// TransferDuration tracks how long a direct copy or a part upload took.
	TransferDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers every collector. Panics if registration
// fails, which only happens on duplicate registration at startup.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrator_dispatch_total",
				Help: "Transfer requests dispatched by outcome",
			},
			[]string{"outcome"},
		),
		BytesTransferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrator_bytes_transferred_total",
				Help: "Bytes written to the destination bucket by strategy",
			},
			[]string{"strategy"},
		),
		PartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrator_parts_total",
				Help: "Multipart part uploads by result",
			},
			[]string{"result"},
		),
		FinalizeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrator_finalize_total",
				Help: "Multipart assemblies by result",
			},
			[]string{"result"}, // "completed", "lost_claim", "failed"
		),
		SweepActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrator_sweep_actions_total",
				Help: "Recovery monitor actions by kind",
			},
			[]string{"action"},
		),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrator_messages_total",
				Help: "Queue messages consumed by queue and result",
			},
			[]string{"queue", "result"},
		),
		TransferDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "migrator_transfer_duration_seconds",
				Help:    "Duration of direct copies and part uploads",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"strategy"},
		),
	}

	reg.MustRegister(
		m.DispatchTotal,
		m.BytesTransferred,
		m.PartsTotal,
		m.FinalizeTotal,
		m.SweepActions,
		m.MessagesTotal,
		m.TransferDuration,
	)

	return m
}

func (m *Metrics) Dispatched(outcome string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transferred(strategy string, bytes int64, seconds float64) {
	if m == nil {
		return
	}
	m.BytesTransferred.WithLabelValues(strategy).Add(float64(bytes))
	m.TransferDuration.WithLabelValues(strategy).Observe(seconds)
}

func (m *Metrics) Part(result string) {
	if m == nil {
		return
	}
	m.PartsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Finalized(result string) {
	if m == nil {
		return
	}
	m.FinalizeTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Swept(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweepActions.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) Message(queue, result string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(queue, result).Inc()
}
