package avida

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics instruments the sync engine.
type SyncMetrics struct {
	Applied      prometheus.Counter
	Retried      prometheus.Counter
	Abandoned    prometheus.Counter
	Skipped      prometheus.Counter
	DrainSeconds prometheus.Histogram
	QueueDepth   prometheus.Gauge
}

// NewSyncMetrics creates the sync metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		Applied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avida",
			Subsystem: "offline",
			Name:      "actions_applied_total",
			Help:      "Queued actions successfully applied to the remote API.",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avida",
			Subsystem: "offline",
			Name:      "actions_retried_total",
			Help:      "Failed action attempts left in the queue for a later drain.",
		}),
		Abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avida",
			Subsystem: "offline",
			Name:      "actions_abandoned_total",
			Help:      "Actions dropped after exhausting their retry budget.",
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avida",
			Subsystem: "offline",
			Name:      "drains_skipped_total",
			Help:      "Drain requests ignored because another drain was running.",
		}),
		DrainSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "avida",
			Subsystem: "offline",
			Name:      "drain_duration_seconds",
			Help:      "Time spent draining the action queue.",
			Buckets:   prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "avida",
			Subsystem: "offline",
			Name:      "queue_depth",
			Help:      "Pending actions after the last drain.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Applied, m.Retried, m.Abandoned, m.Skipped, m.DrainSeconds, m.QueueDepth)
	}
	return m
}
