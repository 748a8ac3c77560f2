package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "syncd"

type Metrics struct {
	Pushes             *prometheus.CounterVec
	ConflictsCreated   *prometheus.CounterVec
	ConflictsResolved  *prometheus.CounterVec
	DeltaBytes         *prometheus.CounterVec
	ChecksumMismatches prometheus.Counter
	ActiveDevices      prometheus.Gauge
	PullRecords        prometheus.Histogram
	DeltaApplySeconds  prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_changes_total",
			Help:      "Pushed changes by outcome.",
		}, []string{"outcome"}),
		ConflictsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_created_total",
			Help:      "Conflicts recorded by type.",
		}, []string{"type"}),
		ConflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Conflicts resolved by resolution.",
		}, []string{"resolution"}),
		DeltaBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delta_bytes_total",
			Help:      "Bytes rebuilt from uploaded deltas, split into copied and literal.",
		}, []string{"kind"}),
		ChecksumMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_mismatches_total",
			Help:      "Uploads rejected because the rebuilt content did not match its checksum.",
		}),
		ActiveDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_devices",
			Help:      "Registered devices that are still active.",
		}),
		PullRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pull_records",
			Help:      "Change records returned per pull.",
			Buckets:   []float64{0, 1, 10, 100, 500, 1000, 5000},
		}),
		DeltaApplySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delta_apply_seconds",
			Help:      "Time spent rebuilding content from a delta.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.Pushes,
		m.ConflictsCreated,
		m.ConflictsResolved,
		m.DeltaBytes,
		m.ChecksumMismatches,
		m.ActiveDevices,
		m.PullRecords,
		m.DeltaApplySeconds,
	)
	return m
}
