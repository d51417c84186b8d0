// Package metrics registers the Prometheus side channel for the migration
// pipeline (§4.11). None of these counters are on the wire; a caller that
// never touches this package still gets a fully functional migration,
// postcopy, or COLO session.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/histogram this module emits, registered
// together on a caller-supplied registerer so a binary embedding several
// sessions can choose to share or separate registries.
type Metrics struct {
	SectionsWritten   *prometheus.CounterVec
	CheckpointSeconds prometheus.Histogram
	PostcopyFaults    prometheus.Counter
	PostcopyDiscards  prometheus.Counter
}

// New registers and returns a Metrics bundle on reg. Passing a fresh
// prometheus.NewRegistry() in tests avoids colliding with the global
// DefaultRegisterer across parallel test runs.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SectionsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmshift_sections_written_total",
			Help: "Sections written to the migration stream, by section type.",
		}, []string{"type"}),
		CheckpointSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vmshift_checkpoint_duration_seconds",
			Help:    "Duration of a COLO primary's whole checkpoint loop (colo.Coordinator.Run), observed once per session; individual transactions are not timed.",
			Buckets: prometheus.DefBuckets,
		}),
		PostcopyFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmshift_postcopy_faults_total",
			Help: "Page faults observed by the postcopy destination fault thread.",
		}),
		PostcopyDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmshift_postcopy_discard_pages_total",
			Help: "Guest pages discarded via POSTCOPY_DISCARD batches.",
		}),
	}

	reg.MustRegister(m.SectionsWritten, m.CheckpointSeconds, m.PostcopyFaults, m.PostcopyDiscards)

	return m
}
