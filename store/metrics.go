package store

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	opRead      = "read"
	opWrite     = "write"
	opTombstone = "tombstone"
	opGC        = "gc"
)

type storeMetrics struct {
	ops               *prometheus.CounterVec
	integrityFailures prometheus.Counter
	gcRuns            prometheus.Counter
	gcRemoved         prometheus.Counter
	cachedKeys        prometheus.Gauge
}

func newStoreMetrics() *storeMetrics {
	return &storeMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mvcckv_operations_total",
			Help: "Total number of MVCC operations",
		}, []string{"op"}),
		integrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mvcckv_integrity_failures_total",
			Help: "Versions skipped on read because their checksum did not verify",
		}),
		gcRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mvcckv_gc_runs_total",
			Help: "Completed garbage collection sweeps",
		}),
		gcRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mvcckv_gc_removed_versions_total",
			Help: "Versions reclaimed by garbage collection",
		}),
		cachedKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mvcckv_cached_keys",
			Help: "Logical keys held in the version cache",
		}),
	}
}

func (m *storeMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.ops, m.integrityFailures, m.gcRuns, m.gcRemoved, m.cachedKeys}
}

// register adds the collectors to r. A nil registerer leaves them
// unregistered, which is what tests want.
func (m *storeMetrics) register(r prometheus.Registerer) error {
	if r == nil {
		return nil
	}
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			return errors.Wrap(err, "register metrics")
		}
	}
	return nil
}

func (m *storeMetrics) unregister(r prometheus.Registerer) {
	if r == nil {
		return
	}
	for _, c := range m.collectors() {
		r.Unregister(c)
	}
}
