package storage

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the small per-cache prometheus.Registry a SessionCache owns,
// grounded on the pack's client_golang pairing used for request
// instrumentation elsewhere in the corpus: rather than registering into
// the global default registry (which would panic on a second SessionCache
// in the same process, e.g. in tests), each cache gets its own registry a
// host process can merge into its own metrics endpoint.
type Metrics struct {
	Registry *prometheus.Registry

	CommitTotal   prometheus.Counter
	RollbackTotal prometheus.Counter
	SlowTxnTotal  prometheus.Counter
	CommitLatency prometheus.Histogram
}

// NewMetrics builds an unregistered-with-the-default-registry Metrics
// bundle. Exported so fakes in other packages' tests can construct a real
// one without reaching into storage internals.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		CommitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recovery_unit_commits_total",
			Help: "Total number of recovery unit commits.",
		}),
		RollbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recovery_unit_rollbacks_total",
			Help: "Total number of recovery unit rollbacks.",
		}),
		SlowTxnTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recovery_unit_slow_transactions_total",
			Help: "Total number of transactions that exceeded the slow-op threshold.",
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recovery_unit_commit_latency_seconds",
			Help:    "Wall-clock duration of committed transactions.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.CommitTotal, m.RollbackTotal, m.SlowTxnTotal, m.CommitLatency)
	return m
}
