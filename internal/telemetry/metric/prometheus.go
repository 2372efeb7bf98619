package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "statemesh"

// Registry holds all application metrics.
//
// All recording methods are safe on a nil *Registry, which lets components
// run without metrics in tests.
type Registry struct {
	registry *prometheus.Registry

	// Pipeline metrics
	TransactionsApplied    *prometheus.CounterVec
	TransactionsConflicted *prometheus.CounterVec
	UpdatesMalformed       *prometheus.CounterVec
	Resyncs                prometheus.Counter
	PendingUpdates         prometheus.Gauge
	SnapshotVersion        prometheus.Gauge
	ApplyDuration          prometheus.Histogram

	// Dispatcher metrics
	ListenerPanics *prometheus.CounterVec
	Subscriptions  prometheus.Gauge

	// Cluster metrics
	ClusterPeers       prometheus.Gauge
	ProposalsForwarded *prometheus.CounterVec
	TransportFailures  prometheus.Counter

	// Storage metrics
	CheckpointsWritten prometheus.Counter
	CheckpointBytes    prometheus.Gauge
}

// NewRegistry creates a registry with Go and process collectors attached.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		registry: reg,

		TransactionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_applied_total",
			Help:      "Transactions applied to the local snapshot store.",
		}, []string{"origin"}),
		TransactionsConflicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_conflicted_total",
			Help:      "Transactions rejected by a failed precondition.",
		}, []string{"origin"}),
		UpdatesMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_malformed_total",
			Help:      "Pending updates dropped as malformed.",
		}, []string{"reason"}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Full-state replacements applied.",
		}),
		PendingUpdates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_updates",
			Help:      "Updates queued in the pipeline.",
		}),
		SnapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_version",
			Help:      "Version of the current snapshot.",
		}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Time spent validating and applying one update.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}),

		ListenerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_panics_total",
			Help:      "Listener callbacks that panicked during dispatch.",
		}, []string{"callback"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Live dispatcher subscriptions.",
		}),

		ClusterPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_peers",
			Help:      "Collaborators known through discovery.",
		}),
		ProposalsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_forwarded_total",
			Help:      "Proposals forwarded to the leader.",
		}, []string{"result"}),
		TransportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_failures_total",
			Help:      "Commits whose outcome is unknown after a transport error.",
		}),

		CheckpointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_written_total",
			Help:      "Snapshots written to the checkpoint store.",
		}),
		CheckpointBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_bytes",
			Help:      "Encoded size of the last checkpoint.",
		}),
	}

	reg.MustRegister(
		r.TransactionsApplied,
		r.TransactionsConflicted,
		r.UpdatesMalformed,
		r.Resyncs,
		r.PendingUpdates,
		r.SnapshotVersion,
		r.ApplyDuration,
		r.ListenerPanics,
		r.Subscriptions,
		r.ClusterPeers,
		r.ProposalsForwarded,
		r.TransportFailures,
		r.CheckpointsWritten,
		r.CheckpointBytes,
	)
	return r
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the process-wide registry.
func Global() *Registry {
	globalOnce.Do(func() {
		global = NewRegistry()
	})
	return global
}

// Handler returns an HTTP handler for the global registry.
func Handler() http.Handler {
	return Global().Handler()
}

// Handler returns an HTTP handler serving this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Origin labels.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// IncApplied counts an applied transaction.
func (r *Registry) IncApplied(origin string) {
	if r == nil {
		return
	}
	r.TransactionsApplied.WithLabelValues(origin).Inc()
}

// IncConflicted counts a transaction rejected by a precondition.
func (r *Registry) IncConflicted(origin string) {
	if r == nil {
		return
	}
	r.TransactionsConflicted.WithLabelValues(origin).Inc()
}

// IncMalformed counts a dropped update.
func (r *Registry) IncMalformed(reason string) {
	if r == nil {
		return
	}
	r.UpdatesMalformed.WithLabelValues(reason).Inc()
}

// IncResync counts a full-state replacement.
func (r *Registry) IncResync() {
	if r == nil {
		return
	}
	r.Resyncs.Inc()
}

// SetPending records the pipeline queue depth.
func (r *Registry) SetPending(n int) {
	if r == nil {
		return
	}
	r.PendingUpdates.Set(float64(n))
}

// SetSnapshotVersion records the current snapshot version.
func (r *Registry) SetSnapshotVersion(v uint64) {
	if r == nil {
		return
	}
	r.SnapshotVersion.Set(float64(v))
}

// ObserveApply records the latency of one update in seconds.
func (r *Registry) ObserveApply(seconds float64) {
	if r == nil {
		return
	}
	r.ApplyDuration.Observe(seconds)
}

// IncListenerPanic counts a recovered listener panic.
func (r *Registry) IncListenerPanic(callback string) {
	if r == nil {
		return
	}
	r.ListenerPanics.WithLabelValues(callback).Inc()
}

// AddSubscriptions adjusts the live subscription gauge.
func (r *Registry) AddSubscriptions(delta int) {
	if r == nil {
		return
	}
	r.Subscriptions.Add(float64(delta))
}

// SetClusterPeers records the number of known collaborators.
func (r *Registry) SetClusterPeers(n int) {
	if r == nil {
		return
	}
	r.ClusterPeers.Set(float64(n))
}

// RecordForward counts a forwarded proposal by result.
func (r *Registry) RecordForward(result string) {
	if r == nil {
		return
	}
	r.ProposalsForwarded.WithLabelValues(result).Inc()
}

// IncTransportFailure counts a commit with unknown outcome.
func (r *Registry) IncTransportFailure() {
	if r == nil {
		return
	}
	r.TransportFailures.Inc()
}

// RecordCheckpoint counts a written checkpoint of size bytes.
func (r *Registry) RecordCheckpoint(size int) {
	if r == nil {
		return
	}
	r.CheckpointsWritten.Inc()
	r.CheckpointBytes.Set(float64(size))
}
