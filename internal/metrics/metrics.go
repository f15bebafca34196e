// Package metrics provides Prometheus metrics for the weft sync engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync engine.
type Metrics struct {
	// Doc→FS diff path selection. The fast path uses the document's native
	// head-to-head diff; the slow path is a full file-set comparison. The
	// ratio between the two is the first thing to look at when checkouts on
	// deeply diverged branches get slow.
	DiffPathTotal *prometheus.CounterVec

	// Sync loop
	SyncTicksTotal      prometheus.Counter
	SyncTickDuration    prometheus.Histogram
	CheckoutsTotal      *prometheus.CounterVec
	FilesWrittenTotal   prometheus.Counter
	CommitsTotal        prometheus.Counter
	PendingLocalChanges prometheus.Gauge

	// Connection
	ReconnectAttemptsTotal prometheus.Counter
	ConnectedGauge         prometheus.Gauge

	// Watcher and ingestion
	FsEventsTotal    *prometheus.CounterVec
	IngestRunsTotal  prometheus.Counter
	BranchesTracked  prometheus.Gauge
	LinkedDocsLoaded prometheus.Gauge
}

var (
	defaultOnce sync.Once
	defaultSet  *Metrics
)

// Default returns the process-wide metrics set, registering it on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultSet = New(prometheus.DefaultRegisterer)
	})
	return defaultSet
}

// New creates and registers all metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.DiffPathTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weft_doc_fs_diff_total",
			Help: "Doc-to-FS diffs computed, labeled by the path taken",
		},
		[]string{"path"},
	)

	m.SyncTicksTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "weft_sync_ticks_total",
		Help: "Sync loop ticks executed",
	})
	m.SyncTickDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "weft_sync_tick_duration_seconds",
		Help:    "Duration of one sync tick",
		Buckets: prometheus.DefBuckets,
	})
	m.CheckoutsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weft_checkouts_total",
			Help: "Checkout attempts, labeled by outcome",
		},
		[]string{"outcome"},
	)
	m.FilesWrittenTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "weft_files_written_total",
		Help: "Files written to the mirrored tree",
	})
	m.CommitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "weft_commits_total",
		Help: "Local commits created from filesystem changes",
	})
	m.PendingLocalChanges = factory.NewGauge(prometheus.GaugeOpts{
		Name: "weft_pending_local_changes",
		Help: "Filesystem changes waiting to be committed",
	})

	m.ReconnectAttemptsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "weft_reconnect_attempts_total",
		Help: "Connection attempts to the sync server",
	})
	m.ConnectedGauge = factory.NewGauge(prometheus.GaugeOpts{
		Name: "weft_connected",
		Help: "1 when connected to the sync server",
	})

	m.FsEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weft_fs_events_total",
			Help: "Filesystem events that survived hash filtering, by kind",
		},
		[]string{"kind"},
	)
	m.IngestRunsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "weft_ingest_runs_total",
		Help: "Commit history recomputations",
	})
	m.BranchesTracked = factory.NewGauge(prometheus.GaugeOpts{
		Name: "weft_branches_tracked",
		Help: "Branches currently tracked in memory",
	})
	m.LinkedDocsLoaded = factory.NewGauge(prometheus.GaugeOpts{
		Name: "weft_linked_docs_loaded",
		Help: "Binary documents resolved locally",
	})

	return m
}
