package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registry_nodes_total",
			Help: "Total number of nodes by role and status",
		},
		[]string{"role", "status"},
	)

	BlobsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_blobs_total",
			Help: "Total number of blobs known to the graph",
		},
	)

	ManifestsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_manifests_total",
			Help: "Total number of manifests known to the graph",
		},
	)

	TagsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_tags_total",
			Help: "Total number of repository tags",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_raft_apply_duration_seconds",
			Help:    "Time taken to apply a committed batch to the state machine",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_raft_commit_duration_seconds",
			Help:    "Time taken for Propose to observe its entry committed",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "registry_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Object store metrics
	BlobUploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_blob_upload_duration_seconds",
			Help:    "Time taken to stream, hash and rename a blob upload",
			Buckets: prometheus.DefBuckets,
		},
	)

	BlobUploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_blob_upload_bytes_total",
			Help: "Total bytes written to the object store",
		},
	)

	// Mirror metrics
	MirrorQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_mirror_queue_depth",
			Help: "Number of pending mirror transfer requests",
		},
	)

	MirrorTransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_mirror_transfers_total",
			Help: "Total number of mirror transfer attempts by kind and result",
		},
		[]string{"kind", "result"},
	)

	MirrorTransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "registry_mirror_transfer_duration_seconds",
			Help:    "Time taken to fetch and verify a mirrored object",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Garbage collector metrics
	GCCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "registry_gc_cycle_duration_seconds",
			Help:    "Time taken for a garbage collection phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	GCReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_gc_reclaimed_total",
			Help: "Total number of entities reclaimed by garbage collection",
		},
		[]string{"kind"},
	)

	GCCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_gc_cycles_total",
			Help: "Total number of garbage collection cycles completed",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(BlobsTotal)
	prometheus.MustRegister(ManifestsTotal)
	prometheus.MustRegister(TagsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RaftCommitDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(BlobUploadDuration)
	prometheus.MustRegister(BlobUploadBytes)
	prometheus.MustRegister(MirrorQueueDepth)
	prometheus.MustRegister(MirrorTransfersTotal)
	prometheus.MustRegister(MirrorTransferDuration)
	prometheus.MustRegister(GCCycleDuration)
	prometheus.MustRegister(GCReclaimedTotal)
	prometheus.MustRegister(GCCyclesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
