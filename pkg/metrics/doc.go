/*
Package metrics defines and exposes the CORE's Prometheus metrics.

Metrics are package-level prometheus.Collector values, registered in
metrics.go's init(), and updated directly by the packages that own the
underlying event: consensus updates Raft metrics inline in Propose,
objectstore updates upload metrics inline in Commit, mirror updates
queue-depth and transfer metrics inline in its drain loop, api wraps
every handler with a request-duration/count timer. collector.go polls
only what nothing else updates inline: graph size and Raft membership,
on a fixed interval.

# Usage

	http.Handle("/metrics", metrics.Handler())

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDuration(metrics.RaftApplyDuration)

# Categories

Graph: registry_{blobs,manifests,tags}_total, polled from StateMachine.

Raft: registry_raft_is_leader, registry_raft_peers_total,
registry_raft_{log,applied}_index, registry_raft_{apply,commit}_duration_seconds.

API: registry_api_requests_total{method,status}, registry_api_request_duration_seconds{method}.

Object store: registry_blob_upload_duration_seconds, registry_blob_upload_bytes_total.

Mirror: registry_mirror_queue_depth, registry_mirror_transfers_total{kind,result},
registry_mirror_transfer_duration_seconds{kind}.

Garbage collection: registry_gc_cycles_total, registry_gc_cycle_duration_seconds{phase},
registry_gc_reclaimed_total{kind}.
*/
package metrics
