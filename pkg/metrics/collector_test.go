package metrics

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeConsensusStats struct {
	leader  bool
	servers []raft.Server
	stats   map[string]string
}

func (f fakeConsensusStats) IsLeader() bool { return f.leader }
func (f fakeConsensusStats) Stats() map[string]string { return f.stats }
func (f fakeConsensusStats) GetClusterServers() ([]raft.Server, error) { return f.servers, nil }

type fakeGraphStats struct {
	blobs, manifests, tags int
}

func (f fakeGraphStats) BlobCount() int     { return f.blobs }
func (f fakeGraphStats) ManifestCount() int { return f.manifests }
func (f fakeGraphStats) TagCount() int      { return f.tags }

func TestCollector_CollectUpdatesGraphGauges(t *testing.T) {
	c := NewCollector(fakeConsensusStats{}, fakeGraphStats{blobs: 3, manifests: 2, tags: 5})
	c.collect()

	if got := testutil.ToFloat64(BlobsTotal); got != 3 {
		t.Errorf("BlobsTotal = %v, want 3", got)
	}
	if got := testutil.ToFloat64(ManifestsTotal); got != 2 {
		t.Errorf("ManifestsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(TagsTotal); got != 5 {
		t.Errorf("TagsTotal = %v, want 5", got)
	}
}

func TestCollector_CollectRaftMetrics_Leader(t *testing.T) {
	c := NewCollector(fakeConsensusStats{
		leader: true,
		servers: []raft.Server{
			{ID: "node-1", Suffrage: raft.Voter},
			{ID: "node-2", Suffrage: raft.Voter},
		},
		stats: map[string]string{"last_log_index": "42", "applied_index": "40"},
	}, fakeGraphStats{})

	c.collect()

	if got := testutil.ToFloat64(RaftLeader); got != 1 {
		t.Errorf("RaftLeader = %v, want 1", got)
	}
	if got := testutil.ToFloat64(RaftPeers); got != 2 {
		t.Errorf("RaftPeers = %v, want 2", got)
	}
	if got := testutil.ToFloat64(RaftLogIndex); got != 42 {
		t.Errorf("RaftLogIndex = %v, want 42", got)
	}
	if got := testutil.ToFloat64(RaftAppliedIndex); got != 40 {
		t.Errorf("RaftAppliedIndex = %v, want 40", got)
	}
}

func TestCollector_CollectRaftMetrics_NotLeader(t *testing.T) {
	c := NewCollector(fakeConsensusStats{leader: false, stats: map[string]string{}}, fakeGraphStats{})
	c.collect()

	if got := testutil.ToFloat64(RaftLeader); got != 0 {
		t.Errorf("RaftLeader = %v, want 0", got)
	}
}

func TestCollector_StartStop(t *testing.T) {
	c := NewCollector(fakeConsensusStats{stats: map[string]string{}}, fakeGraphStats{})
	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
}
