package metrics

import (
	"strconv"
	"time"

	"github.com/hashicorp/raft"
)

// ConsensusStats is the subset of ConsensusGroup the collector polls:
// everything it doesn't already update inline in Propose.
type ConsensusStats interface {
	IsLeader() bool
	Stats() map[string]string
	GetClusterServers() ([]raft.Server, error)
}

// GraphStats is the subset of StateMachine's Graph the collector polls.
type GraphStats interface {
	BlobCount() int
	ManifestCount() int
	TagCount() int
}

// Collector polls ConsensusGroup and StateMachine for the figures nothing
// else updates inline, on a fixed interval.
type Collector struct {
	consensus ConsensusStats
	graph     GraphStats
	stopCh    chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(consensus ConsensusStats, graph GraphStats) *Collector {
	return &Collector{
		consensus: consensus,
		graph:     graph,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectGraphMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectGraphMetrics() {
	BlobsTotal.Set(float64(c.graph.BlobCount()))
	ManifestsTotal.Set(float64(c.graph.ManifestCount()))
	TagsTotal.Set(float64(c.graph.TagCount()))
}

func (c *Collector) collectRaftMetrics() {
	if c.consensus.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	if servers, err := c.consensus.GetClusterServers(); err == nil {
		RaftPeers.Set(float64(len(servers)))
		suffrageCounts := make(map[string]int)
		for _, s := range servers {
			suffrageCounts[s.Suffrage.String()]++
		}
		for suffrage, count := range suffrageCounts {
			NodesTotal.WithLabelValues(suffrage, "member").Set(float64(count))
		}
	}

	stats := c.consensus.Stats()
	if stats == nil {
		return
	}
	if v, ok := stats["last_log_index"]; ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			RaftLogIndex.Set(float64(n))
		}
	}
	if v, ok := stats["applied_index"]; ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			RaftAppliedIndex.Set(float64(n))
		}
	}
}
