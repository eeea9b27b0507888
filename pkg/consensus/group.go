// Package consensus wraps hashicorp/raft into the CORE's ConsensusGroup:
// leader election and log replication over a custom HTTP transport, with
// statemachine.StateMachine as the applied state via the FSM adapter.
package consensus

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/clusterreg/registry/pkg/events"
	"github.com/clusterreg/registry/pkg/log"
	"github.com/clusterreg/registry/pkg/metrics"
	"github.com/clusterreg/registry/pkg/statemachine"
	"github.com/clusterreg/registry/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// electionTimeoutMin/Max bound the randomized election timeout window;
// the heartbeat period is derived as one twentieth of the minimum (7.5ms),
// then clamped to hashicorp/raft's own enforced minimum.
const (
	electionTimeoutMin = 150 * time.Millisecond
	electionTimeoutMax = 300 * time.Millisecond
)

// Config configures a ConsensusGroup.
type Config struct {
	NodeID   types.NodeIdentifier
	BindAddr string
	DataDir  string
}

// ConsensusGroup wraps a raft.Raft instance bound to a StateMachine-backed
// FSM over a custom HTTP Transport.
type ConsensusGroup struct {
	nodeID  types.NodeIdentifier
	dataDir string
	raft    *raft.Raft
	fsm     *FSM
	logger  zerolog.Logger

	transport *HTTPTransport
}

// New constructs a ConsensusGroup. It does not start Raft; call Bootstrap
// or Recover.
func New(cfg Config, sm *statemachine.StateMachine, broker *events.Broker, transport *HTTPTransport) (*ConsensusGroup, error) {
	dbDir := filepath.Join(cfg.DataDir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("consensus: create data dir: %w", err)
	}

	return &ConsensusGroup{
		nodeID:    cfg.NodeID,
		dataDir:   dbDir,
		fsm:       NewFSM(sm, broker),
		logger:    log.WithComponent("consensus"),
		transport: transport,
	}, nil
}

func (g *ConsensusGroup) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(g.nodeID)
	cfg.PreVoteDisabled = false

	// One twentieth of the minimum election window: 150ms/20 = 7.5ms.
	// hashicorp/raft enforces a 5ms floor on HeartbeatTimeout; 7.5ms
	// clears it, so no clamping is actually needed in practice, but the
	// floor is respected explicitly in case the window above is ever
	// narrowed.
	heartbeat := electionTimeoutMin / 20
	const raftHeartbeatFloor = 5 * time.Millisecond
	if heartbeat < raftHeartbeatFloor {
		heartbeat = raftHeartbeatFloor
	}
	cfg.HeartbeatTimeout = heartbeat
	cfg.ElectionTimeout = electionTimeoutMin + time.Duration(rand.Int63n(int64(electionTimeoutMax-electionTimeoutMin)))
	cfg.LeaderLeaseTimeout = heartbeat
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.Logger = nil
	return cfg
}

func (g *ConsensusGroup) newRaftIn(dataDir string) (*raft.Raft, error) {
	snapshotStore, err := raft.NewFileSnapshotStore(dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("consensus: snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("consensus: log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("consensus: stable store: %w", err)
	}

	r, err := raft.NewRaft(g.raftConfig(), g.fsm, logStore, stableStore, snapshotStore, g.transport)
	if err != nil {
		return nil, fmt.Errorf("consensus: new raft: %w", err)
	}
	return r, nil
}

// Bootstrap initializes a brand-new single-node cluster.
func (g *ConsensusGroup) Bootstrap() error {
	r, err := g.newRaftIn(g.dataDir)
	if err != nil {
		return err
	}
	g.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(g.nodeID), Address: g.transport.LocalAddr()},
		},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("consensus: bootstrap cluster: %w", err)
	}

	go g.observeLeadership()
	return nil
}

// Recover starts Raft against an existing data directory without
// bootstrapping — used when a node restarts and already has persisted
// log/stable state, or when it will be added to an existing cluster via
// AddVoter/AddLearner called on the leader.
func (g *ConsensusGroup) Recover() error {
	r, err := g.newRaftIn(g.dataDir)
	if err != nil {
		return err
	}
	g.raft = r
	go g.observeLeadership()
	return nil
}

// observeLeadership proposes an explicit Empty action the moment this node
// becomes leader, standing in for hashicorp/raft's own leader no-op entry,
// which never reaches FSM.Apply (see fsm.go).
func (g *ConsensusGroup) observeLeadership() {
	for isLeader := range g.raft.LeaderCh() {
		if !isLeader {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := g.Propose(ctx, types.Batch{types.Empty{Timestamp: time.Now().UTC()}}); err != nil {
			g.logger.Warn().Err(err).Msg("failed to commit leader no-op")
		}
		cancel()
	}
}

// Propose replicates a batch of actions and blocks until it is committed.
func (g *ConsensusGroup) Propose(ctx context.Context, batch types.Batch) (uint64, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	if g.raft == nil {
		return 0, types.NewServiceUnavailable("consensus not initialized")
	}

	data, err := types.EncodeBatch(batch)
	if err != nil {
		return 0, fmt.Errorf("consensus: encode batch: %w", err)
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	future := g.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost {
			return 0, types.NewNotLeader(types.NodeIdentifier(g.raft.Leader()))
		}
		return 0, fmt.Errorf("consensus: apply: %w", err)
	}

	if resp := future.Response(); resp != nil {
		if respErr, ok := resp.(error); ok && respErr != nil {
			return 0, respErr
		}
	}

	return future.Index(), nil
}

// AddVoter adds a full voting member to the cluster. Leader-only.
func (g *ConsensusGroup) AddVoter(id types.NodeIdentifier, addr string) error {
	if !g.IsLeader() {
		return types.NewNotLeader(types.NodeIdentifier(g.raft.Leader()))
	}
	future := g.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// AddLearner adds a non-voting member. Leader-only.
func (g *ConsensusGroup) AddLearner(id types.NodeIdentifier, addr string) error {
	if !g.IsLeader() {
		return types.NewNotLeader(types.NodeIdentifier(g.raft.Leader()))
	}
	future := g.raft.AddNonvoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes a member from the cluster. Leader-only.
func (g *ConsensusGroup) RemoveServer(id types.NodeIdentifier) error {
	if !g.IsLeader() {
		return types.NewNotLeader(types.NodeIdentifier(g.raft.Leader()))
	}
	future := g.raft.RemoveServer(raft.ServerID(id), 0, 10*time.Second)
	return future.Error()
}

// GetClusterServers reports the current Raft membership.
func (g *ConsensusGroup) GetClusterServers() ([]raft.Server, error) {
	if g.raft == nil {
		return nil, types.NewServiceUnavailable("consensus not initialized")
	}
	future := g.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds leadership.
func (g *ConsensusGroup) IsLeader() bool {
	return g.raft != nil && g.raft.State() == raft.Leader
}

// LeaderHint returns the best-known current leader's server address.
func (g *ConsensusGroup) LeaderHint() types.NodeIdentifier {
	if g.raft == nil {
		return ""
	}
	return types.NodeIdentifier(g.raft.Leader())
}

// Stats reports a snapshot of Raft state for the admin surface and metrics
// collector.
func (g *ConsensusGroup) Stats() map[string]string {
	if g.raft == nil {
		return nil
	}
	return g.raft.Stats()
}

// Shutdown stops the Raft instance.
func (g *ConsensusGroup) Shutdown() error {
	if g.raft == nil {
		return nil
	}
	return g.raft.Shutdown().Error()
}
