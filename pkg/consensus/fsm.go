package consensus

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/clusterreg/registry/pkg/events"
	"github.com/clusterreg/registry/pkg/statemachine"
	"github.com/clusterreg/registry/pkg/types"
	"github.com/hashicorp/raft"
)

// FSM adapts statemachine.StateMachine to raft.FSM. It owns no graph state
// itself: every committed entry is unmarshaled into a types.Batch and handed
// straight to the StateMachine, which is independently testable without a
// running Raft cluster.
type FSM struct {
	sm     *statemachine.StateMachine
	broker *events.Broker
}

// NewFSM constructs an FSM wrapping sm. Every applied batch is also
// published to broker (typically subscribed to by Mirror).
func NewFSM(sm *statemachine.StateMachine, broker *events.Broker) *FSM {
	return &FSM{sm: sm, broker: broker}
}

// Apply applies one committed Raft log entry. hashicorp/raft only invokes
// this for raft.LogCommand entries — its own leader-election no-op is a
// raft.LogNoop entry that never reaches FSM.Apply, so the Empty action it
// stands in for is instead synthesized by ConsensusGroup itself, which
// proposes an explicit Empty batch the moment it observes becoming leader
// (see group.go's leadership observer).
func (f *FSM) Apply(log *raft.Log) interface{} {
	batch, err := types.DecodeBatch(log.Data)
	if err != nil {
		return fmt.Errorf("consensus: decode committed batch at index %d: %w", log.Index, err)
	}

	f.sm.Apply(batch)
	if f.broker != nil {
		f.broker.Publish(log.Index, batch)
	}
	return nil
}

// Snapshot captures the full graph for Raft's periodic log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	snap := f.sm.Export()
	return &fsmSnapshot{snap: snap}, nil
}

// Restore replaces the full graph from a previously persisted snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap statemachine.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("consensus: decode snapshot: %w", err)
	}
	f.sm.Import(snap)
	return nil
}

type fsmSnapshot struct {
	snap statemachine.Snapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.snap); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
