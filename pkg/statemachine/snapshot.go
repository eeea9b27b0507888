package statemachine

import (
	"github.com/clusterreg/registry/pkg/types"
)

// Snapshot is the full, JSON-serializable graph, used both for Raft
// snapshot/restore (consensus.FSM) and for the admin /export and /import
// endpoints.
type Snapshot struct {
	Blobs     []entitySnapshot       `json:"blobs"`
	Manifests []entitySnapshot       `json:"manifests"`
	Tags      []tagSnapshot          `json:"tags"`
}

type entitySnapshot struct {
	Digest           types.Digest                 `json:"digest"`
	Entity           types.Entity                 `json:"entity"`
}

type tagSnapshot struct {
	Repository types.RepositoryName `json:"repository"`
	Tag        string               `json:"tag"`
	Digest     types.Digest         `json:"digest"`
}

// Export captures the whole graph as a Snapshot.
func (s *StateMachine) Export() Snapshot {
	s.graph.mu.RLock()
	defer s.graph.mu.RUnlock()

	snap := Snapshot{}
	for d, e := range s.graph.blobs {
		snap.Blobs = append(snap.Blobs, entitySnapshot{Digest: d, Entity: cloneEntity(e)})
	}
	for d, e := range s.graph.manifests {
		snap.Manifests = append(snap.Manifests, entitySnapshot{Digest: d, Entity: cloneEntity(e)})
	}
	for k, d := range s.graph.tags {
		snap.Tags = append(snap.Tags, tagSnapshot{Repository: k.Repository, Tag: k.Tag, Digest: d})
	}
	return snap
}

// Import replaces the whole graph with the contents of a Snapshot. Used on
// Raft Restore and by the admin /import endpoint.
func (s *StateMachine) Import(snap Snapshot) {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()

	s.graph.blobs = make(map[types.Digest]*types.Entity, len(snap.Blobs))
	for _, es := range snap.Blobs {
		e := es.Entity
		s.graph.blobs[es.Digest] = &e
	}
	s.graph.manifests = make(map[types.Digest]*types.Entity, len(snap.Manifests))
	for _, es := range snap.Manifests {
		e := es.Entity
		s.graph.manifests[es.Digest] = &e
	}
	s.graph.tags = make(map[types.TagKey]types.Digest, len(snap.Tags))
	for _, ts := range snap.Tags {
		s.graph.tags[types.TagKey{Repository: ts.Repository, Tag: ts.Tag}] = ts.Digest
	}
}
