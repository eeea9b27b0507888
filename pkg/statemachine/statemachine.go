// Package statemachine turns a committed prefix of RegistryAction batches
// into the in-memory graph of blobs, manifests and tags, and wakes anyone
// waiting on a particular digest becoming locally available.
//
// StateMachine has no dependency on Raft: it is driven by the consensus
// FSM adapter but is independently constructible and testable by calling
// Apply directly with a hand-built batch.
package statemachine

import (
	"github.com/clusterreg/registry/pkg/log"
	"github.com/clusterreg/registry/pkg/types"
	"github.com/rs/zerolog"
)

// StateMachine applies committed RegistryAction batches to a Graph and
// notifies one-shot waiters registered against a digest.
type StateMachine struct {
	self   types.NodeIdentifier
	graph  *Graph
	logger zerolog.Logger

	// blobWaiters and manifestWaiters are guarded by graph.mu, not a
	// separate lock: Apply already holds graph.mu for the whole batch, and
	// waitFor's presence-check-then-register must be atomic with Apply's
	// store-then-drain under that same lock, or a waiter registered between
	// the check and the drain would never be woken.
	blobWaiters     map[types.Digest][]chan struct{}
	manifestWaiters map[types.Digest][]chan struct{}
}

// New constructs a StateMachine for the given local node identifier.
func New(self types.NodeIdentifier) *StateMachine {
	return &StateMachine{
		self:            self,
		graph:           NewGraph(),
		logger:          log.WithComponent("statemachine"),
		blobWaiters:     make(map[types.Digest][]chan struct{}),
		manifestWaiters: make(map[types.Digest][]chan struct{}),
	}
}

// Graph exposes the read-only query surface (§4.2 Queries).
func (s *StateMachine) Graph() *Graph {
	return s.graph
}

// Apply applies one committed batch atomically: the graph write lock is
// held for the whole batch and waiters are drained before it is released,
// so a waiter woken by this call always observes the post-batch graph.
func (s *StateMachine) Apply(batch types.Batch) {
	s.graph.mu.Lock()

	var (
		blobsStoredHere     []types.Digest
		manifestsStoredHere []types.Digest
	)

	for _, action := range batch {
		switch a := action.(type) {
		case types.BlobMounted:
			s.graph.mount(types.EntityBlob, a.Digest, a.Repository, a.Timestamp)
		case types.BlobUnmounted:
			s.graph.unmount(types.EntityBlob, a.Digest, a.Repository, a.Timestamp)
		case types.BlobStored:
			s.graph.store(types.EntityBlob, a.Digest, a.Location, a.Timestamp)
			if a.Location == s.self {
				blobsStoredHere = append(blobsStoredHere, a.Digest)
			}
		case types.BlobUnstored:
			s.graph.unstore(types.EntityBlob, a.Digest, a.Location, a.Timestamp)
		case types.BlobStat:
			s.graph.setStat(types.EntityBlob, a.Digest, a.Size)
		case types.BlobInfo:
			s.graph.setInfo(types.EntityBlob, a.Digest, a.ContentType, a.Dependencies)

		case types.ManifestMounted:
			s.graph.mount(types.EntityManifest, a.Digest, a.Repository, a.Timestamp)
		case types.ManifestUnmounted:
			s.graph.unmount(types.EntityManifest, a.Digest, a.Repository, a.Timestamp)
		case types.ManifestStored:
			s.graph.store(types.EntityManifest, a.Digest, a.Location, a.Timestamp)
			if a.Location == s.self {
				manifestsStoredHere = append(manifestsStoredHere, a.Digest)
			}
		case types.ManifestUnstored:
			s.graph.unstore(types.EntityManifest, a.Digest, a.Location, a.Timestamp)
		case types.ManifestStat:
			s.graph.setStat(types.EntityManifest, a.Digest, a.Size)
		case types.ManifestInfo:
			s.graph.setInfo(types.EntityManifest, a.Digest, a.ContentType, a.Dependencies)

		case types.HashTagged:
			s.graph.setTag(a.Repository, a.Tag, a.Digest)

		case types.Empty:
			// no-op, committed by a freshly elected leader

		default:
			s.logger.Error().Str("kind", string(action.Kind())).Msg("unrecognized action applied; ignoring")
		}
	}

	s.drainWaiters(blobsStoredHere, manifestsStoredHere)
	s.graph.mu.Unlock()
}

// drainWaiters closes and removes every waiter registered for the given
// digests. Callers must already hold graph.mu for writing.
func (s *StateMachine) drainWaiters(blobs, manifests []types.Digest) {
	for _, d := range blobs {
		for _, ch := range s.blobWaiters[d] {
			close(ch)
		}
		delete(s.blobWaiters, d)
	}
	for _, d := range manifests {
		for _, ch := range s.manifestWaiters[d] {
			close(ch)
		}
		delete(s.manifestWaiters, d)
	}
}

// WaitForBlob returns a channel that is already closed if d is present at
// self, or will be closed the moment a BlobStored{location: self} for d is
// applied. The availability check and the registration happen under the
// same lock Apply uses to drain waiters, closing the race window between
// "check" and "subscribe".
func (s *StateMachine) WaitForBlob(d types.Digest) <-chan struct{} {
	return s.waitFor(types.EntityBlob, d)
}

// WaitForManifest is the manifest analogue of WaitForBlob.
func (s *StateMachine) WaitForManifest(d types.Digest) <-chan struct{} {
	return s.waitFor(types.EntityManifest, d)
}

func (s *StateMachine) waitFor(kind types.EntityKind, d types.Digest) <-chan struct{} {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()

	e, ok := s.graph.entities(kind)[d]
	alreadyHere := ok && hasLocation(e, s.self)

	ch := make(chan struct{})
	if alreadyHere {
		close(ch)
		return ch
	}

	if kind == types.EntityManifest {
		s.manifestWaiters[d] = append(s.manifestWaiters[d], ch)
	} else {
		s.blobWaiters[d] = append(s.blobWaiters[d], ch)
	}
	return ch
}

func hasLocation(e *types.Entity, self types.NodeIdentifier) bool {
	_, ok := e.Locations[self]
	return ok
}

// PeekOrphanedMounts returns, without clearing, the LastRepositories
// snapshot for every orphaned entity of kind for which isOldEnough reports
// true (the GarbageCollector judges this by the entity's Updated
// timestamp). This is the GarbageCollector
// Phase 1 input: the repositories that were mounted just before the entity
// orphaned. Callers must confirm each entry via ClearOrphanedMount once its
// Unmounted proposals have actually committed; consuming the snapshot ahead
// of commit would permanently lose it if the proposal failed.
func (s *StateMachine) PeekOrphanedMounts(kind types.EntityKind, isOldEnough func(types.Entity) bool) []OrphanedMount {
	s.graph.mu.RLock()
	defer s.graph.mu.RUnlock()

	var out []OrphanedMount
	for d, e := range s.graph.entities(kind) {
		if !e.Orphaned() || len(e.LastRepositories) == 0 {
			continue
		}
		if !isOldEnough(cloneEntity(e)) {
			continue
		}
		repos := make([]types.RepositoryName, 0, len(e.LastRepositories))
		for r := range e.LastRepositories {
			repos = append(repos, r)
		}
		out = append(out, OrphanedMount{Digest: d, Repositories: repos})
	}
	return out
}

// ClearOrphanedMount removes repos from d's LastRepositories snapshot, once
// the caller has confirmed the Unmounted proposals covering them committed
// successfully. Only the named repositories are removed, so a repository
// that mounted again after the peek (and so is no longer part of the stale
// snapshot) is left untouched rather than silently dropped.
func (s *StateMachine) ClearOrphanedMount(kind types.EntityKind, d types.Digest, repos []types.RepositoryName) {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()

	e, ok := s.graph.entities(kind)[d]
	if !ok {
		return
	}
	for _, r := range repos {
		delete(e.LastRepositories, r)
	}
}

// OrphanedMount is one digest's worth of Phase 1 input: the repositories to
// propose Unmounted actions for.
type OrphanedMount struct {
	Digest       types.Digest
	Repositories []types.RepositoryName
}
