// Package gc implements the two-phase garbage collector: Phase 1 (leader
// only) unmounts repositories an orphaned entity was last mounted against;
// Phase 2 (every node) deletes locally stored bytes for entities that are
// fully orphaned and reports the removal.
package gc

import (
	"context"
	"time"

	"github.com/clusterreg/registry/pkg/log"
	"github.com/clusterreg/registry/pkg/metrics"
	"github.com/clusterreg/registry/pkg/objectstore"
	"github.com/clusterreg/registry/pkg/statemachine"
	"github.com/clusterreg/registry/pkg/types"
	"github.com/rs/zerolog"
)

// minimumGarbageAge gates both phases: an entity must have sat in its
// current orphaned state for this long before any action is taken, so a
// multi-step push that briefly appears orphaned is never collected.
const minimumGarbageAge = 12 * time.Hour

const sweepInterval = 60 * time.Second

// LeadershipChecker reports whether this node currently holds Raft
// leadership, gating Phase 1.
type LeadershipChecker interface {
	IsLeader() bool
}

// Proposer is the subset of ConsensusGroup GC needs.
type Proposer interface {
	Propose(ctx context.Context, batch types.Batch) (uint64, error)
}

// Collector is the per-node garbage collection loop.
type Collector struct {
	self     types.NodeIdentifier
	sm       *statemachine.StateMachine
	store    *objectstore.Store
	leader   LeadershipChecker
	proposer Proposer
	logger   zerolog.Logger

	stopCh chan struct{}
	done   chan struct{}
}

// New constructs a Collector for the given local node.
func New(self types.NodeIdentifier, sm *statemachine.StateMachine, store *objectstore.Store, leader LeadershipChecker, proposer Proposer) *Collector {
	return &Collector{
		self:     self,
		sm:       sm,
		store:    store,
		leader:   leader,
		proposer: proposer,
		logger:   log.WithComponent("gc"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the 60s sweep loop in a background goroutine.
func (c *Collector) Start() {
	go c.run()
}

// Stop signals the loop to exit and blocks until it has.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.done
}

func (c *Collector) run() {
	defer close(c.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	c.logger.Info().Msg("garbage collector started")
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			c.logger.Info().Msg("garbage collector stopped")
			return
		}
	}
}

func (c *Collector) sweep() {
	metrics.GCCyclesTotal.Inc()

	if c.leader.IsLeader() {
		c.phase1(types.EntityBlob)
		c.phase1(types.EntityManifest)
	}
	c.phase2(types.EntityBlob)
	c.phase2(types.EntityManifest)
}

func isOldEnough(now time.Time) func(types.Entity) bool {
	return func(e types.Entity) bool {
		return now.Sub(e.Updated) >= minimumGarbageAge
	}
}

// phase1 proposes *Unmounted for every repository an orphaned entity was
// last mounted against, once it has aged past minimumGarbageAge. Leader
// only: proposing from every node would just produce redundant, harmlessly
// idempotent commits, but there is no reason to pay that cost cluster-wide.
func (c *Collector) phase1(kind types.EntityKind) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GCCycleDuration, "phase1")

	now := time.Now().UTC()
	for _, mount := range c.sm.PeekOrphanedMounts(kind, isOldEnough(now)) {
		batch := make(types.Batch, 0, len(mount.Repositories))
		for _, repo := range mount.Repositories {
			batch = append(batch, unmountedAction(kind, mount.Digest, repo, now))
		}
		if len(batch) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := c.proposer.Propose(ctx, batch)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Str("digest", mount.Digest.String()).Msg("gc phase 1: propose unmounted failed")
			continue
		}
		// Only clear the snapshot once the Unmounted batch has actually
		// committed, so a failed Propose leaves it intact for the next sweep.
		c.sm.ClearOrphanedMount(kind, mount.Digest, mount.Repositories)
		metrics.GCReclaimedTotal.WithLabelValues(string(kind) + "_mount").Add(float64(len(batch)))
	}
}

func unmountedAction(kind types.EntityKind, d types.Digest, repo types.RepositoryName, now time.Time) types.RegistryAction {
	if kind == types.EntityManifest {
		return types.ManifestUnmounted{Digest: d, Repository: repo, User: types.SystemUser, Timestamp: now}
	}
	return types.BlobUnmounted{Digest: d, Repository: repo, User: types.SystemUser, Timestamp: now}
}

// phase2 deletes the local file for every orphaned entity stored at self,
// once aged past minimumGarbageAge, then proposes *Unstored. A failed
// deletion is logged and skipped without proposing Unstored, preserving
// "file present iff location set".
func (c *Collector) phase2(kind types.EntityKind) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GCCycleDuration, "phase2")

	now := time.Now().UTC()
	old := isOldEnough(now)

	var orphaned []statemachine.OrphanedEntry
	if kind == types.EntityManifest {
		orphaned = c.sm.Graph().GetOrphanedManifests()
	} else {
		orphaned = c.sm.Graph().GetOrphanedBlobs()
	}

	for _, entry := range orphaned {
		if !old(entry.Entity) {
			continue
		}
		if _, here := entry.Entity.Locations[c.self]; !here {
			continue
		}

		if err := c.store.Remove(kind, entry.Digest); err != nil {
			c.logger.Error().Err(err).Str("digest", entry.Digest.String()).Msg("gc phase 2: delete local object failed, skipping unstore")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := c.proposer.Propose(ctx, types.Batch{unstoredAction(kind, entry.Digest, c.self, now)})
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Str("digest", entry.Digest.String()).Msg("gc phase 2: propose unstored failed")
			continue
		}
		metrics.GCReclaimedTotal.WithLabelValues(string(kind)).Inc()
	}
}

func unstoredAction(kind types.EntityKind, d types.Digest, self types.NodeIdentifier, now time.Time) types.RegistryAction {
	if kind == types.EntityManifest {
		return types.ManifestUnstored{Digest: d, Location: self, User: types.SystemUser, Timestamp: now}
	}
	return types.BlobUnstored{Digest: d, Location: self, User: types.SystemUser, Timestamp: now}
}
