package statemachine

import (
	"sync"
	"time"

	"github.com/clusterreg/registry/pkg/types"
)

// Graph is the in-memory projection of the committed action log: blob and
// manifest entities keyed by digest, plus the tag index. It is a pure
// function of the applied action prefix — the same sequence applied from
// empty state produces the same graph on every node.
//
// Mutation happens under the write lock (Apply, Import and
// StateMachine.ClearOrphanedMount); readers take the RLock. Apply holds
// the write lock for the whole batch and does no I/O while holding it.
type Graph struct {
	mu sync.RWMutex

	blobs     map[types.Digest]*types.Entity
	manifests map[types.Digest]*types.Entity
	tags      map[types.TagKey]types.Digest
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		blobs:     make(map[types.Digest]*types.Entity),
		manifests: make(map[types.Digest]*types.Entity),
		tags:      make(map[types.TagKey]types.Digest),
	}
}

func (g *Graph) entities(kind types.EntityKind) map[types.Digest]*types.Entity {
	if kind == types.EntityManifest {
		return g.manifests
	}
	return g.blobs
}

// GetBlob returns a copy of the blob entity for digest d, if it exists.
func (g *Graph) GetBlob(d types.Digest) (types.Entity, bool) {
	return g.get(types.EntityBlob, d)
}

// GetManifest returns a copy of the manifest entity for digest d, if it exists.
func (g *Graph) GetManifest(d types.Digest) (types.Entity, bool) {
	return g.get(types.EntityManifest, d)
}

func (g *Graph) get(kind types.EntityKind, d types.Digest) (types.Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entities(kind)[d]
	if !ok {
		return types.Entity{}, false
	}
	return cloneEntity(e), true
}

// IsBlobAvailable reports whether repository has a mounted, known blob d.
func (g *Graph) IsBlobAvailable(repo types.RepositoryName, d types.Digest) bool {
	return g.isAvailable(types.EntityBlob, repo, d)
}

// IsManifestAvailable reports whether repository has a mounted, known manifest d.
func (g *Graph) IsManifestAvailable(repo types.RepositoryName, d types.Digest) bool {
	return g.isAvailable(types.EntityManifest, repo, d)
}

func (g *Graph) isAvailable(kind types.EntityKind, repo types.RepositoryName, d types.Digest) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entities(kind)[d]
	if !ok {
		return false
	}
	_, mounted := e.Repositories[repo]
	return mounted
}

// GetTag resolves a (repository, tag) pair to its bound digest.
func (g *Graph) GetTag(repo types.RepositoryName, tag string) (types.Digest, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.tags[types.TagKey{Repository: repo, Tag: tag}]
	return d, ok
}

// BlobCount reports the number of known blob entities, for the metrics
// collector.
func (g *Graph) BlobCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.blobs)
}

// ManifestCount reports the number of known manifest entities.
func (g *Graph) ManifestCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.manifests)
}

// TagCount reports the number of tags in the repository index.
func (g *Graph) TagCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tags)
}

// OrphanedEntry pairs a digest with a snapshot of its orphaned entity.
type OrphanedEntry struct {
	Digest types.Digest
	Entity types.Entity
}

// GetOrphanedBlobs returns every blob entity with an empty repository set.
func (g *Graph) GetOrphanedBlobs() []OrphanedEntry {
	return g.getOrphaned(types.EntityBlob)
}

// GetOrphanedManifests returns every manifest entity with an empty repository set.
func (g *Graph) GetOrphanedManifests() []OrphanedEntry {
	return g.getOrphaned(types.EntityManifest)
}

func (g *Graph) getOrphaned(kind types.EntityKind) []OrphanedEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []OrphanedEntry
	for d, e := range g.entities(kind) {
		if e.Orphaned() {
			out = append(out, OrphanedEntry{Digest: d, Entity: cloneEntity(e)})
		}
	}
	return out
}

func cloneEntity(e *types.Entity) types.Entity {
	out := *e
	out.Locations = cloneSet(e.Locations)
	out.Repositories = cloneSet(e.Repositories)
	if e.LastRepositories != nil {
		out.LastRepositories = cloneSet(e.LastRepositories)
	}
	if e.Dependencies != nil {
		out.Dependencies = append([]types.Digest(nil), e.Dependencies...)
	}
	return out
}

func cloneSet[K comparable](in map[K]struct{}) map[K]struct{} {
	out := make(map[K]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// mount attaches repo to the entity for d, creating it if necessary.
func (g *Graph) mount(kind types.EntityKind, d types.Digest, repo types.RepositoryName, t time.Time) {
	entities := g.entities(kind)
	e, ok := entities[d]
	if !ok {
		e = types.NewEntity(d, t)
		entities[d] = e
	}
	e.Repositories[repo] = struct{}{}
	e.Updated = t
}

// unmount detaches repo from the entity for d, deleting the entity if it
// becomes dead and snapshotting LastRepositories the instant it orphans.
func (g *Graph) unmount(kind types.EntityKind, d types.Digest, repo types.RepositoryName, t time.Time) {
	entities := g.entities(kind)
	e, ok := entities[d]
	if !ok {
		return
	}
	_, wasMounted := e.Repositories[repo]
	delete(e.Repositories, repo)
	e.Updated = t
	if wasMounted && e.Orphaned() {
		// There is nothing left to snapshot once it's already empty, but we
		// still want a record that this repo was the last one mounted.
		e.LastRepositories = map[types.RepositoryName]struct{}{repo: {}}
	}
	if e.Dead() {
		delete(entities, d)
	}
}

// store attaches location to the entity for d, creating it if necessary.
func (g *Graph) store(kind types.EntityKind, d types.Digest, loc types.NodeIdentifier, t time.Time) {
	entities := g.entities(kind)
	e, ok := entities[d]
	if !ok {
		e = types.NewEntity(d, t)
		entities[d] = e
	}
	e.Locations[loc] = struct{}{}
	e.Updated = t
}

// unstore detaches location from the entity for d, deleting it if dead.
func (g *Graph) unstore(kind types.EntityKind, d types.Digest, loc types.NodeIdentifier, t time.Time) {
	entities := g.entities(kind)
	e, ok := entities[d]
	if !ok {
		return
	}
	delete(e.Locations, loc)
	e.Updated = t
	if e.Dead() {
		delete(entities, d)
	}
}

func (g *Graph) setStat(kind types.EntityKind, d types.Digest, size int64) {
	if e, ok := g.entities(kind)[d]; ok {
		e.Size = size
		e.HasSize = true
	}
}

func (g *Graph) setInfo(kind types.EntityKind, d types.Digest, contentType string, deps []types.Digest) {
	if e, ok := g.entities(kind)[d]; ok {
		e.ContentType = contentType
		e.Dependencies = deps
	}
}

func (g *Graph) setTag(repo types.RepositoryName, tag string, d types.Digest) {
	g.tags[types.TagKey{Repository: repo, Tag: tag}] = d
}
