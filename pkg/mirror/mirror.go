// Package mirror ensures that every entity whose locations include at
// least one peer but not this node gets fetched and stored locally.
package mirror

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/clusterreg/registry/pkg/events"
	"github.com/clusterreg/registry/pkg/log"
	"github.com/clusterreg/registry/pkg/metrics"
	"github.com/clusterreg/registry/pkg/mint"
	"github.com/clusterreg/registry/pkg/objectstore"
	"github.com/clusterreg/registry/pkg/statemachine"
	"github.com/clusterreg/registry/pkg/types"
	"github.com/rs/zerolog"
)

const drainInterval = 10 * time.Second

// Peer is one configured cluster member's object-fetch endpoint.
type Peer struct {
	Name         types.NodeIdentifier
	RegistryAddr string // host:port serving GET /v2/<repo>/<kind>/<digest>
}

// Proposer is the subset of ConsensusGroup Mirror needs: proposing a
// *Stored action once a fetch is verified and committed locally.
type Proposer interface {
	Propose(ctx context.Context, batch types.Batch) (uint64, error)
}

// Config configures a Mirror instance.
type Config struct {
	Self  types.NodeIdentifier
	Peers []Peer
	// DataDir is the storage root; mirror.db lives directly under it.
	DataDir string
}

// Mirror is the per-node background worker that fetches remote objects
// referenced by this node's locations but not yet present locally.
type Mirror struct {
	self     types.NodeIdentifier
	peerAddr map[types.NodeIdentifier]string

	sm       *statemachine.StateMachine
	store    *objectstore.Store
	minter   *mint.Minter
	proposer Proposer
	broker   *events.Broker
	queue    *Queue
	client   *http.Client
	logger   zerolog.Logger

	pendingMu sync.Mutex
	pending   map[string]Request

	newWork chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
}

// New constructs a Mirror. Call Start to begin processing.
func New(cfg Config, sm *statemachine.StateMachine, store *objectstore.Store, minter *mint.Minter, proposer Proposer, broker *events.Broker) (*Mirror, error) {
	queue, err := OpenQueue(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	peerAddr := make(map[types.NodeIdentifier]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p.Name == cfg.Self {
			continue
		}
		peerAddr[p.Name] = p.RegistryAddr
	}

	return &Mirror{
		self:     cfg.Self,
		peerAddr: peerAddr,
		sm:       sm,
		store:    store,
		minter:   minter,
		proposer: proposer,
		broker:   broker,
		queue:    queue,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   log.WithComponent("mirror"),
		pending:  make(map[string]Request),
		newWork:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start reloads the durable queue, subscribes to committed batches, and
// begins the drain loop. It returns once startup bookkeeping is complete;
// the loops run in background goroutines.
func (m *Mirror) Start() error {
	loaded, err := m.queue.LoadAll()
	if err != nil {
		return err
	}
	m.pendingMu.Lock()
	for _, req := range loaded {
		m.pending[req.key()] = req
	}
	m.pendingMu.Unlock()

	sub := m.broker.Subscribe()
	go m.watchCommits(sub)
	go m.drainLoop()
	return nil
}

// Stop signals both loops to exit, blocks until the drain loop has returned,
// then closes the durable queue. It does not wait for the commit watcher.
func (m *Mirror) Stop() {
	close(m.stopCh)
	<-m.done
	m.queue.Close()
}

func (m *Mirror) watchCommits(sub events.Subscriber) {
	defer m.broker.Unsubscribe(sub)
	for {
		select {
		case committed, ok := <-sub:
			if !ok {
				return
			}
			m.observeBatch(committed.Batch)
		case <-m.stopCh:
			return
		}
	}
}

// observeBatch enqueues a mirror request for every digest touched by a
// Mounted/Stored action that is not yet present at self.
func (m *Mirror) observeBatch(batch types.Batch) {
	for _, action := range batch {
		var (
			kind types.EntityKind
			d    types.Digest
		)
		switch a := action.(type) {
		case types.BlobMounted:
			kind, d = types.EntityBlob, a.Digest
		case types.BlobStored:
			kind, d = types.EntityBlob, a.Digest
		case types.ManifestMounted:
			kind, d = types.EntityManifest, a.Digest
		case types.ManifestStored:
			kind, d = types.EntityManifest, a.Digest
		default:
			continue
		}
		m.maybeEnqueue(kind, d)
	}
}

func (m *Mirror) maybeEnqueue(kind types.EntityKind, d types.Digest) {
	var (
		entity types.Entity
		ok     bool
	)
	if kind == types.EntityManifest {
		entity, ok = m.sm.Graph().GetManifest(d)
	} else {
		entity, ok = m.sm.Graph().GetBlob(d)
	}
	if !ok || len(entity.Repositories) == 0 {
		return
	}
	if _, here := entity.Locations[m.self]; here {
		return
	}
	if !m.hasRemotePeer(entity) {
		return
	}

	req := Request{Kind: kind, Digest: d, EnqueuedAt: time.Now()}
	m.enqueue(req)
}

func (m *Mirror) hasRemotePeer(e types.Entity) bool {
	for loc := range e.Locations {
		if loc == m.self {
			continue
		}
		if _, known := m.peerAddr[loc]; known {
			return true
		}
	}
	return false
}

func (m *Mirror) enqueue(req Request) {
	m.pendingMu.Lock()
	m.pending[req.key()] = req
	m.pendingMu.Unlock()

	if err := m.queue.Put(req); err != nil {
		m.logger.Error().Err(err).Str("digest", req.Digest.String()).Msg("failed to persist mirror request")
	}

	select {
	case m.newWork <- struct{}{}:
	default:
	}
}

func (m *Mirror) dequeueAll() []Request {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	out := make([]Request, 0, len(m.pending))
	for _, req := range m.pending {
		out = append(out, req)
	}
	return out
}

func (m *Mirror) forget(req Request) {
	m.pendingMu.Lock()
	delete(m.pending, req.key())
	m.pendingMu.Unlock()
	if err := m.queue.Delete(req); err != nil {
		m.logger.Error().Err(err).Str("digest", req.Digest.String()).Msg("failed to clear mirror request from queue")
	}
}

func (m *Mirror) drainLoop() {
	defer close(m.done)
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	m.logger.Info().Msg("mirror started")
	for {
		select {
		case <-ticker.C:
			m.drainOnce()
		case <-m.newWork:
			m.drainOnce()
		case <-m.stopCh:
			m.logger.Info().Msg("mirror stopped")
			return
		}
	}
}

func (m *Mirror) drainOnce() {
	metrics.MirrorQueueDepth.Set(float64(len(m.dequeueAll())))
	for _, req := range m.dequeueAll() {
		select {
		case <-m.stopCh:
			return
		default:
		}
		m.process(req)
	}
}

func (m *Mirror) process(req Request) {
	var (
		entity types.Entity
		ok     bool
	)
	if req.Kind == types.EntityManifest {
		entity, ok = m.sm.Graph().GetManifest(req.Digest)
	} else {
		entity, ok = m.sm.Graph().GetBlob(req.Digest)
	}
	if !ok || len(entity.Repositories) == 0 {
		m.forget(req)
		return
	}
	if _, here := entity.Locations[m.self]; here {
		m.forget(req)
		return
	}

	peer, repository, ok := m.pickPeer(entity)
	if !ok {
		// No reachable peer currently known; try again next drain.
		return
	}

	timer := metrics.NewTimer()
	err := m.fetch(peer, string(req.Kind), repository, req.Digest)
	timer.ObserveDurationVec(metrics.MirrorTransferDuration, string(req.Kind))
	if err != nil {
		metrics.MirrorTransfersTotal.WithLabelValues(string(req.Kind), "failure").Inc()
		m.logger.Warn().Err(err).Str("digest", req.Digest.String()).Str("peer", string(peer)).Msg("mirror fetch failed, will retry")
		return
	}
	metrics.MirrorTransfersTotal.WithLabelValues(string(req.Kind), "success").Inc()

	if err := m.proposeStored(req); err != nil {
		m.logger.Warn().Err(err).Str("digest", req.Digest.String()).Msg("mirror: propose stored failed, will retry")
		return
	}
	m.forget(req)
}

func (m *Mirror) pickPeer(e types.Entity) (types.NodeIdentifier, types.RepositoryName, bool) {
	var candidates []types.NodeIdentifier
	for loc := range e.Locations {
		if loc == m.self {
			continue
		}
		if _, known := m.peerAddr[loc]; known {
			candidates = append(candidates, loc)
		}
	}
	if len(candidates) == 0 {
		return "", "", false
	}
	peer := candidates[rand.Intn(len(candidates))]

	var repo types.RepositoryName
	for r := range e.Repositories {
		repo = r
		break
	}
	return peer, repo, true
}

func (m *Mirror) fetch(peer types.NodeIdentifier, kind string, repository types.RepositoryName, d types.Digest) error {
	addr := m.peerAddr[peer]
	url := fmt.Sprintf("http://%s/v2/%s/%s/%s", addr, repository, kind, d)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	token, err := m.minter.Token(ctx, string(repository))
	if err != nil {
		return fmt.Errorf("mirror: mint token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mirror: fetch from peer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mirror: peer %s returned %s", peer, resp.Status)
	}

	entityKind := types.EntityBlob
	if kind == string(types.EntityManifest) {
		entityKind = types.EntityManifest
	}
	upload, err := m.store.NewUpload(entityKind)
	if err != nil {
		return err
	}
	if _, err := io.Copy(upload, resp.Body); err != nil {
		upload.Abort()
		return fmt.Errorf("mirror: stream response: %w", err)
	}
	if _, err := upload.Commit(d); err != nil {
		return err
	}
	return nil
}

func (m *Mirror) proposeStored(req Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	var action types.RegistryAction
	if req.Kind == types.EntityManifest {
		action = types.ManifestStored{Digest: req.Digest, Location: m.self, User: types.SystemUser, Timestamp: now}
	} else {
		action = types.BlobStored{Digest: req.Digest, Location: m.self, User: types.SystemUser, Timestamp: now}
	}
	_, err := m.proposer.Propose(ctx, types.Batch{action})
	return err
}
