package mirror

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clusterreg/registry/pkg/events"
	"github.com/clusterreg/registry/pkg/mint"
	"github.com/clusterreg/registry/pkg/objectstore"
	"github.com/clusterreg/registry/pkg/statemachine"
	"github.com/clusterreg/registry/pkg/types"
)

func mustDigest(t *testing.T, hex string) types.Digest {
	t.Helper()
	d, err := types.ParseDigest("sha256:" + hex)
	if err != nil {
		t.Fatalf("ParseDigest() error = %v", err)
	}
	return d
}

func newTestMirror(t *testing.T, self types.NodeIdentifier, peers []Peer, proposer Proposer) (*Mirror, *statemachine.StateMachine, *objectstore.Store) {
	t.Helper()
	return newTestMirrorWithMinter(t, self, peers, proposer, mint.New(mint.Credentials{}))
}

func newTestMirrorWithMinter(t *testing.T, self types.NodeIdentifier, peers []Peer, proposer Proposer, minter *mint.Minter) (*Mirror, *statemachine.StateMachine, *objectstore.Store) {
	t.Helper()
	sm := statemachine.New(self)
	store, err := objectstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("objectstore.New() error = %v", err)
	}
	broker := events.NewBroker()

	m, err := New(Config{Self: self, Peers: peers, DataDir: t.TempDir()}, sm, store, minter, proposer, broker)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m, sm, store
}

func TestMaybeEnqueue_SkipsWhenAlreadyLocal(t *testing.T) {
	m, sm, _ := newTestMirror(t, "node-1", nil, nil)
	d := mustDigest(t, "3000000000000000000000000000000000000000000000000000000000000001")

	sm.Apply(types.Batch{
		types.BlobMounted{Digest: d, Repository: "library/alpine", Timestamp: time.Now()},
		types.BlobStored{Digest: d, Location: "node-1", Timestamp: time.Now()},
	})

	m.maybeEnqueue(types.EntityBlob, d)

	if len(m.dequeueAll()) != 0 {
		t.Error("expected no enqueue for an entity already stored locally")
	}
}

func TestMaybeEnqueue_SkipsWhenNoKnownPeerHoldsIt(t *testing.T) {
	m, sm, _ := newTestMirror(t, "node-1", nil, nil)
	d := mustDigest(t, "3000000000000000000000000000000000000000000000000000000000000002")

	sm.Apply(types.Batch{
		types.BlobMounted{Digest: d, Repository: "library/alpine", Timestamp: time.Now()},
		types.BlobStored{Digest: d, Location: "node-3", Timestamp: time.Now()},
	})

	m.maybeEnqueue(types.EntityBlob, d)

	if len(m.dequeueAll()) != 0 {
		t.Error("expected no enqueue when the holder is not a configured peer")
	}
}

func TestMaybeEnqueue_EnqueuesWhenPeerHoldsIt(t *testing.T) {
	m, sm, _ := newTestMirror(t, "node-1", []Peer{{Name: "node-2", RegistryAddr: "127.0.0.1:0"}}, nil)
	d := mustDigest(t, "3000000000000000000000000000000000000000000000000000000000000003")

	sm.Apply(types.Batch{
		types.BlobMounted{Digest: d, Repository: "library/alpine", Timestamp: time.Now()},
		types.BlobStored{Digest: d, Location: "node-2", Timestamp: time.Now()},
	})

	m.maybeEnqueue(types.EntityBlob, d)

	pending := m.dequeueAll()
	if len(pending) != 1 || !pending[0].Digest.Equal(d) {
		t.Fatalf("expected the blob to be enqueued, got %+v", pending)
	}
}

type fakeProposer struct {
	batches []types.Batch
}

func (p *fakeProposer) Propose(_ context.Context, batch types.Batch) (uint64, error) {
	p.batches = append(p.batches, batch)
	return uint64(len(p.batches)), nil
}

func TestProcess_FetchesFromPeerAndProposesStored(t *testing.T) {
	content := "mirrored content"
	d, err := types.HashReader(strings.NewReader(content))
	if err != nil {
		t.Fatalf("hash content: %v", err)
	}

	peerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(content))
	}))
	defer peerServer.Close()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"test-token","expires_in":60}`))
	}))
	defer tokenServer.Close()
	minter := mint.New(mint.Credentials{Realm: tokenServer.URL, Service: "registry"})

	proposer := &fakeProposer{}
	m, sm, store := newTestMirrorWithMinter(t, "node-1", []Peer{{Name: "node-2", RegistryAddr: peerServer.Listener.Addr().String()}}, proposer, minter)

	sm.Apply(types.Batch{
		types.BlobMounted{Digest: d, Repository: "library/alpine", Timestamp: time.Now()},
		types.BlobStored{Digest: d, Location: "node-2", Timestamp: time.Now()},
	})

	m.process(Request{Kind: types.EntityBlob, Digest: d, EnqueuedAt: time.Now()})

	if !store.Exists(types.EntityBlob, d) {
		t.Error("expected process to fetch and commit the object locally")
	}
	if len(proposer.batches) != 1 {
		t.Fatalf("expected 1 proposed batch, got %d", len(proposer.batches))
	}
	stored, ok := proposer.batches[0][0].(types.BlobStored)
	if !ok || stored.Location != "node-1" {
		t.Errorf("unexpected proposed action: %+v", proposer.batches[0][0])
	}
}
