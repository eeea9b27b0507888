package consensus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/clusterreg/registry/pkg/log"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
)

// HTTPTransport implements raft.Transport over plain JSON-over-HTTP POSTs
// to /raft-vote, /raft-append and /raft-snapshot, matching the peer RPC
// wire protocol. It stands in for raft.NewTCPTransport's binary gob
// protocol so the whole peer surface, consensus included, speaks the one
// JSON/HTTP wire format the spec names.
type HTTPTransport struct {
	localID   raft.ServerID
	localAddr raft.ServerAddress
	client    *http.Client
	logger    zerolog.Logger

	consumerCh chan raft.RPC

	mu              sync.Mutex
	heartbeatFn     func(raft.RPC)
	peerAddrByID    map[raft.ServerID]raft.ServerAddress
}

// NewHTTPTransport constructs a transport bound to a local address. The
// caller mounts Handler() on its admin/peer net/http.ServeMux.
func NewHTTPTransport(localID raft.ServerID, localAddr raft.ServerAddress) *HTTPTransport {
	return &HTTPTransport{
		localID:      localID,
		localAddr:    localAddr,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       log.WithComponent("raft-transport"),
		consumerCh:   make(chan raft.RPC, 64),
		peerAddrByID: make(map[raft.ServerID]raft.ServerAddress),
	}
}

// Handler returns the http.Handler to mount the three raft-* routes on.
func (t *HTTPTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /raft-vote", t.serveVote)
	mux.HandleFunc("POST /raft-append", t.serveAppend)
	mux.HandleFunc("POST /raft-snapshot", t.serveSnapshot)
	return mux
}

func (t *HTTPTransport) serveVote(w http.ResponseWriter, r *http.Request) {
	var req raft.RequestVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := t.dispatch(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}

func (t *HTTPTransport) serveAppend(w http.ResponseWriter, r *http.Request) {
	var req raft.AppendEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	t.mu.Lock()
	fn := t.heartbeatFn
	t.mu.Unlock()
	if fn != nil && isHeartbeat(&req) {
		respCh := make(chan raft.RPCResponse, 1)
		fn(raft.RPC{Command: &req, RespChan: respCh})
		rpcResp := <-respCh
		if rpcResp.Error != nil {
			http.Error(w, rpcResp.Error.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, rpcResp.Response)
		return
	}

	resp, err := t.dispatch(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}

// serveSnapshot reads a JSON header line describing the
// raft.InstallSnapshotRequest followed by the raw snapshot bytes, per §6's
// "JSON header line, then snapshot bytes" framing.
func (t *HTTPTransport) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	reader := bufio.NewReader(bufReader(r.Body))
	header, err := reader.ReadBytes('\n')
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req raft.InstallSnapshotRequest
	if err := json.Unmarshal(header, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rpcResp, err := t.dispatchWithData(&req, reader)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rpcResp)
}

func (t *HTTPTransport) dispatch(cmd raft.RPCHeader) (interface{}, error) {
	return t.dispatchWithData(cmd, nil)
}

func (t *HTTPTransport) dispatchWithData(cmd raft.RPCHeader, data io.Reader) (interface{}, error) {
	respCh := make(chan raft.RPCResponse, 1)
	t.consumerCh <- raft.RPC{Command: cmd, Reader: data, RespChan: respCh}
	resp := <-respCh
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Response, nil
}

func isHeartbeat(req *raft.AppendEntriesRequest) bool {
	return len(req.Entries) == 0 && req.Term != 0
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func bufReader(r io.Reader) io.Reader {
	if br, ok := r.(*bytes.Reader); ok {
		return br
	}
	return r
}

// --- raft.Transport interface ---

func (t *HTTPTransport) Consumer() <-chan raft.RPC { return t.consumerCh }

func (t *HTTPTransport) LocalAddr() raft.ServerAddress { return t.localAddr }

func (t *HTTPTransport) AppendEntriesPipeline(id raft.ServerID, target raft.ServerAddress) (raft.AppendPipeline, error) {
	return nil, fmt.Errorf("consensus: pipelining not supported by HTTPTransport")
}

func (t *HTTPTransport) AppendEntries(id raft.ServerID, target raft.ServerAddress, args *raft.AppendEntriesRequest, resp *raft.AppendEntriesResponse) error {
	return t.post(target, "/raft-append", args, resp)
}

func (t *HTTPTransport) RequestVote(id raft.ServerID, target raft.ServerAddress, args *raft.RequestVoteRequest, resp *raft.RequestVoteResponse) error {
	return t.post(target, "/raft-vote", args, resp)
}

func (t *HTTPTransport) InstallSnapshot(id raft.ServerID, target raft.ServerAddress, args *raft.InstallSnapshotRequest, resp *raft.InstallSnapshotResponse, data io.Reader) error {
	header, err := json.Marshal(args)
	if err != nil {
		return err
	}
	body := io.MultiReader(bytes.NewReader(append(header, '\n')), data)

	httpResp, err := t.client.Post(fmt.Sprintf("http://%s/raft-snapshot", target), "application/json", body)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("consensus: install snapshot to %s: %s: %s", target, httpResp.Status, string(b))
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

func (t *HTTPTransport) EncodePeer(id raft.ServerID, addr raft.ServerAddress) []byte {
	return []byte(addr)
}

func (t *HTTPTransport) DecodePeer(data []byte) raft.ServerAddress {
	return raft.ServerAddress(data)
}

func (t *HTTPTransport) SetHeartbeatHandler(fn func(raft.RPC)) {
	t.mu.Lock()
	t.heartbeatFn = fn
	t.mu.Unlock()
}

func (t *HTTPTransport) TimeoutNow(id raft.ServerID, target raft.ServerAddress, args *raft.TimeoutNowRequest, resp *raft.TimeoutNowResponse) error {
	return t.post(target, "/raft-timeout-now", args, resp)
}

func (t *HTTPTransport) post(target raft.ServerAddress, path string, args, resp interface{}) error {
	body, err := json.Marshal(args)
	if err != nil {
		return err
	}
	httpResp, err := t.client.Post(fmt.Sprintf("http://%s%s", target, path), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("consensus: %s to %s: %s: %s", path, target, httpResp.Status, string(b))
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}
