package api

import (
	"encoding/json"
	"net/http"

	"github.com/clusterreg/registry/pkg/statemachine"
	"github.com/clusterreg/registry/pkg/types"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleWrite accepts a JSON array of RegistryAction envelopes, proposes
// them as one batch, and replies with the committed index or a NotLeader
// payload.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var envelopes []types.Envelope
	if err := json.NewDecoder(r.Body).Decode(&envelopes); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	batch := make(types.Batch, 0, len(envelopes))
	for _, env := range envelopes {
		action, err := types.DecodeAction(env)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		batch = append(batch, action)
	}

	ctx, cancel := leaderContext()
	defer cancel()
	index, err := s.group.Propose(ctx, batch)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, struct {
		Index uint64 `json:"index"`
	}{Index: index})
}

type membershipRequest struct {
	NodeID  types.NodeIdentifier `json:"node_id"`
	Address string               `json:"address"`
}

func (s *Server) handleAddLearner(w http.ResponseWriter, r *http.Request) {
	var req membershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.group.AddLearner(req.NodeID, req.Address); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type changeMembershipRequest struct {
	membershipRequest
	Action string `json:"action"` // "add_voter" | "remove"
}

func (s *Server) handleChangeMembership(w http.ResponseWriter, r *http.Request) {
	var req changeMembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	switch req.Action {
	case "remove":
		err = s.group.RemoveServer(req.NodeID)
	default:
		err = s.group.AddVoter(req.NodeID, req.Address)
	}
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleInit bootstraps a brand-new single-node cluster.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if err := s.group.Bootstrap(); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleExport streams a JSON snapshot of the full StateMachine graph.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	snap := s.sm.Export()
	writeJSON(w, snap)
}

// handleImport loads a snapshot into this node, refusing if the node already
// has graph state (i.e. isn't a freshly bootstrapped, empty node).
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	existing := s.sm.Export()
	if len(existing.Blobs) > 0 || len(existing.Manifests) > 0 || len(existing.Tags) > 0 {
		http.Error(w, "import rejected: node already has committed graph state", http.StatusConflict)
		return
	}

	var snap statemachine.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.sm.Import(snap)
	w.WriteHeader(http.StatusOK)
}
