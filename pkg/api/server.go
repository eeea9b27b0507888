// Package api exposes the CORE's two HTTP surfaces: the Peer RPC surface
// (Raft wire protocol plus object-fetch between peers) and the Admin RPC
// surface (writes, membership changes, export/import, metrics).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/clusterreg/registry/pkg/consensus"
	"github.com/clusterreg/registry/pkg/log"
	"github.com/clusterreg/registry/pkg/metrics"
	"github.com/clusterreg/registry/pkg/objectstore"
	"github.com/clusterreg/registry/pkg/statemachine"
	"github.com/clusterreg/registry/pkg/types"
	"github.com/rs/zerolog"
)

// Server composes the Peer and Admin HTTP handlers over a single
// ConsensusGroup/StateMachine/ObjectStore triple.
type Server struct {
	group  *consensus.ConsensusGroup
	sm     *statemachine.StateMachine
	store  *objectstore.Store
	logger zerolog.Logger
}

// New constructs a Server.
func New(group *consensus.ConsensusGroup, sm *statemachine.StateMachine, store *objectstore.Store) *Server {
	return &Server{group: group, sm: sm, store: store, logger: log.WithComponent("api")}
}

// PeerHandler is the Raft wire protocol plus the inter-peer object-fetch
// surface, meant to be served on the configured raft.{address,port}.
func (s *Server) PeerHandler(transport *consensus.HTTPTransport) http.Handler {
	mux := http.NewServeMux()
	raftHandler := transport.Handler()
	for _, route := range []string{"/raft-vote", "/raft-append", "/raft-snapshot"} {
		mux.Handle(route, raftHandler)
	}
	mux.HandleFunc("GET /v2/", s.withRequestMetrics(s.handleObjectFetch))
	return mux
}

// AdminHandler is the admin/write surface, meant to be served on the
// configured registry.{address,port}.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /write", s.withRequestMetrics(s.handleWrite))
	mux.HandleFunc("POST /add-learner", s.withRequestMetrics(s.handleAddLearner))
	mux.HandleFunc("POST /change-membership", s.withRequestMetrics(s.handleChangeMembership))
	mux.HandleFunc("POST /init", s.withRequestMetrics(s.handleInit))
	mux.HandleFunc("POST /export", s.withRequestMetrics(s.handleExport))
	mux.HandleFunc("POST /import", s.withRequestMetrics(s.handleImport))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.HandleFunc("GET /live", metrics.LivenessHandler())
	return mux
}

func (s *Server) withRequestMetrics(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, http.StatusText(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// leaderContext derives a 3-second-bounded context for the proposals and
// membership changes the admin handlers make.
func leaderContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}

func writeRegistryError(w http.ResponseWriter, err error) {
	rerr, ok := err.(*types.RegistryError)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch rerr.Kind {
	case types.KindNotLeader, types.KindForwardRequired:
		status = http.StatusConflict
	case types.KindNotFound:
		status = http.StatusNotFound
	case types.KindDigestInvalid, types.KindUploadInvalid:
		status = http.StatusBadRequest
	case types.KindTransient, types.KindServiceUnavailable:
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, rerr)
}
