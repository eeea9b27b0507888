package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/clusterreg/registry/pkg/api"
	"github.com/clusterreg/registry/pkg/config"
	"github.com/clusterreg/registry/pkg/consensus"
	"github.com/clusterreg/registry/pkg/events"
	"github.com/clusterreg/registry/pkg/gc"
	"github.com/clusterreg/registry/pkg/log"
	"github.com/clusterreg/registry/pkg/metrics"
	"github.com/clusterreg/registry/pkg/mint"
	"github.com/clusterreg/registry/pkg/mirror"
	"github.com/clusterreg/registry/pkg/objectstore"
	"github.com/clusterreg/registry/pkg/statemachine"
	"github.com/clusterreg/registry/pkg/types"
	"github.com/hashicorp/raft"
)

type startupMode int

const (
	recoverMode startupMode = iota
	bootstrapMode
)

const version = "0.1.0"

func endpoint(e config.EndpointConfig) string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// runNode is the composition root: it wires the consensus group,
// statemachine, object store, mirror and garbage collector together and
// serves the peer and admin HTTP surfaces until an interrupt is received.
func runNode(configPath string, mode startupMode) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.WithNode(cfg.Identifier)
	logger.Info().Str("storage", cfg.Storage).Msg("starting node")

	metrics.SetVersion(version)
	metrics.RegisterComponent("raft", false, "initializing")
	metrics.RegisterComponent("objectstore", false, "initializing")
	metrics.RegisterComponent("admin-api", false, "initializing")

	sm := statemachine.New(types.NodeIdentifier(cfg.Identifier))
	broker := events.NewBroker()
	broker.Start()

	transport := consensus.NewHTTPTransport(
		raft.ServerID(cfg.Identifier),
		raft.ServerAddress(endpoint(cfg.Raft)),
	)

	group, err := consensus.New(consensus.Config{
		NodeID:   types.NodeIdentifier(cfg.Identifier),
		BindAddr: endpoint(cfg.Raft),
		DataDir:  cfg.Storage,
	}, sm, broker, transport)
	if err != nil {
		return fmt.Errorf("registryd: construct consensus group: %w", err)
	}

	switch mode {
	case bootstrapMode:
		if err := group.Bootstrap(); err != nil {
			return fmt.Errorf("registryd: bootstrap: %w", err)
		}
	default:
		if err := group.Recover(); err != nil {
			return fmt.Errorf("registryd: recover: %w", err)
		}
	}
	metrics.RegisterComponent("raft", true, "bootstrapped")

	store, err := objectstore.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("registryd: open object store: %w", err)
	}
	metrics.RegisterComponent("objectstore", true, "ready")

	minter := mint.New(mint.Credentials{
		Realm:    cfg.Mirroring.Realm,
		Service:  cfg.Mirroring.Service,
		Username: cfg.Mirroring.Username,
		Password: cfg.Mirroring.Password,
	})

	var peers []mirror.Peer
	for _, p := range cfg.Peers {
		if p.Name == cfg.Identifier {
			continue
		}
		peers = append(peers, mirror.Peer{
			Name:         types.NodeIdentifier(p.Name),
			RegistryAddr: endpoint(p.Raft),
		})
	}

	mir, err := mirror.New(mirror.Config{
		Self:    types.NodeIdentifier(cfg.Identifier),
		Peers:   peers,
		DataDir: cfg.Storage,
	}, sm, store, minter, group, broker)
	if err != nil {
		return fmt.Errorf("registryd: construct mirror: %w", err)
	}
	if err := mir.Start(); err != nil {
		return fmt.Errorf("registryd: start mirror: %w", err)
	}

	collector := gc.New(types.NodeIdentifier(cfg.Identifier), sm, store, group, group)
	collector.Start()

	metricsCollector := metrics.NewCollector(group, sm.Graph())
	metricsCollector.Start()

	server := api.New(group, sm, store)

	peerAddr := endpoint(cfg.Raft)
	adminAddr := endpoint(cfg.Registry)

	peerSrv := &http.Server{Addr: peerAddr, Handler: server.PeerHandler(transport)}
	adminSrv := &http.Server{Addr: adminAddr, Handler: server.AdminHandler()}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", peerAddr).Msg("peer surface listening")
		if err := peerSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("peer surface: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("addr", adminAddr).Msg("admin surface listening")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin surface: %w", err)
		}
	}()
	metrics.RegisterComponent("admin-api", true, "ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = peerSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)

	collector.Stop()
	mir.Stop()
	metricsCollector.Stop()
	broker.Stop()
	if err := group.Shutdown(); err != nil {
		return fmt.Errorf("registryd: shutdown consensus group: %w", err)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
