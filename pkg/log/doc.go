/*
Package log provides structured logging built on zerolog.

It wraps zerolog to give every other package a package-level Logger,
JSON or console output depending on deployment, and a small set of
child-logger constructors for the identifiers a reader of registry
logs actually wants to filter or grep on.

# Usage

Initializing the logger:

	import "github.com/clusterreg/registry/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("raft leader elected")
	log.Debug("mirror queue drained")
	log.Warn("gc phase1 found stale mount")
	log.Error("objectstore upload failed")
	log.Fatal("failed to open bolt store") // exits process

Component and context loggers:

	raftLog := log.WithComponent("consensus")
	raftLog.Info().Msg("starting election timer")

	mirrorLog := log.WithComponent("mirror").
		With().Str("node", string(self)).Logger()
	mirrorLog.Info().Msg("transfer started")

	blobLog := log.WithDigest(d.String())
	blobLog.Warn().Msg("blob missing at all known locations")

	repoLog := log.WithRepository(string(repo))
	repoLog.Info().Msg("tag updated")

	peerLog := log.WithPeer(peerAddr)
	peerLog.Error().Err(err).Msg("mirror fetch from peer failed")

# Do / don't

Do use Info in production, structured fields for anything queryable,
and .Err(err) rather than string-formatting the error in. Don't log
bearer tokens or blob contents, and don't log inside the hot Apply
path per entry — log once per batch if at all.
*/
package log
