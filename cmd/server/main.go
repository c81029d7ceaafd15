// DiagnostiQ Engine — scenario resolution and slot disambiguation for
// device diagnostics.
//
// The server loads the scenario knowledge document and the backend
// topology, then serves the turn API:
//   - Scenario catalog (matching, inspection, hot reload)
//   - Slot extraction and disambiguation
//   - Concurrent query dispatch with fallback and truncation
//   - Per-session conversation state (memory or sqlite)

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/diagnostiq/diagnostiq/engine/internal/api"
	"github.com/diagnostiq/diagnostiq/engine/internal/api/handlers"
	"github.com/diagnostiq/diagnostiq/engine/internal/backend"
	"github.com/diagnostiq/diagnostiq/engine/internal/catalog"
	"github.com/diagnostiq/diagnostiq/engine/internal/config"
	"github.com/diagnostiq/diagnostiq/engine/internal/engine"
	"github.com/diagnostiq/diagnostiq/engine/internal/guard"
	"github.com/diagnostiq/diagnostiq/engine/internal/matcher"
	"github.com/diagnostiq/diagnostiq/engine/internal/orchestrator"
	"github.com/diagnostiq/diagnostiq/engine/internal/session"
	"github.com/diagnostiq/diagnostiq/engine/internal/slots"
	"github.com/diagnostiq/diagnostiq/engine/internal/telemetry"
	"github.com/diagnostiq/diagnostiq/engine/pkg/contracts"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	log.Info().Str("version", cfg.Version).Msg("DiagnostiQ engine starting...")

	shutdownTracing, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}
	defer shutdownTracing(context.Background())

	cat, err := catalog.Load(cfg.Catalog.KnowledgePath, cfg.Catalog.DefaultBackend)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Catalog.KnowledgePath).Msg("Failed to load scenario catalog")
	}

	backends, err := backend.LoadTopology(cfg.Catalog.BackendsPath, nil)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Catalog.BackendsPath).Msg("Failed to load backend topology")
	}
	log.Info().Strs("backends", backends.Names()).Msg("Backend topology loaded")

	store, closeStore, err := newSessionStore(cfg.Sessions)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session store")
	}
	defer closeStore()

	sessions := session.NewManager(store)
	orch := orchestrator.New(backends, guard.New(cfg.Executor.Denylist), cfg.Executor.RowCap, cfg.Executor.DispatchTimeout)
	eng := engine.New(
		cat,
		matcher.New(nil),
		slots.New(cfg.Slots.DominanceMargin, cfg.Slots.MaxClarifyTurns),
		sessions,
		orch,
		nil,
	)

	router := api.NewRouter(cfg, handlers.New(eng, cat, sessions))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", cfg.Port).
		Int("scenarios", cat.Snapshot().Len()).
		Msg("DiagnostiQ engine ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func newSessionStore(cfg config.SessionsConfig) (contracts.SessionStore, func(), error) {
	switch cfg.Store {
	case "sqlite":
		s, err := session.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "memory", "":
		return session.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}
