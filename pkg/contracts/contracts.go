// Package contracts defines the interfaces the engine consumes but does not
// implement: query backend capabilities, the session store, and the
// natural-language summarizer.
//
// Concrete backends (the real-time cluster, the region-sharded snapshot
// clusters, the OData warehouse) live in internal/backend; callers may
// inject their own implementations for testing or for additional telemetry
// systems without touching the engine.
package contracts

import (
	"context"

	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

// ── Backend Capability ──────────────────────────────────────

// Capability executes a rendered, guard-approved query against one external
// telemetry system and returns a normalized result table. Implementations
// must honor ctx cancellation; a timeout counts as a dispatch failure
// eligible for fallback.
type Capability interface {
	// Name returns the capability identifier templates refer to
	// (e.g. "realtime", "snapshot-eu", "warehouse").
	Name() string

	// Execute runs the rendered query. The engine only ever passes
	// read-only queries here — the guard runs first.
	Execute(ctx context.Context, query string) (*models.ResultTable, error)
}

// ── Session Store ───────────────────────────────────────────

// SessionStore persists conversation snapshots. The engine treats it as an
// injected collaborator; internal/session ships a memory and a sqlite
// implementation.
type SessionStore interface {
	// Get returns the stored snapshot, or (nil, nil) when the session is
	// unknown.
	Get(ctx context.Context, sessionID string) (*models.Snapshot, error)

	// Put replaces the stored snapshot for the session.
	Put(ctx context.Context, snap *models.Snapshot) error

	// Delete removes the session and its turn history.
	Delete(ctx context.Context, sessionID string) error
}

// ── Summarizer ──────────────────────────────────────────────

// Summarizer turns a result set plus state into prose for the user. The
// language-model implementation is outside this repo; NoopSummarizer keeps
// the pipeline total.
type Summarizer interface {
	Summarize(ctx context.Context, tables []models.ResultTable, summary *models.Summary, state *models.Snapshot) (string, error)
}

// NoopSummarizer returns no prose. It is the default wiring.
type NoopSummarizer struct{}

func (NoopSummarizer) Summarize(context.Context, []models.ResultTable, *models.Summary, *models.Snapshot) (string, error) {
	return "", nil
}
