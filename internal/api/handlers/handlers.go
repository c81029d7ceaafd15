// Package handlers implements the HTTP surface of the diagnostics engine:
// the turn endpoint, scenario catalog inspection, catalog reload, and
// session reset.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/diagnostiq/diagnostiq/engine/internal/catalog"
	"github.com/diagnostiq/diagnostiq/engine/internal/engine"
	"github.com/diagnostiq/diagnostiq/engine/internal/metrics"
	"github.com/diagnostiq/diagnostiq/engine/internal/session"
	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

// Handler carries the engine collaborators the HTTP layer delegates to.
type Handler struct {
	Engine   *engine.Engine
	Catalog  *catalog.Catalog
	Sessions *session.Manager
}

// New creates the handler set.
func New(e *engine.Engine, cat *catalog.Catalog, sessions *session.Manager) *Handler {
	return &Handler{Engine: e, Catalog: cat, Sessions: sessions}
}

type turnRequest struct {
	SessionID string `json:"session_id"`
	Utterance string `json:"utterance"`
}

// Turn runs one diagnostic turn for a session.
func (h *Handler) Turn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if strings.TrimSpace(req.Utterance) == "" {
		writeError(w, http.StatusBadRequest, "utterance is required")
		return
	}

	resp, err := h.Engine.Turn(r.Context(), req.SessionID, req.Utterance)
	if err != nil {
		if errors.Is(err, r.Context().Err()) {
			writeError(w, http.StatusRequestTimeout, "turn cancelled")
			return
		}
		log.Error().Str("session", req.SessionID).Err(err).Msg("Turn failed")
		writeError(w, http.StatusInternalServerError, "turn failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// scenarioSummary is the list-view projection of a scenario record.
type scenarioSummary struct {
	Slug                string   `json:"slug"`
	Domain              string   `json:"domain"`
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	RequiredIdentifiers []string `json:"required_identifiers"`
	TemplateCount       int      `json:"template_count"`
}

// ListScenarios returns the current catalog in declaration order.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	snap := h.Catalog.Snapshot()
	out := make([]scenarioSummary, 0, snap.Len())
	for _, rec := range snap.All() {
		out = append(out, scenarioSummary{
			Slug:                rec.Slug,
			Domain:              rec.Domain,
			Title:               rec.Title,
			Description:         rec.Description,
			RequiredIdentifiers: rec.RequiredIdentifiers,
			TemplateCount:       len(rec.Templates),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenarios": out, "count": len(out)})
}

// GetScenario returns one full scenario record, templates included.
func (h *Handler) GetScenario(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	rec := h.Catalog.Snapshot().BySlug(slug)
	if rec == nil {
		writeError(w, http.StatusNotFound, "unknown scenario "+slug)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ReloadCatalog re-parses the knowledge document. In-flight turns keep the
// old snapshot; a parse failure leaves it in place.
func (h *Handler) ReloadCatalog(w http.ResponseWriter, r *http.Request) {
	if err := h.Catalog.Reload(); err != nil {
		metrics.CatalogReloadsTotal.WithLabelValues("error").Inc()
		var loadErr *models.CatalogLoadError
		if errors.As(err, &loadErr) {
			writeError(w, http.StatusUnprocessableEntity, loadErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.CatalogReloadsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "reloaded",
		"scenarios": h.Catalog.Snapshot().Len(),
	})
}

// ResetSession destroys a session's state and history.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.Sessions.Reset(r.Context(), sessionID); err != nil {
		log.Error().Str("session", sessionID).Err(err).Msg("Session reset failed")
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "session_id": sessionID})
}

// ── Helpers ─────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
