// Package engine runs the per-turn pipeline: session lookup, scenario
// matching, slot extraction, scenario execution, and summarization, in
// that order. A turn commits its state exactly once, at the end — a turn
// that errors out leaves the stored session untouched.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/diagnostiq/diagnostiq/engine/internal/catalog"
	"github.com/diagnostiq/diagnostiq/engine/internal/matcher"
	"github.com/diagnostiq/diagnostiq/engine/internal/metrics"
	"github.com/diagnostiq/diagnostiq/engine/internal/orchestrator"
	"github.com/diagnostiq/diagnostiq/engine/internal/session"
	"github.com/diagnostiq/diagnostiq/engine/internal/slots"
	"github.com/diagnostiq/diagnostiq/engine/pkg/contracts"
	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

// Engine wires the per-turn collaborators together.
type Engine struct {
	catalog    *catalog.Catalog
	matcher    *matcher.Matcher
	extractor  *slots.Extractor
	sessions   *session.Manager
	orch       *orchestrator.Orchestrator
	summarizer contracts.Summarizer
}

// New assembles an engine. A nil summarizer selects the no-op one.
func New(cat *catalog.Catalog, m *matcher.Matcher, ex *slots.Extractor, sessions *session.Manager, orch *orchestrator.Orchestrator, summarizer contracts.Summarizer) *Engine {
	if summarizer == nil {
		summarizer = contracts.NoopSummarizer{}
	}
	return &Engine{
		catalog:    cat,
		matcher:    m,
		extractor:  ex,
		sessions:   sessions,
		orch:       orch,
		summarizer: summarizer,
	}
}

// Turn processes one user utterance for the session and returns the
// table-shaped outcome. Turns of the same session are serialized;
// different sessions run concurrently.
func (e *Engine) Turn(ctx context.Context, sessionID, utterance string) (*models.TurnResponse, error) {
	unlock := e.sessions.Lock(sessionID)
	defer unlock()

	snap, err := e.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	catSnap := e.catalog.Snapshot()

	// A bare-identifier reply to a pending clarification keeps the active
	// scenario; everything else goes through matching.
	var scenario *models.ScenarioRecord
	if snap.Pending != nil && snap.ActiveScenario != "" && slots.PureIdentifierText(utterance) {
		scenario = catSnap.BySlug(snap.ActiveScenario)
	}
	if scenario == nil {
		match := e.matcher.Match(utterance, snap, catSnap)
		switch match.Kind {
		case models.MatchNone:
			metrics.TurnsTotal.WithLabelValues("no_match").Inc()
			return e.finish(ctx, snap, utterance, &models.TurnResponse{
				ClarificationNeeded: true,
				Question:            "I couldn't map that to a diagnostic area. Which area is this about — for example a device, a policy, or a user?",
			})
		case models.MatchClarify:
			metrics.TurnsTotal.WithLabelValues("clarify_scenario").Inc()
			return e.finish(ctx, snap, utterance, &models.TurnResponse{
				ClarificationNeeded: true,
				Question:            scenarioQuestion(match.Options),
			})
		}
		scenario = match.Scenario
	}

	// Switching scenario abandons any clarification that was in flight.
	if snap.ActiveScenario != scenario.Slug {
		snap.ActiveScenario = scenario.Slug
		snap.Pending = nil
	}

	fill := e.extractor.Extract(utterance, scenario, snap)

	if err := session.MergeSlots(snap, fill.Slots, utterance); err != nil {
		if errors.Is(err, models.ErrSlotConflict) {
			metrics.TurnsTotal.WithLabelValues("conflict").Inc()
			return e.finish(ctx, snap, utterance, &models.TurnResponse{
				ClarificationNeeded: true,
				Question:            conflictQuestion(err),
			})
		}
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	switch fill.Kind {
	case models.SlotsUnfillable:
		snap.Pending = nil
		metrics.TurnsTotal.WithLabelValues("unfillable").Inc()
		return e.finish(ctx, snap, utterance, &models.TurnResponse{
			Status:              models.ExecutionFailed,
			ClarificationNeeded: true,
			Question: fmt.Sprintf(
				"I still can't pin down %s after several attempts. Please provide it as \"%s: <value>\".",
				strings.Join(fill.Missing, ", "), fill.Missing[0]),
		})

	case models.SlotsPartialClarify:
		snap.Pending = fill.Pending
		metrics.TurnsTotal.WithLabelValues("clarify_slots").Inc()
		return e.finish(ctx, snap, utterance, &models.TurnResponse{
			ClarificationNeeded: true,
			Candidates:          fill.Pending.Candidates,
			Question:            slotQuestion(fill.Pending),
		})
	}

	// Fully bound: execute.
	snap.Pending = nil
	exec, err := e.orch.Execute(ctx, scenario, snap.Slots)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	narrative, err := e.summarizer.Summarize(ctx, exec.Tables, &exec.Summary, snap)
	if err != nil {
		// Summarization is best-effort; the tables are the contract.
		log.Warn().Str("session", sessionID).Err(err).Msg("Summarizer failed")
		narrative = ""
	}

	metrics.TurnsTotal.WithLabelValues("resolved").Inc()
	return e.finish(ctx, snap, utterance, &models.TurnResponse{
		Tables:    exec.Tables,
		Summary:   &exec.Summary,
		Status:    exec.Status,
		Narrative: narrative,
	})
}

// finish commits the turn and attaches the resulting state view.
func (e *Engine) finish(ctx context.Context, snap *models.Snapshot, utterance string, resp *models.TurnResponse) (*models.TurnResponse, error) {
	committed, err := e.sessions.Commit(ctx, snap, "user", utterance)
	if err != nil {
		return nil, err
	}
	resp.State = committed
	if resp.Tables == nil {
		resp.Tables = []models.ResultTable{}
	}
	return resp, nil
}

// ── Clarification prompts ───────────────────────────────────

func scenarioQuestion(options []*models.ScenarioRecord) string {
	var b strings.Builder
	b.WriteString("That request matches several diagnostic scenarios. Which one do you mean?")
	for i, opt := range options {
		fmt.Fprintf(&b, "\n%d. %s — %s", i+1, opt.Title, opt.Description)
	}
	return b.String()
}

func slotQuestion(pending *models.Clarification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I need %s to run this. ", strings.Join(pending.Missing, " and "))
	if len(pending.Candidates) > 0 {
		b.WriteString("I found these identifiers — which is which?")
		for _, c := range pending.Candidates {
			fmt.Fprintf(&b, "\n- %s (seen near: %q)", c.GUID, c.Window)
		}
	} else {
		fmt.Fprintf(&b, "Please provide it as \"%s: <value>\".", pending.Missing[0])
	}
	return b.String()
}

func conflictQuestion(err error) string {
	return fmt.Sprintf(
		"That value disagrees with what we've been using (%v). Say e.g. \"use the new device <id>\" to switch, or continue with the current one.",
		err)
}
