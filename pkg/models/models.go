// Package models defines the shared domain types for the diagnostics engine:
// scenario records parsed from the knowledge document, per-session
// conversation state, clarification structures, and the result tables that
// every turn ultimately produces.
package models

import (
	"errors"
	"fmt"
	"time"
)

// ZeroGUID is the all-zero identifier sentinel. It shows up in telemetry as
// a "no user" marker and must never be offered as a candidate for a
// user-like slot.
const ZeroGUID = "00000000-0000-0000-0000-000000000000"

// ── Scenario Catalog ────────────────────────────────────────

// PlaceholderType classifies a query template placeholder, inferred from
// its name at catalog load.
type PlaceholderType string

const (
	PlaceholderGUID     PlaceholderType = "guid"
	PlaceholderGUIDList PlaceholderType = "guid_list"
	PlaceholderDateTime PlaceholderType = "datetime"
	PlaceholderInteger  PlaceholderType = "integer"
	PlaceholderString   PlaceholderType = "string"
)

// Placeholder is a named <Name> substitution point in a query template.
type Placeholder struct {
	Name string          `json:"name"`
	Type PlaceholderType `json:"type"`
}

// QueryTemplate is one backend-specific query descriptor of a scenario.
// Templates execute concurrently but their results are always reported in
// declaration order (primary dataset first).
type QueryTemplate struct {
	StepNumber int    `json:"step_number"`
	Title      string `json:"title"`
	Purpose    string `json:"purpose,omitempty"`

	// Backend is the capability name the rendered query is dispatched to.
	// Fallback, when set, receives exactly one retry after a primary
	// failure — or after an empty primary result if FallbackOnEmpty is set.
	Backend         string `json:"backend"`
	Fallback        string `json:"fallback,omitempty"`
	FallbackOnEmpty bool   `json:"fallback_on_empty,omitempty"`

	Query        string        `json:"query"`
	Placeholders []Placeholder `json:"placeholders"`
	Optional     bool          `json:"optional,omitempty"`
}

// PlaceholderNames returns the template's placeholder names in order of
// first appearance.
func (t *QueryTemplate) PlaceholderNames() []string {
	names := make([]string, 0, len(t.Placeholders))
	for _, p := range t.Placeholders {
		names = append(names, p.Name)
	}
	return names
}

// ScenarioRecord is one diagnostic scenario from the knowledge document.
// Records are immutable once the catalog snapshot is built.
type ScenarioRecord struct {
	Slug        string   `json:"slug"`
	Domain      string   `json:"domain"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	Aliases     []string `json:"aliases,omitempty"`

	// RequiredIdentifiers is ordered: a later slot may only be resolved
	// after all earlier ones are bound.
	RequiredIdentifiers []string `json:"required_identifiers"`

	Templates []QueryTemplate `json:"templates"`
}

// ── Conversation State ──────────────────────────────────────

// Provenance records how a slot value entered the conversation state.
type Provenance string

const (
	// ProvenanceExplicit means the value appeared in the current turn.
	ProvenanceExplicit Provenance = "explicit"
	// ProvenanceInherited means the value was carried over from a prior turn.
	ProvenanceInherited Provenance = "inherited"
)

// SlotBinding is a resolved identifier value plus its provenance.
type SlotBinding struct {
	Value      string     `json:"value"`
	Provenance Provenance `json:"provenance"`
	BoundAt    time.Time  `json:"bound_at"`
}

// ClarificationCandidate is a GUID extracted from an utterance with a
// per-slot confidence score in [0,1].
type ClarificationCandidate struct {
	GUID string `json:"guid"`
	// Window is the surrounding utterance text the scores were derived from.
	Window string             `json:"window"`
	Scores map[string]float64 `json:"scores"`
}

// Clarification holds the unresolved slots of the active scenario together
// with the candidate values offered to the user.
type Clarification struct {
	Missing    []string                 `json:"missing"`
	Candidates []ClarificationCandidate `json:"candidates,omitempty"`
	// Attempts counts the turns spent clarifying; past the configured
	// bound the extractor gives up with Unfillable.
	Attempts int `json:"attempts"`
}

// TurnRecord is one entry of the append-only turn history. The embedded
// slot map is the state as it stood after the turn resolved.
type TurnRecord struct {
	ID             string                 `json:"id"`
	Role           string                 `json:"role"`
	Text           string                 `json:"text"`
	At             time.Time              `json:"at"`
	Slots          map[string]SlotBinding `json:"slots,omitempty"`
	ActiveScenario string                 `json:"active_scenario,omitempty"`
}

// Snapshot is an immutable view of a session's conversation state.
type Snapshot struct {
	SessionID      string                 `json:"session_id"`
	Slots          map[string]SlotBinding `json:"slots"`
	ActiveScenario string                 `json:"active_scenario,omitempty"`
	Pending        *Clarification         `json:"pending_clarification,omitempty"`
	Turns          []TurnRecord           `json:"turns,omitempty"`
}

// Clone deep-copies the snapshot so callers can mutate their copy freely.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		SessionID:      s.SessionID,
		ActiveScenario: s.ActiveScenario,
		Slots:          make(map[string]SlotBinding, len(s.Slots)),
	}
	for k, v := range s.Slots {
		out.Slots[k] = v
	}
	if s.Pending != nil {
		p := *s.Pending
		p.Missing = append([]string(nil), s.Pending.Missing...)
		p.Candidates = cloneCandidates(s.Pending.Candidates)
		out.Pending = &p
	}
	out.Turns = append([]TurnRecord(nil), s.Turns...)
	return out
}

func cloneCandidates(in []ClarificationCandidate) []ClarificationCandidate {
	out := make([]ClarificationCandidate, len(in))
	for i, c := range in {
		cc := c
		cc.Scores = make(map[string]float64, len(c.Scores))
		for k, v := range c.Scores {
			cc.Scores[k] = v
		}
		out[i] = cc
	}
	return out
}

// ── Matching ────────────────────────────────────────────────

// MatchKind discriminates the outcome of scenario matching.
type MatchKind string

const (
	MatchResolved MatchKind = "resolved"
	MatchClarify  MatchKind = "clarify"
	MatchNone     MatchKind = "no_match"
)

// MatchResult is the outcome of matching an utterance against the catalog.
type MatchResult struct {
	Kind     MatchKind
	Scenario *ScenarioRecord
	// Options holds the top-scoring scenarios when Kind is MatchClarify
	// (always 2–3 entries).
	Options []*ScenarioRecord
}

// ── Slot Filling ────────────────────────────────────────────

// SlotFillKind discriminates the outcome of slot extraction.
type SlotFillKind string

const (
	SlotsBound          SlotFillKind = "bound"
	SlotsPartialClarify SlotFillKind = "partial_clarify"
	SlotsUnfillable     SlotFillKind = "unfillable"
)

// SlotFillResult is the outcome of extracting a scenario's required
// identifiers from an utterance plus prior state.
type SlotFillResult struct {
	Kind SlotFillKind
	// Slots holds every binding known so far, including inherited ones.
	Slots   map[string]SlotBinding
	Pending *Clarification
	// Missing names the slots that stayed unresolved when Kind is
	// SlotsUnfillable.
	Missing []string
}

// ── Result Tables ───────────────────────────────────────────

// TableMeta carries dispatch and truncation metadata for a result table.
// The true pre-truncation row count lives here, never in a data column.
type TableMeta struct {
	Backend   string `json:"backend"`
	TotalRows int    `json:"total_rows"`
	Truncated bool   `json:"truncated,omitempty"`
	FellBack  bool   `json:"fell_back,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// ResultTable is the tabular result of one executed query template.
type ResultTable struct {
	Name    string     `json:"name"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
	Meta    TableMeta  `json:"meta"`
}

// TableSummary aggregates one table for the summarization step.
type TableSummary struct {
	Name            string         `json:"name"`
	RowCount        int            `json:"row_count"`
	StatusHistogram map[string]int `json:"status_histogram,omitempty"`
	MinTimestamp    *time.Time     `json:"min_timestamp,omitempty"`
	MaxTimestamp    *time.Time     `json:"max_timestamp,omitempty"`
	ErrorRows       int            `json:"error_rows"`
}

// Summary is the per-execution aggregate handed to the summarizer.
type Summary struct {
	Tables []TableSummary `json:"tables"`
}

// ── Execution ───────────────────────────────────────────────

// TemplateState is the terminal state of a single query template.
type TemplateState string

const (
	TemplateExecuted      TemplateState = "executed"
	TemplateSkipped       TemplateState = "skipped"
	TemplateGuardRejected TemplateState = "guard_rejected"
	TemplateFailed        TemplateState = "failed"
)

// TemplateResult records what happened to one template during execution.
type TemplateResult struct {
	StepNumber int           `json:"step_number"`
	Title      string        `json:"title"`
	State      TemplateState `json:"state"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// ExecutionStatus is the terminal state of a whole scenario execution.
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionPartial   ExecutionStatus = "partially_executed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution is the aggregated outcome of dispatching a scenario's templates.
type Execution struct {
	Status    ExecutionStatus  `json:"status"`
	Templates []TemplateResult `json:"templates"`
	Tables    []ResultTable    `json:"tables"`
	Summary   Summary          `json:"summary"`
}

// ── Turn Output Contract ────────────────────────────────────

// TurnResponse is what a caller gets back for every turn — always
// table-shaped, even on failure.
type TurnResponse struct {
	Tables              []ResultTable            `json:"tables"`
	Summary             *Summary                 `json:"summary,omitempty"`
	State               *Snapshot                `json:"state"`
	Status              ExecutionStatus          `json:"status,omitempty"`
	ClarificationNeeded bool                     `json:"clarification_needed"`
	Candidates          []ClarificationCandidate `json:"candidates,omitempty"`
	// Question is the short clarification prompt to surface when
	// ClarificationNeeded is set.
	Question string `json:"question,omitempty"`
	// Narrative is the summarizer's prose, empty with the no-op summarizer.
	Narrative string `json:"narrative,omitempty"`
}

// ── Error Taxonomy ──────────────────────────────────────────

var (
	// ErrNoMatch — no scenario scored above zero; ask for a domain.
	ErrNoMatch = errors.New("no scenario matched the request")
	// ErrAmbiguousMatch — several scenarios tied; present options.
	ErrAmbiguousMatch = errors.New("multiple scenarios matched the request")
	// ErrSlotUnresolved — a required identifier stayed unbound past the
	// clarification attempt bound.
	ErrSlotUnresolved = errors.New("required identifier unresolved")
	// ErrSlotConflict — an unqualified value disagreed with a bound slot.
	ErrSlotConflict = errors.New("conflicting identifier value")
	// ErrGuardRejected — a rendered query matched the mutating-command
	// denylist and was never dispatched.
	ErrGuardRejected = errors.New("query rejected by safety guard")
)

// CatalogLoadError reports which section of the knowledge document failed
// validation. The catalog loads all-or-nothing, so one of these aborts the
// entire load.
type CatalogLoadError struct {
	Section string
	Reason  string
}

func (e *CatalogLoadError) Error() string {
	return fmt.Sprintf("catalog load failed at section %q: %s", e.Section, e.Reason)
}

// BackendError wraps a failed dispatch with the capability name that
// produced it.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
