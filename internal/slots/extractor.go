// Package slots finds identifier-shaped tokens in an utterance, maps them
// to a scenario's required slots, and resolves conflicts — producing either
// full bindings, a clarification request with a slot × candidate score
// matrix, or an unfillable verdict.
//
// The disambiguation heuristic combines three signals:
//
//  1. Explicit "SlotName: value" assignments, which always win outright.
//  2. Role keywords near the GUID (±4 tokens), e.g. "device" before a GUID
//     raises its DeviceId affinity.
//  3. Positional order: the first unresolved required slot has highest
//     affinity for the first-mentioned GUID, decaying for later mentions.
//
// The all-zero GUID is a "no user" sentinel in the telemetry and is never
// offered for user-like slots. A candidate auto-binds only when its score
// dominates the runner-up by a configurable margin; anything closer goes
// back to the user as a clarification.
package slots

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

var (
	guidExpr = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	// assignExpr matches explicit "SlotName: guid" / "SlotName = guid".
	assignExpr = regexp.MustCompile(`(?i)\b([A-Za-z][A-Za-z0-9_]*)\s*[:=]\s*([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})`)
	tokenExpr  = regexp.MustCompile(`[A-Za-z0-9_-]+`)
)

// contextWindow is how many tokens on each side of a GUID feed its role
// scoring.
const contextWindow = 4

// roleKeywords maps slot families to the surrounding-text cues that raise
// a candidate's affinity for slots of that family.
var roleKeywords = map[string][]string{
	"device":  {"device", "machine", "endpoint", "computer", "serial"},
	"account": {"account", "aad", "principal"},
	"user":    {"user", "owner", "enrolled"},
	"context": {"context", "ctx"},
	"policy":  {"policy", "payload", "config", "configuration", "profile"},
	"tenant":  {"tenant", "organization", "org", "customer"},
	"group":   {"group", "membership", "assignment"},
}

// userLikeFamilies never accept the all-zero GUID sentinel.
var userLikeFamilies = map[string]bool{"user": true, "account": true}

const (
	explicitAdjacencyBoost = 2.0
	positionalWeight       = 1.0
	positionalDecay        = 0.5
)

// Extractor resolves a scenario's required identifiers from utterances and
// prior state.
type Extractor struct {
	// Margin is the raw-score gap the top candidate needs over the
	// runner-up before auto-binding. Tunable; see package doc.
	Margin float64
	// MaxClarifyTurns bounds clarification attempts before a slot is
	// reported unfillable.
	MaxClarifyTurns int
}

// New creates an extractor with the given dominance margin and attempt
// bound.
func New(margin float64, maxClarifyTurns int) *Extractor {
	return &Extractor{Margin: margin, MaxClarifyTurns: maxClarifyTurns}
}

// candidate is one GUID found in the utterance.
type candidate struct {
	guid    string
	mention int // 0-based order of mention
	window  string
	// roleHits counts role-keyword occurrences near the GUID, per family.
	roleHits map[string]int
}

// Extract fills the scenario's required slots from the utterance and prior
// state. state may be nil for a fresh session.
func (e *Extractor) Extract(utterance string, scenario *models.ScenarioRecord, state *models.Snapshot) models.SlotFillResult {
	now := time.Now().UTC()
	bound := make(map[string]models.SlotBinding)

	// Previously resolved values carry over with inherited provenance.
	if state != nil {
		for _, slot := range scenario.RequiredIdentifiers {
			if b, ok := state.Slots[slot]; ok {
				b.Provenance = models.ProvenanceInherited
				bound[slot] = b
			}
		}
	}

	// Explicit "SlotName: value" assignments always win outright.
	explicit := explicitAssignments(utterance, scenario.RequiredIdentifiers)
	for slot, val := range explicit {
		bound[slot] = models.SlotBinding{Value: val, Provenance: models.ProvenanceExplicit, BoundAt: now}
	}

	cands := extractCandidates(utterance)
	cands = dropExplicit(cands, explicit)

	unresolved := missingSlots(scenario.RequiredIdentifiers, bound)

	// Single slot, single candidate: no ambiguity possible.
	if len(unresolved) == 1 && len(cands) == 1 {
		if admissible(unresolved[0], cands[0].guid) {
			bound[unresolved[0]] = models.SlotBinding{Value: cands[0].guid, Provenance: models.ProvenanceExplicit, BoundAt: now}
			unresolved = nil
		}
	}

	// Multi-candidate disambiguation in declared dependency order. A slot
	// only auto-binds when its top candidate dominates; once a slot fails
	// to bind, later slots are held pending regardless of their own
	// candidates (dependency order).
	if len(unresolved) > 0 && len(cands) > 0 {
		taken := make(map[string]bool)
		for i, slot := range unresolved {
			top, second := rankCandidates(slot, i, cands, taken)
			if top == nil {
				break
			}
			secondScore := math.Inf(-1)
			if second != nil {
				secondScore = second.score
			}
			if top.score <= 0 || top.score-secondScore < e.Margin {
				break
			}
			bound[slot] = models.SlotBinding{Value: top.guid, Provenance: models.ProvenanceExplicit, BoundAt: now}
			taken[top.guid] = true
		}
		unresolved = missingSlots(scenario.RequiredIdentifiers, bound)
	}

	// A fresh identifier matching no bound value may replace an inherited
	// binding; the session layer arbitrates the resulting conflict.
	if len(cands) > 0 {
		e.rebindInherited(bound, cands, scenario.RequiredIdentifiers, now)
	}

	if len(unresolved) == 0 {
		return models.SlotFillResult{Kind: models.SlotsBound, Slots: bound}
	}

	attempts := 1
	if state != nil && state.Pending != nil {
		attempts = state.Pending.Attempts + 1
	}
	if attempts > e.MaxClarifyTurns {
		return models.SlotFillResult{Kind: models.SlotsUnfillable, Slots: bound, Missing: unresolved}
	}

	return models.SlotFillResult{
		Kind:  models.SlotsPartialClarify,
		Slots: bound,
		Pending: &models.Clarification{
			Missing:    unresolved,
			Candidates: scoreMatrix(unresolved, cands),
			Attempts:   attempts,
		},
	}
}

// rebindInherited proposes explicit bindings for inherited slots when the
// utterance carries identifiers that match no bound value, using the same
// dominance rule as first-time binding.
func (e *Extractor) rebindInherited(bound map[string]models.SlotBinding, cands []candidate, required []string, now time.Time) {
	used := make(map[string]bool, len(bound))
	for _, b := range bound {
		used[b.Value] = true
	}
	var leftover []candidate
	for _, c := range cands {
		if !used[c.guid] {
			c.mention = len(leftover)
			leftover = append(leftover, c)
		}
	}
	if len(leftover) == 0 {
		return
	}

	var overridable []string
	for _, slot := range required {
		if b, ok := bound[slot]; ok && b.Provenance == models.ProvenanceInherited {
			overridable = append(overridable, slot)
		}
	}

	taken := make(map[string]bool)
	for i, slot := range overridable {
		top, second := rankCandidates(slot, i, leftover, taken)
		if top == nil {
			break
		}
		secondScore := math.Inf(-1)
		if second != nil {
			secondScore = second.score
		}
		if top.score <= 0 || top.score-secondScore < e.Margin {
			break
		}
		bound[slot] = models.SlotBinding{Value: top.guid, Provenance: models.ProvenanceExplicit, BoundAt: now}
		taken[top.guid] = true
	}
}

// ── Candidate extraction ────────────────────────────────────

func extractCandidates(utterance string) []candidate {
	tokens := tokenExpr.FindAllString(utterance, -1)
	lower := make([]string, len(tokens))
	for i, t := range tokens {
		lower[i] = strings.ToLower(t)
	}

	var out []candidate
	for i, tok := range tokens {
		if !guidExpr.MatchString(tok) || len(tok) != 36 {
			continue
		}
		if _, err := uuid.Parse(tok); err != nil {
			continue
		}
		start := max(0, i-contextWindow)
		end := min(len(tokens), i+contextWindow+1)
		hits := make(map[string]int)
		for family, kws := range roleKeywords {
			for _, kw := range kws {
				for _, w := range lower[start:end] {
					if w == kw {
						hits[family]++
					}
				}
			}
		}
		out = append(out, candidate{
			guid:     strings.ToLower(tok),
			mention:  len(out),
			window:   strings.Join(tokens[start:end], " "),
			roleHits: hits,
		})
	}
	return out
}

func explicitAssignments(utterance string, required []string) map[string]string {
	byKey := make(map[string]string, len(required))
	for _, slot := range required {
		byKey[foldSlotName(slot)] = slot
	}
	out := make(map[string]string)
	for _, m := range assignExpr.FindAllStringSubmatch(utterance, -1) {
		if slot, ok := byKey[foldSlotName(m[1])]; ok {
			if _, err := uuid.Parse(m[2]); err == nil {
				out[slot] = strings.ToLower(m[2])
			}
		}
	}
	return out
}

func dropExplicit(cands []candidate, explicit map[string]string) []candidate {
	if len(explicit) == 0 {
		return cands
	}
	used := make(map[string]bool, len(explicit))
	for _, v := range explicit {
		used[v] = true
	}
	var out []candidate
	for _, c := range cands {
		if !used[c.guid] {
			c.mention = len(out)
			out = append(out, c)
		}
	}
	return out
}

// ── Scoring ─────────────────────────────────────────────────

type rankedCandidate struct {
	guid  string
	score float64
}

// slotScore combines role-keyword hits with positional affinity for the
// slot at position slotIdx among the unresolved slots.
func slotScore(slot string, slotIdx int, c candidate) float64 {
	score := float64(c.roleHits[slotFamily(slot)])
	score += positionalWeight * math.Pow(positionalDecay, math.Abs(float64(slotIdx-c.mention)))
	if adjacencyExpr(slot).MatchString(c.window) {
		score += explicitAdjacencyBoost
	}
	if !admissible(slot, c.guid) {
		return -1
	}
	return score
}

func rankCandidates(slot string, slotIdx int, cands []candidate, taken map[string]bool) (top, second *rankedCandidate) {
	var ranked []rankedCandidate
	for _, c := range cands {
		if taken[c.guid] {
			continue
		}
		if s := slotScore(slot, slotIdx, c); s >= 0 {
			ranked = append(ranked, rankedCandidate{guid: c.guid, score: s})
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })
	if len(ranked) > 0 {
		top = &ranked[0]
	}
	if len(ranked) > 1 {
		second = &ranked[1]
	}
	return top, second
}

// scoreMatrix builds the full slot × candidate matrix with scores
// normalized into [0,1] for the caller's UI.
func scoreMatrix(unresolved []string, cands []candidate) []models.ClarificationCandidate {
	maxScore := 0.0
	raw := make([]map[string]float64, len(cands))
	for i, c := range cands {
		raw[i] = make(map[string]float64, len(unresolved))
		for j, slot := range unresolved {
			s := slotScore(slot, j, c)
			if s < 0 {
				s = 0
			}
			raw[i][slot] = s
			if s > maxScore {
				maxScore = s
			}
		}
	}
	out := make([]models.ClarificationCandidate, len(cands))
	for i, c := range cands {
		scores := raw[i]
		if maxScore > 0 {
			for k, v := range scores {
				scores[k] = v / maxScore
			}
		}
		out[i] = models.ClarificationCandidate{GUID: c.guid, Window: c.window, Scores: scores}
	}
	return out
}

// ── Helpers ─────────────────────────────────────────────────

// slotFamily maps a slot name like "AzureAdDeviceId" to its role family.
func slotFamily(slot string) string {
	s := strings.ToLower(slot)
	switch {
	case strings.Contains(s, "device"):
		return "device"
	case strings.Contains(s, "user"):
		return "user"
	case strings.Contains(s, "account"):
		return "account"
	case strings.Contains(s, "context"):
		return "context"
	case strings.Contains(s, "policy"):
		return "policy"
	case strings.Contains(s, "tenant"):
		return "tenant"
	case strings.Contains(s, "group"):
		return "group"
	default:
		return ""
	}
}

// admissible rejects the all-zero sentinel for user-like slots.
func admissible(slot, guid string) bool {
	if guid != models.ZeroGUID {
		return true
	}
	return !userLikeFamilies[slotFamily(slot)]
}

// adjacencyExpr matches the slot's root word immediately before a GUID
// (only punctuation or an "id" suffix in between), e.g. "device 1111…" or
// "policy: 2222…".
func adjacencyExpr(slot string) *regexp.Regexp {
	root := slotFamily(slot)
	if root == "" {
		root = strings.ToLower(strings.TrimSuffix(slot, "Id"))
	}
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(root) + `(?:\s*id)?[^a-z0-9]*[0-9a-f]{8}-`)
}

func missingSlots(required []string, bound map[string]models.SlotBinding) []string {
	var out []string
	for _, slot := range required {
		if _, ok := bound[slot]; !ok {
			out = append(out, slot)
		}
	}
	return out
}

func foldSlotName(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(strings.ToLower(s), "_", ""), " ", "")
}

// PureIdentifierText reports whether the utterance consists only of
// identifiers and "SlotName: value" assignments — the shape of a reply to
// a pending clarification, which skips scenario matching entirely.
func PureIdentifierText(utterance string) bool {
	rest := assignExpr.ReplaceAllString(utterance, " ")
	rest = guidExpr.ReplaceAllString(rest, " ")
	rest = strings.Trim(rest, " \t\n.,;:!?\"'")
	return strings.TrimSpace(utterance) != "" && rest == ""
}

// ValidateGUID reports whether the value is a syntactically valid GUID.
func ValidateGUID(v string) error {
	if _, err := uuid.Parse(v); err != nil {
		return fmt.Errorf("not a valid identifier: %w", err)
	}
	return nil
}
