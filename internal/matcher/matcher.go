// Package matcher scores scenario candidates against a free-text utterance
// and picks the single most appropriate scenario under the
// scope-minimization policy: answer only what was asked, never union
// multiple domains, and ask instead of guessing when the request is
// genuinely ambiguous.
//
// Matching is a pure function over (utterance, state, catalog snapshot) —
// no side effects, deterministic total order, ties broken by declaration
// order in the knowledge document.
package matcher

import (
	"sort"
	"strings"

	"github.com/diagnostiq/diagnostiq/engine/internal/catalog"
	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

// Scoring weight table. Documented here so the scoring function is
// unit-testable independent of any document content.
const (
	weightKeyword = 3 // utterance token found in the scenario keyword set
	weightAlias   = 2 // whole alias found as a substring of the utterance
	weightTitle   = 1 // utterance token found in the title token set
)

// maxClarifyOptions caps how many candidate scenarios a Clarify result
// carries.
const maxClarifyOptions = 3

// DefaultStoplist holds generic/broad terms that never count as domain
// signal on their own.
var DefaultStoplist = []string{
	"info", "details", "show", "get", "tell", "status", "investigate",
	"troubleshoot", "check", "lookup", "what", "about", "me", "the",
	"for", "of", "my", "is", "on", "in", "please",
}

// Matcher scores utterances against a catalog snapshot.
type Matcher struct {
	stoplist map[string]bool
}

// New creates a matcher. A nil stoplist selects DefaultStoplist.
func New(stoplist []string) *Matcher {
	if stoplist == nil {
		stoplist = DefaultStoplist
	}
	set := make(map[string]bool, len(stoplist))
	for _, w := range stoplist {
		set[normalizeToken(w)] = true
	}
	return &Matcher{stoplist: set}
}

type scored struct {
	rec   *models.ScenarioRecord
	score int
	order int
}

// Match resolves the utterance to a scenario, a clarification between 2–3
// candidates, or no match. state may be nil for a fresh session.
func (m *Matcher) Match(utterance string, state *models.Snapshot, snap *catalog.Snapshot) models.MatchResult {
	all := snap.All()
	if len(all) == 0 {
		return models.MatchResult{Kind: models.MatchNone}
	}

	norm := normalizeText(utterance)
	tokens := Tokenize(utterance)

	// 1–2. Exact slug, alias, or title match resolves immediately.
	for i := range all {
		rec := &all[i]
		if norm == normalizeText(rec.Slug) {
			return models.MatchResult{Kind: models.MatchResolved, Scenario: rec}
		}
	}
	for i := range all {
		rec := &all[i]
		if norm == normalizeText(rec.Title) {
			return models.MatchResult{Kind: models.MatchResolved, Scenario: rec}
		}
		for _, alias := range rec.Aliases {
			if norm == normalizeText(alias) {
				return models.MatchResult{Kind: models.MatchResolved, Scenario: rec}
			}
		}
	}

	// 3. Weighted scoring over normalized token sets.
	ranked := make([]scored, 0, len(all))
	for i := range all {
		rec := &all[i]
		if s := m.Score(tokens, norm, rec); s > 0 {
			ranked = append(ranked, scored{rec: rec, score: s, order: i})
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].score != ranked[b].score {
			return ranked[a].score > ranked[b].score
		}
		return ranked[a].order < ranked[b].order
	})

	// 6. Sticky-session bias: keep filling the active scenario unless the
	// utterance clearly shifts domain.
	if state != nil && state.ActiveScenario != "" {
		if active := snap.BySlug(state.ActiveScenario); active != nil {
			if !m.shiftsDomain(tokens, active, ranked) {
				return models.MatchResult{Kind: models.MatchResolved, Scenario: active}
			}
		}
	}

	// 5a. Nothing scored: offer the top catalog entries rather than a bare
	// failure, or report no match for an empty utterance.
	if len(ranked) == 0 {
		if len(tokens) == 0 {
			return models.MatchResult{Kind: models.MatchNone}
		}
		return clarifyFrom(recPointers(all))
	}

	// 5b. Two or more distinct domains named with no primary indicated.
	if domains := m.domainsNamed(tokens, all); len(domains) >= 2 {
		return clarifyFrom(rankedPointers(ranked))
	}

	// 4. Scope minimization: exactly one winner, ties broken by
	// declaration order — never a union of domains.
	return models.MatchResult{Kind: models.MatchResolved, Scenario: ranked[0].rec}
}

// Score computes the weighted score of one scenario for pre-normalized
// utterance tokens. Exported for property tests over the weight table.
func (m *Matcher) Score(tokens []string, normUtterance string, rec *models.ScenarioRecord) int {
	keywords := make(map[string]bool, len(rec.Keywords)+1)
	for _, k := range rec.Keywords {
		keywords[normalizeToken(k)] = true
	}
	// The domain tag counts as a keyword of its scenario.
	keywords[normalizeToken(rec.Domain)] = true

	titleTokens := make(map[string]bool)
	for _, t := range Tokenize(rec.Title) {
		titleTokens[t] = true
	}

	score := 0
	titleHit := false
	for _, tok := range tokens {
		if m.stoplist[tok] {
			continue
		}
		if keywords[tok] {
			score += weightKeyword
		}
		if titleTokens[tok] {
			titleHit = true
		}
	}
	for _, alias := range rec.Aliases {
		if a := normalizeText(alias); a != "" && strings.Contains(normUtterance, a) {
			score += weightAlias
		}
	}
	if titleHit {
		score += weightTitle
	}
	return score
}

// shiftsDomain reports whether the utterance names a domain other than the
// active scenario's, or ranks a different-domain scenario strictly above it.
func (m *Matcher) shiftsDomain(tokens []string, active *models.ScenarioRecord, ranked []scored) bool {
	activeDomain := normalizeToken(active.Domain)
	for _, tok := range tokens {
		if m.stoplist[tok] || tok == activeDomain {
			continue
		}
		for _, s := range ranked {
			if normalizeToken(s.rec.Domain) == tok && s.rec.Slug != active.Slug {
				return true
			}
		}
	}
	if len(ranked) > 0 && ranked[0].rec.Slug != active.Slug && ranked[0].rec.Domain != active.Domain {
		// A different domain outranks the active scenario outright.
		for _, s := range ranked {
			if s.rec.Slug == active.Slug {
				return ranked[0].score > s.score
			}
		}
		return true
	}
	return false
}

// domainsNamed returns the distinct scenario domain tags literally present
// in the utterance tokens.
func (m *Matcher) domainsNamed(tokens []string, all []models.ScenarioRecord) map[string]bool {
	tags := make(map[string]bool)
	for i := range all {
		tags[normalizeToken(all[i].Domain)] = false
	}
	named := make(map[string]bool)
	for _, tok := range tokens {
		if _, ok := tags[tok]; ok && !m.stoplist[tok] {
			named[tok] = true
		}
	}
	return named
}

func clarifyFrom(recs []*models.ScenarioRecord) models.MatchResult {
	n := len(recs)
	if n > maxClarifyOptions {
		n = maxClarifyOptions
	}
	if n < 2 {
		return models.MatchResult{Kind: models.MatchNone}
	}
	return models.MatchResult{Kind: models.MatchClarify, Options: recs[:n]}
}

func rankedPointers(ranked []scored) []*models.ScenarioRecord {
	out := make([]*models.ScenarioRecord, len(ranked))
	for i, s := range ranked {
		out[i] = s.rec
	}
	return out
}

func recPointers(all []models.ScenarioRecord) []*models.ScenarioRecord {
	out := make([]*models.ScenarioRecord, len(all))
	for i := range all {
		out[i] = &all[i]
	}
	return out
}

// ── Normalization ───────────────────────────────────────────

// Tokenize lowercases the text, splits on whitespace and _-/ separators,
// strips surrounding punctuation, and drops single-character tokens.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '_' || r == '-' || r == '/'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?()[]{}:;\"'")
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func normalizeToken(s string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(s)), ".,!?()[]{}:;\"'")
}

// normalizeText lowercases and collapses a whole phrase to
// space-separated normalized tokens, keeping hyphenated slugs comparable
// to their spoken form.
func normalizeText(s string) string {
	return strings.Join(Tokenize(s), " ")
}
