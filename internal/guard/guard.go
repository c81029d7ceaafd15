// Package guard rejects mutating query-backend commands before dispatch.
//
// The engine is strictly read-only: any rendered query whose statements
// start with a denylisted control-command prefix (".drop", ".ingest", …)
// fails fast and is never sent to a backend. The check runs on the
// rendered query text, after placeholder substitution, and separately on
// every bound value — so a mutating command smuggled in through an
// identifier value is caught even when the template itself is clean.
package guard

import (
	"fmt"
	"strings"

	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

// DefaultDenylist holds the mutating command prefixes of the query
// backends, checked case-insensitively at statement starts.
var DefaultDenylist = []string{
	".drop", ".alter", ".ingest", ".delete", ".set", ".create", ".append",
	".purge", ".replace",
}

// Guard evaluates rendered queries against a denylist of mutating verbs.
type Guard struct {
	denylist []string
}

// New creates a guard. A nil denylist selects DefaultDenylist.
func New(denylist []string) *Guard {
	if denylist == nil {
		denylist = DefaultDenylist
	}
	lowered := make([]string, len(denylist))
	for i, d := range denylist {
		lowered[i] = strings.ToLower(strings.TrimSpace(d))
	}
	return &Guard{denylist: lowered}
}

// CheckQuery inspects every statement of the rendered query. It returns a
// wrapped ErrGuardRejected naming the offending verb on a hit.
func (g *Guard) CheckQuery(rendered string) error {
	for _, stmt := range splitStatements(rendered) {
		if verb := g.match(stmt); verb != "" {
			return fmt.Errorf("%w: statement starts with %q", models.ErrGuardRejected, verb)
		}
	}
	return nil
}

// CheckValues inspects each bound value for embedded control commands
// (injection through an identifier).
func (g *Guard) CheckValues(values map[string]string) error {
	for slot, v := range values {
		for _, line := range strings.Split(v, "\n") {
			if verb := g.match(line); verb != "" {
				return fmt.Errorf("%w: value for %s embeds %q", models.ErrGuardRejected, slot, verb)
			}
		}
	}
	return nil
}

// match returns the denylisted verb the trimmed text starts with, or "".
func (g *Guard) match(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, verb := range g.denylist {
		if strings.HasPrefix(t, verb) {
			return verb
		}
	}
	return ""
}

// splitStatements breaks a rendered query into statement candidates:
// lines, plus ";" and "|"-separated segments within lines. Broad on
// purpose — a false positive here is a skipped query, a false negative is
// a mutating command reaching a cluster.
func splitStatements(query string) []string {
	var out []string
	for _, line := range strings.Split(query, "\n") {
		out = append(out, line)
		for _, seg := range strings.FieldsFunc(line, func(r rune) bool { return r == ';' || r == '|' }) {
			out = append(out, seg)
		}
	}
	return out
}
