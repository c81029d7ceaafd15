package catalog

import (
	"regexp"
	"strings"

	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

// Knowledge document grammar:
//
//	### <Title>                 — starts a section
//	<!--                        — metadata block (required for scenarios)
//	- slug: device-compliance
//	- domain: compliance
//	- keywords: a, b, c
//	- required_identifiers: DeviceId, AccountId
//	- aliases: x, y
//	- description: ...
//	-->
//	**Step N: <Title>**         — optional step heading
//	```kusto                    — query fence (kusto|kql|sql|bare)
//	// Purpose: ...             — step purpose, not query text
//	// Backend: snapshot-eu snapshot-us on-empty
//	<query with <Placeholder> tokens>
//	```
//
// Sections without a metadata block (legends, global rules) are skipped.
var (
	sectionHeading  = regexp.MustCompile(`^###\s+(.+)$`)
	metadataStart   = regexp.MustCompile(`^<!--\s*$`)
	metadataEnd     = regexp.MustCompile(`^-->\s*$`)
	metadataField   = regexp.MustCompile(`^-\s*(\w+):\s*(.*)$`)
	stepHeading     = regexp.MustCompile(`(?i)^\*\*Step\s+(\d+):\s+(.*?)\*\*`)
	fenceStart      = regexp.MustCompile(`(?i)^` + "```" + `(kusto|kql|sql)?\s*$`)
	fenceEnd        = regexp.MustCompile(`^` + "```" + `\s*$`)
	purposeComment  = regexp.MustCompile(`(?i)^//\s*Purpose:\s*(.*)$`)
	backendComment  = regexp.MustCompile(`(?i)^//\s*Backend:\s*(\S+)(?:\s+(\S+))?(?:\s+(on-empty))?\s*$`)
	placeholderExpr = regexp.MustCompile(`<([A-Za-z][A-Za-z0-9_]*)>`)
)

// parseDocument parses the knowledge document into scenario records.
// Any validation failure aborts the whole parse — the catalog never loads
// partially.
func parseDocument(content, defaultBackend string) ([]models.ScenarioRecord, error) {
	lines := strings.Split(content, "\n")

	var scenarios []models.ScenarioRecord
	seen := make(map[string]string) // slug → section title

	for i := 0; i < len(lines); {
		m := sectionHeading.FindStringSubmatch(lines[i])
		if m == nil {
			i++
			continue
		}
		rec, hasMeta, next, err := parseSection(lines, i, strings.TrimSpace(m[1]), defaultBackend)
		if err != nil {
			return nil, err
		}
		i = next
		if !hasMeta {
			// Legend or global-rule section, not a scenario.
			continue
		}
		if prior, dup := seen[rec.Slug]; dup {
			return nil, &models.CatalogLoadError{
				Section: rec.Title,
				Reason:  "duplicate slug " + rec.Slug + " (already used by " + prior + ")",
			}
		}
		seen[rec.Slug] = rec.Title
		scenarios = append(scenarios, rec)
	}

	return scenarios, nil
}

// parseSection parses one ### section. Returns hasMeta=false for
// non-scenario sections.
func parseSection(lines []string, start int, title, defaultBackend string) (models.ScenarioRecord, bool, int, error) {
	rec := models.ScenarioRecord{Title: title}
	hasMeta := false

	var (
		inMeta    bool
		inFence   bool
		queryBuf  []string
		cur       *models.QueryTemplate
		descLines []string
	)

	flushTemplate := func() {
		if cur == nil {
			return
		}
		cur.Query = strings.TrimSpace(strings.Join(queryBuf, "\n"))
		if cur.Query != "" {
			cur.Placeholders = extractPlaceholders(cur.Query)
			if cur.Backend == "" {
				cur.Backend = defaultBackend
			}
			rec.Templates = append(rec.Templates, *cur)
		}
		cur = nil
		queryBuf = nil
	}

	i := start + 1
	for ; i < len(lines); i++ {
		line := lines[i]

		if !inFence && sectionHeading.MatchString(line) {
			break
		}

		switch {
		case inMeta:
			if metadataEnd.MatchString(line) {
				inMeta = false
				continue
			}
			if m := metadataField.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
				applyMetadata(&rec, strings.ToLower(m[1]), strings.TrimSpace(m[2]))
			}

		case inFence:
			if fenceEnd.MatchString(line) {
				inFence = false
				flushTemplate()
				continue
			}
			if cur != nil {
				if m := purposeComment.FindStringSubmatch(line); m != nil && cur.Purpose == "" {
					cur.Purpose = strings.TrimSpace(m[1])
					continue
				}
				if m := backendComment.FindStringSubmatch(line); m != nil && cur.Backend == "" {
					cur.Backend = m[1]
					cur.Fallback = m[2]
					cur.FallbackOnEmpty = m[3] != ""
					continue
				}
			}
			queryBuf = append(queryBuf, line)

		case metadataStart.MatchString(line):
			inMeta = true
			hasMeta = true

		case stepHeading.MatchString(line):
			flushTemplate()
			m := stepHeading.FindStringSubmatch(line)
			stepTitle := strings.TrimSpace(m[2])
			cur = &models.QueryTemplate{
				StepNumber: atoiSafe(m[1]),
				Title:      stepTitle,
				Optional:   strings.Contains(strings.ToLower(stepTitle), "optional"),
			}

		case fenceStart.MatchString(line):
			inFence = true
			if cur == nil {
				// Implicit single-step scenario: the fence stands alone.
				cur = &models.QueryTemplate{
					StepNumber: len(rec.Templates) + 1,
					Title:      title,
				}
			}
			queryBuf = nil

		default:
			if cur == nil && strings.TrimSpace(line) != "" {
				descLines = append(descLines, strings.TrimSpace(line))
			}
		}
	}
	flushTemplate()

	if !hasMeta {
		return rec, false, i, nil
	}
	if rec.Description == "" && len(descLines) > 0 {
		rec.Description = strings.Join(descLines, " ")
	}
	if err := validate(&rec); err != nil {
		return rec, true, i, err
	}
	return rec, true, i, nil
}

func applyMetadata(rec *models.ScenarioRecord, field, value string) {
	switch field {
	case "slug":
		rec.Slug = value
	case "domain":
		rec.Domain = value
	case "keywords":
		rec.Keywords = splitCSV(value)
	case "required_identifiers":
		rec.RequiredIdentifiers = splitCSV(value)
	case "aliases":
		rec.Aliases = splitCSV(value)
	case "description":
		rec.Description = value
	}
}

// validate enforces the required metadata fields and the
// placeholder/required_identifiers invariant.
func validate(rec *models.ScenarioRecord) error {
	fail := func(reason string) error {
		return &models.CatalogLoadError{Section: rec.Title, Reason: reason}
	}
	if rec.Slug == "" {
		return fail("missing slug")
	}
	if rec.Domain == "" {
		return fail("missing domain")
	}
	if len(rec.Keywords) == 0 {
		return fail("missing keywords")
	}
	if rec.Description == "" {
		return fail("missing description")
	}
	if len(rec.Templates) == 0 {
		return fail("no query templates")
	}
	for _, t := range rec.Templates {
		if len(t.Placeholders) > 0 && len(rec.RequiredIdentifiers) == 0 {
			return fail("templates use placeholders but required_identifiers is empty")
		}
	}
	return nil
}

// extractPlaceholders returns each placeholder once, in order of first
// appearance, with a type inferred from its name.
func extractPlaceholders(query string) []models.Placeholder {
	var out []models.Placeholder
	found := make(map[string]bool)
	for _, m := range placeholderExpr.FindAllStringSubmatch(query, -1) {
		name := m[1]
		if found[name] {
			continue
		}
		found[name] = true
		out = append(out, models.Placeholder{Name: name, Type: inferType(name)})
	}
	return out
}

func inferType(name string) models.PlaceholderType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "list"):
		return models.PlaceholderGUIDList
	case strings.Contains(n, "id"):
		return models.PlaceholderGUID
	case strings.Contains(n, "time"), strings.Contains(n, "date"):
		return models.PlaceholderDateTime
	case strings.Contains(n, "count"), strings.Contains(n, "limit"):
		return models.PlaceholderInteger
	default:
		return models.PlaceholderString
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}
