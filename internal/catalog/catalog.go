// Package catalog loads the scenario knowledge document and serves indexed,
// immutable scenario records.
//
// The document is a semi-structured markdown file: each diagnostic scenario
// is a ### section carrying a metadata comment block and one or more fenced
// query templates with <Placeholder> tokens. Sections without a metadata
// block (legends, global output rules) are tolerated and skipped.
//
// Loading is all-or-nothing: one malformed scenario section fails the whole
// load with a CatalogLoadError naming the section. Reload parses the source
// completely before an atomic snapshot swap, so in-flight readers continue
// against the old snapshot and never observe a partial catalog.
package catalog

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

// Snapshot is one immutable, fully indexed catalog generation.
type Snapshot struct {
	records []models.ScenarioRecord
	bySlug  map[string]*models.ScenarioRecord
}

// All returns every scenario in document declaration order. Callers must
// not mutate the returned records.
func (s *Snapshot) All() []models.ScenarioRecord { return s.records }

// BySlug returns the scenario with the given slug, or nil.
func (s *Snapshot) BySlug(slug string) *models.ScenarioRecord { return s.bySlug[slug] }

// Len returns the number of scenarios in the snapshot.
func (s *Snapshot) Len() int { return len(s.records) }

func buildSnapshot(records []models.ScenarioRecord) *Snapshot {
	snap := &Snapshot{
		records: records,
		bySlug:  make(map[string]*models.ScenarioRecord, len(records)),
	}
	for i := range snap.records {
		snap.bySlug[snap.records[i].Slug] = &snap.records[i]
	}
	return snap
}

// Catalog is the atomically swapped scenario database. The read path is
// lock-free; Reload builds a complete new snapshot before publishing it.
type Catalog struct {
	path           string
	defaultBackend string
	snap           atomic.Pointer[Snapshot]
}

// Load parses the knowledge document at path and returns a ready catalog.
// A parse or validation failure here is fatal at startup.
func Load(path, defaultBackend string) (*Catalog, error) {
	c := &Catalog{path: path, defaultBackend: defaultBackend}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadContent builds a catalog from in-memory document content. Reload is
// unavailable on catalogs built this way unless a path was given.
func LoadContent(content, defaultBackend string) (*Catalog, error) {
	records, err := parseDocument(content, defaultBackend)
	if err != nil {
		return nil, err
	}
	c := &Catalog{defaultBackend: defaultBackend}
	c.snap.Store(buildSnapshot(records))
	return c, nil
}

// Reload re-parses the source document and atomically swaps the snapshot.
// On failure the previous snapshot stays in place.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return fmt.Errorf("catalog has no source path to reload from")
	}
	content, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read knowledge document: %w", err)
	}
	records, err := parseDocument(string(content), c.defaultBackend)
	if err != nil {
		return err
	}
	snap := buildSnapshot(records)
	c.snap.Store(snap)

	log.Info().
		Str("path", c.path).
		Int("scenarios", snap.Len()).
		Msg("Scenario catalog loaded")
	return nil
}

// Snapshot returns the current catalog generation. Hold the returned
// pointer for the duration of a turn so matching and execution see one
// consistent view.
func (c *Catalog) Snapshot() *Snapshot { return c.snap.Load() }
