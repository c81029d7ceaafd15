// Package orchestrator turns a fully-resolved scenario into result
// tables: it renders each query template with the bound identifiers,
// screens it through the safety guard, dispatches all templates
// concurrently, applies fallback and truncation rules, and aggregates
// the outcome into an Execution.
//
// Dispatch order is unordered but reporting order is not: tables always
// come back in template declaration order, primary dataset first.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/diagnostiq/diagnostiq/engine/internal/backend"
	"github.com/diagnostiq/diagnostiq/engine/internal/guard"
	"github.com/diagnostiq/diagnostiq/engine/internal/metrics"
	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

// truncationMarker fills the first cell of the synthetic row appended
// after a clipped result so a reader cannot mistake the table for
// complete.
const truncationMarker = "[truncated]"

// Orchestrator executes scenario templates against registered backends.
type Orchestrator struct {
	backends *backend.Registry
	guard    *guard.Guard

	rowCap          int
	dispatchTimeout time.Duration
}

// New creates an orchestrator. rowCap bounds data rows per table;
// dispatchTimeout bounds each individual dispatch, fallback included.
func New(backends *backend.Registry, g *guard.Guard, rowCap int, dispatchTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		backends:        backends,
		guard:           g,
		rowCap:          rowCap,
		dispatchTimeout: dispatchTimeout,
	}
}

// Execute runs every template of the scenario with the given slot values.
// It never returns a non-nil error for per-template failures — those are
// folded into the Execution; only a cancelled context aborts.
func (o *Orchestrator) Execute(ctx context.Context, scenario *models.ScenarioRecord, slots map[string]models.SlotBinding) (*models.Execution, error) {
	values := make(map[string]string, len(slots))
	for name, b := range slots {
		values[name] = b.Value
	}

	results := make([]models.TemplateResult, len(scenario.Templates))
	tables := make([]*models.ResultTable, len(scenario.Templates))

	g, gctx := errgroup.WithContext(ctx)
	for i := range scenario.Templates {
		tmpl := &scenario.Templates[i]
		results[i] = models.TemplateResult{StepNumber: tmpl.StepNumber, Title: tmpl.Title}

		rendered, missing := render(tmpl, values)
		if len(missing) > 0 {
			results[i].State = models.TemplateSkipped
			results[i].Error = fmt.Sprintf("unbound placeholders: %s", strings.Join(missing, ", "))
			tables[i] = skippedTable(tmpl, missing)
			continue
		}
		if err := o.screen(rendered, tmpl, values); err != nil {
			results[i].State = models.TemplateGuardRejected
			results[i].Error = err.Error()
			tables[i] = failureTable(tmpl, tmpl.Backend, err)
			metrics.GuardRejectionsTotal.Inc()
			log.Warn().Str("scenario", scenario.Slug).Int("step", tmpl.StepNumber).Err(err).
				Msg("Query rejected by guard")
			continue
		}

		idx, query := i, rendered
		g.Go(func() error {
			table, attempts, err := o.dispatch(gctx, tmpl, query)
			results[idx].Attempts = attempts
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				results[idx].State = models.TemplateFailed
				results[idx].Error = err.Error()
				tables[idx] = failureTable(tmpl, backendName(err, tmpl.Backend), err)
				return nil
			}
			results[idx].State = models.TemplateExecuted
			tables[idx] = o.truncate(table, tmpl)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("execute scenario %s: %w", scenario.Slug, err)
	}

	exec := &models.Execution{Templates: results}
	for _, t := range tables {
		if t != nil {
			exec.Tables = append(exec.Tables, *t)
		}
	}
	exec.Summary = Summarize(exec.Tables)
	exec.Status = status(results, scenario.Templates)
	return exec, nil
}

// dispatch runs the query on the template's backend with the per-dispatch
// timeout, retrying exactly once on the fallback backend when configured.
func (o *Orchestrator) dispatch(ctx context.Context, tmpl *models.QueryTemplate, query string) (*models.ResultTable, int, error) {
	table, err := o.dispatchOne(ctx, tmpl.Backend, query)
	attempts := 1

	needFallback := tmpl.Fallback != "" &&
		(err != nil || (tmpl.FallbackOnEmpty && len(table.Rows) == 0))
	if needFallback && ctx.Err() == nil {
		log.Info().Str("backend", tmpl.Backend).Str("fallback", tmpl.Fallback).
			Bool("primary_failed", err != nil).Msg("Dispatching fallback backend")
		fbTable, fbErr := o.dispatchOne(ctx, tmpl.Fallback, query)
		attempts++
		if fbErr == nil {
			fbTable.Meta.FellBack = true
			metrics.DispatchesTotal.WithLabelValues(tmpl.Fallback, "fallback_ok").Inc()
			return fbTable, attempts, nil
		}
		metrics.DispatchesTotal.WithLabelValues(tmpl.Fallback, "fallback_error").Inc()
		if err == nil {
			// Primary was empty and the fallback failed: the empty
			// primary result still stands.
			return table, attempts, nil
		}
		return nil, attempts, err
	}
	return table, attempts, err
}

func (o *Orchestrator) dispatchOne(ctx context.Context, backendName, query string) (*models.ResultTable, error) {
	cap, err := o.backends.Get(backendName)
	if err != nil {
		return nil, &models.BackendError{Backend: backendName, Err: err}
	}

	dctx, cancel := context.WithTimeout(ctx, o.dispatchTimeout)
	defer cancel()

	start := time.Now()
	table, err := cap.Execute(dctx, query)
	elapsed := time.Since(start)
	metrics.DispatchDuration.WithLabelValues(backendName).Observe(elapsed.Seconds())
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues(backendName, "error").Inc()
		return nil, err
	}
	metrics.DispatchesTotal.WithLabelValues(backendName, "ok").Inc()
	table.Meta.LatencyMs = elapsed.Milliseconds()
	return table, nil
}

// screen runs the guard over the rendered query and each bound value the
// template actually uses.
func (o *Orchestrator) screen(rendered string, tmpl *models.QueryTemplate, values map[string]string) error {
	if err := o.guard.CheckQuery(rendered); err != nil {
		return err
	}
	used := make(map[string]string, len(tmpl.Placeholders))
	for _, p := range tmpl.Placeholders {
		used[p.Name] = values[p.Name]
	}
	return o.guard.CheckValues(used)
}

// truncate clips the table to the row cap, appending one marker row and
// recording the true total in the metadata.
func (o *Orchestrator) truncate(table *models.ResultTable, tmpl *models.QueryTemplate) *models.ResultTable {
	if table.Name == "" {
		table.Name = tmpl.Title
	}
	table.Meta.TotalRows = len(table.Rows)
	if o.rowCap > 0 && len(table.Rows) > o.rowCap {
		clipped := make([][]string, o.rowCap, o.rowCap+1)
		copy(clipped, table.Rows[:o.rowCap])
		marker := make([]string, len(table.Columns))
		if len(marker) > 0 {
			marker[0] = truncationMarker
		}
		table.Rows = append(clipped, marker)
		table.Meta.Truncated = true
		metrics.TruncationsTotal.Inc()
	}
	return table
}

// render substitutes <Name> placeholders, returning the names that had no
// bound value.
func render(tmpl *models.QueryTemplate, values map[string]string) (string, []string) {
	rendered := tmpl.Query
	var missing []string
	for _, p := range tmpl.Placeholders {
		v, ok := values[p.Name]
		if !ok || v == "" {
			missing = append(missing, p.Name)
			continue
		}
		rendered = strings.ReplaceAll(rendered, "<"+p.Name+">", v)
	}
	return rendered, missing
}

// failureTable gives a failed dispatch a table-shaped result so the turn
// output contract holds even on error.
func failureTable(tmpl *models.QueryTemplate, backendName string, err error) *models.ResultTable {
	return &models.ResultTable{
		Name:    tmpl.Title,
		Columns: []string{"Backend", "Error"},
		Rows:    [][]string{{backendName, err.Error()}},
		Meta:    models.TableMeta{Backend: backendName, TotalRows: 1},
	}
}

func skippedTable(tmpl *models.QueryTemplate, missing []string) *models.ResultTable {
	return &models.ResultTable{
		Name:    tmpl.Title,
		Columns: []string{"Skipped", "Reason"},
		Rows:    [][]string{{"true", "unbound placeholders: " + strings.Join(missing, ", ")}},
		Meta:    models.TableMeta{Backend: tmpl.Backend, TotalRows: 1},
	}
}

func backendName(err error, fallbackName string) string {
	var be *models.BackendError
	if errors.As(err, &be) {
		return be.Backend
	}
	return fallbackName
}

// status derives the execution status: all templates landed → completed,
// at least one did → partially executed, none did → failed. Skipped
// optional templates do not count against completion.
func status(results []models.TemplateResult, templates []models.QueryTemplate) models.ExecutionStatus {
	executed, failed := 0, 0
	for i, r := range results {
		switch r.State {
		case models.TemplateExecuted:
			executed++
		case models.TemplateSkipped:
			if !templates[i].Optional {
				failed++
			}
		case models.TemplateFailed, models.TemplateGuardRejected:
			failed++
		}
	}
	switch {
	case failed == 0:
		return models.ExecutionCompleted
	case executed > 0:
		return models.ExecutionPartial
	default:
		return models.ExecutionFailed
	}
}

// ── Summaries ───────────────────────────────────────────────

// timestampLayouts are the wire formats backends emit timestamps in.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

var errStatusWords = []string{"error", "conflict", "failed", "failure"}

// Summarize aggregates result tables for the summarization step: row
// counts, a histogram over the status-like column, the observed timestamp
// range, and the number of error-ish rows.
func Summarize(tables []models.ResultTable) models.Summary {
	sum := models.Summary{Tables: make([]models.TableSummary, 0, len(tables))}
	for _, t := range tables {
		sum.Tables = append(sum.Tables, summarizeTable(t))
	}
	return sum
}

func summarizeTable(t models.ResultTable) models.TableSummary {
	ts := models.TableSummary{Name: t.Name, RowCount: t.Meta.TotalRows}
	if ts.RowCount == 0 {
		ts.RowCount = len(t.Rows)
	}

	statusCol, timeCol := -1, -1
	for i, col := range t.Columns {
		lc := strings.ToLower(col)
		if statusCol < 0 && strings.Contains(lc, "status") {
			statusCol = i
		}
		if timeCol < 0 && (strings.Contains(lc, "time") || strings.Contains(lc, "date")) {
			timeCol = i
		}
	}

	for _, row := range t.Rows {
		if len(row) > 0 && row[0] == truncationMarker {
			continue
		}
		if statusCol >= 0 && statusCol < len(row) {
			v := row[statusCol]
			if ts.StatusHistogram == nil {
				ts.StatusHistogram = make(map[string]int)
			}
			ts.StatusHistogram[v]++
			if isErrorStatus(v) {
				ts.ErrorRows++
			}
		}
		if timeCol >= 0 && timeCol < len(row) {
			if at, ok := parseTimestamp(row[timeCol]); ok {
				if ts.MinTimestamp == nil || at.Before(*ts.MinTimestamp) {
					t := at
					ts.MinTimestamp = &t
				}
				if ts.MaxTimestamp == nil || at.After(*ts.MaxTimestamp) {
					t := at
					ts.MaxTimestamp = &t
				}
			}
		}
	}
	return ts
}

func isErrorStatus(v string) bool {
	lv := strings.ToLower(v)
	for _, w := range errStatusWords {
		if strings.Contains(lv, w) {
			return true
		}
	}
	return false
}

func parseTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if at, err := time.Parse(layout, v); err == nil {
			return at, true
		}
	}
	// Unix seconds show up in some realtime exports.
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 1_000_000_000 {
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}
