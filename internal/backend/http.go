package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

// queryRequest is the wire shape sent to realtime query endpoints.
type queryRequest struct {
	Query string `json:"query"`
}

// queryResponse covers the two response shapes realtime clusters return:
// an explicit columns/rows table, or a bare list of row objects.
type queryResponse struct {
	Name    string              `json:"name,omitempty"`
	Columns []string            `json:"columns,omitempty"`
	Rows    [][]json.RawMessage `json:"rows,omitempty"`
}

// HTTPCapability executes queries against a JSON-over-HTTP query
// endpoint. It normalizes both tabular and object-list responses into a
// ResultTable with string cells.
type HTTPCapability struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPCapability creates a capability posting to url.
func NewHTTPCapability(name, url string, client *http.Client) *HTTPCapability {
	return &HTTPCapability{name: name, url: url, client: client}
}

// Name returns the backend name templates select this capability by.
func (c *HTTPCapability) Name() string { return c.name }

// Execute posts the rendered query and decodes the response table.
func (c *HTTPCapability) Execute(ctx context.Context, query string) (*models.ResultTable, error) {
	body, err := json.Marshal(queryRequest{Query: query})
	if err != nil {
		return nil, &models.BackendError{Backend: c.name, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &models.BackendError{Backend: c.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &models.BackendError{Backend: c.name, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &models.BackendError{Backend: c.name, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		log.Warn().Str("backend", c.name).Int("status", resp.StatusCode).Msg("Backend query failed")
		return nil, &models.BackendError{
			Backend: c.name,
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(raw)),
		}
	}

	table, err := decodeTable(raw)
	if err != nil {
		return nil, &models.BackendError{Backend: c.name, Err: err}
	}
	table.Meta.Backend = c.name
	return table, nil
}

// decodeTable accepts either {name, columns, rows} or a JSON array of
// row objects and produces a uniform string-celled table.
func decodeTable(raw []byte) (*models.ResultTable, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return decodeObjectList(trimmed)
	}

	var qr queryResponse
	if err := json.Unmarshal(trimmed, &qr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	table := &models.ResultTable{Name: qr.Name, Columns: qr.Columns}
	for _, row := range qr.Rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = cellString(cell)
		}
		table.Rows = append(table.Rows, cells)
	}
	return table, nil
}

// decodeObjectList flattens a list of JSON objects. Columns are the union
// of keys, sorted for stable output; absent keys render as empty cells.
func decodeObjectList(raw []byte) (*models.ResultTable, error) {
	var objs []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &objs); err != nil {
		return nil, fmt.Errorf("decode row list: %w", err)
	}

	seen := make(map[string]bool)
	var columns []string
	for _, obj := range objs {
		for k := range obj {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)

	table := &models.ResultTable{Columns: columns}
	for _, obj := range objs {
		cells := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := obj[col]; ok {
				cells[i] = cellString(v)
			}
		}
		table.Rows = append(table.Rows, cells)
	}
	return table, nil
}

// cellString renders one JSON value as a flat cell. Strings lose their
// quotes; everything else keeps its JSON form.
func cellString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func truncateBody(raw []byte) string {
	const max = 256
	if len(raw) > max {
		return string(raw[:max]) + "…"
	}
	return string(raw)
}
