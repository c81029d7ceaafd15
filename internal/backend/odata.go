package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

// ODataCapability reads from an OData reporting warehouse. The rendered
// query is an OData path-and-filter expression ("deviceComplianceDetails?
// $filter=…") appended to the service root; responses arrive in the
// standard {"value": [...]} envelope.
type ODataCapability struct {
	name   string
	root   string
	client *http.Client
}

// NewODataCapability creates a capability rooted at the service URL.
func NewODataCapability(name, root string, client *http.Client) *ODataCapability {
	return &ODataCapability{name: name, root: strings.TrimRight(root, "/"), client: client}
}

// Name returns the backend name templates select this capability by.
func (c *ODataCapability) Name() string { return c.name }

// Execute issues the OData GET and flattens the value envelope.
func (c *ODataCapability) Execute(ctx context.Context, query string) (*models.ResultTable, error) {
	url := c.root + "/" + strings.TrimLeft(strings.TrimSpace(query), "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &models.BackendError{Backend: c.name, Err: err}
	}
	req.Header.Set("Accept", "application/json")

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
		return nil, &models.BackendError{
			Backend: c.name,
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(raw)),
		}
	}

	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &models.BackendError{Backend: c.name, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if envelope.Value == nil {
		return nil, &models.BackendError{Backend: c.name, Err: fmt.Errorf("response missing value envelope")}
	}

	table, err := decodeObjectList(envelope.Value)
	if err != nil {
		return nil, &models.BackendError{Backend: c.name, Err: err}
	}
	table.Meta.Backend = c.name
	return table, nil
}
