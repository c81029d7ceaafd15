// Package backend wires the engine to its query backends. A backend is
// anything that can execute a rendered query and hand back a result
// table: the realtime telemetry cluster, the region-sharded device
// snapshot service, or the OData reporting warehouse.
//
// The set of backends is declarative: a YAML topology file names each
// backend, its kind, and its endpoints, and LoadTopology turns that into
// a Registry of ready capabilities. Query templates select a backend by
// name; the orchestrator only ever sees the Capability contract.
package backend

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/diagnostiq/diagnostiq/engine/pkg/contracts"
)

// Topology is the on-disk shape of the backends file.
type Topology struct {
	Backends []BackendSpec `yaml:"backends"`
}

// BackendSpec declares one backend endpoint. Timeout is a Go duration
// string ("30s"); when set, requests to this backend get their own HTTP
// client with that timeout instead of the shared default.
type BackendSpec struct {
	Name    string       `yaml:"name"`
	Kind    string       `yaml:"kind"` // http | sharded | odata
	URL     string       `yaml:"url,omitempty"`
	Timeout string       `yaml:"timeout,omitempty"`
	Regions []RegionSpec `yaml:"regions,omitempty"`
}

// RegionSpec is one shard of a region-sharded backend. Regions are tried
// in declaration order: the first is primary, the rest are fallbacks.
type RegionSpec struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Registry holds the configured capabilities by name.
type Registry struct {
	caps map[string]contracts.Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]contracts.Capability)}
}

// Register adds a capability. Re-registering a name replaces it.
func (r *Registry) Register(c contracts.Capability) {
	r.caps[c.Name()] = c
}

// Get returns the capability by name.
func (r *Registry) Get(name string) (contracts.Capability, error) {
	c, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	return c, nil
}

// Names lists registered backend names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.caps))
	for n := range r.caps {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// LoadTopology reads the YAML topology at path and builds a registry.
func LoadTopology(path string, client *http.Client) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backend topology: %w", err)
	}
	var topo Topology
	if err := yaml.Unmarshal(raw, &topo); err != nil {
		return nil, fmt.Errorf("parse backend topology: %w", err)
	}
	return BuildRegistry(topo, client)
}

// BuildRegistry turns a topology into ready capabilities.
func BuildRegistry(topo Topology, client *http.Client) (*Registry, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	reg := NewRegistry()
	for _, spec := range topo.Backends {
		if spec.Name == "" {
			return nil, fmt.Errorf("backend with empty name in topology")
		}
		cl := client
		if spec.Timeout != "" {
			d, err := time.ParseDuration(spec.Timeout)
			if err != nil {
				return nil, fmt.Errorf("backend %s: bad timeout %q: %w", spec.Name, spec.Timeout, err)
			}
			cl = &http.Client{Timeout: d, Transport: client.Transport}
		}
		switch spec.Kind {
		case "http", "":
			if spec.URL == "" {
				return nil, fmt.Errorf("backend %s: http kind needs a url", spec.Name)
			}
			reg.Register(NewHTTPCapability(spec.Name, spec.URL, cl))
		case "sharded":
			if len(spec.Regions) == 0 {
				return nil, fmt.Errorf("backend %s: sharded kind needs regions", spec.Name)
			}
			sharded, err := NewShardedCapability(spec.Name, spec.Regions, cl)
			if err != nil {
				return nil, fmt.Errorf("backend %s: %w", spec.Name, err)
			}
			reg.Register(sharded)
			// Each region is also addressable directly, e.g. "snapshot-eu".
			for _, region := range spec.Regions {
				reg.Register(NewHTTPCapability(spec.Name+"-"+region.Name, region.URL, cl))
			}
		case "odata":
			if spec.URL == "" {
				return nil, fmt.Errorf("backend %s: odata kind needs a url", spec.Name)
			}
			reg.Register(NewODataCapability(spec.Name, spec.URL, cl))
		default:
			return nil, fmt.Errorf("backend %s: unknown kind %q", spec.Name, spec.Kind)
		}
	}
	return reg, nil
}
