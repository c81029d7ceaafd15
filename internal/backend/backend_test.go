package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/diagnostiq/diagnostiq/engine/internal/backend"
	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

func TestHTTPCapabilityTabularResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
			t.Errorf("bad request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"name":    "DeviceEvents",
			"columns": []string{"DeviceId", "Status", "Count"},
			"rows": [][]any{
				{"d-1", "ok", 3},
				{"d-2", "error", 1},
			},
		})
	}))
	defer srv.Close()

	cap := backend.NewHTTPCapability("realtime", srv.URL, srv.Client())
	table, err := cap.Execute(context.Background(), "DeviceEvents | take 2")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if table.Name != "DeviceEvents" || len(table.Rows) != 2 {
		t.Fatalf("got table %+v", table)
	}
	if table.Rows[0][0] != "d-1" || table.Rows[0][2] != "3" {
		t.Errorf("cells not normalized to strings: %v", table.Rows[0])
	}
	if table.Meta.Backend != "realtime" {
		t.Errorf("Meta.Backend = %q", table.Meta.Backend)
	}
}

func TestHTTPCapabilityObjectListResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"DeviceId":"d-1","OS":"Windows"},{"DeviceId":"d-2"}]`))
	}))
	defer srv.Close()

	cap := backend.NewHTTPCapability("realtime", srv.URL, srv.Client())
	table, err := cap.Execute(context.Background(), "q")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(table.Columns) != 2 || table.Columns[0] != "DeviceId" || table.Columns[1] != "OS" {
		t.Fatalf("columns = %v", table.Columns)
	}
	if table.Rows[1][1] != "" {
		t.Errorf("absent key should render empty, got %q", table.Rows[1][1])
	}
}

func TestHTTPCapabilityStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "cluster busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cap := backend.NewHTTPCapability("realtime", srv.URL, srv.Client())
	_, err := cap.Execute(context.Background(), "q")
	var be *models.BackendError
	if !errors.As(err, &be) || be.Backend != "realtime" {
		t.Fatalf("Execute = %v, want BackendError for realtime", err)
	}
}

func TestShardedCapabilityFallsThroughToSecondRegion(t *testing.T) {
	eu := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"columns":["DeviceId"],"rows":[]}`))
	}))
	defer eu.Close()
	us := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"columns":["DeviceId"],"rows":[["d-9"]]}`))
	}))
	defer us.Close()

	cap, err := backend.NewShardedCapability("snapshot", []backend.RegionSpec{
		{Name: "eu", URL: eu.URL},
		{Name: "us", URL: us.URL},
	}, http.DefaultClient)
	if err != nil {
		t.Fatalf("NewShardedCapability: %v", err)
	}

	table, err := cap.Execute(context.Background(), "q")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(table.Rows) != 1 || table.Rows[0][0] != "d-9" {
		t.Fatalf("expected row from second region, got %+v", table)
	}
	if table.Meta.Backend != "snapshot" {
		t.Errorf("Meta.Backend = %q", table.Meta.Backend)
	}
}

func TestShardedCapabilityEmptyEverywhereIsNotAnError(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"columns":["DeviceId"],"rows":[]}`))
	}))
	defer empty.Close()

	cap, err := backend.NewShardedCapability("snapshot", []backend.RegionSpec{
		{Name: "eu", URL: empty.URL},
		{Name: "us", URL: empty.URL},
	}, http.DefaultClient)
	if err != nil {
		t.Fatalf("NewShardedCapability: %v", err)
	}

	table, err := cap.Execute(context.Background(), "q")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(table.Rows) != 0 {
		t.Fatalf("expected empty table, got %d rows", len(table.Rows))
	}
}

func TestShardedCapabilityToleratesRegionError(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"columns":["DeviceId"],"rows":[["d-1"]]}`))
	}))
	defer up.Close()

	cap, err := backend.NewShardedCapability("snapshot", []backend.RegionSpec{
		{Name: "eu", URL: down.URL},
		{Name: "us", URL: up.URL},
	}, http.DefaultClient)
	if err != nil {
		t.Fatalf("NewShardedCapability: %v", err)
	}

	table, err := cap.Execute(context.Background(), "q")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(table.Rows) != 1 {
		t.Fatalf("expected row from healthy region, got %+v", table)
	}
}

func TestODataCapability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deviceComplianceDetails" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"value":[{"DeviceName":"lab-01","ComplianceState":"compliant"}]}`))
	}))
	defer srv.Close()

	cap := backend.NewODataCapability("warehouse", srv.URL, srv.Client())
	table, err := cap.Execute(context.Background(), "deviceComplianceDetails?$top=10")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(table.Rows) != 1 || table.Rows[0][1] != "lab-01" {
		t.Fatalf("got %+v", table)
	}
}

func TestBuildRegistry(t *testing.T) {
	topo := backend.Topology{Backends: []backend.BackendSpec{
		{Name: "realtime", Kind: "http", URL: "http://realtime.local"},
		{Name: "snapshot", Kind: "sharded", Regions: []backend.RegionSpec{
			{Name: "eu", URL: "http://eu.local"},
			{Name: "us", URL: "http://us.local"},
		}},
		{Name: "warehouse", Kind: "odata", URL: "http://warehouse.local"},
	}}

	reg, err := backend.BuildRegistry(topo, nil)
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	for _, name := range []string{"realtime", "snapshot", "snapshot-eu", "snapshot-us", "warehouse"} {
		if _, err := reg.Get(name); err != nil {
			t.Errorf("Get(%q): %v", name, err)
		}
	}
	if _, err := reg.Get("nope"); err == nil {
		t.Error("Get(nope) should fail")
	}
}

func TestBuildRegistryRejectsUnknownKind(t *testing.T) {
	topo := backend.Topology{Backends: []backend.BackendSpec{{Name: "x", Kind: "carrier-pigeon", URL: "http://x"}}}
	if _, err := backend.BuildRegistry(topo, nil); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestBuildRegistryRejectsUnparsableTimeout(t *testing.T) {
	topo := backend.Topology{Backends: []backend.BackendSpec{
		{Name: "realtime", Kind: "http", URL: "http://realtime.local", Timeout: "thirty seconds"},
	}}
	if _, err := backend.BuildRegistry(topo, nil); err == nil {
		t.Fatal("expected error for unparsable timeout")
	}
}

func TestBuildRegistryAppliesPerBackendTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.Write([]byte(`{"columns":["DeviceId"],"rows":[["d-1"]]}`))
	}))
	defer slow.Close()

	topo := backend.Topology{Backends: []backend.BackendSpec{
		{Name: "twitchy", Kind: "http", URL: slow.URL, Timeout: "50ms"},
		{Name: "patient", Kind: "http", URL: slow.URL, Timeout: "5s"},
	}}
	reg, err := backend.BuildRegistry(topo, nil)
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}

	twitchy, _ := reg.Get("twitchy")
	if _, err := twitchy.Execute(context.Background(), "q"); err == nil {
		t.Fatal("50ms timeout against a 500ms backend should fail")
	}

	patient, _ := reg.Get("patient")
	table, err := patient.Execute(context.Background(), "q")
	if err != nil {
		t.Fatalf("Execute with 5s timeout: %v", err)
	}
	if len(table.Rows) != 1 {
		t.Fatalf("rows = %d", len(table.Rows))
	}
}
