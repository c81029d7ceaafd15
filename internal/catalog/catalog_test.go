package catalog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/diagnostiq/diagnostiq/engine/internal/catalog"
)

const minimalDoc = `### Device Lookup
<!--
- slug: device-lookup
- domain: device
- keywords: lookup
- required_identifiers: DeviceId
- description: Basic device record.
-->
` + "```kusto\nDevices | where DeviceId == '<DeviceId>'\n```\n"

func writeDoc(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "instructions.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	return path
}

func TestLoadAndSnapshot(t *testing.T) {
	path := writeDoc(t, t.TempDir(), minimalDoc)

	cat, err := catalog.Load(path, "realtime")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap := cat.Snapshot()
	if snap.Len() != 1 {
		t.Fatalf("Len = %d", snap.Len())
	}
	if rec := snap.BySlug("device-lookup"); rec == nil || rec.Domain != "device" {
		t.Fatalf("BySlug = %+v", rec)
	}
	if snap.BySlug("nope") != nil {
		t.Error("unknown slug should return nil")
	}
}

func TestLoadFailsOnBrokenDocument(t *testing.T) {
	path := writeDoc(t, t.TempDir(), "### Broken\n<!--\n- slug: broken\n-->\n```\nX\n```\n")
	if _, err := catalog.Load(path, "realtime"); err == nil {
		t.Fatal("expected load failure")
	}
}

func TestReloadKeepsOldSnapshotOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, minimalDoc)

	cat, err := catalog.Load(path, "realtime")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := cat.Snapshot()

	writeDoc(t, dir, "### Broken\n<!--\n- slug: broken\n-->\n")
	if err := cat.Reload(); err == nil {
		t.Fatal("expected reload failure")
	}
	if cat.Snapshot() != before {
		t.Error("failed reload must keep the prior snapshot")
	}

	// A fixed document swaps the snapshot in.
	writeDoc(t, dir, minimalDoc+`
### Policy Lookup
<!--
- slug: policy-lookup
- domain: policy
- keywords: policy
- required_identifiers: PolicyId
- description: Basic policy record.
-->
`+"```kusto\nPolicies | where PolicyId == '<PolicyId>'\n```\n")
	if err := cat.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if cat.Snapshot().Len() != 2 {
		t.Fatalf("Len after reload = %d", cat.Snapshot().Len())
	}
	// The old snapshot is still usable by in-flight readers.
	if before.Len() != 1 {
		t.Error("prior snapshot mutated by reload")
	}
}

func TestLoadContentHasNoReloadPath(t *testing.T) {
	cat, err := catalog.LoadContent(minimalDoc, "realtime")
	if err != nil {
		t.Fatalf("LoadContent: %v", err)
	}
	if err := cat.Reload(); err == nil {
		t.Fatal("content-built catalog must refuse to reload")
	}
}
