package matcher_test

import (
	"testing"

	"github.com/diagnostiq/diagnostiq/engine/internal/catalog"
	"github.com/diagnostiq/diagnostiq/engine/internal/matcher"
	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

const matchDoc = `### Device Compliance Investigation
<!--
- slug: device-compliance
- domain: compliance
- keywords: compliance, compliant, encryption, bitlocker
- required_identifiers: DeviceId
- aliases: compliance check
- description: Why a device is reported non-compliant.
-->
` + "```kusto\nComplianceStates | where DeviceId == '<DeviceId>'\n```" + `

### Policy Assignment Check
<!--
- slug: policy-assignment
- domain: policy
- keywords: policy, assignment, profile
- required_identifiers: DeviceId, PolicyId
- description: Whether a policy reached a device.
-->
` + "```kusto\nAssignments | where PolicyId == '<PolicyId>'\n```" + `

### Device Inventory Lookup
<!--
- slug: device-inventory
- domain: device
- keywords: device, inventory, hardware, serial
- required_identifiers: DeviceId
- description: Hardware and enrollment record of a device.
-->
` + "```kusto\nDevices | where DeviceId == '<DeviceId>'\n```" + `
`

func snapshot(t *testing.T) *catalog.Snapshot {
	t.Helper()
	cat, err := catalog.LoadContent(matchDoc, "realtime")
	if err != nil {
		t.Fatalf("LoadContent: %v", err)
	}
	return cat.Snapshot()
}

func TestMatchExactSlugResolvesImmediately(t *testing.T) {
	m := matcher.New(nil)
	res := m.Match("device-compliance", nil, snapshot(t))
	if res.Kind != models.MatchResolved || res.Scenario.Slug != "device-compliance" {
		t.Fatalf("got %+v", res)
	}
}

func TestMatchExactAliasResolvesImmediately(t *testing.T) {
	m := matcher.New(nil)
	res := m.Match("Compliance Check", nil, snapshot(t))
	if res.Kind != models.MatchResolved || res.Scenario.Slug != "device-compliance" {
		t.Fatalf("got %+v", res)
	}
}

func TestMatchGenericTermSelectsExactlyOneScenario(t *testing.T) {
	// "show me device info" is almost all generic words; the single
	// non-generic token must still pick exactly one scenario, never a
	// union of domains.
	m := matcher.New(nil)
	res := m.Match("show me device info", nil, snapshot(t))
	if res.Kind != models.MatchResolved {
		t.Fatalf("kind = %s", res.Kind)
	}
	if res.Scenario.Slug != "device-inventory" {
		t.Fatalf("scenario = %s", res.Scenario.Slug)
	}
}

func TestMatchTwoDomainsNamedClarifies(t *testing.T) {
	m := matcher.New(nil)
	res := m.Match("compare compliance and policy state", nil, snapshot(t))
	if res.Kind != models.MatchClarify {
		t.Fatalf("kind = %s, want clarify when two domains are named", res.Kind)
	}
	if len(res.Options) < 2 || len(res.Options) > 3 {
		t.Fatalf("options = %d", len(res.Options))
	}
}

func TestMatchGibberishOffersCatalogOptions(t *testing.T) {
	m := matcher.New(nil)
	res := m.Match("xyzzy frobnicate", nil, snapshot(t))
	if res.Kind != models.MatchClarify {
		t.Fatalf("kind = %s", res.Kind)
	}
	if len(res.Options) != 3 {
		t.Fatalf("options = %d, want capped at 3", len(res.Options))
	}
}

func TestMatchEmptyUtteranceIsNoMatch(t *testing.T) {
	m := matcher.New(nil)
	if res := m.Match("  ?!  ", nil, snapshot(t)); res.Kind != models.MatchNone {
		t.Fatalf("kind = %s", res.Kind)
	}
}

func TestMatchStickySessionKeepsActiveScenario(t *testing.T) {
	m := matcher.New(nil)
	state := &models.Snapshot{SessionID: "s1", ActiveScenario: "device-compliance"}

	res := m.Match("continue with that one", state, snapshot(t))
	if res.Kind != models.MatchResolved || res.Scenario.Slug != "device-compliance" {
		t.Fatalf("got %+v, want sticky scenario", res)
	}
}

func TestMatchDomainShiftOverridesStickiness(t *testing.T) {
	m := matcher.New(nil)
	state := &models.Snapshot{SessionID: "s1", ActiveScenario: "device-compliance"}

	res := m.Match("now look at the policy assignment", state, snapshot(t))
	if res.Kind != models.MatchResolved || res.Scenario.Slug != "policy-assignment" {
		t.Fatalf("got %+v, want the named domain to win", res)
	}
}

func TestMatchIsDeterministic(t *testing.T) {
	m := matcher.New(nil)
	snap := snapshot(t)
	first := m.Match("encryption problems on a device", nil, snap)
	for i := 0; i < 10; i++ {
		again := m.Match("encryption problems on a device", nil, snap)
		if again.Kind != first.Kind || again.Scenario.Slug != first.Scenario.Slug {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}

func TestScoreWeights(t *testing.T) {
	m := matcher.New(nil)
	rec := &models.ScenarioRecord{
		Slug:     "device-compliance",
		Domain:   "compliance",
		Title:    "Device Compliance Investigation",
		Keywords: []string{"encryption"},
		Aliases:  []string{"compliance check"},
	}

	// One keyword hit.
	if got := m.Score(matcher.Tokenize("encryption issue"), "encryption issue", rec); got != 3 {
		t.Errorf("keyword score = %d, want 3", got)
	}
	// Alias substring.
	if got := m.Score(matcher.Tokenize("run a compliance check now"), "run compliance check now", rec); got < 2 {
		t.Errorf("alias score = %d, want >= 2", got)
	}
	// Title token only: worth a single point regardless of how many hit.
	if got := m.Score(matcher.Tokenize("investigation"), "investigation", rec); got != 1 {
		t.Errorf("title score = %d, want 1", got)
	}
}
