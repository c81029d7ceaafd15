package slots_test

import (
	"testing"
	"time"

	"github.com/diagnostiq/diagnostiq/engine/internal/slots"
	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

const (
	guidA = "11111111-2222-3333-4444-555555555555"
	guidB = "99999999-8888-7777-6666-555555555555"
)

func scenario(required ...string) *models.ScenarioRecord {
	return &models.ScenarioRecord{
		Slug:                "device-compliance",
		Domain:              "compliance",
		RequiredIdentifiers: required,
	}
}

func TestExtractSingleSlotSingleCandidateBinds(t *testing.T) {
	e := slots.New(2, 3)
	res := e.Extract("why is device "+guidA+" failing", scenario("DeviceId"), nil)
	if res.Kind != models.SlotsBound {
		t.Fatalf("kind = %s", res.Kind)
	}
	b := res.Slots["DeviceId"]
	if b.Value != guidA || b.Provenance != models.ProvenanceExplicit {
		t.Fatalf("binding = %+v", b)
	}
}

func TestExtractExplicitAssignmentWinsOutright(t *testing.T) {
	e := slots.New(2, 3)
	res := e.Extract(
		"DeviceId: "+guidA+" and AccountId = "+guidB,
		scenario("DeviceId", "AccountId"), nil)
	if res.Kind != models.SlotsBound {
		t.Fatalf("kind = %s", res.Kind)
	}
	if res.Slots["DeviceId"].Value != guidA || res.Slots["AccountId"].Value != guidB {
		t.Fatalf("slots = %+v", res.Slots)
	}
}

func TestExtractRoleKeywordsDisambiguateTwoGUIDs(t *testing.T) {
	e := slots.New(2, 3)
	res := e.Extract(
		"the device "+guidA+" is missing policy "+guidB,
		scenario("DeviceId", "PolicyId"), nil)
	if res.Kind != models.SlotsBound {
		t.Fatalf("kind = %s, want role keywords to dominate", res.Kind)
	}
	if res.Slots["DeviceId"].Value != guidA || res.Slots["PolicyId"].Value != guidB {
		t.Fatalf("slots = %+v", res.Slots)
	}
}

func TestExtractAmbiguousGUIDsClarifyWithScoreMatrix(t *testing.T) {
	// Two bare GUIDs, two slots, no markers: positional affinity alone is
	// below the dominance margin, so both slots go back to the user with a
	// full 2x2 score matrix.
	e := slots.New(2, 3)
	res := e.Extract(guidA+" "+guidB, scenario("DeviceId", "AccountId"), nil)
	if res.Kind != models.SlotsPartialClarify {
		t.Fatalf("kind = %s", res.Kind)
	}
	if got := res.Pending.Missing; len(got) != 2 {
		t.Fatalf("missing = %v", got)
	}
	if len(res.Pending.Candidates) != 2 {
		t.Fatalf("candidates = %d", len(res.Pending.Candidates))
	}
	for _, c := range res.Pending.Candidates {
		if len(c.Scores) != 2 {
			t.Fatalf("score row = %v", c.Scores)
		}
		for slot, s := range c.Scores {
			if s < 0 || s > 1 {
				t.Errorf("score %s/%s = %f out of [0,1]", c.GUID, slot, s)
			}
		}
	}
}

func TestExtractZeroGUIDNeverOffersForUserSlots(t *testing.T) {
	e := slots.New(2, 3)
	res := e.Extract("user "+models.ZeroGUID, scenario("UserId"), nil)
	if res.Kind == models.SlotsBound {
		t.Fatalf("zero GUID bound to a user slot: %+v", res.Slots)
	}
	if res.Kind == models.SlotsPartialClarify {
		for _, c := range res.Pending.Candidates {
			if c.GUID == models.ZeroGUID && c.Scores["UserId"] > 0 {
				t.Errorf("zero GUID offered for UserId with score %f", c.Scores["UserId"])
			}
		}
	}
}

func TestExtractZeroGUIDAllowedForContextSlot(t *testing.T) {
	e := slots.New(2, 3)
	res := e.Extract("context "+models.ZeroGUID, scenario("ContextId"), nil)
	if res.Kind != models.SlotsBound || res.Slots["ContextId"].Value != models.ZeroGUID {
		t.Fatalf("got %+v", res)
	}
}

func TestExtractInheritsFromPriorState(t *testing.T) {
	e := slots.New(2, 3)
	state := &models.Snapshot{
		SessionID: "s1",
		Slots: map[string]models.SlotBinding{
			"DeviceId": {Value: guidA, Provenance: models.ProvenanceExplicit, BoundAt: time.Now()},
		},
	}
	res := e.Extract("anything new on it", scenario("DeviceId"), state)
	if res.Kind != models.SlotsBound {
		t.Fatalf("kind = %s", res.Kind)
	}
	b := res.Slots["DeviceId"]
	if b.Value != guidA || b.Provenance != models.ProvenanceInherited {
		t.Fatalf("binding = %+v", b)
	}
}

func TestExtractFreshGUIDProposesReplacingInheritedBinding(t *testing.T) {
	e := slots.New(2, 3)
	state := &models.Snapshot{
		SessionID: "s1",
		Slots: map[string]models.SlotBinding{
			"DeviceId": {Value: guidA, Provenance: models.ProvenanceExplicit},
		},
	}
	res := e.Extract("check the device "+guidB, scenario("DeviceId"), state)
	if res.Kind != models.SlotsBound {
		t.Fatalf("kind = %s", res.Kind)
	}
	b := res.Slots["DeviceId"]
	if b.Value != guidB || b.Provenance != models.ProvenanceExplicit {
		t.Fatalf("binding = %+v, want an explicit replacement proposal", b)
	}
}

func TestExtractGivesUpAfterMaxClarifyTurns(t *testing.T) {
	e := slots.New(2, 2)
	state := &models.Snapshot{
		SessionID: "s1",
		Slots:     map[string]models.SlotBinding{},
		Pending:   &models.Clarification{Missing: []string{"DeviceId"}, Attempts: 2},
	}
	res := e.Extract("I don't know it", scenario("DeviceId"), state)
	if res.Kind != models.SlotsUnfillable {
		t.Fatalf("kind = %s", res.Kind)
	}
	if len(res.Missing) != 1 || res.Missing[0] != "DeviceId" {
		t.Fatalf("missing = %v", res.Missing)
	}
}

func TestExtractCountsClarifyAttempts(t *testing.T) {
	e := slots.New(2, 3)
	state := &models.Snapshot{
		SessionID: "s1",
		Slots:     map[string]models.SlotBinding{},
		Pending:   &models.Clarification{Missing: []string{"DeviceId"}, Attempts: 1},
	}
	res := e.Extract("still looking for it", scenario("DeviceId"), state)
	if res.Kind != models.SlotsPartialClarify {
		t.Fatalf("kind = %s", res.Kind)
	}
	if res.Pending.Attempts != 2 {
		t.Fatalf("attempts = %d", res.Pending.Attempts)
	}
}

func TestPureIdentifierText(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{guidA, true},
		{"DeviceId: " + guidA, true},
		{guidA + " " + guidB, true},
		{"the device is " + guidA, false},
		{"", false},
		{"no identifiers here", false},
	}
	for _, tc := range cases {
		if got := slots.PureIdentifierText(tc.in); got != tc.want {
			t.Errorf("PureIdentifierText(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestValidateGUID(t *testing.T) {
	if err := slots.ValidateGUID(guidA); err != nil {
		t.Errorf("valid GUID rejected: %v", err)
	}
	if err := slots.ValidateGUID("not-a-guid"); err == nil {
		t.Error("invalid GUID accepted")
	}
}
