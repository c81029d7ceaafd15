package guard_test

import (
	"errors"
	"testing"

	"github.com/diagnostiq/diagnostiq/engine/internal/guard"
	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

func TestCheckQueryAllowsReadOnly(t *testing.T) {
	g := guard.New(nil)
	query := "DeviceEvents\n| where DeviceId == 'abc'\n| take 50"
	if err := g.CheckQuery(query); err != nil {
		t.Fatalf("read-only query rejected: %v", err)
	}
}

func TestCheckQueryRejectsMutatingPrefix(t *testing.T) {
	g := guard.New(nil)
	cases := []string{
		".drop table DeviceEvents",
		"  .INGEST inline into Events",
		"DeviceEvents | take 1;\n.delete table Events records",
		"DeviceEvents | take 1 | .append Events",
	}
	for _, q := range cases {
		err := g.CheckQuery(q)
		if !errors.Is(err, models.ErrGuardRejected) {
			t.Errorf("CheckQuery(%q) = %v, want ErrGuardRejected", q, err)
		}
	}
}

func TestCheckQueryIgnoresMidTokenDot(t *testing.T) {
	g := guard.New(nil)
	// ".create" appearing mid-statement as part of a column name is fine.
	if err := g.CheckQuery("Events | where Column.createdAt > ago(1d)"); err != nil {
		t.Fatalf("mid-token dot rejected: %v", err)
	}
}

func TestCheckValuesRejectsInjection(t *testing.T) {
	g := guard.New(nil)
	values := map[string]string{
		"DeviceId": "00000000-0000-0000-0000-000000000001",
		"Payload":  "harmless\n.drop table Events",
	}
	err := g.CheckValues(values)
	if !errors.Is(err, models.ErrGuardRejected) {
		t.Fatalf("CheckValues = %v, want ErrGuardRejected", err)
	}
}

func TestCustomDenylist(t *testing.T) {
	g := guard.New([]string{"delete from"})
	if err := g.CheckQuery(".drop table Events"); err != nil {
		t.Fatalf("custom denylist should not include defaults: %v", err)
	}
	if err := g.CheckQuery("DELETE FROM sessions"); !errors.Is(err, models.ErrGuardRejected) {
		t.Fatalf("custom verb not enforced: %v", err)
	}
}
