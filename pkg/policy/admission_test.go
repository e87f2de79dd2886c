package policy

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openherd/openherd/pkg/engine"
)

const denyForceModule = `
package openherd.admission

deny contains msg if {
	input.operation == "CLUSTER_DELETE"
	not input.inputs.force
	msg := "cluster deletion requires force"
}

deny contains msg if {
	input.inputs.count > 10
	msg := "batch too large"
}
`

func TestAdmissionEmptySourceAdmitsEverything(t *testing.T) {
	a, err := NewAdmission("", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAdmission: %v", err)
	}
	if err := a.Admit(context.Background(), engine.OpClusterDelete, "c1", nil); err != nil {
		t.Fatalf("empty module should admit, got %v", err)
	}
}

func TestAdmissionDeniesMatchingRequest(t *testing.T) {
	a, err := NewAdmission(denyForceModule, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAdmission: %v", err)
	}
	ctx := context.Background()

	err = a.Admit(ctx, engine.OpClusterDelete, "c1", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("delete without force should be denied")
	}
	if !engine.IsPermanent(err) {
		t.Fatalf("denial should be permanent, got %v", err)
	}
	if !strings.Contains(err.Error(), "requires force") {
		t.Fatalf("denial should carry the rule message, got %v", err)
	}

	if err := a.Admit(ctx, engine.OpClusterDelete, "c1", json.RawMessage(`{"force": true}`)); err != nil {
		t.Fatalf("forced delete should be admitted, got %v", err)
	}
	if err := a.Admit(ctx, engine.OpClusterScaleOut, "c1", json.RawMessage(`{"count": 2}`)); err != nil {
		t.Fatalf("unrelated operation should be admitted, got %v", err)
	}
}

func TestAdmissionCollectsAllReasons(t *testing.T) {
	a, err := NewAdmission(denyForceModule, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAdmission: %v", err)
	}
	err = a.Admit(context.Background(), engine.OpClusterDelete, "c1", json.RawMessage(`{"count": 99}`))
	if err == nil {
		t.Fatal("want denial")
	}
	if !strings.Contains(err.Error(), "requires force") || !strings.Contains(err.Error(), "batch too large") {
		t.Fatalf("want both rule messages, got %v", err)
	}
}

func TestAdmissionRejectsBadModule(t *testing.T) {
	if _, err := NewAdmission("deny contains x if { x := 1 }", zerolog.Nop()); err == nil {
		t.Fatal("module without package declaration should be rejected")
	}
	if _, err := NewAdmission("package p\n\ndeny contains {", zerolog.Nop()); err == nil {
		t.Fatal("unparsable module should be rejected")
	}
}

func TestAdmissionRejectsMalformedInputs(t *testing.T) {
	a, err := NewAdmission(denyForceModule, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAdmission: %v", err)
	}
	err = a.Admit(context.Background(), engine.OpClusterDelete, "c1", json.RawMessage(`[1,2]`))
	if err == nil {
		t.Fatal("non-object inputs should be rejected")
	}
}

func TestExtractPackage(t *testing.T) {
	if got := extractPackage("# comment\npackage a.b.c\n\ndeny contains x if { x := 1 }"); got != "a.b.c" {
		t.Fatalf("got %q, want a.b.c", got)
	}
	if got := extractPackage("deny contains x if { x := 1 }"); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
