package policy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/openherd/openherd/pkg/engine"
	"github.com/openherd/openherd/pkg/stores"
	"github.com/openherd/openherd/pkg/telemetry"
)

// recordPolicy appends its name to a shared log when its hook runs, and
// optionally rejects the action. It lets the tests observe hook ordering.
type recordPolicy struct {
	Base
	name   string
	reject bool
	log    *[]string
}

func (p *recordPolicy) Type() string { return "test.record" }

func (p *recordPolicy) Targets() []Target {
	return []Target{{Operation: engine.OpClusterScaleOut, Phase: PhaseBefore}}
}

func (p *recordPolicy) PreOp(ctx context.Context, view *ClusterView, a *engine.Action) error {
	*p.log = append(*p.log, p.name)
	if p.reject {
		a.Data.Reject("rejected by " + p.name)
	}
	return nil
}

type pipelineFixture struct {
	store *stores.MemStore
	pl    *Pipeline
	log   []string
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{store: stores.NewMemStore()}

	reg := NewRegistry()
	reg.Register("test.record", func(spec json.RawMessage) (Policy, error) {
		var s struct {
			Name   string `json:"name"`
			Reject bool   `json:"reject"`
		}
		if err := json.Unmarshal(spec, &s); err != nil {
			return nil, err
		}
		return &recordPolicy{name: s.Name, reject: s.Reject, log: &f.log}, nil
	})
	f.pl = NewPipeline(f.store, reg, telemetry.Disabled())

	ctx := context.Background()
	cluster := &engine.Cluster{
		ID: "c1", Name: "web", ProfileID: "p1",
		DesiredCapacity: 2, MaxSize: 5, Status: engine.ClusterActive,
	}
	if err := f.store.CreateCluster(ctx, cluster); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	return f
}

// bind creates a recording policy object and a binding at the given priority.
func (f *pipelineFixture) bind(t *testing.T, name string, priority int, reject, enabled bool) {
	t.Helper()
	ctx := context.Background()
	spec, _ := json.Marshal(map[string]any{"name": name, "reject": reject})
	po := &engine.PolicyObject{ID: "pol-" + name, Name: name, Type: "test.record", Spec: spec}
	if err := f.store.CreatePolicy(ctx, po); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	b := &engine.Binding{ClusterID: "c1", PolicyID: po.ID, Enabled: enabled, Priority: priority}
	if err := f.store.CreateBinding(ctx, b); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
}

func scaleOutAction() *engine.Action {
	return &engine.Action{
		ID: "a1", Operation: engine.OpClusterScaleOut,
		Target: "c1", Status: engine.StatusRunning,
	}
}

func TestPipelineRunsHooksByPriority(t *testing.T) {
	f := newPipelineFixture(t)
	f.bind(t, "late", 30, false, true)
	f.bind(t, "early", 10, false, true)
	f.bind(t, "middle", 20, false, true)

	if err := f.pl.PreOp(context.Background(), scaleOutAction()); err != nil {
		t.Fatalf("PreOp: %v", err)
	}
	want := []string{"early", "middle", "late"}
	if len(f.log) != len(want) {
		t.Fatalf("hooks ran %v, want %v", f.log, want)
	}
	for i := range want {
		if f.log[i] != want[i] {
			t.Fatalf("hooks ran %v, want %v", f.log, want)
		}
	}
}

func TestPipelineHaltsOnRejection(t *testing.T) {
	f := newPipelineFixture(t)
	f.bind(t, "first", 10, false, true)
	f.bind(t, "blocker", 20, true, true)
	f.bind(t, "never", 30, false, true)

	a := scaleOutAction()
	if err := f.pl.PreOp(context.Background(), a); err != nil {
		t.Fatalf("rejection must not surface as an error, got %v", err)
	}
	if !a.Data.Rejected() {
		t.Fatal("action should carry the rejection")
	}
	if a.Data.Reason != "rejected by blocker" {
		t.Fatalf("reason = %q", a.Data.Reason)
	}
	if len(f.log) != 2 {
		t.Fatalf("hooks ran %v, want the pass to halt after blocker", f.log)
	}
}

func TestPipelineSkipsDisabledBindings(t *testing.T) {
	f := newPipelineFixture(t)
	f.bind(t, "off", 10, true, false)
	f.bind(t, "on", 20, false, true)

	a := scaleOutAction()
	if err := f.pl.PreOp(context.Background(), a); err != nil {
		t.Fatalf("PreOp: %v", err)
	}
	if a.Data.Rejected() {
		t.Fatal("disabled binding must not run")
	}
	if len(f.log) != 1 || f.log[0] != "on" {
		t.Fatalf("hooks ran %v, want only the enabled binding", f.log)
	}
}

func TestPipelineSkipsUnknownPolicyType(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	po := &engine.PolicyObject{ID: "pol-x", Name: "mystery", Type: "test.unknown", Spec: json.RawMessage(`{}`)}
	if err := f.store.CreatePolicy(ctx, po); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	b := &engine.Binding{ClusterID: "c1", PolicyID: po.ID, Enabled: true, Priority: 10}
	if err := f.store.CreateBinding(ctx, b); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	f.bind(t, "known", 20, false, true)

	if err := f.pl.PreOp(ctx, scaleOutAction()); err != nil {
		t.Fatalf("unknown type must be skipped, got %v", err)
	}
	if len(f.log) != 1 {
		t.Fatalf("hooks ran %v, want only the known policy", f.log)
	}
}

func TestPipelineIgnoresNodeOperations(t *testing.T) {
	f := newPipelineFixture(t)
	f.bind(t, "cluster-only", 10, true, true)

	a := &engine.Action{ID: "a1", Operation: engine.OpNodeCreate, Target: "n1", Status: engine.StatusRunning}
	if err := f.pl.PreOp(context.Background(), a); err != nil {
		t.Fatalf("PreOp: %v", err)
	}
	if len(f.log) != 0 || a.Data.Rejected() {
		t.Fatal("node actions carry no pipeline")
	}
}

func TestPipelineToleratesMissingCluster(t *testing.T) {
	f := newPipelineFixture(t)
	a := scaleOutAction()
	a.Target = "gone"
	if err := f.pl.PreOp(context.Background(), a); err != nil {
		t.Fatalf("missing cluster should be a no-op, got %v", err)
	}
}

func TestPipelineAttachDetachRoundTrip(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	spec, _ := json.Marshal(map[string]any{
		"detection": map[string]any{"type": DetectPolling, "interval_seconds": 30},
	})
	po := &engine.PolicyObject{ID: "pol-h", Name: "keepalive", Type: TypeHealth, Spec: spec}
	if err := f.store.CreatePolicy(ctx, po); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}

	c, err := f.store.GetCluster(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCluster: %v", err)
	}
	b := &engine.Binding{ClusterID: "c1", PolicyID: po.ID, Enabled: true}
	if err := f.pl.Attach(ctx, c, b); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, _, ok := WatchState(b); !ok {
		t.Fatal("attach hook did not write the watch state")
	}
	if err := f.pl.Detach(ctx, c, b); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if _, _, ok := WatchState(b); ok {
		t.Fatal("detach hook did not clear the watch state")
	}
}
