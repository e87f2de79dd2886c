package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openherd/openherd/pkg/engine"
)

func clusterView(desired, min, max int, nodes ...*engine.Node) *ClusterView {
	return &ClusterView{
		Cluster: &engine.Cluster{
			ID: "c1", Name: "web", ProfileID: "p1",
			DesiredCapacity: desired, MinSize: min, MaxSize: max,
			Status: engine.ClusterActive,
		},
		Nodes: nodes,
	}
}

func node(id, profileID string, age time.Duration) *engine.Node {
	return &engine.Node{
		ID: id, Name: id, ClusterID: "c1", ProfileID: profileID,
		Status: engine.ClusterActive, CreatedAt: time.Now().Add(-age),
	}
}

func action(op engine.Operation, inputs string) *engine.Action {
	a := &engine.Action{ID: "a1", Operation: op, Target: "c1", Status: engine.StatusRunning}
	if inputs != "" {
		a.Inputs = json.RawMessage(inputs)
	}
	return a
}

func TestDeletionVictimSelection(t *testing.T) {
	oldest := node("n-old", "p1", 3*time.Hour)
	middle := node("n-mid", "p1", 2*time.Hour)
	youngest := node("n-new", "p1", time.Hour)
	stale := node("n-stale", "p0", 30*time.Minute)

	tests := []struct {
		name string
		spec string
		op   engine.Operation
		in   string
		want []string
	}{
		{
			name: "oldest first on scale in",
			spec: `{"criteria": "OLDEST_FIRST"}`,
			op:   engine.OpClusterScaleIn,
			in:   `{"count": 2}`,
			want: []string{"n-old", "n-mid"},
		},
		{
			name: "youngest first on scale in",
			spec: `{"criteria": "YOUNGEST_FIRST"}`,
			op:   engine.OpClusterScaleIn,
			in:   `{"count": 1}`,
			want: []string{"n-stale"},
		},
		{
			name: "stale profile goes before age",
			spec: `{"criteria": "OLDEST_PROFILE_FIRST"}`,
			op:   engine.OpClusterScaleIn,
			in:   `{"count": 2}`,
			want: []string{"n-stale", "n-old"},
		},
		{
			name: "resize derives count from desired capacity",
			spec: `{}`,
			op:   engine.OpClusterResize,
			in:   `{"desired_capacity": 3}`,
			want: []string{"n-old"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewDeletion(json.RawMessage(tt.spec))
			if err != nil {
				t.Fatalf("NewDeletion: %v", err)
			}
			view := clusterView(4, 1, 10, oldest, middle, youngest, stale)
			a := action(tt.op, tt.in)

			if err := p.PreOp(context.Background(), view, a); err != nil {
				t.Fatalf("PreOp: %v", err)
			}
			d := a.Data.Deletion
			if d == nil {
				t.Fatal("no deletion decision written")
			}
			if len(d.Candidates) != len(tt.want) {
				t.Fatalf("got candidates=%v, want %v", d.Candidates, tt.want)
			}
			for i, id := range tt.want {
				if d.Candidates[i] != id {
					t.Errorf("candidate[%d] = %s, want %s", i, d.Candidates[i], id)
				}
			}
		})
	}
}

func TestDeletionClusterDeleteTakesAll(t *testing.T) {
	p, err := NewDeletion(nil)
	if err != nil {
		t.Fatalf("NewDeletion: %v", err)
	}
	view := clusterView(2, 0, 5, node("n1", "p1", time.Hour), node("n2", "p1", time.Minute))
	a := action(engine.OpClusterDelete, "")

	if err := p.PreOp(context.Background(), view, a); err != nil {
		t.Fatalf("PreOp: %v", err)
	}
	if a.Data.Deletion == nil || a.Data.Deletion.Count != 2 {
		t.Fatalf("got %+v, want all 2 members selected", a.Data.Deletion)
	}
}

func TestDeletionRespectsExistingDecision(t *testing.T) {
	p, err := NewDeletion(nil)
	if err != nil {
		t.Fatalf("NewDeletion: %v", err)
	}
	a := action(engine.OpClusterScaleIn, "")
	a.Data.SetDeletion(&engine.DeletionData{Count: 1, Candidates: []string{"chosen"}})

	view := clusterView(2, 0, 5, node("n1", "p1", time.Hour))
	if err := p.PreOp(context.Background(), view, a); err != nil {
		t.Fatalf("PreOp: %v", err)
	}
	if a.Data.Deletion.Candidates[0] != "chosen" {
		t.Fatal("existing decision was overwritten")
	}
}

func TestDeletionSelectsCandidatesForUpstreamCount(t *testing.T) {
	p, err := NewDeletion(json.RawMessage(`{"criteria": "OLDEST_FIRST"}`))
	if err != nil {
		t.Fatalf("NewDeletion: %v", err)
	}
	// A scaling policy earlier in the pipeline decided how many members go
	// but named no victims; selection must still run with that count.
	a := action(engine.OpClusterScaleIn, "")
	a.Data.SetDeletion(&engine.DeletionData{Count: 2})

	view := clusterView(3, 0, 5,
		node("n-old", "p1", 3*time.Hour),
		node("n-mid", "p1", 2*time.Hour),
		node("n-new", "p1", time.Hour),
	)
	if err := p.PreOp(context.Background(), view, a); err != nil {
		t.Fatalf("PreOp: %v", err)
	}
	d := a.Data.Deletion
	if d == nil || d.Count != 2 {
		t.Fatalf("got %+v, want upstream count 2 kept", d)
	}
	if len(d.Candidates) != 2 || d.Candidates[0] != "n-old" || d.Candidates[1] != "n-mid" {
		t.Fatalf("candidates = %v, want the two oldest", d.Candidates)
	}
}

func TestDeletionGracePeriod(t *testing.T) {
	p, err := NewDeletion(json.RawMessage(`{"grace_period_seconds": 30}`))
	if err != nil {
		t.Fatalf("NewDeletion: %v", err)
	}
	view := clusterView(1, 0, 5, node("n1", "p1", time.Hour))
	a := action(engine.OpClusterScaleIn, "")
	if err := p.PreOp(context.Background(), view, a); err != nil {
		t.Fatalf("PreOp: %v", err)
	}
	if a.Data.Deletion.Grace != 30*time.Second {
		t.Fatalf("grace = %s, want 30s", a.Data.Deletion.Grace)
	}
}

func TestScalingCounts(t *testing.T) {
	tests := []struct {
		name      string
		spec      string
		nodes     int
		wantCount int
		wantTopic string // "creation" or "deletion"
	}{
		{
			name:      "change in capacity out",
			spec:      `{"event": "CLUSTER_SCALE_OUT", "adjustment": {"type": "CHANGE_IN_CAPACITY", "number": 2}}`,
			nodes:     3,
			wantCount: 2,
			wantTopic: "creation",
		},
		{
			name:      "exact capacity out",
			spec:      `{"event": "CLUSTER_SCALE_OUT", "adjustment": {"type": "EXACT_CAPACITY", "number": 5}}`,
			nodes:     3,
			wantCount: 2,
			wantTopic: "creation",
		},
		{
			name:      "percentage with min step in",
			spec:      `{"event": "CLUSTER_SCALE_IN", "adjustment": {"type": "CHANGE_IN_PERCENTAGE", "number": 10, "min_step": 2}}`,
			nodes:     4,
			wantCount: 2,
			wantTopic: "deletion",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewScaling(json.RawMessage(tt.spec))
			if err != nil {
				t.Fatalf("NewScaling: %v", err)
			}
			nodes := make([]*engine.Node, tt.nodes)
			for i := range nodes {
				nodes[i] = node(string(rune('a'+i)), "p1", time.Hour)
			}
			view := clusterView(tt.nodes, 1, 10, nodes...)

			op := engine.OpClusterScaleOut
			if tt.wantTopic == "deletion" {
				op = engine.OpClusterScaleIn
			}
			a := action(op, "")
			if err := p.PreOp(context.Background(), view, a); err != nil {
				t.Fatalf("PreOp: %v", err)
			}
			if a.Data.Rejected() {
				t.Fatalf("unexpected rejection: %s", a.Data.Reason)
			}

			var got int
			if tt.wantTopic == "creation" {
				if a.Data.Creation == nil {
					t.Fatal("no creation decision")
				}
				got = a.Data.Creation.Count
			} else {
				if a.Data.Deletion == nil {
					t.Fatal("no deletion decision")
				}
				got = a.Data.Deletion.Count
			}
			if got != tt.wantCount {
				t.Fatalf("count = %d, want %d", got, tt.wantCount)
			}
		})
	}
}

func TestScalingBounds(t *testing.T) {
	spec := `{"event": "CLUSTER_SCALE_OUT", "adjustment": {"type": "CHANGE_IN_CAPACITY", "number": 5}}`
	p, err := NewScaling(json.RawMessage(spec))
	if err != nil {
		t.Fatalf("NewScaling: %v", err)
	}
	view := clusterView(3, 1, 4, node("n1", "p1", 0), node("n2", "p1", 0), node("n3", "p1", 0))
	a := action(engine.OpClusterScaleOut, "")

	if err := p.PreOp(context.Background(), view, a); err != nil {
		t.Fatalf("PreOp: %v", err)
	}
	if !a.Data.Rejected() {
		t.Fatal("breaking max size without best_effort should reject")
	}

	spec = `{"event": "CLUSTER_SCALE_OUT", "adjustment": {"type": "CHANGE_IN_CAPACITY", "number": 5, "best_effort": true}}`
	p, err = NewScaling(json.RawMessage(spec))
	if err != nil {
		t.Fatalf("NewScaling: %v", err)
	}
	a = action(engine.OpClusterScaleOut, "")
	if err := p.PreOp(context.Background(), view, a); err != nil {
		t.Fatalf("PreOp: %v", err)
	}
	if a.Data.Rejected() {
		t.Fatalf("best_effort should clamp, got rejection: %s", a.Data.Reason)
	}
	if a.Data.Creation == nil || a.Data.Creation.Count != 1 {
		t.Fatalf("got %+v, want clamped count 1", a.Data.Creation)
	}
}

func TestScalingStarlarkExpression(t *testing.T) {
	spec := `{
		"event": "CLUSTER_SCALE_OUT",
		"adjustment": {
			"type": "CHANGE_IN_CAPACITY",
			"expression": "max_size - current if current < max_size else 0"
		}
	}`
	p, err := NewScaling(json.RawMessage(spec))
	if err != nil {
		t.Fatalf("NewScaling: %v", err)
	}
	view := clusterView(2, 1, 6, node("n1", "p1", 0), node("n2", "p1", 0))
	a := action(engine.OpClusterScaleOut, "")

	if err := p.PreOp(context.Background(), view, a); err != nil {
		t.Fatalf("PreOp: %v", err)
	}
	if a.Data.Creation == nil || a.Data.Creation.Count != 4 {
		t.Fatalf("got %+v, want expression-driven count 4", a.Data.Creation)
	}
}

func TestScalingRejectsUnknownEvent(t *testing.T) {
	_, err := NewScaling(json.RawMessage(`{"event": "CLUSTER_CREATE"}`))
	if err == nil {
		t.Fatal("non-scaling event should be rejected")
	}
}

func TestPlacementDistribution(t *testing.T) {
	spec := `{"zones": [{"name": "az1", "weight": 2}, {"name": "az2", "weight": 1}]}`
	p, err := NewPlacement(json.RawMessage(spec))
	if err != nil {
		t.Fatalf("NewPlacement: %v", err)
	}
	view := clusterView(5, 1, 10)
	a := action(engine.OpClusterCreate, "")

	if err := p.PreOp(context.Background(), view, a); err != nil {
		t.Fatalf("PreOp: %v", err)
	}
	pd := a.Data.Placement
	if pd == nil {
		t.Fatal("no placement decision written")
	}
	if pd.Count != 5 {
		t.Fatalf("count = %d, want 5", pd.Count)
	}
	total := 0
	for _, n := range pd.Zones {
		total += n
	}
	if total != 5 {
		t.Fatalf("zone counts sum to %d, want 5", total)
	}
	if pd.Zones["az1"] != 4 && pd.Zones["az1"] != 3 {
		t.Fatalf("az1 = %d, want the heavier share", pd.Zones["az1"])
	}
	if pd.Zones["az1"] <= pd.Zones["az2"] {
		t.Fatalf("weight 2 zone got %d, weight 1 zone got %d", pd.Zones["az1"], pd.Zones["az2"])
	}
}

func TestPlacementUsesUpstreamCreationCount(t *testing.T) {
	spec := `{"zones": [{"name": "az1", "weight": 1}]}`
	p, err := NewPlacement(json.RawMessage(spec))
	if err != nil {
		t.Fatalf("NewPlacement: %v", err)
	}
	view := clusterView(5, 1, 10)
	a := action(engine.OpClusterScaleOut, "")
	a.Data.SetCreation(&engine.CreationData{Count: 3})

	if err := p.PreOp(context.Background(), view, a); err != nil {
		t.Fatalf("PreOp: %v", err)
	}
	if a.Data.Placement == nil || a.Data.Placement.Zones["az1"] != 3 {
		t.Fatalf("got %+v, want 3 in az1", a.Data.Placement)
	}
}

func TestPlacementSpecValidation(t *testing.T) {
	for name, spec := range map[string]string{
		"no zones":    `{"zones": []}`,
		"unnamed":     `{"zones": [{"weight": 1}]}`,
		"zero weight": `{"zones": [{"name": "az1", "weight": 0}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := NewPlacement(json.RawMessage(spec)); err == nil {
				t.Fatal("invalid spec should be rejected")
			}
		})
	}
}

func TestHealthDefaultsAndWatchState(t *testing.T) {
	p, err := NewHealth(json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("NewHealth: %v", err)
	}

	c := &engine.Cluster{ID: "c1"}
	b := &engine.Binding{ClusterID: "c1", PolicyID: "pol1", Enabled: true}
	if err := p.Attach(context.Background(), c, b); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	detection, interval, ok := WatchState(b)
	if !ok {
		t.Fatal("attach should register a watch")
	}
	if detection != DetectPolling || interval != 60*time.Second {
		t.Fatalf("got detection=%s interval=%s, want polling/60s", detection, interval)
	}

	if err := p.Detach(context.Background(), c, b); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if _, _, ok := WatchState(b); ok {
		t.Fatal("detach should clear the watch")
	}
}

func TestHealthPreOpStampsRecovery(t *testing.T) {
	p, err := NewHealth(json.RawMessage(`{"recovery": {"actions": ["REBOOT"]}}`))
	if err != nil {
		t.Fatalf("NewHealth: %v", err)
	}
	a := action(engine.OpClusterRecover, "")
	if err := p.PreOp(context.Background(), clusterView(1, 0, 3), a); err != nil {
		t.Fatalf("PreOp: %v", err)
	}
	if a.Data.Health == nil || a.Data.Health.Recovery != RecoverReboot {
		t.Fatalf("got %+v, want REBOOT recovery", a.Data.Health)
	}
}

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	for _, tag := range []string{TypeDeletion, TypeScaling, TypePlacement, TypeHealth} {
		if !r.Known(tag) {
			t.Errorf("builtin type %s not registered", tag)
		}
	}
	if _, err := r.Build("openherd.policy.nonsense", nil); err == nil {
		t.Fatal("unknown type should fail to build")
	}
	p, err := r.Build(TypeDeletion, json.RawMessage(`{"criteria": "RANDOM"}`))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Type() != TypeDeletion {
		t.Fatalf("built type = %s, want %s", p.Type(), TypeDeletion)
	}
}
