package engine_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openherd/openherd/pkg/engine"
	"github.com/openherd/openherd/pkg/stores"
)

func seedAction(t *testing.T, store engine.Store, id, parentID string) {
	t.Helper()
	a := &engine.Action{
		ID:        id,
		Name:      id,
		Operation: engine.OpNodeCheck,
		Target:    "n1",
		Cause:     engine.CauseRPC,
		Status:    engine.StatusReady,
		ParentID:  parentID,
	}
	if err := store.CreateAction(context.Background(), a, nil); err != nil {
		t.Fatalf("CreateAction %s: %v", id, err)
	}
}

func TestGraphRejectsSelfDependency(t *testing.T) {
	store := stores.NewMemStore()
	g := engine.NewGraph(store)

	err := g.Validate(context.Background(), []engine.Dependency{{ActionID: "a", DependsOn: "a"}})
	if err == nil {
		t.Fatal("self dependency must be rejected")
	}
	if !engine.IsPermanent(err) {
		t.Fatalf("want a permanent error, got %v", err)
	}
}

func TestGraphRejectsCycleWithinBatch(t *testing.T) {
	store := stores.NewMemStore()
	g := engine.NewGraph(store)
	seedAction(t, store, "a", "")
	seedAction(t, store, "b", "")

	err := g.Validate(context.Background(), []engine.Dependency{
		{ActionID: "a", DependsOn: "b"},
		{ActionID: "b", DependsOn: "a"},
	})
	if err == nil {
		t.Fatal("batch cycle must be rejected")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("error should name the cycle, got %v", err)
	}
}

func TestGraphRejectsCycleAgainstStoredEdges(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemStore()
	g := engine.NewGraph(store)
	seedAction(t, store, "a", "")
	seedAction(t, store, "b", "")
	seedAction(t, store, "c", "")

	// a -> b -> c persisted; closing the loop must fail.
	if err := g.AddDependencies(ctx, []engine.Dependency{{ActionID: "a", DependsOn: "b"}}); err != nil {
		t.Fatalf("AddDependencies: %v", err)
	}
	if err := g.AddDependencies(ctx, []engine.Dependency{{ActionID: "b", DependsOn: "c"}}); err != nil {
		t.Fatalf("AddDependencies: %v", err)
	}
	if err := g.AddDependencies(ctx, []engine.Dependency{{ActionID: "c", DependsOn: "a"}}); err == nil {
		t.Fatal("transitive cycle must be rejected")
	}
}

func TestGraphAddDemotesDependentToWaiting(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemStore()
	g := engine.NewGraph(store)
	seedAction(t, store, "parent", "")
	seedAction(t, store, "child", "")

	if err := g.AddDependencies(ctx, []engine.Dependency{{ActionID: "parent", DependsOn: "child"}}); err != nil {
		t.Fatalf("AddDependencies: %v", err)
	}
	a, err := store.GetAction(ctx, "parent")
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	if a.Status != engine.StatusWaiting {
		t.Fatalf("dependent status = %s, want WAITING", a.Status)
	}
}

func TestGraphAncestors(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemStore()
	g := engine.NewGraph(store)
	seedAction(t, store, "root", "")
	seedAction(t, store, "mid", "root")
	seedAction(t, store, "leaf", "mid")

	chain, err := g.Ancestors(ctx, "leaf")
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if diff := cmp.Diff([]string{"mid", "root"}, chain); diff != "" {
		t.Fatalf("ancestor chain mismatch (-want +got):\n%s", diff)
	}

	chain, err = g.Ancestors(ctx, "root")
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if len(chain) != 0 {
		t.Fatalf("root has ancestors %v", chain)
	}
}
