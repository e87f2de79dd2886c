package health

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openherd/openherd/pkg/drivers"
	"github.com/openherd/openherd/pkg/engine"
	"github.com/openherd/openherd/pkg/policy"
	"github.com/openherd/openherd/pkg/stores"
	"github.com/openherd/openherd/pkg/telemetry"
)

type fixture struct {
	store *stores.MemStore
	fake  *drivers.Fake
	mon   *Monitor
	node  *engine.Node
}

// newFixture builds a cluster of one provisioned node watched by a health
// policy with the given detection strategy.
func newFixture(t *testing.T, detection string) *fixture {
	t.Helper()
	ctx := context.Background()
	store := stores.NewMemStore()
	fake := drivers.NewFake()

	reg := drivers.NewRegistry()
	reg.Register("fake", fake)

	profile := &engine.Profile{ID: "p1", Name: "tiny", Driver: "fake", Spec: json.RawMessage(`{}`)}
	if err := store.CreateProfile(ctx, profile); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	cluster := &engine.Cluster{
		ID: "c1", Name: "web", ProfileID: "p1",
		DesiredCapacity: 1, MaxSize: 3, Status: engine.ClusterActive,
	}
	if err := store.CreateCluster(ctx, cluster); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}

	physicalID, err := fake.Create(ctx, nil, nil)
	if err != nil {
		t.Fatalf("fake create: %v", err)
	}
	node := &engine.Node{
		ID: "n1", Name: "web-node-1", ClusterID: "c1", Index: 1,
		ProfileID: "p1", PhysicalID: physicalID, Status: engine.ClusterActive,
	}
	if err := store.CreateNode(ctx, node); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	spec := json.RawMessage(`{"detection": {"type": "` + detection + `", "interval_seconds": 1}}`)
	hp, err := policy.NewHealth(spec)
	if err != nil {
		t.Fatalf("NewHealth: %v", err)
	}
	po := &engine.PolicyObject{ID: "pol1", Name: "keepalive", Type: policy.TypeHealth, Spec: spec}
	if err := store.CreatePolicy(ctx, po); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	binding := &engine.Binding{ClusterID: "c1", PolicyID: "pol1", Enabled: true}
	if err := hp.Attach(ctx, cluster, binding); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := store.CreateBinding(ctx, binding); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}

	tel := telemetry.Disabled()
	svc := engine.NewService(store, nil, nil, zerolog.Nop())
	mon := NewMonitor(store, svc, reg, tel, DefaultMonitorConfig())

	return &fixture{store: store, fake: fake, mon: mon, node: node}
}

func recoverActions(t *testing.T, store engine.Store) []*engine.Action {
	t.Helper()
	actions, err := store.ListActions(context.Background(), engine.ActionFilter{Operation: engine.OpNodeRecover})
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	return actions
}

func TestSweepSkipsHealthyNodes(t *testing.T) {
	f := newFixture(t, policy.DetectPolling)
	f.mon.sweep(context.Background())
	if got := recoverActions(t, f.store); len(got) != 0 {
		t.Fatalf("healthy node triggered %d recoveries", len(got))
	}
}

func TestSweepSubmitsRecoveryForFailedNode(t *testing.T) {
	f := newFixture(t, policy.DetectPolling)
	f.fake.SetStatus(f.node.PhysicalID, engine.ClusterError)

	f.mon.sweep(context.Background())

	got := recoverActions(t, f.store)
	if len(got) != 1 {
		t.Fatalf("got %d recoveries, want 1", len(got))
	}
	if got[0].Target != "n1" {
		t.Fatalf("recovery targets %s, want n1", got[0].Target)
	}
	if got[0].Status != engine.StatusReady {
		t.Fatalf("recovery status = %s, want READY", got[0].Status)
	}
}

func TestSweepSubmitsRecoveryForVanishedNode(t *testing.T) {
	f := newFixture(t, policy.DetectPolling)
	if err := f.fake.Delete(context.Background(), f.node.PhysicalID); err != nil {
		t.Fatalf("fake delete: %v", err)
	}

	f.mon.sweep(context.Background())

	if got := recoverActions(t, f.store); len(got) != 1 {
		t.Fatalf("got %d recoveries, want 1", len(got))
	}
}

func TestSweepHonorsPollInterval(t *testing.T) {
	f := newFixture(t, policy.DetectPolling)
	f.fake.SetStatus(f.node.PhysicalID, engine.ClusterError)

	f.mon.sweep(context.Background())
	f.mon.sweep(context.Background())

	// The second sweep lands inside the 1s interval and must not poll again.
	if got := recoverActions(t, f.store); len(got) != 1 {
		t.Fatalf("got %d recoveries, want 1", len(got))
	}
}

func TestSweepWaitsForConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, policy.DetectPolling)
	f.mon.cfg.FailuresBeforeRecovery = 2
	f.fake.SetStatus(f.node.PhysicalID, engine.ClusterError)

	f.mon.sweep(ctx)
	if got := recoverActions(t, f.store); len(got) != 0 {
		t.Fatalf("one failed poll triggered %d recoveries, want 0", len(got))
	}

	// Force the interval gate open and fail a second time.
	f.mon.lastPoll = map[string]time.Time{}
	f.mon.sweep(ctx)
	if got := recoverActions(t, f.store); len(got) != 1 {
		t.Fatalf("got %d recoveries, want 1", len(got))
	}
}

func TestHealthyPollResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, policy.DetectPolling)
	f.mon.cfg.FailuresBeforeRecovery = 2
	f.fake.SetStatus(f.node.PhysicalID, engine.ClusterError)

	f.mon.sweep(ctx)

	f.fake.SetStatus(f.node.PhysicalID, engine.ClusterActive)
	f.mon.lastPoll = map[string]time.Time{}
	f.mon.sweep(ctx)

	f.fake.SetStatus(f.node.PhysicalID, engine.ClusterError)
	f.mon.lastPoll = map[string]time.Time{}
	f.mon.sweep(ctx)

	// The healthy poll in between reset the count; one failure since.
	if got := recoverActions(t, f.store); len(got) != 0 {
		t.Fatalf("got %d recoveries, want 0", len(got))
	}
}

func TestSweepDeduplicatesInFlightRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, policy.DetectPolling)
	f.fake.SetStatus(f.node.PhysicalID, engine.ClusterError)

	f.mon.sweep(ctx)
	f.mon.lastPoll = map[string]time.Time{}
	f.mon.sweep(ctx)

	// The first recovery is still READY; the second sweep must not stack
	// another one on the same node.
	if got := recoverActions(t, f.store); len(got) != 1 {
		t.Fatalf("got %d recoveries, want 1", len(got))
	}

	// Once it terminates, a still-failing node is reported again.
	got := recoverActions(t, f.store)
	if _, err := f.store.ClaimAction(ctx, got[0].ID, "w1"); err != nil {
		t.Fatalf("ClaimAction: %v", err)
	}
	if _, err := f.store.CompleteAction(ctx, got[0].ID, engine.StatusSucceeded, "done", nil); err != nil {
		t.Fatalf("CompleteAction: %v", err)
	}
	f.mon.lastPoll = map[string]time.Time{}
	f.mon.sweep(ctx)
	if got := recoverActions(t, f.store); len(got) != 2 {
		t.Fatalf("got %d recoveries, want 2", len(got))
	}
}

func TestHandleEventMatchesDetectionStrategy(t *testing.T) {
	ctx := context.Background()

	// Polling clusters ignore lifecycle events.
	f := newFixture(t, policy.DetectPolling)
	ev := engine.HealthEvent{Event: "compute.instance.delete.end", TargetPhysicalID: f.node.PhysicalID}
	if err := f.mon.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if got := recoverActions(t, f.store); len(got) != 0 {
		t.Fatalf("polling cluster reacted to lifecycle event, %d recoveries", len(got))
	}

	// Event-driven clusters submit a recovery.
	f = newFixture(t, policy.DetectEvents)
	ev = engine.HealthEvent{Event: "compute.instance.delete.end", TargetPhysicalID: f.node.PhysicalID}
	if err := f.mon.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if got := recoverActions(t, f.store); len(got) != 1 {
		t.Fatalf("got %d recoveries, want 1", len(got))
	}
}

func TestHandleEventUnknownResourceIgnored(t *testing.T) {
	f := newFixture(t, policy.DetectEvents)
	err := f.mon.HandleEvent(context.Background(), engine.HealthEvent{TargetPhysicalID: "ghost"})
	if err != nil {
		t.Fatalf("unknown resource should be ignored, got %v", err)
	}
	if got := recoverActions(t, f.store); len(got) != 0 {
		t.Fatalf("unknown resource triggered %d recoveries", len(got))
	}
}
