package stores

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/openherd/openherd/pkg/engine"
)

// eachStore runs fn against every backend so both stay contract-equal.
func eachStore(t *testing.T, fn func(t *testing.T, s engine.Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemStore())
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "herd.db")})
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		ctx := context.Background()
		if err := s.Init(ctx); err != nil {
			t.Fatalf("Init: %v", err)
		}
		defer s.Close()
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		fn(t, s)
	})
}

func mkAction(id string, status engine.Status) *engine.Action {
	return &engine.Action{
		ID:        id,
		Name:      "test-" + id,
		Operation: engine.OpNodeCreate,
		Target:    "node-" + id,
		Cause:     engine.CauseRPC,
		Status:    status,
	}
}

func TestClaimActionSingleWinner(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		if err := s.CreateAction(ctx, mkAction("a1", engine.StatusReady), nil); err != nil {
			t.Fatalf("CreateAction: %v", err)
		}

		won, err := s.ClaimAction(ctx, "a1", "w1")
		if err != nil {
			t.Fatalf("ClaimAction: %v", err)
		}
		if !won {
			t.Fatal("first claim should win")
		}

		won, err = s.ClaimAction(ctx, "a1", "w2")
		if err != nil {
			t.Fatalf("ClaimAction: %v", err)
		}
		if won {
			t.Fatal("second claim should lose")
		}

		a, err := s.GetAction(ctx, "a1")
		if err != nil {
			t.Fatalf("GetAction: %v", err)
		}
		if a.Status != engine.StatusRunning || a.Owner != "w1" {
			t.Fatalf("got status=%s owner=%s, want RUNNING/w1", a.Status, a.Owner)
		}
	})
}

func TestCompleteActionPromotesDependents(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		parent := mkAction("parent", engine.StatusWaiting)
		for _, a := range []*engine.Action{parent, mkAction("c1", engine.StatusReady), mkAction("c2", engine.StatusReady)} {
			if err := s.CreateAction(ctx, a, nil); err != nil {
				t.Fatalf("CreateAction: %v", err)
			}
		}
		deps := []engine.Dependency{
			{ActionID: "parent", DependsOn: "c1"},
			{ActionID: "parent", DependsOn: "c2"},
		}
		if err := s.AddDependencies(ctx, deps); err != nil {
			t.Fatalf("AddDependencies: %v", err)
		}

		promoted, err := s.CompleteAction(ctx, "c1", engine.StatusSucceeded, "done", nil)
		if err != nil {
			t.Fatalf("CompleteAction c1: %v", err)
		}
		if len(promoted) != 0 {
			t.Fatalf("parent promoted too early: %v", promoted)
		}

		promoted, err = s.CompleteAction(ctx, "c2", engine.StatusSucceeded, "done", nil)
		if err != nil {
			t.Fatalf("CompleteAction c2: %v", err)
		}
		if len(promoted) != 1 || promoted[0] != "parent" {
			t.Fatalf("got promoted=%v, want [parent]", promoted)
		}

		a, err := s.GetAction(ctx, "parent")
		if err != nil {
			t.Fatalf("GetAction: %v", err)
		}
		if a.Status != engine.StatusReady {
			t.Fatalf("parent status = %s, want READY", a.Status)
		}
	})
}

func TestCompleteActionFailureCascades(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		// strict depends on leaf intolerantly, upper depends on strict,
		// easy depends on leaf tolerantly.
		for _, id := range []string{"leaf", "strict", "upper", "easy"} {
			status := engine.StatusWaiting
			if id == "leaf" {
				status = engine.StatusReady
			}
			if err := s.CreateAction(ctx, mkAction(id, status), nil); err != nil {
				t.Fatalf("CreateAction: %v", err)
			}
		}
		deps := []engine.Dependency{
			{ActionID: "strict", DependsOn: "leaf"},
			{ActionID: "upper", DependsOn: "strict"},
			{ActionID: "easy", DependsOn: "leaf", Tolerant: true},
		}
		if err := s.AddDependencies(ctx, deps); err != nil {
			t.Fatalf("AddDependencies: %v", err)
		}

		promoted, err := s.CompleteAction(ctx, "leaf", engine.StatusFailed, "backend exploded", nil)
		if err != nil {
			t.Fatalf("CompleteAction: %v", err)
		}

		want := map[string]engine.Status{
			"strict": engine.StatusFailed,
			"upper":  engine.StatusFailed,
			"easy":   engine.StatusReady,
		}
		for id, status := range want {
			a, err := s.GetAction(ctx, id)
			if err != nil {
				t.Fatalf("GetAction %s: %v", id, err)
			}
			if a.Status != status {
				t.Errorf("%s status = %s, want %s", id, a.Status, status)
			}
		}
		if len(promoted) != 1 || promoted[0] != "easy" {
			t.Errorf("got promoted=%v, want [easy]", promoted)
		}
	})
}

func TestCompleteActionIsTerminalOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		if err := s.CreateAction(ctx, mkAction("a1", engine.StatusRunning), nil); err != nil {
			t.Fatalf("CreateAction: %v", err)
		}
		if _, err := s.CompleteAction(ctx, "a1", engine.StatusSucceeded, "done", json.RawMessage(`{"ok":true}`)); err != nil {
			t.Fatalf("CompleteAction: %v", err)
		}
		if _, err := s.CompleteAction(ctx, "a1", engine.StatusFailed, "again", nil); err == nil {
			t.Fatal("second terminal write should fail")
		}
	})
}

func TestReleaseActionOwnershipGuard(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		if err := s.CreateAction(ctx, mkAction("a1", engine.StatusReady), nil); err != nil {
			t.Fatalf("CreateAction: %v", err)
		}
		if _, err := s.ClaimAction(ctx, "a1", "w1"); err != nil {
			t.Fatalf("ClaimAction: %v", err)
		}

		if err := s.ReleaseAction(ctx, "a1", "w2", engine.StatusReady, "stolen", nil); err == nil {
			t.Fatal("release by non-owner should fail")
		}
		if err := s.ReleaseAction(ctx, "a1", "w1", engine.StatusWaiting, "forked children", nil); err != nil {
			t.Fatalf("ReleaseAction: %v", err)
		}

		a, err := s.GetAction(ctx, "a1")
		if err != nil {
			t.Fatalf("GetAction: %v", err)
		}
		if a.Status != engine.StatusWaiting || a.Owner != "" {
			t.Fatalf("got status=%s owner=%q, want WAITING with no owner", a.Status, a.Owner)
		}
	})
}

func TestRequeueOrphanBudget(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		if err := s.CreateAction(ctx, mkAction("a1", engine.StatusReady), nil); err != nil {
			t.Fatalf("CreateAction: %v", err)
		}

		for i := 0; i < 2; i++ {
			if _, err := s.ClaimAction(ctx, "a1", "w1"); err != nil {
				t.Fatalf("ClaimAction: %v", err)
			}
			status, err := s.RequeueOrphan(ctx, "a1", 2)
			if err != nil {
				t.Fatalf("RequeueOrphan: %v", err)
			}
			if status != engine.StatusReady {
				t.Fatalf("requeue %d: status = %s, want READY", i, status)
			}
		}

		if _, err := s.ClaimAction(ctx, "a1", "w1"); err != nil {
			t.Fatalf("ClaimAction: %v", err)
		}
		status, err := s.RequeueOrphan(ctx, "a1", 2)
		if err != nil {
			t.Fatalf("RequeueOrphan: %v", err)
		}
		if status != engine.StatusFailed {
			t.Fatalf("exhausted requeue: status = %s, want FAILED", status)
		}
	})
}

func TestExpireLifecycleWaits(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		if err := s.CreateAction(ctx, mkAction("a1", engine.StatusReady), nil); err != nil {
			t.Fatalf("CreateAction: %v", err)
		}
		if _, err := s.ClaimAction(ctx, "a1", "w1"); err != nil {
			t.Fatalf("ClaimAction: %v", err)
		}
		deadline := time.Now().Add(-time.Minute)
		if err := s.ReleaseAction(ctx, "a1", "w1", engine.StatusWaitingLifecycle, "waiting for drain", &deadline); err != nil {
			t.Fatalf("ReleaseAction: %v", err)
		}

		expired, err := s.ExpireLifecycleWaits(ctx, time.Now())
		if err != nil {
			t.Fatalf("ExpireLifecycleWaits: %v", err)
		}
		if len(expired) != 1 || expired[0] != "a1" {
			t.Fatalf("got expired=%v, want [a1]", expired)
		}

		a, err := s.GetAction(ctx, "a1")
		if err != nil {
			t.Fatalf("GetAction: %v", err)
		}
		if a.Status != engine.StatusReady {
			t.Fatalf("status = %s, want READY", a.Status)
		}
	})
}

func TestExpireLifecycleWaitWithOutstandingDeps(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		for _, a := range []*engine.Action{mkAction("del", engine.StatusReady), mkAction("child", engine.StatusReady)} {
			if err := s.CreateAction(ctx, a, nil); err != nil {
				t.Fatalf("CreateAction: %v", err)
			}
		}
		if _, err := s.ClaimAction(ctx, "del", "w1"); err != nil {
			t.Fatalf("ClaimAction: %v", err)
		}
		if err := s.AddDependencies(ctx, []engine.Dependency{{ActionID: "del", DependsOn: "child"}}); err != nil {
			t.Fatalf("AddDependencies: %v", err)
		}
		deadline := time.Now().Add(-time.Minute)
		if err := s.ReleaseAction(ctx, "del", "w1", engine.StatusWaitingLifecycle, "waiting for drain", &deadline); err != nil {
			t.Fatalf("ReleaseAction: %v", err)
		}

		// The deadline passed but a prerequisite is still pending; the
		// action must not surface as runnable.
		expired, err := s.ExpireLifecycleWaits(ctx, time.Now())
		if err != nil {
			t.Fatalf("ExpireLifecycleWaits: %v", err)
		}
		if len(expired) != 0 {
			t.Fatalf("promoted %v despite an unmet dependency", expired)
		}
		a, err := s.GetAction(ctx, "del")
		if err != nil {
			t.Fatalf("GetAction: %v", err)
		}
		if a.Status != engine.StatusWaiting {
			t.Fatalf("status = %s, want WAITING", a.Status)
		}

		// The completion cascade takes over from there.
		promoted, err := s.CompleteAction(ctx, "child", engine.StatusSucceeded, "done", nil)
		if err != nil {
			t.Fatalf("CompleteAction: %v", err)
		}
		if len(promoted) != 1 || promoted[0] != "del" {
			t.Fatalf("got promoted=%v, want [del]", promoted)
		}
	})
}

func TestReleaseAfterPrerequisiteAlreadyTerminal(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		for _, a := range []*engine.Action{mkAction("parent", engine.StatusReady), mkAction("child", engine.StatusReady)} {
			if err := s.CreateAction(ctx, a, nil); err != nil {
				t.Fatalf("CreateAction: %v", err)
			}
		}
		if _, err := s.ClaimAction(ctx, "parent", "w1"); err != nil {
			t.Fatalf("ClaimAction: %v", err)
		}
		if err := s.AddDependencies(ctx, []engine.Dependency{{ActionID: "parent", DependsOn: "child"}}); err != nil {
			t.Fatalf("AddDependencies: %v", err)
		}

		// The child finishes while the parent is still RUNNING, so the
		// cascade finds nothing to promote.
		promoted, err := s.CompleteAction(ctx, "child", engine.StatusSucceeded, "done", nil)
		if err != nil {
			t.Fatalf("CompleteAction: %v", err)
		}
		if len(promoted) != 0 {
			t.Fatalf("unexpected promotion of %v", promoted)
		}

		// Releasing to WAITING with zero edges left must land in READY,
		// or nothing would ever wake the parent again.
		if err := s.ReleaseAction(ctx, "parent", "w1", engine.StatusWaiting, "waiting for children", nil); err != nil {
			t.Fatalf("ReleaseAction: %v", err)
		}
		a, err := s.GetAction(ctx, "parent")
		if err != nil {
			t.Fatalf("GetAction: %v", err)
		}
		if a.Status != engine.StatusReady {
			t.Fatalf("status = %s, want READY", a.Status)
		}
		if a.Owner != "" {
			t.Fatalf("owner = %q, want cleared", a.Owner)
		}
	})
}

func TestListMarkerPagesThroughTiedTimestamps(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		created := time.Now().Add(-time.Hour).Truncate(time.Second)

		for _, id := range []string{"a1", "a2", "a3"} {
			a := mkAction(id, engine.StatusReady)
			a.CreatedAt = created
			if err := s.CreateAction(ctx, a, nil); err != nil {
				t.Fatalf("CreateAction: %v", err)
			}
		}
		page, err := s.ListActions(ctx, engine.ActionFilter{Limit: 2})
		if err != nil {
			t.Fatalf("ListActions: %v", err)
		}
		if len(page) != 2 || page[0].ID != "a1" || page[1].ID != "a2" {
			t.Fatalf("first page = %v", ids(page))
		}
		page, err = s.ListActions(ctx, engine.ActionFilter{Marker: "a2", Limit: 2})
		if err != nil {
			t.Fatalf("ListActions: %v", err)
		}
		if len(page) != 1 || page[0].ID != "a3" {
			t.Fatalf("second page = %v", ids(page))
		}

		for _, id := range []string{"c1", "c2", "c3"} {
			c := &engine.Cluster{ID: id, Name: id, ProfileID: "p1", Status: engine.ClusterActive, CreatedAt: created}
			if err := s.CreateCluster(ctx, c); err != nil {
				t.Fatalf("CreateCluster: %v", err)
			}
		}
		clusters, err := s.ListClusters(ctx, "c1", 0)
		if err != nil {
			t.Fatalf("ListClusters: %v", err)
		}
		if len(clusters) != 2 || clusters[0].ID != "c2" || clusters[1].ID != "c3" {
			got := make([]string, len(clusters))
			for i, c := range clusters {
				got[i] = c.ID
			}
			t.Fatalf("clusters after marker = %v", got)
		}
	})
}

func ids(actions []*engine.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.ID
	}
	return out
}

func TestSetControlMailbox(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		if err := s.CreateAction(ctx, mkAction("a1", engine.StatusRunning), nil); err != nil {
			t.Fatalf("CreateAction: %v", err)
		}

		allowed := []engine.Status{engine.StatusRunning}
		if err := s.SetControl(ctx, "a1", engine.ControlSuspend, allowed); err != nil {
			t.Fatalf("SetControl: %v", err)
		}
		if err := s.SetControl(ctx, "a1", engine.ControlCancel, allowed); err == nil {
			t.Fatal("mailbox should hold at most one signal")
		}

		sig, err := s.TakeControl(ctx, "a1")
		if err != nil {
			t.Fatalf("TakeControl: %v", err)
		}
		if sig != engine.ControlSuspend {
			t.Fatalf("got %q, want SUSPEND", sig)
		}
		sig, err = s.GetControl(ctx, "a1")
		if err != nil {
			t.Fatalf("GetControl: %v", err)
		}
		if sig != engine.ControlNone {
			t.Fatalf("mailbox not cleared, got %q", sig)
		}

		if err := s.SetControl(ctx, "a1", engine.ControlCancel, []engine.Status{engine.StatusSuspended}); err == nil {
			t.Fatal("signal outside allowed statuses should fail")
		}
	})
}

func TestLockReentrancyAndContention(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		ttl := time.Minute

		ok, _, err := s.AcquireLock(ctx, "cluster-1", "w1", "a1", ttl)
		if err != nil {
			t.Fatalf("AcquireLock: %v", err)
		}
		if !ok {
			t.Fatal("fresh lock should be granted")
		}

		ok, l, err := s.AcquireLock(ctx, "cluster-1", "w1", "a1", ttl)
		if err != nil {
			t.Fatalf("AcquireLock reentrant: %v", err)
		}
		if !ok || l.Depth != 2 {
			t.Fatalf("reentrant acquire: ok=%v depth=%d, want granted at depth 2", ok, l.Depth)
		}

		ok, holder, err := s.AcquireLock(ctx, "cluster-1", "w2", "a2", ttl)
		if err != nil {
			t.Fatalf("AcquireLock contended: %v", err)
		}
		if ok {
			t.Fatal("contended acquire should be refused")
		}
		if holder.Owner != "w1" {
			t.Fatalf("holder = %s, want w1", holder.Owner)
		}

		// Two releases unwind the depth; the lock then frees up.
		if err := s.ReleaseLock(ctx, "cluster-1", "w1"); err != nil {
			t.Fatalf("ReleaseLock: %v", err)
		}
		if err := s.ReleaseLock(ctx, "cluster-1", "w1"); err != nil {
			t.Fatalf("ReleaseLock: %v", err)
		}
		ok, _, err = s.AcquireLock(ctx, "cluster-1", "w2", "a2", ttl)
		if err != nil {
			t.Fatalf("AcquireLock after release: %v", err)
		}
		if !ok {
			t.Fatal("released lock should be grantable")
		}
	})
}

func TestStaleLockTakeover(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		ok, _, err := s.AcquireLock(ctx, "node-1", "dead", "a1", -time.Second)
		if err != nil {
			t.Fatalf("AcquireLock: %v", err)
		}
		if !ok {
			t.Fatal("initial acquire should succeed")
		}

		expired, err := s.ListExpiredLocks(ctx, time.Now())
		if err != nil {
			t.Fatalf("ListExpiredLocks: %v", err)
		}
		if len(expired) != 1 || expired[0].ObjectID != "node-1" {
			t.Fatalf("got expired=%v, want node-1", expired)
		}

		ok, l, err := s.AcquireLock(ctx, "node-1", "alive", "a2", time.Minute)
		if err != nil {
			t.Fatalf("AcquireLock takeover: %v", err)
		}
		if !ok || l.Owner != "alive" || l.Depth != 1 {
			t.Fatalf("takeover: ok=%v owner=%s depth=%d", ok, l.Owner, l.Depth)
		}
	})
}

func TestCompleteActionReleasesLocks(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		if err := s.CreateAction(ctx, mkAction("a1", engine.StatusRunning), nil); err != nil {
			t.Fatalf("CreateAction: %v", err)
		}
		if ok, _, err := s.AcquireLock(ctx, "cluster-1", "w1", "a1", time.Minute); err != nil || !ok {
			t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
		}

		if _, err := s.CompleteAction(ctx, "a1", engine.StatusSucceeded, "done", nil); err != nil {
			t.Fatalf("CompleteAction: %v", err)
		}
		if _, err := s.GetLock(ctx, "cluster-1"); !engine.IsNotFound(err) {
			t.Fatalf("lock should be released, got %v", err)
		}
	})
}

func TestResourceRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		profile := &engine.Profile{
			ID: "p1", Name: "small", Driver: "fake",
			Spec: json.RawMessage(`{"server_type":"cx22"}`),
		}
		if err := s.CreateProfile(ctx, profile); err != nil {
			t.Fatalf("CreateProfile: %v", err)
		}

		cluster := &engine.Cluster{
			ID: "c1", Name: "web", ProfileID: "p1",
			DesiredCapacity: 3, MinSize: 1, MaxSize: 5,
			Status: engine.ClusterInit,
		}
		if err := s.CreateCluster(ctx, cluster); err != nil {
			t.Fatalf("CreateCluster: %v", err)
		}

		node := &engine.Node{
			ID: "n1", Name: "web-node-1", ClusterID: "c1", Index: 1,
			ProfileID: "p1", PhysicalID: "srv-42", Status: engine.ClusterActive,
		}
		if err := s.CreateNode(ctx, node); err != nil {
			t.Fatalf("CreateNode: %v", err)
		}

		got, err := s.GetNodeByPhysicalID(ctx, "srv-42")
		if err != nil {
			t.Fatalf("GetNodeByPhysicalID: %v", err)
		}
		if got.ID != "n1" {
			t.Fatalf("got node %s, want n1", got.ID)
		}

		po := &engine.PolicyObject{
			ID: "pol1", Name: "scale-out", Type: "openherd.policy.scaling",
			Priority: 10, Spec: json.RawMessage(`{"event":"CLUSTER_SCALE_OUT"}`),
		}
		if err := s.CreatePolicy(ctx, po); err != nil {
			t.Fatalf("CreatePolicy: %v", err)
		}
		po.Priority = 20
		if err := s.UpdatePolicy(ctx, po); err != nil {
			t.Fatalf("UpdatePolicy: %v", err)
		}
		back, err := s.GetPolicy(ctx, "pol1")
		if err != nil {
			t.Fatalf("GetPolicy: %v", err)
		}
		if back.Priority != 20 {
			t.Fatalf("priority = %d, want 20", back.Priority)
		}

		binding := &engine.Binding{ClusterID: "c1", PolicyID: "pol1", Enabled: true, Priority: 20}
		if err := s.CreateBinding(ctx, binding); err != nil {
			t.Fatalf("CreateBinding: %v", err)
		}
		bindings, err := s.ListBindings(ctx, "c1")
		if err != nil {
			t.Fatalf("ListBindings: %v", err)
		}
		if len(bindings) != 1 || bindings[0].PolicyID != "pol1" {
			t.Fatalf("got bindings=%v, want one for pol1", bindings)
		}

		nodes, err := s.ListNodes(ctx, "c1")
		if err != nil {
			t.Fatalf("ListNodes: %v", err)
		}
		if len(nodes) != 1 {
			t.Fatalf("got %d nodes, want 1", len(nodes))
		}

		if _, err := s.GetCluster(ctx, "missing"); !engine.IsNotFound(err) {
			t.Fatalf("expected not-found error, got %v", err)
		}
	})
}

func TestEventsNewestFirst(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		for i, msg := range []string{"first", "second", "third"} {
			e := &engine.Event{ActionID: "a1", Level: "info", Message: msg}
			if err := s.AppendEvent(ctx, e); err != nil {
				t.Fatalf("AppendEvent %d: %v", i, err)
			}
		}
		events, err := s.ListEvents(ctx, "a1", 2)
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		if len(events) != 2 || events[0].Message != "third" || events[1].Message != "second" {
			t.Fatalf("got %v, want newest two", events)
		}
	})
}
