package engine_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openherd/openherd/pkg/drivers"
	"github.com/openherd/openherd/pkg/engine"
	"github.com/openherd/openherd/pkg/policy"
	"github.com/openherd/openherd/pkg/stores"
	"github.com/openherd/openherd/pkg/telemetry"
)

// dispatchFixture runs a real dispatcher against the in-memory store with
// the fake driver, the way the serve command wires it.
type dispatchFixture struct {
	store  *stores.MemStore
	fake   *drivers.Fake
	svc    *engine.Service
	disp   *engine.Dispatcher
	cancel context.CancelFunc
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	store := stores.NewMemStore()
	fake := drivers.NewFake()

	reg := drivers.NewRegistry()
	reg.Register("fake", fake)

	tel := telemetry.Disabled()
	graph := engine.NewGraph(store)
	locks := engine.NewLockManager(store, graph, engine.LockManagerConfig{
		TTL:            time.Minute,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		ReapInterval:   time.Minute,
		MaxRestarts:    2,
	}, zerolog.Nop())
	hooks := policy.NewPipeline(store, policy.NewRegistry(), tel)
	disp := engine.NewDispatcher(store, locks, graph, reg, hooks, tel, engine.DispatcherConfig{
		Workers:                2,
		PollInterval:           10 * time.Millisecond,
		ClaimBatch:             10,
		DefaultTimeout:         5 * time.Second,
		SuspendTimeout:         time.Second,
		LifecycleSweepInterval: 20 * time.Millisecond,
	})
	svc := engine.NewService(store, nil, nil, zerolog.Nop())

	return &dispatchFixture{store: store, fake: fake, svc: svc, disp: disp}
}

func (f *dispatchFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { _ = f.disp.Run(ctx) }()
	t.Cleanup(cancel)
}

func (f *dispatchFixture) seedProfile(t *testing.T, spec string) *engine.Profile {
	t.Helper()
	p := &engine.Profile{ID: "p1", Name: "tiny", Driver: "fake", Spec: json.RawMessage(spec)}
	if err := f.store.CreateProfile(context.Background(), p); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	return p
}

// waitForAction polls until the action reaches the wanted status.
func (f *dispatchFixture) waitForAction(t *testing.T, id string, want engine.Status) *engine.Action {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		a, err := f.store.GetAction(context.Background(), id)
		if err != nil {
			t.Fatalf("GetAction: %v", err)
		}
		if a.Status == want {
			return a
		}
		if a.Status.IsTerminal() {
			t.Fatalf("action terminated as %s (%s), want %s", a.Status, a.StatusReason, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("action %s never reached %s", id, want)
	return nil
}

func TestDispatcherExecutesNodeCreate(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedProfile(t, `{}`)
	ctx := context.Background()

	n, actionID, err := f.svc.CreateNode(ctx, engine.CreateNodeRequest{Name: "solo", ProfileID: "p1"})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	f.start(t)

	f.waitForAction(t, actionID, engine.StatusSucceeded)

	got, err := f.store.GetNode(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.PhysicalID == "" || got.Status != engine.ClusterActive {
		t.Fatalf("node not provisioned: %+v", got)
	}
}

func TestDispatcherClusterCreateForksMembers(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedProfile(t, `{}`)
	ctx := context.Background()

	c, actionID, err := f.svc.CreateCluster(ctx, engine.CreateClusterRequest{
		Name: "web", ProfileID: "p1", DesiredCapacity: 2, MaxSize: 5,
	})
	if err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	f.start(t)

	a := f.waitForAction(t, actionID, engine.StatusSucceeded)
	if a.Data.Creation == nil || len(a.Data.Creation.ChildIDs) != 2 {
		t.Fatalf("creation data = %+v, want 2 forked children", a.Data.Creation)
	}

	got, err := f.store.GetCluster(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCluster: %v", err)
	}
	if got.Status != engine.ClusterActive {
		t.Fatalf("cluster status = %s (%s), want ACTIVE", got.Status, got.StatusReason)
	}
	nodes, err := f.store.ListNodes(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("got %d members, want 2", len(nodes))
	}
	for _, n := range nodes {
		if n.Status != engine.ClusterActive || n.PhysicalID == "" {
			t.Fatalf("member not provisioned: %+v", n)
		}
	}
}

func TestDispatcherFailsActionOnPolicyRejection(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedProfile(t, `{}`)
	ctx := context.Background()

	c := &engine.Cluster{
		ID: "c1", Name: "web", ProfileID: "p1",
		DesiredCapacity: 0, MaxSize: 4, Status: engine.ClusterActive,
	}
	if err := f.store.CreateCluster(ctx, c); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	spec, _ := json.Marshal(map[string]any{
		"event":      engine.OpClusterScaleOut,
		"adjustment": map[string]any{"type": "CHANGE_IN_CAPACITY", "number": 10},
	})
	po := &engine.PolicyObject{ID: "pol1", Name: "cap", Type: policy.TypeScaling, Spec: spec}
	if err := f.store.CreatePolicy(ctx, po); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	b := &engine.Binding{ClusterID: "c1", PolicyID: "pol1", Enabled: true}
	if err := f.store.CreateBinding(ctx, b); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}

	actionID, err := f.svc.ScaleOutCluster(ctx, "c1", 1)
	if err != nil {
		t.Fatalf("ScaleOutCluster: %v", err)
	}
	f.start(t)

	a := f.waitForAction(t, actionID, engine.StatusFailed)
	if !strings.Contains(a.StatusReason, "rejected by policy") {
		t.Fatalf("reason = %q, want a policy rejection", a.StatusReason)
	}

	// The rejection fired before the body: nothing was forked.
	nodes, err := f.store.ListNodes(ctx, "c1")
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("body ran despite rejection, %d nodes created", len(nodes))
	}
}

func TestDispatcherCancelWhileRunning(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	f.disp.RegisterBody(engine.OpNodeCheck, engine.BodyFunc(func(ctx context.Context, ec *engine.ExecContext) (engine.Result, string) {
		close(entered)
		<-release
		if err := ec.Checkpoint(ctx); err != nil {
			return engine.ResultCancel, "cancelled by operator"
		}
		return engine.ResultOK, "done"
	}))

	a := &engine.Action{
		ID: "a1", Name: "check-n1", Operation: engine.OpNodeCheck,
		Target: "n1", Cause: engine.CauseRPC, Status: engine.StatusReady,
	}
	if err := f.store.CreateAction(ctx, a, nil); err != nil {
		t.Fatalf("CreateAction: %v", err)
	}

	// The cancel must land while the body runs; a READY action has no
	// worker watching the mailbox and refuses the signal.
	if err := f.svc.CancelAction(ctx, "a1"); err == nil {
		t.Fatal("cancel must require RUNNING")
	}
	f.start(t)
	<-entered
	if err := f.svc.CancelAction(ctx, "a1"); err != nil {
		t.Fatalf("CancelAction: %v", err)
	}
	close(release)

	f.waitForAction(t, "a1", engine.StatusCancelled)
}

// countingHooks records pipeline invocations so a test can prove the
// BEFORE hooks reran on a later attempt.
type countingHooks struct {
	mu      sync.Mutex
	preOps  int
	postOps int
}

func (h *countingHooks) PreOp(ctx context.Context, a *engine.Action) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.preOps++
	return nil
}

func (h *countingHooks) PostOp(ctx context.Context, a *engine.Action) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.postOps++
	return nil
}

func (h *countingHooks) Attach(ctx context.Context, c *engine.Cluster, b *engine.Binding) error {
	return nil
}

func (h *countingHooks) Detach(ctx context.Context, c *engine.Cluster, b *engine.Binding) error {
	return nil
}

func (h *countingHooks) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.preOps, h.postOps
}

func TestDispatcherRetryRequeuesAndRerunsPipeline(t *testing.T) {
	store := stores.NewMemStore()
	reg := drivers.NewRegistry()
	reg.Register("fake", drivers.NewFake())
	tel := telemetry.Disabled()
	graph := engine.NewGraph(store)
	locks := engine.NewLockManager(store, graph, engine.LockManagerConfig{
		TTL:            time.Minute,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		ReapInterval:   time.Minute,
		MaxRestarts:    2,
	}, zerolog.Nop())
	hooks := &countingHooks{}
	disp := engine.NewDispatcher(store, locks, graph, reg, hooks, tel, engine.DispatcherConfig{
		Workers:                2,
		PollInterval:           10 * time.Millisecond,
		ClaimBatch:             10,
		DefaultTimeout:         5 * time.Second,
		SuspendTimeout:         time.Second,
		LifecycleSweepInterval: 20 * time.Millisecond,
	})

	// First attempt asks for a requeue without forking anything; the
	// second succeeds.
	var calls int32
	disp.RegisterBody(engine.OpNodeCheck, engine.BodyFunc(func(ctx context.Context, ec *engine.ExecContext) (engine.Result, string) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return engine.ResultRetry, "backend not ready"
		}
		return engine.ResultOK, "done"
	}))

	ctx := context.Background()
	a := &engine.Action{
		ID: "a1", Name: "check-n1", Operation: engine.OpNodeCheck,
		Target: "n1", Cause: engine.CauseRPC, Status: engine.StatusReady,
	}
	if err := store.CreateAction(ctx, a, nil); err != nil {
		t.Fatalf("CreateAction: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go func() { _ = disp.Run(runCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	var got *engine.Action
	for time.Now().Before(deadline) {
		var err error
		got, err = store.GetAction(ctx, "a1")
		if err != nil {
			t.Fatalf("GetAction: %v", err)
		}
		if got.Status == engine.StatusSucceeded {
			break
		}
		if got.Status.IsTerminal() {
			t.Fatalf("action terminated as %s (%s), want SUCCEEDED", got.Status, got.StatusReason)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got == nil || got.Status != engine.StatusSucceeded {
		t.Fatal("action never reached SUCCEEDED")
	}

	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("body ran %d times, want 2", n)
	}
	pre, post := hooks.counts()
	if pre != 2 {
		t.Fatalf("pre-op hooks ran %d times, want one per attempt", pre)
	}
	if post != 1 {
		t.Fatalf("post-op hooks ran %d times, want 1", post)
	}
	// A requeue is not a worker loss: the restart budget is untouched.
	if got.Restarts != 0 {
		t.Fatalf("restarts = %d, want 0", got.Restarts)
	}
	// The target lock did not survive the requeue.
	if _, err := store.GetLock(ctx, "n1"); !engine.IsNotFound(err) {
		t.Fatalf("lock still present after completion: %v", err)
	}
	events, err := store.ListEvents(ctx, "a1", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	found := false
	for _, ev := range events {
		if strings.Contains(ev.Message, "requeued to READY: backend not ready") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no requeue event recorded, got %+v", events)
	}
}

func TestDispatcherFailsDriverError(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedProfile(t, `{"fail_create": true}`)
	ctx := context.Background()

	_, actionID, err := f.svc.CreateNode(ctx, engine.CreateNodeRequest{Name: "broken", ProfileID: "p1"})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	f.start(t)

	a := f.waitForAction(t, actionID, engine.StatusFailed)
	if !strings.Contains(a.StatusReason, "driver create failed") {
		t.Fatalf("reason = %q", a.StatusReason)
	}
	if len(a.Outputs) == 0 {
		t.Fatal("driver error detail should be recorded in outputs")
	}
}
