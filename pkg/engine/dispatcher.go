package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openherd/openherd/pkg/telemetry"
)

// DispatcherConfig tunes the worker pool.
type DispatcherConfig struct {
	// Workers is the number of concurrent executors.
	Workers int

	// PollInterval is the backlog scan cadence when no work was found.
	PollInterval time.Duration

	// ClaimBatch is how many READY actions one scan attempts to claim.
	ClaimBatch int

	// DefaultTimeout bounds a body invocation when the action carries none.
	DefaultTimeout time.Duration

	// SuspendTimeout is the watchdog bound on SUSPENDED actions.
	SuspendTimeout time.Duration

	// LifecycleSweepInterval is how often expired lifecycle waits are
	// promoted back to READY.
	LifecycleSweepInterval time.Duration
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:                4,
		PollInterval:           500 * time.Millisecond,
		ClaimBatch:             10,
		DefaultTimeout:         15 * time.Minute,
		SuspendTimeout:         10 * time.Minute,
		LifecycleSweepInterval: 10 * time.Second,
	}
}

// Dispatcher drains the action backlog: it claims READY actions by
// conditional update, acquires the target lock, runs the policy pipeline
// around the body, and finalizes the outcome. Any number of dispatcher
// processes may share one store; the claim CAS makes the race benign.
type Dispatcher struct {
	store   Store
	locks   *LockManager
	graph   *Graph
	drivers DriverRegistry
	hooks   HookRunner
	catalog map[Operation]Body
	tel     *telemetry.Telemetry
	cfg     DispatcherConfig
	logger  zerolog.Logger

	// prefix distinguishes this process's workers in owner fields.
	prefix string
}

// NewDispatcher wires a dispatcher. The telemetry instance must be
// non-nil; use telemetry.Disabled() to opt out.
func NewDispatcher(store Store, locks *LockManager, graph *Graph, drivers DriverRegistry, hooks HookRunner, tel *telemetry.Telemetry, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg = DefaultDispatcherConfig()
	}
	host, _ := os.Hostname()
	return &Dispatcher{
		store:   store,
		locks:   locks,
		graph:   graph,
		drivers: drivers,
		hooks:   hooks,
		catalog: Catalog(),
		tel:     tel,
		cfg:     cfg,
		logger:  tel.Logger.NewComponentLogger("dispatcher").Zerolog(),
		prefix:  fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// RegisterBody installs or replaces the executor for an operation. Call it
// before Run; the catalog is not guarded against concurrent mutation.
func (d *Dispatcher) RegisterBody(op Operation, b Body) {
	d.catalog[op] = b
}

// Run starts the worker pool, the stale-lock reaper, and the lifecycle
// sweep, and blocks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.cfg.Workers; i++ {
		worker := fmt.Sprintf("%s-w%d", d.prefix, i)
		g.Go(func() error {
			return d.workerLoop(ctx, worker)
		})
	}
	g.Go(func() error {
		return d.locks.RunReaper(ctx)
	})
	g.Go(func() error {
		return d.lifecycleSweep(ctx)
	})

	d.logger.Info().Int("workers", d.cfg.Workers).Msg("dispatcher started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// workerLoop polls the backlog and executes what it can claim.
func (d *Dispatcher) workerLoop(ctx context.Context, worker string) error {
	for {
		n, err := d.drainOnce(ctx, worker)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error().Err(err).Str("worker", worker).Msg("backlog scan failed")
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// drainOnce claims and executes up to ClaimBatch READY actions, oldest
// first. It returns how many actions this worker executed.
func (d *Dispatcher) drainOnce(ctx context.Context, worker string) (int, error) {
	ready, err := d.store.ListActions(ctx, ActionFilter{
		Status: []Status{StatusReady},
		Limit:  d.cfg.ClaimBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list ready actions: %w", err)
	}
	d.tel.Metrics.SetQueuedActions(float64(len(ready)))

	executed := 0
	for _, a := range ready {
		if ctx.Err() != nil {
			return executed, ctx.Err()
		}
		won, err := d.store.ClaimAction(ctx, a.ID, worker)
		if err != nil {
			d.logger.Warn().Err(err).Str("action", a.ID).Msg("claim failed")
			continue
		}
		if !won {
			// Another worker got there first.
			continue
		}
		d.execute(ctx, worker, a.ID)
		executed++
	}
	return executed, nil
}

// execute runs one claimed action to a terminal status or a requeue.
func (d *Dispatcher) execute(ctx context.Context, worker, actionID string) {
	a, err := d.store.GetAction(ctx, actionID)
	if err != nil {
		d.logger.Error().Err(err).Str("action", actionID).Msg("failed to reload claimed action")
		return
	}

	logger := d.logger.With().
		Str("worker", worker).
		Str("action", a.ID).
		Str("operation", string(a.Operation)).
		Str("target", a.Target).
		Logger()
	logger.Info().Msg("action started")
	d.tel.Metrics.RecordActionStarted(string(a.Operation))
	_ = d.tel.Events.PublishActionStarted(a.ID, string(a.Operation), a.Target)
	start := time.Now()

	body, ok := d.catalog[a.Operation]
	if !ok {
		d.finish(ctx, a, StatusFailed, fmt.Sprintf("unknown operation %s", a.Operation), start, logger)
		return
	}

	if err := d.locks.Acquire(ctx, a.Target, a, worker); err != nil {
		if IsContention(err) {
			d.tel.Metrics.RecordLockContention()
			d.tel.Metrics.RecordError(string(ErrorClassContention), ErrCodeContention)
			d.finish(ctx, a, StatusFailed, err.Error(), start, logger)
			return
		}
		// Transient infrastructure trouble: give the action back.
		logger.Warn().Err(err).Msg("lock acquisition failed, requeueing")
		if rerr := d.store.ReleaseAction(ctx, a.ID, worker, StatusReady, "lock acquisition failed", nil); rerr != nil {
			logger.Error().Err(rerr).Msg("requeue failed")
		}
		return
	}

	heartbeatStop := d.startHeartbeat(ctx, a.Target, worker)
	defer heartbeatStop()

	ec := &ExecContext{
		Action:         a,
		Store:          d.store,
		Drivers:        d.drivers,
		Graph:          d.graph,
		Hooks:          d.hooks,
		Logger:         logger,
		worker:         worker,
		suspendTimeout: d.cfg.SuspendTimeout,
	}

	// BEFORE hooks run ahead of the body; a rejection fails the action
	// without invoking it.
	if err := d.hooks.PreOp(ctx, a); err != nil {
		d.releaseAndFinish(ctx, ec, StatusFailed, fmt.Sprintf("policy pre-op failed: %v", err), start, logger)
		return
	}
	if a.Data.Rejected() {
		d.tel.Metrics.RecordError(string(ErrorClassPermanent), ErrCodePolicyRejected)
		d.releaseAndFinish(ctx, ec, StatusFailed, fmt.Sprintf("rejected by policy: %s", a.Data.Reason), start, logger)
		return
	}
	if err := d.store.SaveActionData(ctx, a.ID, a.Data); err != nil {
		d.releaseAndFinish(ctx, ec, StatusFailed, fmt.Sprintf("failed to persist pre-op data: %v", err), start, logger)
		return
	}

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	bodyCtx, cancel := context.WithTimeout(ctx, timeout)
	res, reason := body.Execute(bodyCtx, ec)
	if errors.Is(bodyCtx.Err(), context.DeadlineExceeded) && res == ResultError {
		res = ResultTimeout
	}
	cancel()

	if res == ResultOK {
		// AFTER hooks observe the outcome; a failure here fails the action
		// because the policy's bookkeeping is part of the operation.
		if err := d.hooks.PostOp(ctx, a); err != nil {
			d.releaseAndFinish(ctx, ec, StatusFailed, fmt.Sprintf("policy post-op failed: %v", err), start, logger)
			return
		}
		if err := d.store.SaveActionData(ctx, a.ID, a.Data); err != nil {
			logger.Warn().Err(err).Msg("failed to persist post-op data")
		}
	}

	d.finalize(ctx, ec, res, reason, start, logger)
}

// finalize routes a body result to the terminal write or a requeue. The
// target lock is released in every branch; an action that comes back later
// reacquires it.
func (d *Dispatcher) finalize(ctx context.Context, ec *ExecContext, res Result, reason string, start time.Time, logger zerolog.Logger) {
	a := ec.Action

	if res == ResultRetry {
		d.locks.Release(ctx, a.Target, ec.worker)

		to := StatusReady
		var deadline *time.Time
		switch {
		case ec.lifecycleWait != nil:
			to = StatusWaitingLifecycle
			deadline = ec.lifecycleWait
		case ec.forked:
			to = StatusWaiting
		default:
			deps, err := d.store.ListDependsOn(ctx, a.ID)
			if err == nil && len(deps) > 0 {
				to = StatusWaiting
			}
		}
		if err := d.store.ReleaseAction(ctx, a.ID, ec.worker, to, reason, deadline); err != nil {
			logger.Error().Err(err).Msg("retry requeue failed")
			return
		}
		logger.Info().Str("status", string(to)).Str("reason", reason).Msg("action requeued")
		_ = d.tel.Events.PublishActionRequeued(a.ID, string(to), reason)
		d.appendEvent(ctx, a, "info", fmt.Sprintf("requeued to %s: %s", to, reason))
		return
	}

	to, ok := resultStatus(res)
	if !ok {
		to = StatusFailed
		reason = fmt.Sprintf("unknown body result %q: %s", res, reason)
	}
	d.releaseAndFinish(ctx, ec, to, reason, start, logger)
}

// releaseAndFinish releases the target lock and writes the terminal status.
func (d *Dispatcher) releaseAndFinish(ctx context.Context, ec *ExecContext, to Status, reason string, start time.Time, logger zerolog.Logger) {
	d.locks.Release(ctx, ec.Action.Target, ec.worker)
	d.finish(ctx, ec.Action, to, reason, start, logger)
}

// finish writes the terminal status. Dependent promotion, transitive
// failure, and lock cleanup for the action happen inside the store's
// completion transaction.
func (d *Dispatcher) finish(ctx context.Context, a *Action, to Status, reason string, start time.Time, logger zerolog.Logger) {
	promoted, err := d.store.CompleteAction(ctx, a.ID, to, reason, a.Outputs)
	if err != nil {
		logger.Error().Err(err).Str("status", string(to)).Msg("terminal write failed")
		return
	}

	d.tel.Metrics.RecordActionCompleted(string(a.Operation), string(to), time.Since(start))
	_ = d.tel.Events.PublishActionCompleted(a.ID, string(a.Operation), string(to), time.Since(start))
	ev := logger.Info()
	if to == StatusFailed {
		ev = logger.Warn()
	}
	ev.Str("status", string(to)).
		Str("reason", reason).
		Int("promoted", len(promoted)).
		Dur("elapsed", time.Since(start)).
		Msg("action finished")

	d.appendEvent(ctx, a, eventLevel(to), fmt.Sprintf("%s: %s", to, reason))
}

// startHeartbeat refreshes the target lock until the returned stop
// function is called.
func (d *Dispatcher) startHeartbeat(ctx context.Context, objectID, worker string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	interval := d.locks.cfg.TTL / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := d.locks.Refresh(hbCtx, objectID, worker); err != nil {
					d.logger.Warn().Err(err).Str("object", objectID).Msg("lock heartbeat failed")
				}
			}
		}
	}()
	return cancel
}

// lifecycleSweep promotes lifecycle-waiting actions whose bound expired.
func (d *Dispatcher) lifecycleSweep(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.LifecycleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			ids, err := d.store.ExpireLifecycleWaits(ctx, now)
			if err != nil {
				d.logger.Error().Err(err).Msg("lifecycle sweep failed")
				continue
			}
			for _, id := range ids {
				d.logger.Info().Str("action", id).Msg("lifecycle wait expired, promoted to READY")
			}
		}
	}
}

// appendEvent writes one line of the execution log; failures are logged
// and swallowed because the log is advisory.
func (d *Dispatcher) appendEvent(ctx context.Context, a *Action, level, msg string) {
	clusterID := ""
	if a.Operation.IsClusterOp() {
		clusterID = a.Target
	}
	err := d.store.AppendEvent(ctx, &Event{
		ActionID:  a.ID,
		ClusterID: clusterID,
		Level:     level,
		Message:   msg,
		Timestamp: time.Now(),
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("action", a.ID).Msg("event append failed")
	}
}

func eventLevel(s Status) string {
	if s == StatusFailed {
		return "error"
	}
	return "info"
}

// NewActionID returns a fresh action identifier.
func NewActionID() string {
	return uuid.New().String()
}
