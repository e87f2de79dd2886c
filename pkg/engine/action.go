package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrCancelled is returned by Checkpoint when the action received a CANCEL
// signal (directly or via the suspend watchdog). Bodies should unwind to a
// safe state and return ResultCancel.
var ErrCancelled = errors.New("action cancelled")

// Body is one operation kind from the fixed catalog. It returns the
// result of the execution and a human-readable reason.
type Body interface {
	Execute(ctx context.Context, ec *ExecContext) (Result, string)
}

// BodyFunc adapts a function to the Body interface.
type BodyFunc func(ctx context.Context, ec *ExecContext) (Result, string)

// Execute implements Body.
func (f BodyFunc) Execute(ctx context.Context, ec *ExecContext) (Result, string) {
	return f(ctx, ec)
}

// Catalog maps every operation kind to its body. There is no user-defined
// entry point: the catalog is fixed at build time.
func Catalog() map[Operation]Body {
	return map[Operation]Body{
		OpClusterCreate:       BodyFunc(clusterCreate),
		OpClusterDelete:       BodyFunc(clusterDelete),
		OpClusterUpdate:       BodyFunc(clusterUpdate),
		OpClusterResize:       BodyFunc(clusterResize),
		OpClusterScaleIn:      BodyFunc(clusterScaleIn),
		OpClusterScaleOut:     BodyFunc(clusterScaleOut),
		OpClusterCheck:        BodyFunc(clusterCheck),
		OpClusterRecover:      BodyFunc(clusterRecover),
		OpClusterAttachPolicy: BodyFunc(clusterAttachPolicy),
		OpClusterDetachPolicy: BodyFunc(clusterDetachPolicy),
		OpClusterUpdatePolicy: BodyFunc(clusterUpdatePolicy),
		OpNodeCreate:          BodyFunc(nodeCreate),
		OpNodeDelete:          BodyFunc(nodeDelete),
		OpNodeUpdate:          BodyFunc(nodeUpdate),
		OpNodeJoin:            BodyFunc(nodeJoin),
		OpNodeLeave:           BodyFunc(nodeLeave),
		OpNodeCheck:           BodyFunc(nodeCheck),
		OpNodeRecover:         BodyFunc(nodeRecover),
	}
}

// ExecContext is the environment an action body executes in. It is built
// by the dispatcher after the claim and lock acquisition succeed, and is
// mutated only by the single worker owning the action.
type ExecContext struct {
	Action  *Action
	Store   Store
	Drivers DriverRegistry
	Graph   *Graph
	Hooks   HookRunner
	Logger  zerolog.Logger

	worker         string
	suspendTimeout time.Duration

	// lifecycleWait carries the deadline requested by a deletion-style
	// body; the finalizer routes RETRY to WAITING_LIFECYCLE_COMPLETION
	// when set.
	lifecycleWait *time.Time

	// forked reports whether the body registered new dependency edges
	// during this attempt; RETRY then routes to WAITING.
	forked bool
}

// Worker returns the identity of the worker executing the action.
func (ec *ExecContext) Worker() string { return ec.worker }

// Checkpoint polls the action's control mailbox. On CANCEL it returns
// ErrCancelled. On SUSPEND it transitions the action to SUSPENDED and
// blocks until RESUME arrives or the suspend watchdog forces CANCEL.
// Bodies choose where to poll; cancellation is cooperative and takes
// effect only at these checkpoints.
func (ec *ExecContext) Checkpoint(ctx context.Context) error {
	sig, err := ec.Store.TakeControl(ctx, ec.Action.ID)
	if err != nil {
		return fmt.Errorf("failed to poll control: %w", err)
	}
	switch sig {
	case ControlNone, ControlResume:
		return nil
	case ControlCancel:
		return ErrCancelled
	case ControlSuspend:
		return ec.suspend(ctx)
	default:
		return nil
	}
}

// suspend parks the action until RESUME, CANCEL, or the watchdog deadline.
func (ec *ExecContext) suspend(ctx context.Context) error {
	if err := ec.Store.UpdateActionStatus(ctx, ec.Action.ID, ec.worker, StatusSuspended, "suspended by control signal"); err != nil {
		return err
	}
	ec.Logger.Info().Str("action", ec.Action.ID).Msg("action suspended")

	deadline := time.Now().Add(ec.suspendTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ErrCancelled
		case <-ticker.C:
			if time.Now().After(deadline) {
				ec.Logger.Warn().Str("action", ec.Action.ID).Msg("suspend watchdog expired, forcing cancel")
				return ErrCancelled
			}
			sig, err := ec.Store.TakeControl(ctx, ec.Action.ID)
			if err != nil {
				return err
			}
			switch sig {
			case ControlResume:
				if err := ec.Store.UpdateActionStatus(ctx, ec.Action.ID, ec.worker, StatusRunning, "resumed"); err != nil {
					return err
				}
				ec.Logger.Info().Str("action", ec.Action.ID).Msg("action resumed")
				return nil
			case ControlCancel:
				return ErrCancelled
			}
		}
	}
}

// Fork creates derived child actions and records this action's dependency
// on each of them. The body should then return ResultRetry: the finalizer
// routes it to WAITING and the action is re-executed once every child has
// terminated successfully.
func (ec *ExecContext) Fork(ctx context.Context, children []*Action, tolerant bool) ([]string, error) {
	ids := make([]string, 0, len(children))
	deps := make([]Dependency, 0, len(children))

	for _, child := range children {
		if child.ID == "" {
			child.ID = uuid.New().String()
		}
		child.Cause = CauseDerived
		child.ParentID = ec.Action.ID
		child.Status = StatusReady
		if child.Context == nil {
			child.Context = ec.Action.Context
		}
		if child.Name == "" {
			child.Name = autoName(child.Operation, child.Target)
		}
		if err := ec.Store.CreateAction(ctx, child, nil); err != nil {
			return nil, fmt.Errorf("failed to create derived action: %w", err)
		}
		ids = append(ids, child.ID)
		deps = append(deps, Dependency{ActionID: ec.Action.ID, DependsOn: child.ID, Tolerant: tolerant})
	}

	if err := ec.Graph.AddDependencies(ctx, deps); err != nil {
		return nil, err
	}
	ec.forked = true
	return ids, nil
}

// RequestLifecycleWait asks the finalizer to park this action in
// WAITING_LIFECYCLE_COMPLETION instead of WAITING when the body returns
// RETRY, with the given bound before it is forced back to READY.
func (ec *ExecContext) RequestLifecycleWait(bound time.Duration) {
	t := time.Now().Add(bound)
	ec.lifecycleWait = &t
}

// SaveData persists the action's scratch structure mid-execution so a
// RETRY rerun observes decisions already applied.
func (ec *ExecContext) SaveData(ctx context.Context) error {
	return ec.Store.SaveActionData(ctx, ec.Action.ID, ec.Action.Data)
}

// SetOutputs records result values, including driver error detail.
func (ec *ExecContext) SetOutputs(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		ec.Logger.Warn().Err(err).Msg("failed to marshal outputs")
		return
	}
	ec.Action.Outputs = raw
}

// driverFor resolves the driver for a node's profile.
func (ec *ExecContext) driverFor(ctx context.Context, profileID string) (Driver, *Profile, error) {
	p, err := ec.Store.GetProfile(ctx, profileID)
	if err != nil {
		return nil, nil, err
	}
	d, err := ec.Drivers.Driver(p.Driver)
	if err != nil {
		return nil, nil, err
	}
	return d, p, nil
}

// autoName generates a human-readable action name.
func autoName(op Operation, target string) string {
	short := target
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s", op, short)
}
