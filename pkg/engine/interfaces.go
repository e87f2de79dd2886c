package engine

import (
	"context"
	"encoding/json"
	"time"
)

// ActionFilter selects actions from the backlog.
type ActionFilter struct {
	// Status restricts results to the given statuses.
	Status []Status

	// Target restricts results to actions on one object.
	Target string

	// Operation restricts results to one action kind.
	Operation Operation

	// Marker is the id of the last action of the previous page.
	Marker string

	// Limit bounds the page size; zero means the store default.
	Limit int
}

// ActionStore is the durable record contract for actions, their
// dependency edges, and the control mailbox. Conditional updates are the
// correctness primitive: claim-by-CAS on owner/status, owner-guarded
// releases, and terminal writes that promote dependents in the same
// transaction.
type ActionStore interface {
	// CreateAction persists an action and its initial dependency edges
	// atomically. Edge insertion fails closed on cycles (the caller runs
	// the cycle check first, the store enforces referential integrity).
	CreateAction(ctx context.Context, a *Action, deps []Dependency) error

	GetAction(ctx context.Context, id string) (*Action, error)
	ListActions(ctx context.Context, f ActionFilter) ([]*Action, error)

	// ClaimAction writes the worker id into owner and moves READY to
	// RUNNING in one conditional update. It reports false when another
	// worker won the claim.
	ClaimAction(ctx context.Context, id, worker string) (bool, error)

	// ReleaseAction requeues an owned action to READY, WAITING, or
	// WAITING_LIFECYCLE_COMPLETION, clearing owner. The deadline applies
	// only to lifecycle waits.
	ReleaseAction(ctx context.Context, id, worker string, to Status, reason string, deadline *time.Time) error

	// UpdateActionStatus moves an owned action between non-terminal
	// statuses (RUNNING and SUSPENDED) without releasing ownership.
	UpdateActionStatus(ctx context.Context, id, worker string, to Status, reason string) error

	// CompleteAction writes a terminal status and, in the same
	// transaction, removes the action's outgoing edges from dependents,
	// promotes dependents whose depends_on became empty, transitively
	// fails intolerant dependents when the status is not SUCCEEDED, and
	// releases locks held for the action. It returns the ids promoted to
	// READY.
	CompleteAction(ctx context.Context, id string, to Status, reason string, outputs json.RawMessage) ([]string, error)

	// SaveActionData persists the policy scratch structure.
	SaveActionData(ctx context.Context, id string, data ActionData) error

	// AddDependencies inserts edges and demotes affected dependents from
	// READY/RUNNING bookkeeping is the caller's job; the store only
	// records edges and marks dependents WAITING when they are not running.
	AddDependencies(ctx context.Context, deps []Dependency) error

	ListDependsOn(ctx context.Context, actionID string) ([]Dependency, error)
	ListDependedBy(ctx context.Context, actionID string) ([]Dependency, error)

	// SetControl writes a signal into the mailbox when the action is in
	// one of the allowed statuses and the mailbox is empty.
	SetControl(ctx context.Context, id string, sig Control, allowed []Status) error

	// GetControl reads the pending signal without consuming it.
	GetControl(ctx context.Context, id string) (Control, error)

	// TakeControl consumes and returns the pending signal.
	TakeControl(ctx context.Context, id string) (Control, error)

	// RequeueOrphan returns a RUNNING action whose worker died to READY,
	// incrementing restarts; past maxRestarts it is forced to FAILED.
	// The returned status is the one written.
	RequeueOrphan(ctx context.Context, id string, maxRestarts int) (Status, error)

	// ExpireLifecycleWaits promotes lifecycle-waiting actions whose
	// deadline passed to READY and returns their ids.
	ExpireLifecycleWaits(ctx context.Context, now time.Time) ([]string, error)
}

// ResourceStore is the durable record contract for clusters, nodes,
// profiles, policy objects, and bindings.
type ResourceStore interface {
	CreateCluster(ctx context.Context, c *Cluster) error
	GetCluster(ctx context.Context, id string) (*Cluster, error)
	UpdateCluster(ctx context.Context, c *Cluster) error
	DeleteCluster(ctx context.Context, id string) error
	ListClusters(ctx context.Context, marker string, limit int) ([]*Cluster, error)

	CreateNode(ctx context.Context, n *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	GetNodeByPhysicalID(ctx context.Context, physicalID string) (*Node, error)
	UpdateNode(ctx context.Context, n *Node) error
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context, clusterID string) ([]*Node, error)

	CreateProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)

	CreatePolicy(ctx context.Context, p *PolicyObject) error
	GetPolicy(ctx context.Context, id string) (*PolicyObject, error)
	UpdatePolicy(ctx context.Context, p *PolicyObject) error
	ListPolicies(ctx context.Context) ([]*PolicyObject, error)

	CreateBinding(ctx context.Context, b *Binding) error
	GetBinding(ctx context.Context, clusterID, policyID string) (*Binding, error)
	UpdateBinding(ctx context.Context, b *Binding) error
	DeleteBinding(ctx context.Context, clusterID, policyID string) error
	ListBindings(ctx context.Context, clusterID string) ([]Binding, error)
}

// LockStore is the advisory lock contract.
type LockStore interface {
	// AcquireLock grants the lock when free, expired, or held by the same
	// owner for the same action (reentrant; depth incremented). On refusal
	// it returns the current holder.
	AcquireLock(ctx context.Context, objectID, owner, actionID string, ttl time.Duration) (bool, *Lock, error)

	// RefreshLock extends the heartbeat deadline of a held lock.
	RefreshLock(ctx context.Context, objectID, owner string, ttl time.Duration) error

	// ReleaseLock decrements depth and removes the lock at depth zero.
	ReleaseLock(ctx context.Context, objectID, owner string) error

	GetLock(ctx context.Context, objectID string) (*Lock, error)

	// ListExpiredLocks returns locks whose heartbeat deadline passed.
	ListExpiredLocks(ctx context.Context, now time.Time) ([]Lock, error)

	// BreakLock force-releases a lock regardless of depth, guarded by the
	// expected owner so a live worker is never robbed.
	BreakLock(ctx context.Context, objectID, owner string) error
}

// Event is one line of the append-only execution log.
type Event struct {
	ID        int64     `json:"id"`
	ActionID  string    `json:"action_id,omitempty"`
	ClusterID string    `json:"cluster_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// EventStore is the append-only execution log contract.
type EventStore interface {
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, actionID string, limit int) ([]*Event, error)
}

// Store is the full persistence contract the engine consumes.
type Store interface {
	ActionStore
	ResourceStore
	LockStore
	EventStore
}

// Driver performs the actual create/update/delete calls against a backend
// provider. Implementations live in pkg/drivers; the engine only sees this
// boundary.
type Driver interface {
	// Create provisions the physical resource for a node and returns its
	// physical id. The call context is the action's propagated context.
	Create(ctx context.Context, spec, callCtx json.RawMessage) (string, error)

	Update(ctx context.Context, physicalID string, spec json.RawMessage) error
	Delete(ctx context.Context, physicalID string) error

	// Status reports the backend's view of the resource.
	Status(ctx context.Context, physicalID string) (ClusterStatus, error)
}

// DriverRegistry resolves a profile's driver name to an implementation.
type DriverRegistry interface {
	Driver(name string) (Driver, error)
}

// HookRunner is the policy pipeline boundary: BEFORE hooks run ahead of
// the body, AFTER hooks behind it, both mutating the action's Data.
type HookRunner interface {
	PreOp(ctx context.Context, a *Action) error
	PostOp(ctx context.Context, a *Action) error

	// Attach and Detach run a policy's lifecycle hooks when a binding is
	// created or removed by the corresponding policy actions.
	Attach(ctx context.Context, c *Cluster, b *Binding) error
	Detach(ctx context.Context, c *Cluster, b *Binding) error
}
