package engine

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of an action.
type Status string

const (
	// StatusInit marks an action that is still being constructed; not schedulable.
	StatusInit Status = "INIT"

	// StatusReady marks an action eligible for claim by any worker.
	StatusReady Status = "READY"

	// StatusWaiting marks an action with unmet dependencies.
	StatusWaiting Status = "WAITING"

	// StatusWaitingLifecycle marks a deletion-style action paused for an
	// external completion signal or a bounded lifecycle timeout.
	StatusWaitingLifecycle Status = "WAITING_LIFECYCLE_COMPLETION"

	// StatusRunning marks an action claimed by exactly one worker.
	StatusRunning Status = "RUNNING"

	// StatusSuspended marks a paused action awaiting RESUME.
	StatusSuspended Status = "SUSPENDED"

	// StatusSucceeded is the successful terminal status.
	StatusSucceeded Status = "SUCCEEDED"

	// StatusFailed is the failed terminal status.
	StatusFailed Status = "FAILED"

	// StatusCancelled is the cancelled terminal status.
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the status is immutable once reached.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Result is the outcome an action body reports to the engine.
type Result string

const (
	ResultOK      Result = "OK"
	ResultError   Result = "ERROR"
	ResultRetry   Result = "RETRY"
	ResultCancel  Result = "CANCEL"
	ResultTimeout Result = "TIMEOUT"
)

// Cause records how an action came to exist. It governs whether a fresh
// lock acquisition is required when the action is claimed.
type Cause string

const (
	// CauseRPC marks an action created directly from an external request.
	CauseRPC Cause = "RPC_REQUEST"

	// CauseDerived marks an action created internally by another action.
	CauseDerived Cause = "DERIVED_ACTION"
)

// Control is a one-slot mailbox signal a running worker is expected to poll.
type Control string

const (
	ControlNone    Control = ""
	ControlCancel  Control = "CANCEL"
	ControlSuspend Control = "SUSPEND"
	ControlResume  Control = "RESUME"
)

// Operation identifies one of the fixed catalog of action kinds.
type Operation string

const (
	OpClusterCreate       Operation = "CLUSTER_CREATE"
	OpClusterDelete       Operation = "CLUSTER_DELETE"
	OpClusterUpdate       Operation = "CLUSTER_UPDATE"
	OpClusterResize       Operation = "CLUSTER_RESIZE"
	OpClusterScaleIn      Operation = "CLUSTER_SCALE_IN"
	OpClusterScaleOut     Operation = "CLUSTER_SCALE_OUT"
	OpClusterCheck        Operation = "CLUSTER_CHECK"
	OpClusterRecover      Operation = "CLUSTER_RECOVER"
	OpClusterAttachPolicy Operation = "CLUSTER_ATTACH_POLICY"
	OpClusterDetachPolicy Operation = "CLUSTER_DETACH_POLICY"
	OpClusterUpdatePolicy Operation = "CLUSTER_UPDATE_POLICY"
	OpNodeCreate          Operation = "NODE_CREATE"
	OpNodeDelete          Operation = "NODE_DELETE"
	OpNodeUpdate          Operation = "NODE_UPDATE"
	OpNodeJoin            Operation = "NODE_JOIN"
	OpNodeLeave           Operation = "NODE_LEAVE"
	OpNodeCheck           Operation = "NODE_CHECK"
	OpNodeRecover         Operation = "NODE_RECOVER"
)

// IsClusterOp reports whether the operation targets a cluster.
func (o Operation) IsClusterOp() bool {
	switch o {
	case OpClusterCreate, OpClusterDelete, OpClusterUpdate, OpClusterResize,
		OpClusterScaleIn, OpClusterScaleOut, OpClusterCheck, OpClusterRecover,
		OpClusterAttachPolicy, OpClusterDetachPolicy, OpClusterUpdatePolicy:
		return true
	}
	return false
}

// Action is a durable record of one asynchronous operation against a
// cluster, node, or policy binding.
type Action struct {
	// ID is the globally unique identifier for this action.
	ID string `json:"id"`

	// Name is a human-readable name; auto-generated when empty at creation.
	Name string `json:"name"`

	// Operation is the action kind from the fixed catalog.
	Operation Operation `json:"operation"`

	// Target is the id of the cluster or node being operated on.
	Target string `json:"target"`

	// Cause records whether this action came from an external request or
	// was derived by another action.
	Cause Cause `json:"cause"`

	// ParentID is the action that derived this one, when Cause is DERIVED_ACTION.
	ParentID string `json:"parent_id,omitempty"`

	// Context is the opaque calling context (credentials, project scope)
	// propagated to drivers.
	Context json.RawMessage `json:"context,omitempty"`

	// Owner is the worker identity currently holding the action, or empty.
	Owner string `json:"owner,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// StatusReason is free text explaining the current status.
	StatusReason string `json:"status_reason,omitempty"`

	// Control carries at most one pending signal for the running worker.
	Control Control `json:"control,omitempty"`

	// Inputs are the caller-supplied parameters; immutable once the action starts.
	Inputs json.RawMessage `json:"inputs,omitempty"`

	// Outputs are result values, including error detail.
	Outputs json.RawMessage `json:"outputs,omitempty"`

	// Data is the mutable scratch structure the policy pipeline negotiates
	// through. It is mutated only by the worker that owns the action.
	Data ActionData `json:"data"`

	// DependsOn lists prerequisite action ids.
	DependsOn []string `json:"depends_on,omitempty"`

	// DependedBy lists dependent action ids.
	DependedBy []string `json:"depended_by,omitempty"`

	// Timeout bounds the body invocation; zero means the system default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Interval is the polling interval for repeated operations (e.g. checks).
	Interval time.Duration `json:"interval,omitempty"`

	// StartTime and StopTime bracket the most recent execution attempt.
	StartTime *time.Time `json:"start_time,omitempty"`
	StopTime  *time.Time `json:"stop_time,omitempty"`

	// Restarts counts how many times the action was requeued after its
	// owning worker died. Bounded by the dispatcher.
	Restarts int `json:"restarts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Dependency is one edge of the action dependency graph.
type Dependency struct {
	// ActionID is the dependent action.
	ActionID string `json:"action_id"`

	// DependsOn is the prerequisite action.
	DependsOn string `json:"depends_on"`

	// Tolerant exempts the dependent from transitive failure when the
	// prerequisite terminates unsuccessfully; the edge is simply removed.
	Tolerant bool `json:"tolerant,omitempty"`
}

// ActionData is the typed scratch structure policies negotiate through.
// Each topic is owned by one policy family; a nil topic means no upstream
// decision exists yet. Writers must check before writing (first-writer-wins).
type ActionData struct {
	// Status and Reason let a hook abort the action before the body runs.
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`

	Deletion  *DeletionData  `json:"deletion,omitempty"`
	Creation  *CreationData  `json:"creation,omitempty"`
	Placement *PlacementData `json:"placement,omitempty"`
	Health    *HealthData    `json:"health,omitempty"`
}

// DataStatusError is the Data.Status value that aborts the action.
const DataStatusError = "ERROR"

// Rejected reports whether a hook has aborted the action.
func (d *ActionData) Rejected() bool {
	return d.Status == DataStatusError
}

// Reject aborts the action with the given reason. The first rejection wins.
func (d *ActionData) Reject(reason string) {
	if d.Rejected() {
		return
	}
	d.Status = DataStatusError
	d.Reason = reason
}

// SetDeletion records a deletion decision unless one already exists.
// It returns false when an upstream decision was left in place.
func (d *ActionData) SetDeletion(dd *DeletionData) bool {
	if d.Deletion != nil {
		return false
	}
	d.Deletion = dd
	return true
}

// SetCreation records a creation decision unless one already exists.
func (d *ActionData) SetCreation(cd *CreationData) bool {
	if d.Creation != nil {
		return false
	}
	d.Creation = cd
	return true
}

// SetPlacement records a placement decision unless one already exists.
func (d *ActionData) SetPlacement(pd *PlacementData) bool {
	if d.Placement != nil {
		return false
	}
	d.Placement = pd
	return true
}

// SetHealth records health metadata unless some already exists.
func (d *ActionData) SetHealth(hd *HealthData) bool {
	if d.Health != nil {
		return false
	}
	d.Health = hd
	return true
}

// DeletionData is the deletion topic: how many nodes to remove and which.
type DeletionData struct {
	// Count is the number of nodes to delete.
	Count int `json:"count"`

	// Candidates are the node ids selected for deletion.
	Candidates []string `json:"candidates,omitempty"`

	// Criteria records which selection criteria produced the candidates.
	Criteria string `json:"criteria,omitempty"`

	// Grace is a per-node grace period before destruction.
	Grace time.Duration `json:"grace,omitempty"`

	// ChildIDs are the forked NODE_DELETE action ids, recorded by the body
	// so a rerun after RETRY does not fork twice.
	ChildIDs []string `json:"child_ids,omitempty"`
}

// CreationData is the creation topic: how many nodes to add.
type CreationData struct {
	// Count is the number of nodes to create.
	Count int `json:"count"`

	// NodeIDs are the node records created for this action.
	NodeIDs []string `json:"node_ids,omitempty"`

	// ChildIDs are the forked NODE_CREATE action ids.
	ChildIDs []string `json:"child_ids,omitempty"`
}

// PlacementData is the placement topic: where new nodes should land.
type PlacementData struct {
	// Count is the number of placements computed.
	Count int `json:"count"`

	// Zones maps zone name to the number of nodes assigned to it.
	Zones map[string]int `json:"zones,omitempty"`
}

// HealthData is the health topic: detection and recovery metadata.
type HealthData struct {
	// Detected is when the triggering failure was observed.
	Detected time.Time `json:"detected,omitempty"`

	// Source names the detection strategy (poll, event).
	Source string `json:"source,omitempty"`

	// Recovery is the recovery operation applied (recreate, reboot).
	Recovery string `json:"recovery,omitempty"`

	// ChildIDs are forked recovery action ids.
	ChildIDs []string `json:"child_ids,omitempty"`
}

// ClusterStatus enumerates cluster and node resource states.
type ClusterStatus string

const (
	ClusterInit     ClusterStatus = "INIT"
	ClusterActive   ClusterStatus = "ACTIVE"
	ClusterCreating ClusterStatus = "CREATING"
	ClusterUpdating ClusterStatus = "UPDATING"
	ClusterDeleting ClusterStatus = "DELETING"
	ClusterWarning  ClusterStatus = "WARNING"
	ClusterError    ClusterStatus = "ERROR"
	ClusterCritical ClusterStatus = "CRITICAL"
)

// Cluster is a long-lived record of a group of homogeneous nodes.
type Cluster struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	ProfileID       string        `json:"profile_id"`
	DesiredCapacity int           `json:"desired_capacity"`
	MinSize         int           `json:"min_size"`
	MaxSize         int           `json:"max_size"`
	Status          ClusterStatus `json:"status"`
	StatusReason    string        `json:"status_reason,omitempty"`

	// Runtime is a cached view of the cluster's profile, members, and
	// attached policies, valid while an action holds the cluster's lock.
	Runtime *ClusterRuntime `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClusterRuntime caches referenced objects to avoid redundant reads while
// an action holds the cluster lock.
type ClusterRuntime struct {
	Profile  *Profile  `json:"profile,omitempty"`
	Nodes    []*Node   `json:"nodes,omitempty"`
	Bindings []Binding `json:"bindings,omitempty"`
}

// Node is a single managed resource, optionally a member of one cluster.
type Node struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ClusterID string `json:"cluster_id,omitempty"`

	// Index is unique within the node's cluster; -1 when orphan.
	Index int `json:"index"`

	ProfileID string `json:"profile_id"`

	// PhysicalID is the backend resource id returned by the driver.
	PhysicalID string `json:"physical_id,omitempty"`

	Status       ClusterStatus `json:"status"`
	StatusReason string        `json:"status_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Profile is an immutable specification used to create the physical
// resource backing a node.
type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Driver string `json:"driver"`

	// Spec is the driver-specific resource specification, validated
	// against the profile schema at creation time.
	Spec json.RawMessage `json:"spec"`

	CreatedAt time.Time `json:"created_at"`
}

// PolicyObject is an immutable policy specification with an enforcement level.
type PolicyObject struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Type selects the concrete policy implementation from the registry.
	Type string `json:"type"`

	// Priority is the default pipeline position; lower runs first.
	Priority int `json:"priority"`

	// Spec is the type-specific configuration blob.
	Spec json.RawMessage `json:"spec"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Binding attaches a policy object to a cluster.
type Binding struct {
	ClusterID string `json:"cluster_id"`
	PolicyID  string `json:"policy_id"`
	Enabled   bool   `json:"enabled"`

	// Priority overrides the policy object's default pipeline position.
	Priority int `json:"priority"`

	// Data is private binding state used to remember resources the policy
	// created (e.g. a watch registration) across the binding's lifetime.
	Data json.RawMessage `json:"data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lock is an advisory, reentrant, ownership-tagged lock on a cluster or
// node identifier.
type Lock struct {
	ObjectID string `json:"object_id"`

	// Owner is the worker identity holding the lock.
	Owner string `json:"owner"`

	// ActionID is the action on whose behalf the lock is held. Derived
	// actions may reuse a lock held by an ancestor in the same call chain.
	ActionID string `json:"action_id"`

	// Depth tracks reentrant acquisitions by the same owner.
	Depth int `json:"depth"`

	AcquiredAt time.Time `json:"acquired_at"`

	// ExpiresAt is the heartbeat deadline; stale locks past it are reclaimed.
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthEvent is an inbound node-failure notification from the health monitor.
type HealthEvent struct {
	Event            string    `json:"event"`
	TargetPhysicalID string    `json:"target_physical_id"`
	Timestamp        time.Time `json:"timestamp"`
}
