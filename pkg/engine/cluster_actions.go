package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// defaultLifecycleBound is how long a deletion-style parent waits in
// WAITING_LIFECYCLE_COMPLETION before being forced back to READY.
const defaultLifecycleBound = 5 * time.Minute

// decodeInputs unmarshals the caller-supplied parameters.
func decodeInputs(a *Action, v any) error {
	if len(a.Inputs) == 0 {
		return nil
	}
	if err := json.Unmarshal(a.Inputs, v); err != nil {
		return NewPermanentError("malformed inputs", err).WithCode(ErrCodeValidation)
	}
	return nil
}

// setClusterStatus persists a cluster status change.
func setClusterStatus(ctx context.Context, ec *ExecContext, c *Cluster, status ClusterStatus, reason string) error {
	c.Status = status
	c.StatusReason = reason
	return ec.Store.UpdateCluster(ctx, c)
}

// nextNodeIndex returns the smallest index not used by current members.
func nextNodeIndex(nodes []*Node) int {
	used := make(map[int]bool, len(nodes))
	for _, n := range nodes {
		used[n.Index] = true
	}
	for i := 1; ; i++ {
		if !used[i] {
			return i
		}
	}
}

// oldestFirst returns member node ids ordered by creation time.
func oldestFirst(nodes []*Node) []string {
	sorted := append([]*Node{}, nodes...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	ids := make([]string, len(sorted))
	for i, n := range sorted {
		ids[i] = n.ID
	}
	return ids
}

// forkNodeCreates creates count node records and NODE_CREATE children.
func forkNodeCreates(ctx context.Context, ec *ExecContext, c *Cluster, count int) (*CreationData, error) {
	nodes, err := ec.Store.ListNodes(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	cd := &CreationData{Count: count}
	children := make([]*Action, 0, count)
	for i := 0; i < count; i++ {
		idx := nextNodeIndex(nodes)
		n := &Node{
			ID:        uuid.New().String(),
			Name:      fmt.Sprintf("%s-node-%d", c.Name, idx),
			ClusterID: c.ID,
			Index:     idx,
			ProfileID: c.ProfileID,
			Status:    ClusterInit,
		}
		if err := ec.Store.CreateNode(ctx, n); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
		cd.NodeIDs = append(cd.NodeIDs, n.ID)
		children = append(children, &Action{
			Operation: OpNodeCreate,
			Target:    n.ID,
		})
	}

	ids, err := ec.Fork(ctx, children, false)
	if err != nil {
		return nil, err
	}
	cd.ChildIDs = ids
	return cd, nil
}

// forkNodeDeletes creates NODE_DELETE children for the given candidates.
func forkNodeDeletes(ctx context.Context, ec *ExecContext, candidates []string, tolerant bool) ([]string, error) {
	children := make([]*Action, 0, len(candidates))
	for _, id := range candidates {
		children = append(children, &Action{
			Operation: OpNodeDelete,
			Target:    id,
		})
	}
	return ec.Fork(ctx, children, tolerant)
}

// clusterCreate creates the cluster's initial members. Phase 1 forks one
// NODE_CREATE per desired node and parks the parent; phase 2, entered once
// every child succeeded, activates the cluster.
func clusterCreate(ctx context.Context, ec *ExecContext) (Result, string) {
	if err := ec.Checkpoint(ctx); err != nil {
		return checkpointResult(err)
	}

	c, err := ec.Store.GetCluster(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("cluster not found: %v", err)
	}

	if ec.Action.Data.Creation == nil {
		if err := setClusterStatus(ctx, ec, c, ClusterCreating, "creating members"); err != nil {
			return ResultError, err.Error()
		}
		count := c.DesiredCapacity
		if p := ec.Action.Data.Placement; p != nil && p.Count > 0 {
			count = p.Count
		}
		cd, err := forkNodeCreates(ctx, ec, c, count)
		if err != nil {
			return ResultError, fmt.Sprintf("failed to fork node creation: %v", err)
		}
		ec.Action.Data.SetCreation(cd)
		if err := ec.SaveData(ctx); err != nil {
			return ResultError, err.Error()
		}
		return ResultRetry, fmt.Sprintf("waiting for %d node(s)", count)
	}

	// Phase 2: children terminated successfully or this action would have
	// been failed transitively.
	if err := setClusterStatus(ctx, ec, c, ClusterActive, "cluster created"); err != nil {
		return ResultError, err.Error()
	}
	ec.SetOutputs(map[string]any{"nodes": ec.Action.Data.Creation.NodeIDs})
	return ResultOK, "cluster created"
}

// clusterDelete tears down all members, waiting in lifecycle completion,
// then detaches policies and removes the cluster record.
func clusterDelete(ctx context.Context, ec *ExecContext) (Result, string) {
	if err := ec.Checkpoint(ctx); err != nil {
		return checkpointResult(err)
	}

	c, err := ec.Store.GetCluster(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("cluster not found: %v", err)
	}

	d := ec.Action.Data.Deletion
	if d == nil || len(d.ChildIDs) == 0 {
		if err := setClusterStatus(ctx, ec, c, ClusterDeleting, "deleting members"); err != nil {
			return ResultError, err.Error()
		}
		nodes, err := ec.Store.ListNodes(ctx, c.ID)
		if err != nil {
			return ResultError, err.Error()
		}
		if len(nodes) > 0 {
			candidates := oldestFirst(nodes)
			ids, err := forkNodeDeletes(ctx, ec, candidates, false)
			if err != nil {
				return ResultError, fmt.Sprintf("failed to fork node deletion: %v", err)
			}
			if d == nil {
				d = &DeletionData{Count: len(candidates), Candidates: candidates}
				ec.Action.Data.SetDeletion(d)
			}
			d.ChildIDs = ids
			if err := ec.SaveData(ctx); err != nil {
				return ResultError, err.Error()
			}
			ec.RequestLifecycleWait(defaultLifecycleBound)
			return ResultRetry, fmt.Sprintf("waiting for %d node deletion(s)", len(ids))
		}
	}

	bindings, err := ec.Store.ListBindings(ctx, c.ID)
	if err != nil {
		return ResultError, err.Error()
	}
	for i := range bindings {
		if err := ec.Hooks.Detach(ctx, c, &bindings[i]); err != nil {
			return ResultError, fmt.Sprintf("policy detach failed: %v", err)
		}
		if err := ec.Store.DeleteBinding(ctx, c.ID, bindings[i].PolicyID); err != nil {
			return ResultError, err.Error()
		}
	}

	if err := ec.Store.DeleteCluster(ctx, c.ID); err != nil {
		return ResultError, err.Error()
	}
	return ResultOK, "cluster deleted"
}

type clusterUpdateInputs struct {
	Name    string `json:"name,omitempty"`
	MinSize *int   `json:"min_size,omitempty"`
	MaxSize *int   `json:"max_size,omitempty"`
}

// clusterUpdate applies metadata changes to the cluster record.
func clusterUpdate(ctx context.Context, ec *ExecContext) (Result, string) {
	var in clusterUpdateInputs
	if err := decodeInputs(ec.Action, &in); err != nil {
		return ResultError, err.Error()
	}

	c, err := ec.Store.GetCluster(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("cluster not found: %v", err)
	}

	prev := c.Status
	if err := setClusterStatus(ctx, ec, c, ClusterUpdating, "updating"); err != nil {
		return ResultError, err.Error()
	}
	if in.Name != "" {
		c.Name = in.Name
	}
	if in.MinSize != nil {
		c.MinSize = *in.MinSize
	}
	if in.MaxSize != nil {
		c.MaxSize = *in.MaxSize
	}
	if err := setClusterStatus(ctx, ec, c, prev, "updated"); err != nil {
		return ResultError, err.Error()
	}
	return ResultOK, "cluster updated"
}

type resizeInputs struct {
	DesiredCapacity int `json:"desired_capacity"`
}

// clusterResize moves the cluster to an exact capacity, growing or
// shrinking as needed.
func clusterResize(ctx context.Context, ec *ExecContext) (Result, string) {
	c, err := ec.Store.GetCluster(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("cluster not found: %v", err)
	}

	var in resizeInputs
	if err := decodeInputs(ec.Action, &in); err != nil {
		return ResultError, err.Error()
	}

	nodes, err := ec.Store.ListNodes(ctx, c.ID)
	if err != nil {
		return ResultError, err.Error()
	}
	delta := in.DesiredCapacity - len(nodes)

	switch {
	case delta > 0:
		return growCluster(ctx, ec, c, delta, in.DesiredCapacity)
	case delta < 0:
		return shrinkCluster(ctx, ec, c, -delta, in.DesiredCapacity)
	default:
		return ResultOK, "cluster already at desired capacity"
	}
}

type scaleInputs struct {
	Count int `json:"count,omitempty"`
}

// clusterScaleIn removes nodes from the cluster. The deletion policy
// usually selected the victims in its pre-op hook; without one the oldest
// members are taken.
func clusterScaleIn(ctx context.Context, ec *ExecContext) (Result, string) {
	if err := ec.Checkpoint(ctx); err != nil {
		return checkpointResult(err)
	}

	c, err := ec.Store.GetCluster(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("cluster not found: %v", err)
	}

	var in scaleInputs
	if err := decodeInputs(ec.Action, &in); err != nil {
		return ResultError, err.Error()
	}
	count := in.Count
	if count <= 0 {
		count = 1
	}
	if d := ec.Action.Data.Deletion; d != nil && d.Count > 0 {
		count = d.Count
	}
	return shrinkCluster(ctx, ec, c, count, c.DesiredCapacity-count)
}

// clusterScaleOut adds nodes to the cluster.
func clusterScaleOut(ctx context.Context, ec *ExecContext) (Result, string) {
	if err := ec.Checkpoint(ctx); err != nil {
		return checkpointResult(err)
	}

	c, err := ec.Store.GetCluster(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("cluster not found: %v", err)
	}

	var in scaleInputs
	if err := decodeInputs(ec.Action, &in); err != nil {
		return ResultError, err.Error()
	}
	count := in.Count
	if count <= 0 {
		count = 1
	}
	if cr := ec.Action.Data.Creation; cr != nil && cr.Count > 0 && len(cr.ChildIDs) == 0 {
		count = cr.Count
	}
	return growCluster(ctx, ec, c, count, c.DesiredCapacity+count)
}

// growCluster is the shared scale-out implementation.
func growCluster(ctx context.Context, ec *ExecContext, c *Cluster, count, newCapacity int) (Result, string) {
	cr := ec.Action.Data.Creation
	if cr == nil || len(cr.ChildIDs) == 0 {
		if c.MaxSize > 0 && newCapacity > c.MaxSize {
			return ResultError, fmt.Sprintf("capacity %d exceeds max size %d", newCapacity, c.MaxSize)
		}
		if err := setClusterStatus(ctx, ec, c, ClusterUpdating, "adding members"); err != nil {
			return ResultError, err.Error()
		}
		forked, err := forkNodeCreates(ctx, ec, c, count)
		if err != nil {
			return ResultError, fmt.Sprintf("failed to fork node creation: %v", err)
		}
		if cr == nil {
			ec.Action.Data.SetCreation(forked)
		} else {
			cr.NodeIDs = forked.NodeIDs
			cr.ChildIDs = forked.ChildIDs
		}
		if err := ec.SaveData(ctx); err != nil {
			return ResultError, err.Error()
		}
		return ResultRetry, fmt.Sprintf("waiting for %d node(s)", count)
	}

	c.DesiredCapacity = newCapacity
	if err := setClusterStatus(ctx, ec, c, ClusterActive, "scaled out"); err != nil {
		return ResultError, err.Error()
	}
	ec.SetOutputs(map[string]any{"added": cr.NodeIDs})
	return ResultOK, fmt.Sprintf("added %d node(s)", cr.Count)
}

// shrinkCluster is the shared scale-in implementation.
func shrinkCluster(ctx context.Context, ec *ExecContext, c *Cluster, count, newCapacity int) (Result, string) {
	d := ec.Action.Data.Deletion
	if d == nil || len(d.ChildIDs) == 0 {
		if c.MinSize > 0 && newCapacity < c.MinSize {
			return ResultError, fmt.Sprintf("capacity %d below min size %d", newCapacity, c.MinSize)
		}
		if newCapacity < 0 {
			return ResultError, "cannot shrink below zero"
		}

		candidates := []string{}
		if d != nil {
			candidates = d.Candidates
		}
		if len(candidates) == 0 {
			nodes, err := ec.Store.ListNodes(ctx, c.ID)
			if err != nil {
				return ResultError, err.Error()
			}
			all := oldestFirst(nodes)
			if count > len(all) {
				count = len(all)
			}
			candidates = all[:count]
		}

		if err := setClusterStatus(ctx, ec, c, ClusterUpdating, "removing members"); err != nil {
			return ResultError, err.Error()
		}
		ids, err := forkNodeDeletes(ctx, ec, candidates, false)
		if err != nil {
			return ResultError, fmt.Sprintf("failed to fork node deletion: %v", err)
		}
		if d == nil {
			d = &DeletionData{Count: len(candidates), Candidates: candidates}
			ec.Action.Data.SetDeletion(d)
		}
		d.ChildIDs = ids
		if err := ec.SaveData(ctx); err != nil {
			return ResultError, err.Error()
		}
		return ResultRetry, fmt.Sprintf("waiting for %d node deletion(s)", len(ids))
	}

	c.DesiredCapacity = newCapacity
	if c.DesiredCapacity < 0 {
		c.DesiredCapacity = 0
	}
	if err := setClusterStatus(ctx, ec, c, ClusterActive, "scaled in"); err != nil {
		return ResultError, err.Error()
	}
	ec.SetOutputs(map[string]any{"removed": d.Candidates})
	return ResultOK, fmt.Sprintf("removed %d node(s)", d.Count)
}

// clusterCheck fans out NODE_CHECK to every member (tolerant edges: a
// failed check must not fail the parent), then aggregates member statuses
// into the cluster status.
func clusterCheck(ctx context.Context, ec *ExecContext) (Result, string) {
	c, err := ec.Store.GetCluster(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("cluster not found: %v", err)
	}

	h := ec.Action.Data.Health
	if h == nil || len(h.ChildIDs) == 0 {
		nodes, err := ec.Store.ListNodes(ctx, c.ID)
		if err != nil {
			return ResultError, err.Error()
		}
		children := make([]*Action, 0, len(nodes))
		for _, n := range nodes {
			children = append(children, &Action{Operation: OpNodeCheck, Target: n.ID})
		}
		if len(children) == 0 {
			return ResultOK, "no members to check"
		}
		ids, err := ec.Fork(ctx, children, true)
		if err != nil {
			return ResultError, err.Error()
		}
		if h == nil {
			h = &HealthData{Source: "check"}
			ec.Action.Data.SetHealth(h)
		}
		h.ChildIDs = ids
		if err := ec.SaveData(ctx); err != nil {
			return ResultError, err.Error()
		}
		return ResultRetry, fmt.Sprintf("checking %d node(s)", len(ids))
	}

	nodes, err := ec.Store.ListNodes(ctx, c.ID)
	if err != nil {
		return ResultError, err.Error()
	}
	status, reason := aggregateMemberStatus(nodes)
	if err := setClusterStatus(ctx, ec, c, status, reason); err != nil {
		return ResultError, err.Error()
	}
	return ResultOK, reason
}

// clusterRecover fans out NODE_RECOVER to every unhealthy member.
func clusterRecover(ctx context.Context, ec *ExecContext) (Result, string) {
	c, err := ec.Store.GetCluster(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("cluster not found: %v", err)
	}

	h := ec.Action.Data.Health
	if h == nil || len(h.ChildIDs) == 0 {
		nodes, err := ec.Store.ListNodes(ctx, c.ID)
		if err != nil {
			return ResultError, err.Error()
		}
		children := []*Action{}
		for _, n := range nodes {
			if n.Status == ClusterActive {
				continue
			}
			children = append(children, &Action{Operation: OpNodeRecover, Target: n.ID})
		}
		if len(children) == 0 {
			if err := setClusterStatus(ctx, ec, c, ClusterActive, "all members healthy"); err != nil {
				return ResultError, err.Error()
			}
			return ResultOK, "nothing to recover"
		}
		ids, err := ec.Fork(ctx, children, true)
		if err != nil {
			return ResultError, err.Error()
		}
		if h == nil {
			h = &HealthData{Source: "recover", Recovery: "RECREATE"}
			ec.Action.Data.SetHealth(h)
		}
		h.ChildIDs = ids
		if err := ec.SaveData(ctx); err != nil {
			return ResultError, err.Error()
		}
		return ResultRetry, fmt.Sprintf("recovering %d node(s)", len(ids))
	}

	nodes, err := ec.Store.ListNodes(ctx, c.ID)
	if err != nil {
		return ResultError, err.Error()
	}
	status, reason := aggregateMemberStatus(nodes)
	if err := setClusterStatus(ctx, ec, c, status, reason); err != nil {
		return ResultError, err.Error()
	}
	return ResultOK, reason
}

// aggregateMemberStatus folds member statuses into a cluster status.
func aggregateMemberStatus(nodes []*Node) (ClusterStatus, string) {
	healthy := 0
	for _, n := range nodes {
		if n.Status == ClusterActive {
			healthy++
		}
	}
	switch {
	case len(nodes) == 0 || healthy == len(nodes):
		return ClusterActive, "all members active"
	case healthy == 0:
		return ClusterError, "no active members"
	default:
		return ClusterWarning, fmt.Sprintf("%d of %d members active", healthy, len(nodes))
	}
}

type policyBindInputs struct {
	PolicyID string `json:"policy_id"`
	Priority *int   `json:"priority,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

// clusterAttachPolicy creates a binding and runs the policy's Attach hook.
func clusterAttachPolicy(ctx context.Context, ec *ExecContext) (Result, string) {
	var in policyBindInputs
	if err := decodeInputs(ec.Action, &in); err != nil {
		return ResultError, err.Error()
	}

	c, err := ec.Store.GetCluster(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("cluster not found: %v", err)
	}
	p, err := ec.Store.GetPolicy(ctx, in.PolicyID)
	if err != nil {
		return ResultError, fmt.Sprintf("policy not found: %v", err)
	}

	b := &Binding{
		ClusterID: c.ID,
		PolicyID:  p.ID,
		Enabled:   true,
		Priority:  p.Priority,
	}
	if in.Priority != nil {
		b.Priority = *in.Priority
	}
	if in.Enabled != nil {
		b.Enabled = *in.Enabled
	}

	if err := ec.Hooks.Attach(ctx, c, b); err != nil {
		return ResultError, fmt.Sprintf("policy attach failed: %v", err)
	}
	if err := ec.Store.CreateBinding(ctx, b); err != nil {
		return ResultError, err.Error()
	}
	return ResultOK, fmt.Sprintf("policy %s attached", p.Name)
}

// clusterDetachPolicy runs the policy's Detach hook and removes the binding.
func clusterDetachPolicy(ctx context.Context, ec *ExecContext) (Result, string) {
	var in policyBindInputs
	if err := decodeInputs(ec.Action, &in); err != nil {
		return ResultError, err.Error()
	}

	c, err := ec.Store.GetCluster(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("cluster not found: %v", err)
	}
	b, err := ec.Store.GetBinding(ctx, c.ID, in.PolicyID)
	if err != nil {
		return ResultError, fmt.Sprintf("binding not found: %v", err)
	}

	if err := ec.Hooks.Detach(ctx, c, b); err != nil {
		return ResultError, fmt.Sprintf("policy detach failed: %v", err)
	}
	if err := ec.Store.DeleteBinding(ctx, c.ID, in.PolicyID); err != nil {
		return ResultError, err.Error()
	}
	return ResultOK, "policy detached"
}

// clusterUpdatePolicy toggles or reprioritizes an existing binding.
func clusterUpdatePolicy(ctx context.Context, ec *ExecContext) (Result, string) {
	var in policyBindInputs
	if err := decodeInputs(ec.Action, &in); err != nil {
		return ResultError, err.Error()
	}

	b, err := ec.Store.GetBinding(ctx, ec.Action.Target, in.PolicyID)
	if err != nil {
		return ResultError, fmt.Sprintf("binding not found: %v", err)
	}
	if in.Enabled != nil {
		b.Enabled = *in.Enabled
	}
	if in.Priority != nil {
		b.Priority = *in.Priority
	}
	if err := ec.Store.UpdateBinding(ctx, b); err != nil {
		return ResultError, err.Error()
	}
	return ResultOK, "binding updated"
}

// checkpointResult maps a checkpoint error to a body result.
func checkpointResult(err error) (Result, string) {
	if errors.Is(err, ErrCancelled) {
		return ResultCancel, "cancelled by control signal"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ResultTimeout, "deadline exceeded"
	}
	return ResultError, err.Error()
}
