package engine

import (
	"context"
	"fmt"
	"time"
)

// setNodeStatus persists a node status change.
func setNodeStatus(ctx context.Context, ec *ExecContext, n *Node, status ClusterStatus, reason string) error {
	n.Status = status
	n.StatusReason = reason
	return ec.Store.UpdateNode(ctx, n)
}

// nodeCreate provisions the physical resource backing a node. The node
// record already exists; this body drives the backend call and records the
// physical id.
func nodeCreate(ctx context.Context, ec *ExecContext) (Result, string) {
	if err := ec.Checkpoint(ctx); err != nil {
		return checkpointResult(err)
	}

	n, err := ec.Store.GetNode(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("node not found: %v", err)
	}
	if n.PhysicalID != "" {
		// A previous attempt already provisioned the resource.
		return ResultOK, "node already provisioned"
	}

	drv, p, err := ec.driverFor(ctx, n.ProfileID)
	if err != nil {
		return ResultError, fmt.Sprintf("driver resolution failed: %v", err)
	}

	if err := setNodeStatus(ctx, ec, n, ClusterCreating, "provisioning"); err != nil {
		return ResultError, err.Error()
	}

	physicalID, err := drv.Create(ctx, p.Spec, ec.Action.Context)
	if err != nil {
		ec.SetOutputs(map[string]any{"error": err.Error()})
		if serr := setNodeStatus(ctx, ec, n, ClusterError, err.Error()); serr != nil {
			ec.Logger.Warn().Err(serr).Str("node", n.ID).Msg("failed to record node error status")
		}
		if IsTimeout(err) {
			return ResultTimeout, fmt.Sprintf("driver create timed out: %v", err)
		}
		return ResultError, fmt.Sprintf("driver create failed: %v", err)
	}

	n.PhysicalID = physicalID
	if err := setNodeStatus(ctx, ec, n, ClusterActive, "node created"); err != nil {
		return ResultError, err.Error()
	}
	ec.SetOutputs(map[string]any{"physical_id": physicalID})
	return ResultOK, "node created"
}

// nodeDelete destroys the physical resource and removes the node record.
// A missing physical id means provisioning never completed; the record is
// removed regardless.
func nodeDelete(ctx context.Context, ec *ExecContext) (Result, string) {
	if err := ec.Checkpoint(ctx); err != nil {
		return checkpointResult(err)
	}

	n, err := ec.Store.GetNode(ctx, ec.Action.Target)
	if err != nil {
		if IsNotFound(err) {
			return ResultOK, "node already gone"
		}
		return ResultError, err.Error()
	}

	if err := setNodeStatus(ctx, ec, n, ClusterDeleting, "destroying"); err != nil {
		return ResultError, err.Error()
	}

	if grace := deletionGrace(ec.Action); grace > 0 {
		select {
		case <-time.After(grace):
		case <-ctx.Done():
			return ResultTimeout, "deadline exceeded during grace period"
		}
	}

	if n.PhysicalID != "" {
		drv, _, err := ec.driverFor(ctx, n.ProfileID)
		if err != nil {
			return ResultError, fmt.Sprintf("driver resolution failed: %v", err)
		}
		if err := drv.Delete(ctx, n.PhysicalID); err != nil && !IsNotFound(err) {
			ec.SetOutputs(map[string]any{"error": err.Error()})
			return ResultError, fmt.Sprintf("driver delete failed: %v", err)
		}
	}

	if err := ec.Store.DeleteNode(ctx, n.ID); err != nil {
		return ResultError, err.Error()
	}
	return ResultOK, "node deleted"
}

// deletionGrace reads the per-node grace period from the parent's deletion
// decision, propagated through the derived action's scratch data.
func deletionGrace(a *Action) time.Duration {
	if a.Data.Deletion != nil {
		return a.Data.Deletion.Grace
	}
	return 0
}

type nodeUpdateInputs struct {
	Name string `json:"name,omitempty"`
}

// nodeUpdate pushes the profile spec to the backend and applies metadata
// changes to the node record.
func nodeUpdate(ctx context.Context, ec *ExecContext) (Result, string) {
	var in nodeUpdateInputs
	if err := decodeInputs(ec.Action, &in); err != nil {
		return ResultError, err.Error()
	}

	n, err := ec.Store.GetNode(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("node not found: %v", err)
	}

	if err := setNodeStatus(ctx, ec, n, ClusterUpdating, "updating"); err != nil {
		return ResultError, err.Error()
	}

	if n.PhysicalID != "" {
		drv, p, err := ec.driverFor(ctx, n.ProfileID)
		if err != nil {
			return ResultError, fmt.Sprintf("driver resolution failed: %v", err)
		}
		if err := drv.Update(ctx, n.PhysicalID, p.Spec); err != nil {
			ec.SetOutputs(map[string]any{"error": err.Error()})
			if serr := setNodeStatus(ctx, ec, n, ClusterError, err.Error()); serr != nil {
				ec.Logger.Warn().Err(serr).Str("node", n.ID).Msg("failed to record node error status")
			}
			return ResultError, fmt.Sprintf("driver update failed: %v", err)
		}
	}

	if in.Name != "" {
		n.Name = in.Name
	}
	if err := setNodeStatus(ctx, ec, n, ClusterActive, "node updated"); err != nil {
		return ResultError, err.Error()
	}
	return ResultOK, "node updated"
}

type nodeJoinInputs struct {
	ClusterID string `json:"cluster_id"`
}

// nodeJoin makes an orphan node a member of a cluster, assigning the next
// free index.
func nodeJoin(ctx context.Context, ec *ExecContext) (Result, string) {
	var in nodeJoinInputs
	if err := decodeInputs(ec.Action, &in); err != nil {
		return ResultError, err.Error()
	}
	if in.ClusterID == "" {
		return ResultError, "cluster_id is required"
	}

	n, err := ec.Store.GetNode(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("node not found: %v", err)
	}
	if n.ClusterID != "" {
		return ResultError, fmt.Sprintf("node is already a member of cluster %s", n.ClusterID)
	}

	c, err := ec.Store.GetCluster(ctx, in.ClusterID)
	if err != nil {
		return ResultError, fmt.Sprintf("cluster not found: %v", err)
	}
	if c.ProfileID != n.ProfileID {
		return ResultError, "node profile does not match cluster profile"
	}

	members, err := ec.Store.ListNodes(ctx, c.ID)
	if err != nil {
		return ResultError, err.Error()
	}

	n.ClusterID = c.ID
	n.Index = nextNodeIndex(members)
	if err := ec.Store.UpdateNode(ctx, n); err != nil {
		return ResultError, err.Error()
	}
	return ResultOK, fmt.Sprintf("node joined cluster %s", c.Name)
}

// nodeLeave removes a node from its cluster without destroying it.
func nodeLeave(ctx context.Context, ec *ExecContext) (Result, string) {
	n, err := ec.Store.GetNode(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("node not found: %v", err)
	}
	if n.ClusterID == "" {
		return ResultOK, "node is not a cluster member"
	}

	n.ClusterID = ""
	n.Index = -1
	if err := ec.Store.UpdateNode(ctx, n); err != nil {
		return ResultError, err.Error()
	}
	return ResultOK, "node left cluster"
}

// nodeCheck refreshes the node's status from the backend's view.
func nodeCheck(ctx context.Context, ec *ExecContext) (Result, string) {
	n, err := ec.Store.GetNode(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("node not found: %v", err)
	}
	if n.PhysicalID == "" {
		if err := setNodeStatus(ctx, ec, n, ClusterError, "no physical resource"); err != nil {
			return ResultError, err.Error()
		}
		return ResultOK, "node has no physical resource"
	}

	drv, _, err := ec.driverFor(ctx, n.ProfileID)
	if err != nil {
		return ResultError, fmt.Sprintf("driver resolution failed: %v", err)
	}

	status, err := drv.Status(ctx, n.PhysicalID)
	if err != nil {
		if IsNotFound(err) {
			status = ClusterError
		} else {
			return ResultError, fmt.Sprintf("driver status failed: %v", err)
		}
	}

	reason := fmt.Sprintf("backend reports %s", status)
	if err := setNodeStatus(ctx, ec, n, status, reason); err != nil {
		return ResultError, err.Error()
	}
	ec.SetOutputs(map[string]any{"status": status})
	return ResultOK, reason
}

// nodeRecover recreates the physical resource behind a node: destroy the
// old one (ignoring a backend that already lost it), provision a fresh one,
// keep the node identity and index.
func nodeRecover(ctx context.Context, ec *ExecContext) (Result, string) {
	if err := ec.Checkpoint(ctx); err != nil {
		return checkpointResult(err)
	}

	n, err := ec.Store.GetNode(ctx, ec.Action.Target)
	if err != nil {
		return ResultError, fmt.Sprintf("node not found: %v", err)
	}

	drv, p, err := ec.driverFor(ctx, n.ProfileID)
	if err != nil {
		return ResultError, fmt.Sprintf("driver resolution failed: %v", err)
	}

	if err := setNodeStatus(ctx, ec, n, ClusterUpdating, "recovering"); err != nil {
		return ResultError, err.Error()
	}

	if n.PhysicalID != "" {
		if err := drv.Delete(ctx, n.PhysicalID); err != nil && !IsNotFound(err) {
			ec.SetOutputs(map[string]any{"error": err.Error()})
			return ResultError, fmt.Sprintf("failed to destroy old resource: %v", err)
		}
		n.PhysicalID = ""
		if err := ec.Store.UpdateNode(ctx, n); err != nil {
			return ResultError, err.Error()
		}
	}

	if err := ec.Checkpoint(ctx); err != nil {
		return checkpointResult(err)
	}

	physicalID, err := drv.Create(ctx, p.Spec, ec.Action.Context)
	if err != nil {
		ec.SetOutputs(map[string]any{"error": err.Error()})
		if serr := setNodeStatus(ctx, ec, n, ClusterError, err.Error()); serr != nil {
			ec.Logger.Warn().Err(serr).Str("node", n.ID).Msg("failed to record node error status")
		}
		return ResultError, fmt.Sprintf("driver create failed: %v", err)
	}

	n.PhysicalID = physicalID
	if err := setNodeStatus(ctx, ec, n, ClusterActive, "node recovered"); err != nil {
		return ResultError, err.Error()
	}
	ec.SetOutputs(map[string]any{"physical_id": physicalID})
	return ResultOK, "node recovered"
}
