package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/openherd/openherd/pkg/engine"
	"github.com/openherd/openherd/pkg/telemetry"
)

// Pipeline runs the hooks of a cluster's bound policies around action
// bodies. It implements engine.HookRunner. Hooks run in ascending binding
// priority; the pass halts as soon as one hook rejects the action.
type Pipeline struct {
	store  engine.Store
	reg    *Registry
	tel    *telemetry.Telemetry
	logger zerolog.Logger
}

// NewPipeline wires a pipeline.
func NewPipeline(store engine.Store, reg *Registry, tel *telemetry.Telemetry) *Pipeline {
	return &Pipeline{
		store:  store,
		reg:    reg,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("policy-pipeline").Zerolog(),
	}
}

// PreOp runs BEFORE hooks. Only cluster operations carry a pipeline; node
// actions derived from them inherit their parent's decisions through Data.
func (pl *Pipeline) PreOp(ctx context.Context, a *engine.Action) error {
	return pl.run(ctx, a, PhaseBefore)
}

// PostOp runs AFTER hooks.
func (pl *Pipeline) PostOp(ctx context.Context, a *engine.Action) error {
	return pl.run(ctx, a, PhaseAfter)
}

func (pl *Pipeline) run(ctx context.Context, a *engine.Action, phase string) error {
	if !a.Operation.IsClusterOp() {
		return nil
	}

	c, err := pl.store.GetCluster(ctx, a.Target)
	if err != nil {
		// The AFTER pass of CLUSTER_DELETE sees no cluster record.
		if engine.IsNotFound(err) {
			return nil
		}
		return err
	}

	bindings, err := pl.store.ListBindings(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to list bindings: %w", err)
	}
	if len(bindings) == 0 {
		return nil
	}
	sort.SliceStable(bindings, func(i, j int) bool {
		return bindings[i].Priority < bindings[j].Priority
	})

	nodes, err := pl.store.ListNodes(ctx, c.ID)
	if err != nil {
		return err
	}
	view := &ClusterView{Cluster: c, Nodes: nodes}

	for i := range bindings {
		b := &bindings[i]
		if !b.Enabled {
			continue
		}
		po, err := pl.store.GetPolicy(ctx, b.PolicyID)
		if err != nil {
			return err
		}
		if !pl.reg.Known(po.Type) {
			pl.logger.Warn().
				Str("policy", po.Name).
				Str("type", po.Type).
				Msg("skipping binding with unknown policy type")
			continue
		}
		p, err := pl.reg.Build(po.Type, po.Spec)
		if err != nil {
			return fmt.Errorf("failed to build policy %s: %w", po.Name, err)
		}
		if !subscribed(p, a.Operation, phase) {
			continue
		}

		pl.tel.Metrics.RecordPolicyEvaluation(po.Name, phase)
		if phase == PhaseBefore {
			err = p.PreOp(ctx, view, a)
		} else {
			err = p.PostOp(ctx, view, a)
		}
		if err != nil {
			return fmt.Errorf("policy %s %s hook failed: %w", po.Name, phase, err)
		}

		if a.Data.Rejected() {
			pl.tel.Metrics.RecordPolicyRejection(po.Name)
			_ = pl.tel.Events.PublishPolicyRejection(a.ID, po.Name, a.Data.Reason)
			pl.logger.Info().
				Str("action", a.ID).
				Str("policy", po.Name).
				Str("reason", a.Data.Reason).
				Msg("action rejected by policy")
			return nil
		}
	}
	return nil
}

// Attach runs the policy's attach hook for a new binding.
func (pl *Pipeline) Attach(ctx context.Context, c *engine.Cluster, b *engine.Binding) error {
	p, err := pl.buildFor(ctx, b)
	if err != nil {
		return err
	}
	return p.Attach(ctx, c, b)
}

// Detach runs the policy's detach hook for a removed binding.
func (pl *Pipeline) Detach(ctx context.Context, c *engine.Cluster, b *engine.Binding) error {
	p, err := pl.buildFor(ctx, b)
	if err != nil {
		return err
	}
	return p.Detach(ctx, c, b)
}

func (pl *Pipeline) buildFor(ctx context.Context, b *engine.Binding) (Policy, error) {
	po, err := pl.store.GetPolicy(ctx, b.PolicyID)
	if err != nil {
		return nil, err
	}
	return pl.reg.Build(po.Type, po.Spec)
}
