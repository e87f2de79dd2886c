package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.starlark.net/starlark"

	"github.com/openherd/openherd/pkg/engine"
)

// TypeScaling is the registry tag of the scaling policy.
const TypeScaling = "openherd.policy.scaling"

// Adjustment types.
const (
	AdjustExactCapacity      = "EXACT_CAPACITY"
	AdjustChangeInCapacity   = "CHANGE_IN_CAPACITY"
	AdjustChangeInPercentage = "CHANGE_IN_PERCENTAGE"
)

// Adjustment describes how a scaling event translates into a node count.
type Adjustment struct {
	// Type is one of the adjustment type constants.
	Type string `json:"type"`

	// Number is the adjustment magnitude: a capacity, a delta, or a
	// percentage depending on Type. Ignored when Expression is set.
	Number float64 `json:"number"`

	// MinStep floors the computed count for percentage adjustments.
	MinStep int `json:"min_step,omitempty"`

	// BestEffort clamps an out-of-bounds adjustment to the size limits
	// instead of rejecting the action.
	BestEffort bool `json:"best_effort,omitempty"`

	// Expression is an optional Starlark expression computing Number.
	// It sees current, desired, min_size, and max_size as integers.
	Expression string `json:"expression,omitempty"`
}

// ScalingSpec configures the scaling policy.
type ScalingSpec struct {
	// Event is the operation this policy governs: CLUSTER_SCALE_IN or
	// CLUSTER_SCALE_OUT.
	Event engine.Operation `json:"event"`

	Adjustment Adjustment `json:"adjustment"`
}

// Scaling computes and bounds the node count of a scaling event.
type Scaling struct {
	Base
	spec ScalingSpec
}

// NewScaling builds a scaling policy from its spec.
func NewScaling(spec json.RawMessage) (Policy, error) {
	var s ScalingSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, fmt.Errorf("invalid scaling spec: %w", err)
	}
	if s.Event != engine.OpClusterScaleIn && s.Event != engine.OpClusterScaleOut {
		return nil, fmt.Errorf("scaling policy event must be %s or %s, got %q",
			engine.OpClusterScaleIn, engine.OpClusterScaleOut, s.Event)
	}
	switch s.Adjustment.Type {
	case AdjustExactCapacity, AdjustChangeInCapacity, AdjustChangeInPercentage:
	case "":
		s.Adjustment.Type = AdjustChangeInCapacity
	default:
		return nil, fmt.Errorf("unknown adjustment type %q", s.Adjustment.Type)
	}
	return &Scaling{spec: s}, nil
}

// Type implements Policy.
func (p *Scaling) Type() string { return TypeScaling }

// Targets implements Policy.
func (p *Scaling) Targets() []Target {
	return []Target{{Operation: p.spec.Event, Phase: PhaseBefore}}
}

// PreOp computes the member count for the scaling event, validates it
// against the cluster's size limits, and writes the decision.
func (p *Scaling) PreOp(ctx context.Context, view *ClusterView, a *engine.Action) error {
	c := view.Cluster
	current := len(view.Nodes)

	number := p.spec.Adjustment.Number
	if expr := p.spec.Adjustment.Expression; expr != "" {
		v, err := evalExpression(expr, map[string]int{
			"current":  current,
			"desired":  c.DesiredCapacity,
			"min_size": c.MinSize,
			"max_size": c.MaxSize,
		})
		if err != nil {
			return fmt.Errorf("scaling expression failed: %w", err)
		}
		number = v
	}

	count := p.countFor(current, number)
	if count <= 0 {
		a.Data.Reject(fmt.Sprintf("scaling adjustment computed non-positive count %d", count))
		return nil
	}

	switch a.Operation {
	case engine.OpClusterScaleIn:
		if c.MinSize > 0 && current-count < c.MinSize {
			if !p.spec.Adjustment.BestEffort {
				a.Data.Reject(fmt.Sprintf("removing %d node(s) would break min size %d", count, c.MinSize))
				return nil
			}
			count = current - c.MinSize
		}
		if count > 0 && a.Data.Deletion == nil {
			a.Data.SetDeletion(&engine.DeletionData{Count: count})
		} else if d := a.Data.Deletion; d != nil && d.Count == 0 {
			d.Count = count
		}
	case engine.OpClusterScaleOut:
		if c.MaxSize > 0 && current+count > c.MaxSize {
			if !p.spec.Adjustment.BestEffort {
				a.Data.Reject(fmt.Sprintf("adding %d node(s) would break max size %d", count, c.MaxSize))
				return nil
			}
			count = c.MaxSize - current
		}
		if count > 0 {
			a.Data.SetCreation(&engine.CreationData{Count: count})
		}
	}

	if count <= 0 {
		a.Data.Reject("cluster already at its size limit")
	}
	return nil
}

// countFor translates the adjustment into a node count for the event.
func (p *Scaling) countFor(current int, number float64) int {
	switch p.spec.Adjustment.Type {
	case AdjustExactCapacity:
		target := int(number)
		if p.spec.Event == engine.OpClusterScaleIn {
			return current - target
		}
		return target - current
	case AdjustChangeInPercentage:
		count := int(math.Ceil(float64(current) * number / 100.0))
		if p.spec.Adjustment.MinStep > count {
			count = p.spec.Adjustment.MinStep
		}
		return count
	default: // CHANGE_IN_CAPACITY
		return int(number)
	}
}

// evalExpression evaluates a Starlark expression against integer variables
// and returns its numeric value.
func evalExpression(expr string, vars map[string]int) (float64, error) {
	thread := &starlark.Thread{
		Name: "scaling",
		Print: func(_ *starlark.Thread, _ string) {
			// Expressions have no business printing.
		},
	}
	env := make(starlark.StringDict, len(vars))
	for k, v := range vars {
		env[k] = starlark.MakeInt(v)
	}

	val, err := starlark.Eval(thread, "expression", expr, env)
	if err != nil {
		return 0, err
	}
	switch v := val.(type) {
	case starlark.Int:
		i, ok := v.Int64()
		if !ok {
			return 0, fmt.Errorf("expression result out of range")
		}
		return float64(i), nil
	case starlark.Float:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expression must return a number, got %s", val.Type())
	}
}
