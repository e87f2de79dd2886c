// Package policy implements the hook pipeline that runs around action
// bodies, and the builtin policy implementations a cluster can bind:
// deletion, scaling, placement, and health. Policies negotiate through the
// action's typed Data structure; the first writer of a topic wins.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openherd/openherd/pkg/engine"
)

// Phase identifies where in the action lifecycle a hook runs.
const (
	PhaseBefore = "BEFORE"
	PhaseAfter  = "AFTER"
)

// Target is one operation/phase combination a policy subscribes to.
type Target struct {
	Operation engine.Operation
	Phase     string
}

// ClusterView is the read snapshot a hook evaluates against: the cluster
// record and its current members, loaded once per pipeline pass.
type ClusterView struct {
	Cluster *engine.Cluster
	Nodes   []*engine.Node
}

// Policy is one policy implementation. A policy instance is built from a
// policy object's spec and is stateless between invocations; binding-level
// state lives in the binding's Data blob.
type Policy interface {
	// Type returns the registry tag this policy is built from.
	Type() string

	// Targets lists the operation/phase pairs this policy hooks.
	Targets() []Target

	// Attach runs when a binding is created. It may write binding state.
	Attach(ctx context.Context, c *engine.Cluster, b *engine.Binding) error

	// Detach runs when a binding is removed.
	Detach(ctx context.Context, c *engine.Cluster, b *engine.Binding) error

	// PreOp runs before the action body, mutating the action's Data.
	PreOp(ctx context.Context, view *ClusterView, a *engine.Action) error

	// PostOp runs after a successful body.
	PostOp(ctx context.Context, view *ClusterView, a *engine.Action) error
}

// Base provides no-op hook implementations so concrete policies only
// override what they use.
type Base struct{}

func (Base) Attach(context.Context, *engine.Cluster, *engine.Binding) error { return nil }
func (Base) Detach(context.Context, *engine.Cluster, *engine.Binding) error { return nil }
func (Base) PreOp(context.Context, *ClusterView, *engine.Action) error      { return nil }
func (Base) PostOp(context.Context, *ClusterView, *engine.Action) error     { return nil }

// Factory builds a policy instance from a policy object's spec.
type Factory func(spec json.RawMessage) (Policy, error)

// Registry maps policy type tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with all builtin policy types registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(TypeDeletion, NewDeletion)
	r.Register(TypeScaling, NewScaling)
	r.Register(TypePlacement, NewPlacement)
	r.Register(TypeHealth, NewHealth)
	return r
}

// Register adds a factory for a type tag, replacing any previous one.
func (r *Registry) Register(typeTag string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeTag] = f
}

// Known reports whether the type tag has a registered factory.
func (r *Registry) Known(typeTag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeTag]
	return ok
}

// Build constructs a policy instance from a type tag and spec.
func (r *Registry) Build(typeTag string, spec json.RawMessage) (Policy, error) {
	r.mu.RLock()
	f, ok := r.factories[typeTag]
	r.mu.RUnlock()
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown policy type %q", typeTag), nil,
		).WithCode(engine.ErrCodeValidation)
	}
	return f(spec)
}

// subscribed reports whether the policy hooks the given operation/phase.
func subscribed(p Policy, op engine.Operation, phase string) bool {
	for _, t := range p.Targets() {
		if t.Operation == op && t.Phase == phase {
			return true
		}
	}
	return false
}
