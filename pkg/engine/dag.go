package engine

import (
	"context"
	"fmt"
	"strings"
)

// Graph guards the action dependency graph. Edges are stored with the
// actions; Graph validates acyclicity before any edge is persisted and
// rejects the insert (fails closed) when a cycle would result.
//
// Promotion of WAITING dependents is not done here: it happens inside the
// store's CompleteAction transaction, atomically with the predecessor's
// terminal-status write, so a dependent can never be missed between the
// commit and a separate scan.
type Graph struct {
	store ActionStore
}

// NewGraph creates a dependency graph bound to an action store.
func NewGraph(store ActionStore) *Graph {
	return &Graph{store: store}
}

// Validate checks that adding the given edges keeps the graph acyclic.
// An edge (A depends_on B) introduces a cycle when B transitively depends
// on A, or when A == B.
func (g *Graph) Validate(ctx context.Context, deps []Dependency) error {
	// Edges being added in this batch participate in reachability too:
	// a batch {A->B, B->A} must be rejected even though neither edge is
	// persisted yet.
	pending := make(map[string][]string, len(deps))
	for _, d := range deps {
		if d.ActionID == d.DependsOn {
			return NewPermanentError(
				fmt.Sprintf("action %s cannot depend on itself", d.ActionID), nil,
			).WithCode(ErrCodeCycle)
		}
		pending[d.ActionID] = append(pending[d.ActionID], d.DependsOn)
	}

	for _, d := range deps {
		cycle, err := g.reaches(ctx, d.DependsOn, d.ActionID, pending, nil)
		if err != nil {
			return err
		}
		if cycle != nil {
			path := append([]string{d.ActionID}, cycle...)
			return NewPermanentError(
				fmt.Sprintf("dependency cycle detected: %s", strings.Join(path, " -> ")), nil,
			).WithCode(ErrCodeCycle)
		}
	}
	return nil
}

// reaches walks depends_on edges from `from` looking for `target`,
// returning the path when found.
func (g *Graph) reaches(ctx context.Context, from, target string, pending map[string][]string, path []string) ([]string, error) {
	path = append(path, from)
	if from == target {
		return path, nil
	}
	// Guard against pathological depth; the graph is small per call chain.
	if len(path) > 1024 {
		return nil, NewPermanentError("dependency graph too deep", nil).WithCode(ErrCodeInternal)
	}

	next := append([]string{}, pending[from]...)
	stored, err := g.store.ListDependsOn(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to read dependencies of %s: %w", from, err)
	}
	for _, d := range stored {
		next = append(next, d.DependsOn)
	}

	for _, n := range next {
		cycle, err := g.reaches(ctx, n, target, pending, path)
		if err != nil {
			return nil, err
		}
		if cycle != nil {
			return cycle, nil
		}
	}
	return nil, nil
}

// AddDependencies validates and persists a batch of edges. Dependents that
// are not RUNNING are demoted to WAITING by the store.
func (g *Graph) AddDependencies(ctx context.Context, deps []Dependency) error {
	if len(deps) == 0 {
		return nil
	}
	if err := g.Validate(ctx, deps); err != nil {
		return err
	}
	return g.store.AddDependencies(ctx, deps)
}

// Ancestors returns the derivation chain of an action: its parent, the
// parent's parent, and so on. Used by the lock manager to let a derived
// action reuse a lock held by an ancestor.
func (g *Graph) Ancestors(ctx context.Context, actionID string) ([]string, error) {
	var chain []string
	seen := map[string]bool{actionID: true}
	id := actionID
	for {
		a, err := g.store.GetAction(ctx, id)
		if err != nil {
			return nil, err
		}
		if a.ParentID == "" || seen[a.ParentID] {
			return chain, nil
		}
		chain = append(chain, a.ParentID)
		seen[a.ParentID] = true
		id = a.ParentID
	}
}
