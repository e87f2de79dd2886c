package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openherd/openherd/pkg/engine"
)

// MemStore is a fully in-memory engine.Store. It exists for tests and for
// running a throwaway daemon without touching disk; nothing survives a
// restart. All semantics match the SQLite store, including the conditional
// claim and the terminal cascade.
type MemStore struct {
	mu sync.Mutex

	clusters map[string]*engine.Cluster
	nodes    map[string]*engine.Node
	profiles map[string]*engine.Profile
	policies map[string]*engine.PolicyObject
	bindings map[string]*engine.Binding

	actions   map[string]*engine.Action
	deps      []engine.Dependency
	deadlines map[string]time.Time

	locks  map[string]*engine.Lock
	events []*engine.Event
	nextID int64
}

var _ engine.Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		clusters:  map[string]*engine.Cluster{},
		nodes:     map[string]*engine.Node{},
		profiles:  map[string]*engine.Profile{},
		policies:  map[string]*engine.PolicyObject{},
		bindings:  map[string]*engine.Binding{},
		actions:   map[string]*engine.Action{},
		deadlines: map[string]time.Time{},
		locks:     map[string]*engine.Lock{},
	}
}

func bindingKey(clusterID, policyID string) string {
	return clusterID + "/" + policyID
}

func cloneAction(a *engine.Action) *engine.Action {
	c := *a
	c.DependsOn = append([]string(nil), a.DependsOn...)
	c.DependedBy = append([]string(nil), a.DependedBy...)
	if a.Data.Deletion != nil {
		d := *a.Data.Deletion
		d.Candidates = append([]string(nil), a.Data.Deletion.Candidates...)
		d.ChildIDs = append([]string(nil), a.Data.Deletion.ChildIDs...)
		c.Data.Deletion = &d
	}
	if a.Data.Creation != nil {
		cr := *a.Data.Creation
		cr.NodeIDs = append([]string(nil), a.Data.Creation.NodeIDs...)
		cr.ChildIDs = append([]string(nil), a.Data.Creation.ChildIDs...)
		c.Data.Creation = &cr
	}
	if a.Data.Placement != nil {
		p := *a.Data.Placement
		zones := make(map[string]int, len(p.Zones))
		for k, v := range p.Zones {
			zones[k] = v
		}
		p.Zones = zones
		c.Data.Placement = &p
	}
	if a.Data.Health != nil {
		h := *a.Data.Health
		h.ChildIDs = append([]string(nil), a.Data.Health.ChildIDs...)
		c.Data.Health = &h
	}
	return &c
}

// CreateCluster implements engine.ResourceStore.
func (s *MemStore) CreateCluster(_ context.Context, c *engine.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[c.ID]; ok {
		return engine.NewPermanentError(fmt.Sprintf("cluster already exists: %s", c.ID), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	s.clusters[c.ID] = &cp
	return nil
}

// GetCluster implements engine.ResourceStore.
func (s *MemStore) GetCluster(_ context.Context, id string) (*engine.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, notFound("cluster", id)
	}
	cp := *c
	cp.Runtime = nil
	return &cp, nil
}

// UpdateCluster implements engine.ResourceStore.
func (s *MemStore) UpdateCluster(_ context.Context, c *engine.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.clusters[c.ID]
	if !ok {
		return notFound("cluster", c.ID)
	}
	c.UpdatedAt = time.Now()
	cp := *c
	cp.CreatedAt = cur.CreatedAt
	cp.Runtime = nil
	s.clusters[c.ID] = &cp
	return nil
}

// DeleteCluster implements engine.ResourceStore.
func (s *MemStore) DeleteCluster(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[id]; !ok {
		return notFound("cluster", id)
	}
	delete(s.clusters, id)
	for k, b := range s.bindings {
		if b.ClusterID == id {
			delete(s.bindings, k)
		}
	}
	return nil
}

// ListClusters implements engine.ResourceStore.
func (s *MemStore) ListClusters(_ context.Context, marker string, limit int) ([]*engine.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*engine.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		cp := *c
		cp.Runtime = nil
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	if marker != "" {
		for i, c := range all {
			if c.ID == marker {
				all = all[i+1:]
				break
			}
		}
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// CreateNode implements engine.ResourceStore.
func (s *MemStore) CreateNode(_ context.Context, n *engine.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.ID]; ok {
		return engine.NewPermanentError(fmt.Sprintf("node already exists: %s", n.ID), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	cp := *n
	s.nodes[n.ID] = &cp
	return nil
}

// GetNode implements engine.ResourceStore.
func (s *MemStore) GetNode(_ context.Context, id string) (*engine.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, notFound("node", id)
	}
	cp := *n
	return &cp, nil
}

// GetNodeByPhysicalID implements engine.ResourceStore.
func (s *MemStore) GetNodeByPhysicalID(_ context.Context, physicalID string) (*engine.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if physicalID != "" {
		for _, n := range s.nodes {
			if n.PhysicalID == physicalID {
				cp := *n
				return &cp, nil
			}
		}
	}
	return nil, notFound("node with physical id", physicalID)
}

// UpdateNode implements engine.ResourceStore.
func (s *MemStore) UpdateNode(_ context.Context, n *engine.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.nodes[n.ID]
	if !ok {
		return notFound("node", n.ID)
	}
	n.UpdatedAt = time.Now()
	cp := *n
	cp.CreatedAt = cur.CreatedAt
	s.nodes[n.ID] = &cp
	return nil
}

// DeleteNode implements engine.ResourceStore.
func (s *MemStore) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return notFound("node", id)
	}
	delete(s.nodes, id)
	return nil
}

// ListNodes implements engine.ResourceStore.
func (s *MemStore) ListNodes(_ context.Context, clusterID string) ([]*engine.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := []*engine.Node{}
	for _, n := range s.nodes {
		if clusterID != "" && n.ClusterID != clusterID {
			continue
		}
		cp := *n
		nodes = append(nodes, &cp)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Index != nodes[j].Index {
			return nodes[i].Index < nodes[j].Index
		}
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes, nil
}

// CreateProfile implements engine.ResourceStore.
func (s *MemStore) CreateProfile(_ context.Context, p *engine.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.ID]; ok {
		return engine.NewPermanentError(fmt.Sprintf("profile already exists: %s", p.ID), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := *p
	s.profiles[p.ID] = &cp
	return nil
}

// GetProfile implements engine.ResourceStore.
func (s *MemStore) GetProfile(_ context.Context, id string) (*engine.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, notFound("profile", id)
	}
	cp := *p
	return &cp, nil
}

// CreatePolicy implements engine.ResourceStore.
func (s *MemStore) CreatePolicy(_ context.Context, p *engine.PolicyObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; ok {
		return engine.NewPermanentError(fmt.Sprintf("policy already exists: %s", p.ID), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

// GetPolicy implements engine.ResourceStore.
func (s *MemStore) GetPolicy(_ context.Context, id string) (*engine.PolicyObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, notFound("policy", id)
	}
	cp := *p
	return &cp, nil
}

// UpdatePolicy implements engine.ResourceStore.
func (s *MemStore) UpdatePolicy(_ context.Context, p *engine.PolicyObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.policies[p.ID]
	if !ok {
		return notFound("policy", p.ID)
	}
	p.UpdatedAt = time.Now()
	cp := *p
	cp.CreatedAt = cur.CreatedAt
	s.policies[p.ID] = &cp
	return nil
}

// ListPolicies implements engine.ResourceStore.
func (s *MemStore) ListPolicies(_ context.Context) ([]*engine.PolicyObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	policies := []*engine.PolicyObject{}
	for _, p := range s.policies {
		cp := *p
		policies = append(policies, &cp)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies, nil
}

// CreateBinding implements engine.ResourceStore.
func (s *MemStore) CreateBinding(_ context.Context, b *engine.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bindingKey(b.ClusterID, b.PolicyID)
	if _, ok := s.bindings[key]; ok {
		return engine.NewPermanentError(fmt.Sprintf("binding already exists: %s", key), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	cp := *b
	s.bindings[key] = &cp
	return nil
}

// GetBinding implements engine.ResourceStore.
func (s *MemStore) GetBinding(_ context.Context, clusterID, policyID string) (*engine.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[bindingKey(clusterID, policyID)]
	if !ok {
		return nil, notFound("binding", bindingKey(clusterID, policyID))
	}
	cp := *b
	return &cp, nil
}

// UpdateBinding implements engine.ResourceStore.
func (s *MemStore) UpdateBinding(_ context.Context, b *engine.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bindingKey(b.ClusterID, b.PolicyID)
	cur, ok := s.bindings[key]
	if !ok {
		return notFound("binding", key)
	}
	b.UpdatedAt = time.Now()
	cp := *b
	cp.CreatedAt = cur.CreatedAt
	s.bindings[key] = &cp
	return nil
}

// DeleteBinding implements engine.ResourceStore.
func (s *MemStore) DeleteBinding(_ context.Context, clusterID, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bindingKey(clusterID, policyID)
	if _, ok := s.bindings[key]; !ok {
		return notFound("binding", key)
	}
	delete(s.bindings, key)
	return nil
}

// ListBindings implements engine.ResourceStore.
func (s *MemStore) ListBindings(_ context.Context, clusterID string) ([]engine.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bindings := []engine.Binding{}
	for _, b := range s.bindings {
		if b.ClusterID == clusterID {
			bindings = append(bindings, *b)
		}
	}
	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].Priority != bindings[j].Priority {
			return bindings[i].Priority < bindings[j].Priority
		}
		return bindings[i].PolicyID < bindings[j].PolicyID
	})
	return bindings, nil
}

// CreateAction implements engine.ActionStore.
func (s *MemStore) CreateAction(_ context.Context, a *engine.Action, deps []engine.Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.ID]; ok {
		return engine.NewPermanentError(fmt.Sprintf("action already exists: %s", a.ID), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.actions[a.ID] = cloneAction(a)
	s.deps = append(s.deps, deps...)
	return nil
}

// GetAction implements engine.ActionStore.
func (s *MemStore) GetAction(_ context.Context, id string) (*engine.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, notFound("action", id)
	}
	cp := cloneAction(a)
	cp.DependsOn, cp.DependedBy = nil, nil
	for _, d := range s.deps {
		if d.ActionID == id {
			cp.DependsOn = append(cp.DependsOn, d.DependsOn)
		}
		if d.DependsOn == id {
			cp.DependedBy = append(cp.DependedBy, d.ActionID)
		}
	}
	sort.Strings(cp.DependsOn)
	sort.Strings(cp.DependedBy)
	return cp, nil
}

// ListActions implements engine.ActionStore.
func (s *MemStore) ListActions(_ context.Context, f engine.ActionFilter) ([]*engine.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := func(a *engine.Action) bool {
		if len(f.Status) > 0 {
			ok := false
			for _, st := range f.Status {
				if a.Status == st {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		}
		if f.Target != "" && a.Target != f.Target {
			return false
		}
		if f.Operation != "" && a.Operation != f.Operation {
			return false
		}
		return true
	}

	all := []*engine.Action{}
	for _, a := range s.actions {
		if matches(a) {
			all = append(all, cloneAction(a))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	if f.Marker != "" {
		for i, a := range all {
			if a.ID == f.Marker {
				all = all[i+1:]
				break
			}
		}
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

// ClaimAction implements engine.ActionStore.
func (s *MemStore) ClaimAction(_ context.Context, id, worker string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return false, notFound("action", id)
	}
	if a.Status != engine.StatusReady || a.Owner != "" {
		return false, nil
	}
	now := time.Now()
	a.Status = engine.StatusRunning
	a.Owner = worker
	a.StartTime = &now
	a.UpdatedAt = now
	return true, nil
}

// ReleaseAction implements engine.ActionStore.
func (s *MemStore) ReleaseAction(_ context.Context, id, worker string, to engine.Status, reason string, deadline *time.Time) error {
	if to != engine.StatusReady && to != engine.StatusWaiting && to != engine.StatusWaitingLifecycle {
		return engine.NewPermanentError(fmt.Sprintf("cannot release action to %s", to), nil).
			WithCode(engine.ErrCodeBadTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok || a.Owner != worker {
		return engine.NewPermanentError(fmt.Sprintf("action %s is not owned by %s", id, worker), nil).
			WithCode(engine.ErrCodeOwnershipLost)
	}
	if to == engine.StatusWaiting {
		// A prerequisite may have finished while this action was still
		// RUNNING. If no edges remain there is nothing left to wait for.
		left := 0
		for _, d := range s.deps {
			if d.ActionID == id {
				left++
			}
		}
		if left == 0 {
			to = engine.StatusReady
			reason = "all dependencies resolved"
		}
	}
	a.Status = to
	a.Owner = ""
	a.StatusReason = reason
	a.UpdatedAt = time.Now()
	if to == engine.StatusWaitingLifecycle && deadline != nil {
		s.deadlines[id] = *deadline
	} else {
		delete(s.deadlines, id)
	}
	return nil
}

// UpdateActionStatus implements engine.ActionStore.
func (s *MemStore) UpdateActionStatus(_ context.Context, id, worker string, to engine.Status, reason string) error {
	if to.IsTerminal() {
		return engine.NewPermanentError("terminal transitions go through CompleteAction", nil).
			WithCode(engine.ErrCodeBadTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok || a.Owner != worker {
		return engine.NewPermanentError(fmt.Sprintf("action %s is not owned by %s", id, worker), nil).
			WithCode(engine.ErrCodeOwnershipLost)
	}
	a.Status = to
	a.StatusReason = reason
	a.UpdatedAt = time.Now()
	return nil
}

// CompleteAction implements engine.ActionStore.
func (s *MemStore) CompleteAction(_ context.Context, id string, to engine.Status, reason string, outputs json.RawMessage) ([]string, error) {
	if !to.IsTerminal() {
		return nil, engine.NewPermanentError(fmt.Sprintf("%s is not a terminal status", to), nil).
			WithCode(engine.ErrCodeBadTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, notFound("action", id)
	}
	if a.Status.IsTerminal() {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("action %s is already terminal (%s)", id, a.Status), nil,
		).WithCode(engine.ErrCodeBadTransition)
	}
	var promoted []string
	s.finalizeLocked(id, to, reason, outputs, &promoted)
	return promoted, nil
}

// finalizeLocked performs the terminal cascade. Callers hold s.mu.
func (s *MemStore) finalizeLocked(id string, to engine.Status, reason string, outputs json.RawMessage, promoted *[]string) {
	a, ok := s.actions[id]
	if !ok || a.Status.IsTerminal() {
		return
	}
	now := time.Now()
	a.Status = to
	a.StatusReason = reason
	if outputs != nil {
		a.Outputs = outputs
	}
	a.Owner = ""
	a.Control = engine.ControlNone
	a.StopTime = &now
	a.UpdatedAt = now
	delete(s.deadlines, id)

	for objectID, l := range s.locks {
		if l.ActionID == id {
			delete(s.locks, objectID)
		}
	}

	var dependents []engine.Dependency
	remaining := s.deps[:0]
	for _, d := range s.deps {
		if d.DependsOn == id {
			dependents = append(dependents, d)
			continue
		}
		remaining = append(remaining, d)
	}
	s.deps = remaining

	sort.Slice(dependents, func(i, j int) bool { return dependents[i].ActionID < dependents[j].ActionID })
	for _, d := range dependents {
		if to != engine.StatusSucceeded && !d.Tolerant {
			s.finalizeLocked(d.ActionID, engine.StatusFailed,
				fmt.Sprintf("prerequisite action %s terminated with %s", id, to), nil, promoted)
			continue
		}
		left := 0
		for _, rd := range s.deps {
			if rd.ActionID == d.ActionID {
				left++
			}
		}
		if left > 0 {
			continue
		}
		dep, ok := s.actions[d.ActionID]
		if ok && (dep.Status == engine.StatusWaiting || dep.Status == engine.StatusWaitingLifecycle) {
			dep.Status = engine.StatusReady
			dep.StatusReason = "all dependencies resolved"
			dep.UpdatedAt = now
			delete(s.deadlines, d.ActionID)
			*promoted = append(*promoted, d.ActionID)
		}
	}
}

// SaveActionData implements engine.ActionStore.
func (s *MemStore) SaveActionData(_ context.Context, id string, data engine.ActionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return notFound("action", id)
	}
	tmp := engine.Action{Data: data}
	a.Data = cloneAction(&tmp).Data
	a.UpdatedAt = time.Now()
	return nil
}

// AddDependencies implements engine.ActionStore.
func (s *MemStore) AddDependencies(_ context.Context, deps []engine.Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, d := range deps {
		s.deps = append(s.deps, d)
		if a, ok := s.actions[d.ActionID]; ok {
			if a.Status == engine.StatusInit || a.Status == engine.StatusReady {
				a.Status = engine.StatusWaiting
				a.UpdatedAt = now
			}
		}
	}
	return nil
}

// ListDependsOn implements engine.ActionStore.
func (s *MemStore) ListDependsOn(_ context.Context, actionID string) ([]engine.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []engine.Dependency
	for _, d := range s.deps {
		if d.ActionID == actionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DependsOn < out[j].DependsOn })
	return out, nil
}

// ListDependedBy implements engine.ActionStore.
func (s *MemStore) ListDependedBy(_ context.Context, actionID string) ([]engine.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []engine.Dependency
	for _, d := range s.deps {
		if d.DependsOn == actionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })
	return out, nil
}

// SetControl implements engine.ActionStore.
func (s *MemStore) SetControl(_ context.Context, id string, sig engine.Control, allowed []engine.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return notFound("action", id)
	}
	if a.Control != engine.ControlNone {
		return engine.NewPermanentError(
			fmt.Sprintf("action %s already has a pending %s signal", id, a.Control), nil,
		).WithCode(engine.ErrCodeBadControl)
	}
	for _, st := range allowed {
		if a.Status == st {
			a.Control = sig
			a.UpdatedAt = time.Now()
			return nil
		}
	}
	return engine.NewPermanentError(
		fmt.Sprintf("action %s is %s and cannot accept %s", id, a.Status, sig), nil,
	).WithCode(engine.ErrCodeBadControl)
}

// GetControl implements engine.ActionStore.
func (s *MemStore) GetControl(_ context.Context, id string) (engine.Control, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return engine.ControlNone, notFound("action", id)
	}
	return a.Control, nil
}

// TakeControl implements engine.ActionStore.
func (s *MemStore) TakeControl(_ context.Context, id string) (engine.Control, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return engine.ControlNone, notFound("action", id)
	}
	sig := a.Control
	if sig != engine.ControlNone {
		a.Control = engine.ControlNone
		a.UpdatedAt = time.Now()
	}
	return sig, nil
}

// RequeueOrphan implements engine.ActionStore.
func (s *MemStore) RequeueOrphan(_ context.Context, id string, maxRestarts int) (engine.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return "", notFound("action", id)
	}
	if a.Status != engine.StatusRunning {
		return "", engine.NewPermanentError(
			fmt.Sprintf("action %s is %s, not RUNNING", id, a.Status), nil,
		).WithCode(engine.ErrCodeBadTransition)
	}
	if a.Restarts+1 > maxRestarts {
		var promoted []string
		s.finalizeLocked(id, engine.StatusFailed,
			fmt.Sprintf("worker lost and restart budget of %d exhausted", maxRestarts), nil, &promoted)
		return engine.StatusFailed, nil
	}
	a.Status = engine.StatusReady
	a.Owner = ""
	a.Restarts++
	a.StatusReason = "requeued after worker loss"
	a.UpdatedAt = time.Now()
	return engine.StatusReady, nil
}

// ExpireLifecycleWaits implements engine.ActionStore. An expired wait that
// still has unmet dependency edges demotes to plain WAITING instead; the
// completion cascade promotes it once the last prerequisite terminates.
func (s *MemStore) ExpireLifecycleWaits(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for id, deadline := range s.deadlines {
		a, ok := s.actions[id]
		if !ok || a.Status != engine.StatusWaitingLifecycle || deadline.After(now) {
			continue
		}
		left := 0
		for _, d := range s.deps {
			if d.ActionID == id {
				left++
			}
		}
		if left > 0 {
			a.Status = engine.StatusWaiting
			a.StatusReason = "lifecycle wait expired, dependencies outstanding"
			a.UpdatedAt = now
			delete(s.deadlines, id)
			continue
		}
		a.Status = engine.StatusReady
		a.StatusReason = "lifecycle wait expired"
		a.UpdatedAt = now
		delete(s.deadlines, id)
		expired = append(expired, id)
	}
	sort.Strings(expired)
	return expired, nil
}

// AcquireLock implements engine.LockStore.
func (s *MemStore) AcquireLock(_ context.Context, objectID, owner, actionID string, ttl time.Duration) (bool, *engine.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cur, ok := s.locks[objectID]
	if !ok || cur.ExpiresAt.Before(now) {
		l := &engine.Lock{
			ObjectID: objectID, Owner: owner, ActionID: actionID,
			Depth: 1, AcquiredAt: now, ExpiresAt: now.Add(ttl),
		}
		s.locks[objectID] = l
		cp := *l
		return true, &cp, nil
	}
	if cur.Owner == owner && cur.ActionID == actionID {
		cur.Depth++
		cur.ExpiresAt = now.Add(ttl)
		cp := *cur
		return true, &cp, nil
	}
	cp := *cur
	return false, &cp, nil
}

// RefreshLock implements engine.LockStore.
func (s *MemStore) RefreshLock(_ context.Context, objectID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[objectID]
	if !ok || cur.Owner != owner {
		return engine.NewPermanentError(
			fmt.Sprintf("lock on %s is no longer held by %s", objectID, owner), nil,
		).WithCode(engine.ErrCodeOwnershipLost)
	}
	cur.ExpiresAt = time.Now().Add(ttl)
	return nil
}

// ReleaseLock implements engine.LockStore.
func (s *MemStore) ReleaseLock(_ context.Context, objectID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[objectID]
	if !ok || cur.Owner != owner {
		return engine.NewPermanentError(
			fmt.Sprintf("lock on %s is no longer held by %s", objectID, owner), nil,
		).WithCode(engine.ErrCodeOwnershipLost)
	}
	if cur.Depth > 1 {
		cur.Depth--
		return nil
	}
	delete(s.locks, objectID)
	return nil
}

// GetLock implements engine.LockStore.
func (s *MemStore) GetLock(_ context.Context, objectID string) (*engine.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[objectID]
	if !ok {
		return nil, notFound("lock", objectID)
	}
	cp := *cur
	return &cp, nil
}

// ListExpiredLocks implements engine.LockStore.
func (s *MemStore) ListExpiredLocks(_ context.Context, now time.Time) ([]engine.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var locks []engine.Lock
	for _, l := range s.locks {
		if !l.ExpiresAt.After(now) {
			locks = append(locks, *l)
		}
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].ObjectID < locks[j].ObjectID })
	return locks, nil
}

// BreakLock implements engine.LockStore.
func (s *MemStore) BreakLock(_ context.Context, objectID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.locks[objectID]; ok && cur.Owner == owner {
		delete(s.locks, objectID)
	}
	return nil
}

// AppendEvent implements engine.EventStore.
func (s *MemStore) AppendEvent(_ context.Context, e *engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.nextID++
	e.ID = s.nextID
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

// ListEvents implements engine.EventStore.
func (s *MemStore) ListEvents(_ context.Context, actionID string, limit int) ([]*engine.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := []*engine.Event{}
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if actionID != "" && e.ActionID != actionID {
			continue
		}
		cp := *e
		events = append(events, &cp)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}
