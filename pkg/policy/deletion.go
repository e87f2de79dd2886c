package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/openherd/openherd/pkg/engine"
)

// TypeDeletion is the registry tag of the deletion policy.
const TypeDeletion = "openherd.policy.deletion"

// Victim selection criteria.
const (
	CriteriaOldestFirst        = "OLDEST_FIRST"
	CriteriaYoungestFirst      = "YOUNGEST_FIRST"
	CriteriaRandom             = "RANDOM"
	CriteriaOldestProfileFirst = "OLDEST_PROFILE_FIRST"
)

// DeletionSpec configures victim selection for shrink operations.
type DeletionSpec struct {
	// Criteria selects which members are removed first.
	Criteria string `json:"criteria"`

	// GracePeriodSeconds delays each node's destruction.
	GracePeriodSeconds int `json:"grace_period_seconds"`

	// ReduceDesiredCapacity shrinks the cluster's desired capacity along
	// with the members.
	ReduceDesiredCapacity bool `json:"reduce_desired_capacity"`
}

// Deletion selects deletion victims before shrink operations run.
type Deletion struct {
	Base
	spec DeletionSpec
}

// NewDeletion builds a deletion policy from its spec.
func NewDeletion(spec json.RawMessage) (Policy, error) {
	s := DeletionSpec{Criteria: CriteriaOldestFirst, ReduceDesiredCapacity: true}
	if len(spec) > 0 {
		if err := json.Unmarshal(spec, &s); err != nil {
			return nil, fmt.Errorf("invalid deletion spec: %w", err)
		}
	}
	switch s.Criteria {
	case CriteriaOldestFirst, CriteriaYoungestFirst, CriteriaRandom, CriteriaOldestProfileFirst:
	default:
		return nil, fmt.Errorf("unknown deletion criteria %q", s.Criteria)
	}
	return &Deletion{spec: s}, nil
}

// Type implements Policy.
func (p *Deletion) Type() string { return TypeDeletion }

// Targets implements Policy.
func (p *Deletion) Targets() []Target {
	return []Target{
		{Operation: engine.OpClusterScaleIn, Phase: PhaseBefore},
		{Operation: engine.OpClusterResize, Phase: PhaseBefore},
		{Operation: engine.OpClusterDelete, Phase: PhaseBefore},
	}
}

// PreOp computes the victim list and writes the deletion decision. A
// decision that already names candidates (for example from a rerun after
// RETRY) is left untouched. A count-only decision from an upstream policy
// still gets candidates selected here, honoring that count.
func (p *Deletion) PreOp(ctx context.Context, view *ClusterView, a *engine.Action) error {
	d := a.Data.Deletion
	if d != nil && (len(d.Candidates) > 0 || len(d.ChildIDs) > 0) {
		return nil
	}

	count := p.deletionCount(view, a)
	if d != nil && d.Count > 0 {
		count = d.Count
	}
	if count <= 0 {
		return nil
	}
	if count > len(view.Nodes) {
		count = len(view.Nodes)
	}

	candidates := p.selectVictims(view, count)
	if d != nil {
		d.Count = count
		d.Candidates = candidates
		d.Criteria = p.spec.Criteria
		d.Grace = time.Duration(p.spec.GracePeriodSeconds) * time.Second
		return nil
	}
	a.Data.SetDeletion(&engine.DeletionData{
		Count:      count,
		Candidates: candidates,
		Criteria:   p.spec.Criteria,
		Grace:      time.Duration(p.spec.GracePeriodSeconds) * time.Second,
	})
	return nil
}

// deletionCount derives how many members the operation will remove.
func (p *Deletion) deletionCount(view *ClusterView, a *engine.Action) int {
	switch a.Operation {
	case engine.OpClusterDelete:
		return len(view.Nodes)
	case engine.OpClusterScaleIn:
		var in struct {
			Count int `json:"count"`
		}
		if len(a.Inputs) > 0 {
			_ = json.Unmarshal(a.Inputs, &in)
		}
		if in.Count <= 0 {
			return 1
		}
		return in.Count
	case engine.OpClusterResize:
		var in struct {
			DesiredCapacity int `json:"desired_capacity"`
		}
		if len(a.Inputs) > 0 {
			_ = json.Unmarshal(a.Inputs, &in)
		}
		return len(view.Nodes) - in.DesiredCapacity
	}
	return 0
}

// selectVictims orders members by the configured criteria and takes the
// first count of them.
func (p *Deletion) selectVictims(view *ClusterView, count int) []string {
	nodes := append([]*engine.Node{}, view.Nodes...)

	switch p.spec.Criteria {
	case CriteriaOldestFirst:
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		})
	case CriteriaYoungestFirst:
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].CreatedAt.After(nodes[j].CreatedAt)
		})
	case CriteriaRandom:
		rand.Shuffle(len(nodes), func(i, j int) {
			nodes[i], nodes[j] = nodes[j], nodes[i]
		})
	case CriteriaOldestProfileFirst:
		// Members still on a profile other than the cluster's current one
		// go first, oldest within each group.
		current := view.Cluster.ProfileID
		sort.SliceStable(nodes, func(i, j int) bool {
			si, sj := nodes[i].ProfileID != current, nodes[j].ProfileID != current
			if si != sj {
				return si
			}
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		})
	}

	ids := make([]string, 0, count)
	for _, n := range nodes[:count] {
		ids = append(ids, n.ID)
	}
	return ids
}
