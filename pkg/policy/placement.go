package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openherd/openherd/pkg/engine"
)

// TypePlacement is the registry tag of the placement policy.
const TypePlacement = "openherd.policy.placement"

// Zone is one placement target with a relative weight.
type Zone struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

// PlacementSpec configures zone distribution for new members.
type PlacementSpec struct {
	Zones []Zone `json:"zones"`
}

// Placement distributes new members across zones proportionally to their
// weights, using largest remainders so the counts always sum to the total.
type Placement struct {
	Base
	spec PlacementSpec
}

// NewPlacement builds a placement policy from its spec.
func NewPlacement(spec json.RawMessage) (Policy, error) {
	var s PlacementSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, fmt.Errorf("invalid placement spec: %w", err)
	}
	if len(s.Zones) == 0 {
		return nil, fmt.Errorf("placement policy needs at least one zone")
	}
	total := 0
	for _, z := range s.Zones {
		if z.Name == "" {
			return nil, fmt.Errorf("placement zone needs a name")
		}
		if z.Weight < 0 {
			return nil, fmt.Errorf("zone %s has negative weight", z.Name)
		}
		total += z.Weight
	}
	if total == 0 {
		return nil, fmt.Errorf("placement zone weights sum to zero")
	}
	return &Placement{spec: s}, nil
}

// Type implements Policy.
func (p *Placement) Type() string { return TypePlacement }

// Targets implements Policy.
func (p *Placement) Targets() []Target {
	return []Target{
		{Operation: engine.OpClusterCreate, Phase: PhaseBefore},
		{Operation: engine.OpClusterScaleOut, Phase: PhaseBefore},
		{Operation: engine.OpClusterResize, Phase: PhaseBefore},
	}
}

// PreOp computes the zone distribution for the members the operation will
// add and writes the placement decision.
func (p *Placement) PreOp(ctx context.Context, view *ClusterView, a *engine.Action) error {
	if a.Data.Placement != nil {
		return nil
	}

	count := p.creationCount(view, a)
	if count <= 0 {
		return nil
	}

	a.Data.SetPlacement(&engine.PlacementData{
		Count: count,
		Zones: p.distribute(count),
	})
	return nil
}

// creationCount derives how many members the operation will add.
func (p *Placement) creationCount(view *ClusterView, a *engine.Action) int {
	if cr := a.Data.Creation; cr != nil && cr.Count > 0 {
		return cr.Count
	}
	switch a.Operation {
	case engine.OpClusterCreate:
		return view.Cluster.DesiredCapacity
	case engine.OpClusterScaleOut:
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
		return in.DesiredCapacity - len(view.Nodes)
	}
	return 0
}

// distribute splits count across zones by weight with largest remainders.
func (p *Placement) distribute(count int) map[string]int {
	total := 0
	for _, z := range p.spec.Zones {
		total += z.Weight
	}

	type share struct {
		name      string
		base      int
		remainder int
	}
	shares := make([]share, len(p.spec.Zones))
	assigned := 0
	for i, z := range p.spec.Zones {
		exact := count * z.Weight
		shares[i] = share{
			name:      z.Name,
			base:      exact / total,
			remainder: exact % total,
		}
		assigned += shares[i].base
	}

	// Hand the leftover slots to the zones with the largest remainders,
	// ties broken by declaration order.
	for assigned < count {
		best := -1
		for i := range shares {
			if best < 0 || shares[i].remainder > shares[best].remainder {
				best = i
			}
		}
		shares[best].base++
		shares[best].remainder = -1
		assigned++
	}

	out := make(map[string]int, len(shares))
	for _, s := range shares {
		if s.base > 0 {
			out[s.name] = s.base
		}
	}
	return out
}
