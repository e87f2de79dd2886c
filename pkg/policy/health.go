package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openherd/openherd/pkg/engine"
)

// TypeHealth is the registry tag of the health policy.
const TypeHealth = "openherd.policy.health"

// Detection strategies.
const (
	DetectPolling = "NODE_STATUS_POLLING"
	DetectEvents  = "LIFECYCLE_EVENTS"
)

// Recovery operations.
const (
	RecoverRecreate = "RECREATE"
	RecoverReboot   = "REBOOT"
)

// HealthSpec configures failure detection and recovery for a cluster.
type HealthSpec struct {
	Detection struct {
		// Type is the detection strategy.
		Type string `json:"type"`

		// IntervalSeconds is the polling cadence for NODE_STATUS_POLLING.
		IntervalSeconds int `json:"interval_seconds,omitempty"`
	} `json:"detection"`

	Recovery struct {
		// Actions are attempted in order; only the first is applied today.
		Actions []string `json:"actions"`
	} `json:"recovery"`
}

// healthBindingState is the private state kept in the binding's Data blob.
type healthBindingState struct {
	RegisteredAt time.Time `json:"registered_at"`
	Detection    string    `json:"detection"`
	Interval     int       `json:"interval_seconds,omitempty"`
}

// Health marks clusters for failure monitoring and stamps recovery
// metadata onto recover operations. The health monitor discovers watched
// clusters through the binding state this policy writes on attach.
type Health struct {
	Base
	spec HealthSpec
}

// NewHealth builds a health policy from its spec.
func NewHealth(spec json.RawMessage) (Policy, error) {
	var s HealthSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, fmt.Errorf("invalid health spec: %w", err)
	}
	switch s.Detection.Type {
	case DetectPolling, DetectEvents:
	case "":
		s.Detection.Type = DetectPolling
	default:
		return nil, fmt.Errorf("unknown detection type %q", s.Detection.Type)
	}
	if s.Detection.Type == DetectPolling && s.Detection.IntervalSeconds <= 0 {
		s.Detection.IntervalSeconds = 60
	}
	if len(s.Recovery.Actions) == 0 {
		s.Recovery.Actions = []string{RecoverRecreate}
	}
	for _, op := range s.Recovery.Actions {
		if op != RecoverRecreate && op != RecoverReboot {
			return nil, fmt.Errorf("unknown recovery operation %q", op)
		}
	}
	return &Health{spec: s}, nil
}

// Type implements Policy.
func (p *Health) Type() string { return TypeHealth }

// Targets implements Policy.
func (p *Health) Targets() []Target {
	return []Target{
		{Operation: engine.OpClusterRecover, Phase: PhaseBefore},
		{Operation: engine.OpClusterCheck, Phase: PhaseBefore},
	}
}

// Attach registers the watch in the binding state.
func (p *Health) Attach(ctx context.Context, c *engine.Cluster, b *engine.Binding) error {
	state := healthBindingState{
		RegisteredAt: time.Now(),
		Detection:    p.spec.Detection.Type,
		Interval:     p.spec.Detection.IntervalSeconds,
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.Data = raw
	return nil
}

// Detach clears the watch registration.
func (p *Health) Detach(ctx context.Context, c *engine.Cluster, b *engine.Binding) error {
	b.Data = nil
	return nil
}

// PreOp stamps detection and recovery metadata onto the action.
func (p *Health) PreOp(ctx context.Context, view *ClusterView, a *engine.Action) error {
	if a.Data.Health != nil {
		return nil
	}
	a.Data.SetHealth(&engine.HealthData{
		Detected: time.Now(),
		Source:   p.spec.Detection.Type,
		Recovery: p.spec.Recovery.Actions[0],
	})
	return nil
}

// WatchState decodes a health binding's private state. Used by the health
// monitor to discover watched clusters and their polling cadence.
func WatchState(b *engine.Binding) (detection string, interval time.Duration, ok bool) {
	if len(b.Data) == 0 {
		return "", 0, false
	}
	var state healthBindingState
	if err := json.Unmarshal(b.Data, &state); err != nil {
		return "", 0, false
	}
	return state.Detection, time.Duration(state.Interval) * time.Second, true
}
