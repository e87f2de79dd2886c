package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ProfileValidator checks a profile spec against its driver's schema
// before the profile is accepted. Implemented in pkg/profile.
type ProfileValidator interface {
	Validate(driver string, spec json.RawMessage) error
}

// AdmissionChecker screens inbound requests before any record is written.
// Implemented by the policy pipeline's admission rules.
type AdmissionChecker interface {
	Admit(ctx context.Context, op Operation, target string, inputs json.RawMessage) error
}

// Service is the request boundary of the engine: it validates requests,
// writes the records, and enqueues the asynchronous actions that do the
// work. Every mutating call returns the id of the enqueued action.
type Service struct {
	store    Store
	profiles ProfileValidator
	admit    AdmissionChecker
	validate *validator.Validate
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewService creates the request boundary. profiles and admit may be nil,
// disabling the corresponding screening.
func NewService(store Store, profiles ProfileValidator, admit AdmissionChecker, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		profiles: profiles,
		admit:    admit,
		validate: validator.New(),
		tracer:   otel.Tracer("openherd/engine"),
		logger:   logger.With().Str("component", "service").Logger(),
	}
}

// submit creates one externally-caused action in READY and returns its id.
func (s *Service) submit(ctx context.Context, op Operation, target string, inputs any, timeout time.Duration) (string, error) {
	ctx, span := s.tracer.Start(ctx, "engine.submit",
		trace.WithAttributes(
			attribute.String("operation", string(op)),
			attribute.String("target", target),
		))
	defer span.End()

	var raw json.RawMessage
	if inputs != nil {
		b, err := json.Marshal(inputs)
		if err != nil {
			return "", NewPermanentError("failed to encode inputs", err).WithCode(ErrCodeValidation)
		}
		raw = b
	}

	if s.admit != nil {
		if err := s.admit.Admit(ctx, op, target, raw); err != nil {
			return "", err
		}
	}

	return s.enqueue(ctx, op, target, raw, timeout, CauseRPC)
}

// enqueue writes a READY action with the given provenance. Internal
// producers such as the health monitor call it directly so their actions
// carry DERIVED_ACTION and skip admission.
func (s *Service) enqueue(ctx context.Context, op Operation, target string, raw json.RawMessage, timeout time.Duration, cause Cause) (string, error) {
	a := &Action{
		ID:        uuid.New().String(),
		Name:      autoName(op, target),
		Operation: op,
		Target:    target,
		Cause:     cause,
		Status:    StatusReady,
		Inputs:    raw,
		Timeout:   timeout,
	}
	if err := s.store.CreateAction(ctx, a, nil); err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", op, err)
	}

	s.logger.Info().
		Str("action", a.ID).
		Str("operation", string(op)).
		Str("target", target).
		Msg("action enqueued")
	return a.ID, nil
}

// CreateProfileRequest describes a new profile.
type CreateProfileRequest struct {
	Name   string          `json:"name" validate:"required"`
	Driver string          `json:"driver" validate:"required"`
	Spec   json.RawMessage `json:"spec" validate:"required"`
}

// CreateProfile validates the spec against the driver's schema and stores
// the profile. Profiles are immutable; there is no update.
func (s *Service) CreateProfile(ctx context.Context, req CreateProfileRequest) (*Profile, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, NewPermanentError("invalid profile request", err).WithCode(ErrCodeValidation)
	}
	if s.profiles != nil {
		if err := s.profiles.Validate(req.Driver, req.Spec); err != nil {
			return nil, NewPermanentError("profile spec rejected", err).WithCode(ErrCodeValidation)
		}
	}
	p := &Profile{
		ID:     uuid.New().String(),
		Name:   req.Name,
		Driver: req.Driver,
		Spec:   req.Spec,
	}
	if err := s.store.CreateProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// CreatePolicyRequest describes a new policy object.
type CreatePolicyRequest struct {
	Name     string          `json:"name" validate:"required"`
	Type     string          `json:"type" validate:"required"`
	Priority int             `json:"priority" validate:"gte=0"`
	Spec     json.RawMessage `json:"spec" validate:"required"`
}

// CreatePolicy stores a policy object.
func (s *Service) CreatePolicy(ctx context.Context, req CreatePolicyRequest) (*PolicyObject, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, NewPermanentError("invalid policy request", err).WithCode(ErrCodeValidation)
	}
	p := &PolicyObject{
		ID:       uuid.New().String(),
		Name:     req.Name,
		Type:     req.Type,
		Priority: req.Priority,
		Spec:     req.Spec,
	}
	if err := s.store.CreatePolicy(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateClusterRequest describes a new cluster.
type CreateClusterRequest struct {
	Name            string `json:"name" validate:"required"`
	ProfileID       string `json:"profile_id" validate:"required"`
	DesiredCapacity int    `json:"desired_capacity" validate:"gte=0"`
	MinSize         int    `json:"min_size" validate:"gte=0"`
	MaxSize         int    `json:"max_size" validate:"gte=0"`

	Timeout time.Duration `json:"timeout,omitempty"`
}

// CreateCluster writes the cluster record in INIT and enqueues
// CLUSTER_CREATE. The returned cluster reflects the record before the
// action runs.
func (s *Service) CreateCluster(ctx context.Context, req CreateClusterRequest) (*Cluster, string, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, "", NewPermanentError("invalid cluster request", err).WithCode(ErrCodeValidation)
	}
	if req.MaxSize > 0 && req.DesiredCapacity > req.MaxSize {
		return nil, "", NewPermanentError(
			fmt.Sprintf("desired capacity %d exceeds max size %d", req.DesiredCapacity, req.MaxSize), nil,
		).WithCode(ErrCodeValidation)
	}
	if req.DesiredCapacity < req.MinSize {
		return nil, "", NewPermanentError(
			fmt.Sprintf("desired capacity %d below min size %d", req.DesiredCapacity, req.MinSize), nil,
		).WithCode(ErrCodeValidation)
	}
	if _, err := s.store.GetProfile(ctx, req.ProfileID); err != nil {
		return nil, "", err
	}

	c := &Cluster{
		ID:              uuid.New().String(),
		Name:            req.Name,
		ProfileID:       req.ProfileID,
		DesiredCapacity: req.DesiredCapacity,
		MinSize:         req.MinSize,
		MaxSize:         req.MaxSize,
		Status:          ClusterInit,
		StatusReason:    "creation queued",
	}
	if err := s.store.CreateCluster(ctx, c); err != nil {
		return nil, "", err
	}

	actionID, err := s.submit(ctx, OpClusterCreate, c.ID, nil, req.Timeout)
	if err != nil {
		return nil, "", err
	}
	return c, actionID, nil
}

// DeleteCluster enqueues CLUSTER_DELETE.
func (s *Service) DeleteCluster(ctx context.Context, clusterID string) (string, error) {
	if _, err := s.store.GetCluster(ctx, clusterID); err != nil {
		return "", err
	}
	return s.submit(ctx, OpClusterDelete, clusterID, nil, 0)
}

// UpdateCluster enqueues CLUSTER_UPDATE with the given metadata changes.
func (s *Service) UpdateCluster(ctx context.Context, clusterID string, inputs map[string]any) (string, error) {
	if _, err := s.store.GetCluster(ctx, clusterID); err != nil {
		return "", err
	}
	return s.submit(ctx, OpClusterUpdate, clusterID, inputs, 0)
}

// ResizeCluster enqueues CLUSTER_RESIZE to an exact capacity.
func (s *Service) ResizeCluster(ctx context.Context, clusterID string, desiredCapacity int) (string, error) {
	if desiredCapacity < 0 {
		return "", NewPermanentError("desired capacity must be non-negative", nil).WithCode(ErrCodeValidation)
	}
	if _, err := s.store.GetCluster(ctx, clusterID); err != nil {
		return "", err
	}
	return s.submit(ctx, OpClusterResize, clusterID, map[string]any{"desired_capacity": desiredCapacity}, 0)
}

// ScaleInCluster enqueues CLUSTER_SCALE_IN removing count nodes.
func (s *Service) ScaleInCluster(ctx context.Context, clusterID string, count int) (string, error) {
	if count <= 0 {
		return "", NewPermanentError("count must be positive", nil).WithCode(ErrCodeValidation)
	}
	if _, err := s.store.GetCluster(ctx, clusterID); err != nil {
		return "", err
	}
	return s.submit(ctx, OpClusterScaleIn, clusterID, map[string]any{"count": count}, 0)
}

// ScaleOutCluster enqueues CLUSTER_SCALE_OUT adding count nodes.
func (s *Service) ScaleOutCluster(ctx context.Context, clusterID string, count int) (string, error) {
	if count <= 0 {
		return "", NewPermanentError("count must be positive", nil).WithCode(ErrCodeValidation)
	}
	if _, err := s.store.GetCluster(ctx, clusterID); err != nil {
		return "", err
	}
	return s.submit(ctx, OpClusterScaleOut, clusterID, map[string]any{"count": count}, 0)
}

// CheckCluster enqueues CLUSTER_CHECK.
func (s *Service) CheckCluster(ctx context.Context, clusterID string) (string, error) {
	if _, err := s.store.GetCluster(ctx, clusterID); err != nil {
		return "", err
	}
	return s.submit(ctx, OpClusterCheck, clusterID, nil, 0)
}

// RecoverCluster enqueues CLUSTER_RECOVER.
func (s *Service) RecoverCluster(ctx context.Context, clusterID string) (string, error) {
	if _, err := s.store.GetCluster(ctx, clusterID); err != nil {
		return "", err
	}
	return s.submit(ctx, OpClusterRecover, clusterID, nil, 0)
}

// AttachPolicy enqueues CLUSTER_ATTACH_POLICY.
func (s *Service) AttachPolicy(ctx context.Context, clusterID, policyID string, priority *int, enabled *bool) (string, error) {
	if _, err := s.store.GetCluster(ctx, clusterID); err != nil {
		return "", err
	}
	if _, err := s.store.GetPolicy(ctx, policyID); err != nil {
		return "", err
	}
	inputs := map[string]any{"policy_id": policyID}
	if priority != nil {
		inputs["priority"] = *priority
	}
	if enabled != nil {
		inputs["enabled"] = *enabled
	}
	return s.submit(ctx, OpClusterAttachPolicy, clusterID, inputs, 0)
}

// DetachPolicy enqueues CLUSTER_DETACH_POLICY.
func (s *Service) DetachPolicy(ctx context.Context, clusterID, policyID string) (string, error) {
	if _, err := s.store.GetBinding(ctx, clusterID, policyID); err != nil {
		return "", err
	}
	return s.submit(ctx, OpClusterDetachPolicy, clusterID, map[string]any{"policy_id": policyID}, 0)
}

// UpdatePolicyBinding enqueues CLUSTER_UPDATE_POLICY.
func (s *Service) UpdatePolicyBinding(ctx context.Context, clusterID, policyID string, priority *int, enabled *bool) (string, error) {
	if _, err := s.store.GetBinding(ctx, clusterID, policyID); err != nil {
		return "", err
	}
	inputs := map[string]any{"policy_id": policyID}
	if priority != nil {
		inputs["priority"] = *priority
	}
	if enabled != nil {
		inputs["enabled"] = *enabled
	}
	return s.submit(ctx, OpClusterUpdatePolicy, clusterID, inputs, 0)
}

// CreateNodeRequest describes a standalone node.
type CreateNodeRequest struct {
	Name      string `json:"name" validate:"required"`
	ProfileID string `json:"profile_id" validate:"required"`

	// ClusterID makes the node a member at creation; empty means orphan.
	ClusterID string `json:"cluster_id,omitempty"`
}

// CreateNode writes the node record and enqueues NODE_CREATE.
func (s *Service) CreateNode(ctx context.Context, req CreateNodeRequest) (*Node, string, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, "", NewPermanentError("invalid node request", err).WithCode(ErrCodeValidation)
	}
	if _, err := s.store.GetProfile(ctx, req.ProfileID); err != nil {
		return nil, "", err
	}

	n := &Node{
		ID:        uuid.New().String(),
		Name:      req.Name,
		ProfileID: req.ProfileID,
		Index:     -1,
		Status:    ClusterInit,
	}
	if req.ClusterID != "" {
		c, err := s.store.GetCluster(ctx, req.ClusterID)
		if err != nil {
			return nil, "", err
		}
		if c.ProfileID != req.ProfileID {
			return nil, "", NewPermanentError("node profile does not match cluster profile", nil).WithCode(ErrCodeValidation)
		}
		members, err := s.store.ListNodes(ctx, c.ID)
		if err != nil {
			return nil, "", err
		}
		n.ClusterID = c.ID
		n.Index = nextNodeIndex(members)
	}
	if err := s.store.CreateNode(ctx, n); err != nil {
		return nil, "", err
	}

	actionID, err := s.submit(ctx, OpNodeCreate, n.ID, nil, 0)
	if err != nil {
		return nil, "", err
	}
	return n, actionID, nil
}

// DeleteNode enqueues NODE_DELETE.
func (s *Service) DeleteNode(ctx context.Context, nodeID string) (string, error) {
	if _, err := s.store.GetNode(ctx, nodeID); err != nil {
		return "", err
	}
	return s.submit(ctx, OpNodeDelete, nodeID, nil, 0)
}

// UpdateNode enqueues NODE_UPDATE.
func (s *Service) UpdateNode(ctx context.Context, nodeID string, inputs map[string]any) (string, error) {
	if _, err := s.store.GetNode(ctx, nodeID); err != nil {
		return "", err
	}
	return s.submit(ctx, OpNodeUpdate, nodeID, inputs, 0)
}

// JoinNode enqueues NODE_JOIN of an orphan node into a cluster.
func (s *Service) JoinNode(ctx context.Context, nodeID, clusterID string) (string, error) {
	if _, err := s.store.GetNode(ctx, nodeID); err != nil {
		return "", err
	}
	if _, err := s.store.GetCluster(ctx, clusterID); err != nil {
		return "", err
	}
	return s.submit(ctx, OpNodeJoin, nodeID, map[string]any{"cluster_id": clusterID}, 0)
}

// LeaveNode enqueues NODE_LEAVE.
func (s *Service) LeaveNode(ctx context.Context, nodeID string) (string, error) {
	if _, err := s.store.GetNode(ctx, nodeID); err != nil {
		return "", err
	}
	return s.submit(ctx, OpNodeLeave, nodeID, nil, 0)
}

// CheckNode enqueues NODE_CHECK.
func (s *Service) CheckNode(ctx context.Context, nodeID string) (string, error) {
	if _, err := s.store.GetNode(ctx, nodeID); err != nil {
		return "", err
	}
	return s.submit(ctx, OpNodeCheck, nodeID, nil, 0)
}

// RecoverNode enqueues NODE_RECOVER.
func (s *Service) RecoverNode(ctx context.Context, nodeID string) (string, error) {
	if _, err := s.store.GetNode(ctx, nodeID); err != nil {
		return "", err
	}
	return s.submit(ctx, OpNodeRecover, nodeID, nil, 0)
}

// ReportNodeFailure handles an inbound health event: it resolves the
// physical id to a node and enqueues NODE_RECOVER. Unknown physical ids
// are ignored with a warning because the backend may report resources the
// engine never managed.
func (s *Service) ReportNodeFailure(ctx context.Context, ev HealthEvent) (string, error) {
	n, err := s.store.GetNodeByPhysicalID(ctx, ev.TargetPhysicalID)
	if err != nil {
		if IsNotFound(err) {
			s.logger.Warn().
				Str("physical_id", ev.TargetPhysicalID).
				Str("event", ev.Event).
				Msg("health event for unmanaged resource, ignored")
			return "", nil
		}
		return "", err
	}
	s.logger.Info().
		Str("node", n.ID).
		Str("event", ev.Event).
		Msg("node failure reported")
	raw, err := json.Marshal(map[string]any{"source": "event", "event": ev.Event})
	if err != nil {
		return "", NewPermanentError("failed to encode inputs", err).WithCode(ErrCodeValidation)
	}
	return s.enqueue(ctx, OpNodeRecover, n.ID, raw, 0, CauseDerived)
}

// GetAction returns one action.
func (s *Service) GetAction(ctx context.Context, id string) (*Action, error) {
	return s.store.GetAction(ctx, id)
}

// ListActions returns a page of actions matching the filter.
func (s *Service) ListActions(ctx context.Context, f ActionFilter) ([]*Action, error) {
	return s.store.ListActions(ctx, f)
}

// CancelAction posts CANCEL to the action's mailbox. Only a RUNNING action
// has a worker watching the mailbox, so only RUNNING takes the signal.
func (s *Service) CancelAction(ctx context.Context, id string) error {
	return s.store.SetControl(ctx, id, ControlCancel, []Status{StatusRunning})
}

// SuspendAction posts SUSPEND; only a RUNNING action can take it.
func (s *Service) SuspendAction(ctx context.Context, id string) error {
	return s.store.SetControl(ctx, id, ControlSuspend, []Status{StatusRunning})
}

// ResumeAction posts RESUME; only a SUSPENDED action can take it.
func (s *Service) ResumeAction(ctx context.Context, id string) error {
	return s.store.SetControl(ctx, id, ControlResume, []Status{StatusSuspended})
}

// GetCluster returns one cluster with its runtime view populated.
func (s *Service) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	c, err := s.store.GetCluster(ctx, id)
	if err != nil {
		return nil, err
	}
	rt := &ClusterRuntime{}
	if rt.Profile, err = s.store.GetProfile(ctx, c.ProfileID); err != nil {
		return nil, err
	}
	if rt.Nodes, err = s.store.ListNodes(ctx, c.ID); err != nil {
		return nil, err
	}
	if rt.Bindings, err = s.store.ListBindings(ctx, c.ID); err != nil {
		return nil, err
	}
	c.Runtime = rt
	return c, nil
}

// ListClusters returns a page of clusters.
func (s *Service) ListClusters(ctx context.Context, marker string, limit int) ([]*Cluster, error) {
	return s.store.ListClusters(ctx, marker, limit)
}

// GetNode returns one node.
func (s *Service) GetNode(ctx context.Context, id string) (*Node, error) {
	return s.store.GetNode(ctx, id)
}

// ListNodes returns the members of a cluster, or all orphans when
// clusterID is empty.
func (s *Service) ListNodes(ctx context.Context, clusterID string) ([]*Node, error) {
	return s.store.ListNodes(ctx, clusterID)
}

// ListPolicies returns all policy objects.
func (s *Service) ListPolicies(ctx context.Context) ([]*PolicyObject, error) {
	return s.store.ListPolicies(ctx)
}

// ListEvents returns the execution log of one action.
func (s *Service) ListEvents(ctx context.Context, actionID string, limit int) ([]*Event, error) {
	return s.store.ListEvents(ctx, actionID, limit)
}
