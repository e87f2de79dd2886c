package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/openherd/openherd/pkg/engine"
)

// hcloudSpec is the profile spec understood by the Hetzner Cloud driver.
type hcloudSpec struct {
	ServerType string            `json:"server_type"`
	Image      string            `json:"image"`
	Location   string            `json:"location,omitempty"`
	SSHKeys    []string          `json:"ssh_keys,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	UserData   string            `json:"user_data,omitempty"`
	Networks   []int64           `json:"networks,omitempty"`
}

// HCloud provisions nodes as Hetzner Cloud servers. The physical id is the
// numeric server id.
type HCloud struct {
	client *hcloud.Client
}

var _ engine.Driver = (*HCloud)(nil)

// NewHCloud creates a Hetzner Cloud driver. Default client options
// (application name) are applied first; callers can override them.
func NewHCloud(opts ...hcloud.ClientOption) *HCloud {
	defaults := []hcloud.ClientOption{
		hcloud.WithApplication("openherd", "0.1.0"),
	}
	return &HCloud{client: hcloud.NewClient(append(defaults, opts...)...)}
}

// Create implements engine.Driver.
func (h *HCloud) Create(ctx context.Context, spec, _ json.RawMessage) (string, error) {
	var s hcloudSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return "", engine.NewPermanentError("invalid hcloud profile spec", err).
			WithCode(engine.ErrCodeValidation)
	}

	labels := map[string]string{"managed-by": "openherd"}
	for k, v := range s.Labels {
		labels[k] = v
	}

	opts := hcloud.ServerCreateOpts{
		Name:       fmt.Sprintf("herd-%s", uuid.New().String()[:8]),
		ServerType: &hcloud.ServerType{Name: s.ServerType},
		Image:      &hcloud.Image{Name: s.Image},
		UserData:   s.UserData,
		Labels:     labels,
	}
	if s.Location != "" {
		opts.Location = &hcloud.Location{Name: s.Location}
	}
	// The API wants SSH key ids, so names are resolved first.
	for _, key := range s.SSHKeys {
		sshKey, _, err := h.client.SSHKey.Get(ctx, key)
		if err != nil {
			return "", h.wrap("resolve ssh key", err)
		}
		if sshKey == nil {
			return "", engine.NewPermanentError(fmt.Sprintf("ssh key %q not found", key), nil).
				WithCode(engine.ErrCodeValidation)
		}
		opts.SSHKeys = append(opts.SSHKeys, sshKey)
	}
	for _, id := range s.Networks {
		opts.Networks = append(opts.Networks, &hcloud.Network{ID: id})
	}

	result, _, err := h.client.Server.Create(ctx, opts)
	if err != nil {
		return "", h.wrap("create server", err)
	}
	return strconv.FormatInt(result.Server.ID, 10), nil
}

// Update implements engine.Driver. Only labels are reconciled in place;
// changing the server type or image means recreating the node.
func (h *HCloud) Update(ctx context.Context, physicalID string, spec json.RawMessage) error {
	id, err := parseServerID(physicalID)
	if err != nil {
		return err
	}
	var s hcloudSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return engine.NewPermanentError("invalid hcloud profile spec", err).
			WithCode(engine.ErrCodeValidation)
	}

	labels := map[string]string{"managed-by": "openherd"}
	for k, v := range s.Labels {
		labels[k] = v
	}
	_, _, err = h.client.Server.Update(ctx, &hcloud.Server{ID: id}, hcloud.ServerUpdateOpts{Labels: labels})
	if err != nil {
		return h.wrap("update server", err)
	}
	return nil
}

// Delete implements engine.Driver.
func (h *HCloud) Delete(ctx context.Context, physicalID string) error {
	id, err := parseServerID(physicalID)
	if err != nil {
		return err
	}
	_, _, err = h.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: id})
	if err != nil {
		return h.wrap("delete server", err)
	}
	return nil
}

// Status implements engine.Driver.
func (h *HCloud) Status(ctx context.Context, physicalID string) (engine.ClusterStatus, error) {
	id, err := parseServerID(physicalID)
	if err != nil {
		return "", err
	}
	server, _, err := h.client.Server.GetByID(ctx, id)
	if err != nil {
		return "", h.wrap("get server", err)
	}
	if server == nil {
		return "", engine.NewPermanentError(fmt.Sprintf("server not found: %s", physicalID), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	switch server.Status {
	case hcloud.ServerStatusRunning:
		return engine.ClusterActive, nil
	case hcloud.ServerStatusInitializing, hcloud.ServerStatusStarting:
		return engine.ClusterCreating, nil
	case hcloud.ServerStatusDeleting:
		return engine.ClusterDeleting, nil
	case hcloud.ServerStatusOff, hcloud.ServerStatusStopping:
		return engine.ClusterWarning, nil
	default:
		return engine.ClusterError, nil
	}
}

func parseServerID(physicalID string) (int64, error) {
	id, err := strconv.ParseInt(physicalID, 10, 64)
	if err != nil {
		return 0, engine.NewPermanentError(fmt.Sprintf("invalid server id %q", physicalID), err).
			WithCode(engine.ErrCodeValidation)
	}
	return id, nil
}

// wrap classifies an hcloud API error for the engine.
func (h *HCloud) wrap(op string, err error) error {
	if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
		return engine.NewPermanentError(fmt.Sprintf("failed to %s", op), err).
			WithCode(engine.ErrCodeNotFound)
	}
	if hcloud.IsError(err, hcloud.ErrorCodeRateLimitExceeded) || hcloud.IsError(err, hcloud.ErrorCodeConflict) {
		return engine.NewTransientError(fmt.Sprintf("failed to %s", op), err).
			WithCode(engine.ErrCodeDriverFailed)
	}
	return engine.NewPermanentError(fmt.Sprintf("failed to %s", op), err).
		WithCode(engine.ErrCodeDriverFailed)
}
