package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openherd/openherd/pkg/engine"
)

// fakeSpec is the profile spec understood by the fake driver.
type fakeSpec struct {
	// BootDelayMS simulates provisioning latency.
	BootDelayMS int `json:"boot_delay_ms,omitempty"`

	// FailCreate makes every create call fail.
	FailCreate bool `json:"fail_create,omitempty"`
}

// Fake is an in-memory driver for tests and throwaway daemons. Created
// resources live in a map; nothing touches the network.
type Fake struct {
	mu      sync.Mutex
	servers map[string]engine.ClusterStatus
}

var _ engine.Driver = (*Fake)(nil)

// NewFake creates an empty fake driver.
func NewFake() *Fake {
	return &Fake{servers: make(map[string]engine.ClusterStatus)}
}

// SetStatus overrides the reported status of a resource. Tests use it to
// simulate backend failures.
func (f *Fake) SetStatus(physicalID string, status engine.ClusterStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servers[physicalID] = status
}

// Count returns the number of live resources.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.servers)
}

// Create implements engine.Driver.
func (f *Fake) Create(ctx context.Context, spec, _ json.RawMessage) (string, error) {
	var s fakeSpec
	if len(spec) > 0 {
		if err := json.Unmarshal(spec, &s); err != nil {
			return "", engine.NewPermanentError("invalid fake driver spec", err).
				WithCode(engine.ErrCodeValidation)
		}
	}
	if s.FailCreate {
		return "", engine.NewPermanentError("create failed as instructed by spec", nil).
			WithCode(engine.ErrCodeDriverFailed)
	}
	if s.BootDelayMS > 0 {
		select {
		case <-time.After(time.Duration(s.BootDelayMS) * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	id := "fake-" + uuid.New().String()
	f.mu.Lock()
	f.servers[id] = engine.ClusterActive
	f.mu.Unlock()
	return id, nil
}

// Update implements engine.Driver.
func (f *Fake) Update(_ context.Context, physicalID string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[physicalID]; !ok {
		return f.notFound(physicalID)
	}
	return nil
}

// Delete implements engine.Driver.
func (f *Fake) Delete(_ context.Context, physicalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[physicalID]; !ok {
		return f.notFound(physicalID)
	}
	delete(f.servers, physicalID)
	return nil
}

// Status implements engine.Driver.
func (f *Fake) Status(_ context.Context, physicalID string) (engine.ClusterStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.servers[physicalID]
	if !ok {
		return "", f.notFound(physicalID)
	}
	return status, nil
}

func (f *Fake) notFound(physicalID string) error {
	return engine.NewPermanentError(fmt.Sprintf("resource not found: %s", physicalID), nil).
		WithCode(engine.ErrCodeNotFound)
}
