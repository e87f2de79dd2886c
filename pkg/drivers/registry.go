// Package drivers contains the backend implementations that provision,
// inspect, and destroy the physical resources behind nodes. The engine
// only sees the engine.Driver boundary; everything provider-specific
// stays here.
package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/openherd/openherd/pkg/engine"
	"github.com/openherd/openherd/pkg/telemetry"
)

// Registry resolves driver names to implementations. Every returned driver
// is wrapped with telemetry instrumentation.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]engine.Driver
}

var _ engine.DriverRegistry = (*Registry)(nil)

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]engine.Driver)}
}

// Register installs a driver under a name, replacing any previous one.
func (r *Registry) Register(name string, d engine.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = d
}

// Driver implements engine.DriverRegistry.
func (r *Registry) Driver(name string) (engine.Driver, error) {
	r.mu.RLock()
	d, ok := r.drivers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown driver %q", name), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return &instrumented{name: name, inner: d}, nil
}

// Names returns the registered driver names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// instrumented wraps a driver so every call produces a span and metrics.
type instrumented struct {
	name  string
	inner engine.Driver
}

func (d *instrumented) Create(ctx context.Context, spec, callCtx json.RawMessage) (string, error) {
	var physicalID string
	err := telemetry.RecordDriverOperation(ctx, d.name, "create", func() error {
		var err error
		physicalID, err = d.inner.Create(ctx, spec, callCtx)
		return err
	})
	return physicalID, err
}

func (d *instrumented) Update(ctx context.Context, physicalID string, spec json.RawMessage) error {
	return telemetry.RecordDriverOperation(ctx, d.name, "update", func() error {
		return d.inner.Update(ctx, physicalID, spec)
	})
}

func (d *instrumented) Delete(ctx context.Context, physicalID string) error {
	return telemetry.RecordDriverOperation(ctx, d.name, "delete", func() error {
		return d.inner.Delete(ctx, physicalID)
	})
}

func (d *instrumented) Status(ctx context.Context, physicalID string) (engine.ClusterStatus, error) {
	var status engine.ClusterStatus
	err := telemetry.RecordDriverOperation(ctx, d.name, "status", func() error {
		var err error
		status, err = d.inner.Status(ctx, physicalID)
		return err
	})
	return status, err
}
