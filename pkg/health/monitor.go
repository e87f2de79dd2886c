// Package health watches clusters that carry a health policy binding and
// turns observed node failures into recovery actions. Detection is either
// periodic status polling through the node's driver or an external
// lifecycle event fed into HandleEvent.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openherd/openherd/pkg/engine"
	"github.com/openherd/openherd/pkg/policy"
	"github.com/openherd/openherd/pkg/telemetry"
)

// MonitorConfig tunes the health monitor.
type MonitorConfig struct {
	// SweepInterval is how often the watch list is rebuilt from bindings
	// and due clusters are polled.
	SweepInterval time.Duration

	// Probe optionally verifies SSH reachability in addition to the
	// driver's status report. Nil disables probing.
	Probe *Probe

	// Address resolves a node to a probe address. Nil disables probing.
	Address func(n *engine.Node) string

	// FailuresBeforeRecovery is how many consecutive failed polls a node
	// must accumulate before a recovery is submitted. A healthy poll
	// resets the count.
	FailuresBeforeRecovery int
}

// DefaultMonitorConfig returns the default monitor tuning.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{SweepInterval: 15 * time.Second, FailuresBeforeRecovery: 1}
}

// Monitor polls watched clusters and reports failed nodes to the service,
// which submits recovery actions.
type Monitor struct {
	store   engine.Store
	svc     *engine.Service
	drivers engine.DriverRegistry
	tel     *telemetry.Telemetry
	cfg     MonitorConfig
	logger  zerolog.Logger

	lastPoll map[string]time.Time
	failures map[string]int
}

// NewMonitor creates a health monitor.
func NewMonitor(store engine.Store, svc *engine.Service, drivers engine.DriverRegistry, tel *telemetry.Telemetry, cfg MonitorConfig) *Monitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultMonitorConfig().SweepInterval
	}
	if cfg.FailuresBeforeRecovery <= 0 {
		cfg.FailuresBeforeRecovery = 1
	}
	return &Monitor{
		store:    store,
		svc:      svc,
		drivers:  drivers,
		tel:      tel,
		cfg:      cfg,
		logger:   tel.Logger.NewComponentLogger("health").Zerolog(),
		lastPoll: make(map[string]time.Time),
		failures: make(map[string]int),
	}
}

// Run blocks, sweeping watched clusters until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("sweep_interval", m.cfg.SweepInterval).Msg("health monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health monitor stopped")
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep polls every watched cluster whose interval has elapsed.
func (m *Monitor) sweep(ctx context.Context) {
	clusters, err := m.store.ListClusters(ctx, "", 0)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to list clusters")
		return
	}

	now := time.Now()
	for _, c := range clusters {
		detection, interval, ok := m.watchFor(ctx, c.ID)
		if !ok || detection != policy.DetectPolling {
			// Event-driven clusters are fed through HandleEvent.
			continue
		}
		if last, polled := m.lastPoll[c.ID]; polled && now.Sub(last) < interval {
			continue
		}
		m.lastPoll[c.ID] = now
		m.pollCluster(ctx, c)
	}
}

// watchFor finds the health binding state of a cluster, if any.
func (m *Monitor) watchFor(ctx context.Context, clusterID string) (string, time.Duration, bool) {
	bindings, err := m.store.ListBindings(ctx, clusterID)
	if err != nil {
		m.logger.Warn().Err(err).Str("cluster_id", clusterID).Msg("failed to list bindings")
		return "", 0, false
	}
	for i := range bindings {
		b := &bindings[i]
		if !b.Enabled {
			continue
		}
		if detection, interval, ok := policy.WatchState(b); ok {
			return detection, interval, true
		}
	}
	return "", 0, false
}

// pollCluster asks the driver for each member's status and reports every
// node the backend no longer considers healthy.
func (m *Monitor) pollCluster(ctx context.Context, c *engine.Cluster) {
	profile, err := m.store.GetProfile(ctx, c.ProfileID)
	if err != nil {
		m.logger.Warn().Err(err).Str("cluster_id", c.ID).Msg("failed to load cluster profile")
		return
	}
	drv, err := m.drivers.Driver(profile.Driver)
	if err != nil {
		m.logger.Warn().Err(err).Str("cluster_id", c.ID).Msg("failed to resolve driver")
		return
	}
	nodes, err := m.store.ListNodes(ctx, c.ID)
	if err != nil {
		m.logger.Warn().Err(err).Str("cluster_id", c.ID).Msg("failed to list nodes")
		return
	}

	for _, n := range nodes {
		if n.PhysicalID == "" {
			continue
		}
		healthy := true
		status, err := drv.Status(ctx, n.PhysicalID)
		switch {
		case engine.IsNotFound(err):
			healthy = false
		case err != nil:
			m.logger.Warn().Err(err).Str("node_id", n.ID).Msg("status poll failed")
			continue
		case status != engine.ClusterActive:
			healthy = false
		}

		if healthy && m.cfg.Probe != nil && m.cfg.Address != nil {
			if addr := m.cfg.Address(n); addr != "" {
				if err := m.cfg.Probe.Check(ctx, addr); err != nil {
					m.logger.Info().Err(err).Str("node_id", n.ID).Str("addr", addr).Msg("ssh probe failed")
					healthy = false
				}
			}
		}
		if healthy {
			delete(m.failures, n.ID)
			continue
		}

		m.failures[n.ID]++
		if m.failures[n.ID] < m.cfg.FailuresBeforeRecovery {
			continue
		}
		delete(m.failures, n.ID)
		m.report(ctx, c.ID, n, "status_poll")
	}
}

// recoveryInFlight reports whether a NODE_RECOVER for the node is already
// queued or executing.
func (m *Monitor) recoveryInFlight(ctx context.Context, nodeID string) bool {
	actions, err := m.store.ListActions(ctx, engine.ActionFilter{
		Operation: engine.OpNodeRecover,
		Target:    nodeID,
		Status: []engine.Status{
			engine.StatusInit, engine.StatusReady, engine.StatusWaiting,
			engine.StatusWaitingLifecycle, engine.StatusRunning, engine.StatusSuspended,
		},
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("node_id", nodeID).Msg("failed to check pending recoveries")
		return false
	}
	return len(actions) > 0
}

// HandleEvent is the intake for external lifecycle events on clusters
// watched with LIFECYCLE_EVENTS detection.
func (m *Monitor) HandleEvent(ctx context.Context, ev engine.HealthEvent) error {
	n, err := m.store.GetNodeByPhysicalID(ctx, ev.TargetPhysicalID)
	if engine.IsNotFound(err) {
		m.logger.Warn().Str("physical_id", ev.TargetPhysicalID).Msg("event for unknown resource ignored")
		return nil
	}
	if err != nil {
		return err
	}
	if n.ClusterID == "" {
		return nil
	}
	detection, _, ok := m.watchFor(ctx, n.ClusterID)
	if !ok || detection != policy.DetectEvents {
		return nil
	}
	m.report(ctx, n.ClusterID, n, "lifecycle_event")
	return nil
}

// report submits a recovery for a failed node. A node with a recovery
// still in flight is not reported again.
func (m *Monitor) report(ctx context.Context, clusterID string, n *engine.Node, source string) {
	m.tel.Metrics.RecordNodeFailure(source)
	_ = m.tel.Events.PublishNodeFailure(n.ID, source)

	if m.recoveryInFlight(ctx, n.ID) {
		m.logger.Debug().Str("node_id", n.ID).Msg("recovery already in flight")
		return
	}

	actionID, err := m.svc.ReportNodeFailure(ctx, engine.HealthEvent{
		Event:            source,
		TargetPhysicalID: n.PhysicalID,
		Timestamp:        time.Now(),
	})
	if err != nil {
		m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to submit recovery")
		return
	}
	m.logger.Info().
		Str("cluster_id", clusterID).
		Str("node_id", n.ID).
		Str("source", source).
		Str("action_id", actionID).
		Msg("node failure reported")
}
