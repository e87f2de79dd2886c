package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// LockManagerConfig tunes lock acquisition and reaping.
type LockManagerConfig struct {
	// TTL is the heartbeat deadline written with every acquisition and refresh.
	TTL time.Duration

	// MaxRetries bounds acquisition attempts before the action fails with
	// a contention error.
	MaxRetries int

	// InitialBackoff seeds the exponential backoff between attempts.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff interval.
	MaxBackoff time.Duration

	// ReapInterval is how often the reaper scans for stale locks.
	ReapInterval time.Duration

	// MaxRestarts bounds how often an orphaned action is requeued before
	// being forced to FAILED.
	MaxRestarts int
}

// DefaultLockManagerConfig returns sensible defaults.
func DefaultLockManagerConfig() LockManagerConfig {
	return LockManagerConfig{
		TTL:            30 * time.Second,
		MaxRetries:     5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		ReapInterval:   15 * time.Second,
		MaxRestarts:    3,
	}
}

// LockManager acquires and releases advisory, reentrant, ownership-tagged
// locks on cluster and node identifiers, and reclaims locks held by dead
// owners.
type LockManager struct {
	store  Store
	graph  *Graph
	cfg    LockManagerConfig
	logger zerolog.Logger
}

// NewLockManager creates a lock manager.
func NewLockManager(store Store, graph *Graph, cfg LockManagerConfig, logger zerolog.Logger) *LockManager {
	if cfg.TTL <= 0 {
		cfg = DefaultLockManagerConfig()
	}
	return &LockManager{
		store:  store,
		graph:  graph,
		cfg:    cfg,
		logger: logger.With().Str("component", "lock-manager").Logger(),
	}
}

// Acquire obtains the lock on objectID for the given action. An action
// caused by an external request always attempts a fresh acquisition; a
// derived action may reuse a lock held by an ancestor in its call chain,
// which avoids self-deadlock when a parent forks children operating on the
// same object. Acquisition retries with exponential backoff up to
// MaxRetries, then fails with a contention error.
func (m *LockManager) Acquire(ctx context.Context, objectID string, a *Action, worker string) error {
	attempt := 0
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialBackoff
	bo.MaxInterval = m.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // bounded by MaxRetries, not wall time

	for {
		ok, holder, err := m.store.AcquireLock(ctx, objectID, worker, a.ID, m.cfg.TTL)
		if err != nil {
			return fmt.Errorf("failed to acquire lock on %s: %w", objectID, err)
		}
		if ok {
			return nil
		}

		// Lock chain reuse: a derived action borrows a lock held on
		// behalf of one of its ancestors.
		if a.Cause == CauseDerived && holder != nil {
			ancestors, aerr := m.graph.Ancestors(ctx, a.ID)
			if aerr != nil {
				return aerr
			}
			for _, anc := range ancestors {
				if holder.ActionID == anc {
					m.logger.Debug().
						Str("object", objectID).
						Str("action", a.ID).
						Str("ancestor", anc).
						Msg("reusing ancestor lock")
					return nil
				}
			}
		}

		attempt++
		if attempt > m.cfg.MaxRetries {
			holderID := ""
			if holder != nil {
				holderID = holder.ActionID
			}
			return NewContentionError(
				fmt.Sprintf("lock on %s held by action %s after %d attempts", objectID, holderID, attempt-1),
				nil,
			).WithCode(ErrCodeContention).WithTarget(objectID)
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Refresh extends the heartbeat deadline of a held lock.
func (m *LockManager) Refresh(ctx context.Context, objectID, worker string) error {
	return m.store.RefreshLock(ctx, objectID, worker, m.cfg.TTL)
}

// Release drops one level of the lock. It is unconditional on every
// terminal transition and on RETRY; a borrowed ancestor lock is left
// untouched because the store release is owner-guarded.
func (m *LockManager) Release(ctx context.Context, objectID, worker string) {
	if err := m.store.ReleaseLock(ctx, objectID, worker); err != nil {
		m.logger.Warn().Err(err).
			Str("object", objectID).
			Str("worker", worker).
			Msg("lock release failed")
	}
}

// Reap scans once for locks whose owning worker is no longer alive
// (heartbeat expired), breaks them, and requeues the orphaned actions so
// the engine does not deadlock across process crashes. It returns the
// number of locks reclaimed.
func (m *LockManager) Reap(ctx context.Context, now time.Time) (int, error) {
	stale, err := m.store.ListExpiredLocks(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired locks: %w", err)
	}

	reclaimed := 0
	for _, l := range stale {
		if err := m.store.BreakLock(ctx, l.ObjectID, l.Owner); err != nil {
			m.logger.Warn().Err(err).Str("object", l.ObjectID).Msg("failed to break stale lock")
			continue
		}
		reclaimed++

		status, err := m.store.RequeueOrphan(ctx, l.ActionID, m.cfg.MaxRestarts)
		if err != nil {
			m.logger.Warn().Err(err).Str("action", l.ActionID).Msg("failed to requeue orphaned action")
			continue
		}
		m.logger.Info().
			Str("object", l.ObjectID).
			Str("action", l.ActionID).
			Str("dead_owner", l.Owner).
			Str("status", string(status)).
			Msg("stale lock reclaimed")
	}
	return reclaimed, nil
}

// RunReaper runs the reaper loop until the context is cancelled.
func (m *LockManager) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if _, err := m.Reap(ctx, now); err != nil {
				m.logger.Error().Err(err).Msg("lock reap pass failed")
			}
		}
	}
}
