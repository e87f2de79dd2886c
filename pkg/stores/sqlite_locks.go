package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openherd/openherd/pkg/engine"
)

// AcquireLock grants the lock when it is free, expired, or already held by
// the same owner for the same action. On refusal the current holder is
// returned so callers can report contention.
func (s *SQLiteStore) AcquireLock(ctx context.Context, objectID, owner, actionID string, ttl time.Duration) (bool, *engine.Lock, error) {
	now := time.Now()
	var granted bool
	var holder *engine.Lock

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		granted, holder = false, nil

		cur := &engine.Lock{}
		err := tx.QueryRowContext(ctx,
			`SELECT object_id, owner, action_id, depth, acquired_at, expires_at FROM locks WHERE object_id = ?`,
			objectID,
		).Scan(&cur.ObjectID, &cur.Owner, &cur.ActionID, &cur.Depth, &cur.AcquiredAt, &cur.ExpiresAt)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			lock := &engine.Lock{
				ObjectID: objectID, Owner: owner, ActionID: actionID,
				Depth: 1, AcquiredAt: now, ExpiresAt: now.Add(ttl),
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO locks (object_id, owner, action_id, depth, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
				lock.ObjectID, lock.Owner, lock.ActionID, lock.Depth, lock.AcquiredAt, lock.ExpiresAt,
			); err != nil {
				return fmt.Errorf("failed to insert lock: %w", err)
			}
			granted, holder = true, lock
			return nil

		case err != nil:
			return fmt.Errorf("failed to read lock: %w", err)
		}

		if cur.ExpiresAt.Before(now) {
			// Stale lock from a dead worker; take it over.
			lock := &engine.Lock{
				ObjectID: objectID, Owner: owner, ActionID: actionID,
				Depth: 1, AcquiredAt: now, ExpiresAt: now.Add(ttl),
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE locks SET owner = ?, action_id = ?, depth = 1, acquired_at = ?, expires_at = ? WHERE object_id = ?`,
				lock.Owner, lock.ActionID, lock.AcquiredAt, lock.ExpiresAt, objectID,
			); err != nil {
				return fmt.Errorf("failed to take over stale lock: %w", err)
			}
			granted, holder = true, lock
			return nil
		}

		if cur.Owner == owner && cur.ActionID == actionID {
			cur.Depth++
			cur.ExpiresAt = now.Add(ttl)
			if _, err := tx.ExecContext(ctx,
				`UPDATE locks SET depth = ?, expires_at = ? WHERE object_id = ?`,
				cur.Depth, cur.ExpiresAt, objectID,
			); err != nil {
				return fmt.Errorf("failed to reenter lock: %w", err)
			}
			granted, holder = true, cur
			return nil
		}

		holder = cur
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return granted, holder, nil
}

// RefreshLock extends the heartbeat deadline of a held lock.
func (s *SQLiteStore) RefreshLock(ctx context.Context, objectID, owner string, ttl time.Duration) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE object_id = ? AND owner = ?`,
		time.Now().Add(ttl), objectID, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("lock on %s is no longer held by %s", objectID, owner), nil,
		).WithCode(engine.ErrCodeOwnershipLost)
	}
	return nil
}

// ReleaseLock decrements the reentrancy depth, removing the lock at zero.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, objectID, owner string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var curOwner string
		var depth int
		err := tx.QueryRowContext(ctx,
			`SELECT owner, depth FROM locks WHERE object_id = ?`, objectID,
		).Scan(&curOwner, &depth)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && curOwner != owner) {
			return engine.NewPermanentError(
				fmt.Sprintf("lock on %s is no longer held by %s", objectID, owner), nil,
			).WithCode(engine.ErrCodeOwnershipLost)
		}
		if err != nil {
			return fmt.Errorf("failed to read lock: %w", err)
		}

		if depth > 1 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE locks SET depth = depth - 1 WHERE object_id = ?`, objectID,
			); err != nil {
				return fmt.Errorf("failed to decrement lock depth: %w", err)
			}
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE object_id = ?`, objectID); err != nil {
			return fmt.Errorf("failed to delete lock: %w", err)
		}
		return nil
	})
}

// GetLock retrieves the current lock on an object.
func (s *SQLiteStore) GetLock(ctx context.Context, objectID string) (*engine.Lock, error) {
	l := &engine.Lock{}
	err := s.db.QueryRowContext(ctx,
		`SELECT object_id, owner, action_id, depth, acquired_at, expires_at FROM locks WHERE object_id = ?`,
		objectID,
	).Scan(&l.ObjectID, &l.Owner, &l.ActionID, &l.Depth, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("lock", objectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	return l, nil
}

// ListExpiredLocks returns locks whose heartbeat deadline has passed.
func (s *SQLiteStore) ListExpiredLocks(ctx context.Context, now time.Time) ([]engine.Lock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT object_id, owner, action_id, depth, acquired_at, expires_at FROM locks WHERE expires_at <= ? ORDER BY expires_at`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired locks: %w", err)
	}
	defer rows.Close()

	var locks []engine.Lock
	for rows.Next() {
		var l engine.Lock
		if err := rows.Scan(&l.ObjectID, &l.Owner, &l.ActionID, &l.Depth, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locks: %w", err)
	}
	return locks, nil
}

// BreakLock force-releases a lock regardless of depth. The owner guard
// makes the break a no-op when the lock has already changed hands.
func (s *SQLiteStore) BreakLock(ctx context.Context, objectID, owner string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE object_id = ? AND owner = ?`, objectID, owner,
	); err != nil {
		return fmt.Errorf("failed to break lock: %w", err)
	}
	return nil
}

// AppendEvent adds one line to the execution log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *engine.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO events (action_id, cluster_id, level, message, timestamp) VALUES (?, ?, ?, ?, ?)`,
		e.ActionID, e.ClusterID, e.Level, e.Message, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}
	e.ID = id
	return nil
}

// ListEvents returns the newest events, optionally filtered to one action.
func (s *SQLiteStore) ListEvents(ctx context.Context, actionID string, limit int) ([]*engine.Event, error) {
	if limit <= 0 {
		limit = s.ListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_id, cluster_id, level, message, timestamp
		FROM events
		WHERE (? = '' OR action_id = ?)
		ORDER BY id DESC
		LIMIT ?`,
		actionID, actionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		e := &engine.Event{}
		if err := rows.Scan(&e.ID, &e.ActionID, &e.ClusterID, &e.Level, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
