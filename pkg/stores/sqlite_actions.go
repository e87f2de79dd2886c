package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openherd/openherd/pkg/engine"
)

const actionColumns = `id, name, operation, target, cause, parent_id, call_context, owner,
	status, status_reason, control, inputs, outputs, data, timeout_ns, interval_ns,
	start_time, stop_time, restarts, created_at, updated_at`

func scanAction(row interface{ Scan(...any) error }) (*engine.Action, error) {
	a := &engine.Action{}
	// The JSON columns are NULL when the action was created without them;
	// scanning through []byte keeps that a nil slice.
	var callCtx, inputs, outputs, data []byte
	var timeoutNS, intervalNS int64
	err := row.Scan(
		&a.ID, &a.Name, &a.Operation, &a.Target, &a.Cause, &a.ParentID, &callCtx, &a.Owner,
		&a.Status, &a.StatusReason, &a.Control, &inputs, &outputs, &data, &timeoutNS, &intervalNS,
		&a.StartTime, &a.StopTime, &a.Restarts, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Context = callCtx
	a.Inputs = inputs
	a.Outputs = outputs
	a.Timeout = time.Duration(timeoutNS)
	a.Interval = time.Duration(intervalNS)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &a.Data); err != nil {
			return nil, fmt.Errorf("corrupt action data for %s: %w", a.ID, err)
		}
	}
	return a, nil
}

// CreateAction persists an action and its initial dependency edges in one
// transaction.
func (s *SQLiteStore) CreateAction(ctx context.Context, a *engine.Action, deps []engine.Dependency) error {
	data, err := json.Marshal(a.Data)
	if err != nil {
		return fmt.Errorf("failed to encode action data: %w", err)
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO actions (id, name, operation, target, cause, parent_id, call_context, owner,
				status, status_reason, control, inputs, outputs, data, timeout_ns, interval_ns,
				start_time, stop_time, restarts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Name, a.Operation, a.Target, a.Cause, a.ParentID, []byte(a.Context), a.Owner,
			a.Status, a.StatusReason, a.Control, []byte(a.Inputs), []byte(a.Outputs), data,
			int64(a.Timeout), int64(a.Interval), a.StartTime, a.StopTime, a.Restarts, a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create action: %w", err)
		}
		for _, d := range deps {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO action_deps (action_id, depends_on, tolerant) VALUES (?, ?, ?)`,
				d.ActionID, d.DependsOn, d.Tolerant,
			); err != nil {
				return fmt.Errorf("failed to create dependency edge: %w", err)
			}
		}
		return nil
	})
}

// GetAction retrieves an action with its dependency edges populated.
func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*engine.Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("action", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}

	dependsOn, err := s.ListDependsOn(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, d := range dependsOn {
		a.DependsOn = append(a.DependsOn, d.DependsOn)
	}
	dependedBy, err := s.ListDependedBy(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, d := range dependedBy {
		a.DependedBy = append(a.DependedBy, d.ActionID)
	}
	return a, nil
}

// ListActions pages the backlog according to the filter.
func (s *SQLiteStore) ListActions(ctx context.Context, f engine.ActionFilter) ([]*engine.Action, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = s.ListLimit
	}

	var where []string
	var args []any
	if len(f.Status) > 0 {
		ph := make([]string, len(f.Status))
		for i, st := range f.Status {
			ph[i] = "?"
			args = append(args, st)
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(ph, ", ")))
	}
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, f.Target)
	}
	if f.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, f.Operation)
	}
	if f.Marker != "" {
		// Compare on (created_at, id) so rows sharing a timestamp with the
		// marker are not skipped.
		where = append(where, "(created_at, id) > ((SELECT created_at FROM actions WHERE id = ?), ?)")
		args = append(args, f.Marker, f.Marker)
	}

	query := `SELECT ` + actionColumns + ` FROM actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	actions := []*engine.Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return actions, nil
}

// ClaimAction moves a READY action to RUNNING under the given worker in one
// conditional update. A false return means another worker won.
func (s *SQLiteStore) ClaimAction(ctx context.Context, id, worker string) (bool, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE actions
		SET status = ?, owner = ?, start_time = ?, updated_at = ?
		WHERE id = ? AND status = ? AND owner = ''`,
		engine.StatusRunning, worker, now, now, id, engine.StatusReady,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim action: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ReleaseAction requeues an owned action, clearing ownership. The deadline
// is recorded only for lifecycle waits. A release to WAITING counts its
// remaining edges in the same transaction: when the last prerequisite
// terminated while this action was still RUNNING, the completion cascade had
// nothing to promote, so the release itself lands in READY. A lifecycle
// wait is a deliberate bounded wait and keeps its deadline either way.
func (s *SQLiteStore) ReleaseAction(ctx context.Context, id, worker string, to engine.Status, reason string, deadline *time.Time) error {
	if to != engine.StatusReady && to != engine.StatusWaiting && to != engine.StatusWaitingLifecycle {
		return engine.NewPermanentError(fmt.Sprintf("cannot release action to %s", to), nil).
			WithCode(engine.ErrCodeBadTransition)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if to == engine.StatusWaiting {
			var remaining int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM action_deps WHERE action_id = ?`, id,
			).Scan(&remaining); err != nil {
				return fmt.Errorf("failed to count remaining dependencies: %w", err)
			}
			if remaining == 0 {
				to = engine.StatusReady
				reason = "all dependencies resolved"
			}
		}
		if to != engine.StatusWaitingLifecycle {
			deadline = nil
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE actions
			SET status = ?, owner = '', status_reason = ?, wait_deadline = ?, updated_at = ?
			WHERE id = ? AND owner = ?`,
			to, reason, deadline, time.Now(), id, worker,
		)
		if err != nil {
			return fmt.Errorf("failed to release action: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return engine.NewPermanentError(fmt.Sprintf("action %s is not owned by %s", id, worker), nil).
				WithCode(engine.ErrCodeOwnershipLost)
		}
		return nil
	})
}

// UpdateActionStatus moves an owned action between non-terminal statuses
// without releasing ownership.
func (s *SQLiteStore) UpdateActionStatus(ctx context.Context, id, worker string, to engine.Status, reason string) error {
	if to.IsTerminal() {
		return engine.NewPermanentError("terminal transitions go through CompleteAction", nil).
			WithCode(engine.ErrCodeBadTransition)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status = ?, status_reason = ?, updated_at = ?
		WHERE id = ? AND owner = ?`,
		to, reason, time.Now(), id, worker,
	)
	if err != nil {
		return fmt.Errorf("failed to update action status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewPermanentError(fmt.Sprintf("action %s is not owned by %s", id, worker), nil).
			WithCode(engine.ErrCodeOwnershipLost)
	}
	return nil
}

// CompleteAction writes a terminal status and, in the same transaction,
// removes the action's edges, promotes unblocked dependents, transitively
// fails intolerant dependents on failure, and releases the action's locks.
func (s *SQLiteStore) CompleteAction(ctx context.Context, id string, to engine.Status, reason string, outputs json.RawMessage) ([]string, error) {
	if !to.IsTerminal() {
		return nil, engine.NewPermanentError(fmt.Sprintf("%s is not a terminal status", to), nil).
			WithCode(engine.ErrCodeBadTransition)
	}

	var promoted []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		promoted = nil
		applied, err := s.finalizeTx(ctx, tx, id, to, reason, outputs, &promoted)
		if err != nil {
			return err
		}
		if !applied {
			var status engine.Status
			err := tx.QueryRowContext(ctx, `SELECT status FROM actions WHERE id = ?`, id).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("action", id)
			}
			if err != nil {
				return fmt.Errorf("failed to check action: %w", err)
			}
			return engine.NewPermanentError(
				fmt.Sprintf("action %s is already terminal (%s)", id, status), nil,
			).WithCode(engine.ErrCodeBadTransition)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// finalizeTx is the terminal-write cascade. It reports false when the
// action was already terminal or missing, which cascade callers ignore.
func (s *SQLiteStore) finalizeTx(ctx context.Context, tx *sql.Tx, id string, to engine.Status, reason string, outputs json.RawMessage, promoted *[]string) (bool, error) {
	now := time.Now()
	result, err := tx.ExecContext(ctx, `
		UPDATE actions
		SET status = ?, status_reason = ?, outputs = COALESCE(?, outputs),
		    owner = '', control = '', stop_time = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		to, reason, []byte(outputs), now, now, id,
		engine.StatusSucceeded, engine.StatusFailed, engine.StatusCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finalize action: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE action_id = ?`, id); err != nil {
		return false, fmt.Errorf("failed to release action locks: %w", err)
	}

	deps, err := listDepsTx(ctx, tx, `SELECT action_id, depends_on, tolerant FROM action_deps WHERE depends_on = ?`, id)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM action_deps WHERE depends_on = ?`, id); err != nil {
		return false, fmt.Errorf("failed to remove dependency edges: %w", err)
	}

	for _, d := range deps {
		if to != engine.StatusSucceeded && !d.Tolerant {
			// The prerequisite failed and the dependent cannot proceed.
			// Failing it recursively unwinds its own dependents.
			if _, err := s.finalizeTx(ctx, tx, d.ActionID, engine.StatusFailed,
				fmt.Sprintf("prerequisite action %s terminated with %s", id, to), nil, promoted); err != nil {
				return false, err
			}
			continue
		}

		var remaining int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM action_deps WHERE action_id = ?`, d.ActionID,
		).Scan(&remaining); err != nil {
			return false, fmt.Errorf("failed to count remaining dependencies: %w", err)
		}
		if remaining > 0 {
			continue
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE actions SET status = ?, status_reason = 'all dependencies resolved',
				wait_deadline = NULL, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			engine.StatusReady, now, d.ActionID, engine.StatusWaiting, engine.StatusWaitingLifecycle,
		)
		if err != nil {
			return false, fmt.Errorf("failed to promote dependent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 1 {
			*promoted = append(*promoted, d.ActionID)
		}
	}
	return true, nil
}

// SaveActionData persists the policy scratch structure.
func (s *SQLiteStore) SaveActionData(ctx context.Context, id string, data engine.ActionData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode action data: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE actions SET data = ?, updated_at = ? WHERE id = ?`, raw, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to save action data: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("action", id)
	}
	return nil
}

// AddDependencies inserts edges and demotes non-running dependents to WAITING.
func (s *SQLiteStore) AddDependencies(ctx context.Context, deps []engine.Dependency) error {
	if len(deps) == 0 {
		return nil
	}
	now := time.Now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		dependents := map[string]bool{}
		for _, d := range deps {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO action_deps (action_id, depends_on, tolerant) VALUES (?, ?, ?)`,
				d.ActionID, d.DependsOn, d.Tolerant,
			); err != nil {
				return fmt.Errorf("failed to insert dependency edge: %w", err)
			}
			dependents[d.ActionID] = true
		}
		for id := range dependents {
			if _, err := tx.ExecContext(ctx, `
				UPDATE actions SET status = ?, updated_at = ?
				WHERE id = ? AND status IN (?, ?)`,
				engine.StatusWaiting, now, id, engine.StatusInit, engine.StatusReady,
			); err != nil {
				return fmt.Errorf("failed to demote dependent: %w", err)
			}
		}
		return nil
	})
}

func listDepsTx(ctx context.Context, tx *sql.Tx, query string, arg any) ([]engine.Dependency, error) {
	rows, err := tx.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	var deps []engine.Dependency
	for rows.Next() {
		var d engine.Dependency
		if err := rows.Scan(&d.ActionID, &d.DependsOn, &d.Tolerant); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

func (s *SQLiteStore) listDeps(ctx context.Context, query string, arg any) ([]engine.Dependency, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	var deps []engine.Dependency
	for rows.Next() {
		var d engine.Dependency
		if err := rows.Scan(&d.ActionID, &d.DependsOn, &d.Tolerant); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

// ListDependsOn returns the edges where actionID is the dependent.
func (s *SQLiteStore) ListDependsOn(ctx context.Context, actionID string) ([]engine.Dependency, error) {
	return s.listDeps(ctx,
		`SELECT action_id, depends_on, tolerant FROM action_deps WHERE action_id = ? ORDER BY depends_on`, actionID)
}

// ListDependedBy returns the edges where actionID is the prerequisite.
func (s *SQLiteStore) ListDependedBy(ctx context.Context, actionID string) ([]engine.Dependency, error) {
	return s.listDeps(ctx,
		`SELECT action_id, depends_on, tolerant FROM action_deps WHERE depends_on = ? ORDER BY action_id`, actionID)
}

// SetControl writes a signal into the empty mailbox of an action in one of
// the allowed statuses.
func (s *SQLiteStore) SetControl(ctx context.Context, id string, sig engine.Control, allowed []engine.Status) error {
	if len(allowed) == 0 {
		return engine.NewPermanentError("no statuses allow this signal", nil).
			WithCode(engine.ErrCodeBadControl)
	}
	ph := make([]string, len(allowed))
	args := []any{sig, time.Now(), id}
	for i, st := range allowed {
		ph[i] = "?"
		args = append(args, st)
	}
	query := fmt.Sprintf(`
		UPDATE actions SET control = ?, updated_at = ?
		WHERE id = ? AND control = '' AND status IN (%s)`, strings.Join(ph, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to set control signal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	// Distinguish the refusal for the caller.
	var status engine.Status
	var control engine.Control
	err = s.db.QueryRowContext(ctx, `SELECT status, control FROM actions WHERE id = ?`, id).Scan(&status, &control)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("action", id)
	}
	if err != nil {
		return fmt.Errorf("failed to check action: %w", err)
	}
	if control != engine.ControlNone {
		return engine.NewPermanentError(
			fmt.Sprintf("action %s already has a pending %s signal", id, control), nil,
		).WithCode(engine.ErrCodeBadControl)
	}
	return engine.NewPermanentError(
		fmt.Sprintf("action %s is %s and cannot accept %s", id, status, sig), nil,
	).WithCode(engine.ErrCodeBadControl)
}

// GetControl reads the pending signal without consuming it.
func (s *SQLiteStore) GetControl(ctx context.Context, id string) (engine.Control, error) {
	var control engine.Control
	err := s.db.QueryRowContext(ctx, `SELECT control FROM actions WHERE id = ?`, id).Scan(&control)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.ControlNone, notFound("action", id)
	}
	if err != nil {
		return engine.ControlNone, fmt.Errorf("failed to get control signal: %w", err)
	}
	return control, nil
}

// TakeControl consumes and returns the pending signal.
func (s *SQLiteStore) TakeControl(ctx context.Context, id string) (engine.Control, error) {
	var control engine.Control
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT control FROM actions WHERE id = ?`, id).Scan(&control)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("action", id)
		}
		if err != nil {
			return fmt.Errorf("failed to get control signal: %w", err)
		}
		if control == engine.ControlNone {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE actions SET control = '', updated_at = ? WHERE id = ?`, time.Now(), id,
		); err != nil {
			return fmt.Errorf("failed to clear control signal: %w", err)
		}
		return nil
	})
	if err != nil {
		return engine.ControlNone, err
	}
	return control, nil
}

// RequeueOrphan returns a RUNNING action whose worker died to READY,
// incrementing its restart count. Past maxRestarts the action is failed
// instead, with the usual terminal cascade.
func (s *SQLiteStore) RequeueOrphan(ctx context.Context, id string, maxRestarts int) (engine.Status, error) {
	var written engine.Status
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var status engine.Status
		var restarts int
		err := tx.QueryRowContext(ctx,
			`SELECT status, restarts FROM actions WHERE id = ?`, id,
		).Scan(&status, &restarts)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("action", id)
		}
		if err != nil {
			return fmt.Errorf("failed to check orphan: %w", err)
		}
		if status != engine.StatusRunning {
			return engine.NewPermanentError(
				fmt.Sprintf("action %s is %s, not RUNNING", id, status), nil,
			).WithCode(engine.ErrCodeBadTransition)
		}

		if restarts+1 > maxRestarts {
			var promoted []string
			if _, err := s.finalizeTx(ctx, tx, id, engine.StatusFailed,
				fmt.Sprintf("worker lost and restart budget of %d exhausted", maxRestarts), nil, &promoted); err != nil {
				return err
			}
			written = engine.StatusFailed
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE actions SET status = ?, owner = '', restarts = restarts + 1,
				status_reason = 'requeued after worker loss', updated_at = ?
			WHERE id = ?`,
			engine.StatusReady, time.Now(), id,
		); err != nil {
			return fmt.Errorf("failed to requeue orphan: %w", err)
		}
		written = engine.StatusReady
		return nil
	})
	if err != nil {
		return "", err
	}
	return written, nil
}

// ExpireLifecycleWaits promotes lifecycle-waiting actions whose deadline
// passed back to READY and returns their ids. An expired wait that still has
// unmet dependency edges demotes to plain WAITING instead; the completion
// cascade promotes it once the last prerequisite terminates.
func (s *SQLiteStore) ExpireLifecycleWaits(ctx context.Context, now time.Time) ([]string, error) {
	var promoted []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		promoted = nil
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM actions
			WHERE status = ? AND wait_deadline IS NOT NULL AND wait_deadline <= ?
			ORDER BY wait_deadline`,
			engine.StatusWaitingLifecycle, now,
		)
		if err != nil {
			return fmt.Errorf("failed to list lifecycle waits: %w", err)
		}
		defer rows.Close()
		var expired []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan lifecycle wait: %w", err)
			}
			expired = append(expired, id)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating lifecycle waits: %w", err)
		}

		for _, id := range expired {
			var remaining int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM action_deps WHERE action_id = ?`, id,
			).Scan(&remaining); err != nil {
				return fmt.Errorf("failed to count remaining dependencies: %w", err)
			}
			to := engine.StatusReady
			reason := "lifecycle wait expired"
			if remaining > 0 {
				to = engine.StatusWaiting
				reason = "lifecycle wait expired, dependencies outstanding"
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE actions SET status = ?, status_reason = ?, wait_deadline = NULL, updated_at = ?
				WHERE id = ?`,
				to, reason, now, id,
			); err != nil {
				return fmt.Errorf("failed to expire lifecycle wait: %w", err)
			}
			if to == engine.StatusReady {
				promoted = append(promoted, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}
