package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/storage"
)

// CreateTask creates a new task and its initial queued event in a single
// transaction.
func (r *Repository) CreateTask(ctx context.Context, t model.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	stateJSON, err := json.Marshal(t.State)
	if err != nil {
		return fmt.Errorf("could not marshal task state: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // Rollback is safe to call after Commit.

	query := `
		INSERT INTO tasks (
			id, goal, workspace_path, token_budget,
			status, cancel_requested, last_error,
			progress, elapsed_seconds, eta_seconds,
			steps_done, steps_estimate,
			token_input, token_output, token_total,
			state_json, claimed_by, claimed_until,
			created_at, updated_at, started_at, completed_at
		)
		VALUES (?, ?, ?, ?, ?, 0, '', 0, 0, 0, 0, ?, 0, 0, 0, ?, '', NULL, ?, ?, NULL, NULL)
	`

	now := time.Now().UTC()
	createdAt := now
	if !t.CreatedAt.IsZero() {
		createdAt = t.CreatedAt
	}
	stepsEstimate := t.StepsEstimate
	if stepsEstimate <= 0 {
		stepsEstimate = model.DefaultStepsEstimate
	}

	_, err = tx.ExecContext(
		ctx,
		query,
		t.ID,
		t.Goal,
		t.WorkspacePath,
		t.TokenBudget,
		model.TaskStatusQueued,
		stepsEstimate,
		string(stateJSON),
		createdAt.UnixMilli(),
		createdAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: tasks.") {
			return fmt.Errorf("task already exists: %w", model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert task: %w", err)
	}

	_, err = r.appendEventTx(ctx, tx, t.ID, storage.NewEvent{
		Level:   model.EventLevelInfo,
		Type:    model.EventTypeTaskQueued,
		Message: "Task queued.",
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Created task in repository: %s", t.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE id = ?`, taskColumns)

	row := r.db.QueryRowContext(ctx, query, id)
	t, err := r.scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	return &t, nil
}

// ListTasks returns tasks ordered by creation time descending.
func (r *Repository) ListTasks(ctx context.Context, limit int) ([]model.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks ORDER BY created_at DESC, id DESC LIMIT ?`, taskColumns)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tasks, nil
}

// UpdateTask merges the non-nil fields of the update into the task and
// appends the companion events, all in one transaction.
func (r *Repository) UpdateTask(ctx context.Context, id string, update storage.TaskUpdate, events ...storage.NewEvent) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().UnixMilli()}

	addSet := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = ?", column))
		args = append(args, value)
	}

	if update.Status != nil {
		addSet("status", string(*update.Status))
	}
	if update.LastError != nil {
		addSet("last_error", *update.LastError)
	}
	if update.Progress != nil {
		addSet("progress", *update.Progress)
	}
	if update.ElapsedSeconds != nil {
		addSet("elapsed_seconds", *update.ElapsedSeconds)
	}
	if update.EtaSeconds != nil {
		addSet("eta_seconds", *update.EtaSeconds)
	}
	if update.StepsDone != nil {
		addSet("steps_done", *update.StepsDone)
	}
	if update.StepsEstimate != nil {
		addSet("steps_estimate", *update.StepsEstimate)
	}
	if update.TokenInput != nil {
		addSet("token_input", *update.TokenInput)
	}
	if update.TokenOutput != nil {
		addSet("token_output", *update.TokenOutput)
	}
	if update.TokenTotal != nil {
		addSet("token_total", *update.TokenTotal)
	}
	if update.State != nil {
		stateJSON, err := json.Marshal(update.State)
		if err != nil {
			return fmt.Errorf("could not marshal task state: %w", err)
		}
		addSet("state_json", string(stateJSON))
	}
	if update.StartedAt != nil {
		addSet("started_at", update.StartedAt.UnixMilli())
	}
	if update.CompletedAt != nil {
		addSet("completed_at", update.CompletedAt.UnixMilli())
	}

	args = append(args, id)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ?`, strings.Join(sets, ", "))
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("could not update task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	for _, ev := range events {
		if _, err := r.appendEventTx(ctx, tx, id, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Updated task in repository: %s", id)
	return nil
}

// SetTaskState replaces the opaque conversation/checkpoint document.
func (r *Repository) SetTaskState(ctx context.Context, id string, state model.TaskState) error {
	return r.UpdateTask(ctx, id, storage.TaskUpdate{State: &state})
}

// RequestCancel marks the task for cooperative cancellation. Idempotent and
// never cleared.
func (r *Repository) RequestCancel(ctx context.Context, id string) error {
	query := `UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("could not request cancel: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	r.logger.Debugf("Cancel requested for task: %s", id)
	return nil
}

// ClaimNextRunnable claims the single best runnable task for owner.
func (r *Repository) ClaimNextRunnable(ctx context.Context, owner string, lease time.Duration) (*model.Task, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Cancel-requested tasks first so the cancellation is finalized promptly,
	// then queued before running/waiting, then longest-untouched.
	selectQuery := `
		SELECT id FROM tasks
		WHERE status IN ('queued', 'running', 'waiting')
		  AND (claimed_until IS NULL OR claimed_until < ?)
		ORDER BY
			cancel_requested DESC,
			CASE status WHEN 'queued' THEN 0 ELSE 1 END,
			updated_at ASC,
			created_at ASC
		LIMIT 1
	`

	var id string
	err = tx.QueryRowContext(ctx, selectQuery, now.UnixMilli()).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not query runnable task: %w", err)
	}

	task, err := r.claimTx(ctx, tx, id, owner, now, lease)
	if err != nil {
		return nil, err
	}
	if task == nil {
		// Lost the race against another claimer, the next poll retries.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Claimed task %s for %s", id, owner)
	return task, nil
}

// ClaimTask claims one specific task. Returns nil when the task is terminal
// or validly claimed by another owner.
func (r *Repository) ClaimTask(ctx context.Context, id, owner string, lease time.Duration) (*model.Task, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := r.claimTx(ctx, tx, id, owner, now, lease)
	if err != nil {
		return nil, err
	}
	if task == nil {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("could not query task: %w", err)
		}
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Claimed task %s for %s", id, owner)
	return task, nil
}

// claimTx performs the compare-and-swap on the lease columns. A lease is free
// when unset, expired or already held by the same owner (renewal).
func (r *Repository) claimTx(ctx context.Context, tx *sql.Tx, id, owner string, now time.Time, lease time.Duration) (*model.Task, error) {
	updateQuery := `
		UPDATE tasks
		SET claimed_by = ?, claimed_until = ?
		WHERE id = ?
		  AND status IN ('queued', 'running', 'waiting')
		  AND (claimed_until IS NULL OR claimed_until < ? OR claimed_by = ?)
	`

	result, err := tx.ExecContext(ctx, updateQuery, owner, now.Add(lease).UnixMilli(), id, now.UnixMilli(), owner)
	if err != nil {
		return nil, fmt.Errorf("could not claim task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE id = ?`, taskColumns)
	task, err := r.scanTask(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("could not query claimed task: %w", err)
	}

	return &task, nil
}

// ReleaseClaim releases the lease if still held by owner.
func (r *Repository) ReleaseClaim(ctx context.Context, id, owner string) error {
	query := `UPDATE tasks SET claimed_by = '', claimed_until = NULL WHERE id = ? AND claimed_by = ?`

	_, err := r.db.ExecContext(ctx, query, id, owner)
	if err != nil {
		return fmt.Errorf("could not release claim: %w", err)
	}

	return nil
}

// DeleteTerminalTasksBefore removes terminal tasks last updated before the
// cutoff. Events are removed through the foreign key cascade.
func (r *Repository) DeleteTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM tasks
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND updated_at < ?
	`

	result, err := r.db.ExecContext(ctx, query, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("could not delete tasks: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("could not get rows affected: %w", err)
	}

	if rows > 0 {
		r.logger.Debugf("Deleted %d terminal tasks from repository", rows)
	}
	return int(rows), nil
}
