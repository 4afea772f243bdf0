package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/storage"
)

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AppendEvent appends an event to the task's log, assigning the next per-task
// sequence number atomically with the insert.
func (r *Repository) AppendEvent(ctx context.Context, taskID string, ev storage.NewEvent) (*model.Event, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	event, err := r.appendEventTx(ctx, tx, taskID, ev)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit transaction: %w", err)
	}

	return event, nil
}

func (r *Repository) appendEventTx(ctx context.Context, q execQuerier, taskID string, ev storage.NewEvent) (*model.Event, error) {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?`, taskID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("could not check task: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}

	var dataJSON *string
	if ev.Data != nil {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("could not marshal event data: %w", err)
		}
		s := string(raw)
		dataJSON = &s
	}

	now := time.Now().UTC()

	// The sequence is derived inside the insert so concurrent appenders can
	// never produce duplicated or out of order numbers.
	query := `
		INSERT INTO events (task_id, seq, ts, level, type, message, data_json)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?
		FROM events WHERE task_id = ?
		RETURNING seq
	`

	var seq int64
	err = q.QueryRowContext(
		ctx,
		query,
		taskID,
		now.UnixMilli(),
		string(ev.Level),
		ev.Type,
		ev.Message,
		dataJSON,
		taskID,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("could not insert event: %w", err)
	}

	return &model.Event{
		TaskID:  taskID,
		Seq:     seq,
		TS:      now,
		Level:   ev.Level,
		Type:    ev.Type,
		Message: ev.Message,
		Data:    ev.Data,
	}, nil
}

// ListEvents returns task events with seq greater than afterSeq, ascending.
func (r *Repository) ListEvents(ctx context.Context, taskID string, afterSeq int64, limit int) ([]model.Event, error) {
	query := `
		SELECT task_id, seq, ts, level, type, message, data_json
		FROM events
		WHERE task_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, taskID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var ts int64
		var dataJSON sql.NullString

		err := rows.Scan(&ev.TaskID, &ev.Seq, &ts, &ev.Level, &ev.Type, &ev.Message, &dataJSON)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}

		ev.TS = timeFromUnix(ts)
		if dataJSON.Valid {
			if err := json.Unmarshal([]byte(dataJSON.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("could not unmarshal event data: %w", err)
			}
		}

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return events, nil
}
