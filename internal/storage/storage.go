package storage

import (
	"context"
	"time"

	"github.com/opma4940-coder/mkh-Manus/internal/model"
)

// TaskUpdate is a partial update of a task's mutable fields. Nil fields are
// left untouched. UpdatedAt is always refreshed by the repository.
type TaskUpdate struct {
	Status         *model.TaskStatus
	LastError      *string
	Progress       *float64
	ElapsedSeconds *float64
	EtaSeconds     *float64
	StepsDone      *int
	StepsEstimate  *int
	TokenInput     *int
	TokenOutput    *int
	TokenTotal     *int
	State          *model.TaskState
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// NewEvent is the caller-supplied part of an event, the repository assigns
// the per-task sequence number and timestamp.
type NewEvent struct {
	Level   model.EventLevel
	Type    string
	Message string
	Data    map[string]any
}

// TaskRepository is the interface for task and event persistence.
//
// A task field update and its companion events are committed in a single
// transaction: either both persist or neither does.
type TaskRepository interface {
	CreateTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, limit int) ([]model.Task, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate, events ...NewEvent) error
	SetTaskState(ctx context.Context, id string, state model.TaskState) error
	RequestCancel(ctx context.Context, id string) error
	AppendEvent(ctx context.Context, taskID string, ev NewEvent) (*model.Event, error)
	ListEvents(ctx context.Context, taskID string, afterSeq int64, limit int) ([]model.Event, error)

	// ClaimNextRunnable atomically claims the single best runnable task for
	// the given owner: cancel-requested non-terminal tasks first (so the
	// cancellation gets finalized), then queued before running/waiting, then
	// longest-untouched. Tasks whose lease has not expired are skipped.
	// Returns nil when there is no candidate.
	ClaimNextRunnable(ctx context.Context, owner string, lease time.Duration) (*model.Task, error)

	// ClaimTask claims one specific task, used by the distributed transport
	// where the job already names the task. Returns nil when the task is
	// terminal or claimed by someone else, ErrNotFound when it does not exist.
	ClaimTask(ctx context.Context, id, owner string, lease time.Duration) (*model.Task, error)

	// ReleaseClaim releases the lease if it is still held by owner.
	ReleaseClaim(ctx context.Context, id, owner string) error

	// DeleteTerminalTasksBefore removes terminal tasks (and their events)
	// last updated before the cutoff. Returns the number of tasks removed.
	DeleteTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SettingRepository persists key/value settings. Values are stored opaque,
// encryption happens in the secrets layer on top of this interface.
type SettingRepository interface {
	SetSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (string, error)
}
