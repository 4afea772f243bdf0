package model

import (
	"fmt"
	"time"
)

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusWaiting   TaskStatus = "waiting"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true when no further cycles may run for the task.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

const (
	// DefaultTokenBudget is the token budget assigned to tasks created without one.
	DefaultTokenBudget = 1_000_000
	// DefaultStepsEstimate is the initial guess of how many steps a task needs.
	DefaultStepsEstimate = 20
)

// Task is a unit of durable, resumable agent work tracked through a bounded
// state machine. It is mutated exclusively through the task repository.
type Task struct {
	ID            string
	Goal          string
	WorkspacePath string
	TokenBudget   int

	Status          TaskStatus
	CancelRequested bool
	LastError       string

	Progress       float64
	ElapsedSeconds float64
	EtaSeconds     float64
	StepsDone      int
	StepsEstimate  int

	TokenInput  int
	TokenOutput int
	TokenTotal  int

	State TaskState

	// Execution lease. At most one actor may run cycles for a task, the lease
	// is reclaimable once ClaimedUntil has passed.
	ClaimedBy    string
	ClaimedUntil *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Validate checks the task creation fields.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required: %w", ErrNotValid)
	}
	if t.Goal == "" {
		return fmt.Errorf("task goal is required: %w", ErrNotValid)
	}
	if t.TokenBudget <= 0 {
		return fmt.Errorf("token budget must be positive: %w", ErrNotValid)
	}
	return nil
}

// Message is one conversation message exchanged with the execution engine.
// The content is opaque to this system beyond persistence.
type Message struct {
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// Checkpoint is a snapshot record appended after each cycle, enabling
// resumption after a restart.
type Checkpoint struct {
	TS          time.Time `json:"ts"`
	DurationSec float64   `json:"duration_sec"`
	Finished    bool      `json:"finished"`
}

// TaskState is the opaque conversation/checkpoint document of a task. It is
// owned by the cycle bridge result, the store only persists it.
type TaskState struct {
	Messages    []Message    `json:"messages"`
	Checkpoints []Checkpoint `json:"checkpoints"`
}
