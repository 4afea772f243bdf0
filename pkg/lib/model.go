package lib

import (
	"errors"
	"time"

	"github.com/opma4940-coder/mkh-Manus/internal/model"
)

// EngineType identifies the cycle execution engine implementation.
type EngineType string

const (
	// EngineFake uses an in-process simulated engine (no real model calls).
	// Use this for testing and local development without credentials.
	EngineFake EngineType = "fake"
)

// TaskStatus represents the lifecycle state of a task.
//
// The typical lifecycle is:
//
//	queued -> running -> completed
//
// A task without usable credentials parks in waiting until credentials
// appear, and any task can end in failed or cancelled.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task was accepted and awaits its first cycle.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusRunning indicates cycles are being executed for the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusWaiting indicates the task is parked until credentials are configured.
	TaskStatusWaiting TaskStatus = "waiting"
	// TaskStatusCompleted indicates the engine reported the goal achieved.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task ended with an unrecoverable error.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates a cancel request was honored.
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

// Task is a read-only snapshot of a task at the time of the API call.
// Use [Client.GetTask] to get the latest state.
type Task struct {
	// ID is the unique identifier (ULID) assigned at creation.
	ID string
	// Goal is the natural-language objective the task works toward.
	Goal string
	// WorkspacePath is the directory the engine works in.
	WorkspacePath string
	// Status is the current lifecycle state.
	Status TaskStatus
	// CancelRequested is true once cancellation was requested. The task
	// transitions to cancelled at its next cycle boundary.
	CancelRequested bool
	// LastError holds the most recent failure description, empty when none.
	LastError string

	// Progress is a 0..1 completion fraction, heuristic until finished.
	Progress float64
	// ElapsedSeconds is the accumulated engine execution time.
	ElapsedSeconds float64
	// EtaSeconds is a rough remaining-time estimate, zero when unknown or done.
	EtaSeconds float64
	// StepsDone is the total engine steps consumed so far.
	StepsDone int
	// StepsEstimate is the current guess of total steps needed. It grows
	// whenever StepsDone reaches it.
	StepsEstimate int

	TokenInput  int
	TokenOutput int
	TokenTotal  int
	TokenBudget int

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Event is one immutable audit/progress record of a task. Seq is strictly
// increasing per task.
type Event struct {
	Seq     int64
	TS      time.Time
	Level   string
	Type    string
	Message string
	Data    map[string]any
}

// CreateTaskOpts configures task creation. Goal is required, everything else
// has defaults.
type CreateTaskOpts struct {
	// Goal is the task objective (required).
	Goal string
	// WorkspacePath overrides the default per-task workspace directory.
	WorkspacePath string
	// TokenBudget overrides the default token budget.
	TokenBudget int
}

// FakeEngineOpts tunes the fake engine's simulated behavior.
type FakeEngineOpts struct {
	// CyclesToFinish is how many cycles a task takes before the fake engine
	// reports it finished. Default: 3.
	CyclesToFinish int
	// TokensPerCycle is the simulated token consumption per cycle. Default: 500.
	TokensPerCycle int
}

// Sentinel errors returned by the SDK. Match with errors.Is.
var (
	// ErrNotFound is returned when the referenced task or setting does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource with the same id exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned on malformed requests (e.g. empty goal).
	ErrNotValid = errors.New("not valid")
)

func fromInternalTask(t model.Task) Task {
	return Task{
		ID:              t.ID,
		Goal:            t.Goal,
		WorkspacePath:   t.WorkspacePath,
		Status:          TaskStatus(t.Status),
		CancelRequested: t.CancelRequested,
		LastError:       t.LastError,
		Progress:        t.Progress,
		ElapsedSeconds:  t.ElapsedSeconds,
		EtaSeconds:      t.EtaSeconds,
		StepsDone:       t.StepsDone,
		StepsEstimate:   t.StepsEstimate,
		TokenInput:      t.TokenInput,
		TokenOutput:     t.TokenOutput,
		TokenTotal:      t.TokenTotal,
		TokenBudget:     t.TokenBudget,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
}

func fromInternalTasks(ts []model.Task) []Task {
	result := make([]Task, len(ts))
	for i, t := range ts {
		result[i] = fromInternalTask(t)
	}
	return result
}

func fromInternalEvent(ev model.Event) Event {
	return Event{
		Seq:     ev.Seq,
		TS:      ev.TS,
		Level:   string(ev.Level),
		Type:    ev.Type,
		Message: ev.Message,
		Data:    ev.Data,
	}
}

func fromInternalEvents(evs []model.Event) []Event {
	result := make([]Event, len(evs))
	for i, ev := range evs {
		result[i] = fromInternalEvent(ev)
	}
	return result
}

func mapError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, model.ErrNotFound):
		return joinErrors(err, ErrNotFound)
	case errors.Is(err, model.ErrAlreadyExists):
		return joinErrors(err, ErrAlreadyExists)
	case errors.Is(err, model.ErrNotValid):
		return joinErrors(err, ErrNotValid)
	default:
		return err
	}
}

func joinErrors(original, sentinel error) error {
	return &mappedError{original: original, sentinel: sentinel}
}

// mappedError exposes a public sentinel through errors.Is without leaking
// the internal sentinel types in the message.
type mappedError struct {
	original error
	sentinel error
}

func (e *mappedError) Error() string { return e.original.Error() }

func (e *mappedError) Is(target error) bool {
	return target == e.sentinel
}

func (e *mappedError) Unwrap() error { return e.original }
