package model

import "time"

// EventLevel is the severity of an event.
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Event types emitted by the task lifecycle.
const (
	EventTypeTaskQueued          = "task.queued"
	EventTypeTaskStarted         = "task.started"
	EventTypeTaskCancelled       = "task.cancelled"
	EventTypeTaskBudgetExhausted = "task.budget_exhausted"
	EventTypeCycleCompleted      = "cycle.completed"
	EventTypeCycleFailed         = "cycle.failed"
	EventTypeSettingsMissingKeys = "settings.missing_keys"
)

// Event is an immutable audit/progress record attached to a task. Seq is
// assigned by the repository and strictly increases per task in creation
// order.
type Event struct {
	TaskID  string
	Seq     int64
	TS      time.Time
	Level   EventLevel
	Type    string
	Message string
	Data    map[string]any
}
