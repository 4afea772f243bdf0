package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/opma4940-coder/mkh-Manus/internal/model"
)

// JSONPrinter prints task information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// listItem represents a task in the list output (subset of fields).
type listItem struct {
	ID         string    `json:"id"`
	Goal       string    `json:"goal"`
	Status     string    `json:"status"`
	Progress   float64   `json:"progress"`
	TokenTotal int       `json:"token_total"`
	CreatedAt  time.Time `json:"created_at"`
}

// taskOutput represents the full task status output.
type taskOutput struct {
	ID              string     `json:"id"`
	Goal            string     `json:"goal"`
	WorkspacePath   string     `json:"workspace_path,omitempty"`
	Status          string     `json:"status"`
	CancelRequested bool       `json:"cancel_requested"`
	LastError       string     `json:"last_error,omitempty"`
	Progress        float64    `json:"progress"`
	ElapsedSeconds  float64    `json:"elapsed_seconds"`
	EtaSeconds      float64    `json:"eta_seconds"`
	StepsDone       int        `json:"steps_done"`
	StepsEstimate   int        `json:"steps_estimate"`
	TokenInput      int        `json:"token_input"`
	TokenOutput     int        `json:"token_output"`
	TokenTotal      int        `json:"token_total"`
	TokenBudget     int        `json:"token_budget"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

// eventOutput represents one task event.
type eventOutput struct {
	Seq     int64          `json:"seq"`
	TS      time.Time      `json:"ts"`
	Level   string         `json:"level"`
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

// PrintTaskList prints tasks in JSON format with a subset of fields.
func (j *JSONPrinter) PrintTaskList(tasks []model.Task) error {
	items := make([]listItem, len(tasks))
	for i, task := range tasks {
		items[i] = listItem{
			ID:         task.ID,
			Goal:       task.Goal,
			Status:     string(task.Status),
			Progress:   task.Progress,
			TokenTotal: task.TokenTotal,
			CreatedAt:  task.CreatedAt.UTC(),
		}
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

// PrintTask prints detailed task status in JSON format.
func (j *JSONPrinter) PrintTask(task model.Task) error {
	output := taskOutput{
		ID:              task.ID,
		Goal:            task.Goal,
		WorkspacePath:   task.WorkspacePath,
		Status:          string(task.Status),
		CancelRequested: task.CancelRequested,
		LastError:       task.LastError,
		Progress:        task.Progress,
		ElapsedSeconds:  task.ElapsedSeconds,
		EtaSeconds:      task.EtaSeconds,
		StepsDone:       task.StepsDone,
		StepsEstimate:   task.StepsEstimate,
		TokenInput:      task.TokenInput,
		TokenOutput:     task.TokenOutput,
		TokenTotal:      task.TokenTotal,
		TokenBudget:     task.TokenBudget,
		CreatedAt:       task.CreatedAt.UTC(),
		StartedAt:       nil,
		CompletedAt:     nil,
	}

	if task.StartedAt != nil {
		utcTime := task.StartedAt.UTC()
		output.StartedAt = &utcTime
	}

	if task.CompletedAt != nil {
		utcTime := task.CompletedAt.UTC()
		output.CompletedAt = &utcTime
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

// PrintEvents prints task events in JSON format.
func (j *JSONPrinter) PrintEvents(events []model.Event) error {
	items := make([]eventOutput, len(events))
	for i, ev := range events {
		items[i] = eventOutput{
			Seq:     ev.Seq,
			TS:      ev.TS.UTC(),
			Level:   string(ev.Level),
			Type:    ev.Type,
			Message: ev.Message,
			Data:    ev.Data,
		}
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	output := messageOutput{Message: msg}
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
