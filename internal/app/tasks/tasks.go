// Package tasks implements the task management service: creation, listing,
// cancellation and event retrieval. Execution itself lives in taskrun.
package tasks

import (
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opma4940-coder/mkh-Manus/internal/log"
	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/queue"
	"github.com/opma4940-coder/mkh-Manus/internal/storage"
)

// ServiceConfig is the configuration for the task management service.
type ServiceConfig struct {
	Repository storage.TaskRepository
	// Broker enqueues the first cycle job on creation and a finalization job
	// on cancellation. Nil in embedded mode, where the poller discovers
	// runnable tasks on its own.
	Broker queue.Broker
	// WorkspaceRoot is where per-task workspaces are placed when the caller
	// does not name one.
	WorkspaceRoot string
	Logger        log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = "./workspace"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Tasks"})
	return nil
}

// Service handles task management business logic.
type Service struct {
	repo          storage.TaskRepository
	broker        queue.Broker
	workspaceRoot string
	logger        log.Logger
}

// NewService creates a new task management service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:          cfg.Repository,
		broker:        cfg.Broker,
		workspaceRoot: cfg.WorkspaceRoot,
		logger:        cfg.Logger,
	}, nil
}

// CreateOptions are the options for creating a task.
type CreateOptions struct {
	Goal          string
	WorkspacePath string
	TokenBudget   int
}

// Create creates a new queued task.
func (s *Service) Create(ctx context.Context, opts CreateOptions) (*model.Task, error) {
	goal := strings.TrimSpace(opts.Goal)
	if goal == "" {
		return nil, fmt.Errorf("goal is required: %w", model.ErrNotValid)
	}

	tokenBudget := opts.TokenBudget
	if tokenBudget <= 0 {
		tokenBudget = model.DefaultTokenBudget
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()

	workspacePath := opts.WorkspacePath
	if workspacePath == "" {
		workspacePath = filepath.Join(s.workspaceRoot, strings.ToLower(id))
	}

	task := model.Task{
		ID:            id,
		Goal:          goal,
		WorkspacePath: workspacePath,
		TokenBudget:   tokenBudget,
		Status:        model.TaskStatusQueued,
		StepsEstimate: model.DefaultStepsEstimate,
	}

	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("could not create task: %w", err)
	}

	created, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not read back task: %w", err)
	}

	s.enqueueCycle(ctx, id)

	s.logger.Infof("Created task: %s", id)
	return created, nil
}

// Get retrieves a task by ID.
func (s *Service) Get(ctx context.Context, id string) (*model.Task, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	return task, nil
}

// List returns the most recent tasks.
func (s *Service) List(ctx context.Context, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 50
	}

	tasks, err := s.repo.ListTasks(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("could not list tasks: %w", err)
	}
	return tasks, nil
}

// Cancel requests cooperative cancellation of a task. Terminal tasks are left
// untouched, the request is recorded for anything still in flight.
func (s *Service) Cancel(ctx context.Context, id string) (*model.Task, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	if err := s.repo.RequestCancel(ctx, id); err != nil {
		return nil, fmt.Errorf("could not request cancel: %w", err)
	}

	// A dedicated job finalizes the cancellation without waiting for the
	// task's next natural cycle.
	s.enqueueCycle(ctx, id)

	task.CancelRequested = true
	s.logger.Infof("Cancel requested for task: %s", id)
	return task, nil
}

// Events returns a task's events after the given sequence number.
func (s *Service) Events(ctx context.Context, taskID string, afterSeq int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	// Surface ErrNotFound for unknown tasks instead of an empty list.
	if _, err := s.repo.GetTask(ctx, taskID); err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	events, err := s.repo.ListEvents(ctx, taskID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("could not list events: %w", err)
	}
	return events, nil
}

func (s *Service) enqueueCycle(ctx context.Context, taskID string) {
	if s.broker == nil {
		return
	}

	err := s.broker.Enqueue(ctx, queue.QueueCycles, queue.Job{
		Name:       queue.JobCycleExecute,
		TaskID:     taskID,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		// The reconciler re-enqueues lost jobs, the task is not stuck.
		s.logger.Errorf("Could not enqueue cycle job for task %s: %s", taskID, err)
	}
}
