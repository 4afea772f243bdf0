package lib

import (
	"context"
	"fmt"

	"github.com/opma4940-coder/mkh-Manus/internal/app/taskrun"
	"github.com/opma4940-coder/mkh-Manus/internal/app/tasks"
)

// CreateTask creates a new queued task.
//
// The task is executed by [Client.ProcessNext] or [Client.RunPoller], the
// SDK does not run cycles on its own.
func (c *Client) CreateTask(ctx context.Context, opts CreateTaskOpts) (*Task, error) {
	svc, err := c.newTasksService()
	if err != nil {
		return nil, err
	}

	task, err := svc.Create(ctx, tasks.CreateOptions{
		Goal:          opts.Goal,
		WorkspacePath: opts.WorkspacePath,
		TokenBudget:   opts.TokenBudget,
	})
	if err != nil {
		return nil, mapError(err)
	}

	result := fromInternalTask(*task)
	return &result, nil
}

// GetTask returns the current state of a task.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	svc, err := c.newTasksService()
	if err != nil {
		return nil, err
	}

	task, err := svc.Get(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}

	result := fromInternalTask(*task)
	return &result, nil
}

// ListTasks returns tasks ordered by creation time, newest first. A
// non-positive limit uses the default page size.
func (c *Client) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	svc, err := c.newTasksService()
	if err != nil {
		return nil, err
	}

	result, err := svc.List(ctx, limit)
	if err != nil {
		return nil, mapError(err)
	}

	return fromInternalTasks(result), nil
}

// CancelTask requests cooperative cancellation of a task. The task
// transitions to cancelled at its next cycle boundary, never mid-cycle.
// Cancelling an already terminal task is a no-op and returns the task as-is.
func (c *Client) CancelTask(ctx context.Context, id string) (*Task, error) {
	svc, err := c.newTasksService()
	if err != nil {
		return nil, err
	}

	task, err := svc.Cancel(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}

	result := fromInternalTask(*task)
	return &result, nil
}

// ListTaskEvents returns a task's events with Seq greater than afterSeq, in
// increasing Seq order. A non-positive limit uses the default page size.
func (c *Client) ListTaskEvents(ctx context.Context, id string, afterSeq int64, limit int) ([]Event, error) {
	svc, err := c.newTasksService()
	if err != nil {
		return nil, err
	}

	events, err := svc.Events(ctx, id, afterSeq, limit)
	if err != nil {
		return nil, mapError(err)
	}

	return fromInternalEvents(events), nil
}

// SetSetting stores an encrypted setting value. Credential slots
// (api_key_1 ...) configured this way become usable on the next cycle of any
// waiting task.
func (c *Client) SetSetting(ctx context.Context, key, value string) error {
	return mapError(c.settings.Set(ctx, key, value))
}

// GetSetting returns the decrypted setting value. A stored value that can no
// longer be decrypted (e.g. after a key change) is returned as the sentinel
// string "[undecryptable]" rather than an error.
func (c *Client) GetSetting(ctx context.Context, key string) (string, error) {
	value, err := c.settings.Get(ctx, key)
	if err != nil {
		return "", mapError(err)
	}
	return value, nil
}

// ProcessNext claims the best runnable task and advances it by exactly one
// cycle. Returns true when a task made progress, false when nothing was
// runnable or the claimed task is parked waiting for credentials. An engine
// failure finalizes that task as failed and still returns true.
func (c *Client) ProcessNext(ctx context.Context) (bool, error) {
	poller, err := c.newPoller()
	if err != nil {
		return false, err
	}

	processed, err := poller.PollOnce(ctx)
	if err != nil {
		return processed, mapError(err)
	}
	return processed, nil
}

// RunPoller runs the embedded sequential poll loop until the context is
// cancelled. Intended for applications embedding the execution engine
// instead of running the manusd binary.
func (c *Client) RunPoller(ctx context.Context) error {
	poller, err := c.newPoller()
	if err != nil {
		return err
	}
	return poller.Run(ctx)
}

func (c *Client) newTasksService() (*tasks.Service, error) {
	svc, err := tasks.NewService(tasks.ServiceConfig{
		Repository:    c.repo,
		WorkspaceRoot: c.workspaceRoot,
		Logger:        c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}
	return svc, nil
}

func (c *Client) newPoller() (*taskrun.Poller, error) {
	svc, err := taskrun.NewService(taskrun.ServiceConfig{
		Repository:      c.repo,
		Settings:        c.settings,
		Pool:            c.pool,
		Engine:          c.engine,
		CycleSteps:      defaultCycleSteps,
		CredentialSlots: c.slots,
		Logger:          c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	poller, err := taskrun.NewPoller(taskrun.PollerConfig{
		Repository: c.repo,
		Service:    svc,
		Logger:     c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create poller: %w", err)
	}
	return poller, nil
}
