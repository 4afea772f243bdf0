package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/storage"
	"github.com/opma4940-coder/mkh-Manus/internal/storage/memory"
)

func getTestRepository(t *testing.T) *memory.Repository {
	t.Helper()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	return repo
}

func testTask(id string) model.Task {
	return model.Task{
		ID:          id,
		Goal:        "Summarize the quarterly report",
		TokenBudget: model.DefaultTokenBudget,
	}
}

func TestMemoryTaskLifecycle(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	repo := getTestRepository(t)

	require.NoError(repo.CreateTask(ctx, testTask("task-1")))
	assert.ErrorIs(repo.CreateTask(ctx, testTask("task-1")), model.ErrAlreadyExists)

	got, err := repo.GetTask(ctx, "task-1")
	require.NoError(err)
	assert.Equal(model.TaskStatusQueued, got.Status)
	assert.Equal(model.DefaultStepsEstimate, got.StepsEstimate)

	status := model.TaskStatusRunning
	stepsDone := 10
	err = repo.UpdateTask(ctx, "task-1", storage.TaskUpdate{Status: &status, StepsDone: &stepsDone},
		storage.NewEvent{Level: model.EventLevelInfo, Type: model.EventTypeTaskStarted, Message: "Task execution started."})
	require.NoError(err)

	got, err = repo.GetTask(ctx, "task-1")
	require.NoError(err)
	assert.Equal(model.TaskStatusRunning, got.Status)
	assert.Equal(10, got.StepsDone)

	events, err := repo.ListEvents(ctx, "task-1", 0, 10)
	require.NoError(err)
	require.Len(events, 2)
	assert.Equal(int64(1), events[0].Seq)
	assert.Equal(model.EventTypeTaskQueued, events[0].Type)
	assert.Equal(int64(2), events[1].Seq)
	assert.Equal(model.EventTypeTaskStarted, events[1].Type)

	assert.ErrorIs(repo.UpdateTask(ctx, "missing", storage.TaskUpdate{Status: &status}), model.ErrNotFound)
}

func TestMemoryClaimOrdering(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	repo := getTestRepository(t)

	running := model.TaskStatusRunning

	require.NoError(repo.CreateTask(ctx, testTask("task-running")))
	require.NoError(repo.UpdateTask(ctx, "task-running", storage.TaskUpdate{Status: &running}))
	require.NoError(repo.CreateTask(ctx, testTask("task-queued")))

	// Queued beats running.
	task, err := repo.ClaimNextRunnable(ctx, "owner-1", time.Minute)
	require.NoError(err)
	require.NotNil(task)
	assert.Equal("task-queued", task.ID)

	// The claimed task is skipped while its lease is live.
	task, err = repo.ClaimNextRunnable(ctx, "owner-2", time.Minute)
	require.NoError(err)
	require.NotNil(task)
	assert.Equal("task-running", task.ID)

	// Everything claimed, nothing left.
	task, err = repo.ClaimNextRunnable(ctx, "owner-3", time.Minute)
	require.NoError(err)
	assert.Nil(task)

	// A cancel request jumps the queue once the lease is released.
	require.NoError(repo.ReleaseClaim(ctx, "task-running", "owner-2"))
	require.NoError(repo.ReleaseClaim(ctx, "task-queued", "owner-1"))
	require.NoError(repo.RequestCancel(ctx, "task-running"))

	task, err = repo.ClaimNextRunnable(ctx, "owner-4", time.Minute)
	require.NoError(err)
	require.NotNil(task)
	assert.Equal("task-running", task.ID)
	assert.True(task.CancelRequested)
}

func TestMemoryClaimTask(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	repo := getTestRepository(t)
	require.NoError(repo.CreateTask(ctx, testTask("task-1")))

	task, err := repo.ClaimTask(ctx, "task-1", "owner-1", time.Minute)
	require.NoError(err)
	require.NotNil(task)

	task, err = repo.ClaimTask(ctx, "task-1", "owner-2", time.Minute)
	require.NoError(err)
	assert.Nil(task)

	_, err = repo.ClaimTask(ctx, "missing", "owner-1", time.Minute)
	assert.ErrorIs(err, model.ErrNotFound)

	completed := model.TaskStatusCompleted
	require.NoError(repo.UpdateTask(ctx, "task-1", storage.TaskUpdate{Status: &completed}))
	require.NoError(repo.ReleaseClaim(ctx, "task-1", "owner-1"))

	task, err = repo.ClaimTask(ctx, "task-1", "owner-2", time.Minute)
	require.NoError(err)
	assert.Nil(task)
}

func TestMemoryDeleteTerminalTasksBefore(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	repo := getTestRepository(t)

	completed := model.TaskStatusCompleted
	require.NoError(repo.CreateTask(ctx, testTask("task-done")))
	require.NoError(repo.UpdateTask(ctx, "task-done", storage.TaskUpdate{Status: &completed}))
	require.NoError(repo.CreateTask(ctx, testTask("task-live")))

	removed, err := repo.DeleteTerminalTasksBefore(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(err)
	assert.Equal(1, removed)

	_, err = repo.GetTask(ctx, "task-done")
	assert.ErrorIs(err, model.ErrNotFound)
	_, err = repo.GetTask(ctx, "task-live")
	assert.NoError(err)
}

func TestMemorySnapshotIsolation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	repo := getTestRepository(t)
	require.NoError(repo.CreateTask(ctx, testTask("task-1")))

	state := model.TaskState{
		Messages: []model.Message{{
			Role:    "assistant",
			Content: "working",
			Extra:   map[string]any{"step": 1},
		}},
		Checkpoints: []model.Checkpoint{{DurationSec: 3}},
	}
	require.NoError(repo.UpdateTask(ctx, "task-1", storage.TaskUpdate{State: &state}))

	// Mutating the caller's state after the write must not leak into the store.
	state.Messages[0].Content = "mutated"

	got, err := repo.GetTask(ctx, "task-1")
	require.NoError(err)
	require.Len(got.State.Messages, 1)
	assert.Equal("working", got.State.Messages[0].Content)

	// Mutating a returned snapshot must not leak either.
	got.State.Messages[0].Extra["step"] = 99
	got.State.Checkpoints[0].Finished = true

	again, err := repo.GetTask(ctx, "task-1")
	require.NoError(err)
	assert.Equal(1, again.State.Messages[0].Extra["step"])
	assert.False(again.State.Checkpoints[0].Finished)

	// Event data maps are isolated the same way.
	data := map[string]any{"tokens": 100}
	_, err = repo.AppendEvent(ctx, "task-1", storage.NewEvent{
		Level:   model.EventLevelInfo,
		Type:    model.EventTypeCycleCompleted,
		Message: "Cycle completed.",
		Data:    data,
	})
	require.NoError(err)
	data["tokens"] = 0

	events, err := repo.ListEvents(ctx, "task-1", 1, 10)
	require.NoError(err)
	require.Len(events, 1)
	assert.Equal(100, events[0].Data["tokens"])

	events[0].Data["tokens"] = -1
	events, err = repo.ListEvents(ctx, "task-1", 1, 10)
	require.NoError(err)
	assert.Equal(100, events[0].Data["tokens"])
}

func TestMemorySettings(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	repo := getTestRepository(t)

	_, err := repo.GetSetting(ctx, "api_key_1")
	assert.ErrorIs(err, model.ErrNotFound)

	require.NoError(repo.SetSetting(ctx, "api_key_1", "v1"))
	require.NoError(repo.SetSetting(ctx, "api_key_1", "v2"))

	value, err := repo.GetSetting(ctx, "api_key_1")
	require.NoError(err)
	assert.Equal("v2", value)
}
