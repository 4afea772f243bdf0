package tasks_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opma4940-coder/mkh-Manus/internal/app/tasks"
	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/queue"
	queuememory "github.com/opma4940-coder/mkh-Manus/internal/queue/memory"
	"github.com/opma4940-coder/mkh-Manus/internal/storage"
	"github.com/opma4940-coder/mkh-Manus/internal/storage/memory"
)

func getTestService(t *testing.T, broker queue.Broker) (*tasks.Service, *memory.Repository) {
	t.Helper()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)

	svc, err := tasks.NewService(tasks.ServiceConfig{
		Repository:    repo,
		Broker:        broker,
		WorkspaceRoot: "/tmp/manus-test",
	})
	require.NoError(t, err)

	return svc, repo
}

func TestCreate(t *testing.T) {
	tests := map[string]struct {
		opts   tasks.CreateOptions
		expErr bool
		assert func(assert *assert.Assertions, task *model.Task)
	}{
		"A task with only a goal should get defaults for everything else": {
			opts: tasks.CreateOptions{Goal: "Summarize the quarterly report"},
			assert: func(assert *assert.Assertions, task *model.Task) {
				assert.Len(task.ID, 26)
				assert.Equal(model.TaskStatusQueued, task.Status)
				assert.Equal(model.DefaultTokenBudget, task.TokenBudget)
				assert.True(strings.HasPrefix(task.WorkspacePath, "/tmp/manus-test/"))
				assert.Contains(task.WorkspacePath, strings.ToLower(task.ID))
			},
		},

		"Explicit workspace and budget should be kept": {
			opts: tasks.CreateOptions{
				Goal:          "Summarize the quarterly report",
				WorkspacePath: "/srv/work/reports",
				TokenBudget:   5000,
			},
			assert: func(assert *assert.Assertions, task *model.Task) {
				assert.Equal("/srv/work/reports", task.WorkspacePath)
				assert.Equal(5000, task.TokenBudget)
			},
		},

		"Surrounding whitespace on the goal should be trimmed": {
			opts: tasks.CreateOptions{Goal: "  Summarize the quarterly report  "},
			assert: func(assert *assert.Assertions, task *model.Task) {
				assert.Equal("Summarize the quarterly report", task.Goal)
			},
		},

		"A task without a goal should be rejected": {
			opts:   tasks.CreateOptions{Goal: "   "},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			svc, _ := getTestService(t, nil)
			task, err := svc.Create(context.Background(), test.opts)

			if test.expErr {
				assert.ErrorIs(err, model.ErrNotValid)
				return
			}

			if assert.NoError(err) {
				test.assert(assert, task)
			}
		})
	}
}

func TestCreateEnqueuesCycleJob(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	broker := queuememory.NewBroker()
	defer broker.Close()
	svc, _ := getTestService(t, broker)

	got := make(chan queue.Job, 1)
	stop, err := broker.Subscribe(ctx, queue.QueueCycles, func(ctx context.Context, d queue.Delivery) {
		_ = d.Ack()
		got <- d.Job()
	})
	require.NoError(err)
	defer stop()

	task, err := svc.Create(ctx, tasks.CreateOptions{Goal: "Summarize the quarterly report"})
	require.NoError(err)

	select {
	case job := <-got:
		assert.Equal(queue.JobCycleExecute, job.Name)
		assert.Equal(task.ID, job.TaskID)
	case <-time.After(time.Second):
		require.FailNow("timed out waiting for cycle job")
	}
}

func TestGet(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	svc, _ := getTestService(t, nil)

	created, err := svc.Create(ctx, tasks.CreateOptions{Goal: "Summarize the quarterly report"})
	require.NoError(err)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(err)
	assert.Equal(created.ID, got.ID)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(err, model.ErrNotFound)
}

func TestList(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	svc, _ := getTestService(t, nil)

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, tasks.CreateOptions{Goal: "Summarize the quarterly report"})
		require.NoError(err)
	}

	all, err := svc.List(ctx, 0)
	require.NoError(err)
	assert.Len(all, 3)

	limited, err := svc.List(ctx, 2)
	require.NoError(err)
	assert.Len(limited, 2)
}

func TestCancel(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	broker := queuememory.NewBroker()
	defer broker.Close()
	svc, repo := getTestService(t, broker)

	got := make(chan queue.Job, 2)
	stop, err := broker.Subscribe(ctx, queue.QueueCycles, func(ctx context.Context, d queue.Delivery) {
		_ = d.Ack()
		got <- d.Job()
	})
	require.NoError(err)
	defer stop()

	created, err := svc.Create(ctx, tasks.CreateOptions{Goal: "Summarize the quarterly report"})
	require.NoError(err)

	task, err := svc.Cancel(ctx, created.ID)
	require.NoError(err)
	assert.True(task.CancelRequested)

	// Cancelling twice is fine.
	task, err = svc.Cancel(ctx, created.ID)
	require.NoError(err)
	assert.True(task.CancelRequested)

	// Both the creation and the cancellation enqueue a finalizing cycle job.
	for i := 0; i < 2; i++ {
		select {
		case job := <-got:
			assert.Equal(created.ID, job.TaskID)
		case <-time.After(time.Second):
			require.FailNow("timed out waiting for cycle job")
		}
	}

	// A terminal task is returned untouched.
	status := model.TaskStatusCompleted
	now := time.Now().UTC()
	require.NoError(repo.UpdateTask(ctx, created.ID, storage.TaskUpdate{
		Status:      &status,
		CompletedAt: &now,
	}))

	task, err = svc.Cancel(ctx, created.ID)
	require.NoError(err)
	assert.Equal(model.TaskStatusCompleted, task.Status)

	_, err = svc.Cancel(ctx, "missing")
	assert.ErrorIs(err, model.ErrNotFound)
}

func TestEvents(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	svc, _ := getTestService(t, nil)

	created, err := svc.Create(ctx, tasks.CreateOptions{Goal: "Summarize the quarterly report"})
	require.NoError(err)

	events, err := svc.Events(ctx, created.ID, 0, 0)
	require.NoError(err)
	require.Len(events, 1)
	assert.Equal(model.EventTypeTaskQueued, events[0].Type)

	after, err := svc.Events(ctx, created.ID, events[0].Seq, 0)
	require.NoError(err)
	assert.Empty(after)

	_, err = svc.Events(ctx, "missing", 0, 0)
	assert.ErrorIs(err, model.ErrNotFound)
}
