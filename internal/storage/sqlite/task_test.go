package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/opma4940-coder/mkh-Manus/internal/log"
	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/storage"
	"github.com/opma4940-coder/mkh-Manus/internal/storage/sqlite"
	"github.com/opma4940-coder/mkh-Manus/internal/storage/sqlite/migrations"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Create temp database
	tmpFile, err := os.CreateTemp("", "manus-test-*.db")
	require.NoError(t, err)
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	// Open database
	db, err := sql.Open("sqlite", fmt.Sprintf("%s?_pragma=foreign_keys(1)", tmpFile.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// Run migrations
	migrator, err := migrations.NewMigrator(db, log.Noop)
	require.NoError(t, err)
	err = migrator.Up(context.Background())
	require.NoError(t, err)

	return db
}

func getTestRepository(t *testing.T) *sqlite.Repository {
	t.Helper()

	repo, err := sqlite.NewRepositoryWithDB(getTestDB(t), log.Noop)
	require.NoError(t, err)
	return repo
}

func testTask(id string) model.Task {
	return model.Task{
		ID:          id,
		Goal:        "Summarize the quarterly report",
		TokenBudget: model.DefaultTokenBudget,
		Status:      model.TaskStatusQueued,
	}
}

func TestCreateTask(t *testing.T) {
	tests := map[string]struct {
		task    func() model.Task
		prepare func(ctx context.Context, repo *sqlite.Repository)
		expErr  error
	}{
		"Creating a task should store it queued with its initial event": {
			task: func() model.Task { return testTask("task-1") },
		},

		"Creating a task without a goal should fail validation": {
			task: func() model.Task {
				task := testTask("task-1")
				task.Goal = ""
				return task
			},
			expErr: model.ErrNotValid,
		},

		"Creating a duplicated task should fail": {
			task: func() model.Task { return testTask("task-1") },
			prepare: func(ctx context.Context, repo *sqlite.Repository) {
				_ = repo.CreateTask(ctx, testTask("task-1"))
			},
			expErr: model.ErrAlreadyExists,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			ctx := context.Background()
			repo := getTestRepository(t)
			if test.prepare != nil {
				test.prepare(ctx, repo)
			}

			err := repo.CreateTask(ctx, test.task())

			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
				return
			}
			require.NoError(err)

			got, err := repo.GetTask(ctx, "task-1")
			require.NoError(err)
			assert.Equal(model.TaskStatusQueued, got.Status)
			assert.Equal(model.DefaultStepsEstimate, got.StepsEstimate)
			assert.False(got.CancelRequested)
			assert.Nil(got.StartedAt)

			events, err := repo.ListEvents(ctx, "task-1", 0, 10)
			require.NoError(err)
			require.Len(events, 1)
			assert.Equal(model.EventTypeTaskQueued, events[0].Type)
			assert.Equal(int64(1), events[0].Seq)
		})
	}
}

func TestGetTask(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	repo := getTestRepository(t)
	require.NoError(repo.CreateTask(ctx, testTask("task-1")))

	got, err := repo.GetTask(ctx, "task-1")
	require.NoError(err)
	assert.Equal("task-1", got.ID)

	_, err = repo.GetTask(ctx, "missing")
	assert.ErrorIs(err, model.ErrNotFound)
}

func TestUpdateTask(t *testing.T) {
	status := model.TaskStatusRunning
	progress := 0.5
	stepsDone := 10

	tests := map[string]struct {
		id     string
		update storage.TaskUpdate
		events []storage.NewEvent
		check  func(assert *assert.Assertions, task *model.Task, events []model.Event)
		expErr error
	}{
		"Updating a subset of fields should leave the rest untouched": {
			id: "task-1",
			update: storage.TaskUpdate{
				Status:    &status,
				Progress:  &progress,
				StepsDone: &stepsDone,
			},
			check: func(assert *assert.Assertions, task *model.Task, events []model.Event) {
				assert.Equal(model.TaskStatusRunning, task.Status)
				assert.Equal(0.5, task.Progress)
				assert.Equal(10, task.StepsDone)
				assert.Equal("Summarize the quarterly report", task.Goal)
				assert.Equal(model.DefaultTokenBudget, task.TokenBudget)
			},
		},

		"Updating with companion events should append them in the same commit": {
			id:     "task-1",
			update: storage.TaskUpdate{Status: &status},
			events: []storage.NewEvent{
				{Level: model.EventLevelInfo, Type: model.EventTypeTaskStarted, Message: "Task execution started."},
				{Level: model.EventLevelInfo, Type: model.EventTypeCycleCompleted, Message: "Cycle finished."},
			},
			check: func(assert *assert.Assertions, task *model.Task, events []model.Event) {
				// The create event plus the two companions, sequenced.
				assert.Len(events, 3)
				assert.Equal(int64(2), events[1].Seq)
				assert.Equal(model.EventTypeTaskStarted, events[1].Type)
				assert.Equal(int64(3), events[2].Seq)
				assert.Equal(model.EventTypeCycleCompleted, events[2].Type)
			},
		},

		"Updating a missing task should fail": {
			id:     "missing",
			update: storage.TaskUpdate{Status: &status},
			expErr: model.ErrNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			ctx := context.Background()
			repo := getTestRepository(t)
			require.NoError(repo.CreateTask(ctx, testTask("task-1")))

			err := repo.UpdateTask(ctx, test.id, test.update, test.events...)

			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
				return
			}
			require.NoError(err)

			task, err := repo.GetTask(ctx, test.id)
			require.NoError(err)
			events, err := repo.ListEvents(ctx, test.id, 0, 10)
			require.NoError(err)
			test.check(assert, task, events)
		})
	}
}

func TestRequestCancel(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	repo := getTestRepository(t)
	require.NoError(repo.CreateTask(ctx, testTask("task-1")))

	require.NoError(repo.RequestCancel(ctx, "task-1"))
	// Idempotent.
	require.NoError(repo.RequestCancel(ctx, "task-1"))

	task, err := repo.GetTask(ctx, "task-1")
	require.NoError(err)
	assert.True(task.CancelRequested)

	assert.ErrorIs(repo.RequestCancel(ctx, "missing"), model.ErrNotFound)
}

func TestClaimNextRunnable(t *testing.T) {
	running := model.TaskStatusRunning
	waiting := model.TaskStatusWaiting
	completed := model.TaskStatusCompleted

	tests := map[string]struct {
		prepare func(ctx context.Context, repo *sqlite.Repository)
		expID   string
		expNone bool
	}{
		"No tasks should claim nothing": {
			prepare: func(ctx context.Context, repo *sqlite.Repository) {},
			expNone: true,
		},

		"Only terminal tasks should claim nothing": {
			prepare: func(ctx context.Context, repo *sqlite.Repository) {
				_ = repo.CreateTask(ctx, testTask("task-1"))
				_ = repo.UpdateTask(ctx, "task-1", storage.TaskUpdate{Status: &completed})
			},
			expNone: true,
		},

		"Queued tasks should win over running ones": {
			prepare: func(ctx context.Context, repo *sqlite.Repository) {
				_ = repo.CreateTask(ctx, testTask("task-running"))
				_ = repo.UpdateTask(ctx, "task-running", storage.TaskUpdate{Status: &running})
				_ = repo.CreateTask(ctx, testTask("task-queued"))
			},
			expID: "task-queued",
		},

		"Waiting tasks should stay eligible": {
			prepare: func(ctx context.Context, repo *sqlite.Repository) {
				_ = repo.CreateTask(ctx, testTask("task-1"))
				_ = repo.UpdateTask(ctx, "task-1", storage.TaskUpdate{Status: &waiting})
			},
			expID: "task-1",
		},

		"Cancel-requested tasks should win over everything": {
			prepare: func(ctx context.Context, repo *sqlite.Repository) {
				_ = repo.CreateTask(ctx, testTask("task-queued"))
				_ = repo.CreateTask(ctx, testTask("task-cancelled"))
				_ = repo.UpdateTask(ctx, "task-cancelled", storage.TaskUpdate{Status: &running})
				_ = repo.RequestCancel(ctx, "task-cancelled")
			},
			expID: "task-cancelled",
		},

		"Tasks with a live lease should be skipped": {
			prepare: func(ctx context.Context, repo *sqlite.Repository) {
				_ = repo.CreateTask(ctx, testTask("task-1"))
				_, _ = repo.ClaimTask(ctx, "task-1", "other-owner", time.Hour)
			},
			expNone: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			ctx := context.Background()
			repo := getTestRepository(t)
			test.prepare(ctx, repo)

			task, err := repo.ClaimNextRunnable(ctx, "owner-1", time.Minute)
			require.NoError(err)

			if test.expNone {
				assert.Nil(task)
				return
			}
			require.NotNil(task)
			assert.Equal(test.expID, task.ID)
			assert.Equal("owner-1", task.ClaimedBy)
			require.NotNil(task.ClaimedUntil)
			assert.True(task.ClaimedUntil.After(time.Now().UTC()))
		})
	}
}

func TestClaimTaskLease(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	repo := getTestRepository(t)
	require.NoError(repo.CreateTask(ctx, testTask("task-1")))

	// First claim wins.
	task, err := repo.ClaimTask(ctx, "task-1", "owner-1", time.Hour)
	require.NoError(err)
	require.NotNil(task)

	// A different owner cannot claim while the lease is live.
	task, err = repo.ClaimTask(ctx, "task-1", "owner-2", time.Hour)
	require.NoError(err)
	assert.Nil(task)

	// The holder can renew its own lease.
	task, err = repo.ClaimTask(ctx, "task-1", "owner-1", time.Hour)
	require.NoError(err)
	require.NotNil(task)

	// After release anyone can claim.
	require.NoError(repo.ReleaseClaim(ctx, "task-1", "owner-1"))
	task, err = repo.ClaimTask(ctx, "task-1", "owner-2", time.Hour)
	require.NoError(err)
	require.NotNil(task)

	// Releasing with the wrong owner is a no-op.
	require.NoError(repo.ReleaseClaim(ctx, "task-1", "owner-1"))
	task, err = repo.ClaimTask(ctx, "task-1", "owner-3", time.Hour)
	require.NoError(err)
	assert.Nil(task)

	// Missing tasks surface as not found.
	_, err = repo.ClaimTask(ctx, "missing", "owner-1", time.Hour)
	assert.ErrorIs(err, model.ErrNotFound)
}

func TestClaimTaskExpiredLease(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	repo := getTestRepository(t)
	require.NoError(repo.CreateTask(ctx, testTask("task-1")))

	// A lease that is already expired can be taken over.
	task, err := repo.ClaimTask(ctx, "task-1", "crashed-owner", -time.Second)
	require.NoError(err)
	require.NotNil(task)

	task, err = repo.ClaimTask(ctx, "task-1", "owner-2", time.Hour)
	require.NoError(err)
	require.NotNil(task)
	require.Equal("owner-2", task.ClaimedBy)
}

func TestDeleteTerminalTasksBefore(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	repo := getTestRepository(t)

	completed := model.TaskStatusCompleted
	require.NoError(repo.CreateTask(ctx, testTask("task-old")))
	require.NoError(repo.UpdateTask(ctx, "task-old", storage.TaskUpdate{Status: &completed}))
	require.NoError(repo.CreateTask(ctx, testTask("task-live")))

	removed, err := repo.DeleteTerminalTasksBefore(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(err)
	assert.Equal(1, removed)

	_, err = repo.GetTask(ctx, "task-old")
	assert.ErrorIs(err, model.ErrNotFound)

	// Events go with the task.
	events, err := repo.ListEvents(ctx, "task-old", 0, 10)
	require.NoError(err)
	assert.Empty(events)

	// Non-terminal tasks are never removed.
	_, err = repo.GetTask(ctx, "task-live")
	assert.NoError(err)
}
