package taskrun_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opma4940-coder/mkh-Manus/internal/app/taskrun"
	"github.com/opma4940-coder/mkh-Manus/internal/engine"
	"github.com/opma4940-coder/mkh-Manus/internal/engine/fake"
	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/storage/memory"
)

func getTestPoller(t *testing.T, eng engine.Runner) (*taskrun.Poller, *memory.Repository, *taskrun.Service) {
	t.Helper()

	svc, repo, settings := getTestService(t, eng)
	require.NoError(t, settings.Set(context.Background(), "api_key_1", "key-one"))

	poller, err := taskrun.NewPoller(taskrun.PollerConfig{
		Repository: repo,
		Service:    svc,
		Owner:      "poller-test",
		ClaimLease: time.Minute,
	})
	require.NoError(t, err)

	return poller, repo, svc
}

func TestPollOnceNothingRunnable(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	eng, err := fake.NewRunner(fake.RunnerConfig{})
	require.NoError(err)
	poller, _, _ := getTestPoller(t, eng)

	processed, err := poller.PollOnce(context.Background())
	require.NoError(err)
	assert.False(processed)
}

func TestPollOnceAdvancesTask(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	eng, err := fake.NewRunner(fake.RunnerConfig{CyclesToFinish: 2})
	require.NoError(err)
	poller, repo, _ := getTestPoller(t, eng)
	createTestTask(t, repo, "task-1")

	// The claim is released after each cycle, so the same poller can drive
	// the task all the way to completion.
	for i := 0; i < 2; i++ {
		processed, err := poller.PollOnce(ctx)
		require.NoError(err)
		require.True(processed)
	}

	got, err := repo.GetTask(ctx, "task-1")
	require.NoError(err)
	assert.Equal(model.TaskStatusCompleted, got.Status)
	assert.Empty(got.ClaimedBy)

	processed, err := poller.PollOnce(ctx)
	require.NoError(err)
	assert.False(processed)
}

func TestPollOnceWaitingTaskIsNotProgress(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	eng, err := fake.NewRunner(fake.RunnerConfig{})
	require.NoError(err)

	// No credentials configured, so the task parks in waiting. The poller
	// must report no progress so its loop sleeps instead of hammering the
	// same task, and the missing-keys event must not pile up.
	svc, repo, _ := getTestService(t, eng)
	poller, err := taskrun.NewPoller(taskrun.PollerConfig{
		Repository: repo,
		Service:    svc,
		Owner:      "poller-test",
		ClaimLease: time.Minute,
	})
	require.NoError(err)
	createTestTask(t, repo, "task-1")

	for i := 0; i < 5; i++ {
		processed, err := poller.PollOnce(ctx)
		require.NoError(err)
		assert.False(processed)
	}

	got, err := repo.GetTask(ctx, "task-1")
	require.NoError(err)
	assert.Equal(model.TaskStatusWaiting, got.Status)
	assert.Equal(1, countEventType(t, repo, "task-1", model.EventTypeSettingsMissingKeys))
}

func TestPollOnceFailsTaskOnCycleError(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	poller, repo, _ := getTestPoller(t, brokenRunner{err: fmt.Errorf("engine unreachable")})
	createTestTask(t, repo, "task-1")

	processed, err := poller.PollOnce(ctx)
	require.NoError(err)
	assert.True(processed)

	got, err := repo.GetTask(ctx, "task-1")
	require.NoError(err)
	assert.Equal(model.TaskStatusFailed, got.Status)
	assert.Contains(got.LastError, "engine unreachable")
	assert.Contains(eventTypes(t, repo, "task-1"), model.EventTypeCycleFailed)
}
