package fake_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opma4940-coder/mkh-Manus/internal/engine"
	"github.com/opma4940-coder/mkh-Manus/internal/engine/fake"
)

func TestFakeRunnerFinishesAfterConfiguredCycles(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	runner, err := fake.NewRunner(fake.RunnerConfig{CyclesToFinish: 2, TokensPerCycle: 100})
	require.NoError(err)

	req := engine.CycleRequest{
		TaskID:          "task-1",
		Goal:            "Summarize the quarterly report",
		CredentialSlot:  "api_key_1",
		CredentialValue: "key-one",
		StepBudget:      10,
	}

	// First cycle: not finished, conversation started.
	result, err := runner.RunCycle(context.Background(), req)
	require.NoError(err)
	assert.Empty(result.Err)
	assert.False(result.Finished)
	assert.Equal(10, result.StepsUsed)
	assert.Equal(100, result.TokenTotal)
	assert.Equal(result.TokenInput+result.TokenOutput, result.TokenTotal)
	require.Len(result.Messages, 2)
	assert.Equal("user", result.Messages[0].Role)
	assert.Equal("assistant", result.Messages[1].Role)

	// Second cycle continues the conversation and finishes.
	req.Messages = result.Messages
	result, err = runner.RunCycle(context.Background(), req)
	require.NoError(err)
	assert.True(result.Finished)
	require.Len(result.Messages, 3)
	assert.Equal("assistant", result.Messages[2].Role)
}

func TestFakeRunnerTracksTasksIndependently(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	runner, err := fake.NewRunner(fake.RunnerConfig{CyclesToFinish: 2})
	require.NoError(err)

	req1 := engine.CycleRequest{TaskID: "task-1", Goal: "goal", CredentialValue: "key", StepBudget: 10}
	req2 := engine.CycleRequest{TaskID: "task-2", Goal: "goal", CredentialValue: "key", StepBudget: 10}

	result, err := runner.RunCycle(context.Background(), req1)
	require.NoError(err)
	assert.False(result.Finished)

	result, err = runner.RunCycle(context.Background(), req1)
	require.NoError(err)
	assert.True(result.Finished)

	// The other task is still on its first cycle.
	result, err = runner.RunCycle(context.Background(), req2)
	require.NoError(err)
	assert.False(result.Finished)
}

func TestFakeRunnerMissingCredential(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	runner, err := fake.NewRunner(fake.RunnerConfig{})
	require.NoError(err)

	result, err := runner.RunCycle(context.Background(), engine.CycleRequest{TaskID: "task-1", Goal: "goal"})

	// Engine-internal failures travel in Result.Err, not the error return.
	require.NoError(err)
	assert.NotEmpty(result.Err)
	assert.False(result.Finished)
}
