package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opma4940-coder/mkh-Manus/internal/config"
)

func TestLoadEnvDefaults(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	env, err := config.LoadEnv()
	require.NoError(err)

	assert.Equal(500*time.Millisecond, env.PollInterval)
	assert.Equal(10, env.CycleSteps)
	assert.Equal(30*time.Minute, env.CycleTimeout)
	assert.Equal(10*time.Minute, env.ClaimLease)
	assert.Equal(0.98, env.TokenSoftBudgetFraction)
	assert.Len(env.CredentialSlots, 5)
	assert.Equal("api_key_1", env.CredentialSlots[0])
	assert.Equal("./workspace", env.WorkspaceRoot)
	assert.Equal(720*time.Hour, env.TaskRetention)
	assert.Equal("nats://127.0.0.1:4222", env.NATSURL)
	assert.Equal(4, env.Concurrency)
}

func TestLoadEnvOverrides(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	t.Setenv("MANUS_POLL_INTERVAL", "2s")
	t.Setenv("MANUS_CYCLE_STEPS", "25")
	t.Setenv("MANUS_CREDENTIAL_SLOTS", "primary,secondary")
	t.Setenv("MANUS_WORKER_CONCURRENCY", "16")

	env, err := config.LoadEnv()
	require.NoError(err)

	assert.Equal(2*time.Second, env.PollInterval)
	assert.Equal(25, env.CycleSteps)
	assert.Equal([]string{"primary", "secondary"}, env.CredentialSlots)
	assert.Equal(16, env.Concurrency)
}

func TestLoadEnvInvalid(t *testing.T) {
	tests := map[string]struct {
		envKey   string
		envValue string
	}{
		"A malformed duration should be rejected": {
			envKey:   "MANUS_POLL_INTERVAL",
			envValue: "soon",
		},

		"Non-positive cycle steps should be rejected": {
			envKey:   "MANUS_CYCLE_STEPS",
			envValue: "0",
		},

		"A soft budget fraction above one should be rejected": {
			envKey:   "MANUS_TOKEN_SOFT_BUDGET_FRACTION",
			envValue: "1.5",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			t.Setenv(test.envKey, test.envValue)

			_, err := config.LoadEnv()
			assert.Error(err)
		})
	}
}
