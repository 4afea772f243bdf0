package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const namespace = "MANUS"

// RuntimeEnv holds the execution tunables shared by the embedded poller and
// the distributed worker.
type RuntimeEnv struct {
	// PollInterval is the idle sleep between scheduler polls.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"500ms"`
	// CycleSteps is the per-cycle step budget handed to the engine.
	CycleSteps int `envconfig:"CYCLE_STEPS" default:"10"`
	// CycleTimeout is the wall-clock bound of one engine cycle. Expiry is a
	// transient failure under the transport's retry policy.
	CycleTimeout time.Duration `envconfig:"CYCLE_TIMEOUT" default:"30m"`
	// ClaimLease is how long a claimed task stays exclusive before the lease
	// can be reclaimed from a crashed holder.
	ClaimLease time.Duration `envconfig:"CLAIM_LEASE" default:"10m"`
	// TokenSoftBudgetFraction is the fraction of a task's token budget
	// treated as the practical ceiling before the task is stopped.
	TokenSoftBudgetFraction float64 `envconfig:"TOKEN_SOFT_BUDGET_FRACTION" default:"0.98"`
	// CredentialSlots are the setting keys holding the shared credentials.
	CredentialSlots []string `envconfig:"CREDENTIAL_SLOTS" default:"api_key_1,api_key_2,api_key_3,api_key_4,api_key_5"`
	// WorkspaceRoot is where task workspaces live by default.
	WorkspaceRoot string `envconfig:"WORKSPACE_ROOT" default:"./workspace"`
	// TaskRetention is how long terminal tasks are kept before the cleanup
	// job removes them.
	TaskRetention time.Duration `envconfig:"TASK_RETENTION" default:"720h"`
}

// WorkerEnv holds the distributed transport settings.
type WorkerEnv struct {
	// NATSURL is the JetStream broker address.
	NATSURL string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
	// Concurrency is how many jobs one worker process handles in parallel.
	Concurrency int `envconfig:"WORKER_CONCURRENCY" default:"4"`
}

// Env is the full runtime environment configuration.
type Env struct {
	RuntimeEnv
	WorkerEnv
}

// LoadEnv loads the environment configuration under the MANUS_ namespace.
func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("could not load env config: %w", err)
	}
	if env.CycleSteps <= 0 {
		return nil, fmt.Errorf("cycle steps must be positive")
	}
	if env.TokenSoftBudgetFraction <= 0 || env.TokenSoftBudgetFraction > 1 {
		return nil, fmt.Errorf("token soft budget fraction must be in (0, 1]")
	}
	return &env, nil
}
