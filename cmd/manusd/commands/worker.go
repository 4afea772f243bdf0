package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/ulid/v2"

	"github.com/opma4940-coder/mkh-Manus/internal/app/taskrun"
	"github.com/opma4940-coder/mkh-Manus/internal/app/worker"
	"github.com/opma4940-coder/mkh-Manus/internal/config"
	"github.com/opma4940-coder/mkh-Manus/internal/credentials"
	"github.com/opma4940-coder/mkh-Manus/internal/engine"
	enginefake "github.com/opma4940-coder/mkh-Manus/internal/engine/fake"
	queuenats "github.com/opma4940-coder/mkh-Manus/internal/queue/nats"
)

type WorkerCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	engine      string
	natsURL     string
	concurrency int
}

// NewWorkerCommand returns the worker command.
func NewWorkerCommand(rootCmd *RootCommand, app *kingpin.Application) *WorkerCommand {
	c := &WorkerCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("worker", "Run a distributed queue worker.")
	c.Cmd.Flag("engine", "Engine type (fake).").Default("fake").EnumVar(&c.engine, "fake")
	c.Cmd.Flag("nats-url", "NATS server address (overrides MANUS_NATS_URL).").StringVar(&c.natsURL)
	c.Cmd.Flag("concurrency", "Parallel jobs per worker (overrides MANUS_WORKER_CONCURRENCY).").IntVar(&c.concurrency)

	return c
}

func (c WorkerCommand) Name() string { return c.Cmd.FullCommand() }

func (c WorkerCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	env, err := config.LoadEnv()
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}
	if c.natsURL != "" {
		env.NATSURL = c.natsURL
	}
	if c.concurrency > 0 {
		env.Concurrency = c.concurrency
	}

	// Initialize storage (SQLite).
	repo, err := newRepository(ctx, c.rootCmd)
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}

	// Initialize encrypted settings.
	settings, err := newSettingsStore(c.rootCmd, repo)
	if err != nil {
		return fmt.Errorf("could not create settings store: %w", err)
	}

	// Initialize engine based on config.
	var eng engine.Runner
	switch c.engine {
	case "fake":
		eng, err = enginefake.NewRunner(enginefake.RunnerConfig{
			Logger: logger,
		})
	}
	if err != nil {
		return fmt.Errorf("could not create engine: %w", err)
	}

	pool, err := credentials.NewPool(credentials.PoolConfig{Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create credential pool: %w", err)
	}

	// Cycle runner service.
	svc, err := taskrun.NewService(taskrun.ServiceConfig{
		Repository:              repo,
		Settings:                settings,
		Pool:                    pool,
		Engine:                  eng,
		CycleSteps:              env.CycleSteps,
		CycleTimeout:            env.CycleTimeout,
		TokenSoftBudgetFraction: env.TokenSoftBudgetFraction,
		CredentialSlots:         env.CredentialSlots,
		Logger:                  logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	// JetStream broker.
	broker, err := queuenats.NewBroker(ctx, queuenats.BrokerConfig{
		URL:    env.NATSURL,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create broker: %w", err)
	}
	defer func() { _ = broker.Close() }()

	host, _ := os.Hostname()
	owner := fmt.Sprintf("worker-%s-%s", host, ulid.Make().String())

	w, err := worker.NewWorker(worker.WorkerConfig{
		Broker:          broker,
		Service:         svc,
		Repository:      repo,
		Settings:        settings,
		Owner:           owner,
		ClaimLease:      env.ClaimLease,
		Concurrency:     env.Concurrency,
		CredentialSlots: env.CredentialSlots,
		TaskRetention:   env.TaskRetention,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("could not create worker: %w", err)
	}

	return w.Run(ctx)
}
