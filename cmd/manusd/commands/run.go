package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/opma4940-coder/mkh-Manus/internal/app/taskrun"
	"github.com/opma4940-coder/mkh-Manus/internal/config"
	"github.com/opma4940-coder/mkh-Manus/internal/credentials"
	"github.com/opma4940-coder/mkh-Manus/internal/engine"
	enginefake "github.com/opma4940-coder/mkh-Manus/internal/engine/fake"
)

type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	engine string
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Run the embedded scheduler (poll loop).")
	c.Cmd.Flag("engine", "Engine type (fake).").Default("fake").EnumVar(&c.engine, "fake")

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	env, err := config.LoadEnv()
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
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

	poller, err := taskrun.NewPoller(taskrun.PollerConfig{
		Repository:   repo,
		Service:      svc,
		PollInterval: env.PollInterval,
		ClaimLease:   env.ClaimLease,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create poller: %w", err)
	}

	return poller.Run(ctx)
}
