package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"

	"github.com/opma4940-coder/mkh-Manus/internal/app/tasks"
)

// taskManifest is the YAML file format accepted by --from-file.
type taskManifest struct {
	Goal          string `yaml:"goal"`
	WorkspacePath string `yaml:"workspace_path"`
	TokenBudget   int    `yaml:"token_budget"`
}

type TaskCreateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	goal          string
	workspacePath string
	tokenBudget   int
	fromFile      string
}

// NewTaskCreateCommand returns the task create command.
func NewTaskCreateCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TaskCreateCommand {
	c := &TaskCreateCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("create", "Create a new task.")
	c.Cmd.Flag("goal", "Goal for the agent to achieve.").Short('g').StringVar(&c.goal)
	c.Cmd.Flag("workspace", "Workspace directory for the task.").StringVar(&c.workspacePath)
	c.Cmd.Flag("token-budget", "Token budget for the task (0 uses the default).").IntVar(&c.tokenBudget)
	c.Cmd.Flag("from-file", "Read the task definition from a YAML manifest.").Short('f').StringVar(&c.fromFile)

	return c
}

func (c TaskCreateCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskCreateCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	opts := tasks.CreateOptions{
		Goal:          c.goal,
		WorkspacePath: c.workspacePath,
		TokenBudget:   c.tokenBudget,
	}

	if c.fromFile != "" {
		raw, err := os.ReadFile(c.fromFile)
		if err != nil {
			return fmt.Errorf("could not read manifest: %w", err)
		}

		var manifest taskManifest
		if err := yaml.Unmarshal(raw, &manifest); err != nil {
			return fmt.Errorf("could not parse manifest: %w", err)
		}

		// Explicit flags win over the manifest.
		if opts.Goal == "" {
			opts.Goal = manifest.Goal
		}
		if opts.WorkspacePath == "" {
			opts.WorkspacePath = manifest.WorkspacePath
		}
		if opts.TokenBudget == 0 {
			opts.TokenBudget = manifest.TokenBudget
		}
	}

	if opts.Goal == "" {
		return fmt.Errorf("--goal or --from-file with a goal is required")
	}

	// Initialize storage (SQLite).
	repo, err := newRepository(ctx, c.rootCmd)
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}

	// Create service.
	svc, err := tasks.NewService(tasks.ServiceConfig{
		Repository: repo,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	// Execute create.
	task, err := svc.Create(ctx, opts)
	if err != nil {
		return fmt.Errorf("could not create task: %w", err)
	}

	// Output success message.
	fmt.Fprintf(c.rootCmd.Stdout, "Task created successfully!\n")
	fmt.Fprintf(c.rootCmd.Stdout, "  ID:        %s\n", task.ID)
	fmt.Fprintf(c.rootCmd.Stdout, "  Goal:      %s\n", task.Goal)
	fmt.Fprintf(c.rootCmd.Stdout, "  Status:    %s\n", task.Status)
	fmt.Fprintf(c.rootCmd.Stdout, "  Workspace: %s\n", task.WorkspacePath)

	return nil
}
