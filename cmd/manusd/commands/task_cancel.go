package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/opma4940-coder/mkh-Manus/internal/app/tasks"
)

type TaskCancelCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id string
}

// NewTaskCancelCommand returns the task cancel command.
func NewTaskCancelCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TaskCancelCommand {
	c := &TaskCancelCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("cancel", "Request cancellation of a task.")
	c.Cmd.Arg("id", "Task ID.").Required().StringVar(&c.id)

	return c
}

func (c TaskCancelCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskCancelCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

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

	// Execute cancel.
	task, err := svc.Cancel(ctx, c.id)
	if err != nil {
		return fmt.Errorf("could not cancel task: %w", err)
	}

	if task.Status.IsTerminal() {
		fmt.Fprintf(c.rootCmd.Stdout, "Task %s already %s, nothing to cancel.\n", task.ID, task.Status)
		return nil
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Cancellation requested for task %s.\n", task.ID)
	return nil
}
