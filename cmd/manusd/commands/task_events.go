package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/opma4940-coder/mkh-Manus/internal/app/tasks"
	"github.com/opma4940-coder/mkh-Manus/internal/printer"
)

type TaskEventsCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id       string
	afterSeq int64
	limit    int
	format   string
}

// NewTaskEventsCommand returns the task events command.
func NewTaskEventsCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TaskEventsCommand {
	c := &TaskEventsCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("events", "Show a task's event log.")
	c.Cmd.Arg("id", "Task ID.").Required().StringVar(&c.id)
	c.Cmd.Flag("after", "Only show events after this sequence number.").Int64Var(&c.afterSeq)
	c.Cmd.Flag("limit", "Maximum number of events to show.").Default("100").IntVar(&c.limit)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c TaskEventsCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskEventsCommand) Run(ctx context.Context) error {
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

	// Execute events.
	events, err := svc.Events(ctx, c.id, c.afterSeq, c.limit)
	if err != nil {
		return fmt.Errorf("could not get events: %w", err)
	}

	// Print output.
	var p printer.Printer
	switch c.format {
	case "json":
		p = printer.NewJSONPrinter(c.rootCmd.Stdout)
	default: // table
		p = printer.NewTablePrinter(c.rootCmd.Stdout)
	}

	if err := p.PrintEvents(events); err != nil {
		return fmt.Errorf("could not print events: %w", err)
	}

	return nil
}
