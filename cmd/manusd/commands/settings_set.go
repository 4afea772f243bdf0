package commands

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"
)

type SettingsSetCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	key   string
	value string
	stdin bool
}

// NewSettingsSetCommand returns the settings set command.
func NewSettingsSetCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *SettingsSetCommand {
	c := &SettingsSetCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("set", "Store an encrypted setting value.")
	c.Cmd.Arg("key", "Setting key (e.g. api_key_1).").Required().StringVar(&c.key)
	c.Cmd.Arg("value", "Setting value (omit with --stdin).").StringVar(&c.value)
	c.Cmd.Flag("stdin", "Read the value from standard input instead of an argument.").BoolVar(&c.stdin)

	return c
}

func (c SettingsSetCommand) Name() string { return c.Cmd.FullCommand() }

func (c SettingsSetCommand) Run(ctx context.Context) error {
	value := c.value
	if c.stdin {
		// Keeps secrets out of shell history.
		reader := bufio.NewReader(c.rootCmd.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("could not read value from stdin: %w", err)
		}
		value = strings.TrimRight(line, "\r\n")
	}
	if value == "" {
		return fmt.Errorf("a value is required (argument or --stdin)")
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

	if err := settings.Set(ctx, c.key, value); err != nil {
		return fmt.Errorf("could not store setting: %w", err)
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Setting %s stored.\n", c.key)
	return nil
}
