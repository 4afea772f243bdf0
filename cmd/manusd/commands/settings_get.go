package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/secrets"
)

type SettingsGetCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	key    string
	reveal bool
}

// NewSettingsGetCommand returns the settings get command.
func NewSettingsGetCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *SettingsGetCommand {
	c := &SettingsGetCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("get", "Retrieve a setting value.")
	c.Cmd.Arg("key", "Setting key.").Required().StringVar(&c.key)
	c.Cmd.Flag("reveal", "Print the decrypted value instead of a redacted form.").BoolVar(&c.reveal)

	return c
}

func (c SettingsGetCommand) Name() string { return c.Cmd.FullCommand() }

func (c SettingsGetCommand) Run(ctx context.Context) error {
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

	value, err := settings.Get(ctx, c.key)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("setting %q is not set", c.key)
		}
		return fmt.Errorf("could not get setting: %w", err)
	}

	switch {
	case value == secrets.ValueUndecryptable:
		fmt.Fprintf(c.rootCmd.Stdout, "%s: %s\n", c.key, value)
	case c.reveal:
		fmt.Fprintf(c.rootCmd.Stdout, "%s\n", value)
	default:
		fmt.Fprintf(c.rootCmd.Stdout, "%s: %s\n", c.key, redact(value))
	}

	return nil
}

func redact(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}
