package commands

import (
	"context"
	"io"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/client-go/util/homedir"

	"github.com/opma4940-coder/mkh-Manus/internal/log"
	"github.com/opma4940-coder/mkh-Manus/internal/secrets"
	"github.com/opma4940-coder/mkh-Manus/internal/storage/sqlite"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug      bool
	NoLog      bool
	NoColor    bool
	LoggerType string
	DBPath     string
	KeyPath    string

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)

	defaultDBPath := filepath.Join(homedir.HomeDir(), ".manus", "manus.db")
	app.Flag("db-path", "Path to the SQLite database file.").Envar("MANUS_DB_PATH").Default(defaultDBPath).StringVar(&c.DBPath)

	defaultKeyPath := filepath.Join(homedir.HomeDir(), ".manus", "secret.key")
	app.Flag("key-path", "Path to the settings encryption key file.").Envar("MANUS_KEY_PATH").Default(defaultKeyPath).StringVar(&c.KeyPath)

	return c
}

// newRepository initializes the SQLite repository shared by all commands.
func newRepository(ctx context.Context, rootCmd *RootCommand) (*sqlite.Repository, error) {
	return sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: rootCmd.DBPath,
		Logger: rootCmd.Logger,
	})
}

// newSettingsStore initializes the encrypted settings store on top of the
// repository, creating the key file on first use.
func newSettingsStore(rootCmd *RootCommand, repo *sqlite.Repository) (*secrets.Store, error) {
	key, err := secrets.LoadOrCreateKey(rootCmd.KeyPath)
	if err != nil {
		return nil, err
	}

	cipher, err := secrets.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return secrets.NewStore(secrets.StoreConfig{
		Repository: repo,
		Cipher:     cipher,
		Logger:     rootCmd.Logger,
	})
}
