package lib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opma4940-coder/mkh-Manus/internal/credentials"
	"github.com/opma4940-coder/mkh-Manus/internal/engine"
	"github.com/opma4940-coder/mkh-Manus/internal/engine/fake"
	"github.com/opma4940-coder/mkh-Manus/internal/log"
	"github.com/opma4940-coder/mkh-Manus/internal/secrets"
	"github.com/opma4940-coder/mkh-Manus/internal/storage"
	"github.com/opma4940-coder/mkh-Manus/internal/storage/sqlite"
)

const (
	defaultDataDir       = ".manus"
	defaultDBFile        = "manus.db"
	defaultKeyFile       = "secret.key"
	defaultWorkspaceDir  = "workspace"
	defaultCycleSteps    = 10
	defaultCredentialCap = 5
)

// Config configures the SDK client.
//
// All fields are optional and have sensible defaults. At minimum, an empty
// Config{} will use ~/.manus/manus.db for storage and the fake engine.
type Config struct {
	// DBPath is the SQLite database path.
	// Default: ~/.manus/manus.db.
	DBPath string

	// DataDir is the base directory for manus data (database, encryption key,
	// task workspaces).
	// Default: ~/.manus.
	DataDir string

	// KeyPath is the settings encryption key file. Created with a fresh
	// random key on first use.
	// Default: ~/.manus/secret.key.
	KeyPath string

	// WorkspaceRoot is where per-task workspaces are placed by default.
	// Default: ~/.manus/workspace.
	WorkspaceRoot string

	// Logger receives structured log output from the SDK.
	// Default: noop (silent). See the log sub-package for the interface.
	Logger log.Logger

	// Engine selects the cycle execution engine.
	// Default: [EngineFake].
	Engine EngineType

	// Fake tunes the fake engine. Ignored for other engine types.
	Fake FakeEngineOpts

	// CredentialSlots are the setting keys holding shared API credentials.
	// Default: api_key_1 .. api_key_5.
	CredentialSlots []string
}

func (c *Config) defaults() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("could not get user home dir: %w", err)
		}
		c.DataDir = filepath.Join(home, defaultDataDir)
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, defaultDBFile)
	}
	if c.KeyPath == "" {
		c.KeyPath = filepath.Join(c.DataDir, defaultKeyFile)
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = filepath.Join(c.DataDir, defaultWorkspaceDir)
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	if c.Engine == "" {
		c.Engine = EngineFake
	}

	if len(c.CredentialSlots) == 0 {
		for i := 1; i <= defaultCredentialCap; i++ {
			c.CredentialSlots = append(c.CredentialSlots, fmt.Sprintf("api_key_%d", i))
		}
	}

	return nil
}

// Client is the main SDK entry point for managing and executing tasks
// programmatically.
//
// Create a Client with [New] and release its resources with [Client.Close].
// A Client is safe for concurrent use.
type Client struct {
	repo          storage.TaskRepository
	settings      *secrets.Store
	pool          *credentials.Pool
	engine        engine.Runner
	workspaceRoot string
	slots         []string
	logger        log.Logger
	closeFn       func() error
}

// New creates a new SDK client backed by a SQLite database.
//
// The caller must call [Client.Close] when done to release the database
// connection. Typically used with defer:
//
//	client, err := lib.New(ctx, lib.Config{})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: cfg.DBPath,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create repository: %w", err)
	}

	key, err := secrets.LoadOrCreateKey(cfg.KeyPath)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("could not load encryption key: %w", err)
	}
	cipher, err := secrets.NewCipher(key)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("could not create cipher: %w", err)
	}
	settings, err := secrets.NewStore(secrets.StoreConfig{
		Repository: repo,
		Cipher:     cipher,
		Logger:     cfg.Logger,
	})
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("could not create settings store: %w", err)
	}

	pool, err := credentials.NewPool(credentials.PoolConfig{Logger: cfg.Logger})
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("could not create credential pool: %w", err)
	}

	eng, err := newEngine(cfg)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	return &Client{
		repo:          repo,
		settings:      settings,
		pool:          pool,
		engine:        eng,
		workspaceRoot: cfg.WorkspaceRoot,
		slots:         cfg.CredentialSlots,
		logger:        cfg.Logger,
		closeFn:       repo.Close,
	}, nil
}

// Close releases resources held by the client, including the database
// connection. After Close returns, the client must not be used.
func (c *Client) Close() error {
	if c.closeFn != nil {
		return c.closeFn()
	}
	return nil
}

func newEngine(cfg Config) (engine.Runner, error) {
	switch cfg.Engine {
	case EngineFake:
		runner, err := fake.NewRunner(fake.RunnerConfig{
			CyclesToFinish: cfg.Fake.CyclesToFinish,
			TokensPerCycle: cfg.Fake.TokensPerCycle,
			Logger:         cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create fake engine: %w", err)
		}
		return runner, nil
	default:
		return nil, fmt.Errorf("unsupported engine type %q: %w", cfg.Engine, ErrNotValid)
	}
}
