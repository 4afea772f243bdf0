package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opma4940-coder/mkh-Manus/internal/log"
	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.TaskRepository and
// storage.SettingRepository.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

// NewRepository creates a new SQLite repository.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// NewRepositoryWithDB creates a repository on an already opened and migrated
// database. Mostly used by tests.
func NewRepositoryWithDB(db *sql.DB, logger log.Logger) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = log.Noop
	}

	return &Repository{db: db, logger: logger.WithValues(log.Kv{"svc": "storage.SQLite"})}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

const taskColumns = `
	id, goal, workspace_path, token_budget,
	status, cancel_requested, last_error,
	progress, elapsed_seconds, eta_seconds,
	steps_done, steps_estimate,
	token_input, token_output, token_total,
	state_json, claimed_by, claimed_until,
	created_at, updated_at, started_at, completed_at
`

func (r *Repository) scanTask(s scanner) (model.Task, error) {
	var t model.Task
	var cancelRequested int
	var stateJSON string
	var claimedUntil, createdAt, updatedAt, startedAt, completedAt sql.NullInt64

	err := s.Scan(
		&t.ID,
		&t.Goal,
		&t.WorkspacePath,
		&t.TokenBudget,
		&t.Status,
		&cancelRequested,
		&t.LastError,
		&t.Progress,
		&t.ElapsedSeconds,
		&t.EtaSeconds,
		&t.StepsDone,
		&t.StepsEstimate,
		&t.TokenInput,
		&t.TokenOutput,
		&t.TokenTotal,
		&stateJSON,
		&t.ClaimedBy,
		&claimedUntil,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return model.Task{}, err
	}

	t.CancelRequested = cancelRequested != 0

	if err := json.Unmarshal([]byte(stateJSON), &t.State); err != nil {
		return model.Task{}, fmt.Errorf("could not unmarshal task state: %w", err)
	}

	if !createdAt.Valid || !updatedAt.Valid {
		return model.Task{}, fmt.Errorf("created_at and updated_at are required")
	}
	t.CreatedAt = timeFromUnix(createdAt.Int64)
	t.UpdatedAt = timeFromUnix(updatedAt.Int64)
	if claimedUntil.Valid {
		ts := timeFromUnix(claimedUntil.Int64)
		t.ClaimedUntil = &ts
	}
	if startedAt.Valid {
		ts := timeFromUnix(startedAt.Int64)
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := timeFromUnix(completedAt.Int64)
		t.CompletedAt = &ts
	}

	return t, nil
}

func timeFromUnix(unixMilli int64) time.Time { return time.UnixMilli(unixMilli).UTC() }
