package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opma4940-coder/mkh-Manus/internal/model"
)

// SetSetting stores a setting value, overwriting any previous one. The value
// is persisted as given, encryption belongs to the secrets layer.
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("setting key is required: %w", model.ErrNotValid)
	}

	now := time.Now().UTC().UnixMilli()
	query := `
		INSERT INTO settings (key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, query, key, value, now, now)
	if err != nil {
		return fmt.Errorf("could not upsert setting: %w", err)
	}

	r.logger.Debugf("Stored setting: %s", key)
	return nil
}

// GetSetting retrieves a setting value by key.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("setting %s: %w", key, model.ErrNotFound)
		}
		return "", fmt.Errorf("could not query setting: %w", err)
	}

	return value, nil
}
