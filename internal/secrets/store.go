package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/opma4940-coder/mkh-Manus/internal/log"
	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/storage"
)

// ValueUndecryptable is the sentinel returned by Get for values that can no
// longer be decrypted. Callers must treat it as "configured but unusable",
// a decryption failure never crosses the settings boundary as an error.
const ValueUndecryptable = "[undecryptable]"

// StoreConfig is the configuration for the settings store.
type StoreConfig struct {
	Repository storage.SettingRepository
	Cipher     *Cipher
	Logger     log.Logger
}

func (c *StoreConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Cipher == nil {
		return fmt.Errorf("cipher is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "secrets.Store"})
	return nil
}

// Store gives read/write access to settings, encrypting values at rest.
type Store struct {
	repo   storage.SettingRepository
	cipher *Cipher
	logger log.Logger
}

// NewStore creates a new settings store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Store{
		repo:   cfg.Repository,
		cipher: cfg.Cipher,
		logger: cfg.Logger,
	}, nil
}

// Set encrypts and stores a setting value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	encrypted, err := s.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("could not encrypt value: %w", err)
	}

	if err := s.repo.SetSetting(ctx, key, encrypted); err != nil {
		return fmt.Errorf("could not store setting: %w", err)
	}

	return nil
}

// Get retrieves and decrypts a setting value. A value that fails decryption
// yields ValueUndecryptable instead of an error.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	encrypted, err := s.repo.GetSetting(ctx, key)
	if err != nil {
		return "", err
	}

	value, err := s.cipher.Decrypt(encrypted)
	if err != nil {
		if errors.Is(err, ErrUndecryptable) {
			s.logger.Warningf("Setting %s could not be decrypted", key)
			return ValueUndecryptable, nil
		}
		return "", fmt.Errorf("could not decrypt setting: %w", err)
	}

	return value, nil
}

// CredentialSlots resolves the given slot keys into the currently usable
// credential map. Missing and undecryptable slots are skipped.
func (s *Store) CredentialSlots(ctx context.Context, slots []string) (map[string]string, error) {
	available := map[string]string{}
	for _, slot := range slots {
		value, err := s.Get(ctx, slot)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("could not resolve credential slot %s: %w", slot, err)
		}
		if value == "" || value == ValueUndecryptable {
			continue
		}
		available[slot] = value
	}

	return available, nil
}
