package secrets_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/secrets"
	"github.com/opma4940-coder/mkh-Manus/internal/storage/memory"
)

func getTestStore(t *testing.T) (*secrets.Store, *memory.Repository) {
	t.Helper()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)

	store, err := secrets.NewStore(secrets.StoreConfig{
		Repository: repo,
		Cipher:     getTestCipher(t),
	})
	require.NoError(t, err)

	return store, repo
}

func TestStoreSetGet(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	store, repo := getTestStore(t)

	require.NoError(store.Set(ctx, "api_key_1", "sk-ant-1234567890"))

	// Stored encrypted, never in the clear.
	raw, err := repo.GetSetting(ctx, "api_key_1")
	require.NoError(err)
	assert.NotEqual("sk-ant-1234567890", raw)
	assert.NotContains(raw, "sk-ant")

	value, err := store.Get(ctx, "api_key_1")
	require.NoError(err)
	assert.Equal("sk-ant-1234567890", value)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(err, model.ErrNotFound)
}

func TestStoreGetUndecryptable(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	store, repo := getTestStore(t)

	// Simulate a value written under a rotated key.
	require.NoError(repo.SetSetting(ctx, "api_key_1", "bm90LXZhbGlkLWNpcGhlcnRleHQ="))

	value, err := store.Get(ctx, "api_key_1")
	require.NoError(err)
	assert.Equal(secrets.ValueUndecryptable, value)
}

func TestStoreCredentialSlots(t *testing.T) {
	tests := map[string]struct {
		prepare func(ctx context.Context, store *secrets.Store, repo *memory.Repository)
		slots   []string
		exp     map[string]string
	}{
		"No configured slots should resolve to nothing": {
			prepare: func(ctx context.Context, store *secrets.Store, repo *memory.Repository) {},
			slots:   []string{"api_key_1", "api_key_2"},
			exp:     map[string]string{},
		},

		"Configured slots should resolve to their plaintext": {
			prepare: func(ctx context.Context, store *secrets.Store, repo *memory.Repository) {
				_ = store.Set(ctx, "api_key_1", "key-one")
				_ = store.Set(ctx, "api_key_3", "key-three")
			},
			slots: []string{"api_key_1", "api_key_2", "api_key_3"},
			exp:   map[string]string{"api_key_1": "key-one", "api_key_3": "key-three"},
		},

		"Undecryptable and empty slots should be skipped": {
			prepare: func(ctx context.Context, store *secrets.Store, repo *memory.Repository) {
				_ = store.Set(ctx, "api_key_1", "key-one")
				_ = store.Set(ctx, "api_key_2", "")
				_ = repo.SetSetting(ctx, "api_key_3", "bm90LXZhbGlkLWNpcGhlcnRleHQ=")
			},
			slots: []string{"api_key_1", "api_key_2", "api_key_3"},
			exp:   map[string]string{"api_key_1": "key-one"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			ctx := context.Background()
			store, repo := getTestStore(t)
			test.prepare(ctx, store, repo)

			available, err := store.CredentialSlots(ctx, test.slots)
			require.NoError(err)
			assert.Equal(test.exp, available)
		})
	}
}
