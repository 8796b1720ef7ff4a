package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeyProvider(t *testing.T) {
	tests := []struct {
		name   string
		testFn func(t *testing.T, provider *FileKeyProvider)
	}{
		{
			name: "KeyExists returns false when no key file",
			testFn: func(t *testing.T, provider *FileKeyProvider) {
				assert.False(t, provider.KeyExists())
			},
		},
		{
			name: "StoreKey creates key file with 0600",
			testFn: func(t *testing.T, provider *FileKeyProvider) {
				key, err := GenerateKey()
				require.NoError(t, err)
				require.NoError(t, provider.StoreKey(key))

				info, err := os.Stat(provider.Path())
				require.NoError(t, err)
				assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
			},
		},
		{
			name: "GetKey returns stored key",
			testFn: func(t *testing.T, provider *FileKeyProvider) {
				key, err := GenerateKey()
				require.NoError(t, err)
				require.NoError(t, provider.StoreKey(key))

				got, err := provider.GetKey()
				require.NoError(t, err)
				assert.Equal(t, key, got)
			},
		},
		{
			name: "GetKey tolerates trailing newline",
			testFn: func(t *testing.T, provider *FileKeyProvider) {
				key, err := GenerateKey()
				require.NoError(t, err)
				require.NoError(t, provider.StoreKey(key))

				data, err := os.ReadFile(provider.Path())
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(provider.Path(), append(data, '\n'), 0600))

				got, err := provider.GetKey()
				require.NoError(t, err)
				assert.Equal(t, key, got)
			},
		},
		{
			name: "GetKey errors when no key file",
			testFn: func(t *testing.T, provider *FileKeyProvider) {
				_, err := provider.GetKey()
				assert.Error(t, err)
			},
		},
		{
			name: "StoreKey rejects wrong key size",
			testFn: func(t *testing.T, provider *FileKeyProvider) {
				err := provider.StoreKey([]byte("tooshort"))
				assert.ErrorContains(t, err, "invalid key size")
			},
		},
		{
			name: "StoreKey leaves no temp file behind",
			testFn: func(t *testing.T, provider *FileKeyProvider) {
				key, err := GenerateKey()
				require.NoError(t, err)
				require.NoError(t, provider.StoreKey(key))

				matches, err := filepath.Glob(provider.Path() + ".*.tmp")
				require.NoError(t, err)
				assert.Empty(t, matches)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.testFn(t, NewFileKeyProvider(t.TempDir()))
		})
	}
}

func TestStoreKey_CreatesMissingDirectory(t *testing.T) {
	provider := NewFileKeyProvider(filepath.Join(t.TempDir(), "sub", "dir"))

	key, err := GenerateKey()
	require.NoError(t, err)
	require.NoError(t, provider.StoreKey(key))
	assert.True(t, provider.KeyExists())
}

func TestGenerateKey_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		assert.Len(t, key, keySize)
		assert.False(t, seen[string(key)], "duplicate key generated")
		seen[string(key)] = true
	}
}

func TestEnsureKey(t *testing.T) {
	t.Run("generates new key when none exists", func(t *testing.T) {
		provider := NewFileKeyProvider(t.TempDir())

		key, err := EnsureKey(provider)
		require.NoError(t, err)
		assert.Len(t, key, keySize)
		assert.True(t, provider.KeyExists())
	})

	t.Run("returns existing key", func(t *testing.T) {
		provider := NewFileKeyProvider(t.TempDir())
		original, err := GenerateKey()
		require.NoError(t, err)
		require.NoError(t, provider.StoreKey(original))

		key, err := EnsureKey(provider)
		require.NoError(t, err)
		assert.Equal(t, original, key)
	})
}

func TestKeyFingerprint(t *testing.T) {
	assert.Equal(t, "none", KeyFingerprint(nil))

	key := make([]byte, keySize)
	fp := KeyFingerprint(key)
	assert.Len(t, fp, 8)
	assert.Equal(t, fp, KeyFingerprint(key))

	key[0] = 1
	assert.NotEqual(t, fp, KeyFingerprint(key))
}
