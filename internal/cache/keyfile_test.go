package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateKeyPersistsAcrossCalls(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "storage.key")

	first, err := LoadOrCreateKey(keyPath, "device-secret")
	require.NoError(t, err)
	require.Len(t, first, 32)

	second, err := LoadOrCreateKey(keyPath, "device-secret")
	require.NoError(t, err)
	assert.Equal(t, first, second, "same key must come back on restart")
}

func TestLoadOrCreateKeyRejectsWrongSecret(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "storage.key")

	_, err := LoadOrCreateKey(keyPath, "device-secret")
	require.NoError(t, err)

	_, err = LoadOrCreateKey(keyPath, "other-secret")
	assert.Error(t, err)
}

func TestKeyFilePermissions(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "storage.key")

	_, err := LoadOrCreateKey(keyPath, "device-secret")
	require.NoError(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestRemoveKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "storage.key")

	_, err := LoadOrCreateKey(keyPath, "device-secret")
	require.NoError(t, err)

	require.NoError(t, RemoveKeyFile(keyPath))
	_, err = os.Stat(keyPath)
	assert.True(t, os.IsNotExist(err))

	// removing again is not an error
	assert.NoError(t, RemoveKeyFile(keyPath))
}
