package vault

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, dir, passphrase string) *SecretStore {
	t.Helper()
	s, err := NewSecretStore(SecretStoreConfig{
		Path:       filepath.Join(dir, "secrets.db"),
		Passphrase: passphrase,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSecretStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir(), "correct horse")

	_, ok := s.Retrieve(ctx, "PUBDEPLOY_API_PROD")
	assert.False(t, ok)

	require.True(t, s.Store(ctx, "PUBDEPLOY_API_PROD", "s3cret"))
	got, ok := s.Retrieve(ctx, "PUBDEPLOY_API_PROD")
	require.True(t, ok)
	assert.Equal(t, "s3cret", got)

	// overwrite
	require.True(t, s.Store(ctx, "PUBDEPLOY_API_PROD", "rotated"))
	got, ok = s.Retrieve(ctx, "PUBDEPLOY_API_PROD")
	require.True(t, ok)
	assert.Equal(t, "rotated", got)

	assert.True(t, s.Delete(ctx, "PUBDEPLOY_API_PROD"))
	_, ok = s.Retrieve(ctx, "PUBDEPLOY_API_PROD")
	assert.False(t, ok)

	// deleting again still succeeds
	assert.True(t, s.Delete(ctx, "PUBDEPLOY_API_PROD"))
}

func TestSecretStore_ValuesAreEncrypted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestStore(t, dir, "pass")
	require.True(t, s.Store(ctx, "K", "plaintext-password"))

	var raw []byte
	require.NoError(t, s.db.QueryRow("SELECT value FROM secrets WHERE key = 'K'").Scan(&raw))
	assert.NotContains(t, string(raw), "plaintext-password")
}

func TestSecretStore_WrongPassphrase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1 := newTestStore(t, dir, "first")
	require.True(t, s1.Store(ctx, "K", "v"))
	s1.Close()

	s2 := newTestStore(t, dir, "second")
	_, ok := s2.Retrieve(ctx, "K")
	assert.False(t, ok, "decrypting with another passphrase must fail closed")
}

func TestSecretStore_GeneratedKeyFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1 := newTestStore(t, dir, "")
	require.True(t, s1.Store(ctx, "K", "v"))
	s1.Close()

	info, err := os.Stat(filepath.Join(dir, "secret.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// reopening reuses the same key file
	s2 := newTestStore(t, dir, "")
	got, ok := s2.Retrieve(ctx, "K")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestLoadOrCreateKeyFile_ConcurrentFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")

	const workers = 8
	keys := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys[i], errs[i] = loadOrCreateKeyFile(path)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Len(t, keys[i], 64)
		assert.Equal(t, keys[0], keys[i])
	}

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".secret.key.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestLoadOrCreateKeyFile_RejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0600))

	_, err := loadOrCreateKeyFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestNewSecretStore_RequiresPath(t *testing.T) {
	_, err := NewSecretStore(SecretStoreConfig{})
	assert.Error(t, err)
}
