package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSRepository_WriteReadRemove(t *testing.T) {
	repo := NewOSRepository()
	path := filepath.Join(t.TempDir(), "nested", "dir", "doc.xml")

	require.NoError(t, repo.WriteFile(path, []byte("<a/>")))

	exists, err := repo.Exists(path)
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := repo.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<a/>", string(data))

	// overwrite replaces content
	require.NoError(t, repo.WriteFile(path, []byte("<b/>")))
	data, err = repo.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<b/>", string(data))

	require.NoError(t, repo.Remove(path))
	exists, err = repo.Exists(path)
	require.NoError(t, err)
	assert.False(t, exists)

	// removing again is fine
	assert.NoError(t, repo.Remove(path))
}

func TestOSRepository_NoTempFilesLeft(t *testing.T) {
	repo := NewOSRepository()
	dir := t.TempDir()
	require.NoError(t, repo.WriteFile(filepath.Join(dir, "a.pubxml"), []byte("x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.pubxml", entries[0].Name())
}

func TestOSRepository_Glob(t *testing.T) {
	repo := NewOSRepository()
	dir := t.TempDir()
	for _, name := range []string{"a.pubxml", "b.pubxml", "c.pubhistory"} {
		require.NoError(t, repo.WriteFile(filepath.Join(dir, name), []byte("x")))
	}

	matches, err := repo.Glob(dir, "*.pubxml")
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestWalkFiles_SkipsBuildOutput(t *testing.T) {
	root := t.TempDir()
	files := []string{
		"Api/Properties/PublishProfiles/prod.pubhistory",
		"Web/Properties/PublishProfiles/dev.pubhistory",
		"Api/bin/Release/copy.pubhistory",
		"Api/obj/copy.pubhistory",
		".git/x.pubhistory",
		"Api/Api.csproj",
	}
	for _, f := range files {
		p := filepath.Join(root, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}

	found, err := WalkFiles(root, ".pubhistory")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(root, "Api/Properties/PublishProfiles/prod.pubhistory"),
		filepath.Join(root, "Web/Properties/PublishProfiles/dev.pubhistory"),
	}, found)
}

func TestWalkFiles_MissingRoot(t *testing.T) {
	_, err := WalkFiles(filepath.Join(t.TempDir(), "missing"), ".x")
	assert.Error(t, err)
}

func TestDiscoverWorkspace_Env(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(WorkspaceEnv, dir)

	got, err := DiscoverWorkspace()
	require.NoError(t, err)

	want, _ := filepath.Abs(dir)
	assert.Equal(t, want, got)
}

func TestDiscoverWorkspace_NotADirectory(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0644))
	t.Setenv(WorkspaceEnv, f)

	_, err := DiscoverWorkspace()
	assert.Error(t, err)
}

func TestIsAtOrBelow(t *testing.T) {
	assert.True(t, IsAtOrBelow("/a/b", "/a"))
	assert.True(t, IsAtOrBelow("/a", "/a"))
	assert.False(t, IsAtOrBelow("/ab", "/a"))
	assert.False(t, IsAtOrBelow("/", "/a"))
}
