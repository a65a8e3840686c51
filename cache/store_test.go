package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readSidecarEntry(t *testing.T, s *Store, name string) Metadata {
	t.Helper()
	data, err := os.ReadFile(s.sidecarPath())
	require.NoError(t, err)
	m := map[string]Metadata{}
	require.NoError(t, json.Unmarshal(data, &m))
	entry, ok := m[name]
	require.True(t, ok, "sidecar missing entry for %q", name)
	return entry
}

func writeSidecarEntry(t *testing.T, s *Store, name string, entry Metadata) {
	t.Helper()
	data, err := os.ReadFile(s.sidecarPath())
	require.NoError(t, err)
	m := map[string]Metadata{}
	require.NoError(t, json.Unmarshal(data, &m))
	m[name] = entry
	out, err := json.MarshalIndent(m, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.sidecarPath(), out, 0o644))
}

func TestSaveAndRestoreRoundTrip(t *testing.T) {
	base := t.TempDir()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello")
	writeFile(t, filepath.Join(src, "nested", "b.txt"), "world")

	s := New(base)
	require.NoError(t, s.Save("node", src))

	dest := t.TempDir()
	hit, err := s.Restore("node", dest)
	require.NoError(t, err)
	assert.True(t, hit)

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got2, err := os.ReadFile(filepath.Join(dest, "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(got2))
}

func TestRestoreMissReturnsFalseNotError(t *testing.T) {
	s := New(t.TempDir())
	hit, err := s.Restore("absent", t.TempDir())
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSaveWritesMetadataSidecar(t *testing.T) {
	base := t.TempDir()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), "x")

	s := New(base)
	require.NoError(t, s.Save("npm", src))

	_, err := os.Stat(s.sidecarPath())
	require.NoError(t, err)

	entry := readSidecarEntry(t, s, "npm")
	assert.Equal(t, "npm", entry.Name)
	assert.False(t, entry.Created.IsZero())
}

func TestRestoreBumpsLastAccessed(t *testing.T) {
	base := t.TempDir()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), "x")

	s := New(base)
	require.NoError(t, s.Save("npm", src))

	saved := readSidecarEntry(t, s, "npm")
	stale := saved
	stale.LastAccessed = time.Now().Add(-48 * time.Hour)
	writeSidecarEntry(t, s, "npm", stale)

	_, err := s.Restore("npm", t.TempDir())
	require.NoError(t, err)

	bumped := readSidecarEntry(t, s, "npm")
	assert.True(t, bumped.LastAccessed.After(stale.LastAccessed))
}

func TestClearRemovesArchiveAndMetadata(t *testing.T) {
	base := t.TempDir()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), "x")

	s := New(base)
	require.NoError(t, s.Save("yarn", src))
	require.NoError(t, s.Clear("yarn"))

	_, err := os.Stat(s.archivePath("yarn"))
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(s.sidecarPath())
	require.NoError(t, err)
	m := map[string]Metadata{}
	require.NoError(t, json.Unmarshal(data, &m))
	_, ok := m["yarn"]
	assert.False(t, ok)
}

func TestClearAbsentCacheIsNotError(t *testing.T) {
	s := New(t.TempDir())
	assert.NoError(t, s.Clear("never-existed"))
}

func TestClearAllRemovesOnlyArchives(t *testing.T) {
	base := t.TempDir()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), "x")

	s := New(base)
	require.NoError(t, s.Save("node", src))
	require.NoError(t, s.Save("npm", src))

	stray := filepath.Join(base, "notes.txt")
	writeFile(t, stray, "not-a-cache-archive")

	require.NoError(t, s.ClearAll())

	_, err := os.Stat(s.archivePath("node"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.archivePath("npm"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(stray)
	assert.NoError(t, err) // non-archive files survive

	data, err := os.ReadFile(s.sidecarPath())
	require.NoError(t, err)
	m := map[string]Metadata{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Empty(t, m)
}

func TestCleanupOlderThanRemovesStaleCaches(t *testing.T) {
	base := t.TempDir()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), "x")

	s := New(base)
	require.NoError(t, s.Save("old", src))

	stale := readSidecarEntry(t, s, "old")
	stale.LastAccessed = time.Now().Add(-30 * 24 * time.Hour)
	writeSidecarEntry(t, s, "old", stale)

	require.NoError(t, s.CleanupOlderThan(24*time.Hour*365))
	_, err := os.Stat(s.archivePath("old"))
	assert.NoError(t, err) // within maxAge, must survive

	require.NoError(t, s.CleanupOlderThan(0))
	_, err = os.Stat(s.archivePath("old"))
	assert.True(t, os.IsNotExist(err)) // maxAge 0 means "everything is stale"
}
