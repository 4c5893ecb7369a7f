package modhost

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeUnit renders a minimal module unit file into dir.
func writeUnit(t *testing.T, dir, filename, name string) {
	t.Helper()
	unit, err := WriteModuleUnit(ModuleDescriptor{Name: name, Version: "1.0.0"}, []byte("body\n"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), unit, 0o644))
}

func TestDiscoverFindsUnitsInLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "30-zebra.mod", "zebra")
	writeUnit(t, dir, "10-apple.mod", "apple")
	writeUnit(t, dir, "20-mango.mod", "mango")

	descriptors, err := NewDiscovery(dir, testLogger()).Discover()
	require.NoError(t, err)
	require.Len(t, descriptors, 3)
	assert.Equal(t, "apple", descriptors[0].Name)
	assert.Equal(t, "mango", descriptors[1].Name)
	assert.Equal(t, "zebra", descriptors[2].Name)
	assert.Equal(t, filepath.Join(dir, "10-apple.mod"), descriptors[0].Source)
}

func TestDiscoverWalksSubdirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "extra")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	writeUnit(t, dir, "top.mod", "top")
	writeUnit(t, sub, "nested.mod", "nested")

	descriptors, err := NewDiscovery(dir, testLogger()).Discover()
	require.NoError(t, err)
	require.Len(t, descriptors, 2)
}

func TestDiscoverIgnoresNonUnitFiles(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "real.mod", "real")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("notes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# readme"), 0o644))

	descriptors, err := NewDiscovery(dir, testLogger()).Discover()
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	assert.Equal(t, "real", descriptors[0].Name)
}

func TestDiscoverSkipsInvalidUnits(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "good.mod", "good")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.mod"), []byte("no frontmatter"), 0o644))

	descriptors, err := NewDiscovery(dir, testLogger()).Discover()
	require.NoError(t, err, "one invalid unit must not abort discovery")
	require.Len(t, descriptors, 1)
	assert.Equal(t, "good", descriptors[0].Name)
}

func TestDiscoverSkipsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "a-first.mod", "twin")
	writeUnit(t, dir, "b-second.mod", "twin")

	descriptors, err := NewDiscovery(dir, testLogger()).Discover()
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	assert.Equal(t, filepath.Join(dir, "a-first.mod"), descriptors[0].Source,
		"the lexically first unit wins")
}

func TestDiscoverMissingDirectoryIsFatal(t *testing.T) {
	_, err := NewDiscovery(filepath.Join(t.TempDir(), "absent"), testLogger()).Discover()
	assert.ErrorIs(t, err, ErrModulesDirUnreadable)
}

func TestDiscoverEmptyDirectory(t *testing.T) {
	descriptors, err := NewDiscovery(t.TempDir(), testLogger()).Discover()
	require.NoError(t, err)
	assert.Empty(t, descriptors)
}
