package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost"
)

func TestWriteModuleUnitStampsVerifiableChecksum(t *testing.T) {
	dir := t.TempDir()
	opts := &createOptions{
		Name:         "cache",
		Version:      "0.1.0",
		Description:  "caching layer",
		Tier:         "important",
		Dependencies: "logging, metrics?",
		Checksum:     true,
	}

	path, err := writeModuleUnit(dir, opts)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cache.mod"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	desc, _, err := modhost.ParseModuleUnit(path, content)
	require.NoError(t, err)
	assert.Equal(t, "cache", desc.Name)
	assert.Equal(t, modhost.TierImportant, desc.Tier)
	require.Len(t, desc.Dependencies, 2)
	assert.Equal(t, modhost.Dependency{Name: "logging"}, desc.Dependencies[0])
	assert.Equal(t, modhost.Dependency{Name: "metrics", Optional: true}, desc.Dependencies[1])

	// The stamped checksum must match the unit it is embedded in.
	assert.Equal(t, desc.Checksum, modhost.ComputeChecksum(content))
}

func TestWriteModuleUnitWithoutChecksumLeavesUnitUnsigned(t *testing.T) {
	dir := t.TempDir()
	opts := &createOptions{Name: "scratch", Version: "0.1.0", Tier: "optional"}

	path, err := writeModuleUnit(dir, opts)
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	desc, _, err := modhost.ParseModuleUnit(path, content)
	require.NoError(t, err)
	assert.Empty(t, desc.Checksum)
}

func TestWriteModuleUnitRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	opts := &createOptions{Name: "once", Version: "0.1.0", Tier: "core", Checksum: true}

	_, err := writeModuleUnit(dir, opts)
	require.NoError(t, err)

	_, err = writeModuleUnit(dir, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestWriteModuleUnitRejectsUnknownTier(t *testing.T) {
	_, err := writeModuleUnit(t.TempDir(), &createOptions{Name: "bad", Tier: "catastrophic"})
	assert.Error(t, err)
}

func TestCreateCommandEndToEnd(t *testing.T) {
	dir := t.TempDir()

	root := NewRootCommand()
	root.SetArgs([]string{
		"create", "worker",
		"--yes",
		"--modules-dir", dir,
		"--tier", "core",
		"--deps", "logging",
	})
	require.NoError(t, root.Execute())

	content, err := os.ReadFile(filepath.Join(dir, "worker.mod"))
	require.NoError(t, err)
	desc, _, err := modhost.ParseModuleUnit("worker.mod", content)
	require.NoError(t, err)
	assert.Equal(t, "worker", desc.Name)
	assert.Equal(t, modhost.TierCore, desc.Tier)
	assert.Equal(t, desc.Checksum, modhost.ComputeChecksum(content))
}
