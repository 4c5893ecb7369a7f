package modhost

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditRecordAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	audit := NewAuditLog(path, testLogger())

	require.NoError(t, audit.Record(AuditModuleDisabled, "osint", "operator request"))
	require.NoError(t, audit.Record(AuditModeSet, "", "safe"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"action":"module.disabled"`)
	assert.Contains(t, lines[1], `"action":"mode.set"`)
}

func TestAuditEntriesRoundTrip(t *testing.T) {
	audit := testAudit(t)
	audit.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}

	require.NoError(t, audit.Record(AuditQuarantineCleared, "flaky", "operator reset"))

	entries, err := audit.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, AuditQuarantineCleared, entries[0].Action)
	assert.Equal(t, "flaky", entries[0].Module)
	assert.Equal(t, "operator reset", entries[0].Detail)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, 2025, entries[0].Time.Year())
}

func TestAuditEntriesMissingFile(t *testing.T) {
	audit := NewAuditLog(filepath.Join(t.TempDir(), "never-written.jsonl"), testLogger())
	entries, err := audit.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAuditNilLogIsSafe(t *testing.T) {
	var audit *AuditLog
	assert.NoError(t, audit.Record(AuditModuleReset, "mod", ""))

	entries, err := audit.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAuditIDsAreTimeOrdered(t *testing.T) {
	audit := testAudit(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, audit.Record(AuditModuleEnabled, "mod", ""))
	}

	entries, err := audit.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].ID < entries[1].ID && entries[1].ID < entries[2].ID,
		"UUIDv7 identifiers sort by creation time")
}
