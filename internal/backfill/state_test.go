package backfill

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadState_MissingFileStartsFresh(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")

	s, err := LoadState(statePath)
	require.NoError(t, err)
	assert.False(t, s.StartedAt.IsZero(), "fresh state has no start time")
	assert.False(t, s.IsProcessed("scans/inv-001.jpg"))
	assert.Equal(t, statePath, s.Path())
}

func TestBackfillState_RoundTripsProgress(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "nested", "state.json")

	s, err := LoadState(statePath)
	require.NoError(t, err)
	s.MarkProcessed("scans/inv-001.jpg")
	s.MarkProcessed("scans/inv-002.pdf")
	s.DocumentsProcessed = 2
	s.AutoApproved = 1
	s.Queued = 1
	s.AddError("scans/inv-003.png: provider quota exceeded")
	require.NoError(t, s.Save())

	loaded, err := LoadState(statePath)
	require.NoError(t, err)
	assert.True(t, loaded.IsProcessed("scans/inv-001.jpg"))
	assert.True(t, loaded.IsProcessed("scans/inv-002.pdf"))
	assert.False(t, loaded.IsProcessed("scans/inv-003.png"), "failed file must stay pending")
	assert.Equal(t, 2, loaded.DocumentsProcessed)
	assert.Equal(t, 1, loaded.AutoApproved)
	assert.Equal(t, 1, loaded.Queued)
	assert.Len(t, loaded.Errors, 1)
}

func TestBackfillState_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := &BackfillState{path: filepath.Join(dir, "state.json")}
	require.NoError(t, s.Save())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestLoadState_Corrupt(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{not json"), 0o644))

	_, err := LoadState(statePath)
	assert.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	assert.Equal(t, filepath.Join(home, ".tally/state.json"), expandHome("~/.tally/state.json"))
	assert.Equal(t, "/var/lib/tally/state.json", expandHome("/var/lib/tally/state.json"))
}
