package statefile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-io/agentmesh/internal/statefile"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "payload.json")
	require.NoError(t, statefile.Save(path, payload{Name: "alpha", Count: 3}))

	var got payload
	found, err := statefile.Load(path, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, payload{Name: "alpha", Count: 3}, got)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	t.Parallel()

	var got payload
	found, err := statefile.Load(filepath.Join(t.TempDir(), "absent.json"), &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, got)
}

func TestLoadCorruptFileReportsError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	var got payload
	_, err := statefile.Load(path, &got)
	assert.Error(t, err)
}

func TestSaveLeavesNoTempFilesBehind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "payload.json")
	require.NoError(t, statefile.Save(path, payload{Name: "a"}))
	require.NoError(t, statefile.Save(path, payload{Name: "b"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "payload.json", entries[0].Name())
}
