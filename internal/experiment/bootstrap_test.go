package experiment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundfield/nvas-train/internal/model"
)

// writeConfig drops a small config file into a temp dir and returns its path.
func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

// TestBootstrap verifies the directory tree, the byte-identical config
// copy, and the manifest fields.
func TestBootstrap(t *testing.T) {
	saveDir := t.TempDir()
	configPath := writeConfig(t, "save_dir: runs\n# comment preserved\n")

	dir, err := Bootstrap(saveDir, "exp-a", configPath, model.ModeSingle, []int{0})
	require.NoError(t, err)

	// Directory created under save_dir with the experiment name.
	assert.Equal(t, filepath.Join(saveDir, "exp-a"), dir.Path)
	info, err := os.Stat(dir.Path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Config copied verbatim, comments and all.
	copied, err := os.ReadFile(dir.ConfigPath())
	require.NoError(t, err)
	original, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, original, copied)

	// Manifest fields.
	assert.NotEmpty(t, dir.Manifest.RunID)
	assert.Equal(t, "exp-a", dir.Manifest.Experiment)
	assert.Equal(t, model.ModeSingle, dir.Manifest.Mode)
	assert.Equal(t, 1, dir.Manifest.WorldSize)
	assert.Equal(t, []int{0}, dir.Manifest.Devices)
	assert.False(t, dir.Manifest.CreatedAt.IsZero())
}

// TestBootstrap_Idempotent checks that relaunching into an existing
// experiment directory succeeds and refreshes the manifest.
func TestBootstrap_Idempotent(t *testing.T) {
	saveDir := t.TempDir()
	configPath := writeConfig(t, "a: 1\n")

	first, err := Bootstrap(saveDir, "exp", configPath, model.ModeSingle, []int{0})
	require.NoError(t, err)

	second, err := Bootstrap(saveDir, "exp", configPath, model.ModeDistributed, []int{0, 1})
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.NotEqual(t, first.Manifest.RunID, second.Manifest.RunID)
	assert.Equal(t, model.ModeDistributed, second.Manifest.Mode)
}

// TestBootstrap_InvalidName verifies that a path-hostile experiment name
// is rejected before anything touches the filesystem.
func TestBootstrap_InvalidName(t *testing.T) {
	saveDir := t.TempDir()
	configPath := writeConfig(t, "a: 1\n")

	_, err := Bootstrap(saveDir, "../escape", configPath, model.ModeSingle, []int{0})
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(saveDir, "..", "escape", "run.json"))
}

// TestBootstrap_MissingConfig verifies the error when the config file to
// copy does not exist.
func TestBootstrap_MissingConfig(t *testing.T) {
	saveDir := t.TempDir()

	_, err := Bootstrap(saveDir, "exp", filepath.Join(saveDir, "nope.yaml"), model.ModeSingle, []int{0})
	assert.Error(t, err)
}

// TestOpen verifies that a worker process can read the manifest back from
// a bootstrapped directory.
func TestOpen(t *testing.T) {
	saveDir := t.TempDir()
	configPath := writeConfig(t, "a: 1\n")

	created, err := Bootstrap(saveDir, "exp", configPath, model.ModeDistributed, []int{0, 1})
	require.NoError(t, err)

	opened, err := Open(saveDir, "exp")
	require.NoError(t, err)
	assert.Equal(t, created.Manifest.RunID, opened.Manifest.RunID)
	assert.Equal(t, created.Manifest.Devices, opened.Manifest.Devices)
}

// TestOpen_Missing verifies the error for a directory that was never
// bootstrapped.
func TestOpen_Missing(t *testing.T) {
	_, err := Open(t.TempDir(), "ghost")
	assert.Error(t, err)
}

// TestCheckpointPath checks the zero-padded checkpoint naming, which keeps
// lexical and numeric ordering aligned.
func TestCheckpointPath(t *testing.T) {
	dir := &Dir{Path: "/tmp/exp"}
	assert.Equal(t, "/tmp/exp/checkpoint-000100.json", dir.CheckpointPath(100))
	assert.Equal(t, "/tmp/exp/checkpoint-010000.json", dir.CheckpointPath(10000))
}
