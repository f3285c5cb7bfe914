package experiment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/soundfield/nvas-train/internal/model"
)

// configCopyName is the file name of the config snapshot inside the
// experiment directory. Fixed so downstream tooling can always find it.
const configCopyName = "config.yaml"

// manifestName is the file name of the run manifest inside the experiment
// directory.
const manifestName = "run.json"

// Dir represents a bootstrapped experiment directory.
type Dir struct {
	// Path is the absolute experiment directory path.
	Path string

	// Manifest is the run manifest written at bootstrap time.
	Manifest model.RunManifest
}

// Bootstrap creates the experiment directory tree, copies the config file
// into it, and writes the run manifest.
//
// Creating the directory is idempotent: relaunching with the same save_dir
// and experiment name reuses the directory and overwrites config.yaml and
// run.json, matching the behavior of the original experiment scripts.
// Checkpoints from a previous run are left in place.
func Bootstrap(saveDir, experiment, configPath string, mode model.RunMode, devices []int) (*Dir, error) {
	if err := model.ValidateExperimentName(experiment); err != nil {
		return nil, err
	}

	path, err := filepath.Abs(filepath.Join(saveDir, experiment))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve experiment path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create experiment directory %s: %w", path, err)
	}

	if err := copyConfig(configPath, filepath.Join(path, configCopyName)); err != nil {
		return nil, err
	}

	manifest := model.RunManifest{
		RunID:      uuid.NewString(),
		Experiment: experiment,
		ConfigPath: configPath,
		Mode:       mode,
		WorldSize:  len(devices),
		Devices:    devices,
		CreatedAt:  time.Now().UTC(),
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	if err := writeManifest(filepath.Join(path, manifestName), manifest); err != nil {
		return nil, err
	}

	return &Dir{Path: path, Manifest: manifest}, nil
}

// Open returns a Dir for an already-bootstrapped experiment directory.
// Worker processes use this: the launcher bootstraps once, then each
// worker opens the directory and reads the manifest back.
func Open(saveDir, experiment string) (*Dir, error) {
	path, err := filepath.Abs(filepath.Join(saveDir, experiment))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve experiment path: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(path, manifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read run manifest in %s: %w", path, err)
	}
	var manifest model.RunManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse run manifest in %s: %w", path, err)
	}

	return &Dir{Path: path, Manifest: manifest}, nil
}

// ConfigPath returns the path of the config snapshot inside the
// experiment directory.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.Path, configCopyName)
}

// CheckpointPath returns the path for the checkpoint file at the given
// step.
func (d *Dir) CheckpointPath(step int) string {
	return filepath.Join(d.Path, fmt.Sprintf("checkpoint-%06d.json", step))
}

// copyConfig copies the launch config byte-for-byte into the experiment
// directory. The copy is the record of what the run actually saw, so no
// normalization or re-serialization is applied.
func copyConfig(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to copy config to %s: %w", dst, err)
	}
	return nil
}

// writeManifest serializes the run manifest as indented JSON.
func writeManifest(path string, manifest model.RunManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize run manifest: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write run manifest %s: %w", path, err)
	}
	return nil
}
