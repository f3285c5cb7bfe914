// Package config handles parsing and validation of the YAML run
// configuration.
//
// Key responsibilities:
//   - Load the config file with gopkg.in/yaml.v3 (strict field checking)
//   - Apply defaults for optional training knobs (seed, log cadence)
//   - Validate value ranges before any expensive work starts
//
// A missing config file is one of the two up-front validation failures the
// launcher recognizes; Load returns a CLIError with ExitGeneralError so
// the CLI layer logs it and exits with status 1.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/soundfield/nvas-train/internal/model"
)

// defaultSeed is the PRNG seed used when the training block does not set
// one. Keeping it fixed makes unseeded runs reproducible.
const defaultSeed = 42

// defaultLogEvery is the step cadence for progress log lines when the
// training block does not set one.
const defaultLogEvery = 50

// maxReceivers bounds the microphone array size accepted by the data
// loader config. The separation model concatenates per-receiver features,
// so an absurd count would silently allocate a huge input layer.
const maxReceivers = 16

// Config is the full run configuration parsed from YAML. The top-level
// keys mirror the config files shipped with the original experiments:
// save_dir, use_visual, use_deconv, data_loader, training.
type Config struct {
	// SaveDir is the root directory under which per-experiment output
	// directories are created.
	SaveDir string `yaml:"save_dir" json:"save_dir"`

	// UseVisual enables the visual conditioning branch of the model and
	// the visual feature stream of the data loader.
	UseVisual bool `yaml:"use_visual" json:"use_visual"`

	// UseDeconv switches the trainer to the deconvolution output head.
	UseDeconv bool `yaml:"use_deconv" json:"use_deconv"`

	// DataLoader configures the spatial-sound audio-visual data loader.
	DataLoader DataLoaderConfig `yaml:"data_loader" json:"data_loader"`

	// Training configures the training loop.
	Training TrainingConfig `yaml:"training" json:"training"`
}

// DataLoaderConfig is the data_loader block. NumReceivers is also consumed
// by the model constructor, which sizes its input layer from it.
type DataLoaderConfig struct {
	// DatasetDir is the directory holding manifest.jsonc and the clip
	// shards it references.
	DatasetDir string `yaml:"dataset_dir" json:"dataset_dir"`

	// NumReceivers is the number of receivers (microphones) per clip.
	NumReceivers int `yaml:"num_receivers" json:"num_receivers"`

	// BatchSize is the number of clip segments per training batch.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// NumWorkers is the number of shard-reading goroutines.
	NumWorkers int `yaml:"num_workers" json:"num_workers"`

	// SampleRate is the audio sample rate in Hz that shards are expected
	// to carry.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// SegmentFrames is the number of feature frames per training segment.
	SegmentFrames int `yaml:"segment_frames" json:"segment_frames"`
}

// TrainingConfig is the training block.
type TrainingConfig struct {
	// Steps is the total number of optimizer steps to run.
	Steps int `yaml:"steps" json:"steps"`

	// LearningRate is the SGD learning rate.
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`

	// LogEvery is the step cadence for progress log lines.
	// Defaults to 50 when unset.
	LogEvery int `yaml:"log_every" json:"log_every"`

	// CheckpointEvery is the step cadence for checkpoint files.
	// Zero disables periodic checkpoints; a final checkpoint is
	// always written.
	CheckpointEvery int `yaml:"checkpoint_every" json:"checkpoint_every"`

	// Seed is the PRNG seed for model init and shard shuffling.
	// Zero is the "unset" sentinel and resolves to 42; a literal
	// `seed: 0` therefore trains with seed 42. Any other value is
	// taken as-is.
	Seed int64 `yaml:"seed" json:"seed"`
}

// Load reads, parses, and validates a Config from a YAML file.
//
// Returns a CLIError with ExitGeneralError if the file does not exist —
// this is the "missing config file" validation failure, which exits with
// status 1.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(
				model.ExitGeneralError,
				fmt.Sprintf("configuration file not found: %s", path),
				err,
			)
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes into a validated Config. Split out from Load so
// tests and the validate command can parse in-memory documents.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	// KnownFields makes the decoder reject keys that don't map to a
	// struct field. The recognized top-level keys are fixed, and a typo
	// like "trainning" must fail loudly.
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("config is empty")
		}
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills optional training knobs: fixed seed 42, log line
// every 50 steps. Zero is the unset sentinel for both, so `seed: 0`
// resolves to the default rather than seeding with zero.
func (c *Config) applyDefaults() {
	if c.Training.Seed == 0 {
		c.Training.Seed = defaultSeed
	}
	if c.Training.LogEvery == 0 {
		c.Training.LogEvery = defaultLogEvery
	}
}

// Validate verifies the config is runnable. It checks required keys and
// value ranges; path existence for the dataset dir is deferred to the data
// loader so the validate command can check configs on machines without the
// dataset mounted.
func (c *Config) Validate() error {
	if c.SaveDir == "" {
		return fmt.Errorf("save_dir must be set")
	}
	if err := c.DataLoader.validate(); err != nil {
		return err
	}
	return c.Training.validate()
}

func (d *DataLoaderConfig) validate() error {
	if d.DatasetDir == "" {
		return fmt.Errorf("data_loader.dataset_dir must be set")
	}
	if d.NumReceivers < 1 || d.NumReceivers > maxReceivers {
		return fmt.Errorf("data_loader.num_receivers %d out of range (1-%d)", d.NumReceivers, maxReceivers)
	}
	if d.BatchSize <= 0 {
		return fmt.Errorf("data_loader.batch_size must be > 0 (got %d)", d.BatchSize)
	}
	if d.NumWorkers <= 0 {
		return fmt.Errorf("data_loader.num_workers must be > 0 (got %d)", d.NumWorkers)
	}
	if d.SampleRate <= 0 {
		return fmt.Errorf("data_loader.sample_rate must be > 0 (got %d)", d.SampleRate)
	}
	if d.SegmentFrames <= 0 {
		return fmt.Errorf("data_loader.segment_frames must be > 0 (got %d)", d.SegmentFrames)
	}
	return nil
}

func (t *TrainingConfig) validate() error {
	if t.Steps <= 0 {
		return fmt.Errorf("training.steps must be > 0 (got %d)", t.Steps)
	}
	if t.LearningRate <= 0 {
		return fmt.Errorf("training.learning_rate must be > 0 (got %g)", t.LearningRate)
	}
	if t.LogEvery <= 0 {
		return fmt.Errorf("training.log_every must be > 0 (got %d)", t.LogEvery)
	}
	if t.CheckpointEvery < 0 {
		return fmt.Errorf("training.checkpoint_every must be >= 0 (got %d)", t.CheckpointEvery)
	}
	return nil
}
