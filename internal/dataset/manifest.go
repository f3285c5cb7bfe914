package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/soundfield/nvas-train/internal/model"
)

// ManifestName is the file name of the dataset manifest inside the
// dataset directory. The manifest is JSONC: dataset curation is manual
// enough that inline comments earn their keep.
const ManifestName = "manifest.jsonc"

// Manifest describes the clips of an SSAV dataset.
type Manifest struct {
	// Name is a human-readable dataset label.
	Name string `json:"name"`

	// SampleRate is the audio sample rate in Hz all clips were recorded
	// at. Must match the data_loader config.
	SampleRate int `json:"sampleRate"`

	// Clips lists the training clips. Must be non-empty.
	Clips []Clip `json:"clips"`
}

// Clip is a single multi-receiver recording with an optional visual
// feature shard and a source class label.
type Clip struct {
	// ID identifies the clip in logs and errors.
	ID string `json:"id"`

	// Audio holds one shard path per receiver, relative to the dataset
	// directory. The length must equal the configured receiver count.
	Audio []string `json:"audio"`

	// Visual is the optional visual feature shard path, relative to the
	// dataset directory. Empty when the clip has no visual stream.
	Visual string `json:"visual,omitempty"`

	// SourceClass is the ground-truth source class label.
	SourceClass int `json:"sourceClass"`
}

// LoadManifest reads and parses manifest.jsonc from the dataset directory.
//
// The file is JSONC (JSON with comments); comments and trailing commas are
// stripped with tidwall/jsonc before parsing with encoding/json.
//
// Returns a CLIError with ExitDatasetError if the manifest is missing or
// structurally invalid.
func LoadManifest(datasetDir string) (*Manifest, error) {
	path := filepath.Join(datasetDir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(
				model.ExitDatasetError,
				fmt.Sprintf("dataset manifest not found: %s", path),
				err,
			)
		}
		return nil, fmt.Errorf("failed to read dataset manifest %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, model.WrapCLIError(
			model.ExitDatasetError,
			fmt.Sprintf("failed to parse dataset manifest %s", path),
			err,
		)
	}

	if err := m.Validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitDatasetError, "invalid dataset manifest", err)
	}
	return &m, nil
}

// Validate checks the manifest structure: at least one clip, every clip
// with an id and at least one audio shard, and a consistent receiver count
// across clips.
func (m *Manifest) Validate() error {
	if m.SampleRate <= 0 {
		return fmt.Errorf("sampleRate must be > 0 (got %d)", m.SampleRate)
	}
	if len(m.Clips) == 0 {
		return fmt.Errorf("manifest lists no clips")
	}

	receivers := len(m.Clips[0].Audio)
	for i := range m.Clips {
		c := &m.Clips[i]
		if c.ID == "" {
			return fmt.Errorf("clip %d has no id", i)
		}
		if len(c.Audio) == 0 {
			return fmt.Errorf("clip %q lists no audio shards", c.ID)
		}
		if len(c.Audio) != receivers {
			return fmt.Errorf("clip %q has %d audio shards, expected %d (all clips must agree)",
				c.ID, len(c.Audio), receivers)
		}
	}
	return nil
}

// NumReceivers returns the receiver count implied by the clip list.
// Validate guarantees all clips agree.
func (m *Manifest) NumReceivers() int {
	if len(m.Clips) == 0 {
		return 0
	}
	return len(m.Clips[0].Audio)
}
