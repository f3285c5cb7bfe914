package trainer

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundfield/nvas-train/internal/config"
	"github.com/soundfield/nvas-train/internal/dataset"
	"github.com/soundfield/nvas-train/internal/distrib"
	"github.com/soundfield/nvas-train/internal/experiment"
	"github.com/soundfield/nvas-train/internal/model"
	"github.com/soundfield/nvas-train/internal/nvasnet"
)

const testFrames = 64

// buildDataset materializes a small synthetic dataset whose clip features
// correlate with the source class, so a few training steps move the loss.
func buildTestDataset(t *testing.T, numClips, numReceivers int) string {
	t.Helper()
	dir := t.TempDir()

	manifest := `{"name": "trainer-test", "sampleRate": 16000, "clips": [`
	for c := 0; c < numClips; c++ {
		if c > 0 {
			manifest += ","
		}
		class := c % 4
		manifest += fmt.Sprintf(`{"id": "clip-%03d", "audio": [`, c)
		for r := 0; r < numReceivers; r++ {
			if r > 0 {
				manifest += ","
			}
			rel := fmt.Sprintf("clip-%03d/r%d.f32", c, r)
			manifest += fmt.Sprintf("%q", rel)

			// Class-dependent amplitude makes the task learnable.
			values := make([]float32, testFrames)
			for i := range values {
				values[i] = float32(class+1) * 0.25
			}
			writeFloatFile(t, filepath.Join(dir, rel), values)
		}
		manifest += fmt.Sprintf(`], "sourceClass": %d}`, class)
	}
	manifest += `]}`

	require.NoError(t, os.WriteFile(filepath.Join(dir, dataset.ManifestName), []byte(manifest), 0o644))
	return dir
}

func writeFloatFile(t *testing.T, path string, values []float32) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// quietLog returns a logrus entry that discards output.
func quietLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// newTestTrainer wires a full single-process trainer over a synthetic
// dataset and a fresh experiment directory.
func newTestTrainer(t *testing.T, trainCfg config.TrainingConfig, useDeconv bool) (*Trainer, *experiment.Dir) {
	t.Helper()
	datasetDir := buildTestDataset(t, 8, 2)

	loaderCfg := config.DataLoaderConfig{
		DatasetDir:    datasetDir,
		NumReceivers:  2,
		BatchSize:     4,
		NumWorkers:    2,
		SampleRate:    16000,
		SegmentFrames: testFrames,
	}
	loader, err := dataset.NewSSAVLoader(false, useDeconv, false, loaderCfg, 0, 1)
	require.NoError(t, err)

	net, err := nvasnet.New(2, false, trainCfg.Seed)
	require.NoError(t, err)

	group, err := distrib.Init(context.Background(), "", 0, 1)
	require.NoError(t, err)
	t.Cleanup(func() { group.Close() })

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("save_dir: x\n"), 0o644))
	expDir, err := experiment.Bootstrap(t.TempDir(), "trainer-test", configPath, model.ModeSingle, []int{0})
	require.NoError(t, err)

	return New(net, loader, group, 0, expDir, useDeconv, trainCfg, quietLog()), expDir
}

// TestTrain_CompletesAndCheckpoints runs a short training loop and checks
// the periodic and final checkpoints.
func TestTrain_CompletesAndCheckpoints(t *testing.T) {
	cfg := config.TrainingConfig{
		Steps:           6,
		LearningRate:    0.1,
		LogEvery:        2,
		CheckpointEvery: 3,
		Seed:            42,
	}
	tr, expDir := newTestTrainer(t, cfg, false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, tr.Train(ctx))

	// Periodic checkpoints at steps 3 and 6; the final checkpoint at
	// step 6 coincides with a periodic one.
	assert.FileExists(t, expDir.CheckpointPath(3))
	assert.FileExists(t, expDir.CheckpointPath(6))

	ckpt, err := LoadCheckpoint(expDir.CheckpointPath(6))
	require.NoError(t, err)
	assert.Equal(t, 6, ckpt.Step)
	assert.False(t, math.IsNaN(ckpt.Loss))
	assert.NotEmpty(t, ckpt.Params)
	assert.False(t, ckpt.CreatedAt.IsZero())
}

// TestTrain_DeconvHead runs the loop with the deconvolution head enabled;
// the alternate featurization must not break training.
func TestTrain_DeconvHead(t *testing.T) {
	cfg := config.TrainingConfig{
		Steps:        4,
		LearningRate: 0.1,
		LogEvery:     2,
		Seed:         7,
	}
	tr, expDir := newTestTrainer(t, cfg, true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, tr.Train(ctx))
	assert.FileExists(t, expDir.CheckpointPath(4))
}

// TestTrain_LossDecreases checks that training on the class-correlated
// synthetic dataset actually reduces the loss over the run.
func TestTrain_LossDecreases(t *testing.T) {
	cfg := config.TrainingConfig{
		Steps:           40,
		LearningRate:    0.5,
		LogEvery:        10,
		CheckpointEvery: 20,
		Seed:            42,
	}
	tr, expDir := newTestTrainer(t, cfg, false)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, tr.Train(ctx))

	early, err := LoadCheckpoint(expDir.CheckpointPath(20))
	require.NoError(t, err)
	final, err := LoadCheckpoint(expDir.CheckpointPath(40))
	require.NoError(t, err)

	assert.Less(t, final.Loss, early.Loss, "loss should decrease: step20=%f step40=%f", early.Loss, final.Loss)
}

// TestTrain_ContextCancel verifies that cancelling the context stops the
// loop with the context error.
func TestTrain_ContextCancel(t *testing.T) {
	cfg := config.TrainingConfig{
		Steps:        1000000,
		LearningRate: 0.1,
		LogEvery:     1000,
		Seed:         1,
	}
	tr, _ := newTestTrainer(t, cfg, false)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	err := tr.Train(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestWindow covers the stats window aggregation and reset.
func TestWindow(t *testing.T) {
	var w Window
	w.Record(4, 10*time.Millisecond, 30*time.Millisecond, 1.5)
	w.Record(4, 20*time.Millisecond, 20*time.Millisecond, 1.2)

	snap := w.Snapshot()
	assert.InDelta(t, 100.0, snap.SamplesPerSec, 1e-9) // 8 samples / 80ms
	assert.InDelta(t, 15.0, snap.AvgDataMS, 1e-9)
	assert.InDelta(t, 25.0, snap.AvgComputeMS, 1e-9)
	assert.Equal(t, 1.2, snap.LastLoss)

	// Window resets after a snapshot.
	empty := w.Snapshot()
	assert.Zero(t, empty.SamplesPerSec)
	assert.Zero(t, empty.AvgDataMS)
}
