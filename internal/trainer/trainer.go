package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soundfield/nvas-train/internal/config"
	"github.com/soundfield/nvas-train/internal/dataset"
	"github.com/soundfield/nvas-train/internal/distrib"
	"github.com/soundfield/nvas-train/internal/experiment"
	"github.com/soundfield/nvas-train/internal/model"
	"github.com/soundfield/nvas-train/internal/nvasnet"
)

// Checkpoint is the JSON checkpoint format written into the experiment
// directory. Parameters are stored flat in nvasnet.Params layout.
type Checkpoint struct {
	Step      int       `json:"step"`
	Loss      float64   `json:"loss"`
	Params    []float64 `json:"params"`
	CreatedAt time.Time `json:"createdAt"`
}

// Trainer drives the training loop. Construction mirrors the launch
// wiring: model, data loader, device, experiment directory, the deconv
// switch, then the training config block.
type Trainer struct {
	net       *nvasnet.Net
	loader    *dataset.SSAVLoader
	group     *distrib.ProcessGroup
	deviceID  int
	expDir    *experiment.Dir
	useDeconv bool
	cfg       config.TrainingConfig
	log       *logrus.Entry
}

// New constructs a Trainer. The process group may be a degenerate
// single-rank group; the loop is identical either way.
func New(net *nvasnet.Net, loader *dataset.SSAVLoader, group *distrib.ProcessGroup, deviceID int, expDir *experiment.Dir, useDeconv bool, cfg config.TrainingConfig, log *logrus.Entry) *Trainer {
	return &Trainer{
		net:       net,
		loader:    loader,
		group:     group,
		deviceID:  deviceID,
		expDir:    expDir,
		useDeconv: useDeconv,
		cfg:       cfg,
		log:       log,
	}
}

// Train runs the step loop to completion or until ctx is cancelled.
//
// Per step: assemble a batch, compute gradients, all-reduce them across
// the group, apply. Rank 0 writes periodic checkpoints and always writes
// a final one.
func (t *Trainer) Train(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	samples, loadErrs, err := t.loader.Start(ctx, t.cfg.Seed)
	if err != nil {
		return err
	}

	t.log.WithFields(logrus.Fields{
		"steps":      t.cfg.Steps,
		"batch_size": t.loader.BatchSize(),
		"lr":         t.cfg.LearningRate,
		"device":     t.deviceID,
	}).Info("training started")

	var window Window
	var lastLoss float64

	for step := 1; step <= t.cfg.Steps; step++ {
		startData := time.Now()
		batch, err := t.nextBatch(ctx, samples, loadErrs)
		if err != nil {
			return err
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		grads, loss, err := t.net.Gradients(batch)
		if err != nil {
			return err
		}
		if err := t.group.AllReduceMean(grads); err != nil {
			return err
		}
		if err := t.net.ApplyGradients(grads, t.cfg.LearningRate); err != nil {
			return err
		}
		computeTime := time.Since(startCompute)

		lastLoss = loss
		window.Record(t.loader.BatchSize(), dataTime, computeTime, loss)

		if step%t.cfg.LogEvery == 0 {
			snap := window.Snapshot()
			t.log.WithFields(logrus.Fields{
				"step":            step,
				"samples_per_sec": fmt.Sprintf("%.1f", snap.SamplesPerSec),
				"data_ms":         fmt.Sprintf("%.2f", snap.AvgDataMS),
				"compute_ms":      fmt.Sprintf("%.2f", snap.AvgComputeMS),
				"loss":            fmt.Sprintf("%.4f", snap.LastLoss),
			}).Info("training progress")
		}

		if t.cfg.CheckpointEvery > 0 && step%t.cfg.CheckpointEvery == 0 {
			if err := t.writeCheckpoint(step, loss); err != nil {
				return err
			}
		}
	}

	if err := t.writeCheckpoint(t.cfg.Steps, lastLoss); err != nil {
		return err
	}

	t.log.WithField("steps", t.cfg.Steps).Info("training finished")
	return nil
}

// nextBatch assembles one batch from the sample stream.
func (t *Trainer) nextBatch(ctx context.Context, samples <-chan dataset.Sample, loadErrs <-chan error) (nvasnet.Batch, error) {
	batchSize := t.loader.BatchSize()
	batch := nvasnet.Batch{
		Inputs: make([][]float64, 0, batchSize),
		Labels: make([]int, 0, batchSize),
	}

	for len(batch.Inputs) < batchSize {
		select {
		case <-ctx.Done():
			return nvasnet.Batch{}, ctx.Err()
		case err, ok := <-loadErrs:
			if ok && err != nil {
				return nvasnet.Batch{}, err
			}
		case sample, ok := <-samples:
			if !ok {
				// The loader closes its output when the context ends;
				// report the cancellation rather than the closed stream.
				if err := ctx.Err(); err != nil {
					return nvasnet.Batch{}, err
				}
				return nvasnet.Batch{}, errors.New("trainer: sample stream closed")
			}
			batch.Inputs = append(batch.Inputs, t.featurize(sample))
			batch.Labels = append(batch.Labels, sample.SourceClass)
		}
	}
	return batch, nil
}

// featurize pools a sample's per-receiver segments into fixed frequency
// bands and appends the visual vector. The deconv head trains on
// log-compressed band energies; the direct head on plain magnitudes.
func (t *Trainer) featurize(sample dataset.Sample) []float64 {
	input := make([]float64, 0, t.net.InputSize())

	for _, segment := range sample.Audio {
		bandWidth := len(segment) / nvasnet.BandsPerReceiver
		if bandWidth < 1 {
			bandWidth = 1
		}
		for b := 0; b < nvasnet.BandsPerReceiver; b++ {
			start := b * bandWidth
			if start >= len(segment) {
				input = append(input, 0)
				continue
			}
			end := start + bandWidth
			if end > len(segment) {
				end = len(segment)
			}

			sum := 0.0
			for _, v := range segment[start:end] {
				sum += math.Abs(float64(v))
			}
			band := sum / float64(end-start)
			if t.useDeconv {
				band = math.Log1p(band)
			}
			input = append(input, band)
		}
	}

	for _, v := range sample.Visual {
		input = append(input, float64(v))
	}
	return input
}

// writeCheckpoint persists the model parameters at the given step.
// Only rank 0 writes: replicas hold identical parameters after every
// all-reduce, so one copy is the whole story.
func (t *Trainer) writeCheckpoint(step int, loss float64) error {
	if t.group.Rank() != 0 {
		return nil
	}

	ckpt := Checkpoint{
		Step:      step,
		Loss:      loss,
		Params:    t.net.Params(),
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(ckpt)
	if err != nil {
		return model.WrapCLIError(model.ExitCheckpointError, "failed to serialize checkpoint", err)
	}

	path := t.expDir.CheckpointPath(step)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return model.WrapCLIError(model.ExitCheckpointError,
			fmt.Sprintf("failed to write checkpoint %s", path), err)
	}

	t.log.WithFields(logrus.Fields{"step": step, "path": path}).Info("checkpoint written")
	return nil
}

// LoadCheckpoint reads a checkpoint file back. Used by tests and by
// resume tooling.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
	}
	return &ckpt, nil
}
