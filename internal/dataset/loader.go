package dataset

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/soundfield/nvas-train/internal/config"
	"github.com/soundfield/nvas-train/internal/nvasnet"
)

// visualDim is the width of the visual conditioning vector, owned by the
// network whose visual branch consumes it. Visual shards longer than this
// are truncated, shorter ones zero-padded, so that branch has a stable
// input size.
const visualDim = nvasnet.VisualDim

// Sample is one training example: a fixed-length feature segment per
// receiver, an optional visual conditioning vector, and the source class
// label.
type Sample struct {
	// ClipID identifies the originating clip for logs and errors.
	ClipID string

	// Audio holds one feature segment per receiver,
	// each SegmentFrames long.
	Audio [][]float32

	// Visual is the visual conditioning vector (nvasnet.VisualDim long),
	// or nil
	// when the loader runs without the visual stream.
	Visual []float32

	// SourceClass is the ground-truth source class label.
	SourceClass int
}

// SSAVLoader streams training samples from an SSAV dataset directory.
//
// Construction mirrors the launch wiring: the visual and deconv switches
// and the distributed flag come first, then the data_loader config block.
// Rank and world size are only meaningful when distributed is true; a
// single-process loader passes rank 0, world size 1.
type SSAVLoader struct {
	useVisual   bool
	useDeconv   bool
	distributed bool
	cfg         config.DataLoaderConfig
	rank        int
	worldSize   int
}

// NewSSAVLoader constructs a loader. No I/O happens until Start.
func NewSSAVLoader(useVisual, useDeconv, distributed bool, cfg config.DataLoaderConfig, rank, worldSize int) (*SSAVLoader, error) {
	if worldSize < 1 {
		return nil, fmt.Errorf("dataset: world size %d out of range (>= 1)", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("dataset: rank %d out of range [0, %d)", rank, worldSize)
	}
	if !distributed && worldSize != 1 {
		return nil, fmt.Errorf("dataset: non-distributed loader requires world size 1, got %d", worldSize)
	}
	return &SSAVLoader{
		useVisual:   useVisual,
		useDeconv:   useDeconv,
		distributed: distributed,
		cfg:         cfg,
		rank:        rank,
		worldSize:   worldSize,
	}, nil
}

// BatchSize returns the configured batch size. The trainer assembles
// batches from the sample stream.
func (l *SSAVLoader) BatchSize() int {
	return l.cfg.BatchSize
}

// NumReceivers returns the configured receiver count.
func (l *SSAVLoader) NumReceivers() int {
	return l.cfg.NumReceivers
}

// UseVisual reports whether the visual stream is enabled.
func (l *SSAVLoader) UseVisual() bool {
	return l.useVisual
}

// Start launches the loader pipeline and returns the sample and error
// channels. The sample channel closes when ctx is cancelled. The pipeline
// cycles through the clip list indefinitely, reshuffling each pass; the
// trainer decides when to stop.
func (l *SSAVLoader) Start(ctx context.Context, seed int64) (<-chan Sample, <-chan error, error) {
	manifest, err := LoadManifest(l.cfg.DatasetDir)
	if err != nil {
		return nil, nil, err
	}
	if got := manifest.NumReceivers(); got != l.cfg.NumReceivers {
		return nil, nil, fmt.Errorf("dataset: manifest has %d receivers per clip, config expects %d",
			got, l.cfg.NumReceivers)
	}
	if manifest.SampleRate != l.cfg.SampleRate {
		return nil, nil, fmt.Errorf("dataset: manifest sample rate %d Hz, config expects %d Hz",
			manifest.SampleRate, l.cfg.SampleRate)
	}

	// Each replica owns a disjoint slice of the clip list.
	indices := Partition(len(manifest.Clips), l.rank, l.worldSize)
	if len(indices) == 0 {
		return nil, nil, fmt.Errorf("dataset: rank %d of %d has no clips (%d total)",
			l.rank, l.worldSize, len(manifest.Clips))
	}

	jobs := make(chan int, l.cfg.NumWorkers)
	out := make(chan Sample, l.cfg.NumWorkers*2)
	errCh := make(chan error, l.cfg.NumWorkers)

	// Ranks shuffle with distinct seeds so replicas don't walk their
	// shards in lockstep order.
	rng := rand.New(rand.NewSource(seed + int64(l.rank)))
	go produceJobs(ctx, jobs, indices, rng)

	var wg sync.WaitGroup
	for i := 0; i < l.cfg.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.worker(ctx, manifest, jobs, out, errCh)
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	return out, errCh, nil
}

// Partition returns the clip indices owned by the given rank: every index
// congruent to rank modulo worldSize. The slices for all ranks are
// pairwise disjoint and together cover [0, n).
func Partition(n, rank, worldSize int) []int {
	var indices []int
	for i := rank; i < n; i += worldSize {
		indices = append(indices, i)
	}
	return indices
}

// produceJobs feeds clip indices to the workers, reshuffling the order
// each pass over the shard.
func produceJobs(ctx context.Context, jobs chan<- int, indices []int, rng *rand.Rand) {
	defer close(jobs)
	order := append([]int(nil), indices...)
	for {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, idx := range order {
			select {
			case <-ctx.Done():
				return
			case jobs <- idx:
			}
		}
	}
}

// worker reads clips and emits samples until the context is cancelled or a
// read fails. Read failures are fatal for the worker: a broken shard means
// a broken dataset, and the original launcher propagates such failures
// unhandled.
func (l *SSAVLoader) worker(ctx context.Context, manifest *Manifest, jobs <-chan int, out chan<- Sample, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case idx, ok := <-jobs:
			if !ok {
				return
			}
			sample, err := l.readClip(&manifest.Clips[idx])
			if err != nil {
				select {
				case errCh <- err:
				case <-ctx.Done():
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- sample:
			}
		}
	}
}

// readClip loads one clip's shards into a Sample.
func (l *SSAVLoader) readClip(clip *Clip) (Sample, error) {
	sample := Sample{
		ClipID:      clip.ID,
		Audio:       make([][]float32, len(clip.Audio)),
		SourceClass: clip.SourceClass,
	}

	for i, rel := range clip.Audio {
		frames, err := readFloats(filepath.Join(l.cfg.DatasetDir, rel))
		if err != nil {
			return Sample{}, fmt.Errorf("clip %q receiver %d: %w", clip.ID, i, err)
		}
		if len(frames) < l.cfg.SegmentFrames {
			return Sample{}, fmt.Errorf("clip %q receiver %d: shard has %d frames, need %d",
				clip.ID, i, len(frames), l.cfg.SegmentFrames)
		}
		sample.Audio[i] = frames[:l.cfg.SegmentFrames]
	}

	if l.useVisual {
		sample.Visual = make([]float32, visualDim)
		if clip.Visual != "" {
			feats, err := readFloats(filepath.Join(l.cfg.DatasetDir, clip.Visual))
			if err != nil {
				return Sample{}, fmt.Errorf("clip %q visual: %w", clip.ID, err)
			}
			copy(sample.Visual, feats)
		}
	}

	return sample, nil
}

// readFloats reads a flat little-endian float32 shard.
func readFloats(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("shard %s: size %d is not a multiple of 4", path, len(data))
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats, nil
}
