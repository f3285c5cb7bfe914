package trainer

import "time"

// Window accumulates timing stats across training steps between log lines.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float64
}

// Record adds one step's measurements to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
}

// Snapshot returns the aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{LastLoss: w.lastLoss}
	total := w.data + w.compute
	if total > 0 {
		snap.SamplesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}

	w.samples = 0
	w.data = 0
	w.compute = 0
	w.steps = 0
	return snap
}

// Snapshot is one log line's worth of aggregated training metrics.
type Snapshot struct {
	// SamplesPerSec is the training throughput over the window.
	SamplesPerSec float64

	// AvgDataMS is the mean per-step time spent waiting on the data
	// loader, in milliseconds.
	AvgDataMS float64

	// AvgComputeMS is the mean per-step time spent in gradient
	// computation and synchronization, in milliseconds.
	AvgComputeMS float64

	// LastLoss is the most recent step's loss.
	LastLoss float64
}
