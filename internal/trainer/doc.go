// Package trainer runs the training loop.
//
// The trainer owns the step loop only: it pulls samples from the data
// loader, featurizes them into batches, computes gradients on the model,
// synchronizes gradients through the process group when the run is
// distributed, and writes periodic checkpoints into the experiment
// directory. Model math lives in nvasnet; sample I/O lives in dataset.
package trainer
