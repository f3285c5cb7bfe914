// Package experiment bootstraps the per-run output directory.
//
// A run's directory is <save_dir>/<experiment>/ and receives a verbatim
// copy of the launch config (config.yaml) plus a run manifest (run.json)
// recording the run id, topology, and timestamps. Checkpoints written by
// the trainer land in the same directory.
package experiment
