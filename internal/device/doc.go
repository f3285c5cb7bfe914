// Package device discovers the accelerator devices visible to the
// launcher.
//
// The device count drives both up-front GPU-id validation and the
// single-device vs. multi-device topology decision, so discovery happens
// before any config parsing or data loading.
//
// Discovery strategy, in priority order:
//  1. NVAS_VISIBLE_DEVICES environment variable (comma-separated ids) —
//     an explicit override for tests and CPU-only hosts
//  2. the platform prober: nvidia-smi CSV output by default, or the CUDA
//     driver API directly when built with the cuda tag
//
// The package also reports host CPU SIMD capabilities for the devices
// command and the startup log line.
package device
