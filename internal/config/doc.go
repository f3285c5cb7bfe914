// Package config loads and validates the YAML run configuration.
//
// The config file carries the recognized top-level keys save_dir,
// use_visual, use_deconv, data_loader, and training. Unknown top-level
// keys are rejected at decode time so a typo fails the launch instead of
// silently training with defaults.
package config
