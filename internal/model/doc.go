// Package model defines the domain types and value objects for the
// nvas-train CLI.
//
// This package contains pure data structures with no external dependencies
// beyond the standard library. All entities (RunMode, RunManifest, exit
// codes) are transient launcher state — the only persistent artifact is the
// run manifest JSON written into the experiment directory by the experiment
// package.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
