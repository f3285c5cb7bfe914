// Package model defines the domain types for the nvas-train CLI.
//
// The launcher deals in a small vocabulary: a run mode (single-device or
// distributed), a device id, an experiment name, and a run manifest that
// records what was launched. Everything else (config schema, dataset
// shapes, network weights) lives in its owning package.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RunMode represents the process topology of a training run.
// The mode is decided once, from the presence of the --gpu flag:
//
//	--gpu N given   → ModeSingle  (one process, device N)
//	--gpu omitted   → ModeDistributed (one worker process per visible device)
type RunMode string

const (
	// ModeSingle runs the whole pipeline in the launcher process,
	// pinned to a single device.
	ModeSingle RunMode = "single"

	// ModeDistributed spawns one worker process per visible device.
	// Workers synchronize gradients through a loopback process group.
	ModeDistributed RunMode = "distributed"
)

// String returns the string representation of RunMode.
// This method satisfies the fmt.Stringer interface, enabling
// human-readable output in CLI commands and logging.
func (m RunMode) String() string {
	return string(m)
}

// IsValid checks whether the RunMode value is one of the
// predefined valid modes.
func (m RunMode) IsValid() bool {
	switch m {
	case ModeSingle, ModeDistributed:
		return true
	default:
		return false
	}
}

// ParseRunMode converts a string to a RunMode.
// Returns an error if the string does not match any valid mode.
func ParseRunMode(s string) (RunMode, error) {
	mode := RunMode(strings.ToLower(s))
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid run mode: %q (valid: single, distributed)", s)
	}
	return mode, nil
}

// ValidateDeviceID checks a requested GPU id against the number of visible
// devices. The valid range is [0, deviceCount-1]; a negative id is always
// rejected. This is one of the two validations the launcher performs before
// any expensive work starts.
func ValidateDeviceID(id, deviceCount int) error {
	if id < 0 || id >= deviceCount {
		return fmt.Errorf("invalid GPU id %d: must be between 0 and %d", id, deviceCount-1)
	}
	return nil
}

// nameRegex validates experiment names: alphanumeric, hyphens and
// underscores only, must start and end with alphanumeric.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

// ValidateExperimentName checks if the given name is usable as an
// experiment directory name. The name becomes a path component under
// save_dir, so path separators and shell metacharacters are rejected.
func ValidateExperimentName(name string) error {
	if name == "" {
		return fmt.Errorf("experiment name must not be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid experiment name %q: must contain only alphanumeric characters, hyphens and underscores, and start/end with alphanumeric", name)
	}
	return nil
}

// RunManifest records what a training run was launched with. It is written
// as run.json into the experiment directory next to the copied config, so a
// finished or crashed run can always be traced back to its inputs.
type RunManifest struct {
	// RunID is a UUID assigned when the experiment directory is created.
	RunID string `json:"runId"`

	// Experiment is the experiment name (the --exp flag).
	Experiment string `json:"experiment"`

	// ConfigPath is the path to the config file the run was launched with.
	// The copied snapshot lives at <dir>/config.yaml regardless.
	ConfigPath string `json:"configPath"`

	// Mode is the process topology chosen for the run.
	Mode RunMode `json:"mode"`

	// WorldSize is the number of cooperating worker processes.
	// Always 1 in single mode.
	WorldSize int `json:"worldSize"`

	// Devices lists the device ids participating in the run.
	Devices []int `json:"devices"`

	// CreatedAt is the timestamp when the run was launched.
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the manifest for internal consistency before it is
// written to disk.
func (m *RunManifest) Validate() error {
	if m.RunID == "" {
		return fmt.Errorf("run manifest: run id must not be empty")
	}
	if err := ValidateExperimentName(m.Experiment); err != nil {
		return fmt.Errorf("run manifest: %w", err)
	}
	if !m.Mode.IsValid() {
		return fmt.Errorf("run manifest: invalid mode %q", m.Mode)
	}
	if m.WorldSize < 1 {
		return fmt.Errorf("run manifest: world size %d out of range (>= 1)", m.WorldSize)
	}
	if m.Mode == ModeSingle && m.WorldSize != 1 {
		return fmt.Errorf("run manifest: single mode requires world size 1, got %d", m.WorldSize)
	}
	if len(m.Devices) != m.WorldSize {
		return fmt.Errorf("run manifest: %d devices listed for world size %d", len(m.Devices), m.WorldSize)
	}
	return nil
}

// ExitCode defines standard CLI exit codes. These codes allow scripts and
// CI systems to programmatically determine the outcome of a command.
//
// Config-validation failures (missing config file, GPU id out of range)
// always exit with code 1.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	// The up-front validation failures (missing config file, GPU id
	// out of range) use this code.
	ExitGeneralError ExitCode = 1

	// ExitNoDevices indicates no accelerator devices are visible,
	// so multi-device mode cannot start.
	ExitNoDevices ExitCode = 2

	// ExitDatasetError indicates the dataset manifest or shards could
	// not be opened or parsed.
	ExitDatasetError ExitCode = 3

	// ExitDistribError indicates the worker fan-out or the process
	// group rendezvous failed.
	ExitDistribError ExitCode = 4

	// ExitCheckpointError indicates a checkpoint could not be written
	// into the experiment directory.
	ExitCheckpointError ExitCode = 5
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
// This follows Go's error wrapping convention introduced in Go 1.13.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
