// Package cli implements the cobra-based CLI commands for nvas-train.
//
// Each subcommand (train, devices, validate) is defined in its own file
// within this package. This file defines the root command that serves as
// the parent for all subcommands and handles global flags and logging
// setup.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/soundfield/nvas-train/internal/model"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command,
// which makes them available to every subcommand automatically.
var (
	// jsonOutput controls whether command output is formatted as JSON.
	// When true, all output uses structured JSON format for machine
	// consumption. When false (default), output uses human-readable text.
	jsonOutput bool

	// verbose lowers the log level to debug.
	verbose bool
)

// version, commit, and date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// log is the package-wide logger. Subcommands derive entries from it so
// every line carries a consistent timestamped format.
var log = logrus.New()

// NewRootCommand creates and configures the root cobra command.
// This is the entry point for the entire CLI application.
//
// The root command itself does not perform any action — it only provides
// help text and global flags. Actual functionality is provided by
// subcommands (train, devices, validate).
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nvas-train",
		Short: "Training launcher for the NVAS audio-visual separation model",
		Long: `nvas-train launches training runs for the NVAS audio-visual source
separation model. It validates the run configuration and GPU selection up
front, bootstraps the experiment output directory, and either trains on a
single device or spawns one worker process per visible device for
distributed data-parallel training.`,

		// SilenceUsage prevents cobra from printing usage on every error.
		// We handle error output ourselves for cleaner UX.
		SilenceUsage: true,

		// SilenceErrors prevents cobra from printing errors automatically.
		// We format errors ourselves (text or JSON based on --json flag).
		SilenceErrors: true,

		// Version is displayed when --version flag is used.
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		// Configure logging before any subcommand runs, so --verbose
		// affects the whole command including flag validation output.
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	// PersistentFlags are inherited by all subcommands.
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	// Register subcommands. Each subcommand is defined in its own file
	// (train.go, devices.go, validate.go) and returns a *cobra.Command.
	rootCmd.AddCommand(NewTrainCommand())
	rootCmd.AddCommand(NewDevicesCommand())
	rootCmd.AddCommand(NewValidateCommand())

	return rootCmd
}

// setupLogging configures the process-wide logger: timestamped text
// lines on stderr, debug level when --verbose is set.
func setupLogging() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
}

// Execute runs the root command and handles exit codes.
// This is the main entry point called from main.go.
//
// It inspects errors returned by cobra commands and translates them
// into appropriate OS exit codes. CLIError types carry their own
// exit codes; other errors default to exit code 1.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		if cliErr, ok := err.(*model.CLIError); ok {
			printError(cliErr.Message, cliErr.Err)
			os.Exit(int(cliErr.Code))
		}

		// Generic error — exit with code 1.
		printError(err.Error(), nil)
		os.Exit(int(model.ExitGeneralError))
	}
}

// printError outputs an error message in the appropriate format
// (JSON or text) based on the --json global flag. Errors go to the
// logger so they carry the same timestamped format as the rest of the
// launcher output, matching the original scripts' logging.error behavior.
func printError(message string, underlying error) {
	if jsonOutput {
		errObj := map[string]interface{}{
			"error": map[string]interface{}{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]interface{}); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		// Errors go to stderr even in JSON mode: stdout is reserved
		// for successful command output.
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
		return
	}

	if underlying != nil {
		log.Errorf("%s: %v", message, underlying)
	} else {
		log.Error(message)
	}
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}
