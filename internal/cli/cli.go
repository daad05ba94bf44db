package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/backhaul/internal/app"
	"github.com/vk/backhaul/internal/result"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("backhaul", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
Backhaul - a host-local backup job orchestrator.

Usage:
  backhaul -config CATALOGUE_PATH [options] [JOB_NAME ...]

Arguments:
  JOB_NAME
    Names of catalogue jobs to run, with their dependencies. Runs every
    enabled job when neither job names nor -set are given.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to a catalogue .hcl file or a directory containing them.")
	setFlag := flagSet.String("set", "", "Name of a catalogue set to run.")
	simulateFlag := flagSet.Bool("simulate", false, "Plan and report without creating, transferring, or deleting anything.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workersFlag := flagSet.Int("transfer-workers", 0, "Cap on concurrent target transfers per job. 0 sizes the pool to the target count.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: result.ExitCodeConfigError, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	if *configFlag == "" {
		slog.Debug("No catalogue path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: result.ExitCodeConfigError, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: result.ExitCodeConfigError, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	if *workersFlag < 0 {
		return nil, false, &ExitError{Code: result.ExitCodeConfigError, Message: "invalid transfer-workers: must not be negative"}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		CataloguePath:   *configFlag,
		SetName:         *setFlag,
		JobNames:        flagSet.Args(),
		Simulate:        *simulateFlag,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		TransferWorkers: *workersFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: result.ExitCodeConfigError, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.")
	return config, false, nil
}
