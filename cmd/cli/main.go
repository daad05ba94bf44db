package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vk/backhaul/internal/app"
	"github.com/vk/backhaul/internal/cli"
	"github.com/vk/backhaul/internal/config"
	"github.com/vk/backhaul/internal/hcl"
	"github.com/vk/backhaul/internal/result"
)

// main is the entrypoint for the backhaul application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	os.Exit(run(os.Stdout, os.Stderr, os.Args[1:]))
}

// run encapsulates the main application logic for easier testing and
// returns the process exit code.
func run(outW, errW io.Writer, args []string) int {
	appConfig, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(errW, exitErr.Message)
			return exitErr.Code
		}
		fmt.Fprintln(errW, err)
		return result.ExitCodeConfigError
	}
	if shouldExit {
		return 0
	}

	// A user interrupt cancels the run between pipeline stages; in-flight
	// stage work terminates cooperatively.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backhaulApp, err := app.NewApp(outW, appConfig, hcl.NewLoader())
	if err != nil {
		fmt.Fprintln(errW, err)
		return exitCodeFor(err)
	}

	runResult, err := backhaulApp.Run(ctx)
	if err != nil {
		fmt.Fprintln(errW, err)
		return exitCodeFor(err)
	}
	return runResult.Status.ExitCode()
}

// exitCodeFor separates catalogue problems from execution failures so
// scripting callers can tell a bad catalogue from a bad backup.
func exitCodeFor(err error) int {
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return result.ExitCodeConfigError
	}
	return result.StatusFailure.ExitCode()
}
