// Package main provides the nematolapse CLI entrypoint.
//
// Usage:
//
//	nematolapse <command> [options]
//
// Exit codes for `record`:
//   - 0: run completed
//   - 1: run error (invalid session, schedule failure)
//   - 2: device error (connect failure, health abort)
//   - 3: storage error (recording file could not be written)
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/s1alknau/nematolapse/cli/cmd"
	"github.com/s1alknau/nematolapse/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "nematolapse",
		Usage:          "Synchronized timelapse capture for long-running specimen recordings",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.RecordCommand(),
			cmd.InfoCommand(),
			cmd.CalibrateCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		// This branch handles unexpected errors that weren't wrapped.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit() so record failure
// classes reach the operator's shell.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() returns "exit status N"; skip those.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
