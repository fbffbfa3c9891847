package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/ozzie/cmd/commands"
	"github.com/dohr-michael/ozzie/internal/config"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := config.LoadDotenv(config.DotenvPath()); err != nil {
		slog.Warn("failed to load .env", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cmd := commands.NewRootCommand(version, commit)
	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(exitCodeOf(err))
	}
}

// exitCodeOf extracts the process exit code the commands package attached
// via cli.Exit (send/stream/orchestrate/secrets all signal specific
// failure modes, e.g. a timed-out stream vs. a bad invocation), falling
// back to a generic failure code for anything else.
func exitCodeOf(err error) int {
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
