package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/orgsync/internal/shared"
)

const (
	exitFailure   = 1
	exitBlocked   = 2
	exitReconnect = 3
)

func main() {
	logger := shared.NewLogger(nil)
	runner := NewRunner(RunnerOpts{Logger: logger})
	app := newApp(runner)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.Run(ctx, os.Args)
	stop()

	if cerr := runner.Close(); cerr != nil {
		logger.Warn("shutdown failed", "err", cerr)
	}
	if err != nil {
		os.Exit(exitCode(logger, err))
	}
}

func newApp(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "orgsync",
		Usage:   "Keep org connections healthy and validate data migrations between orgs",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "config.toml",
				Sources: cli.EnvVars("ORGSYNC_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:  "metrics",
				Usage: "Print collected metrics after the command finishes",
			},
		},
		Before:   r.configure,
		After:    r.report,
		Commands: r.register(),
	}
}

// exitCode logs err and maps it to the process exit status.
func exitCode(logger *log.Logger, err error) int {
	switch {
	case errors.Is(err, shared.ErrReconnectRequired):
		logger.Error("organisation must be reconnected; run `orgsync org connect` with a new token pair", "err", err)
		return exitReconnect
	case errors.Is(err, shared.ErrValidationBlocked):
		logger.Error("validation blocked the step; fix the failing checks before migrating", "err", err)
		return exitBlocked
	default:
		logger.Error("application error", "err", err)
		return exitFailure
	}
}
