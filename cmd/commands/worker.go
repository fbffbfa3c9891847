package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/ozzie/internal/bus"
	"github.com/dohr-michael/ozzie/internal/models"
	"github.com/dohr-michael/ozzie/internal/orchestrate"
	"github.com/dohr-michael/ozzie/internal/runner"
	"github.com/dohr-michael/ozzie/internal/runner/echo"
	einorunner "github.com/dohr-michael/ozzie/internal/runner/eino"
	"github.com/dohr-michael/ozzie/internal/signals"
	"github.com/dohr-michael/ozzie/internal/worker"
)

// NewWorkerCommand returns the worker subcommand: the subscriber -> Runner
// -> publisher pipeline bound to one agent name.
func NewWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run the worker pipeline for one agent",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "agent", Usage: "Agent name to bind to (overrides AGENT_NAME/config)"},
			&cli.StringFlag{Name: "provider", Usage: "Named model provider to use (defaults to the configured default)"},
			&cli.BoolFlag{Name: "echo", Usage: "Use the deterministic echo runner instead of a live model"},
		},
		Action: runWorker,
	}
}

func runWorker(ctx context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)
	setupLogging(cfg, cmd)

	if cmd.IsSet("agent") {
		cfg.Agent.Name = cmd.String("agent")
	}
	if cfg.Agent.Name == "" {
		return fmt.Errorf("worker: no agent name configured (set --agent, AGENT_NAME, or agent.name in config)")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	b, err := bus.New(ctx, cfg.Bus.URL)
	if err != nil {
		return fmt.Errorf("init bus: %w", err)
	}
	defer b.Close()

	store, err := newSessionStore(cfg.Sessions)
	if err != nil {
		return fmt.Errorf("init session store: %w", err)
	}

	var r runner.Runner
	if cmd.Bool("echo") {
		r = echo.New()
	} else {
		registry := models.NewRegistry(cfg.Models)
		r = einorunner.New(registry, cmd.String("provider"), cfg.Agent.Name)
	}

	var signaler worker.DoneSignaler
	if cfg.Orchestrate.AutoDone {
		sig := signals.New(b, signals.Policy{
			TopicPrefix:     cfg.Signal.TopicPrefix,
			PayloadMaxBytes: cfg.Signal.PayloadMaxBytes,
		})
		signaler = orchestrate.WorkerSignaler{Signals: sig}
	}

	w := worker.New(b, r, store, signaler, worker.Config{
		AgentName: cfg.Agent.Name,
		BlockMS:   cfg.Worker.BlockMS,
		AutoDone:  cfg.Orchestrate.AutoDone,
	})

	slog.Info("worker started", "agent", cfg.Agent.Name)
	return w.Run(ctx)
}
