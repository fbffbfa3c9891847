package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/ozzie/internal/bus"
	"github.com/dohr-michael/ozzie/internal/orchestrate"
	"github.com/dohr-michael/ozzie/internal/signals"
)

// NewOrchestrateCommand returns the orchestrate subcommand, a thin CLI
// front-end over orchestrate_split for operators/scripts that don't go
// through a Runner's tool-calling surface.
func NewOrchestrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "orchestrate",
		Usage: "Split a task across N child conversations of one agent",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "parent-conversation-id", Required: true},
			&cli.StringFlag{Name: "parent-agent", Value: "agent:orchestrator"},
			&cli.StringFlag{Name: "agent", Aliases: []string{"target-agent"}, Required: true},
			&cli.StringFlag{Name: "task", Required: true},
			&cli.IntFlag{Name: "n", Required: true},
			&cli.StringSliceFlag{Name: "responsibility", Usage: "Repeatable; one per child, must total 0 or n"},
			&cli.StringSliceFlag{Name: "allowed-path", Usage: "Repeatable glob allowlist hint"},
			&cli.IntFlag{Name: "timeout-ms", Value: 30000},
			&cli.BoolFlag{Name: "wait", Usage: "Block until every child's done_topic fires or timeout-ms elapses"},
			&cli.StringFlag{Name: "signal-topic-prefix", Value: "signal:"},
		},
		Action: runOrchestrate,
	}
}

func runOrchestrate(ctx context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)

	b, err := bus.New(ctx, cfg.Bus.URL)
	if err != nil {
		return cliError(exitUsage, "orchestrate: init bus: %v", err)
	}
	defer b.Close()

	prefix := cmd.String("signal-topic-prefix")
	if prefix == "" {
		prefix = cfg.Signal.TopicPrefix
	}
	sig := signals.New(b, signals.Policy{
		TopicPrefix:     prefix,
		PayloadMaxBytes: cfg.Signal.PayloadMaxBytes,
	})

	roots := cfg.Orchestrate.AllowedPathRoots
	if extra := cmd.StringSlice("allowed-path"); len(extra) > 0 {
		roots = append(append([]string{}, roots...), extra...)
	}
	orch := orchestrate.New(b, sig, orchestrate.Config{AllowedPathRoots: roots})

	result, err := orch.Run(ctx, orchestrate.Split{
		ParentConversationID: cmd.String("parent-conversation-id"),
		ParentAgent:          cmd.String("parent-agent"),
		Task:                 cmd.String("task"),
		N:                    cmd.Int("n"),
		Responsibilities:     cmd.StringSlice("responsibility"),
		AllowedPaths:         cmd.StringSlice("allowed-path"),
		TargetAgent:          cmd.String("agent"),
		TimeoutMS:            cmd.Int("timeout-ms"),
		Wait:                 cmd.Bool("wait"),
	})
	if err != nil {
		if strings.Contains(err.Error(), "outside the allowed roots") {
			return cliError(exitUsage, "orchestrate: %v", err)
		}
		return cliError(exitSendFailed, "orchestrate: %v", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrate: marshal result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
