package commands

import (
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/ozzie/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand(version, commit string) *cli.Command {
	return &cli.Command{
		Name:    "ozzie",
		Usage:   "Multi-agent message-passing runtime",
		Version: version + " (" + commit + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewGatewayCommand(),
			NewWorkerCommand(),
			NewSendCommand(),
			NewStreamCommand(),
			NewOrchestrateCommand(),
			NewSecretsCommand(),
		},
	}
}

// resolveLogLevel maps a config log_level string to a slog.Level, defaulting
// to info for anything unrecognized.
func resolveLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogging loads the configured log level, with a --debug flag override,
// and installs it as the default slog logger writing to stderr.
func setupLogging(cfg *config.Config, cmd *cli.Command) {
	level := resolveLogLevel(cfg.LogLevel)
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadConfig loads the config file named by --config, falling back to
// defaults (logged as a warning) when the file is absent — matching the
// teacher's "don't require a config file to exist" startup behavior.
func loadConfig(cmd *cli.Command) *config.Config {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", path, "error", err)
		cfg = &config.Config{}
		applyZeroConfigDefaults(cfg)
	}
	return cfg
}

func applyZeroConfigDefaults(cfg *config.Config) {
	cfg.Agent.Name = "default"
	cfg.Bus.URL = "inproc://"
	cfg.Worker.BlockMS = 1000
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 18420
	cfg.Gateway.MaxEvents = 100
	cfg.Signal.TopicPrefix = "signal:"
	cfg.Signal.PayloadMaxBytes = 4096
	cfg.Sessions.Backend = "file"
	cfg.Sessions.Path = "./data/sessions"
	cfg.LogLevel = "info"
}
