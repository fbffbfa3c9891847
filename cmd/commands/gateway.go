package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/ozzie/internal/bus"
	"github.com/dohr-michael/ozzie/internal/config"
	"github.com/dohr-michael/ozzie/internal/gateway"
	"github.com/dohr-michael/ozzie/internal/heartbeat"
	"github.com/dohr-michael/ozzie/internal/storage"
)

// NewGatewayCommand returns the gateway subcommand: the HTTP ingress/egress
// boundary, POST /send and GET /stream/{conversation_id}.
func NewGatewayCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Start the Ozzie HTTP gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "Host to listen on"},
			&cli.IntFlag{Name: "port", Usage: "Port to listen on"},
		},
		Action: runGateway,
	}
}

func runGateway(ctx context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)
	setupLogging(cfg, cmd)

	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	b, err := bus.New(ctx, cfg.Bus.URL)
	if err != nil {
		return fmt.Errorf("init bus: %w", err)
	}
	defer b.Close()

	hbPath := cfg.Storage.HeartbeatPath
	if hbPath == "" {
		hbPath = config.HeartbeatPath(cfg.Agent.Name)
	}
	hbWriter := heartbeat.NewWriter(hbPath, cfg.Agent.Name)
	hbWriter.Start()
	defer hbWriter.Stop()

	if cfg.Storage.AuditLogDir != "" {
		logger := storage.NewEventLogger(b, cfg.Agent.Name, cfg.Storage.AuditLogDir)
		go func() {
			if err := logger.Run(ctx); err != nil {
				slog.Error("audit log stopped", "error", err)
			}
		}()
	}

	server := gateway.NewServer(b, gateway.Config{
		Host:          cfg.Gateway.Host,
		Port:          cfg.Gateway.Port,
		MaxEvents:     cfg.Gateway.MaxEvents,
		HeartbeatPath: hbPath,
	})

	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), cfg)
	reloader.OnReload(func(reloaded *config.Config) {
		server.SetMaxEvents(reloaded.Gateway.MaxEvents)
	})
	server.SetReloadInfo(reloader)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				if err := reloader.Reload(); err != nil {
					slog.Error("config reload failed", "error", err)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	slog.Info("gateway listening", "host", cfg.Gateway.Host, "port", cfg.Gateway.Port)

	select {
	case <-ctx.Done():
		slog.Info("gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
