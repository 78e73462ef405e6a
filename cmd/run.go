package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/duskward/seance/internal/config"
	"github.com/duskward/seance/internal/relay"
	"github.com/duskward/seance/internal/supervisor"
	"github.com/duskward/seance/internal/telemetry"
	"github.com/duskward/seance/internal/wsui"
	"github.com/duskward/seance/pkg/protocol"
)

var listenAddr string

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the daemon: load config, connect every member's bot, serve the wsui feed",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":7117", "address for the wsui websocket/health server")
	return cmd
}

func runDaemon() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	tp, err := telemetry.NewTracerProvider("seanced")
	if err != nil {
		slog.Error("failed to construct tracer provider", "error", err)
		os.Exit(1)
	}
	telemetry.Init(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx, tp); err != nil {
			slog.Warn("tracer provider shutdown failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ui *wsui.Server
	sup := supervisor.New(func(ev relay.LifecycleEvent) {
		payload := ev.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		ui.Broadcast(protocol.Event{
			Type:      ev.Kind,
			System:    ev.System,
			Member:    ev.Member,
			Payload:   payload,
			Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	})
	ui = wsui.NewServer(makeRequestHandler(sup))

	stopWatch, err := config.Watch(cfgPath, func(fresh *config.Config, loadErr error) {
		if loadErr != nil {
			slog.Warn("config reload failed, keeping running systems as-is", "error", loadErr)
			return
		}
		slog.Info("config changed, reconciling running systems")
		sup.ReloadConfig(ctx, fresh)
	})
	if err != nil {
		slog.Warn("config watcher unavailable, hot-reload disabled", "error", err)
	} else {
		defer stopWatch()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		ui.Broadcast(protocol.Event{Type: protocol.EventShutdown, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
		cancel()
	}()

	go func() {
		if err := ui.Start(ctx, listenAddr); err != nil {
			slog.Error("wsui server error", "error", err)
		}
	}()

	slog.Info("seanced starting", "version", Version, "protocol", protocol.ProtocolVersion, "systems", len(cfg.Systems), "listen", listenAddr)

	if err := sup.Run(ctx, cfg); err != nil {
		slog.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
}

func makeRequestHandler(sup *supervisor.Supervisor) wsui.RequestHandler {
	return func(req protocol.Request) {
		switch req.Type {
		case protocol.RequestRestart:
			if err := sup.Restart(req.System); err != nil {
				slog.Warn("restart request failed", "system", req.System, "error", err)
			}
		case protocol.RequestShutdownSystem:
			sup.ShutdownSystem(req.System)
		case protocol.RequestShutdownAll:
			sup.ShutdownAll()
		case protocol.RequestReloadConfig:
			cfgPath := resolveConfigPath()
			fresh, err := config.Load(cfgPath)
			if err != nil {
				slog.Warn("reload_config request failed to load config", "error", err)
				return
			}
			sup.ReloadConfig(context.Background(), fresh)
		default:
			slog.Warn("unknown wsui request", "type", req.Type)
		}
	}
}
