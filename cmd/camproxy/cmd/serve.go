package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"camproxy/internal/config"
	"camproxy/internal/driver"
	"camproxy/internal/encoder"
	httpserver "camproxy/internal/http"
	"camproxy/internal/http/handlers"
	"camproxy/internal/hub"
	"camproxy/internal/ingest"
	"camproxy/internal/observability"
	"camproxy/internal/session"
	"camproxy/internal/snapshot"
	"camproxy/internal/version"
	"camproxy/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the camera proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, levelVar := observability.NewLoggerWithLevelVar(cfg.Logging, os.Stderr)
	observability.SetDefault(logger)
	logger.Info("starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Runtime key/value record.
	store := config.NewStore(cfg.Storage.RecordPath(), logger)
	if err := store.Load(); err != nil {
		return fmt.Errorf("loading runtime config: %w", err)
	}
	if lvl := store.Get(config.KeyLogLevel); lvl != "" {
		levelVar.Set(observability.ParseLevel(lvl))
	}

	binary, err := encoder.ResolveBinary(cfg.FFmpeg.BinaryPath)
	if err != nil {
		return fmt.Errorf("resolving encoder binary: %w", err)
	}
	logger.Info("encoder binary resolved", slog.String("path", binary))

	hashes := snapshot.NewHashStore(cfg.Storage.HashPath())
	if err := hashes.Load(); err != nil {
		logger.Warn("loading picture hashes", slog.String("error", err.Error()))
	}
	writer := snapshot.NewWriter(logger, binary, cfg.Storage.SnapshotDir(), hashes)

	// Pipeline assembly: driver → ingress → encoder → hub → HTTP.
	streamHub := hub.New(logger)
	ingress := ingest.New(logger)

	remote := driver.NewRemote(cfg.Driver.Endpoint, logger)
	reconnector := driver.NewReconnector(remote, logger)

	controller := session.New(logger, remote, streamHub, ingress, store, writer, binary,
		session.Timings{
			DrainDelay:   cfg.Stream.DrainDelay,
			ReleaseDelay: cfg.Stream.ReleaseDelay,
			StopTimeout:  cfg.FFmpeg.StopTimeout,
		})
	ingress.SetSinkProviders(controller.EnsureEncoder, controller.CurrentSink)
	ingress.SetResolutionChangeFunc(controller.OnResolutionChange)
	remote.OnVideoFrame(ingress.HandleVideo)
	remote.OnAudioFrame(ingress.HandleAudio)

	broker := ws.NewBroker(logger, version.Version, remote.Version)
	ws.RegisterCommands(broker, ws.CommandDeps{
		Driver:        remote,
		ClientVersion: remote.Version,
	})
	remote.OnEvent(func(event driver.Event) {
		broker.Broadcast(event)
	})
	writer.OnSaved(func(serial string) {
		broker.Broadcast(driver.Event{
			"event":        "snapshotSaved",
			"serialNumber": serial,
		})
	})
	reconnector.OnStateChange(func(connected bool) {
		name := "driverDisconnected"
		if connected {
			name = "driverConnected"
		}
		broker.Broadcast(driver.Event{"event": name})
	})
	remote.SetDisconnectHandler(func() {
		reconnector.NotifyDisconnected(ctx)
	})

	// Config changes restart the affected halves of the pipeline.
	store.OnChange(func(change config.Change) {
		if change.LogLevel {
			levelVar.Set(observability.ParseLevel(store.Get(config.KeyLogLevel)))
			logger.Info("log level changed", slog.String("level", store.Get(config.KeyLogLevel)))
		}
		if change.Transcoding {
			controller.RestartEncoder()
		}
		if change.Driver {
			go func() {
				if err := reconnector.Reconnect(ctx); err != nil {
					logger.Error("driver reconnect failed", slog.String("error", err.Error()))
				}
			}()
		}
	})
	if err := store.Watch(ctx); err != nil {
		logger.Warn("runtime config watch unavailable", slog.String("error", err.Error()))
	}

	// The HTTP surface comes up regardless of the driver; /health and
	// /config work while the first connect retries in the background.
	go func() {
		if err := reconnector.Start(ctx); err != nil {
			logger.Error("driver connect failed", slog.String("error", err.Error()))
		}
	}()

	server := httpserver.NewServer(cfg.Server, logger, httpserver.Routes{
		Stream: handlers.NewStreamHandler(controller, cfg.Stream.InitWaitTimeout, logger),
		Config: handlers.NewConfigHandler(store, logger),
		Health: handlers.NewHealthHandler(controller, ingress, reconnector, store),
		Broker: broker,
		WebRoot: cfg.Storage.WebRoot,
	})

	serveErr := server.ListenAndServe(ctx)

	logger.Info("shutting down")
	controller.Shutdown()
	broker.Close()
	if err := reconnector.Stop(); err != nil {
		logger.Warn("stopping driver", slog.String("error", err.Error()))
	}

	if serveErr != nil {
		return serveErr
	}
	return nil
}
