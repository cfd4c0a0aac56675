// Command filebridged is the file-bridge daemon. It loads a JSON
// configuration file, installs one watch profile per configured app,
// optionally serves the profile-admin REST API, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/filebridge/engine/internal/config"
	"github.com/filebridge/engine/internal/engine"
	"github.com/filebridge/engine/internal/logsink"
	"github.com/filebridge/engine/internal/server/rest"
	"github.com/filebridge/engine/internal/server/storage"
)

func main() {
	configPath := flag.String("config", "/etc/filebridge/config.json", "path to the file-bridge JSON configuration file")
	apiAddr := flag.String("api-addr", "", "address to serve the profile-admin REST API on (empty disables it)")
	mirrorDSN := flag.String("mirror-dsn", "", "PostgreSQL connection string for the optional log mirror (empty disables it)")
	logLevel := flag.String("log-level", "info", "minimum log level: debug, info, warn, error")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "filebridged: %v\n", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Int("apps", len(cfg.Apps)),
		slog.String("log_directory", cfg.LogDirectory),
	)

	sink, err := logsink.Open(cfg.LogDirectory, cfg.MaxLogsPerFile, cfg.LogRetentionDays, logger)
	if err != nil {
		logger.Error("failed to open log sink", slog.Any("error", err))
		os.Exit(1)
	}
	defer sink.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mirror *storage.Mirror
	if *mirrorDSN != "" {
		mirror, err = storage.Open(ctx, *mirrorDSN, 0, 0)
		if err != nil {
			logger.Error("failed to open log mirror, continuing without it", slog.Any("error", err))
		} else {
			sink.SetSubscriber(mirror.Subscribe)
			defer mirror.Close(context.Background())
			logger.Info("log mirror enabled")
		}
	}

	mgr := engine.NewManager(ctx, sink, logger)
	if err := mgr.Load(*configPath); err != nil {
		logger.Error("failed to load profiles", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("profiles installed", slog.Int("count", len(mgr.Profiles())))

	var apiServer *http.Server
	if *apiAddr != "" {
		srv := rest.NewServer(mgr)
		router := rest.NewRouter(srv, nil)
		apiServer = &http.Server{
			Addr:         *apiAddr,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("profile-admin API listening", slog.String("addr", *apiAddr))
			if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("profile-admin API error", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("profile-admin API shutdown error", slog.Any("error", err))
		}
	}

	mgr.Shutdown()
	logger.Info("filebridged exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
