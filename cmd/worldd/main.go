package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/emberforge/scene-director/internal/config"
	"github.com/emberforge/scene-director/internal/logger"
	"github.com/emberforge/scene-director/internal/tracing"
	"github.com/emberforge/scene-director/internal/world"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/world.yaml", "Configuration file path")
	flag.Parse()

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	if err := logger.Init(logLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.L.Fatal("Failed to load configuration", zap.Error(err))
	}

	srv, err := world.New(cfg, nil)
	if err != nil {
		logger.L.Fatal("Failed to create world server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.L.Fatal("Failed to start world server", zap.Error(err))
	}

	if cfg.Tracing.Endpoint != "" {
		if err := tracing.Init("worldd", version, cfg.Tracing.Endpoint); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized", zap.String("endpoint", cfg.Tracing.Endpoint))
		}
	}

	// Watch the config file so operators can tune intervals and limits
	// without a restart. Identity fields still require one.
	current := cfg
	reloadMgr := config.NewHotReloadManager(cfg, func(next *config.Config) error {
		if next.Routing.WaitQueueTick != current.Routing.WaitQueueTick {
			logger.L.Info("wait queue tick changed, restart required to apply",
				zap.Duration("old", current.Routing.WaitQueueTick),
				zap.Duration("new", next.Routing.WaitQueueTick),
			)
		}
		if next.Security.MaxConnections != current.Security.MaxConnections {
			logger.L.Info("connection limit changed, restart required to apply",
				zap.Int("old", current.Security.MaxConnections),
				zap.Int("new", next.Security.MaxConnections),
			)
		}
		current = next
		return nil
	})
	go reloadMgr.WatchConfigFile(ctx, configPath, 30*time.Second)

	logger.L.Info("World server started successfully",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.L.Info("Received stop signal, starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during world server shutdown", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("World server closed")
}
