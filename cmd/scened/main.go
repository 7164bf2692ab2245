package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/emberforge/scene-director/internal/catalog"
	"github.com/emberforge/scene-director/internal/config"
	"github.com/emberforge/scene-director/internal/logger"
	"github.com/emberforge/scene-director/internal/scene"
	"github.com/emberforge/scene-director/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// engineLoader is the seam to the game engine. This build validates the
// scene against the catalog and hands out process-local handles; the engine
// embedding replaces Load/Unload with real scene construction.
type engineLoader struct {
	cat        *catalog.Catalog
	nextHandle int64
}

func (l *engineLoader) Load(ctx context.Context, sceneName string) (int, error) {
	if _, ok := l.cat.Template(sceneName); !ok {
		return 0, fmt.Errorf("unknown scene %q", sceneName)
	}
	return int(atomic.AddInt64(&l.nextHandle, 1)), nil
}

func (l *engineLoader) Unload(ctx context.Context, handle int) error {
	return nil
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/scene.yaml", "Configuration file path")
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

	cat, err := catalog.Load(cfg.Routing.CatalogPath, cfg.Routing.MaxClientsPerInstance)
	if err != nil {
		logger.L.Fatal("Failed to load scene catalog", zap.Error(err))
	}

	srv, err := scene.NewServer(cfg, &engineLoader{cat: cat})
	if err != nil {
		logger.L.Fatal("Failed to create scene server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.L.Fatal("Failed to start scene server", zap.Error(err))
	}

	if cfg.Tracing.Endpoint != "" {
		if err := tracing.Init("scened", version, cfg.Tracing.Endpoint); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized", zap.String("endpoint", cfg.Tracing.Endpoint))
		}
	}

	logger.L.Info("Scene server started successfully",
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
		logger.L.Error("Error during scene server shutdown", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("Scene server closed")
}
