package scene

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/emberforge/scene-director/internal/config"
	"github.com/emberforge/scene-director/internal/heartbeat"
	"github.com/emberforge/scene-director/internal/logger"
	"github.com/emberforge/scene-director/internal/registry"
	"github.com/emberforge/scene-director/internal/retry"
)

// Server is one Scene server process: a heartbeat, a claim loop, and the
// instance manager that owns what this process has loaded
type Server struct {
	cfg *config.Config

	store   *registry.RedisStore
	manager *Manager
	loader  Loader
	hb      *heartbeat.Publisher

	healthSrv *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool
}

// NewServer creates a Scene server around the given loader
func NewServer(cfg *config.Config, loader Loader) (*Server, error) {
	store := registry.NewRedisStore(&cfg.Registry)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := retry.Do(ctx, retry.Config{
		MaxRetries: cfg.Registry.DialRetries,
		RetryDelay: cfg.Registry.DialRetryDelay,
	}, func() error {
		return store.Ping(ctx)
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("registry store unreachable: %w", err)
	}

	return &Server{
		cfg:    cfg,
		store:  store,
		loader: loader,
	}, nil
}

// Manager returns the instance manager; nil before Start
func (s *Server) Manager() *Manager {
	return s.manager
}

// Start registers this process and begins the heartbeat and claim loops
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	var load heartbeat.LoadFunc = func() int {
		if s.manager == nil {
			return 0
		}
		return s.manager.Load()
	}
	s.hb = heartbeat.New(s.store, registry.ServerKindScene, s.cfg.Server.Name,
		s.cfg.Server.PublicAddr, s.cfg.Server.PublicPort,
		s.cfg.Heartbeat.PulseInterval, load,
	)

	id, err := s.hb.Register(ctx)
	if err != nil {
		return err
	}

	s.manager = NewManager(s.store, s.loader, id,
		s.cfg.Scene.LoadingTimeout, s.cfg.Scene.MaxInstances)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hb.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Routing.WaitQueueTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.manager.Tick(ctx)
			}
		}
	}()

	s.startHealthServer()

	s.ready.Store(true)
	logger.L.Info("scene server started",
		zap.String("server_id", id),
		zap.String("public_addr", s.cfg.Server.PublicAddr),
		zap.Uint16("public_port", s.cfg.Server.PublicPort),
		zap.Int("max_instances", s.cfg.Scene.MaxInstances),
	)
	return nil
}

// startHealthServer starts the health check and metrics HTTP server
func (s *Server) startHealthServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	s.healthSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Server.HealthCheckPort),
		Handler: mux,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L.Error("health server error",
				zap.Error(err),
			)
		}
	}()

	logger.L.Info("health check server started",
		zap.Int("port", s.cfg.Server.HealthCheckPort),
	)
}

// Shutdown unloads owned instances, removes this process's registry rows,
// and releases the store
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	logger.L.Info("scene server shutting down")

	if s.cancel != nil {
		s.cancel()
	}

	var firstErr error
	if s.healthSrv != nil {
		if err := s.healthSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.manager != nil {
		if err := s.manager.Deregister(ctx); err != nil {
			logger.L.Warn("instance teardown incomplete",
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := s.hb.Deregister(ctx); err != nil {
		logger.L.Warn("failed to deregister server",
			zap.Error(err),
		)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}

	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	logger.L.Info("scene server shutdown complete")
	return firstErr
}
