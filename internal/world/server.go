// Package world wires the World role together: the client listener, the
// connection router, the character directory, and this process's registry
// heartbeat.
package world

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/emberforge/scene-director/internal/audit"
	"github.com/emberforge/scene-director/internal/catalog"
	"github.com/emberforge/scene-director/internal/config"
	"github.com/emberforge/scene-director/internal/directory"
	"github.com/emberforge/scene-director/internal/heartbeat"
	"github.com/emberforge/scene-director/internal/logger"
	"github.com/emberforge/scene-director/internal/registry"
	"github.com/emberforge/scene-director/internal/retry"
	"github.com/emberforge/scene-director/internal/router"
	"github.com/emberforge/scene-director/internal/transport"
)

// Server is one World server process
type Server struct {
	cfg *config.Config

	store    *registry.RedisStore
	dir      directory.Directory
	cat      *catalog.Catalog
	hb       *heartbeat.Publisher
	listener *transport.Listener

	router    *router.Router
	healthSrv *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool
}

// New creates a World server. An unreachable registry store is a boot-time
// hard error after the configured dial retries.
func New(cfg *config.Config, auth transport.AuthFunc) (*Server, error) {
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

	cat, err := catalog.Load(cfg.Routing.CatalogPath, cfg.Routing.MaxClientsPerInstance)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load scene catalog: %w", err)
	}

	dir := directory.NewRedisDirectory(store.Client(), cfg.Registry.KeyPrefix)
	s := &Server{
		cfg:   cfg,
		store: store,
		dir:   dir,
		cat:   cat,
	}

	// Default authentication checks the session ticket the login service
	// issued into the directory
	if auth == nil {
		auth = dir.ValidateTicket
	}

	s.listener = transport.NewListener(cfg.Server.ListenAddr, cfg.Server.Name, &cfg.Security, s, auth)
	s.hb = heartbeat.New(store, registry.ServerKindWorld, cfg.Server.Name,
		cfg.Server.PublicAddr, cfg.Server.PublicPort,
		cfg.Heartbeat.PulseInterval,
		func() int { return s.listener.Sessions().Count() },
	)

	return s, nil
}

// Start registers this process, starts the heartbeat and drain loops, and
// begins accepting client connections
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	id, err := s.hb.Register(ctx)
	if err != nil {
		return err
	}

	// The router needs this process's registry id to stamp onto the load
	// requests it creates, so it is built after registration
	s.router = router.New(s.store, s.dir, s.cat, router.Config{
		WorldServerID:  id,
		LivenessWindow: s.cfg.Heartbeat.LivenessWindow,
	})

	audit.Init(64, 2*time.Second)

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
				s.router.Tick(ctx)
			}
		}
	}()

	s.startHealthServer()

	if err := s.listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start client listener: %w", err)
	}

	s.ready.Store(true)
	logger.L.Info("world server started",
		zap.String("server_id", id),
		zap.String("listen_addr", s.cfg.Server.ListenAddr),
		zap.String("public_addr", s.cfg.Server.PublicAddr),
		zap.Uint16("public_port", s.cfg.Server.PublicPort),
	)
	return nil
}

// OnConnectionAuthenticated implements transport.Handler
func (s *Server) OnConnectionAuthenticated(ctx context.Context, conn transport.Conn, accountID int64) {
	s.router.OnConnectionAuthenticated(ctx, conn, accountID)
}

// OnConnectionClosed implements transport.Handler
func (s *Server) OnConnectionClosed(conn transport.Conn) {
	if s.router != nil {
		s.router.OnConnectionClosed(conn)
	}
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

// Shutdown stops the listener, deregisters this process, and releases the
// store. Remaining clients are kicked with the shutdown reason.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	logger.L.Info("world server shutting down")

	var firstErr error
	if err := s.listener.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if s.cancel != nil {
		s.cancel()
	}

	if s.healthSrv != nil {
		if err := s.healthSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
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

	audit.Shutdown()

	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	logger.L.Info("world server shutdown complete")
	return firstErr
}
