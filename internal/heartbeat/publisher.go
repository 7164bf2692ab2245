// Package heartbeat publishes a server process's registry row on a fixed
// interval. A missed pulse is not an error condition: readers already
// tolerate stale rows by treating them as absent past the liveness window.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/emberforge/scene-director/internal/logger"
	"github.com/emberforge/scene-director/internal/metrics"
	"github.com/emberforge/scene-director/internal/registry"
)

// LoadFunc supplies the current load figure at pulse time so the publisher
// never blocks the owning role's tick loop waiting for it
type LoadFunc func() int

// Publisher owns this process's server record
type Publisher struct {
	store    registry.Store
	record   registry.ServerRecord
	interval time.Duration
	load     LoadFunc

	serverID string
}

// New creates a heartbeat publisher for this process
func New(store registry.Store, kind registry.ServerKind, name, address string, port uint16, interval time.Duration, load LoadFunc) *Publisher {
	if load == nil {
		load = func() int { return 0 }
	}
	return &Publisher{
		store: store,
		record: registry.ServerRecord{
			Name:    name,
			Kind:    kind,
			Address: address,
			Port:    port,
		},
		interval: interval,
		load:     load,
	}
}

// Register writes this process's row into the registry. Called once at
// startup; an unreachable store is a boot-time hard error, not retried.
func (p *Publisher) Register(ctx context.Context) (string, error) {
	p.record.ReportedLoad = p.load()
	id, err := p.store.RegisterServer(ctx, &p.record)
	if err != nil {
		return "", fmt.Errorf("server registration failed: %w", err)
	}
	p.serverID = id

	logger.L.Info("server registered",
		zap.String("server_id", id),
		zap.String("name", p.record.Name),
		zap.String("kind", string(p.record.Kind)),
		zap.String("address", p.record.Address),
		zap.Uint16("port", p.record.Port),
	)
	return id, nil
}

// ServerID returns the registered id; empty before Register succeeds
func (p *Publisher) ServerID() string {
	return p.serverID
}

// Pulse publishes one liveness/load report. Errors are logged and swallowed;
// the next interval simply tries again.
func (p *Publisher) Pulse(ctx context.Context) {
	if err := p.store.Pulse(ctx, p.serverID, p.load()); err != nil {
		metrics.PulseErrors.Inc()
		logger.L.Warn("pulse failed",
			zap.String("server_id", p.serverID),
			zap.Error(err),
		)
		return
	}
	metrics.Pulses.Inc()
}

// Run pulses on the fixed interval until the context is cancelled
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Pulse(ctx)
		}
	}
}

// Deregister removes this process's row. Best effort on shutdown; a crashed
// process is handled by the liveness window instead.
func (p *Publisher) Deregister(ctx context.Context) error {
	if p.serverID == "" {
		return nil
	}
	return p.store.DeregisterServer(ctx, p.serverID)
}
