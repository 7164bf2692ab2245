// Package scene owns the scene instances physically loaded on one Scene
// server process: claiming load requests from the shared registry, loading
// and unloading scenes, and tracking per-instance occupancy.
package scene

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emberforge/scene-director/internal/logger"
	"github.com/emberforge/scene-director/internal/metrics"
	"github.com/emberforge/scene-director/internal/registry"
	"github.com/emberforge/scene-director/internal/tracing"
	"github.com/emberforge/scene-director/internal/transport"
)

// Loader performs the actual scene load/unload. The game engine side of this
// is an external collaborator; the manager only needs a runtime handle back.
type Loader interface {
	Load(ctx context.Context, sceneName string) (handle int, err error)
	Unload(ctx context.Context, handle int) error
}

// instanceDetails is the in-process state of one loaded instance
type instanceDetails struct {
	id             string
	worldServerID  string
	sceneName      string
	handle         int
	characterCount int
	stale          bool
	staleSince     time.Time
}

// Manager owns the instances loaded on this process. It claims Pending
// records from the registry on its tick, loads them, and reports Ready; it
// never deletes a Ready-but-empty instance itself, it only marks it stale
// for the reclamation janitor.
type Manager struct {
	store          registry.Store
	loader         Loader
	serverID       string
	loadingTimeout time.Duration
	maxInstances   int

	mu sync.Mutex
	// worldServerID -> sceneName -> handle -> details
	loaded   map[string]map[string]map[int]*instanceDetails
	byHandle map[int]*instanceDetails // O(1) reverse lookup
}

// NewManager creates a scene instance manager for this Scene server
func NewManager(store registry.Store, loader Loader, serverID string, loadingTimeout time.Duration, maxInstances int) *Manager {
	return &Manager{
		store:          store,
		loader:         loader,
		serverID:       serverID,
		loadingTimeout: loadingTimeout,
		maxInstances:   maxInstances,
		loaded:         make(map[string]map[string]map[int]*instanceDetails),
		byHandle:       make(map[int]*instanceDetails),
	}
}

// Tick runs one claim pass: revert requests wedged in Loading, then claim
// and load at most one Pending request. Store errors are logged and retried
// by the next tick.
func (m *Manager) Tick(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "scene.tick")
	defer span.End()

	if reverted, err := m.store.RevertStuckLoading(ctx, m.loadingTimeout); err != nil {
		logger.WarnWithTrace(ctx, "stuck-loading sweep failed",
			zap.Error(err),
		)
		metrics.StoreErrors.WithLabelValues("revert_stuck").Inc()
	} else if reverted > 0 {
		logger.InfoWithTrace(ctx, "reverted stuck loading instances",
			zap.Int("count", reverted),
		)
	}

	if m.Count() >= m.maxInstances {
		return // at capacity; leave Pending requests for other processes
	}

	m.claimAndLoad(ctx)
}

// claimAndLoad claims one Pending record and loads its scene. The claim is
// a conditional update; losing a race with another Scene server is a no-op.
func (m *Manager) claimAndLoad(ctx context.Context) {
	rec, err := m.store.ClaimPending(ctx, m.serverID)
	if err != nil {
		logger.WarnWithTrace(ctx, "claim failed",
			zap.Error(err),
		)
		metrics.StoreErrors.WithLabelValues("claim_pending").Inc()
		return
	}
	if rec == nil {
		return // nothing to claim
	}
	metrics.InstanceClaims.WithLabelValues("won").Inc()

	start := time.Now()
	handle, err := m.loader.Load(ctx, rec.SceneName)
	if err != nil {
		// Leave the record claimable again rather than wedged in Loading
		logger.ErrorWithTrace(ctx, "scene load failed",
			zap.String("instance_id", rec.ID),
			zap.String("scene", rec.SceneName),
			zap.Error(err),
		)
		if _, rerr := m.store.RevertToPending(ctx, rec.ID); rerr != nil {
			logger.ErrorWithTrace(ctx, "failed to revert after load failure",
				zap.String("instance_id", rec.ID),
				zap.Error(rerr),
			)
			metrics.StoreErrors.WithLabelValues("revert_pending").Inc()
		}
		return
	}
	metrics.InstanceLoadDuration.Observe(time.Since(start).Seconds())

	ok, err := m.store.MarkReady(ctx, rec.ID, m.serverID, handle)
	if err != nil || !ok {
		// The record was reverted out from under us (stuck-loading sweep on
		// a slow load) or the store failed; unload and let the request be
		// claimed again
		if err != nil {
			logger.ErrorWithTrace(ctx, "failed to mark instance ready",
				zap.String("instance_id", rec.ID),
				zap.Error(err),
			)
			metrics.StoreErrors.WithLabelValues("mark_ready").Inc()
		}
		if uerr := m.loader.Unload(ctx, handle); uerr != nil {
			logger.WarnWithTrace(ctx, "unload after failed ready failed",
				zap.Int("handle", handle),
				zap.Error(uerr),
			)
		}
		return
	}

	m.track(rec, handle)

	logger.InfoWithTrace(ctx, "scene instance ready",
		zap.String("instance_id", rec.ID),
		zap.String("scene", rec.SceneName),
		zap.Int("handle", handle),
	)
}

// track records a freshly loaded instance in the lookup maps
func (m *Manager) track(rec *registry.SceneInstanceRecord, handle int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	det := &instanceDetails{
		id:            rec.ID,
		worldServerID: rec.WorldServerID,
		sceneName:     rec.SceneName,
		handle:        handle,
		stale:         true,
		staleSince:    time.Now(),
	}

	byScene, ok := m.loaded[rec.WorldServerID]
	if !ok {
		byScene = make(map[string]map[int]*instanceDetails)
		m.loaded[rec.WorldServerID] = byScene
	}
	byHandle, ok := byScene[rec.SceneName]
	if !ok {
		byHandle = make(map[int]*instanceDetails)
		byScene[rec.SceneName] = byHandle
	}
	byHandle[handle] = det
	m.byHandle[handle] = det

	m.updateGauges()
}

// TryLoadSceneForConnection admits a redirected connection into a loaded
// instance, counting it as an occupant. Returns false when the instance is
// not loaded here.
func (m *Manager) TryLoadSceneForConnection(ctx context.Context, conn transport.Conn, instanceID string) bool {
	m.mu.Lock()
	var det *instanceDetails
	for _, d := range m.byHandle {
		if d.id == instanceID {
			det = d
			break
		}
	}
	if det == nil {
		m.mu.Unlock()
		return false
	}
	handle := det.handle
	m.mu.Unlock()

	m.CharacterEntered(ctx, handle)

	logger.DebugWithTrace(ctx, "connection admitted to instance",
		zap.Int64("conn_id", conn.ID()),
		zap.String("instance_id", instanceID),
		zap.Int("handle", handle),
	)
	return true
}

// CharacterEntered counts an occupant into the instance and clears its
// stale flag
func (m *Manager) CharacterEntered(ctx context.Context, handle int) {
	m.mu.Lock()
	det, ok := m.byHandle[handle]
	if !ok {
		m.mu.Unlock()
		return
	}
	det.characterCount++
	det.stale = false
	id := det.id
	m.updateGauges()
	m.mu.Unlock()

	if _, err := m.store.AddCharacterCount(ctx, id, 1); err != nil {
		logger.WarnWithTrace(ctx, "failed to publish character count",
			zap.String("instance_id", id),
			zap.Error(err),
		)
		metrics.StoreErrors.WithLabelValues("character_count").Inc()
	}
}

// CharacterLeft counts an occupant out; at zero the instance is flagged
// stale for the reclamation janitor
func (m *Manager) CharacterLeft(ctx context.Context, handle int) {
	m.mu.Lock()
	det, ok := m.byHandle[handle]
	if !ok {
		m.mu.Unlock()
		return
	}
	if det.characterCount > 0 {
		det.characterCount--
	}
	if det.characterCount == 0 {
		det.stale = true
		det.staleSince = time.Now()
	}
	id := det.id
	m.updateGauges()
	m.mu.Unlock()

	if _, err := m.store.AddCharacterCount(ctx, id, -1); err != nil {
		logger.WarnWithTrace(ctx, "failed to publish character count",
			zap.String("instance_id", id),
			zap.Error(err),
		)
		metrics.StoreErrors.WithLabelValues("character_count").Inc()
	}
}

// UnloadScene tears down one loaded instance and removes its registry row
func (m *Manager) UnloadScene(ctx context.Context, handle int) error {
	m.mu.Lock()
	det, ok := m.byHandle[handle]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("scene handle %d not loaded", handle)
	}
	delete(m.byHandle, handle)
	if byScene, ok := m.loaded[det.worldServerID]; ok {
		if byHandle, ok := byScene[det.sceneName]; ok {
			delete(byHandle, handle)
			if len(byHandle) == 0 {
				delete(byScene, det.sceneName)
			}
		}
		if len(byScene) == 0 {
			delete(m.loaded, det.worldServerID)
		}
	}
	m.updateGauges()
	m.mu.Unlock()

	if err := m.loader.Unload(ctx, handle); err != nil {
		return fmt.Errorf("failed to unload scene %d: %w", handle, err)
	}
	if err := m.store.DeleteInstance(ctx, det.id); err != nil {
		return fmt.Errorf("failed to delete instance record %s: %w", det.id, err)
	}
	return nil
}

// HandleScene returns the scene name behind a runtime handle
func (m *Manager) HandleScene(handle int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	det, ok := m.byHandle[handle]
	if !ok {
		return "", false
	}
	return det.sceneName, true
}

// StaleInstances lists the ids of loaded instances with zero occupants
func (m *Manager) StaleInstances() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, det := range m.byHandle {
		if det.stale {
			out = append(out, det.id)
		}
	}
	return out
}

// Count returns how many instances are loaded on this process
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byHandle)
}

// Load reports the total occupant count across loaded instances; this is
// the figure the heartbeat publishes
func (m *Manager) Load() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, det := range m.byHandle {
		total += det.characterCount
	}
	return total
}

// Deregister tears down everything this process owns in the registry.
// Called on graceful shutdown; a crash leaves the rows to the liveness
// window and the janitor.
func (m *Manager) Deregister(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]int, 0, len(m.byHandle))
	for h := range m.byHandle {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := m.UnloadScene(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := m.store.DeleteInstancesOwnedBy(ctx, m.serverID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// updateGauges refreshes instance gauges; callers hold m.mu
func (m *Manager) updateGauges() {
	metrics.InstancesLoaded.Set(float64(len(m.byHandle)))
	stale := 0
	for _, det := range m.byHandle {
		if det.stale {
			stale++
		}
	}
	metrics.StaleInstances.Set(float64(stale))
}
