// Package router decides, for every authenticated connection, which Scene
// server process should host it next. Connections that cannot be redirected
// immediately wait in one of two queues - open-world scenes keyed by scene
// name, instanced scenes keyed by instance id - drained by a periodic tick
// against capacity snapshots from the shared server registry.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emberforge/scene-director/internal/audit"
	"github.com/emberforge/scene-director/internal/catalog"
	"github.com/emberforge/scene-director/internal/directory"
	"github.com/emberforge/scene-director/internal/logger"
	"github.com/emberforge/scene-director/internal/metrics"
	"github.com/emberforge/scene-director/internal/registry"
	"github.com/emberforge/scene-director/internal/tracing"
	"github.com/emberforge/scene-director/internal/transport"
)

// Config carries the routing parameters of one World server process
type Config struct {
	// WorldServerID is this process's registry id, stamped onto the load
	// requests it creates
	WorldServerID string

	// LivenessWindow bounds how stale a Scene server's pulse may be before
	// it stops receiving redirects
	LivenessWindow time.Duration
}

// instanceWait is what the router remembers about a connection waiting for
// a specific instance: enough to self-heal it back onto the open-world path
// if the instance disappears.
type instanceWait struct {
	accountID   int64
	characterID int64
	sceneName   string
}

// Router owns the two wait queues and the drain tick. All queue state is
// explicit and owned here - handlers and the tick mutate it under one lock,
// never through ambient globals - so the queue invariants hold mechanically.
type Router struct {
	store registry.Store
	dir   directory.Directory
	cat   *catalog.Catalog
	cfg   Config

	mu        sync.Mutex
	openWorld *waitQueue
	instanceQ *waitQueue
	instMeta  map[int64]instanceWait // conn id -> instance wait context
}

// New creates a connection router
func New(store registry.Store, dir directory.Directory, cat *catalog.Catalog, cfg Config) *Router {
	return &Router{
		store:     store,
		dir:       dir,
		cat:       cat,
		cfg:       cfg,
		openWorld: newWaitQueue(),
		instanceQ: newWaitQueue(),
		instMeta:  make(map[int64]instanceWait),
	}
}

// OnConnectionAuthenticated is the only entry point feeding connections into
// the routing pipeline, fired by the authentication gate.
func (r *Router) OnConnectionAuthenticated(ctx context.Context, conn transport.Conn, accountID int64) {
	ctx, span := tracing.StartSpan(ctx, "router.on_authenticated")
	defer span.End()

	st, err := r.dir.RoutingStateForAccount(ctx, accountID)
	if errors.Is(err, directory.ErrNotFound) {
		// Post-authentication there must be a selected character; its
		// absence implies tampering or a desynchronized client
		r.kick(conn, accountID, 0, transport.KickUnknownAccount)
		return
	}
	if err != nil {
		logger.WarnWithTrace(ctx, "routing state lookup failed",
			zap.Int64("account_id", accountID),
			zap.Error(err),
		)
		metrics.StoreErrors.WithLabelValues("routing_state").Inc()
		r.kick(conn, accountID, 0, transport.KickRoutingUnavailable)
		return
	}

	if st.SceneName == "" {
		r.kick(conn, accountID, st.CharacterID, transport.KickCorruptRoutingState)
		return
	}

	if st.InInstance {
		if st.InstanceID == "" {
			r.kick(conn, accountID, st.CharacterID, transport.KickCorruptRoutingState)
			return
		}
		r.routeToInstance(ctx, conn, accountID, st)
		return
	}

	r.enqueueOpenWorld(conn, accountID, st.CharacterID, st.SceneName)
}

// routeToInstance handles the in-instance fast path of the decision ladder
func (r *Router) routeToInstance(ctx context.Context, conn transport.Conn, accountID int64, st *directory.RoutingState) {
	rec, err := r.store.GetInstance(ctx, st.InstanceID)
	if errors.Is(err, registry.ErrNotFound) {
		// The referenced instance is gone; clear the flag and fall through
		// to the open-world path (self-healing)
		if cerr := r.dir.ClearInstanceFlag(ctx, st.CharacterID); cerr != nil {
			logger.WarnWithTrace(ctx, "failed to clear stale instance flag",
				zap.Int64("character_id", st.CharacterID),
				zap.Error(cerr),
			)
		}
		r.enqueueOpenWorld(conn, accountID, st.CharacterID, st.SceneName)
		return
	}
	if err != nil {
		logger.WarnWithTrace(ctx, "instance lookup failed",
			zap.String("instance_id", st.InstanceID),
			zap.Error(err),
		)
		metrics.StoreErrors.WithLabelValues("get_instance").Inc()
		r.kick(conn, accountID, st.CharacterID, transport.KickRoutingUnavailable)
		return
	}

	if rec.Status == registry.StatusReady {
		owner, err := r.liveServer(ctx, rec.SceneServerID)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("get_server").Inc()
			r.kick(conn, accountID, st.CharacterID, transport.KickRoutingUnavailable)
			return
		}
		if owner != nil {
			r.redirect(conn, accountID, st.CharacterID, st.SceneName, rec.ID, owner, "instance_fast")
			return
		}
		// Ready but its server is silent; wait for the next pulse or a
		// takeover instead of failing the client
	}

	r.enqueueInstance(conn, accountID, st.CharacterID, st.SceneName, st.InstanceID)
}

// OnConnectionClosed purges the connection from whichever queue it occupies.
// No further side effects: a waiter that disconnects simply vanishes from
// demand.
func (r *Router) OnConnectionClosed(conn transport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.openWorld.remove(conn.ID())
	r.instanceQ.remove(conn.ID())
	delete(r.instMeta, conn.ID())
	r.updateGauges()
}

// Tick drains both queues against the current registry snapshot. Runs on a
// fixed interval; store errors leave the affected queue untouched for the
// next pass.
func (r *Router) Tick(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "router.tick")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	r.drainOpenWorld(ctx)
	r.checkInstanceWaiters(ctx)
}

// drainOpenWorld matches open-world waiters against Ready instances with
// spare capacity, scene by scene. Every waiter set is snapshotted before
// the first store call so connections enqueued mid-tick are handled on the
// next tick, never skipped, never drained twice.
func (r *Router) drainOpenWorld(ctx context.Context) {
	r.mu.Lock()
	scenes := r.openWorld.keys()
	waiting := make(map[string][]transport.Conn, len(scenes))
	for _, scene := range scenes {
		waiting[scene] = r.openWorld.snapshot(scene)
	}
	r.mu.Unlock()

	for _, scene := range scenes {
		r.drainScene(ctx, scene, waiting[scene])
	}
}

func (r *Router) drainScene(ctx context.Context, scene string, waiting []transport.Conn) {
	insts, err := r.store.InstancesByScene(ctx, scene)
	if err != nil {
		logger.WarnWithTrace(ctx, "instance query failed",
			zap.String("scene", scene),
			zap.Error(err),
		)
		metrics.StoreErrors.WithLabelValues("instances_by_scene").Inc()
		return
	}

	pendingExists := false
	for _, rec := range insts {
		if rec.Open() {
			pendingExists = true
		}
	}

	next := 0
	for _, rec := range insts {
		if next >= len(waiting) {
			break
		}
		if rec.Status != registry.StatusReady {
			continue
		}

		owner, err := r.liveServer(ctx, rec.SceneServerID)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("get_server").Inc()
			continue
		}
		if owner == nil {
			continue
		}

		free := r.cat.MaxClients(scene) - rec.CharacterCount
		for free > 0 && next < len(waiting) {
			conn := waiting[next]
			next++

			r.mu.Lock()
			ok := r.openWorld.removeIfQueued(scene, conn.ID())
			if ok {
				r.updateGauges()
			}
			r.mu.Unlock()
			if !ok {
				continue // disconnected since the snapshot
			}

			r.redirect(conn, 0, 0, scene, rec.ID, owner, "open_world")
			free--
		}
	}

	r.mu.Lock()
	remaining := r.openWorld.waiters(scene)
	r.mu.Unlock()

	if remaining > 0 && !pendingExists {
		_, created, err := r.store.CreatePendingIfAbsent(ctx, scene, r.cfg.WorldServerID)
		if err != nil {
			logger.WarnWithTrace(ctx, "failed to request scene load",
				zap.String("scene", scene),
				zap.Error(err),
			)
			metrics.StoreErrors.WithLabelValues("create_pending").Inc()
			return
		}
		if created {
			metrics.PendingRequestsCreated.Inc()
			logger.InfoWithTrace(ctx, "scene load requested",
				zap.String("scene", scene),
				zap.Int("waiters", remaining),
			)
		}
	}
}

// checkInstanceWaiters re-fetches each waited-on instance record by id.
// Waiter sets are snapshotted up front, same as the open-world drain, so a
// connection enqueued mid-pass waits for the next tick.
func (r *Router) checkInstanceWaiters(ctx context.Context) {
	r.mu.Lock()
	ids := r.instanceQ.keys()
	waiting := make(map[string][]transport.Conn, len(ids))
	for _, id := range ids {
		waiting[id] = r.instanceQ.snapshot(id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		rec, err := r.store.GetInstance(ctx, id)
		if errors.Is(err, registry.ErrNotFound) {
			r.requeueInstanceWaiters(ctx, id)
			continue
		}
		if err != nil {
			logger.WarnWithTrace(ctx, "instance re-fetch failed",
				zap.String("instance_id", id),
				zap.Error(err),
			)
			metrics.StoreErrors.WithLabelValues("get_instance").Inc()
			continue
		}

		if rec.Status != registry.StatusReady {
			continue // still Pending/Loading; leave queued
		}

		owner, err := r.liveServer(ctx, rec.SceneServerID)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("get_server").Inc()
			continue
		}
		if owner == nil {
			continue
		}

		for _, conn := range waiting[id] {
			r.mu.Lock()
			ok := r.instanceQ.removeIfQueued(id, conn.ID())
			meta := r.instMeta[conn.ID()]
			if ok {
				delete(r.instMeta, conn.ID())
				r.updateGauges()
			}
			r.mu.Unlock()
			if !ok {
				continue
			}

			r.redirect(conn, meta.accountID, meta.characterID, meta.sceneName, id, owner, "instance")
		}
	}
}

// requeueInstanceWaiters handles an instance record that vanished while
// connections waited on it: the characters are no longer in an instance, so
// clear their flags and move them to the open-world queue for their bound
// scene.
func (r *Router) requeueInstanceWaiters(ctx context.Context, instanceID string) {
	r.mu.Lock()
	waiting := r.instanceQ.snapshot(instanceID)
	metas := make(map[int64]instanceWait, len(waiting))
	for _, conn := range waiting {
		if r.instanceQ.removeIfQueued(instanceID, conn.ID()) {
			metas[conn.ID()] = r.instMeta[conn.ID()]
			delete(r.instMeta, conn.ID())
		}
	}
	r.updateGauges()
	r.mu.Unlock()

	for _, conn := range waiting {
		meta, ok := metas[conn.ID()]
		if !ok {
			continue
		}
		if err := r.dir.ClearInstanceFlag(ctx, meta.characterID); err != nil {
			logger.WarnWithTrace(ctx, "failed to clear stale instance flag",
				zap.Int64("character_id", meta.characterID),
				zap.Error(err),
			)
		}
		r.enqueueOpenWorld(conn, meta.accountID, meta.characterID, meta.sceneName)
	}
}

// liveServer returns the server record if it exists and its pulse is within
// the liveness window, nil if it is absent or stale
func (r *Router) liveServer(ctx context.Context, serverID string) (*registry.ServerRecord, error) {
	if serverID == "" {
		return nil, nil
	}
	rec, err := r.store.GetServer(ctx, serverID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !rec.Alive(r.cfg.LivenessWindow, time.Now()) || rec.Locked {
		return nil, nil
	}
	return rec, nil
}

func (r *Router) enqueueOpenWorld(conn transport.Conn, accountID, characterID int64, scene string) {
	r.mu.Lock()
	r.instanceQ.remove(conn.ID())
	delete(r.instMeta, conn.ID())
	r.openWorld.add(scene, conn)
	r.updateGauges()
	r.mu.Unlock()

	audit.Log(&audit.Entry{
		ConnID:      conn.ID(),
		AccountID:   accountID,
		CharacterID: characterID,
		SceneName:   scene,
		Decision:    audit.DecisionQueued,
		Reason:      "open_world",
	})
}

func (r *Router) enqueueInstance(conn transport.Conn, accountID, characterID int64, scene, instanceID string) {
	r.mu.Lock()
	r.openWorld.remove(conn.ID())
	r.instanceQ.add(instanceID, conn)
	r.instMeta[conn.ID()] = instanceWait{
		accountID:   accountID,
		characterID: characterID,
		sceneName:   scene,
	}
	r.updateGauges()
	r.mu.Unlock()

	audit.Log(&audit.Entry{
		ConnID:      conn.ID(),
		AccountID:   accountID,
		CharacterID: characterID,
		SceneName:   scene,
		InstanceID:  instanceID,
		Decision:    audit.DecisionQueued,
		Reason:      "instance",
	})
}

func (r *Router) redirect(conn transport.Conn, accountID, characterID int64, scene, instanceID string, owner *registry.ServerRecord, path string) {
	if err := conn.Redirect(owner.Address, owner.Port); err != nil {
		// The connection died between dequeue and write; it is already out
		// of the queues, and the occupant never arrives at the scene
		logger.L.Debug("redirect write failed",
			zap.Int64("conn_id", conn.ID()),
			zap.Error(err),
		)
		return
	}

	metrics.Redirects.WithLabelValues(path).Inc()
	audit.Log(&audit.Entry{
		ConnID:      conn.ID(),
		AccountID:   accountID,
		CharacterID: characterID,
		SceneName:   scene,
		InstanceID:  instanceID,
		Decision:    audit.DecisionRedirect,
		Reason:      path,
	})
}

func (r *Router) kick(conn transport.Conn, accountID, characterID int64, reason transport.KickReason) {
	logger.L.Warn("kicking connection",
		zap.Int64("conn_id", conn.ID()),
		zap.Int64("account_id", accountID),
		zap.String("reason", string(reason)),
	)
	metrics.Kicks.WithLabelValues(string(reason)).Inc()
	audit.Log(&audit.Entry{
		ConnID:      conn.ID(),
		AccountID:   accountID,
		CharacterID: characterID,
		Decision:    audit.DecisionKick,
		Reason:      string(reason),
	})
	_ = conn.Kick(reason)
}

// updateGauges refreshes the waiter gauges; callers hold r.mu
func (r *Router) updateGauges() {
	metrics.OpenWorldWaiters.Set(float64(r.openWorld.size()))
	metrics.InstanceWaiters.Set(float64(r.instanceQ.size()))
}
