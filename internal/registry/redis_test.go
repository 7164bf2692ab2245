package registry

import (
	"context"
	"testing"
	"time"

	"github.com/emberforge/scene-director/internal/config"
)

// newTestRedisStore connects to a local Redis and skips the test when one is
// not running. Each test gets its own key prefix so runs do not collide.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	store := NewRedisStore(&config.RegistryConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "scene-director-test:" + t.Name() + ":",
		PoolSize:     4,
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		store.Close()
		t.Skipf("redis not available: %v", err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		keys, err := store.rdb.Keys(ctx, store.prefix+"*").Result()
		if err == nil && len(keys) > 0 {
			store.rdb.Del(ctx, keys...)
		}
		store.Close()
	})
	return store
}

func TestRedisInstanceLifecycle(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	rec, created, err := store.CreatePendingIfAbsent(ctx, "forest", "world-1")
	if err != nil {
		t.Fatalf("CreatePendingIfAbsent failed: %v", err)
	}
	if !created {
		t.Fatal("expected a created record")
	}

	// Dedupe while the request is open
	rec2, created, err := store.CreatePendingIfAbsent(ctx, "forest", "world-2")
	if err != nil {
		t.Fatalf("CreatePendingIfAbsent failed: %v", err)
	}
	if created || rec2.ID != rec.ID {
		t.Fatalf("expected dedupe onto %s, got %s created=%v", rec.ID, rec2.ID, created)
	}

	claimed, err := store.ClaimPending(ctx, "scene-1")
	if err != nil {
		t.Fatalf("ClaimPending failed: %v", err)
	}
	if claimed == nil || claimed.ID != rec.ID {
		t.Fatal("expected to claim the pending record")
	}
	if claimed.Status != StatusLoading {
		t.Errorf("expected loading, got %s", claimed.Status)
	}

	// The pending index is empty now
	second, err := store.ClaimPending(ctx, "scene-2")
	if err != nil {
		t.Fatalf("ClaimPending failed: %v", err)
	}
	if second != nil {
		t.Fatalf("expected nothing left to claim, got %s", second.ID)
	}

	if ok, _ := store.MarkReady(ctx, rec.ID, "scene-2", 1); ok {
		t.Fatal("expected MarkReady to reject a non-owner")
	}
	if ok, err := store.MarkReady(ctx, rec.ID, "scene-1", 9); err != nil || !ok {
		t.Fatalf("MarkReady failed: ok=%v err=%v", ok, err)
	}

	got, err := store.GetInstance(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.Status != StatusReady || got.SceneHandle != 9 {
		t.Errorf("unexpected record after ready: %+v", got)
	}

	insts, err := store.InstancesByScene(ctx, "forest")
	if err != nil {
		t.Fatalf("InstancesByScene failed: %v", err)
	}
	if len(insts) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(insts))
	}

	n, err := store.AddCharacterCount(ctx, rec.ID, 2)
	if err != nil || n != 2 {
		t.Fatalf("AddCharacterCount failed: n=%d err=%v", n, err)
	}
	n, _ = store.AddCharacterCount(ctx, rec.ID, -5)
	if n != 0 {
		t.Errorf("expected clamp at zero, got %d", n)
	}

	if err := store.DeleteInstance(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteInstance failed: %v", err)
	}
	if _, err := store.GetInstance(ctx, rec.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRedisInstancesBySceneOrdered(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	// Several Ready instances for one scene; walk each request through its
	// lifecycle so the next create is not deduplicated onto it
	for i := 0; i < 5; i++ {
		rec, created, err := store.CreatePendingIfAbsent(ctx, "forest", "world-1")
		if err != nil || !created {
			t.Fatalf("CreatePendingIfAbsent failed: created=%v err=%v", created, err)
		}
		if _, err := store.ClaimPending(ctx, "scene-1"); err != nil {
			t.Fatalf("ClaimPending failed: %v", err)
		}
		if ok, err := store.MarkReady(ctx, rec.ID, "scene-1", i+1); err != nil || !ok {
			t.Fatalf("MarkReady failed: ok=%v err=%v", ok, err)
		}
	}

	// Fill order must be stable: ascending id, every call
	for pass := 0; pass < 3; pass++ {
		insts, err := store.InstancesByScene(ctx, "forest")
		if err != nil {
			t.Fatalf("InstancesByScene failed: %v", err)
		}
		if len(insts) != 5 {
			t.Fatalf("expected 5 instances, got %d", len(insts))
		}
		for i := 1; i < len(insts); i++ {
			if insts[i-1].ID >= insts[i].ID {
				t.Fatalf("pass %d: expected ascending ids, got %s before %s",
					pass, insts[i-1].ID, insts[i].ID)
			}
		}
	}
}

func TestRedisRevertStuckLoading(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	rec, _, err := store.CreatePendingIfAbsent(ctx, "forest", "world-1")
	if err != nil {
		t.Fatalf("CreatePendingIfAbsent failed: %v", err)
	}
	if _, err := store.ClaimPending(ctx, "scene-1"); err != nil {
		t.Fatalf("ClaimPending failed: %v", err)
	}

	if n, err := store.RevertStuckLoading(ctx, time.Minute); err != nil || n != 0 {
		t.Fatalf("expected no fresh claims reverted: n=%d err=%v", n, err)
	}

	// Backdate the claim
	backdated := time.Now().Add(-2 * time.Minute).UnixMilli()
	if err := store.rdb.HSet(ctx, store.instanceKey(rec.ID), "updated_at", backdated).Err(); err != nil {
		t.Fatalf("failed to backdate record: %v", err)
	}

	n, err := store.RevertStuckLoading(ctx, time.Minute)
	if err != nil {
		t.Fatalf("RevertStuckLoading failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one revert, got %d", n)
	}

	claimed, err := store.ClaimPending(ctx, "scene-2")
	if err != nil {
		t.Fatalf("ClaimPending failed: %v", err)
	}
	if claimed == nil || claimed.ID != rec.ID {
		t.Fatal("expected the reverted record to be claimable again")
	}
}

func TestRedisServerLifecycle(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	id, err := store.RegisterServer(ctx, &ServerRecord{
		Name:    "scene-1",
		Kind:    ServerKindScene,
		Address: "10.0.0.5",
		Port:    7200,
	})
	if err != nil {
		t.Fatalf("RegisterServer failed: %v", err)
	}

	if err := store.Pulse(ctx, id, 17); err != nil {
		t.Fatalf("Pulse failed: %v", err)
	}

	rec, err := store.GetServer(ctx, id)
	if err != nil {
		t.Fatalf("GetServer failed: %v", err)
	}
	if rec.ReportedLoad != 17 || rec.Kind != ServerKindScene {
		t.Errorf("unexpected record: %+v", rec)
	}
	if !rec.Alive(time.Minute, time.Now()) {
		t.Error("expected a freshly pulsed record to be alive")
	}

	if err := store.DeregisterServer(ctx, id); err != nil {
		t.Fatalf("DeregisterServer failed: %v", err)
	}
	if _, err := store.GetServer(ctx, id); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after deregister, got %v", err)
	}
}
