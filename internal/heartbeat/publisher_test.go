package heartbeat

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/emberforge/scene-director/internal/logger"
	"github.com/emberforge/scene-director/internal/registry"
)

func TestMain(m *testing.M) {
	if err := logger.Init("error"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestRegisterAndPulse(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()

	load := 0
	p := New(store, registry.ServerKindScene, "scene-1", "10.0.0.5", 7200,
		time.Second, func() int { return load })

	id, err := p.Register(ctx)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if id == "" || p.ServerID() != id {
		t.Fatalf("expected a registered id, got %q / %q", id, p.ServerID())
	}

	rec, err := store.GetServer(ctx, id)
	if err != nil {
		t.Fatalf("GetServer failed: %v", err)
	}
	if rec.Kind != registry.ServerKindScene || rec.Address != "10.0.0.5" || rec.Port != 7200 {
		t.Errorf("unexpected record: %+v", rec)
	}

	load = 7
	p.Pulse(ctx)

	rec, _ = store.GetServer(ctx, id)
	if rec.ReportedLoad != 7 {
		t.Errorf("expected pulsed load 7, got %d", rec.ReportedLoad)
	}

	if err := p.Deregister(ctx); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if _, err := store.GetServer(ctx, id); err != registry.ErrNotFound {
		t.Errorf("expected record gone, got %v", err)
	}
}

func TestPulseErrorSwallowed(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()

	p := New(store, registry.ServerKindWorld, "world-1", "10.0.0.1", 7100,
		time.Second, nil)

	// Never registered: pulsing an unknown id fails inside the store, but
	// Pulse must not panic or surface it
	p.Pulse(ctx)
}

func TestDeregisterBeforeRegister(t *testing.T) {
	store := registry.NewMemoryStore()
	p := New(store, registry.ServerKindWorld, "world-1", "10.0.0.1", 7100,
		time.Second, nil)

	if err := p.Deregister(context.Background()); err != nil {
		t.Fatalf("expected no-op deregister, got %v", err)
	}
}
