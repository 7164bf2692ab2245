package router

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/emberforge/scene-director/internal/catalog"
	"github.com/emberforge/scene-director/internal/directory"
	"github.com/emberforge/scene-director/internal/logger"
	"github.com/emberforge/scene-director/internal/registry"
	"github.com/emberforge/scene-director/internal/transport"
)

func TestMain(m *testing.M) {
	if err := logger.Init("error"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type redirectMsg struct {
	address string
	port    uint16
}

type fakeConn struct {
	id int64

	mu        sync.Mutex
	redirects []redirectMsg
	kicks     []transport.KickReason
}

func newFakeConn(id int64) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() int64          { return c.id }
func (c *fakeConn) RemoteAddr() string { return "test" }

func (c *fakeConn) Redirect(address string, port uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redirects = append(c.redirects, redirectMsg{address, port})
	return nil
}

func (c *fakeConn) Kick(reason transport.KickReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicks = append(c.kicks, reason)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) redirectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.redirects)
}

func (c *fakeConn) kickedWith(reason transport.KickReason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.kicks {
		if k == reason {
			return true
		}
	}
	return false
}

type fakeDirectory struct {
	mu      sync.Mutex
	states  map[int64]*directory.RoutingState
	cleared []int64
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{states: make(map[int64]*directory.RoutingState)}
}

func (d *fakeDirectory) set(accountID int64, st directory.RoutingState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[accountID] = &st
}

func (d *fakeDirectory) RoutingStateForAccount(_ context.Context, accountID int64) (*directory.RoutingState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[accountID]
	if !ok {
		return nil, directory.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (d *fakeDirectory) ClearInstanceFlag(_ context.Context, characterID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared = append(d.cleared, characterID)
	for _, st := range d.states {
		if st.CharacterID == characterID {
			st.InInstance = false
			st.InstanceID = ""
		}
	}
	return nil
}

func (d *fakeDirectory) clearedFlagFor(characterID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.cleared {
		if id == characterID {
			return true
		}
	}
	return false
}

func testCatalog() *catalog.Catalog {
	return catalog.New([]catalog.SceneTemplate{
		{Name: "forest", MaxClients: 2, Category: catalog.CategoryOpenWorld},
		{Name: "crypt", MaxClients: 4, Category: catalog.CategoryInstanced},
	}, 500)
}

func newTestRouter(store registry.Store, dir directory.Directory) *Router {
	return New(store, dir, testCatalog(), Config{
		WorldServerID:  "world-1",
		LivenessWindow: time.Minute,
	})
}

// registerLiveSceneServer puts a freshly pulsed Scene server row in the store
func registerLiveSceneServer(t *testing.T, store registry.Store, id string) {
	t.Helper()
	_, err := store.RegisterServer(context.Background(), &registry.ServerRecord{
		ID:      id,
		Name:    id,
		Kind:    registry.ServerKindScene,
		Address: "10.0.0.5",
		Port:    7200,
	})
	if err != nil {
		t.Fatalf("RegisterServer failed: %v", err)
	}
}

// readyInstance walks a load request through claim and ready so the store
// holds a Ready instance owned by the given Scene server
func readyInstance(t *testing.T, store registry.Store, scene, owner string) *registry.SceneInstanceRecord {
	t.Helper()
	ctx := context.Background()

	rec, _, err := store.CreatePendingIfAbsent(ctx, scene, "world-1")
	if err != nil {
		t.Fatalf("CreatePendingIfAbsent failed: %v", err)
	}
	claimed, err := store.ClaimPending(ctx, owner)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimPending failed: rec=%v err=%v", claimed, err)
	}
	if ok, err := store.MarkReady(ctx, rec.ID, owner, 1); err != nil || !ok {
		t.Fatalf("MarkReady failed: ok=%v err=%v", ok, err)
	}
	got, err := store.GetInstance(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	return got
}

func TestKickWhenAccountUnknown(t *testing.T) {
	store := registry.NewMemoryStore()
	dir := newFakeDirectory()
	r := newTestRouter(store, dir)

	conn := newFakeConn(1)
	r.OnConnectionAuthenticated(context.Background(), conn, 99)

	if !conn.kickedWith(transport.KickUnknownAccount) {
		t.Fatal("expected kick for an account with no routing state")
	}
	if r.openWorld.size() != 0 || r.instanceQ.size() != 0 {
		t.Fatal("expected nothing queued after a kick")
	}
}

func TestKickOnCorruptRoutingState(t *testing.T) {
	store := registry.NewMemoryStore()
	dir := newFakeDirectory()
	r := newTestRouter(store, dir)

	// No scene binding at all
	dir.set(1, directory.RoutingState{CharacterID: 10})
	c1 := newFakeConn(1)
	r.OnConnectionAuthenticated(context.Background(), c1, 1)
	if !c1.kickedWith(transport.KickCorruptRoutingState) {
		t.Error("expected kick for empty scene name")
	}

	// In-instance flag without an instance reference
	dir.set(2, directory.RoutingState{CharacterID: 20, SceneName: "forest", InInstance: true})
	c2 := newFakeConn(2)
	r.OnConnectionAuthenticated(context.Background(), c2, 2)
	if !c2.kickedWith(transport.KickCorruptRoutingState) {
		t.Error("expected kick for in-instance state without instance id")
	}
}

func TestOpenWorldDrainRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	dir := newFakeDirectory()
	r := newTestRouter(store, dir)

	registerLiveSceneServer(t, store, "scene-1")
	inst := readyInstance(t, store, "forest", "scene-1")
	// One occupant; forest allows two, so one seat is free
	if _, err := store.AddCharacterCount(ctx, inst.ID, 1); err != nil {
		t.Fatal(err)
	}

	conns := make([]*fakeConn, 3)
	for i := range conns {
		conns[i] = newFakeConn(int64(i + 1))
		dir.set(int64(i+1), directory.RoutingState{CharacterID: int64(100 + i), SceneName: "forest"})
		r.OnConnectionAuthenticated(ctx, conns[i], int64(i+1))
	}
	if r.openWorld.waiters("forest") != 3 {
		t.Fatalf("expected 3 waiters, got %d", r.openWorld.waiters("forest"))
	}

	r.Tick(ctx)

	redirected := 0
	for _, c := range conns {
		redirected += c.redirectCount()
	}
	if redirected != 1 {
		t.Fatalf("expected exactly one redirect into the free seat, got %d", redirected)
	}
	if r.openWorld.waiters("forest") != 2 {
		t.Fatalf("expected 2 waiters left, got %d", r.openWorld.waiters("forest"))
	}

	// Unmet demand with no open request must produce a new load request
	insts, err := store.InstancesByScene(ctx, "forest")
	if err != nil {
		t.Fatal(err)
	}
	pending := 0
	for _, rec := range insts {
		if rec.Status == registry.StatusPending {
			pending++
		}
	}
	if pending != 1 {
		t.Fatalf("expected one new pending request, got %d", pending)
	}

	// A second tick with no new capacity must not create another request
	r.Tick(ctx)
	insts, _ = store.InstancesByScene(ctx, "forest")
	pending = 0
	for _, rec := range insts {
		if rec.Status == registry.StatusPending {
			pending++
		}
	}
	if pending != 1 {
		t.Fatalf("expected pending request deduplicated, got %d", pending)
	}
}

func TestNoRedirectWhenOwnerAbsent(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	dir := newFakeDirectory()
	r := newTestRouter(store, dir)

	// Ready instance whose owner never registered: capacity on a silent
	// server does not count
	readyInstance(t, store, "forest", "scene-ghost")

	dir.set(1, directory.RoutingState{CharacterID: 10, SceneName: "forest"})
	conn := newFakeConn(1)
	r.OnConnectionAuthenticated(ctx, conn, 1)

	r.Tick(ctx)

	if conn.redirectCount() != 0 {
		t.Fatal("expected no redirect toward an absent server")
	}
	if r.openWorld.waiters("forest") != 1 {
		t.Fatal("expected the waiter to stay queued")
	}
}

func TestInstanceFastPath(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	dir := newFakeDirectory()
	r := newTestRouter(store, dir)

	registerLiveSceneServer(t, store, "scene-1")
	inst := readyInstance(t, store, "crypt", "scene-1")

	dir.set(1, directory.RoutingState{
		CharacterID: 10,
		SceneName:   "crypt",
		InstanceID:  inst.ID,
		InInstance:  true,
	})
	conn := newFakeConn(1)
	r.OnConnectionAuthenticated(ctx, conn, 1)

	if conn.redirectCount() != 1 {
		t.Fatal("expected an immediate redirect to the ready instance")
	}
	if r.openWorld.size() != 0 || r.instanceQ.size() != 0 {
		t.Fatal("expected nothing queued after the fast path")
	}
}

func TestInstanceMissingSelfHeals(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	dir := newFakeDirectory()
	r := newTestRouter(store, dir)

	dir.set(1, directory.RoutingState{
		CharacterID: 10,
		SceneName:   "forest",
		InstanceID:  "gone",
		InInstance:  true,
	})
	conn := newFakeConn(1)
	r.OnConnectionAuthenticated(ctx, conn, 1)

	if !dir.clearedFlagFor(10) {
		t.Fatal("expected the dangling instance flag to be cleared")
	}
	if r.openWorld.waiters("forest") != 1 {
		t.Fatal("expected the connection on the open-world path")
	}
	if conn.redirectCount() != 0 {
		t.Fatal("expected no redirect yet")
	}
}

func TestInstanceWaiterDrainedWhenReady(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	dir := newFakeDirectory()
	r := newTestRouter(store, dir)

	registerLiveSceneServer(t, store, "scene-1")

	// An open request that is still loading
	rec, _, err := store.CreatePendingIfAbsent(ctx, "crypt", "world-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimPending(ctx, "scene-1"); err != nil {
		t.Fatal(err)
	}

	dir.set(1, directory.RoutingState{
		CharacterID: 10,
		SceneName:   "crypt",
		InstanceID:  rec.ID,
		InInstance:  true,
	})
	conn := newFakeConn(1)
	r.OnConnectionAuthenticated(ctx, conn, 1)

	if r.instanceQ.waiters(rec.ID) != 1 {
		t.Fatal("expected the connection waiting on the instance")
	}

	// Still loading: nothing happens
	r.Tick(ctx)
	if conn.redirectCount() != 0 {
		t.Fatal("expected no redirect while loading")
	}

	if ok, err := store.MarkReady(ctx, rec.ID, "scene-1", 3); err != nil || !ok {
		t.Fatalf("MarkReady failed: ok=%v err=%v", ok, err)
	}

	r.Tick(ctx)
	if conn.redirectCount() != 1 {
		t.Fatal("expected a redirect once the instance is ready")
	}
	if r.instanceQ.size() != 0 {
		t.Fatal("expected the instance queue drained")
	}
}

func TestInstanceWaitersRequeuedWhenRecordVanishes(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	dir := newFakeDirectory()
	r := newTestRouter(store, dir)

	rec, _, err := store.CreatePendingIfAbsent(ctx, "forest", "world-1")
	if err != nil {
		t.Fatal(err)
	}

	dir.set(1, directory.RoutingState{
		CharacterID: 10,
		SceneName:   "forest",
		InstanceID:  rec.ID,
		InInstance:  true,
	})
	conn := newFakeConn(1)
	r.OnConnectionAuthenticated(ctx, conn, 1)

	if r.instanceQ.waiters(rec.ID) != 1 {
		t.Fatal("expected the connection waiting on the instance")
	}

	if err := store.DeleteInstance(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}

	r.Tick(ctx)

	if !dir.clearedFlagFor(10) {
		t.Fatal("expected the instance flag cleared after the record vanished")
	}
	if r.instanceQ.size() != 0 {
		t.Fatal("expected the instance queue emptied")
	}
	if r.openWorld.waiters("forest") != 1 {
		t.Fatal("expected the connection moved to the open-world queue")
	}
}

func TestDisconnectPurgesQueues(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	dir := newFakeDirectory()
	r := newTestRouter(store, dir)

	dir.set(1, directory.RoutingState{CharacterID: 10, SceneName: "forest"})
	conn := newFakeConn(1)
	r.OnConnectionAuthenticated(ctx, conn, 1)

	if r.openWorld.size() != 1 {
		t.Fatal("expected the connection queued")
	}

	r.OnConnectionClosed(conn)

	if r.openWorld.size() != 0 || r.instanceQ.size() != 0 {
		t.Fatal("expected queues purged on disconnect")
	}

	// Capacity appearing later must not touch the departed connection
	registerLiveSceneServer(t, store, "scene-1")
	readyInstance(t, store, "forest", "scene-1")
	r.Tick(ctx)

	if conn.redirectCount() != 0 {
		t.Fatal("expected no redirect to a closed connection")
	}
}

func TestConnectionNeverInBothQueues(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	dir := newFakeDirectory()
	r := newTestRouter(store, dir)

	rec, _, err := store.CreatePendingIfAbsent(ctx, "crypt", "world-1")
	if err != nil {
		t.Fatal(err)
	}

	conn := newFakeConn(1)

	// First seen on the open-world path
	dir.set(1, directory.RoutingState{CharacterID: 10, SceneName: "forest"})
	r.OnConnectionAuthenticated(ctx, conn, 1)

	// Re-authenticates as an instance waiter
	dir.set(1, directory.RoutingState{
		CharacterID: 10,
		SceneName:   "crypt",
		InstanceID:  rec.ID,
		InInstance:  true,
	})
	r.OnConnectionAuthenticated(ctx, conn, 1)

	if r.openWorld.size() != 0 {
		t.Fatal("expected the open-world entry dropped")
	}
	if r.instanceQ.waiters(rec.ID) != 1 {
		t.Fatal("expected a single instance queue entry")
	}
}

// hookStore lets a test run code in the middle of a drain pass, between the
// waiter snapshot and the redirect loop
type hookStore struct {
	registry.Store
	onInstancesByScene func()
}

func (s *hookStore) InstancesByScene(ctx context.Context, scene string) ([]*registry.SceneInstanceRecord, error) {
	if s.onInstancesByScene != nil {
		s.onInstancesByScene()
	}
	return s.Store.InstancesByScene(ctx, scene)
}

func TestMidTickEnqueueHandledNextTick(t *testing.T) {
	ctx := context.Background()
	mem := registry.NewMemoryStore()
	store := &hookStore{Store: mem}
	dir := newFakeDirectory()
	r := newTestRouter(store, dir)

	registerLiveSceneServer(t, mem, "scene-1")
	readyInstance(t, mem, "forest", "scene-1")

	dir.set(1, directory.RoutingState{CharacterID: 10, SceneName: "forest"})
	c1 := newFakeConn(1)
	r.OnConnectionAuthenticated(ctx, c1, 1)

	// A second connection arrives while the tick is already in flight. The
	// tick works from its start-of-pass snapshot, so the newcomer keeps its
	// place for the next pass even though a seat is still free now.
	dir.set(2, directory.RoutingState{CharacterID: 20, SceneName: "forest"})
	c2 := newFakeConn(2)
	store.onInstancesByScene = func() {
		store.onInstancesByScene = nil
		r.OnConnectionAuthenticated(ctx, c2, 2)
	}

	r.Tick(ctx)
	if c1.redirectCount() != 1 {
		t.Fatal("expected the first waiter redirected")
	}
	if c2.redirectCount() != 0 {
		t.Fatal("expected the mid-tick arrival left for the next tick")
	}
	if r.openWorld.waiters("forest") != 1 {
		t.Fatal("expected the mid-tick arrival still queued")
	}

	r.Tick(ctx)
	if c2.redirectCount() != 1 {
		t.Fatal("expected the late waiter redirected on the next tick")
	}
}
