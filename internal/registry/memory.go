package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store with in-process maps. It mirrors the Redis
// store's conditional-update semantics under one mutex, which makes it the
// reference implementation for the claim/revert races the tests exercise,
// and a convenient backend for single-process development.
type MemoryStore struct {
	mu        sync.Mutex
	servers   map[string]*ServerRecord
	instances map[string]*SceneInstanceRecord
}

// NewMemoryStore creates an empty in-memory registry store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers:   make(map[string]*ServerRecord),
		instances: make(map[string]*SceneInstanceRecord),
	}
}

// RegisterServer upserts a server record
func (s *MemoryStore) RegisterServer(_ context.Context, rec *ServerRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	cp := *rec
	cp.LastPulse = time.Now()
	s.servers[cp.ID] = &cp
	return cp.ID, nil
}

// Pulse refreshes reported load and the last-pulse timestamp
func (s *MemoryStore) Pulse(_ context.Context, serverID string, load int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.servers[serverID]
	if !ok {
		return ErrNotFound
	}
	rec.ReportedLoad = load
	rec.LastPulse = time.Now()
	return nil
}

// GetServer fetches one server record
func (s *MemoryStore) GetServer(_ context.Context, serverID string) (*ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.servers[serverID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// SceneServers lists all known Scene server records
func (s *MemoryStore) SceneServers(_ context.Context) ([]*ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ServerRecord
	for _, rec := range s.servers {
		if rec.Kind == ServerKindScene {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeregisterServer removes the server record
func (s *MemoryStore) DeregisterServer(_ context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, serverID)
	return nil
}

// CreatePendingIfAbsent inserts a Pending load request unless the scene
// already has an open one
func (s *MemoryStore) CreatePendingIfAbsent(_ context.Context, sceneName, worldServerID string) (*SceneInstanceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.instances {
		if rec.SceneName == sceneName && rec.Open() {
			cp := *rec
			return &cp, false, nil
		}
	}

	rec := &SceneInstanceRecord{
		ID:            uuid.NewString(),
		WorldServerID: worldServerID,
		SceneName:     sceneName,
		Status:        StatusPending,
		UpdatedAt:     time.Now(),
	}
	s.instances[rec.ID] = rec
	cp := *rec
	return &cp, true, nil
}

// GetInstance fetches one scene instance record
func (s *MemoryStore) GetInstance(_ context.Context, instanceID string) (*SceneInstanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// InstancesByScene lists all instance records for a scene name
func (s *MemoryStore) InstancesByScene(_ context.Context, sceneName string) ([]*SceneInstanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*SceneInstanceRecord
	for _, rec := range s.instances {
		if rec.SceneName == sceneName {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClaimPending atomically claims one Pending request for this Scene server
func (s *MemoryStore) ClaimPending(_ context.Context, sceneServerID string) (*SceneInstanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := s.instances[id]
		if rec.Status != StatusPending {
			continue
		}
		rec.Status = StatusLoading
		rec.SceneServerID = sceneServerID
		rec.UpdatedAt = time.Now()
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

// MarkReady transitions Loading -> Ready for the owning Scene server
func (s *MemoryStore) MarkReady(_ context.Context, instanceID, sceneServerID string, handle int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[instanceID]
	if !ok || rec.Status != StatusLoading || rec.SceneServerID != sceneServerID {
		return false, nil
	}
	rec.Status = StatusReady
	rec.SceneHandle = handle
	rec.UpdatedAt = time.Now()
	return true, nil
}

// RevertToPending transitions Loading -> Pending after a failed load
func (s *MemoryStore) RevertToPending(_ context.Context, instanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[instanceID]
	if !ok || rec.Status != StatusLoading {
		return false, nil
	}
	rec.Status = StatusPending
	rec.SceneServerID = ""
	rec.SceneHandle = 0
	rec.UpdatedAt = time.Now()
	return true, nil
}

// RevertStuckLoading reverts Loading records older than the given age
func (s *MemoryStore) RevertStuckLoading(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	reverted := 0
	for _, rec := range s.instances {
		if rec.Status == StatusLoading && rec.UpdatedAt.Before(cutoff) {
			rec.Status = StatusPending
			rec.SceneServerID = ""
			rec.SceneHandle = 0
			rec.UpdatedAt = time.Now()
			reverted++
		}
	}
	return reverted, nil
}

// AddCharacterCount adjusts an instance's occupant count
func (s *MemoryStore) AddCharacterCount(_ context.Context, instanceID string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[instanceID]
	if !ok {
		return 0, ErrNotFound
	}
	rec.CharacterCount += delta
	if rec.CharacterCount < 0 {
		rec.CharacterCount = 0
	}
	rec.UpdatedAt = time.Now()
	return rec.CharacterCount, nil
}

// DeleteInstance removes one instance record
func (s *MemoryStore) DeleteInstance(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, instanceID)
	return nil
}

// DeleteInstancesOwnedBy removes every instance record owned by a Scene server
func (s *MemoryStore) DeleteInstancesOwnedBy(_ context.Context, sceneServerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, rec := range s.instances {
		if rec.SceneServerID == sceneServerID {
			delete(s.instances, id)
			deleted++
		}
	}
	return deleted, nil
}
