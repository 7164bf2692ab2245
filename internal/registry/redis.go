package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/emberforge/scene-director/internal/config"
)

// RedisStore implements Store on a shared Redis instance.
//
// Layout (all keys under the configured prefix):
//
//	servers                      set of server ids
//	server:<id>                  hash: name, kind, address, port, reported_load, locked, last_pulse
//	instances                    set of instance ids
//	instance:<id>                hash: world_server_id, scene_server_id, scene_name,
//	                             scene_handle, status, character_count, updated_at
//	instances:scene:<name>       set of instance ids for one scene name
//	instances:pending            set of claimable instance ids
//
// Status transitions run as Lua scripts so that "update where status = X" is
// a single atomic step; that compare-and-set is the only concurrency
// primitive between processes.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed registry store
func NewRedisStore(cfg *config.RegistryConfig) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &RedisStore{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
	}
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ping checks Redis connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Client exposes the underlying Redis client so collaborators sharing the
// same store (the character directory) reuse one connection pool
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

// key generates full key with prefix
func (s *RedisStore) key(suffix string) string {
	return s.prefix + suffix
}

func (s *RedisStore) serverKey(id string) string {
	return s.key("server:" + id)
}

func (s *RedisStore) instanceKey(id string) string {
	return s.key("instance:" + id)
}

func (s *RedisStore) sceneSetKey(sceneName string) string {
	return s.key("instances:scene:" + sceneName)
}

// claimPendingScript pops one claimable id from the pending index and flips
// its row Pending -> Loading in the same atomic step. Index members whose row
// is no longer Pending are dropped on the way.
var claimPendingScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
  local key = ARGV[1] .. 'instance:' .. id
  local status = redis.call('HGET', key, 'status')
  if status == 'pending' then
    redis.call('HSET', key, 'status', 'loading', 'scene_server_id', ARGV[2], 'updated_at', ARGV[3])
    redis.call('SREM', KEYS[1], id)
    return id
  end
  redis.call('SREM', KEYS[1], id)
end
return false
`)

// createPendingScript inserts a Pending request unless the scene already has
// an open (pending/loading) one. Returns {1, id} when created, {0, id} when
// an open request already existed.
var createPendingScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
  local status = redis.call('HGET', ARGV[1] .. 'instance:' .. id, 'status')
  if status == 'pending' or status == 'loading' then
    return {0, id}
  end
end
local key = ARGV[1] .. 'instance:' .. ARGV[2]
redis.call('HSET', key,
  'world_server_id', ARGV[4],
  'scene_server_id', '',
  'scene_name', ARGV[3],
  'scene_handle', 0,
  'status', 'pending',
  'character_count', 0,
  'updated_at', ARGV[5])
redis.call('SADD', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
return {1, ARGV[2]}
`)

var markReadyScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
local owner = redis.call('HGET', KEYS[1], 'scene_server_id')
if status == 'loading' and owner == ARGV[1] then
  redis.call('HSET', KEYS[1], 'status', 'ready', 'scene_handle', ARGV[2], 'updated_at', ARGV[3])
  return 1
end
return 0
`)

var revertToPendingScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'loading' then
  redis.call('HSET', KEYS[1], 'status', 'pending', 'scene_server_id', '', 'scene_handle', 0, 'updated_at', ARGV[2])
  redis.call('SADD', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

var revertStuckScript = redis.NewScript(`
local reverted = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  local key = ARGV[1] .. 'instance:' .. id
  if redis.call('HGET', key, 'status') == 'loading' then
    local at = tonumber(redis.call('HGET', key, 'updated_at') or '0')
    if at < tonumber(ARGV[2]) then
      redis.call('HSET', key, 'status', 'pending', 'scene_server_id', '', 'scene_handle', 0, 'updated_at', ARGV[3])
      redis.call('SADD', KEYS[2], id)
      reverted = reverted + 1
    end
  end
end
return reverted
`)

var addCharacterCountScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local n = redis.call('HINCRBY', KEYS[1], 'character_count', ARGV[1])
if n < 0 then
  redis.call('HSET', KEYS[1], 'character_count', 0)
  n = 0
end
return n
`)

// RegisterServer upserts this process's server row
func (s *RedisStore) RegisterServer(ctx context.Context, rec *ServerRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.LastPulse = time.Now()

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.serverKey(rec.ID),
		"name", rec.Name,
		"kind", string(rec.Kind),
		"address", rec.Address,
		"port", int(rec.Port),
		"reported_load", rec.ReportedLoad,
		"locked", boolField(rec.Locked),
		"last_pulse", rec.LastPulse.UnixMilli(),
	)
	pipe.SAdd(ctx, s.key("servers"), rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to register server %s: %w", rec.Name, err)
	}
	return rec.ID, nil
}

// Pulse refreshes reported load and the last-pulse timestamp
func (s *RedisStore) Pulse(ctx context.Context, serverID string, load int) error {
	err := s.rdb.HSet(ctx, s.serverKey(serverID),
		"reported_load", load,
		"last_pulse", time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to pulse server %s: %w", serverID, err)
	}
	return nil
}

// GetServer fetches one server record
func (s *RedisStore) GetServer(ctx context.Context, serverID string) (*ServerRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.serverKey(serverID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get server %s: %w", serverID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseServerRecord(serverID, fields), nil
}

// SceneServers lists all known Scene server records
func (s *RedisStore) SceneServers(ctx context.Context) ([]*ServerRecord, error) {
	ids, err := s.rdb.SMembers(ctx, s.key("servers")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	var out []*ServerRecord
	for _, id := range ids {
		fields, err := s.rdb.HGetAll(ctx, s.serverKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read server %s: %w", id, err)
		}
		if len(fields) == 0 {
			continue // id still indexed but row expired/deleted
		}
		rec := parseServerRecord(id, fields)
		if rec.Kind == ServerKindScene {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeregisterServer removes the server row
func (s *RedisStore) DeregisterServer(ctx context.Context, serverID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.serverKey(serverID))
	pipe.SRem(ctx, s.key("servers"), serverID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deregister server %s: %w", serverID, err)
	}
	return nil
}

// CreatePendingIfAbsent inserts a Pending load request unless the scene
// already has an open one
func (s *RedisStore) CreatePendingIfAbsent(ctx context.Context, sceneName, worldServerID string) (*SceneInstanceRecord, bool, error) {
	newID := uuid.NewString()
	res, err := createPendingScript.Run(ctx, s.rdb,
		[]string{s.sceneSetKey(sceneName), s.key("instances:pending"), s.key("instances")},
		s.prefix, newID, sceneName, worldServerID, time.Now().UnixMilli(),
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create pending request for %s: %w", sceneName, err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected create-pending reply for %s: %v", sceneName, res)
	}

	created := res[0].(int64) == 1
	id, _ := res[1].(string)
	rec, err := s.GetInstance(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return rec, created, nil
}

// GetInstance fetches one scene instance record
func (s *RedisStore) GetInstance(ctx context.Context, instanceID string) (*SceneInstanceRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.instanceKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get instance %s: %w", instanceID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseInstanceRecord(instanceID, fields), nil
}

// InstancesByScene lists all instance records for a scene name
func (s *RedisStore) InstancesByScene(ctx context.Context, sceneName string) ([]*SceneInstanceRecord, error) {
	ids, err := s.rdb.SMembers(ctx, s.sceneSetKey(sceneName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances for %s: %w", sceneName, err)
	}

	var out []*SceneInstanceRecord
	for _, id := range ids {
		fields, err := s.rdb.HGetAll(ctx, s.instanceKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read instance %s: %w", id, err)
		}
		if len(fields) == 0 {
			s.rdb.SRem(ctx, s.sceneSetKey(sceneName), id) // drop dangling index member
			continue
		}
		out = append(out, parseInstanceRecord(id, fields))
	}
	// SMEMBERS order is unspecified; the drain depends on a stable order
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClaimPending atomically claims one Pending request for this Scene server
func (s *RedisStore) ClaimPending(ctx context.Context, sceneServerID string) (*SceneInstanceRecord, error) {
	res, err := claimPendingScript.Run(ctx, s.rdb,
		[]string{s.key("instances:pending")},
		s.prefix, sceneServerID, time.Now().UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil // nothing claimable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending instance: %w", err)
	}

	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}
	return s.GetInstance(ctx, id)
}

// MarkReady transitions Loading -> Ready for the owning Scene server
func (s *RedisStore) MarkReady(ctx context.Context, instanceID, sceneServerID string, handle int) (bool, error) {
	res, err := markReadyScript.Run(ctx, s.rdb,
		[]string{s.instanceKey(instanceID)},
		sceneServerID, handle, time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to mark instance %s ready: %w", instanceID, err)
	}
	return res == 1, nil
}

// RevertToPending transitions Loading -> Pending after a failed load
func (s *RedisStore) RevertToPending(ctx context.Context, instanceID string) (bool, error) {
	res, err := revertToPendingScript.Run(ctx, s.rdb,
		[]string{s.instanceKey(instanceID), s.key("instances:pending")},
		instanceID, time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to revert instance %s: %w", instanceID, err)
	}
	return res == 1, nil
}

// RevertStuckLoading reverts Loading records older than the given age
func (s *RedisStore) RevertStuckLoading(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := revertStuckScript.Run(ctx, s.rdb,
		[]string{s.key("instances"), s.key("instances:pending")},
		s.prefix, cutoff, time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to revert stuck instances: %w", err)
	}
	return int(res), nil
}

// AddCharacterCount adjusts an instance's occupant count
func (s *RedisStore) AddCharacterCount(ctx context.Context, instanceID string, delta int) (int, error) {
	res, err := addCharacterCountScript.Run(ctx, s.rdb,
		[]string{s.instanceKey(instanceID)},
		delta,
	).Int64()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust character count for %s: %w", instanceID, err)
	}
	return int(res), nil
}

// DeleteInstance removes one instance record and its index entries
func (s *RedisStore) DeleteInstance(ctx context.Context, instanceID string) error {
	rec, err := s.GetInstance(ctx, instanceID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.instanceKey(instanceID))
	pipe.SRem(ctx, s.key("instances"), instanceID)
	pipe.SRem(ctx, s.key("instances:pending"), instanceID)
	pipe.SRem(ctx, s.sceneSetKey(rec.SceneName), instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", instanceID, err)
	}
	return nil
}

// DeleteInstancesOwnedBy removes every instance record owned by a Scene server
func (s *RedisStore) DeleteInstancesOwnedBy(ctx context.Context, sceneServerID string) (int, error) {
	ids, err := s.rdb.SMembers(ctx, s.key("instances")).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list instances: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		rec, err := s.GetInstance(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return deleted, err
		}
		if rec.SceneServerID != sceneServerID {
			continue
		}
		if err := s.DeleteInstance(ctx, id); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func parseServerRecord(id string, fields map[string]string) *ServerRecord {
	port, _ := strconv.Atoi(fields["port"])
	load, _ := strconv.Atoi(fields["reported_load"])
	pulseMs, _ := strconv.ParseInt(fields["last_pulse"], 10, 64)
	return &ServerRecord{
		ID:           id,
		Name:         fields["name"],
		Kind:         ServerKind(fields["kind"]),
		Address:      fields["address"],
		Port:         uint16(port),
		ReportedLoad: load,
		Locked:       fields["locked"] == "1",
		LastPulse:    time.UnixMilli(pulseMs),
	}
}

func parseInstanceRecord(id string, fields map[string]string) *SceneInstanceRecord {
	handle, _ := strconv.Atoi(fields["scene_handle"])
	count, _ := strconv.Atoi(fields["character_count"])
	updatedMs, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	return &SceneInstanceRecord{
		ID:             id,
		WorldServerID:  fields["world_server_id"],
		SceneServerID:  fields["scene_server_id"],
		SceneName:      fields["scene_name"],
		SceneHandle:    handle,
		Status:         InstanceStatus(fields["status"]),
		CharacterCount: count,
		UpdatedAt:      time.UnixMilli(updatedMs),
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
