package transport

import (
	"sync"
)

// SessionTable tracks authenticated client connections in memory.
// Sharded to reduce lock contention on the connect/disconnect path.
type SessionTable struct {
	shards [16]*sessionShard
}

type sessionShard struct {
	mu    sync.RWMutex
	conns map[int64]Conn
}

// NewSessionTable creates an empty session table
func NewSessionTable() *SessionTable {
	t := &SessionTable{}
	for i := range t.shards {
		t.shards[i] = &sessionShard{
			conns: make(map[int64]Conn),
		}
	}
	return t
}

// getShard returns the shard for a given connection ID
func (t *SessionTable) getShard(connID int64) *sessionShard {
	// Low 4 bits select one of 16 shards
	return t.shards[connID&0xF]
}

// Add adds a connection
func (t *SessionTable) Add(conn Conn) {
	shard := t.getShard(conn.ID())
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.conns[conn.ID()] = conn
}

// Get gets a connection by ID
func (t *SessionTable) Get(connID int64) (Conn, bool) {
	shard := t.getShard(connID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	conn, ok := shard.conns[connID]
	return conn, ok
}

// Remove removes a connection
func (t *SessionTable) Remove(connID int64) {
	shard := t.getShard(connID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.conns, connID)
}

// Count returns the number of tracked connections
func (t *SessionTable) Count() int {
	total := 0
	for _, shard := range t.shards {
		shard.mu.RLock()
		total += len(shard.conns)
		shard.mu.RUnlock()
	}
	return total
}

// CloseAll kicks every tracked connection with the given reason and empties
// the table. Used when the process drains.
func (t *SessionTable) CloseAll(reason KickReason) int {
	total := 0
	for _, shard := range t.shards {
		shard.mu.Lock()
		for id, conn := range shard.conns {
			_ = conn.Kick(reason)
			delete(shard.conns, id)
			total++
		}
		shard.mu.Unlock()
	}
	return total
}
