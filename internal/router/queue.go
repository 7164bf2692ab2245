package router

import (
	"sort"

	"github.com/emberforge/scene-director/internal/transport"
)

// waitQueue is a bidirectional pairing of routing keys to waiting
// connections: key -> set of connections, connection -> key. Both maps are
// always mutated together; removing a key's last connection removes the key
// itself so idle keys never accumulate.
type waitQueue struct {
	byKey  map[string]map[int64]transport.Conn
	byConn map[int64]string
}

func newWaitQueue() *waitQueue {
	return &waitQueue{
		byKey:  make(map[string]map[int64]transport.Conn),
		byConn: make(map[int64]string),
	}
}

// add enqueues a connection under a key. A connection already queued under
// another key is moved, keeping the forward and reverse maps consistent.
func (q *waitQueue) add(key string, conn transport.Conn) {
	if prev, ok := q.byConn[conn.ID()]; ok {
		if prev == key {
			return
		}
		q.remove(conn.ID())
	}

	set, ok := q.byKey[key]
	if !ok {
		set = make(map[int64]transport.Conn)
		q.byKey[key] = set
	}
	set[conn.ID()] = conn
	q.byConn[conn.ID()] = key
}

// remove dequeues a connection wherever it is, via the reverse lookup.
// Returns the key it waited under.
func (q *waitQueue) remove(connID int64) (string, bool) {
	key, ok := q.byConn[connID]
	if !ok {
		return "", false
	}
	delete(q.byConn, connID)

	set := q.byKey[key]
	delete(set, connID)
	if len(set) == 0 {
		delete(q.byKey, key)
	}
	return key, true
}

// removeIfQueued dequeues the connection only if it still waits under the
// given key. Drain passes use this so that a connection that disconnected
// or moved since the snapshot is simply skipped.
func (q *waitQueue) removeIfQueued(key string, connID int64) bool {
	if q.byConn[connID] != key {
		return false
	}
	q.remove(connID)
	return true
}

// contains reports whether a connection is queued
func (q *waitQueue) contains(connID int64) bool {
	_, ok := q.byConn[connID]
	return ok
}

// keys returns a sorted snapshot of the current key set
func (q *waitQueue) keys() []string {
	out := make([]string, 0, len(q.byKey))
	for k := range q.byKey {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// snapshot returns the connections waiting under a key, ordered by
// connection ID for a deterministic drain order
func (q *waitQueue) snapshot(key string) []transport.Conn {
	set := q.byKey[key]
	out := make([]transport.Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// waiters returns how many connections wait under a key
func (q *waitQueue) waiters(key string) int {
	return len(q.byKey[key])
}

// size returns the total number of waiting connections
func (q *waitQueue) size() int {
	return len(q.byConn)
}
