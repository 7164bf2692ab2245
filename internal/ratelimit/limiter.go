package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Limiter caps the number of concurrent client connections
type Limiter struct {
	maxConns int64
	current  int64
}

// NewLimiter creates a new connection limiter
func NewLimiter(maxConns int64) *Limiter {
	return &Limiter{
		maxConns: maxConns,
	}
}

// Allow checks if a new connection is allowed
func (l *Limiter) Allow() bool {
	current := atomic.LoadInt64(&l.current)
	if current >= l.maxConns {
		return false
	}
	atomic.AddInt64(&l.current, 1)
	return true
}

// Release releases a connection slot
func (l *Limiter) Release() {
	atomic.AddInt64(&l.current, -1)
}

// Current returns the current number of connections
func (l *Limiter) Current() int64 {
	return atomic.LoadInt64(&l.current)
}

// Max returns the maximum allowed connections
func (l *Limiter) Max() int64 {
	return l.maxConns
}

// IPLimiter limits connections per IP address. Queued connections sit on the
// World server for a while, so a single host opening many sockets is demand
// amplification against the wait queues; this caps it before authentication.
type IPLimiter struct {
	maxConnsPerIP int
	rateLimit     int // connections per second per IP

	mu          sync.Mutex
	ipConns     map[string]int64
	ipRecent    map[string][]time.Time
	lastCleanup time.Time
}

// NewIPLimiter creates a new IP-based rate limiter
func NewIPLimiter(maxConnsPerIP, rateLimit int) *IPLimiter {
	return &IPLimiter{
		maxConnsPerIP: maxConnsPerIP,
		rateLimit:     rateLimit,
		ipConns:       make(map[string]int64),
		ipRecent:      make(map[string][]time.Time),
		lastCleanup:   time.Now(),
	}
}

// Allow checks if a connection from IP is allowed
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) > 5*time.Minute {
		l.cleanup()
		l.lastCleanup = time.Now()
	}

	if l.ipConns[ip] >= int64(l.maxConnsPerIP) {
		return false
	}

	// Per-second connection rate
	now := time.Now()
	cutoff := now.Add(-1 * time.Second)
	recent := l.ipRecent[ip]
	valid := 0
	for _, ts := range recent {
		if ts.After(cutoff) {
			recent[valid] = ts
			valid++
		}
	}
	recent = recent[:valid]

	if len(recent) >= l.rateLimit {
		l.ipRecent[ip] = recent
		return false
	}

	l.ipRecent[ip] = append(recent, now)
	l.ipConns[ip]++
	return true
}

// Release releases a connection slot for an IP
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count, ok := l.ipConns[ip]; ok && count > 0 {
		l.ipConns[ip] = count - 1
		if l.ipConns[ip] == 0 {
			delete(l.ipConns, ip)
		}
	}
}

// cleanup removes idle entries
func (l *IPLimiter) cleanup() {
	for ip, count := range l.ipConns {
		if count == 0 {
			delete(l.ipConns, ip)
			delete(l.ipRecent, ip)
		}
	}
	cutoff := time.Now().Add(-1 * time.Second)
	for ip, recent := range l.ipRecent {
		if _, live := l.ipConns[ip]; live {
			continue
		}
		if len(recent) == 0 || !recent[len(recent)-1].After(cutoff) {
			delete(l.ipRecent, ip)
		}
	}
}
