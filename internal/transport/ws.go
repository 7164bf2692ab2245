package transport

import (
	"context"
	"hash/crc32"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/emberforge/scene-director/internal/config"
	"github.com/emberforge/scene-director/internal/logger"
	"github.com/emberforge/scene-director/internal/metrics"
	"github.com/emberforge/scene-director/internal/ratelimit"
)

// Handler receives the routing-relevant connection events
type Handler interface {
	OnConnectionAuthenticated(ctx context.Context, conn Conn, accountID int64)
	OnConnectionClosed(conn Conn)
}

// AuthFunc validates an account's credentials. Authentication itself is an
// external collaborator; routing only needs its verdict.
type AuthFunc func(ctx context.Context, accountID int64, token string) error

// authMessage is the first frame a client must send after connecting
type authMessage struct {
	AccountID int64  `json:"account_id"`
	Token     string `json:"token"`
}

// serverMessage is the only payload shape routing sends toward clients
type serverMessage struct {
	Type    string `json:"type"` // "redirect" or "kick"
	Address string `json:"address,omitempty"`
	Port    uint16 `json:"port,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

const authHandshakeTimeout = 30 * time.Second

// wsConn adapts a WebSocket connection to the Conn capability interface
type wsConn struct {
	id     int64
	ws     *websocket.Conn
	remote string

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *wsConn) ID() int64 {
	return c.id
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}

func (c *wsConn) send(msg serverMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(msg)
}

// Redirect sends the Scene server address; the client disconnects itself
func (c *wsConn) Redirect(address string, port uint16) error {
	return c.send(serverMessage{Type: "redirect", Address: address, Port: port})
}

// Kick sends the reason code and closes the connection
func (c *wsConn) Kick(reason KickReason) error {
	err := c.send(serverMessage{Type: "kick", Reason: string(reason)})
	c.Close()
	return err
}

func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ws.Close()
}

// Listener accepts WebSocket clients on the World server, authenticates
// them, and feeds connection events to the routing handler.
type Listener struct {
	addr    string
	handler Handler
	auth    AuthFunc

	sessions  *SessionTable
	limiter   *ratelimit.Limiter
	ipLimiter *ratelimit.IPLimiter
	upgrader  websocket.Upgrader
	server    *http.Server

	// Connection ID generation: (nameHash << 48) | (startTime << 32) | seq.
	// The name hash keeps IDs distinct across World processes; the 32-bit
	// sequence never recycles an id a queued waiter may still hold.
	connSeq   uint64
	startTime int64
	nameHash  uint16

	draining atomic.Bool
	wg       sync.WaitGroup
}

// NewListener creates a client listener for the World role
func NewListener(addr, serverName string, sec *config.SecurityConfig, handler Handler, auth AuthFunc) *Listener {
	return &Listener{
		addr:      addr,
		handler:   handler,
		auth:      auth,
		sessions:  NewSessionTable(),
		limiter:   ratelimit.NewLimiter(int64(sec.MaxConnections)),
		ipLimiter: ratelimit.NewIPLimiter(sec.MaxConnectionsPerIP, sec.ConnectionRateLimit),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Game clients connect from launchers, not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now().Unix(),
		nameHash:  uint16(crc32.ChecksumIEEE([]byte(serverName)) & 0xFFFF),
	}
}

// Sessions exposes the authenticated connection table
func (l *Listener) Sessions() *SessionTable {
	return l.sessions
}

// Start begins accepting client connections
func (l *Listener) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		l.handleConnect(ctx, w, r)
	})

	l.server = &http.Server{
		Addr:    l.addr,
		Handler: mux,
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L.Error("client listener error",
				zap.Error(err),
			)
		}
	}()

	logger.L.Info("client listener started",
		zap.String("addr", l.addr),
	)
	return nil
}

// Shutdown stops accepting connections and kicks the remaining sessions
func (l *Listener) Shutdown(ctx context.Context) error {
	l.draining.Store(true)

	var err error
	if l.server != nil {
		err = l.server.Shutdown(ctx)
	}

	kicked := l.sessions.CloseAll(KickServerShutdown)
	if kicked > 0 {
		logger.L.Info("kicked remaining sessions on shutdown",
			zap.Int("count", kicked),
		)
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

func (l *Listener) handleConnect(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if l.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	remoteAddr := r.RemoteAddr
	ip := extractIP(remoteAddr)

	if !l.ipLimiter.Allow(ip) {
		logger.L.Warn("IP rate limit exceeded",
			zap.String("remote_addr", remoteAddr),
			zap.String("ip", ip),
		)
		metrics.IncConnectionRejected("ip_rate_limit")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	defer l.ipLimiter.Release(ip)

	if !l.limiter.Allow() {
		logger.L.Warn("connection limit exceeded",
			zap.String("remote_addr", remoteAddr),
			zap.Int64("max_connections", l.limiter.Max()),
			zap.Int64("current_connections", l.limiter.Current()),
		)
		metrics.IncConnectionRejected("connection_limit")
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}
	defer l.limiter.Release()

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L.Debug("websocket upgrade failed",
			zap.String("remote_addr", remoteAddr),
			zap.Error(err),
		)
		return
	}

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	conn := &wsConn{
		id:     l.nextConnID(),
		ws:     ws,
		remote: remoteAddr,
	}
	defer conn.Close()

	l.wg.Add(1)
	defer l.wg.Done()

	l.serveConn(ctx, conn)
}

// serveConn runs the auth handshake and then holds the connection open
// until the client leaves or is kicked
func (l *Listener) serveConn(ctx context.Context, conn *wsConn) {
	conn.ws.SetReadDeadline(time.Now().Add(authHandshakeTimeout))

	var auth authMessage
	if err := conn.ws.ReadJSON(&auth); err != nil {
		logger.L.Debug("auth handshake read failed",
			zap.String("remote_addr", conn.remote),
			zap.Error(err),
		)
		return
	}

	if err := l.auth(ctx, auth.AccountID, auth.Token); err != nil {
		logger.L.Warn("authentication rejected",
			zap.String("remote_addr", conn.remote),
			zap.Int64("account_id", auth.AccountID),
			zap.Error(err),
		)
		metrics.IncConnectionRejected("auth_failed")
		conn.Kick(KickReason("auth_failed"))
		return
	}

	l.sessions.Add(conn)
	defer func() {
		l.sessions.Remove(conn.id)
		l.handler.OnConnectionClosed(conn)
	}()

	logger.L.Info("connection authenticated",
		zap.Int64("conn_id", conn.id),
		zap.Int64("account_id", auth.AccountID),
		zap.String("remote_addr", conn.remote),
	)

	l.handler.OnConnectionAuthenticated(ctx, conn, auth.AccountID)

	// Clients waiting for a redirect send nothing further; the read loop
	// just watches for disconnect.
	conn.ws.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (l *Listener) nextConnID() int64 {
	seq := atomic.AddUint64(&l.connSeq, 1)

	// Waiters can sit in a queue indefinitely, so the sequence must outlive
	// any connection: 32 bits of it stay unique for 4 billion connections
	// within one process lifetime
	return (int64(l.nameHash) << 48) | ((l.startTime & 0xFFFF) << 32) | int64(uint32(seq))
}

// extractIP extracts the IP from a "host:port" address
func extractIP(addr string) string {
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
