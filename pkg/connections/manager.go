// Package connections tracks live WebSocket sessions, one per agent
// address. Registration is last-writer-wins: a new session for an
// address closes the old one. Writes to a connection are serialized
// behind a per-connection mutex because gorilla connections allow only
// one concurrent writer.
package connections

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YouAM-Network/uam-relay/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// CloseHeartbeatTimeout is sent when a session stops answering pings.
const CloseHeartbeatTimeout = websocket.CloseInternalServerErr

// Conn wraps one agent's WebSocket session.
type Conn struct {
	address string
	ws      *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	lastPong time.Time
}

// Address returns the agent address bound to this session.
func (c *Conn) Address() string { return c.address }

// Send writes v as a JSON text frame.
func (c *Conn) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// close sends a close frame and tears the socket down.
func (c *Conn) close(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	_ = c.ws.Close()
}

func (c *Conn) recordPong(at time.Time) {
	c.mu.Lock()
	c.lastPong = at
	c.mu.Unlock()
}

func (c *Conn) pongAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastPong)
}

// Manager is the registry of live sessions.
type Manager struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	logger *slog.Logger

	pingInterval time.Duration
	pongTimeout  time.Duration
	now          func() time.Time
}

// NewManager builds a session registry. The heartbeat loop pings every
// pingInterval and drops sessions silent for pingInterval+pongTimeout.
func NewManager(logger *slog.Logger, pingInterval, pongTimeout time.Duration) *Manager {
	return &Manager{
		conns:        make(map[string]*Conn),
		logger:       logger.With(slog.String("component", "connections")),
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		now:          time.Now,
	}
}

// Register binds a socket to an address, displacing any previous
// session for the same address.
func (m *Manager) Register(address string, ws *websocket.Conn) *Conn {
	c := &Conn{address: address, ws: ws, lastPong: m.now()}
	m.mu.Lock()
	old := m.conns[address]
	m.conns[address] = c
	m.mu.Unlock()

	if old != nil {
		old.close(websocket.CloseNormalClosure, "new connection")
		m.logger.Info("session displaced", slog.String("address", address))
	}
	return c
}

// Unregister removes c if it is still the registered session for its
// address. A handler unwinding after displacement must not evict its
// successor.
func (m *Manager) Unregister(c *Conn) {
	m.mu.Lock()
	if m.conns[c.address] == c {
		delete(m.conns, c.address)
	}
	m.mu.Unlock()
}

// Get returns the live session for an address, if any.
func (m *Manager) Get(address string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[address]
	return c, ok
}

// IsOnline reports whether an address has a live session.
func (m *Manager) IsOnline(address string) bool {
	_, ok := m.Get(address)
	return ok
}

// OnlineCount reports how many sessions are live.
func (m *Manager) OnlineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// SendTo delivers v to an address's session. A write failure tears the
// session down and reports false so the caller can fall back to
// queueing.
func (m *Manager) SendTo(address string, v any) bool {
	c, ok := m.Get(address)
	if !ok {
		return false
	}
	if err := c.Send(v); err != nil {
		m.logger.Warn("websocket write failed, dropping session",
			slog.String("address", address), slog.String("error", err.Error()))
		m.Unregister(c)
		c.close(websocket.CloseAbnormalClosure, "write failed")
		return false
	}
	return true
}

// RecordPong notes heartbeat liveness for an address.
func (m *Manager) RecordPong(address string) {
	if c, ok := m.Get(address); ok {
		c.recordPong(m.now())
	}
}

// pingFrame is the heartbeat sent to idle sessions.
type pingFrame struct {
	Type string `json:"type"`
	TS   string `json:"ts"`
}

// Run drives the heartbeat until ctx is done: ping every interval,
// drop sessions whose last pong is older than interval+timeout.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.now()
	deadline := m.pingInterval + m.pongTimeout

	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if c.pongAge(now) > deadline {
			m.logger.Info("heartbeat timeout",
				slog.String("address", c.address),
				slog.Duration("silent", c.pongAge(now)))
			m.Unregister(c)
			c.close(CloseHeartbeatTimeout, "heartbeat timeout")
			continue
		}
		if err := c.Send(pingFrame{Type: "ping", TS: protocol.Now()}); err != nil {
			m.Unregister(c)
			c.close(websocket.CloseAbnormalClosure, "write failed")
		}
	}
}

// CloseAll tears down every session, for graceful shutdown.
func (m *Manager) CloseAll(code int, reason string) {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.close(code, reason)
	}
}
