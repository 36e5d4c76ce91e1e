// Package demo backs the landing-page chat widget with short-lived
// relay agents. Each session generates a real Ed25519 keypair that
// never leaves the relay: envelopes are signed, encrypted, and
// decrypted server-side so the browser only ever handles a session id
// and plaintext.
package demo

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

// StatusEphemeral marks demo agent rows so operators can tell them
// apart from real registrations. Retired sessions deactivate theirs.
const StatusEphemeral = "ephemeral"

const (
	defaultTTL    = 10 * time.Minute
	defaultCap    = 1000
	inboxRingSize = 50
)

// InboxMessage is one decrypted message retained for a session.
type InboxMessage struct {
	From      string `json:"from_address"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	MessageID string `json:"message_id"`
}

// Session is one live demo widget: a throwaway agent plus the
// server-held keys that act on its behalf.
type Session struct {
	ID      string
	Address string
	Token   string

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	createdAt time.Time
	expiresAt time.Time // guarded by the manager lock

	mu    sync.Mutex
	inbox []InboxMessage
}

// remember appends decrypted messages to the session's ring, dropping
// the oldest past inboxRingSize.
func (s *Session) remember(items ...InboxMessage) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox = append(s.inbox, items...)
	if excess := len(s.inbox) - inboxRingSize; excess > 0 {
		s.inbox = append(s.inbox[:0:0], s.inbox[excess:]...)
	}
}

// history returns a copy of the ring, oldest first.
func (s *Session) history() []InboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InboxMessage, len(s.inbox))
	copy(out, s.inbox)
	return out
}

// Manager owns the in-memory session table. Sessions slide their
// expiry on use, the oldest is evicted at capacity, and a retired
// session takes its agent row down with it.
type Manager struct {
	st     *store.Store
	logger *slog.Logger
	ttl    time.Duration
	cap    int

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

// NewManager builds a session table. Non-positive ttl or maxSessions
// fall back to 10 minutes and 1000.
func NewManager(st *store.Store, logger *slog.Logger, ttl time.Duration, maxSessions int) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxSessions <= 0 {
		maxSessions = defaultCap
	}
	return &Manager{
		st:       st,
		logger:   logger.With(slog.String("component", "demo")),
		ttl:      ttl,
		cap:      maxSessions,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create mints a fresh keypair, registers the ephemeral agent so other
// agents can resolve its key, and stores the session. At capacity the
// oldest session is evicted first.
func (m *Manager) Create(ctx context.Context, relayDomain string) (*Session, error) {
	pub, priv, err := protocol.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate demo keypair: %w", err)
	}
	now := m.now().UTC()
	sess := &Session{
		ID:        api.NewToken(32),
		Address:   demoName() + "::" + relayDomain,
		Token:     api.NewToken(32),
		priv:      priv,
		pub:       pub,
		createdAt: now,
		expiresAt: now.Add(m.ttl),
	}

	if _, _, err := m.st.RegisterAgent(ctx, sess.Address,
		protocol.EncodePublicKey(pub), sess.Token, ""); err != nil {
		return nil, fmt.Errorf("failed to register demo agent: %w", err)
	}
	if err := m.st.SetAgentStatus(ctx, sess.Address, StatusEphemeral); err != nil {
		m.logger.Warn("could not flag demo agent as ephemeral",
			slog.String("address", sess.Address), slog.String("error", err.Error()))
	}

	var evicted *Session
	m.mu.Lock()
	if len(m.sessions) >= m.cap {
		evicted = m.oldestLocked()
		if evicted != nil {
			delete(m.sessions, evicted.ID)
		}
	}
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	if evicted != nil {
		m.retire(ctx, evicted)
		m.logger.Debug("evicted oldest demo session",
			slog.String("address", evicted.Address))
	}
	return sess, nil
}

func (m *Manager) oldestLocked() *Session {
	var oldest *Session
	for _, sess := range m.sessions {
		if oldest == nil || sess.createdAt.Before(oldest.createdAt) {
			oldest = sess
		}
	}
	return oldest
}

// Get returns the live session and slides its expiry forward. An
// expired session is retired on access and nil is returned.
func (m *Manager) Get(ctx context.Context, id string) *Session {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	now := m.now().UTC()
	if !now.Before(sess.expiresAt) {
		delete(m.sessions, id)
		m.mu.Unlock()
		m.retire(ctx, sess)
		return nil
	}
	sess.expiresAt = now.Add(m.ttl)
	m.mu.Unlock()
	return sess
}

// Reap retires every expired session and reports how many went.
func (m *Manager) Reap(ctx context.Context) int {
	now := m.now().UTC()
	m.mu.Lock()
	var dead []*Session
	for id, sess := range m.sessions {
		if !now.Before(sess.expiresAt) {
			delete(m.sessions, id)
			dead = append(dead, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range dead {
		m.retire(ctx, sess)
	}
	if len(dead) > 0 {
		m.logger.Info("reaped expired demo sessions", slog.Int("count", len(dead)))
	}
	return len(dead)
}

// Count reports live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// retire deactivates the session's agent row. Errors are logged and
// swallowed; the reaper has to keep going.
func (m *Manager) retire(ctx context.Context, sess *Session) {
	if err := m.st.DeactivateAgent(ctx, sess.Address); err != nil {
		m.logger.Warn("failed to retire demo agent",
			slog.String("address", sess.Address), slog.String("error", err.Error()))
	}
}

// demoName yields a name like demo-a3f09b2c44d1. Hex keeps it inside
// the address grammar (lowercase alphanumerics only).
func demoName() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("demo: system entropy unavailable: %v", err))
	}
	return "demo-" + hex.EncodeToString(b[:])
}
