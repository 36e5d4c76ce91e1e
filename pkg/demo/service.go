package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/config"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/ratelimit"
	"github.com/YouAM-Network/uam-relay/pkg/router"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

const (
	createLimit  = 5  // session creations per IP per minute
	sendLimit    = 10 // sends per session per minute
	reapInterval = time.Minute
	inboxBatch   = 50
)

// Service exposes the demo operations behind config and rate gates.
// Client-mappable failures come back as *router.Rejection so handlers
// treat demo refusals exactly like send-pipeline ones.
type Service struct {
	st       *store.Store
	sessions *Manager
	router   *router.Router
	creates  *ratelimit.Counter
	sends    *ratelimit.Counter
	enabled  bool
	domain   string
	logger   *slog.Logger
}

// NewService wires the demo surface. rt is the live send pipeline;
// demo traffic goes through it like any other sender's.
func NewService(st *store.Store, rt *router.Router, sessions *Manager, cfg *config.Settings, logger *slog.Logger) *Service {
	return &Service{
		st:       st,
		sessions: sessions,
		router:   rt,
		creates:  ratelimit.New(createLimit, time.Minute),
		sends:    ratelimit.New(sendLimit, time.Minute),
		enabled:  cfg.DemoEnabled,
		domain:   cfg.RelayDomain,
		logger:   logger.With(slog.String("component", "demo")),
	}
}

// CreateResult is what the browser gets: the secret session id and the
// agent's address. Keys stay on the relay.
type CreateResult struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
}

// CreateSession mints an ephemeral agent for clientIP.
func (s *Service) CreateSession(ctx context.Context, clientIP string) (*CreateResult, error) {
	if err := s.gate(); err != nil {
		return nil, err
	}
	if !s.creates.Allow(clientIP) {
		return nil, &router.Rejection{
			Status:     http.StatusTooManyRequests,
			Detail:     "Session creation rate limit exceeded",
			RetryAfter: retrySecs(s.creates.RetryAfter(clientIP)),
		}
	}
	sess, err := s.sessions.Create(ctx, s.domain)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("demo session created", slog.String("address", sess.Address))
	return &CreateResult{SessionID: sess.ID, Address: sess.Address}, nil
}

// SendRequest is the demo send body.
type SendRequest struct {
	SessionID string `json:"session_id"`
	To        string `json:"to_address"`
	Message   string `json:"message"`
}

// SendResult reports the routed envelope.
type SendResult struct {
	MessageID string `json:"message_id"`
	Delivered bool   `json:"delivered"`
}

// Send signs and encrypts req.Message on the session's behalf and runs
// it through the normal send pipeline, so demo traffic faces the same
// policy gates as everything else. Recipients must be registered
// locally: encryption needs their public key.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if err := s.gate(); err != nil {
		return nil, err
	}
	sess := s.sessions.Get(ctx, req.SessionID)
	if sess == nil {
		return nil, sessionGone()
	}
	if !s.sends.Allow(sess.Address) {
		return nil, &router.Rejection{
			Status:     http.StatusTooManyRequests,
			Detail:     "Send rate limit exceeded",
			RetryAfter: retrySecs(s.sends.RetryAfter(sess.Address)),
		}
	}

	to, err := protocol.ParseAddress(req.To)
	if err != nil {
		return nil, &router.Rejection{
			Status: http.StatusBadRequest,
			Kind:   api.KindInvalidAddress,
			Detail: err.Error(),
		}
	}
	recipient, err := s.st.AgentByAddress(ctx, to.String())
	if errors.Is(err, store.ErrAgentNotFound) {
		return nil, &router.Rejection{Status: http.StatusNotFound, Detail: "Recipient not found"}
	}
	if err != nil {
		return nil, err
	}
	recipPub, err := protocol.DecodePublicKey(recipient.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("registered key for %s unusable: %w", recipient.Address, err)
	}

	env := protocol.NewEnvelope(protocol.MustParseAddress(sess.Address), to, protocol.TypeMessage)
	env.MediaType = "text/plain"
	if err := env.Encrypt([]byte(req.Message), sess.priv, recipPub); err != nil {
		return nil, err
	}
	if err := env.Sign(sess.priv); err != nil {
		return nil, err
	}

	sender, err := s.st.AgentByAddress(ctx, sess.Address)
	if err != nil {
		// The agent row vanished under us, most likely a concurrent reap.
		return nil, sessionGone()
	}
	res, err := s.router.Send(ctx, env.Wire(), sender)
	if err != nil {
		return nil, err
	}
	return &SendResult{MessageID: res.MessageID, Delivered: res.Delivered}, nil
}

// Inbox drains the session's stored messages, decrypts what it can,
// and returns the session's retained history, oldest first. Envelopes
// that cannot be parsed, are not plain messages, or fail decryption
// are consumed silently, matching what a real client would discard.
func (s *Service) Inbox(ctx context.Context, sessionID string) ([]InboxMessage, error) {
	if err := s.gate(); err != nil {
		return nil, err
	}
	sess := s.sessions.Get(ctx, sessionID)
	if sess == nil {
		return nil, sessionGone()
	}

	stored, err := s.st.UndeliveredMessages(ctx, sess.Address, inboxBatch)
	if err != nil {
		return nil, err
	}

	var fresh []InboxMessage
	ids := make([]int64, 0, len(stored))
	for _, m := range stored {
		ids = append(ids, m.ID)
		env, err := protocol.FromWire(m.Envelope)
		if err != nil {
			s.logger.Debug("skipping unparseable stored envelope", slog.Int64("id", m.ID))
			continue
		}
		if env.Type != protocol.TypeMessage {
			continue
		}
		sender, err := s.st.AgentByAddress(ctx, env.From)
		if err != nil {
			s.logger.Debug("skipping message from unknown sender",
				slog.String("from", env.From))
			continue
		}
		senderPub, err := protocol.DecodePublicKey(sender.PublicKey)
		if err != nil {
			continue
		}
		plain, err := env.Open(sess.priv, senderPub)
		if err != nil {
			s.logger.Debug("failed to decrypt stored message", slog.Int64("id", m.ID))
			continue
		}
		fresh = append(fresh, InboxMessage{
			From:      env.From,
			Content:   string(plain),
			Timestamp: env.Timestamp,
			MessageID: env.MessageID,
		})
	}
	if len(ids) > 0 {
		if err := s.st.MarkDeliveredBatch(ctx, ids, time.Now().UTC()); err != nil {
			return nil, err
		}
	}
	sess.remember(fresh...)
	return sess.history(), nil
}

// Run reaps expired sessions and sweeps the rate windows until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sessions.Reap(ctx)
			s.creates.Cleanup()
			s.sends.Cleanup()
		}
	}
}

func (s *Service) gate() error {
	if !s.enabled {
		return &router.Rejection{
			Status: http.StatusServiceUnavailable,
			Detail: "Demo endpoints are disabled",
		}
	}
	return nil
}

func sessionGone() error {
	return &router.Rejection{
		Status: http.StatusNotFound,
		Detail: "Session not found or expired",
	}
}

func retrySecs(d time.Duration) int {
	return int(d.Seconds()) + 1
}
