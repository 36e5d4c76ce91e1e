package reputation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/store"
)

// Relay tier names.
const (
	RelayTierFull      = "full"
	RelayTierNormal    = "normal"
	RelayTierThrottled = "throttled"
	RelayTierBlocked   = "blocked"
)

const (
	relayDefaultScore = 50

	deltaValidForward     = 1
	deltaInvalidSignature = -5
	deltaMalformed        = -2
	deltaLoopViolation    = -3
)

// RelayTier maps a peer relay's score to its tier name.
func RelayTier(score int) string {
	switch {
	case score >= 80:
		return RelayTierFull
	case score >= 50:
		return RelayTierNormal
	case score >= 20:
		return RelayTierThrottled
	default:
		return RelayTierBlocked
	}
}

type relayEntry struct {
	score       int
	forwarded   int64
	rejected    int64
	lastSuccess time.Time
	lastFailure time.Time
}

// RelayManager scores peer relays for the inbound federation gate.
type RelayManager struct {
	mu        sync.Mutex
	st        *store.Store
	logger    *slog.Logger
	baseLimit int
	cache     map[string]*relayEntry
	now       func() time.Time
}

// NewRelayManager builds a relay reputation manager. baseLimit is the
// full-tier inbound window; lower tiers derive from it.
func NewRelayManager(st *store.Store, logger *slog.Logger, baseLimit int) *RelayManager {
	return &RelayManager{
		st:        st,
		logger:    logger.With(slog.String("component", "relay_reputation")),
		baseLimit: baseLimit,
		cache:     make(map[string]*relayEntry),
		now:       time.Now,
	}
}

// Score returns a peer's current score, seeding the default on first
// sight.
func (m *RelayManager) Score(ctx context.Context, domain string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(ctx, domain).score
}

// InboundLimit maps a peer's score to its per-window forward
// allowance: full keeps the base, normal halves it, throttled gets a
// tenth, blocked gets nothing.
func (m *RelayManager) InboundLimit(ctx context.Context, domain string) int {
	score := m.Score(ctx, domain)
	switch {
	case score >= 80:
		return m.baseLimit
	case score >= 50:
		return m.baseLimit / 2
	case score >= 20:
		return m.baseLimit / 10
	default:
		return 0
	}
}

// RecordValidForward credits a successfully processed inbound forward.
func (m *RelayManager) RecordValidForward(ctx context.Context, domain string) {
	m.adjust(ctx, domain, deltaValidForward, true)
}

// RecordInvalidSignature debits a forward that failed relay signature
// verification.
func (m *RelayManager) RecordInvalidSignature(ctx context.Context, domain string) {
	m.adjust(ctx, domain, deltaInvalidSignature, false)
}

// RecordMalformed debits an unparseable forward body.
func (m *RelayManager) RecordMalformed(ctx context.Context, domain string) {
	m.adjust(ctx, domain, deltaMalformed, false)
}

// RecordLoopViolation debits a forward that exceeded hop limits or
// revisited this relay.
func (m *RelayManager) RecordLoopViolation(ctx context.Context, domain string) {
	m.adjust(ctx, domain, deltaLoopViolation, false)
}

func (m *RelayManager) adjust(ctx context.Context, domain string, delta int, success bool) {
	m.mu.Lock()
	e := m.ensureLocked(ctx, domain)
	before := e.score
	e.score = clamp(e.score + delta)
	now := m.now().UTC()
	if success {
		e.forwarded++
		e.lastSuccess = now
	} else {
		e.rejected++
		e.lastFailure = now
	}
	after := e.score
	row := relayRowOf(domain, e)
	m.mu.Unlock()

	if RelayTier(before) != RelayTier(after) {
		m.logger.Info("relay tier change",
			slog.String("domain", domain),
			slog.Int("score", after),
			slog.String("tier", RelayTier(after)))
	}
	if err := m.st.UpsertRelayReputation(ctx, row); err != nil {
		m.logger.Warn("relay reputation persist failed",
			slog.String("domain", domain), slog.String("error", err.Error()))
	}
}

// RelayStatus is the admin view of one peer's standing.
type RelayStatus struct {
	Domain            string    `json:"domain"`
	Score             int       `json:"score"`
	Tier              string    `json:"tier"`
	InboundLimit      int       `json:"inbound_limit"`
	MessagesForwarded int64     `json:"messages_forwarded"`
	MessagesRejected  int64     `json:"messages_rejected"`
	LastSuccess       time.Time `json:"last_success,omitzero"`
	LastFailure       time.Time `json:"last_failure,omitzero"`
}

// StatusFor reports a peer's standing; unknown peers return
// store.ErrNotFound.
func (m *RelayManager) StatusFor(ctx context.Context, domain string) (*RelayStatus, error) {
	m.mu.Lock()
	e, ok := m.cache[domain]
	m.mu.Unlock()
	if !ok {
		row, err := m.st.GetRelayReputation(ctx, domain)
		if err != nil {
			return nil, err
		}
		e = &relayEntry{
			score:       row.Score,
			forwarded:   row.MessagesForwarded,
			rejected:    row.MessagesRejected,
			lastSuccess: row.LastSuccess,
			lastFailure: row.LastFailure,
		}
		m.mu.Lock()
		m.cache[domain] = e
		m.mu.Unlock()
	}
	limit := 0
	switch {
	case e.score >= 80:
		limit = m.baseLimit
	case e.score >= 50:
		limit = m.baseLimit / 2
	case e.score >= 20:
		limit = m.baseLimit / 10
	}
	return &RelayStatus{
		Domain:            domain,
		Score:             e.score,
		Tier:              RelayTier(e.score),
		InboundLimit:      limit,
		MessagesForwarded: e.forwarded,
		MessagesRejected:  e.rejected,
		LastSuccess:       e.lastSuccess,
		LastFailure:       e.lastFailure,
	}, nil
}

func (m *RelayManager) ensureLocked(ctx context.Context, domain string) *relayEntry {
	if e, ok := m.cache[domain]; ok {
		return e
	}
	e := &relayEntry{score: relayDefaultScore}
	row, err := m.st.GetRelayReputation(ctx, domain)
	switch {
	case err == nil:
		e.score = row.Score
		e.forwarded = row.MessagesForwarded
		e.rejected = row.MessagesRejected
		e.lastSuccess = row.LastSuccess
		e.lastFailure = row.LastFailure
	case errors.Is(err, store.ErrNotFound):
		// first contact with this peer
	default:
		m.logger.Warn("relay reputation load failed",
			slog.String("domain", domain), slog.String("error", err.Error()))
	}
	m.cache[domain] = e
	return e
}

func relayRowOf(domain string, e *relayEntry) *store.RelayReputationRow {
	return &store.RelayReputationRow{
		Domain:            domain,
		Score:             e.score,
		MessagesForwarded: e.forwarded,
		MessagesRejected:  e.rejected,
		LastSuccess:       e.lastSuccess,
		LastFailure:       e.lastFailure,
	}
}
