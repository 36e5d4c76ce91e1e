// Package reputation tracks per-agent and per-relay standing. Scores
// gate how fast a sender may emit messages; they are advisory signals,
// so mutators log persistence failures instead of failing the caller.
package reputation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/store"
)

// Tier names, highest first.
const (
	TierFull      = "full"
	TierReduced   = "reduced"
	TierThrottled = "throttled"
	TierBlocked   = "blocked"
)

const (
	// maxDailyBonus caps how much score plain volume can earn per day.
	maxDailyBonus = 5

	deltaAccepted     = 1
	deltaReadReceipt  = 2
	deltaSpamFlag     = -10
	deltaRejection    = -2
	deltaBlocklistHit = -5
)

// Tier maps a score to its tier name.
func Tier(score int) string {
	switch {
	case score >= 80:
		return TierFull
	case score >= 50:
		return TierReduced
	case score >= 20:
		return TierThrottled
	default:
		return TierBlocked
	}
}

// SendLimit maps a score to the per-minute send allowance enforced by
// the routing pipeline. Zero means sends are refused outright.
func SendLimit(score int) int {
	switch {
	case score >= 80:
		return 60
	case score >= 50:
		return 30
	case score >= 20:
		return 10
	default:
		return 0
	}
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

type entry struct {
	score      int
	sent       int64
	rejected   int64
	dailyBonus int
	bonusDay   time.Time
}

// Manager is a write-through cache over the reputation table.
type Manager struct {
	mu            sync.Mutex
	st            *store.Store
	logger        *slog.Logger
	defaultScore  int
	verifiedScore int
	cache         map[string]*entry
	now           func() time.Time
}

// NewManager builds an agent reputation manager. defaultScore seeds
// unknown agents; verifiedScore is granted on domain verification.
func NewManager(st *store.Store, logger *slog.Logger, defaultScore, verifiedScore int) *Manager {
	return &Manager{
		st:            st,
		logger:        logger.With(slog.String("component", "reputation")),
		defaultScore:  defaultScore,
		verifiedScore: verifiedScore,
		cache:         make(map[string]*entry),
		now:           time.Now,
	}
}

// Init seeds a new agent's row at registration time.
func (m *Manager) Init(ctx context.Context, address string) {
	m.mu.Lock()
	e := m.ensureLocked(ctx, address)
	row := rowOf(address, e)
	m.mu.Unlock()
	m.persist(ctx, row)
}

// Score returns the agent's current score, creating the default row on
// first sight.
func (m *Manager) Score(ctx context.Context, address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(ctx, address).score
}

// RecordAccepted credits a delivered send: +1, at most maxDailyBonus
// per UTC day, and bumps the sent counter.
func (m *Manager) RecordAccepted(ctx context.Context, address string) {
	m.mu.Lock()
	e := m.ensureLocked(ctx, address)
	e.sent++
	today := m.now().UTC().Truncate(24 * time.Hour)
	if !e.bonusDay.Equal(today) {
		e.bonusDay = today
		e.dailyBonus = 0
	}
	if e.dailyBonus < maxDailyBonus {
		e.dailyBonus++
		e.score = clamp(e.score + deltaAccepted)
	}
	row := rowOf(address, e)
	m.mu.Unlock()
	m.persist(ctx, row)
}

// RecordReadReceipt credits an agent whose message was read.
func (m *Manager) RecordReadReceipt(ctx context.Context, address string) {
	m.adjust(ctx, address, deltaReadReceipt, false)
}

// RecordRejected debits a policy rejection and bumps the rejected
// counter.
func (m *Manager) RecordRejected(ctx context.Context, address string) {
	m.adjust(ctx, address, deltaRejection, true)
}

// RecordSpamFlag debits a recipient's spam report.
func (m *Manager) RecordSpamFlag(ctx context.Context, address string) {
	m.adjust(ctx, address, deltaSpamFlag, false)
}

// RecordBlocklistHit debits a send attempt that matched the blocklist.
func (m *Manager) RecordBlocklistHit(ctx context.Context, address string) {
	m.adjust(ctx, address, deltaBlocklistHit, true)
}

func (m *Manager) adjust(ctx context.Context, address string, delta int, rejected bool) {
	m.mu.Lock()
	e := m.ensureLocked(ctx, address)
	before := e.score
	e.score = clamp(e.score + delta)
	if rejected {
		e.rejected++
	}
	after := e.score
	row := rowOf(address, e)
	m.mu.Unlock()

	if Tier(before) != Tier(after) {
		m.logger.Info("reputation tier change",
			slog.String("address", address),
			slog.Int("score", after),
			slog.String("tier", Tier(after)))
	}
	m.persist(ctx, row)
}

// SetScore force-sets a score (admin override, clamped).
func (m *Manager) SetScore(ctx context.Context, address string, score int) error {
	m.mu.Lock()
	e := m.ensureLocked(ctx, address)
	e.score = clamp(score)
	row := rowOf(address, e)
	m.mu.Unlock()
	return m.st.UpsertReputation(ctx, row)
}

// PromoteVerified grants the verified floor after a successful domain
// verification. Scores already above it are left alone.
func (m *Manager) PromoteVerified(ctx context.Context, address string) {
	m.mu.Lock()
	e := m.ensureLocked(ctx, address)
	if e.score < m.verifiedScore {
		e.score = m.verifiedScore
	}
	row := rowOf(address, e)
	m.mu.Unlock()
	m.persist(ctx, row)
}

// DowngradeVerified resets a lapsed verification back to the default
// score if the agent was riding the verified floor.
func (m *Manager) DowngradeVerified(ctx context.Context, address string) {
	m.mu.Lock()
	e := m.ensureLocked(ctx, address)
	if e.score > m.defaultScore {
		e.score = m.defaultScore
	}
	row := rowOf(address, e)
	m.mu.Unlock()
	m.persist(ctx, row)
}

// Status is the admin view of one agent's standing.
type Status struct {
	Address          string `json:"address"`
	Score            int    `json:"score"`
	Tier             string `json:"tier"`
	SendLimit        int    `json:"send_limit"`
	MessagesSent     int64  `json:"messages_sent"`
	MessagesRejected int64  `json:"messages_rejected"`
}

// StatusFor reports an agent's standing. Unknown agents return
// store.ErrNotFound rather than being created.
func (m *Manager) StatusFor(ctx context.Context, address string) (*Status, error) {
	m.mu.Lock()
	if e, ok := m.cache[address]; ok {
		st := statusOf(address, e)
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	row, err := m.st.GetReputation(ctx, address)
	if err != nil {
		return nil, err
	}
	e := &entry{score: row.Score, sent: row.MessagesSent, rejected: row.MessagesRejected}
	m.mu.Lock()
	m.cache[address] = e
	st := statusOf(address, e)
	m.mu.Unlock()
	return st, nil
}

func statusOf(address string, e *entry) *Status {
	return &Status{
		Address:          address,
		Score:            e.score,
		Tier:             Tier(e.score),
		SendLimit:        SendLimit(e.score),
		MessagesSent:     e.sent,
		MessagesRejected: e.rejected,
	}
}

// ensureLocked returns the cache entry for address, loading or seeding
// it as needed. Caller holds the lock.
func (m *Manager) ensureLocked(ctx context.Context, address string) *entry {
	if e, ok := m.cache[address]; ok {
		return e
	}
	e := &entry{score: m.defaultScore}
	row, err := m.st.GetReputation(ctx, address)
	switch {
	case err == nil:
		e.score = row.Score
		e.sent = row.MessagesSent
		e.rejected = row.MessagesRejected
	case errors.Is(err, store.ErrNotFound):
		// first sight; seeded below by the caller's persist
	default:
		m.logger.Warn("reputation load failed",
			slog.String("address", address), slog.String("error", err.Error()))
	}
	m.cache[address] = e
	return e
}

func rowOf(address string, e *entry) *store.ReputationRow {
	return &store.ReputationRow{
		Address:          address,
		Score:            e.score,
		MessagesSent:     e.sent,
		MessagesRejected: e.rejected,
	}
}

func (m *Manager) persist(ctx context.Context, row *store.ReputationRow) {
	if err := m.st.UpsertReputation(ctx, row); err != nil {
		m.logger.Warn("reputation persist failed",
			slog.String("address", row.Address), slog.String("error", err.Error()))
	}
}
