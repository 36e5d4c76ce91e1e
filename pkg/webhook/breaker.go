package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// FailureThreshold is how many consecutive exhausted delivery cycles
// open an agent's circuit.
const FailureThreshold = 5

// StateStore persists circuit state into the agent row so an open
// circuit survives a relay restart.
type StateStore interface {
	WebhookState(ctx context.Context, address string) (string, error)
	SetWebhookState(ctx context.Context, address, state string) error
}

type persistedState struct {
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

type circuit struct {
	failures int
	open     bool
	openedAt time.Time
}

// Breaker tracks per-agent webhook health. After FailureThreshold
// consecutive failures the circuit opens and delivery is refused until
// the cooldown elapses, after which a single probe is allowed through.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	store    StateStore
	cooldown time.Duration
	logger   *slog.Logger
}

// NewBreaker creates a breaker. store may be nil in tests; state then
// lives only in memory.
func NewBreaker(store StateStore, cooldown time.Duration, logger *slog.Logger) *Breaker {
	return &Breaker{
		circuits: make(map[string]*circuit),
		store:    store,
		cooldown: cooldown,
		logger:   logger.With("component", "webhook-breaker"),
	}
}

// circuitFor returns the in-memory circuit, restoring persisted state
// on first contact with an address. Callers hold b.mu.
func (b *Breaker) circuitFor(ctx context.Context, address string) *circuit {
	if c, ok := b.circuits[address]; ok {
		return c
	}
	c := &circuit{}
	if b.store != nil {
		if blob, err := b.store.WebhookState(ctx, address); err == nil && blob != "" {
			var st persistedState
			if json.Unmarshal([]byte(blob), &st) == nil {
				c.failures = st.Failures
				if !st.OpenedAt.IsZero() {
					c.open = true
					c.openedAt = st.OpenedAt
				}
			}
		}
	}
	b.circuits[address] = c
	return c
}

// Available reports whether delivery should be attempted. An open
// circuit becomes available again once the cooldown has elapsed.
func (b *Breaker) Available(ctx context.Context, address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(ctx, address)
	if !c.open {
		return true
	}
	if time.Since(c.openedAt) >= b.cooldown {
		b.logger.Info("circuit cooldown expired, allowing probe", "address", address)
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess(ctx context.Context, address string) {
	b.mu.Lock()
	c := b.circuitFor(ctx, address)
	wasOpen := c.open
	c.failures = 0
	c.open = false
	c.openedAt = time.Time{}
	b.mu.Unlock()

	if wasOpen {
		b.logger.Info("circuit closed after successful delivery", "address", address)
	}
	b.persist(ctx, address, "")
}

// RecordFailure counts one exhausted delivery cycle and opens the
// circuit at the threshold.
func (b *Breaker) RecordFailure(ctx context.Context, address string) {
	b.mu.Lock()
	c := b.circuitFor(ctx, address)
	c.failures++
	opened := false
	if !c.open && c.failures >= FailureThreshold {
		c.open = true
		c.openedAt = time.Now()
		opened = true
	}
	st := persistedState{Failures: c.failures}
	if c.open {
		st.OpenedAt = c.openedAt
	}
	b.mu.Unlock()

	if opened {
		b.logger.Warn("circuit open after consecutive failures",
			"address", address, "failures", st.Failures)
	}
	blob, err := json.Marshal(st)
	if err != nil {
		return
	}
	b.persist(ctx, address, string(blob))
}

func (b *Breaker) persist(ctx context.Context, address, blob string) {
	if b.store == nil {
		return
	}
	if err := b.store.SetWebhookState(ctx, address, blob); err != nil {
		b.logger.Debug("circuit state persist failed", "address", address, "error", err)
	}
}
