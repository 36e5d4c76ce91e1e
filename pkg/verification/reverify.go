package verification

import (
	"context"
	"log/slog"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/audit"
	"github.com/YouAM-Network/uam-relay/pkg/config"
	"github.com/YouAM-Network/uam-relay/pkg/reputation"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

const (
	reverifyInterval = time.Hour
	reverifyBatch    = 100
)

// Reverifier periodically re-checks verified domains. A record whose
// proof has gone missing is downgraded to expired and the agent's
// reputation drops back to the unverified default.
type Reverifier struct {
	st      *store.Store
	checker *Checker
	rep     *reputation.Manager
	audit   *audit.Logger
	logger  *slog.Logger

	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewReverifier wires the hourly recheck loop.
func NewReverifier(st *store.Store, checker *Checker, rep *reputation.Manager,
	auditLog *audit.Logger, cfg *config.Settings, logger *slog.Logger) *Reverifier {
	return &Reverifier{
		st:       st,
		checker:  checker,
		rep:      rep,
		audit:    auditLog,
		logger:   logger.With(slog.String("component", "reverifier")),
		ttl:      cfg.DomainVerificationTTL,
		interval: reverifyInterval,
		now:      time.Now,
	}
}

// Run re-checks stale verifications until the context is cancelled.
func (r *Reverifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reverifier) sweep(ctx context.Context) {
	now := r.now().UTC()
	stale, err := r.st.StaleVerifications(ctx, now.Add(-r.ttl), reverifyBatch)
	if err != nil {
		r.logger.Warn("stale verification query failed", slog.String("error", err.Error()))
		return
	}
	for _, v := range stale {
		if ctx.Err() != nil {
			return
		}
		// Rows may carry a longer TTL than the sweep horizon.
		if ttl := time.Duration(v.TTLHours) * time.Hour; ttl > r.ttl && now.Before(v.LastChecked.Add(ttl)) {
			continue
		}
		r.recheck(ctx, v, now)
	}
}

func (r *Reverifier) recheck(ctx context.Context, v *store.DomainVerification, now time.Time) {
	ok, _, detail := r.checker.VerifyDomainOwnership(ctx, v.Domain, v.PublicKey, v.AgentAddress)
	if ok {
		if err := r.st.SetVerificationStatus(ctx, v.ID, store.VerificationVerified, now); err != nil {
			r.logger.Warn("verification refresh failed",
				slog.String("address", v.AgentAddress), slog.String("error", err.Error()))
			return
		}
		r.logger.Info("re-verification succeeded",
			slog.String("address", v.AgentAddress), slog.String("domain", v.Domain))
		return
	}

	if err := r.st.SetVerificationStatus(ctx, v.ID, store.VerificationExpired, now); err != nil {
		r.logger.Warn("verification downgrade failed",
			slog.String("address", v.AgentAddress), slog.String("error", err.Error()))
		return
	}
	r.rep.DowngradeVerified(ctx, v.AgentAddress)
	r.audit.Record(ctx, audit.ActionDomainDowngraded, "agent", v.AgentAddress, "system", "",
		map[string]any{"domain": v.Domain, "detail": detail})
	r.logger.Warn("re-verification failed, downgraded to Tier 1",
		slog.String("address", v.AgentAddress),
		slog.String("domain", v.Domain),
		slog.String("detail", detail))
}
