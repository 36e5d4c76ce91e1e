// Package router runs every accepted envelope through the send
// pipeline: policy gates cheapest-first, signature verification last,
// then the delivery cascade (live WebSocket, webhook, stored inbox,
// or federation for remote domains).
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/audit"
	"github.com/YouAM-Network/uam-relay/pkg/config"
	"github.com/YouAM-Network/uam-relay/pkg/connections"
	"github.com/YouAM-Network/uam-relay/pkg/federation"
	"github.com/YouAM-Network/uam-relay/pkg/observability"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/ratelimit"
	"github.com/YouAM-Network/uam-relay/pkg/reputation"
	"github.com/YouAM-Network/uam-relay/pkg/spam"
	"github.com/YouAM-Network/uam-relay/pkg/store"
	"github.com/YouAM-Network/uam-relay/pkg/webhook"
)

// Delivery methods reported in Result.Method.
const (
	MethodWS               = "ws"
	MethodWebhook          = "webhook"
	MethodStored           = "stored"
	MethodFederation       = "federation"
	MethodFederationQueued = "federation_queued"
)

const (
	// defaultSendLimit is the per-minute sender window for full-tier
	// and allowlisted senders.
	defaultSendLimit = 60
	// recipientLimit bounds inbound traffic per recipient per minute.
	recipientLimit = 100
	// minSendScore is the reputation floor below which sends are
	// refused outright.
	minSendScore = 20
	// expiryGrace absorbs clock skew between sender and relay when
	// checking the expires field.
	expiryGrace = 30 * time.Second

	drainBatch    = 100
	sweepInterval = 5 * time.Minute
)

// Result reports what Send did with an accepted envelope. Delivered is
// false only for methods that leave the envelope waiting (stored,
// federation_queued).
type Result struct {
	MessageID string `json:"message_id"`
	Delivered bool   `json:"delivered"`
	Method    string `json:"method,omitempty"`
}

// Router owns the acceptance pipeline and the in-memory send windows.
type Router struct {
	st     *store.Store
	conns  *connections.Manager
	hooks  *webhook.Worker
	fwd    *federation.Forwarder
	filter *spam.Filter
	rep    *reputation.Manager
	audit  *audit.Logger
	obs    *observability.Provider
	logger *slog.Logger

	senders    *ratelimit.Counter // per sender, limit from reputation tier
	recipients *ratelimit.Counter // per recipient
	domains    *ratelimit.Counter // per sender domain, local domain exempt

	self       string
	fedEnabled bool
	messageTTL time.Duration
	now        func() time.Time
}

// NewRouter wires the pipeline. fwd may be nil when federation is
// disabled; envelopes for remote domains are then refused.
func NewRouter(st *store.Store, conns *connections.Manager, hooks *webhook.Worker,
	fwd *federation.Forwarder, filter *spam.Filter, rep *reputation.Manager,
	auditLog *audit.Logger, obs *observability.Provider, cfg *config.Settings,
	logger *slog.Logger) *Router {
	return &Router{
		st:         st,
		conns:      conns,
		hooks:      hooks,
		fwd:        fwd,
		filter:     filter,
		rep:        rep,
		audit:      auditLog,
		obs:        obs,
		logger:     logger.With(slog.String("component", "router")),
		senders:    ratelimit.New(defaultSendLimit, time.Minute),
		recipients: ratelimit.New(recipientLimit, time.Minute),
		domains:    ratelimit.New(cfg.DomainRateLimit, time.Minute),
		self:       cfg.RelayDomain,
		fedEnabled: cfg.FederationEnabled,
		messageTTL: cfg.MessageTTL,
		now:        time.Now,
	}
}

// Send takes a raw wire envelope from the authenticated sender through
// the full pipeline. The checks run cheapest-first so junk is refused
// before any crypto; the signature is verified last. Refusals come
// back as *Rejection; any other error is internal.
func (r *Router) Send(ctx context.Context, raw map[string]any, sender *store.Agent) (*Result, error) {
	ctx, span := r.obs.StartSpan(ctx, "router.send")
	defer span.End()
	start := r.now()

	// Receipts skip the rate and reputation gates so a throttled agent
	// can still acknowledge what it receives. The type peek happens on
	// the raw map because those gates run before parsing.
	isReceipt := strings.HasPrefix(rawString(raw, "type"), "receipt.")

	if r.filter.Blocked(sender.Address) {
		r.rep.RecordBlocklistHit(ctx, sender.Address)
		r.auditRejected(ctx, sender.Address, rawString(raw, "message_id"), "blocklisted")
		return nil, r.refuse(ctx, "blocklist", forbidden("Sender is blocked"))
	}

	allowlisted := r.filter.Allowlisted(sender.Address)

	if !isReceipt {
		if err := r.senderWindow(ctx, sender.Address, rawString(raw, "message_id"), allowlisted); err != nil {
			return nil, err
		}
	}

	env, err := protocol.FromWire(raw)
	if err != nil {
		r.rep.RecordRejected(ctx, sender.Address)
		return nil, r.refuse(ctx, "parse", invalidEnvelope(err))
	}

	if env.From != sender.Address {
		return nil, r.refuse(ctx, "identity", forbidden(fmt.Sprintf(
			"Sender mismatch: envelope from '%s' but authenticated as '%s'", env.From, sender.Address)))
	}

	fresh, err := r.st.RecordSeen(ctx, env.MessageID, sender.Address)
	if err != nil {
		return nil, err
	}
	if !fresh {
		// Idempotent for the sender: same answer as the first accept,
		// nothing re-delivered.
		r.obs.RecordRouted(ctx, "duplicate", string(env.Type), r.now().Sub(start))
		return &Result{MessageID: env.MessageID, Delivered: true}, nil
	}

	if env.Expired(r.now().UTC(), expiryGrace) {
		return nil, r.refuse(ctx, "expired", badRequest("Message has expired"))
	}

	if !isReceipt && !allowlisted {
		if d := domainOf(sender.Address); d != "" && d != r.self && !r.domains.Allow(d) {
			return nil, r.refuse(ctx, "domain_window",
				tooMany(r.domains.RetryAfter(d), "Domain rate limit exceeded"))
		}
	}

	if !isReceipt && !r.recipients.Allow(env.To) {
		return nil, r.refuse(ctx, "recipient_window",
			tooMany(r.recipients.RetryAfter(env.To), "Recipient rate limit exceeded (100/min)"))
	}

	if !isReceipt && !allowlisted && r.rep.Score(ctx, sender.Address) < minSendScore {
		r.rep.RecordRejected(ctx, sender.Address)
		r.auditRejected(ctx, sender.Address, env.MessageID, "reputation too low")
		return nil, r.refuse(ctx, "reputation", forbidden("Sender reputation too low"))
	}

	pub, err := protocol.DecodePublicKey(sender.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("registered key for %s unusable: %w", sender.Address, err)
	}
	if err := env.VerifySignature(pub); err != nil {
		return nil, r.refuse(ctx, "signature", &Rejection{
			Status: http.StatusBadRequest,
			Kind:   api.KindSignature,
			Detail: "signature verification failed",
		})
	}

	res, err := r.deliver(ctx, env)
	if err != nil {
		return nil, err
	}
	if !isReceipt {
		r.rep.RecordAccepted(ctx, sender.Address)
	}
	r.obs.RecordRouted(ctx, res.Method, string(env.Type), r.now().Sub(start))
	r.logger.Debug("envelope routed",
		slog.String("message_id", env.MessageID),
		slog.String("from", env.From),
		slog.String("to", env.To),
		slog.String("method", res.Method))
	return res, nil
}

// senderWindow applies the adaptive per-sender limit. Allowlisted
// senders keep the default window rather than the reputation-derived
// one: the allowlist skips scoring, not flood control.
func (r *Router) senderWindow(ctx context.Context, address, messageID string, allowlisted bool) error {
	limit := defaultSendLimit
	if !allowlisted {
		limit = reputation.SendLimit(r.rep.Score(ctx, address))
		if limit == 0 {
			r.rep.RecordRejected(ctx, address)
			r.auditRejected(ctx, address, messageID, "reputation too low")
			return r.refuse(ctx, "reputation", forbidden("Sender reputation too low"))
		}
	}
	if !r.senders.AllowLimit(address, limit) {
		r.rep.RecordRejected(ctx, address)
		return r.refuse(ctx, "sender_window",
			tooMany(r.senders.RetryAfterLimit(address, limit), "Sender rate limit exceeded"))
	}
	return nil
}

// refuse records the rejection metric and returns rej as the pipeline
// error.
func (r *Router) refuse(ctx context.Context, stage string, rej *Rejection) error {
	r.obs.RecordRejected(ctx, stage)
	return rej
}

func (r *Router) auditRejected(ctx context.Context, sender, messageID, reason string) {
	details := map[string]any{"reason": reason}
	if messageID != "" {
		details["message_id"] = messageID
	}
	r.audit.Record(ctx, audit.ActionMessageRejected, "agent", sender, sender, "", details)
}

// Run sweeps idle rate-limit keys until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.senders.Cleanup()
			r.recipients.Cleanup()
			r.domains.Cleanup()
		}
	}
}

func rawString(d map[string]any, key string) string {
	s, _ := d[key].(string)
	return s
}

func domainOf(address string) string {
	addr, err := protocol.ParseAddress(address)
	if err != nil {
		return ""
	}
	return addr.Domain
}
