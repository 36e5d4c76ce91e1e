package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/config"
	"github.com/YouAM-Network/uam-relay/pkg/observability"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

// Relay-to-relay authentication headers.
const (
	SignatureHeader = "X-UAM-Relay-Signature"
	DomainHeader    = "X-UAM-Relay-Domain"
)

const userAgent = "UAM-Relay/0.1.0"

// retrySchedule spaces queued forward attempts: immediate, 30s, 5m,
// 30m, 2h. Its length is the attempt budget.
var retrySchedule = []time.Duration{
	0,
	30 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// Forwarder pushes envelopes to peer relays and drains the durable
// retry queue for peers that were unreachable.
type Forwarder struct {
	st     *store.Store
	disco  *Discoverer
	priv   ed25519.PrivateKey
	self   string
	client *http.Client
	obs    *observability.Provider
	logger *slog.Logger

	interval time.Duration
	batch    int
	now      func() time.Time
}

// NewForwarder wires the outbound side of federation.
func NewForwarder(st *store.Store, disco *Discoverer, priv ed25519.PrivateKey,
	cfg *config.Settings, obs *observability.Provider, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		st:       st,
		disco:    disco,
		priv:     priv,
		self:     cfg.RelayDomain,
		client:   &http.Client{Timeout: cfg.FederationTimeout},
		obs:      obs,
		logger:   logger.With(slog.String("component", "federation")),
		interval: cfg.FederationRetryInterval,
		batch:    cfg.FederationRetryBatch,
		now:      time.Now,
	}
}

// signedBody assembles the forward body and its detached signature.
// The signature covers the canonical form of the whole body, so the
// receiver re-canonicalizes whatever JSON it decodes and gets the same
// bytes.
func (f *Forwarder) signedBody(envWire map[string]any, via []string, hop int) ([]byte, string, error) {
	route := make([]string, 0, len(via)+1)
	route = append(route, via...)
	route = append(route, f.self)
	body := map[string]any{
		"envelope":   envWire,
		"via":        route,
		"hop_count":  hop + 1,
		"timestamp":  protocol.Now(),
		"from_relay": f.self,
	}
	canonical, err := protocol.Canonicalize(body)
	if err != nil {
		return nil, "", fmt.Errorf("federation: canonicalize forward: %w", err)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("federation: encode forward: %w", err)
	}
	return raw, protocol.Sign(f.priv, canonical), nil
}

// push POSTs one signed forward to a peer's federation endpoint.
func (f *Forwarder) push(ctx context.Context, relay *store.KnownRelay, envWire map[string]any, via []string, hop int) error {
	raw, sig, err := f.signedBody(envWire, via, hop)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relay.FederationURL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("federation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(SignatureHeader, sig)
	req.Header.Set(DomainHeader, f.self)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("federation: push to %s: %w", relay.Domain, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("federation: peer %s returned HTTP %d", relay.Domain, resp.StatusCode)
	}
	return nil
}

// Forward sends env to the relay serving its recipient domain. The
// bool reports immediate delivery; false with a nil error means the
// envelope was queued for the retry worker.
func (f *Forwarder) Forward(ctx context.Context, env *protocol.Envelope) (bool, error) {
	addr, err := protocol.ParseAddress(env.To)
	if err != nil {
		return false, err
	}
	domain := addr.Domain

	relay, err := f.disco.Resolve(ctx, domain)
	if err != nil {
		f.logger.Warn("relay discovery failed, queueing forward",
			slog.String("domain", domain),
			slog.String("message_id", env.MessageID),
			slog.String("error", err.Error()))
		f.obs.RecordFederation(ctx, "outbound", "queued")
		return false, f.enqueue(ctx, env, domain)
	}
	if err := f.push(ctx, relay, env.Wire(), nil, 0); err != nil {
		f.logger.Warn("federation push failed, queueing forward",
			slog.String("domain", domain),
			slog.String("message_id", env.MessageID),
			slog.String("error", err.Error()))
		f.obs.RecordFederation(ctx, "outbound", "queued")
		return false, f.enqueue(ctx, env, domain)
	}

	f.obs.RecordFederation(ctx, "outbound", "sent")
	f.logFederation(ctx, env.MessageID, domain, 1, store.FederationSent, "")
	return true, nil
}

func (f *Forwarder) enqueue(ctx context.Context, env *protocol.Envelope, domain string) error {
	return f.st.EnqueueFederation(ctx, &store.FederationQueueEntry{
		TargetDomain: domain,
		Envelope:     env.Wire(),
		Via:          []string{},
		HopCount:     0,
	})
}

// Run drains the retry queue on the configured interval until ctx is
// cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.drain(ctx)
		}
	}
}

func (f *Forwarder) drain(ctx context.Context) {
	due, err := f.st.DueFederation(ctx, f.now().UTC(), f.batch)
	if err != nil {
		f.logger.Error("federation queue poll failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		f.attempt(ctx, e)
	}
}

func (f *Forwarder) attempt(ctx context.Context, e *store.FederationQueueEntry) {
	relay, err := f.disco.Resolve(ctx, e.TargetDomain)
	if err != nil {
		f.reschedule(ctx, e, "discovery failed: "+err.Error())
		return
	}
	if err := f.push(ctx, relay, e.Envelope, e.Via, e.HopCount); err != nil {
		f.reschedule(ctx, e, err.Error())
		return
	}
	if err := f.st.MarkFederationSent(ctx, e.ID); err != nil {
		f.logger.Error("federation queue update failed",
			slog.Int64("id", e.ID), slog.String("error", err.Error()))
	}
	f.obs.RecordFederation(ctx, "outbound", "sent")
	f.logFederation(ctx, messageIDOf(e.Envelope), e.TargetDomain, e.HopCount+1, store.FederationSent, "")
}

func (f *Forwarder) reschedule(ctx context.Context, e *store.FederationQueueEntry, reason string) {
	attempts := e.AttemptCount + 1
	if attempts >= len(retrySchedule) {
		f.logger.Warn("federation retries exhausted",
			slog.String("domain", e.TargetDomain), slog.Int64("id", e.ID))
		if err := f.st.MarkFederationDead(ctx, e.ID, "retries exhausted: "+reason); err != nil {
			f.logger.Error("federation queue update failed",
				slog.Int64("id", e.ID), slog.String("error", err.Error()))
		}
		f.obs.RecordFederation(ctx, "outbound", "dead")
		f.logFederation(ctx, messageIDOf(e.Envelope), e.TargetDomain, e.HopCount+1, store.FederationDead, reason)
		return
	}
	next := f.now().UTC().Add(retrySchedule[attempts])
	if err := f.st.MarkFederationRetry(ctx, e.ID, attempts, next, reason); err != nil {
		f.logger.Error("federation queue update failed",
			slog.Int64("id", e.ID), slog.String("error", err.Error()))
	}
}

func (f *Forwarder) logFederation(ctx context.Context, messageID, target string, hops int, status, errText string) {
	err := f.st.LogFederation(ctx, &store.FederationLogEntry{
		MessageID: messageID,
		FromRelay: f.self,
		ToRelay:   target,
		Direction: "outbound",
		HopCount:  hops,
		Status:    status,
		Error:     errText,
	})
	if err != nil {
		f.logger.Warn("federation log write failed", slog.String("error", err.Error()))
	}
}

func messageIDOf(envWire map[string]any) string {
	if id, ok := envWire["message_id"].(string); ok {
		return id
	}
	return ""
}
