package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/connections"
	"github.com/YouAM-Network/uam-relay/pkg/observability"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

// retryDelays spaces out delivery attempts: immediate, 5s, 5m, 30m, 2h.
// The slice length is also the attempt budget.
var retryDelays = []time.Duration{
	0,
	5 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

const userAgent = "UAM-Relay/0.1.0"

// circuitHoldDelay is how long a due row waits when the recipient's
// circuit is open before the queue looks at it again.
const circuitHoldDelay = time.Minute

// SignatureHeader carries the HMAC of the webhook body.
const SignatureHeader = "X-UAM-Signature"

// Signature computes the X-UAM-Signature value: sha256=<hex> of an
// HMAC-SHA256 over body, keyed by the recipient agent's bearer token.
func Signature(body []byte, token string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Worker drains the webhook delivery queue.
type Worker struct {
	store   *store.Store
	conns   *connections.Manager
	breaker *Breaker
	obs     *observability.Provider
	logger  *slog.Logger
	client  *http.Client

	// validate re-checks the target URL before each attempt; tests
	// substitute a permissive one to reach loopback servers.
	validate func(ctx context.Context, rawURL string) error

	pollInterval time.Duration
	batchSize    int
}

// NewWorker wires the delivery worker. The HTTP client never follows
// redirects: a 3xx answer comes back as-is and is retried like any
// other non-2xx, instead of handing an attacker a hop to a private
// address.
func NewWorker(st *store.Store, conns *connections.Manager, validator *Validator,
	breaker *Breaker, obs *observability.Provider, logger *slog.Logger, timeout time.Duration) *Worker {
	return &Worker{
		store:    st,
		conns:    conns,
		breaker:  breaker,
		obs:      obs,
		validate: validator.Validate,
		logger:   logger.With("component", "webhook"),
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		pollInterval: 5 * time.Second,
		batchSize:    20,
	}
}

// TryDeliver enqueues a delivery for the agent if its webhook can be
// attempted right now. True means initiated, not succeeded: the worker
// runs the POSTs asynchronously.
func (w *Worker) TryDeliver(ctx context.Context, agent *store.Agent, messageID, envelopeJSON string) bool {
	if agent.WebhookURL == "" {
		return false
	}
	if !w.breaker.Available(ctx, agent.Address) {
		w.logger.Debug("circuit open, skipping webhook", "address", agent.Address)
		return false
	}
	if _, err := w.store.EnqueueWebhook(ctx, agent.Address, messageID, envelopeJSON); err != nil {
		w.logger.Error("webhook enqueue failed", "address", agent.Address, "error", err)
		return false
	}
	return true
}

// Run polls for due deliveries until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.process(ctx)
		}
	}
}

func (w *Worker) process(ctx context.Context) {
	due, err := w.store.DueWebhooks(ctx, time.Now().UTC(), w.batchSize)
	if err != nil {
		w.logger.Error("webhook queue poll failed", "error", err)
		return
	}
	for _, d := range due {
		if ctx.Err() != nil {
			return
		}
		w.attempt(ctx, d)
	}
}

// attempt runs one POST for a queued delivery and settles its row.
func (w *Worker) attempt(ctx context.Context, d *store.WebhookDelivery) {
	agent, err := w.store.AgentByAddress(ctx, d.AgentAddress)
	if err != nil {
		w.fail(ctx, d, 0, "recipient unavailable")
		return
	}
	if agent.WebhookURL == "" {
		w.fail(ctx, d, 0, "webhook URL cleared")
		return
	}

	if !w.breaker.Available(ctx, d.AgentAddress) {
		// Hold the row without consuming an attempt.
		next := time.Now().UTC().Add(circuitHoldDelay)
		if err := w.store.MarkWebhookRetry(ctx, d.ID, d.AttemptCount, 0, "circuit open", next); err != nil {
			w.logger.Error("webhook reschedule failed", "id", d.ID, "error", err)
		}
		return
	}

	// TOCTOU defense: the URL may have started resolving somewhere
	// dangerous since registration.
	if err := w.validate(ctx, agent.WebhookURL); err != nil {
		w.logger.Warn("webhook URL re-validation failed",
			"address", d.AgentAddress, "error", err)
		w.fail(ctx, d, 0, "URL re-validation failed: "+err.Error())
		return
	}

	body := []byte(d.Envelope)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.WebhookURL, bytes.NewReader(body))
	if err != nil {
		w.fail(ctx, d, 0, "bad webhook URL: "+err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(SignatureHeader, Signature(body, agent.Token))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retry(ctx, d, 0, err.Error())
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.succeed(ctx, d, resp.StatusCode)
	case nonRetriable(resp.StatusCode):
		w.logger.Warn("webhook got non-retriable status, giving up",
			"address", d.AgentAddress, "status", resp.StatusCode)
		w.fail(ctx, d, resp.StatusCode, fmt.Sprintf("non-retriable HTTP %d", resp.StatusCode))
	default:
		w.retry(ctx, d, resp.StatusCode, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
}

// nonRetriable reports whether a status ends the delivery outright.
// Client errors don't heal with time, except timeouts and throttles.
func nonRetriable(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusRequestTimeout &&
		status != http.StatusTooManyRequests
}

func (w *Worker) succeed(ctx context.Context, d *store.WebhookDelivery, status int) {
	if err := w.store.MarkWebhookDelivered(ctx, d.ID, status); err != nil {
		w.logger.Error("webhook completion failed", "id", d.ID, "error", err)
	}
	// The stored copy is delivered too; inbox drains must not replay it.
	if err := w.store.MarkMessageDelivered(ctx, d.MessageID, time.Now().UTC()); err != nil {
		w.logger.Error("stored message flip failed", "message_id", d.MessageID, "error", err)
	}
	w.breaker.RecordSuccess(ctx, d.AgentAddress)
	w.obs.RecordWebhook(ctx, "delivered")
	w.logger.Info("webhook delivered",
		"address", d.AgentAddress, "message_id", d.MessageID, "status", status)
	w.notifySender(d)
}

// notifySender pushes receipt.delivered to the original sender. The
// guard on receipt types prevents receipt loops.
func (w *Worker) notifySender(d *store.WebhookDelivery) {
	if w.conns == nil {
		return
	}
	var env struct {
		From string `json:"from"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(d.Envelope), &env); err != nil || env.From == "" {
		return
	}
	if strings.HasPrefix(env.Type, "receipt.") {
		return
	}
	w.conns.SendTo(env.From, protocol.NewDeliveryNotice(d.MessageID, d.AgentAddress))
}

func (w *Worker) retry(ctx context.Context, d *store.WebhookDelivery, status int, reason string) {
	attempts := d.AttemptCount + 1
	if attempts >= len(retryDelays) {
		w.logger.Warn("webhook retries exhausted",
			"address", d.AgentAddress, "message_id", d.MessageID, "attempts", attempts)
		w.fail(ctx, d, status, "all retries exhausted: "+reason)
		w.breaker.RecordFailure(ctx, d.AgentAddress)
		return
	}
	next := time.Now().UTC().Add(retryDelays[attempts])
	if err := w.store.MarkWebhookRetry(ctx, d.ID, attempts, status, reason, next); err != nil {
		w.logger.Error("webhook retry update failed", "id", d.ID, "error", err)
	}
	w.obs.RecordWebhook(ctx, "retried")
	w.logger.Debug("webhook retry scheduled",
		"address", d.AgentAddress, "attempt", attempts, "next", next, "reason", reason)
}

// fail closes the delivery row. The envelope stays queued in messages,
// so the recipient still gets it on the next inbox drain.
func (w *Worker) fail(ctx context.Context, d *store.WebhookDelivery, status int, reason string) {
	if err := w.store.MarkWebhookFailed(ctx, d.ID, status, reason); err != nil {
		w.logger.Error("webhook failure update failed", "id", d.ID, "error", err)
	}
	w.obs.RecordWebhook(ctx, "failed")
}
