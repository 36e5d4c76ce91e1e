package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/config"
	"github.com/YouAM-Network/uam-relay/pkg/observability"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/ratelimit"
	"github.com/YouAM-Network/uam-relay/pkg/reputation"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

// forwardSchema shapes the relay-to-relay body before any field is
// trusted.
var forwardSchema = jsonschema.MustCompileString("uam-federation-forward.json", `{
	"type": "object",
	"required": ["envelope", "via", "hop_count", "timestamp", "from_relay"],
	"properties": {
		"envelope":   {"type": "object"},
		"via":        {"type": "array", "items": {"type": "string"}},
		"hop_count":  {"type": "integer", "minimum": 0},
		"timestamp":  {"type": "string"},
		"from_relay": {"type": "string", "minLength": 1}
	}
}`)

// LocalDeliverer hands a verified inbound envelope to the local
// delivery cascade. It reports the method used (ws, webhook, stored)
// or store.ErrAgentNotFound for an unknown recipient.
type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, env *protocol.Envelope) (string, error)
}

// forward is a decoded relay-to-relay body plus its canonical signing
// bytes.
type forward struct {
	Envelope  map[string]any
	Via       []string
	HopCount  int
	Timestamp string
	FromRelay string
	Canonical []byte
}

// parseForward decodes and schema-validates a forward body. The empty
// string return is the client-facing rejection detail.
func parseForward(raw []byte) (*forward, string) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, "Body is not a JSON object"
	}
	if err := forwardSchema.Validate(body); err != nil {
		return nil, "Forward body failed validation"
	}

	f := &forward{
		Envelope:  body["envelope"].(map[string]any),
		Timestamp: body["timestamp"].(string),
		FromRelay: body["from_relay"].(string),
	}
	hop, err := body["hop_count"].(json.Number).Int64()
	if err != nil {
		return nil, "hop_count is not an integer"
	}
	f.HopCount = int(hop)
	for _, v := range body["via"].([]any) {
		f.Via = append(f.Via, v.(string))
	}

	canonical, err := protocol.Canonicalize(body)
	if err != nil {
		return nil, "Forward body cannot be canonicalized"
	}
	f.Canonical = canonical
	return f, ""
}

// Inbound is the HTTP gate for forwards arriving from peer relays. The
// checks run cheapest-first; the relay signature is verified before
// anything inside the envelope is believed.
type Inbound struct {
	st      *store.Store
	disco   *Discoverer
	relays  *reputation.RelayManager
	window  *ratelimit.Counter
	deliver LocalDeliverer
	obs     *observability.Provider
	logger  *slog.Logger

	enabled bool
	self    string
	maxHops int
	maxAge  time.Duration
	now     func() time.Time
}

// NewInbound wires the inbound federation gate. window is the shared
// per-peer sliding counter; its limit is overridden per call from the
// peer's reputation tier.
func NewInbound(st *store.Store, disco *Discoverer, relays *reputation.RelayManager,
	window *ratelimit.Counter, deliver LocalDeliverer, obs *observability.Provider,
	cfg *config.Settings, logger *slog.Logger) *Inbound {
	return &Inbound{
		st:      st,
		disco:   disco,
		relays:  relays,
		window:  window,
		deliver: deliver,
		obs:     obs,
		logger:  logger.With(slog.String("component", "federation-inbound")),
		enabled: cfg.FederationEnabled,
		self:    cfg.RelayDomain,
		maxHops: cfg.FederationMaxHops,
		maxAge:  cfg.FederationTimestampMaxAge,
		now:     time.Now,
	}
}

func (in *Inbound) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	if !in.enabled {
		api.WriteNotImplemented(w, "Federation is not enabled on this relay")
		return
	}

	peer := r.Header.Get(DomainHeader)
	if peer == "" {
		api.WriteUnauthorized(w, "Missing "+DomainHeader+" header")
		return
	}

	blocked, err := in.st.IsRelayBlocked(ctx, peer)
	if err != nil {
		api.WriteInternal(w, in.logger, err)
		return
	}
	if blocked {
		in.reject(ctx, peer, "", 0, "blocklisted")
		api.WriteForbidden(w, "Relay is blocked")
		return
	}

	allowlisted, err := in.st.IsRelayAllowed(ctx, peer)
	if err != nil {
		api.WriteInternal(w, in.logger, err)
		return
	}
	if !allowlisted {
		limit := in.relays.InboundLimit(ctx, peer)
		if limit <= 0 {
			in.reject(ctx, peer, "", 0, "reputation blocked")
			api.WriteForbidden(w, "Relay reputation too low")
			return
		}
		if !in.window.AllowLimit(peer, limit) {
			retry := in.window.RetryAfterLimit(peer, limit)
			api.WriteTooManyRequests(w, int(retry.Seconds())+1, "Relay rate limit exceeded")
			return
		}
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		in.relays.RecordMalformed(ctx, peer)
		api.WriteBadRequest(w, "Request body unreadable")
		return
	}
	fwd, detail := parseForward(raw)
	if fwd == nil {
		in.relays.RecordMalformed(ctx, peer)
		in.reject(ctx, peer, "", 0, detail)
		api.WriteBadRequest(w, detail)
		return
	}

	ts, err := protocol.ParseTimestamp(fwd.Timestamp)
	if err != nil {
		in.relays.RecordMalformed(ctx, peer)
		api.WriteBadRequest(w, "Invalid forward timestamp")
		return
	}
	age := in.now().UTC().Sub(ts)
	if age < 0 {
		age = -age
	}
	if age > in.maxAge {
		in.relays.RecordMalformed(ctx, peer)
		in.reject(ctx, peer, messageIDOf(fwd.Envelope), fwd.HopCount, "stale timestamp")
		api.WriteBadRequest(w, "Forward timestamp outside freshness window")
		return
	}

	if fwd.HopCount >= in.maxHops {
		in.relays.RecordLoopViolation(ctx, peer)
		in.reject(ctx, peer, messageIDOf(fwd.Envelope), fwd.HopCount, "hop count exceeded")
		api.WriteBadRequest(w, "Maximum hop count exceeded")
		return
	}
	if slices.Contains(fwd.Via, in.self) {
		in.relays.RecordLoopViolation(ctx, peer)
		in.reject(ctx, peer, messageIDOf(fwd.Envelope), fwd.HopCount, "forwarding loop")
		api.WriteBadRequest(w, "Forwarding loop detected")
		return
	}

	to, _ := fwd.Envelope["to"].(string)
	toAddr, err := protocol.ParseAddress(to)
	if err != nil || toAddr.Domain != in.self {
		in.relays.RecordMalformed(ctx, peer)
		in.reject(ctx, peer, messageIDOf(fwd.Envelope), fwd.HopCount, "wrong destination")
		api.WriteBadRequest(w, "Recipient is not served by this relay")
		return
	}

	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		api.WriteUnauthorized(w, "Missing "+SignatureHeader+" header")
		return
	}
	if !in.verifyPeer(ctx, peer, sig, fwd.Canonical) {
		in.relays.RecordInvalidSignature(ctx, peer)
		in.reject(ctx, peer, messageIDOf(fwd.Envelope), fwd.HopCount, "relay signature invalid")
		api.WriteUnauthorized(w, "Relay signature verification failed")
		return
	}

	env, err := protocol.FromWire(fwd.Envelope)
	if err != nil {
		in.relays.RecordMalformed(ctx, peer)
		api.WriteKind(w, http.StatusBadRequest, api.KindInvalidEnvelope, err.Error())
		return
	}
	if !in.verifyAgent(ctx, env) {
		in.relays.RecordMalformed(ctx, peer)
		in.reject(ctx, peer, env.MessageID, fwd.HopCount, "agent signature invalid")
		api.WriteKind(w, http.StatusBadRequest, api.KindSignature, "signature verification failed")
		return
	}

	fresh, err := in.st.RecordSeen(ctx, env.MessageID, env.From)
	if err != nil {
		api.WriteInternal(w, in.logger, err)
		return
	}
	if !fresh {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	method, err := in.deliver.DeliverLocal(ctx, env)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			in.reject(ctx, peer, env.MessageID, fwd.HopCount, "unknown recipient")
			api.WriteNotFound(w, "Unknown recipient")
			return
		}
		api.WriteInternal(w, in.logger, err)
		return
	}

	status := "stored"
	if method == "ws" {
		status = "delivered"
	}
	in.log(ctx, peer, env.MessageID, fwd.HopCount, status, "")
	in.relays.RecordValidForward(ctx, peer)
	in.obs.RecordFederation(ctx, "inbound", status)
	in.logger.Info("inbound forward delivered",
		slog.String("from_relay", peer),
		slog.String("message_id", env.MessageID),
		slog.String("status", status))
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": status})
}

// verifyPeer checks the relay signature against the peer's cached key.
// On mismatch the cache entry is evicted and discovery retried once,
// covering peer key rotation.
func (in *Inbound) verifyPeer(ctx context.Context, peer, sig string, canonical []byte) bool {
	relay, err := in.disco.Resolve(ctx, peer)
	if err != nil {
		in.logger.Warn("peer discovery failed during verification",
			slog.String("domain", peer), slog.String("error", err.Error()))
		return false
	}
	if verifyWith(relay.PublicKey, sig, canonical) {
		return true
	}
	if err := in.disco.Evict(ctx, peer); err != nil {
		return false
	}
	relay, err = in.disco.Resolve(ctx, peer)
	if err != nil {
		return false
	}
	return verifyWith(relay.PublicKey, sig, canonical)
}

func verifyWith(keyB64, sig string, data []byte) bool {
	pub, err := protocol.DecodePublicKey(keyB64)
	if err != nil {
		return false
	}
	return protocol.Verify(pub, sig, data) == nil
}

// verifyAgent checks the end-to-end envelope signature. The key comes
// from the sender_key hint, falling back to a local registration. A
// remote sender without a hint cannot be verified here; that envelope
// passes with a warning because the recipient verifies end-to-end
// anyway.
func (in *Inbound) verifyAgent(ctx context.Context, env *protocol.Envelope) bool {
	keyB64 := env.SenderKey
	if keyB64 == "" {
		if agent, err := in.st.AgentByAddress(ctx, env.From); err == nil {
			keyB64 = agent.PublicKey
		}
	}
	if keyB64 == "" {
		in.logger.Warn("inbound envelope sender unverifiable",
			slog.String("from", env.From), slog.String("message_id", env.MessageID))
		return true
	}
	pub, err := protocol.DecodePublicKey(keyB64)
	if err != nil {
		return false
	}
	return env.VerifySignature(pub) == nil
}

// reject writes a rejected row to the federation log.
func (in *Inbound) reject(ctx context.Context, peer, messageID string, hops int, reason string) {
	in.obs.RecordFederation(ctx, "inbound", "rejected")
	in.log(ctx, peer, messageID, hops, "rejected", reason)
}

func (in *Inbound) log(ctx context.Context, peer, messageID string, hops int, status, errText string) {
	err := in.st.LogFederation(ctx, &store.FederationLogEntry{
		MessageID: messageID,
		FromRelay: peer,
		ToRelay:   in.self,
		Direction: "inbound",
		HopCount:  hops,
		Status:    status,
		Error:     errText,
	})
	if err != nil {
		in.logger.Warn("federation log write failed", slog.String("error", err.Error()))
	}
}
