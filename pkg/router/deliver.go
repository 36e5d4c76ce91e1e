package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

// deliver hands a verified envelope to the local cascade or to
// federation, depending on the recipient domain.
func (r *Router) deliver(ctx context.Context, env *protocol.Envelope) (*Result, error) {
	to, err := protocol.ParseAddress(env.To)
	if err != nil {
		return nil, err
	}
	if to.Domain != r.self {
		return r.deliverRemote(ctx, env)
	}

	method, err := r.DeliverLocal(ctx, env)
	if errors.Is(err, store.ErrAgentNotFound) {
		return nil, r.refuse(ctx, "unknown_recipient", notFound("Unknown recipient"))
	}
	if err != nil {
		return nil, err
	}
	return &Result{
		MessageID: env.MessageID,
		Delivered: method != MethodStored,
		Method:    method,
	}, nil
}

func (r *Router) deliverRemote(ctx context.Context, env *protocol.Envelope) (*Result, error) {
	if !r.fedEnabled || r.fwd == nil {
		return nil, r.refuse(ctx, "federation_disabled",
			unavailable("Recipient domain is remote and federation is disabled"))
	}
	sent, err := r.fwd.Forward(ctx, env)
	if err != nil {
		return nil, err
	}
	method := MethodFederationQueued
	if sent {
		method = MethodFederation
	}
	return &Result{MessageID: env.MessageID, Delivered: sent, Method: method}, nil
}

// DeliverLocal runs the local cascade: live WebSocket first, webhook
// initiation next, stored inbox as the floor. The envelope is
// persisted before the webhook attempt so a failed delivery never
// loses it. Unknown or deactivated recipients return
// store.ErrAgentNotFound. Federation ingress shares this path.
func (r *Router) DeliverLocal(ctx context.Context, env *protocol.Envelope) (string, error) {
	agent, err := r.st.AgentByAddress(ctx, env.To)
	if err != nil {
		return "", err
	}

	wire := env.Wire()
	if r.conns.SendTo(env.To, wire) {
		r.notifyDelivered(env)
		return MethodWS, nil
	}

	msg := &store.StoredMessage{
		MessageID: env.MessageID,
		From:      env.From,
		To:        env.To,
		ThreadID:  env.ThreadID,
		Envelope:  wire,
	}
	if env.Expires != "" {
		if exp, err := protocol.ParseTimestamp(env.Expires); err == nil {
			msg.ExpiresAt = exp
		}
	}
	// Without an envelope expiry the configured message TTL bounds how
	// long the row sits in the stored inbox.
	if msg.ExpiresAt.IsZero() && r.messageTTL > 0 {
		msg.ExpiresAt = r.now().UTC().Add(r.messageTTL)
	}
	if err := r.st.EnqueueMessage(ctx, msg); err != nil {
		return "", err
	}

	if r.hooks != nil {
		data, err := env.MarshalWire()
		if err != nil {
			return "", err
		}
		if r.hooks.TryDeliver(ctx, agent, env.MessageID, string(data)) {
			return MethodWebhook, nil
		}
	}
	return MethodStored, nil
}

// notifyDelivered pushes receipt.delivered to the sender after a live
// delivery. The type guard prevents receipt loops; the push result is
// ignored because delivery notices are fire-and-forget.
func (r *Router) notifyDelivered(env *protocol.Envelope) {
	if env.Type.IsReceipt() {
		return
	}
	r.conns.SendTo(env.From, protocol.NewDeliveryNotice(env.MessageID, env.To))
}

// Drain pushes address's queued inbox over its live WebSocket in
// insertion order, oldest first. Pushed rows are batch-marked
// delivered, and each non-receipt message earns its original sender a
// delivery notice. Returns how many messages were delivered.
func (r *Router) Drain(ctx context.Context, address string) (int, error) {
	total, err := r.drainQueued(ctx, address)
	if total > 0 {
		r.logger.Info("drained stored inbox",
			slog.Int("count", total), slog.String("address", address))
	}
	return total, err
}

func (r *Router) drainQueued(ctx context.Context, address string) (int, error) {
	total := 0
	for {
		msgs, err := r.st.UndeliveredMessages(ctx, address, drainBatch)
		if err != nil || len(msgs) == 0 {
			return total, err
		}

		pushed := 0
		ids := make([]int64, 0, len(msgs))
		for _, m := range msgs {
			if !r.conns.SendTo(address, m.Envelope) {
				break // connection died mid-drain; the rest stays queued
			}
			pushed++
			ids = append(ids, m.ID)
		}
		if pushed == 0 {
			return total, nil
		}
		if err := r.st.MarkDeliveredBatch(ctx, ids, r.now().UTC()); err != nil {
			return total, err
		}
		total += pushed

		for _, m := range msgs[:pushed] {
			typ, _ := m.Envelope["type"].(string)
			if m.From == "" || strings.HasPrefix(typ, "receipt.") {
				continue
			}
			r.conns.SendTo(m.From, protocol.NewDeliveryNotice(m.MessageID, address))
		}
		if pushed < len(msgs) || len(msgs) < drainBatch {
			return total, nil
		}
	}
}
