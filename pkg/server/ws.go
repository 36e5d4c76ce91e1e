package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/connections"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/router"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

// wsError is the per-frame refusal shape. The session stays open after
// one; only auth and policy failures before the upgrade end it.
type wsError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type wsAck struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Delivered bool   `json:"delivered"`
}

// handleWS authenticates the ?token query parameter and upgrades to a
// WebSocket session. Refusals answer as plain HTTP before the upgrade,
// so a rejected client never gets a socket at all.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		api.WriteUnauthorized(w, "Missing token")
		return
	}
	agent, err := s.st.AgentByToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			api.WriteUnauthorized(w, "Invalid token")
		} else {
			api.WriteInternal(w, s.logger, err)
		}
		return
	}
	if s.filter.Blocked(agent.Address) {
		api.WriteForbidden(w, "Sender is blocked")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request.
		s.logger.Debug("websocket upgrade failed",
			"address", agent.Address, "error", err)
		return
	}
	s.serveSocket(ws, agent)
}

// serveSocket owns one session: register (displacing any previous
// session for the address), drain the stored inbox, then pump inbound
// frames until the peer goes away.
func (s *Server) serveSocket(ws *websocket.Conn, agent *store.Agent) {
	// The request context dies with the HTTP handler; session work
	// hangs off the background context and ends when the read loop
	// does.
	ctx := context.Background()
	address := agent.Address

	conn := s.conns.Register(address, ws)
	s.obs.SessionOpened(ctx)
	s.logger.Info("session opened", "address", address)

	defer func() {
		s.conns.Unregister(conn)
		if err := s.st.TouchLastSeen(ctx, address, time.Now().UTC()); err != nil {
			s.logger.Warn("failed to persist last_seen",
				"address", address, "error", err)
		}
		s.obs.SessionClosed(ctx)
		s.logger.Info("session closed", "address", address)
		_ = ws.Close()
	}()

	if n, err := s.router.Drain(ctx, address); err != nil {
		s.logger.Warn("inbox drain failed", "address", address, "error", err)
	} else if n > 0 {
		s.logger.Info("drained stored messages",
			"address", address, "count", n)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(ctx, conn, agent, data)
	}
}

// handleFrame dispatches one inbound frame. Envelopes are anything
// carrying uam_version; they run the full send pipeline and answer
// with an ack or an error frame. Everything else is session control.
func (s *Server) handleFrame(ctx context.Context, conn *connections.Conn, agent *store.Agent, data []byte) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var frame map[string]any
	if err := dec.Decode(&frame); err != nil {
		_ = conn.Send(wsError{
			Error:  "unknown_message_type",
			Detail: "Unrecognized message type: <invalid>",
		})
		return
	}

	if _, ok := frame["uam_version"]; ok {
		res, err := s.router.Send(ctx, frame, agent)
		if err != nil {
			var rej *router.Rejection
			if errors.As(err, &rej) {
				kind := rej.Kind
				if kind == "" {
					kind = api.KindFor(rej.Status)
				}
				_ = conn.Send(wsError{Error: kind, Detail: rej.Detail})
				return
			}
			s.logger.Error("websocket envelope failed",
				"address", agent.Address, "error", err)
			_ = conn.Send(wsError{
				Error:  "internal_error",
				Detail: "An unexpected error occurred. Please try again later.",
			})
			return
		}
		_ = conn.Send(wsAck{Type: "ack", MessageID: res.MessageID, Delivered: res.Delivered})
		return
	}

	kind, _ := frame["type"].(string)
	switch kind {
	case "pong":
		s.conns.RecordPong(agent.Address)
	case "ping":
		_ = conn.Send(map[string]string{"type": "pong", "ts": protocol.Now()})
	default:
		detail := "<missing>"
		if raw, ok := frame["type"]; ok {
			detail = fmt.Sprintf("%v", raw)
		}
		_ = conn.Send(wsError{
			Error:  "unknown_message_type",
			Detail: "Unrecognized message type: " + detail,
		})
	}
}
