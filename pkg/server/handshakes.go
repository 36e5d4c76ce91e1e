package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

type handshakeResponse struct {
	ID       int64  `json:"id"`
	Status   string `json:"status"`
	FromAddr string `json:"from_addr"`
	ToAddr   string `json:"to_addr"`
}

func handshakeJSON(h *store.Handshake) handshakeResponse {
	return handshakeResponse{ID: h.ID, Status: h.Status, FromAddr: h.From, ToAddr: h.To}
}

// handleHandshakeSend opens a relay-mediated introduction. The caller
// may attach a sealed handshake.request envelope; it rides the normal
// pipeline fire-and-forget so a refusal never fails the handshake row.
func (s *Server) handleHandshakeSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agent := s.authenticate(w, r)
	if agent == nil {
		return
	}

	var body struct {
		ToAddress   string         `json:"to_address"`
		ContactCard map[string]any `json:"contact_card"`
		Envelope    map[string]any `json:"envelope"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	if body.ToAddress == "" {
		api.WriteBadRequest(w, "Missing to_address")
		return
	}

	if _, err := s.st.PendingHandshake(ctx, agent.Address, body.ToAddress); err == nil {
		api.WriteConflict(w, "Handshake already pending")
		return
	} else if !errors.Is(err, store.ErrHandshakeNotFound) {
		api.WriteInternal(w, s.logger, err)
		return
	}

	hs, err := s.st.CreateHandshake(ctx, agent.Address, body.ToAddress, body.ContactCard)
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}

	if body.Envelope != nil {
		if _, err := s.router.Send(ctx, body.Envelope, agent); err != nil {
			s.logger.Debug("handshake envelope refused",
				"from", agent.Address, "to", body.ToAddress, "error", err)
		}
	}

	api.WriteJSON(w, http.StatusCreated, handshakeJSON(hs))
}

// handlePendingHandshakes lists introductions waiting on the caller.
func (s *Server) handlePendingHandshakes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := r.PathValue("address")

	if s.requireSelf(w, r, address, "Cannot view another agent's pending handshakes") == nil {
		return
	}

	pending, err := s.st.PendingHandshakesFor(ctx, address, 100)
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}

	items := make([]handshakeResponse, 0, len(pending))
	for _, h := range pending {
		items = append(items, handshakeJSON(h))
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"handshakes": items,
		"count":      len(items),
	})
}

// handleHandshakeRespond resolves a pending introduction. Approval
// records a contact row in each direction, carrying the initiator's
// card to the recipient.
func (s *Server) handleHandshakeRespond(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agent := s.authenticate(w, r)
	if agent == nil {
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		api.WriteValidation(w, "Handshake ID must be an integer")
		return
	}

	var body struct {
		Response string `json:"response"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	if body.Response != store.HandshakeStatusApproved && body.Response != store.HandshakeStatusDenied {
		api.WriteBadRequest(w, "Response must be 'approved' or 'denied'")
		return
	}

	hs, err := s.st.HandshakeByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrHandshakeNotFound) {
			api.WriteNotFound(w, "Handshake not found: "+strconv.FormatInt(id, 10))
			return
		}
		api.WriteInternal(w, s.logger, err)
		return
	}
	if hs.To != agent.Address {
		api.WriteForbidden(w, "Only the handshake recipient can respond")
		return
	}
	if hs.Status != store.HandshakeStatusPending {
		api.WriteConflict(w, "Handshake already resolved with status: "+hs.Status)
		return
	}

	if err := s.st.ResolveHandshake(ctx, id, body.Response); err != nil {
		if errors.Is(err, store.ErrHandshakeNotFound) {
			// Lost a race with another resolution; report the winner.
			if current, readErr := s.st.HandshakeByID(ctx, id); readErr == nil {
				api.WriteConflict(w, "Handshake already resolved with status: "+current.Status)
				return
			}
			api.WriteNotFound(w, "Handshake not found: "+strconv.FormatInt(id, 10))
			return
		}
		api.WriteInternal(w, s.logger, err)
		return
	}

	if body.Response == store.HandshakeStatusApproved {
		if err := s.st.UpsertContact(ctx, hs.From, hs.To, store.TrustTrusted, nil); err != nil {
			api.WriteInternal(w, s.logger, err)
			return
		}
		if err := s.st.UpsertContact(ctx, hs.To, hs.From, store.TrustTrusted, hs.ContactCard); err != nil {
			api.WriteInternal(w, s.logger, err)
			return
		}
	}

	resolved := handshakeJSON(hs)
	resolved.Status = body.Response
	api.WriteJSON(w, http.StatusOK, resolved)
}
