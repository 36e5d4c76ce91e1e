package server

import (
	"errors"
	"net/http"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/audit"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

type agentResponse struct {
	Address     string `json:"address"`
	PublicKey   string `json:"public_key"`
	Status      string `json:"status"`
	DisplayName string `json:"display_name,omitempty"`
	WebhookURL  string `json:"webhook_url,omitempty"`
	LastSeen    string `json:"last_seen,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func agentJSON(a *store.Agent) agentResponse {
	resp := agentResponse{
		Address:     a.Address,
		PublicKey:   a.PublicKey,
		Status:      a.Status,
		DisplayName: a.DisplayName,
		WebhookURL:  a.WebhookURL,
		CreatedAt:   protocol.UTCTimestamp(a.CreatedAt),
	}
	if !a.LastSeen.IsZero() {
		resp.LastSeen = protocol.UTCTimestamp(a.LastSeen)
	}
	return resp
}

// handlePublicKey serves an agent's public key without auth: a sender
// needs the recipient's key to seal its very first handshake.request,
// before any credentials exist between them.
func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := r.PathValue("address")

	target, err := s.st.AgentByAddress(ctx, address)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			api.WriteNotFound(w, "Agent not found: "+address)
			return
		}
		api.WriteInternal(w, s.logger, err)
		return
	}

	resp := map[string]any{
		"address":    address,
		"public_key": target.PublicKey,
		"tier":       1,
	}
	v, err := s.st.VerificationFor(ctx, address)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		api.WriteInternal(w, s.logger, err)
		return
	}
	if v != nil && v.Status == store.VerificationVerified {
		resp["tier"] = 2
		resp["verified_domain"] = v.Domain
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// handlePresence reports whether an agent is connected right now.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := r.PathValue("address")

	if s.authenticate(w, r) == nil {
		return
	}

	target, err := s.st.AgentByAddress(ctx, address)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			api.WriteNotFound(w, "Agent not found")
			return
		}
		api.WriteInternal(w, s.logger, err)
		return
	}

	resp := map[string]any{
		"address": address,
		"online":  s.conns.IsOnline(address),
	}
	if !target.LastSeen.IsZero() {
		resp["last_seen"] = protocol.UTCTimestamp(target.LastSeen)
	} else {
		resp["last_seen"] = nil
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// handleVerificationStatus reports an agent's verification tier.
// Public: tier is a trust signal meant to be checked before messaging
// someone.
func (s *Server) handleVerificationStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := r.PathValue("address")

	if _, err := s.st.AgentByAddress(ctx, address); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			api.WriteNotFound(w, "Agent not found: "+address)
			return
		}
		api.WriteInternal(w, s.logger, err)
		return
	}

	v, err := s.st.VerificationFor(ctx, address)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		api.WriteInternal(w, s.logger, err)
		return
	}
	if v != nil && v.Status == store.VerificationVerified {
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"address": address, "tier": 2, "domain": v.Domain,
		})
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"address": address, "tier": 1, "domain": nil,
	})
}

// handleUpdateAgent applies a partial profile update to the caller's
// own record.
func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := r.PathValue("address")

	if s.requireSelf(w, r, address, "Cannot update another agent's record") == nil {
		return
	}

	var body struct {
		DisplayName *string        `json:"display_name"`
		ContactCard map[string]any `json:"contact_card"`
		PublicKey   *string        `json:"public_key"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	if body.DisplayName == nil && body.ContactCard == nil && body.PublicKey == nil {
		api.WriteBadRequest(w, "No fields to update")
		return
	}
	if body.PublicKey != nil {
		if _, err := protocol.DecodePublicKey(*body.PublicKey); err != nil {
			api.WriteBadRequest(w, "Invalid Ed25519 public key")
			return
		}
	}

	upd := store.AgentUpdate{
		DisplayName: body.DisplayName,
		ContactCard: body.ContactCard,
		PublicKey:   body.PublicKey,
	}
	if err := s.st.UpdateAgent(ctx, address, upd); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			api.WriteNotFound(w, "Agent not found: "+address)
			return
		}
		api.WriteInternal(w, s.logger, err)
		return
	}

	updated, err := s.st.AgentByAddress(ctx, address)
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, agentJSON(updated))
}

// handleDeactivateAgent soft-deletes the caller's own record. The row
// and token survive so the owner can reactivate later.
func (s *Server) handleDeactivateAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := r.PathValue("address")

	agent := s.requireSelf(w, r, address, "Cannot deactivate another agent")
	if agent == nil {
		return
	}

	if err := s.st.DeactivateAgent(ctx, address); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			api.WriteNotFound(w, "Agent not found: "+address)
			return
		}
		api.WriteInternal(w, s.logger, err)
		return
	}
	s.auditLog.Record(ctx, audit.ActionAgentDeactivated, "agent", address, address, api.ClientIP(r), nil)

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "deactivated",
		"address": address,
	})
}

// handleReactivateAgent restores a soft-deleted record. The bearer
// token still resolves for deactivated agents, which is what makes
// this endpoint reachable at all.
func (s *Server) handleReactivateAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := r.PathValue("address")

	agent := s.requireSelf(w, r, address, "Cannot reactivate another agent")
	if agent == nil {
		return
	}
	if !agent.Deleted() {
		api.WriteConflict(w, "Agent was not deactivated")
		return
	}

	if err := s.st.ReactivateAgent(ctx, address); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			api.WriteNotFound(w, "Agent not found: "+address)
			return
		}
		api.WriteInternal(w, s.logger, err)
		return
	}
	s.auditLog.Record(ctx, audit.ActionAgentReactivated, "agent", address, address, api.ClientIP(r), nil)

	restored, err := s.st.AgentByAddress(ctx, address)
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, agentJSON(restored))
}
