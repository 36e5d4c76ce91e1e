package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/audit"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

type registerRequest struct {
	AgentName  string `json:"agent_name"`
	PublicKey  string `json:"public_key"`
	WebhookURL string `json:"webhook_url"`
}

type registerResponse struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Relay   string `json:"relay"`
}

// handleRegister claims an agent name on this relay's domain. The only
// unauthenticated write endpoint, so it carries its own per-IP window
// on top of the global limiter.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ip := api.ClientIP(r)
	if !s.registrations.Allow(ip) {
		retry := int(s.registrations.RetryAfter(ip).Seconds()) + 1
		api.WriteTooManyRequests(w, retry, "Registration rate limit exceeded (5/min)")
		return
	}

	var body registerRequest
	if !s.decodeJSON(w, r, &body) {
		return
	}

	if _, err := protocol.DecodePublicKey(body.PublicKey); err != nil {
		api.WriteBadRequest(w, "Invalid public key: "+err.Error())
		return
	}

	name := strings.ToLower(strings.TrimSpace(body.AgentName))
	address := name + "::" + s.cfg.RelayDomain
	if _, err := protocol.ParseAddress(address); err != nil {
		var invalid *protocol.InvalidAddressError
		reason := err.Error()
		if errors.As(err, &invalid) {
			reason = invalid.Reason
		}
		api.WriteKind(w, http.StatusBadRequest, api.KindInvalidAddress, "Invalid agent name: "+reason)
		return
	}

	if s.filter.Blocked(address) {
		api.WriteForbidden(w, "Registration blocked: address or domain is blocklisted")
		return
	}

	if body.WebhookURL != "" {
		if err := s.validator.Validate(ctx, body.WebhookURL); err != nil {
			api.WriteBadRequest(w, "Invalid webhook URL: "+err.Error())
			return
		}
	}

	agent, created, err := s.st.RegisterAgent(ctx, address, body.PublicKey, api.NewToken(32), body.WebhookURL)
	if err != nil {
		if errors.Is(err, store.ErrAddressTaken) {
			api.WriteConflict(w, "Agent address already registered: "+address)
			return
		}
		api.WriteInternal(w, s.logger, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.rep.Init(ctx, address)
		s.auditLog.Record(ctx, audit.ActionAgentRegistered, "agent", address, address, ip, nil)
		s.logger.Info("agent registered", "address", address)
	}
	api.WriteJSON(w, status, registerResponse{
		Address: address,
		Token:   agent.Token,
		Relay:   s.cfg.WSURL,
	})
}
