package server

import (
	"net/http"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/audit"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

// handleVerifyDomain runs the DNS TXT / .well-known ownership check
// for the caller's claimed domain. A failed check is still a 200: the
// verification ran and answered no, which is a result, not an error.
func (s *Server) handleVerifyDomain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agent := s.authenticate(w, r)
	if agent == nil {
		return
	}

	var body struct {
		Domain string `json:"domain"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	if body.Domain == "" {
		api.WriteBadRequest(w, "Missing domain")
		return
	}

	ok, method, detail := s.checker.VerifyDomainOwnership(ctx, body.Domain, agent.PublicKey, agent.Address)
	if !ok {
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"status": "failed",
			"domain": body.Domain,
			"tier":   1,
			"detail": detail,
		})
		return
	}

	now := time.Now().UTC()
	err := s.st.UpsertVerification(ctx, &store.DomainVerification{
		AgentAddress: agent.Address,
		Domain:       body.Domain,
		PublicKey:    agent.PublicKey,
		Method:       method,
		VerifiedAt:   now,
		LastChecked:  now,
		TTLHours:     int(s.cfg.DomainVerificationTTL.Hours()),
		Status:       store.VerificationVerified,
	})
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}

	s.rep.PromoteVerified(ctx, agent.Address)
	s.auditLog.Record(ctx, audit.ActionDomainVerified, "agent", agent.Address, agent.Address,
		api.ClientIP(r), map[string]any{"domain": body.Domain, "method": method})

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "verified",
		"domain": body.Domain,
		"tier":   2,
	})
}
