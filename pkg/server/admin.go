package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/audit"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/reputation"
	"github.com/YouAM-Network/uam-relay/pkg/spam"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

// adminActor marks operator-initiated audit entries; admin calls carry
// a key, not an agent address.
const adminActor = "admin"

type patternRequest struct {
	Pattern string `json:"pattern"`
	Reason  string `json:"reason"`
}

type patternEntry struct {
	Pattern   string `json:"pattern"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Blocklist and allowlist share request and response shapes, so the
// handlers delegate to one add/remove/list core parameterized by the
// filter mutator and the audit action.

func (s *Server) adminAddPattern(w http.ResponseWriter, r *http.Request,
	add func(context.Context, string, string) error, action string) {
	if !api.RequireAdmin(w, r, s.cfg.AdminAPIKey) {
		return
	}
	var body patternRequest
	if !s.decodeJSON(w, r, &body) {
		return
	}
	if !spam.ValidPattern(body.Pattern) {
		api.WriteBadRequest(w, "Pattern must contain '::' (e.g. 'name::domain' or '*::domain')")
		return
	}
	if err := add(r.Context(), body.Pattern, body.Reason); err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	var details map[string]any
	if body.Reason != "" {
		details = map[string]any{"reason": body.Reason}
	}
	s.auditLog.Record(r.Context(), action, "pattern", body.Pattern, adminActor, api.ClientIP(r), details)
	api.WriteJSON(w, http.StatusCreated, map[string]any{"pattern": body.Pattern, "status": "added"})
}

func (s *Server) adminRemovePattern(w http.ResponseWriter, r *http.Request, list string,
	remove func(context.Context, string) (bool, error), action string) {
	if !api.RequireAdmin(w, r, s.cfg.AdminAPIKey) {
		return
	}
	pattern := r.PathValue("pattern")
	removed, err := remove(r.Context(), pattern)
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	if !removed {
		api.WriteNotFound(w, "Pattern not found in "+list)
		return
	}
	s.auditLog.Record(r.Context(), action, "pattern", pattern, adminActor, api.ClientIP(r), nil)
	api.WriteJSON(w, http.StatusOK, map[string]any{"pattern": pattern, "status": "removed"})
}

func (s *Server) adminListPatterns(w http.ResponseWriter, r *http.Request,
	list func(context.Context) ([]store.PolicyEntry, error)) {
	if !api.RequireAdmin(w, r, s.cfg.AdminAPIKey) {
		return
	}
	entries, err := list(r.Context())
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	out := make([]patternEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, patternEntry{
			Pattern:   e.Pattern,
			Reason:    e.Reason,
			CreatedAt: protocol.UTCTimestamp(e.CreatedAt),
		})
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"entries": out, "count": len(out)})
}

func (s *Server) adminAddBlocklist(w http.ResponseWriter, r *http.Request) {
	s.adminAddPattern(w, r, s.filter.BlockPattern, audit.ActionBlocklistAdded)
}

func (s *Server) adminRemoveBlocklist(w http.ResponseWriter, r *http.Request) {
	s.adminRemovePattern(w, r, "blocklist", s.filter.UnblockPattern, audit.ActionBlocklistRemoved)
}

func (s *Server) adminListBlocklist(w http.ResponseWriter, r *http.Request) {
	s.adminListPatterns(w, r, s.st.ListBlockPatterns)
}

func (s *Server) adminAddAllowlist(w http.ResponseWriter, r *http.Request) {
	s.adminAddPattern(w, r, s.filter.AllowPattern, audit.ActionAllowlistAdded)
}

func (s *Server) adminRemoveAllowlist(w http.ResponseWriter, r *http.Request) {
	s.adminRemovePattern(w, r, "allowlist", s.filter.UnallowPattern, audit.ActionAllowlistRemoved)
}

func (s *Server) adminListAllowlist(w http.ResponseWriter, r *http.Request) {
	s.adminListPatterns(w, r, s.st.ListAllowPatterns)
}

func reputationJSON(row *store.ReputationRow) map[string]any {
	return map[string]any{
		"address":           row.Address,
		"score":             row.Score,
		"tier":              reputation.Tier(row.Score),
		"messages_sent":     row.MessagesSent,
		"messages_rejected": row.MessagesRejected,
		"created_at":        protocol.UTCTimestamp(row.CreatedAt),
		"updated_at":        protocol.UTCTimestamp(row.UpdatedAt),
	}
}

func (s *Server) adminGetReputation(w http.ResponseWriter, r *http.Request) {
	if !api.RequireAdmin(w, r, s.cfg.AdminAPIKey) {
		return
	}
	row, err := s.st.GetReputation(r.Context(), r.PathValue("address"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteNotFound(w, "No reputation record for address")
		} else {
			api.WriteInternal(w, s.logger, err)
		}
		return
	}
	api.WriteJSON(w, http.StatusOK, reputationJSON(row))
}

func (s *Server) adminSetReputation(w http.ResponseWriter, r *http.Request) {
	if !api.RequireAdmin(w, r, s.cfg.AdminAPIKey) {
		return
	}
	address := r.PathValue("address")
	var body struct {
		Score *int `json:"score"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	if body.Score == nil || *body.Score < 0 || *body.Score > 100 {
		api.WriteValidation(w, "Score must be between 0 and 100")
		return
	}
	if err := s.rep.SetScore(r.Context(), address, *body.Score); err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	row, err := s.st.GetReputation(r.Context(), address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteNotFound(w, "No reputation record for address")
		} else {
			api.WriteInternal(w, s.logger, err)
		}
		return
	}
	s.auditLog.Record(r.Context(), audit.ActionReputationSet, "agent", address, adminActor,
		api.ClientIP(r), map[string]any{"score": *body.Score})
	api.WriteJSON(w, http.StatusOK, reputationJSON(row))
}

func (s *Server) adminBlockRelay(w http.ResponseWriter, r *http.Request) {
	if !api.RequireAdmin(w, r, s.cfg.AdminAPIKey) {
		return
	}
	var body struct {
		Domain string `json:"domain"`
		Reason string `json:"reason"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	domain := strings.ToLower(strings.TrimSpace(body.Domain))
	if domain == "" {
		api.WriteBadRequest(w, "Missing domain")
		return
	}
	if err := s.filter.BlockRelay(r.Context(), domain, body.Reason); err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	var details map[string]any
	if body.Reason != "" {
		details = map[string]any{"reason": body.Reason}
	}
	s.auditLog.Record(r.Context(), audit.ActionRelayBlocked, "relay", domain, adminActor, api.ClientIP(r), details)
	api.WriteJSON(w, http.StatusCreated, map[string]any{"domain": domain, "status": "added"})
}

func (s *Server) adminUnblockRelay(w http.ResponseWriter, r *http.Request) {
	if !api.RequireAdmin(w, r, s.cfg.AdminAPIKey) {
		return
	}
	domain := r.PathValue("domain")
	removed, err := s.filter.UnblockRelay(r.Context(), domain)
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	if !removed {
		api.WriteNotFound(w, "Domain not found in relay blocklist")
		return
	}
	s.auditLog.Record(r.Context(), audit.ActionRelayUnblocked, "relay", domain, adminActor, api.ClientIP(r), nil)
	api.WriteJSON(w, http.StatusOK, map[string]any{"domain": domain, "status": "removed"})
}

func (s *Server) adminListRelayBlocklist(w http.ResponseWriter, r *http.Request) {
	if !api.RequireAdmin(w, r, s.cfg.AdminAPIKey) {
		return
	}
	entries, err := s.st.ListBlockedRelays(r.Context())
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		m := map[string]any{
			"domain":     e.Pattern,
			"created_at": protocol.UTCTimestamp(e.CreatedAt),
		}
		if e.Reason != "" {
			m["reason"] = e.Reason
		}
		out = append(out, m)
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"entries": out, "count": len(out)})
}

func (s *Server) adminListRelays(w http.ResponseWriter, r *http.Request) {
	if !api.RequireAdmin(w, r, s.cfg.AdminAPIKey) {
		return
	}
	relays, err := s.st.ListKnownRelays(r.Context())
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	out := make([]map[string]any, 0, len(relays))
	for _, kr := range relays {
		m := map[string]any{
			"domain":         kr.Domain,
			"federation_url": kr.FederationURL,
			"public_key":     kr.PublicKey,
			"discovered_via": kr.DiscoveredVia,
			"last_verified":  protocol.UTCTimestamp(kr.LastVerified),
			"ttl_hours":      kr.TTLHours,
			"status":         kr.Status,
		}
		if kr.Version != "" {
			m["version"] = kr.Version
		}
		out = append(out, m)
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"relays": out, "count": len(out)})
}

// adminAgentJSON extends the public agent shape with the lifecycle
// columns only operators should see.
func adminAgentJSON(a *store.Agent) map[string]any {
	m := map[string]any{
		"address":    a.Address,
		"public_key": a.PublicKey,
		"status":     a.Status,
		"created_at": protocol.UTCTimestamp(a.CreatedAt),
		"updated_at": protocol.UTCTimestamp(a.UpdatedAt),
	}
	if a.DisplayName != "" {
		m["display_name"] = a.DisplayName
	}
	if a.WebhookURL != "" {
		m["webhook_url"] = a.WebhookURL
	}
	if !a.LastSeen.IsZero() {
		m["last_seen"] = protocol.UTCTimestamp(a.LastSeen)
	}
	if a.Deleted() {
		m["deleted_at"] = protocol.UTCTimestamp(a.DeletedAt)
	}
	return m
}

// offsetParam parses the ?offset query, answering the 422 itself when
// the value is not a non-negative integer.
func (s *Server) offsetParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("offset")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		api.WriteValidation(w, "Offset must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (s *Server) adminListAgents(w http.ResponseWriter, r *http.Request) {
	if !api.RequireAdmin(w, r, s.cfg.AdminAPIKey) {
		return
	}
	limit, ok := s.limitParam(w, r, 100, 1000)
	if !ok {
		return
	}
	offset, ok := s.offsetParam(w, r)
	if !ok {
		return
	}
	agents, err := s.st.ListAgents(r.Context(), limit, offset, true)
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, adminAgentJSON(a))
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"agents": out, "count": len(out)})
}

func (s *Server) adminSuspendAgent(w http.ResponseWriter, r *http.Request) {
	if !api.RequireAdmin(w, r, s.cfg.AdminAPIKey) {
		return
	}
	address := r.PathValue("address")
	if err := s.st.SetAgentStatus(r.Context(), address, "suspended"); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			api.WriteNotFound(w, "Agent not found: "+address)
		} else {
			api.WriteInternal(w, s.logger, err)
		}
		return
	}
	agent, err := s.st.AgentByAddress(r.Context(), address)
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	s.auditLog.Record(r.Context(), audit.ActionAgentSuspended, "agent", address, adminActor, api.ClientIP(r), nil)
	s.logger.Info("agent suspended", "address", address)
	api.WriteJSON(w, http.StatusOK, adminAgentJSON(agent))
}

func (s *Server) adminAuditLog(w http.ResponseWriter, r *http.Request) {
	if !api.RequireAdmin(w, r, s.cfg.AdminAPIKey) {
		return
	}
	limit, ok := s.limitParam(w, r, 100, 1000)
	if !ok {
		return
	}
	offset, ok := s.offsetParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	entries, err := s.st.QueryAudit(r.Context(), store.AuditFilter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		Actor:      q.Get("actor"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		m := map[string]any{
			"id":        e.ID,
			"action":    e.Action,
			"timestamp": protocol.UTCTimestamp(e.Timestamp),
		}
		if e.EntityType != "" {
			m["entity_type"] = e.EntityType
		}
		if e.EntityID != "" {
			m["entity_id"] = e.EntityID
		}
		if e.ActorAddress != "" {
			m["actor_address"] = e.ActorAddress
		}
		if e.IPAddress != "" {
			m["ip_address"] = e.IPAddress
		}
		if e.Details != nil {
			m["details"] = e.Details
		}
		out = append(out, m)
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"entries": out, "count": len(out)})
}

func (s *Server) adminAuditExport(w http.ResponseWriter, r *http.Request) {
	if !api.RequireAdmin(w, r, s.cfg.AdminAPIKey) {
		return
	}
	var req audit.ExportRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	res, err := s.exporter.Export(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, audit.ErrNoSink):
			api.WriteServiceUnavailable(w, "Audit export sink not configured")
		case errors.Is(err, audit.ErrInvalidTimeRange):
			api.WriteBadRequest(w, "Export start must be before end")
		default:
			api.WriteInternal(w, s.logger, err)
		}
		return
	}
	s.auditLog.Record(r.Context(), audit.ActionAuditExported, "export", res.Location, adminActor,
		api.ClientIP(r), map[string]any{"checksum": res.Checksum, "audit_count": res.AuditCount})
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) adminPurgeExpired(w http.ResponseWriter, r *http.Request) {
	if !api.RequireAdmin(w, r, s.cfg.AdminAPIKey) {
		return
	}
	purged, err := s.st.SweepExpiredMessages(r.Context(), time.Now().UTC())
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	s.auditLog.Record(r.Context(), audit.ActionAdminPurge, "message", "", adminActor,
		api.ClientIP(r), map[string]any{"purged": purged})
	s.logger.Info("expired messages purged", "count", purged)
	api.WriteJSON(w, http.StatusOK, map[string]any{"purged": purged})
}
