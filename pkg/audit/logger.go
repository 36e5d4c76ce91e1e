// Package audit records operator-relevant events to the append-only
// audit_log table and exports evidence bundles to a local directory or
// an object-store bucket.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/store"
)

// Audit actions. Handlers pass these rather than ad-hoc strings so the
// admin query surface stays filterable.
const (
	ActionAgentRegistered  = "agent.registered"
	ActionAgentSuspended   = "agent.suspended"
	ActionAgentDeactivated = "agent.deactivated"
	ActionAgentReactivated = "agent.reactivated"
	ActionMessageRejected  = "message.rejected"
	ActionBlocklistAdded   = "blocklist.added"
	ActionBlocklistRemoved = "blocklist.removed"
	ActionAllowlistAdded   = "allowlist.added"
	ActionAllowlistRemoved = "allowlist.removed"
	ActionReputationSet    = "reputation.set"
	ActionDomainVerified   = "domain.verified"
	ActionDomainDowngraded = "domain.downgraded"
	ActionRelayBlocked     = "relay.blocked"
	ActionRelayUnblocked   = "relay.unblocked"
	ActionAdminPurge       = "admin.purge"
	ActionAuditExported    = "audit.exported"
)

// Logger appends audit entries. A failed insert is logged and
// swallowed: audit must never fail the operation it describes.
type Logger struct {
	store  *store.Store
	logger *slog.Logger
}

// NewLogger creates an audit logger over the store.
func NewLogger(st *store.Store, logger *slog.Logger) *Logger {
	return &Logger{store: st, logger: logger.With("component", "audit")}
}

// Record appends one event. entityType/entityID identify the subject
// (agent, relay, pattern), actor is the authenticated caller or "admin",
// and details carries action-specific context.
func (l *Logger) Record(ctx context.Context, action, entityType, entityID, actor, ip string, details map[string]any) {
	entry := &store.AuditEntry{
		Action:       action,
		EntityType:   entityType,
		EntityID:     entityID,
		ActorAddress: actor,
		IPAddress:    ip,
		Details:      details,
		Timestamp:    time.Now().UTC(),
	}
	if err := l.store.InsertAudit(ctx, entry); err != nil {
		l.logger.Error("audit insert failed", "action", action, "entity_id", entityID, "error", err)
	}
}
