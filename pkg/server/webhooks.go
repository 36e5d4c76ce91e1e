package server

import (
	"errors"
	"net/http"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

const webhookOwnerOnly = "Cannot manage webhook for another agent"

// handleSetWebhook stores a delivery URL after the SSRF gate clears it.
func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := r.PathValue("address")

	if s.requireSelf(w, r, address, webhookOwnerOnly) == nil {
		return
	}

	var body struct {
		WebhookURL string `json:"webhook_url"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	if body.WebhookURL == "" {
		api.WriteBadRequest(w, "Missing webhook_url")
		return
	}
	if err := s.validator.Validate(ctx, body.WebhookURL); err != nil {
		api.WriteBadRequest(w, "Invalid webhook URL: "+err.Error())
		return
	}

	if err := s.st.SetWebhook(ctx, address, body.WebhookURL); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			api.WriteNotFound(w, "Agent not found")
			return
		}
		api.WriteInternal(w, s.logger, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"address":     address,
		"webhook_url": body.WebhookURL,
	})
}

// handleGetWebhook returns the caller's current webhook URL.
func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")

	agent := s.requireSelf(w, r, address, webhookOwnerOnly)
	if agent == nil {
		return
	}
	if agent.Deleted() {
		api.WriteNotFound(w, "Agent not found")
		return
	}

	resp := map[string]any{"address": address, "webhook_url": nil}
	if agent.WebhookURL != "" {
		resp["webhook_url"] = agent.WebhookURL
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// handleClearWebhook removes the URL and cancels anything still queued
// against it.
func (s *Server) handleClearWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := r.PathValue("address")

	if s.requireSelf(w, r, address, webhookOwnerOnly) == nil {
		return
	}

	if err := s.st.SetWebhook(ctx, address, ""); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			api.WriteNotFound(w, "Agent not found")
			return
		}
		api.WriteInternal(w, s.logger, err)
		return
	}
	if _, err := s.st.CancelPendingWebhooks(ctx, address); err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"address":     address,
		"webhook_url": nil,
	})
}

// handleWebhookDeliveries lists recent delivery attempts for the
// caller's webhook, newest first.
func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := r.PathValue("address")

	if s.requireSelf(w, r, address, webhookOwnerOnly) == nil {
		return
	}
	limit, ok := s.limitParam(w, r, 50, 200)
	if !ok {
		return
	}

	rows, err := s.st.WebhookDeliveriesFor(ctx, address, limit)
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}

	deliveries := make([]map[string]any, 0, len(rows))
	for _, d := range rows {
		rec := map[string]any{
			"id":            d.ID,
			"message_id":    d.MessageID,
			"status":        d.Status,
			"attempt_count": d.AttemptCount,
			"created_at":    protocol.UTCTimestamp(d.CreatedAt),
		}
		if d.LastStatusCode != 0 {
			rec["last_status_code"] = d.LastStatusCode
		}
		if d.LastError != "" {
			rec["last_error"] = d.LastError
		}
		if !d.CompletedAt.IsZero() {
			rec["completed_at"] = protocol.UTCTimestamp(d.CompletedAt)
		}
		deliveries = append(deliveries, rec)
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"address":    address,
		"deliveries": deliveries,
		"count":      len(deliveries),
	})
}
