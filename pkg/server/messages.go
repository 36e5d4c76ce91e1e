package server

import (
	"errors"
	"net/http"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

// handleThread returns the transcript of a thread the caller took part
// in. An existing thread the caller never appears in reads as a 403,
// not an empty list, so probing thread IDs leaks nothing.
func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := r.PathValue("id")

	agent := s.authenticate(w, r)
	if agent == nil {
		return
	}
	limit, ok := s.limitParam(w, r, 100, 500)
	if !ok {
		return
	}

	msgs, err := s.st.ThreadMessages(ctx, threadID, agent.Address, limit)
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	if len(msgs) == 0 {
		exists, err := s.st.ThreadExists(ctx, threadID)
		if err != nil {
			api.WriteInternal(w, s.logger, err)
			return
		}
		if exists {
			api.WriteForbidden(w, "Not a participant in this thread")
			return
		}
	}

	envelopes := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		envelopes = append(envelopes, m.Envelope)
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"messages":  envelopes,
		"count":     len(envelopes),
	})
}

// handleReceipt lets a recipient report back on a delivered message.
// The relay builds the receipt frame itself and pushes it to the
// original sender's live session, fire-and-forget.
func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	messageID := r.PathValue("id")

	agent := s.authenticate(w, r)
	if agent == nil {
		return
	}

	var body struct {
		Type string `json:"type"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	if body.Type != string(protocol.TypeReceiptRead) && body.Type != string(protocol.TypeReceiptFailed) {
		api.WriteValidation(w, "Receipt type must be 'receipt.read' or 'receipt.failed'")
		return
	}

	msg, err := s.st.MessageByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteNotFound(w, "Message not found: "+messageID)
			return
		}
		api.WriteInternal(w, s.logger, err)
		return
	}
	if msg.To != agent.Address {
		api.WriteForbidden(w, "Only the recipient can submit a receipt")
		return
	}

	delivered := s.conns.SendTo(msg.From, protocol.DeliveryNotice{
		Type:      body.Type,
		MessageID: messageID,
		Timestamp: protocol.Now(),
		To:        msg.To,
	})
	if body.Type == string(protocol.TypeReceiptRead) {
		// A read is the strongest quality signal we have about the
		// original sender.
		s.rep.RecordReadReceipt(ctx, msg.From)
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"message_id": messageID,
		"type":       body.Type,
		"delivered":  delivered,
	})
}

// handleMarkThreadRead upserts the caller's read marker for a thread.
func (s *Server) handleMarkThreadRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := r.PathValue("id")

	agent := s.authenticate(w, r)
	if agent == nil {
		return
	}

	var body struct {
		LastReadMessageID string `json:"last_read_message_id"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	if body.LastReadMessageID == "" {
		api.WriteBadRequest(w, "Missing last_read_message_id")
		return
	}

	if err := s.st.UpsertThreadRead(ctx, agent.Address, threadID, body.LastReadMessageID); err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"address":              agent.Address,
		"thread_id":            threadID,
		"last_read_message_id": body.LastReadMessageID,
	})
}

// handleThreadReadMarker returns the caller's read marker for a thread.
func (s *Server) handleThreadReadMarker(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := r.PathValue("id")

	agent := s.authenticate(w, r)
	if agent == nil {
		return
	}

	marker, err := s.st.ThreadReadFor(ctx, agent.Address, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteNotFound(w, "No read marker for thread: "+threadID)
			return
		}
		api.WriteInternal(w, s.logger, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"address":              marker.Address,
		"thread_id":            marker.ThreadID,
		"last_read_message_id": marker.LastReadMessageID,
		"updated_at":           protocol.UTCTimestamp(marker.UpdatedAt),
	})
}
