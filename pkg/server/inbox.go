package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
)

// handleInbox drains stored messages for the caller. Returned messages
// are marked delivered in one batch and each original sender gets a
// fire-and-forget receipt.delivered if it is connected right now.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := r.PathValue("address")

	if s.requireSelf(w, r, address, "Cannot read another agent's inbox") == nil {
		return
	}
	limit, ok := s.limitParam(w, r, 50, 500)
	if !ok {
		return
	}

	stored, err := s.st.UndeliveredMessages(ctx, address, limit)
	if err != nil {
		api.WriteInternal(w, s.logger, err)
		return
	}

	envelopes := make([]map[string]any, 0, len(stored))
	ids := make([]int64, 0, len(stored))
	for _, m := range stored {
		envelopes = append(envelopes, m.Envelope)
		ids = append(ids, m.ID)
	}
	if len(ids) > 0 {
		if err := s.st.MarkDeliveredBatch(ctx, ids, time.Now().UTC()); err != nil {
			api.WriteInternal(w, s.logger, err)
			return
		}
	}

	for _, m := range stored {
		kind, _ := m.Envelope["type"].(string)
		if m.From == "" || strings.HasPrefix(kind, "receipt.") {
			continue
		}
		s.conns.SendTo(m.From, protocol.NewDeliveryNotice(m.MessageID, address))
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"address":  address,
		"messages": envelopes,
		"count":    len(envelopes),
	})
}
