package server

import (
	"net/http"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/demo"
)

// Demo handlers are thin shims over the demo service: session auth and
// rate windows live there, so the handlers only shape HTTP.

func (s *Server) handleDemoSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.demo.CreateSession(r.Context(), api.ClientIP(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleDemoSend(w http.ResponseWriter, r *http.Request) {
	var body demo.SendRequest
	if !s.decodeJSON(w, r, &body) {
		return
	}
	if body.SessionID == "" {
		api.WriteBadRequest(w, "Missing session_id")
		return
	}

	res, err := s.demo.Send(r.Context(), &body)
	if err != nil {
		s.respondError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleDemoInbox(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		api.WriteBadRequest(w, "Missing session_id")
		return
	}

	msgs, err := s.demo.Inbox(r.Context(), sessionID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if msgs == nil {
		msgs = []demo.InboxMessage{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
