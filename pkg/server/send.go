package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/YouAM-Network/uam-relay/pkg/api"
)

// handleSend accepts a signed envelope over REST and runs it through
// the routing pipeline. The body is decoded with UseNumber so metadata
// numbers keep their original text and the signature re-canonicalizes
// byte-for-byte.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	agent := s.authenticate(w, r)
	if agent == nil {
		return
	}

	var body struct {
		Envelope map[string]any `json:"envelope"`
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			api.WriteKind(w, http.StatusBadRequest, api.KindEnvelopeTooLarge,
				fmt.Sprintf("Envelope exceeds %d bytes", tooBig.Limit))
			return
		}
		api.WriteBadRequest(w, "Invalid JSON body")
		return
	}
	if body.Envelope == nil {
		api.WriteBadRequest(w, "Missing envelope")
		return
	}

	res, err := s.router.Send(r.Context(), body.Envelope, agent)
	if err != nil {
		s.respondError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}
