package router

import (
	"errors"
	"net/http"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
)

// Rejection is a pipeline refusal carrying its HTTP mapping. It
// implements error so the pipeline aborts through ordinary returns;
// transports unwrap it with errors.As and anything else stays an
// internal error.
type Rejection struct {
	Status     int
	Kind       string // api error kind; empty derives from Status
	Detail     string
	RetryAfter int // seconds, set on 429s
}

func (r *Rejection) Error() string { return r.Detail }

// Respond renders the rejection as a JSON error response.
func (r *Rejection) Respond(w http.ResponseWriter) {
	switch {
	case r.Status == http.StatusTooManyRequests:
		api.WriteTooManyRequests(w, r.RetryAfter, r.Detail)
	case r.Kind != "":
		api.WriteKind(w, r.Status, r.Kind, r.Detail)
	default:
		api.WriteError(w, r.Status, r.Detail)
	}
}

func badRequest(detail string) *Rejection {
	return &Rejection{Status: http.StatusBadRequest, Detail: detail}
}

func forbidden(detail string) *Rejection {
	return &Rejection{Status: http.StatusForbidden, Detail: detail}
}

func notFound(detail string) *Rejection {
	return &Rejection{Status: http.StatusNotFound, Detail: detail}
}

func unavailable(detail string) *Rejection {
	return &Rejection{Status: http.StatusServiceUnavailable, Detail: detail}
}

func tooMany(retry time.Duration, detail string) *Rejection {
	return &Rejection{
		Status:     http.StatusTooManyRequests,
		Detail:     detail,
		RetryAfter: int(retry.Seconds()) + 1,
	}
}

// invalidEnvelope maps a parse failure onto its protocol error kind.
func invalidEnvelope(err error) *Rejection {
	kind := api.KindInvalidEnvelope
	var tooLarge *protocol.EnvelopeTooLargeError
	if errors.As(err, &tooLarge) {
		kind = api.KindEnvelopeTooLarge
	}
	return &Rejection{Status: http.StatusBadRequest, Kind: kind, Detail: err.Error()}
}
