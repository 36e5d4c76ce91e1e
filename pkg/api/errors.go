// Package api holds the HTTP plumbing shared by every route: the JSON
// error shape, bearer and admin-key extraction, and the middleware
// chain (recovery, request IDs, access logging, per-IP rate limiting,
// CORS, body caps).
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// ErrorBody is the wire shape of every error response. The error field
// carries a stable machine-readable kind; detail is for humans.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// Protocol-level error kinds. These replace the plain status kind when
// the failure is about the envelope itself rather than the request.
const (
	KindInvalidAddress   = "invalid_address"
	KindInvalidEnvelope  = "invalid_envelope"
	KindEnvelopeTooLarge = "envelope_too_large"
	KindSignature        = "signature_verification"
)

var statusKinds = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation_error",
	http.StatusTooManyRequests:     "rate_limited",
	http.StatusNotImplemented:      "not_implemented",
	http.StatusServiceUnavailable:  "service_unavailable",
}

// KindFor maps an HTTP status onto its error kind. Unknown statuses
// collapse to internal_error so clients never see a bare status name.
func KindFor(status int) string {
	if kind, ok := statusKinds[status]; ok {
		return kind
	}
	return "internal_error"
}

// WriteJSON writes any value as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteKind writes an error response with an explicit kind, for the
// protocol kinds that do not follow from the status alone.
func WriteKind(w http.ResponseWriter, status int, kind, detail string) {
	WriteJSON(w, status, &ErrorBody{Error: kind, Detail: detail})
}

// WriteError writes an error response using the status-to-kind table.
func WriteError(w http.ResponseWriter, status int, detail string) {
	WriteKind(w, status, KindFor(status), detail)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, detail)
}

// WriteValidation writes a 422 error response.
func WriteValidation(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusUnprocessableEntity, detail)
}

// WriteTooManyRequests writes a 429 error response. A positive
// retryAfterSecs is surfaced in the Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int, detail string) {
	if retryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	}
	if detail == "" {
		detail = "Rate limit exceeded. Retry after the specified interval."
	}
	WriteError(w, http.StatusTooManyRequests, detail)
}

// WriteNotImplemented writes a 501 error response.
func WriteNotImplemented(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotImplemented, detail)
}

// WriteServiceUnavailable writes a 503 error response.
func WriteServiceUnavailable(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusServiceUnavailable, detail)
}

// WriteInternal writes a 500 error response. The err is logged but
// never exposed to the client.
func WriteInternal(w http.ResponseWriter, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}
