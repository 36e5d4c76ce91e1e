package api_test

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YouAM-Network/uam-relay/pkg/api"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.ErrorBody {
	t.Helper()
	var body api.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestKindFor_Table(t *testing.T) {
	cases := map[int]string{
		http.StatusBadRequest:          "bad_request",
		http.StatusUnauthorized:        "unauthorized",
		http.StatusForbidden:           "forbidden",
		http.StatusNotFound:            "not_found",
		http.StatusConflict:            "conflict",
		http.StatusUnprocessableEntity: "validation_error",
		http.StatusTooManyRequests:     "rate_limited",
		http.StatusNotImplemented:      "not_implemented",
		http.StatusServiceUnavailable:  "service_unavailable",
		http.StatusInternalServerError: "internal_error",
		http.StatusBadGateway:          "internal_error",
	}
	for status, kind := range cases {
		assert.Equal(t, kind, api.KindFor(status), "status %d", status)
	}
}

func TestWriteError_Shape(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusNotFound, "agent unknown")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	body := decodeError(t, w)
	assert.Equal(t, "not_found", body.Error)
	assert.Equal(t, "agent unknown", body.Detail)
}

func TestWriteKind_ProtocolKinds(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteKind(w, http.StatusBadRequest, api.KindEnvelopeTooLarge, "envelope exceeds 65536 bytes")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "envelope_too_large", body.Error)
}

func TestWriteTooManyRequests_RetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 42, "slow down")

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "42", w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, w).Error)

	w = httptest.NewRecorder()
	api.WriteTooManyRequests(w, 0, "")
	assert.Empty(t, w.Header().Get("Retry-After"), "unknown window omits the header")
}

func TestWriteInternal_NeverLeaks(t *testing.T) {
	w := httptest.NewRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api.WriteInternal(w, logger, errors.New("pq: connection reset by peer"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "internal_error", body.Error)
	assert.NotContains(t, body.Detail, "pq:", "driver errors must not reach clients")
}
