package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/audit"
	"github.com/YouAM-Network/uam-relay/pkg/config"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

const testAdminKey = "test-admin-key"

// doAdmin issues a request carrying the admin key header. An empty key
// sends no header at all.
func doAdmin(t *testing.T, ts *httptest.Server, method, path, key string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(api.AdminKeyHeader, key)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded), "body: %s", data)
	}
	return resp.StatusCode, decoded
}

func TestAdminAuth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	status, body := doAdmin(t, ts, http.MethodGet, "/api/v1/admin/blocklist", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid admin API key", body["detail"])

	status, _ = doAdmin(t, ts, http.MethodGet, "/api/v1/admin/blocklist", "wrong-key", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestAdminNotConfigured(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Settings) { cfg.AdminAPIKey = "" })

	status, body := doAdmin(t, ts, http.MethodGet, "/api/v1/admin/blocklist", "any", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "Admin API not configured", body["detail"])
}

func TestAdminBlocklist(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	status, body := doAdmin(t, ts, http.MethodPost, "/api/v1/admin/blocklist", testAdminKey,
		map[string]any{"pattern": "spam::evil.example", "reason": "abuse"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "spam::evil.example", body["pattern"])
	assert.Equal(t, "added", body["status"])
	assert.True(t, srv.filter.Blocked("spam::evil.example"))

	status, body = doAdmin(t, ts, http.MethodPost, "/api/v1/admin/blocklist", testAdminKey,
		map[string]any{"pattern": "no-separator"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["detail"], "Pattern must contain '::'")

	status, body = doAdmin(t, ts, http.MethodGet, "/api/v1/admin/blocklist", testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])
	entry := body["entries"].([]any)[0].(map[string]any)
	assert.Equal(t, "spam::evil.example", entry["pattern"])
	assert.Equal(t, "abuse", entry["reason"])

	status, body = doAdmin(t, ts, http.MethodDelete,
		"/api/v1/admin/blocklist/spam::evil.example", testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "removed", body["status"])
	assert.False(t, srv.filter.Blocked("spam::evil.example"))

	status, body = doAdmin(t, ts, http.MethodDelete,
		"/api/v1/admin/blocklist/spam::evil.example", testAdminKey, nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Pattern not found in blocklist", body["detail"])
}

func TestAdminAllowlist(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	status, _ := doAdmin(t, ts, http.MethodPost, "/api/v1/admin/allowlist", testAdminKey,
		map[string]any{"pattern": "*::partner.example"})
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, srv.filter.Allowlisted("bot::partner.example"))

	status, body := doAdmin(t, ts, http.MethodGet, "/api/v1/admin/allowlist", testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, _ = doAdmin(t, ts, http.MethodDelete,
		"/api/v1/admin/allowlist/*::partner.example", testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = doAdmin(t, ts, http.MethodDelete,
		"/api/v1/admin/allowlist/*::partner.example", testAdminKey, nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Pattern not found in allowlist", body["detail"])
}

func TestAdminReputation(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	alice, _ := seedAgent(t, srv, "alice")

	status, body := doAdmin(t, ts, http.MethodGet,
		"/api/v1/admin/reputation/ghost::relay.example", testAdminKey, nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "No reputation record for address", body["detail"])

	path := "/api/v1/admin/reputation/" + alice.Address

	status, body = doAdmin(t, ts, http.MethodPut, path, testAdminKey, map[string]any{})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "Score must be between 0 and 100", body["detail"])

	status, _ = doAdmin(t, ts, http.MethodPut, path, testAdminKey, map[string]any{"score": 150})
	require.Equal(t, http.StatusUnprocessableEntity, status)

	status, body = doAdmin(t, ts, http.MethodPut, path, testAdminKey, map[string]any{"score": 85})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(85), body["score"])
	assert.Equal(t, "full", body["tier"])
	assert.Equal(t, alice.Address, body["address"])

	status, body = doAdmin(t, ts, http.MethodGet, path, testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(85), body["score"])
}

func TestAdminRelayBlocklist(t *testing.T) {
	_, ts := newTestServer(t, nil)

	status, body := doAdmin(t, ts, http.MethodPost, "/api/v1/admin/relay-blocklist", testAdminKey,
		map[string]any{"domain": " Evil.Example ", "reason": "spam source"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "evil.example", body["domain"])
	assert.Equal(t, "added", body["status"])

	status, body = doAdmin(t, ts, http.MethodPost, "/api/v1/admin/relay-blocklist", testAdminKey,
		map[string]any{"reason": "no domain"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Missing domain", body["detail"])

	status, body = doAdmin(t, ts, http.MethodGet, "/api/v1/admin/relay-blocklist", testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])
	entry := body["entries"].([]any)[0].(map[string]any)
	assert.Equal(t, "evil.example", entry["domain"])
	assert.Equal(t, "spam source", entry["reason"])

	status, _ = doAdmin(t, ts, http.MethodDelete,
		"/api/v1/admin/relay-blocklist/evil.example", testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = doAdmin(t, ts, http.MethodDelete,
		"/api/v1/admin/relay-blocklist/evil.example", testAdminKey, nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Domain not found in relay blocklist", body["detail"])
}

func TestAdminListAgents(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	alice, _ := seedAgent(t, srv, "alice")
	bob, _ := seedAgent(t, srv, "bob")
	require.NoError(t, srv.st.DeactivateAgent(context.Background(), bob.Address))

	status, body := doAdmin(t, ts, http.MethodGet, "/api/v1/admin/agents", testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["count"], "deactivated agents stay visible to operators")

	byAddress := map[string]map[string]any{}
	for _, raw := range body["agents"].([]any) {
		a := raw.(map[string]any)
		byAddress[a["address"].(string)] = a
	}
	assert.NotContains(t, byAddress[alice.Address], "deleted_at")
	assert.Contains(t, byAddress[bob.Address], "deleted_at")
	assert.Equal(t, "deactivated", byAddress[bob.Address]["status"])

	status, body = doAdmin(t, ts, http.MethodGet, "/api/v1/admin/agents?limit=0", testAdminKey, nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "validation_error", body["error"])

	status, body = doAdmin(t, ts, http.MethodGet, "/api/v1/admin/agents?offset=-1", testAdminKey, nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "Offset must be a non-negative integer", body["detail"])
}

func TestAdminSuspendAgent(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	alice, _ := seedAgent(t, srv, "alice")

	status, body := doAdmin(t, ts, http.MethodPost,
		"/api/v1/admin/agents/"+alice.Address+"/suspend", testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "suspended", body["status"])
	assert.Equal(t, alice.Address, body["address"])

	status, body = doAdmin(t, ts, http.MethodPost,
		"/api/v1/admin/agents/ghost::relay.example/suspend", testAdminKey, nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Agent not found: ghost::relay.example", body["detail"])
}

func TestAdminAuditLog(t *testing.T) {
	_, ts := newTestServer(t, nil)

	status, _ := doAdmin(t, ts, http.MethodPost, "/api/v1/admin/blocklist", testAdminKey,
		map[string]any{"pattern": "spam::evil.example", "reason": "abuse"})
	require.Equal(t, http.StatusCreated, status)

	status, body := doAdmin(t, ts, http.MethodGet, "/api/v1/admin/audit", testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(1), body["count"])
	entry := body["entries"].([]any)[0].(map[string]any)
	assert.Equal(t, audit.ActionBlocklistAdded, entry["action"])
	assert.Equal(t, "pattern", entry["entity_type"])
	assert.Equal(t, "spam::evil.example", entry["entity_id"])
	assert.Equal(t, "admin", entry["actor_address"])
	assert.NotEmpty(t, entry["timestamp"])
	details := entry["details"].(map[string]any)
	assert.Equal(t, "abuse", details["reason"])

	status, body = doAdmin(t, ts, http.MethodGet,
		"/api/v1/admin/audit?action="+audit.ActionBlocklistAdded, testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, body = doAdmin(t, ts, http.MethodGet,
		"/api/v1/admin/audit?action="+audit.ActionRelayBlocked, testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])
}

func TestAdminPurgeExpired(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	alice, _ := seedAgent(t, srv, "alice")
	bob, _ := seedAgent(t, srv, "bob")

	require.NoError(t, srv.st.EnqueueMessage(context.Background(), &store.StoredMessage{
		MessageID: "m-stale",
		From:      alice.Address,
		To:        bob.Address,
		Envelope:  map[string]any{"message_id": "m-stale"},
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}))
	require.NoError(t, srv.st.EnqueueMessage(context.Background(), &store.StoredMessage{
		MessageID: "m-fresh",
		From:      alice.Address,
		To:        bob.Address,
		Envelope:  map[string]any{"message_id": "m-fresh"},
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}))

	status, body := doAdmin(t, ts, http.MethodDelete,
		"/api/v1/admin/messages/expired", testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["purged"])
}

func TestAdminAuditExport(t *testing.T) {
	dir := t.TempDir()
	_, ts := newTestServer(t, func(cfg *config.Settings) { cfg.AuditExportDir = dir })

	// Give the export something to bundle.
	status, _ := doAdmin(t, ts, http.MethodPost, "/api/v1/admin/blocklist", testAdminKey,
		map[string]any{"pattern": "spam::evil.example"})
	require.Equal(t, http.StatusCreated, status)

	status, body := doAdmin(t, ts, http.MethodPost, "/api/v1/admin/audit/export", testAdminKey,
		map[string]any{})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["checksum"])
	assert.Equal(t, float64(1), body["audit_count"])
	location := body["location"].(string)
	_, err := os.Stat(location)
	assert.NoError(t, err, "export bundle should exist at %s", location)

	status, body = doAdmin(t, ts, http.MethodPost, "/api/v1/admin/audit/export", testAdminKey,
		map[string]any{"start": "2026-02-01T00:00:00Z", "end": "2026-01-01T00:00:00Z"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Export start must be before end", body["detail"])
}

func TestAdminAuditExportNoSink(t *testing.T) {
	_, ts := newTestServer(t, nil)

	status, body := doAdmin(t, ts, http.MethodPost, "/api/v1/admin/audit/export", testAdminKey,
		map[string]any{})
	require.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "Audit export sink not configured", body["detail"])
}
