package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YouAM-Network/uam-relay/pkg/config"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	return &config.Settings{
		RelayDomain:                "relay.example",
		DBPath:                     ":memory:",
		AdminAPIKey:                "test-admin-key",
		RelayKeyPath:               filepath.Join(t.TempDir(), "relay_key.bin"),
		WSURL:                      "wss://relay.example/api/v1/ws",
		HTTPURL:                    "https://relay.example",
		CORSOrigins:                []string{"*"},
		FederationEnabled:          false,
		FederationTimeout:          2 * time.Second,
		FederationDiscoveryTTL:     time.Hour,
		FederationMaxBody:          131072,
		MessageTTL:                 30 * 24 * time.Hour,
		RetentionDays:              90,
		WebhookTimeout:             time.Second,
		WebhookCircuitCooldown:     time.Hour,
		DomainRateLimit:            200,
		DomainVerificationTTL:      24 * time.Hour,
		ReputationDefaultScore:     30,
		ReputationDNSVerifiedScore: 60,
		HeartbeatInterval:          30 * time.Second,
		HeartbeatTimeout:           10 * time.Second,
		DemoEnabled:                true,
	}
}

func newTestServer(t *testing.T, mutate func(*config.Settings)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := testSettings(t)
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := New(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close(context.Background()) })

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

// seedAgent registers an agent directly in the store, bypassing the
// registration rate window.
func seedAgent(t *testing.T, srv *Server, name string) (*store.Agent, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	address := name + "::" + srv.cfg.RelayDomain
	agent, _, err := srv.st.RegisterAgent(context.Background(),
		address, protocol.EncodePublicKey(pub), "tok-"+name, "")
	require.NoError(t, err)
	return agent, priv
}

// signedEnvelope builds a valid envelope, encrypted for a throwaway
// recipient key and signed by senderPriv. threadID may be empty.
func signedEnvelope(t *testing.T, from string, senderPriv ed25519.PrivateKey, to, threadID string) *protocol.Envelope {
	t.Helper()
	recipPub, _, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	env := protocol.NewEnvelope(
		protocol.MustParseAddress(from), protocol.MustParseAddress(to), protocol.TypeMessage)
	env.ThreadID = threadID
	require.NoError(t, env.Encrypt([]byte(`{"text":"hi"}`), senderPriv, recipPub))
	require.NoError(t, env.Sign(senderPriv))
	return env
}

// doJSON issues a request against the test server and decodes the JSON
// response. token, when non-empty, rides as a bearer credential.
func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) (int, map[string]any) {
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
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
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

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	status, body := doJSON(t, ts, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, float64(0), body["agents_online"])

	status, _ = doJSON(t, ts, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestWellKnownIdentity(t *testing.T) {
	_, ts := newTestServer(t, nil)

	status, body := doJSON(t, ts, http.MethodGet, "/.well-known/uam-relay.json", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "relay.example", body["relay_domain"])
	assert.Equal(t, "https://relay.example/api/v1/federation/deliver", body["federation_endpoint"])
	assert.NotEmpty(t, body["public_key"])
}

func TestRegister(t *testing.T) {
	_, ts := newTestServer(t, nil)
	pub, _, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	req := map[string]any{"agent_name": "Alice", "public_key": protocol.EncodePublicKey(pub)}

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/register", "", req)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "alice::relay.example", body["address"])
	assert.NotEmpty(t, body["token"])
	assert.Equal(t, "wss://relay.example/api/v1/ws", body["relay"])

	// Same name and key re-registers and hands back the original token.
	status, again := doJSON(t, ts, http.MethodPost, "/api/v1/register", "", req)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, body["token"], again["token"])

	// Same name under a different key is a conflict.
	otherPub, _, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	status, errBody := doJSON(t, ts, http.MethodPost, "/api/v1/register", "", map[string]any{
		"agent_name": "alice", "public_key": protocol.EncodePublicKey(otherPub),
	})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", errBody["error"])
}

func TestRegisterValidation(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/register", "", map[string]any{
		"agent_name": "alice", "public_key": "not-a-key",
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["detail"], "Invalid public key")

	pub, _, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	encoded := protocol.EncodePublicKey(pub)

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/register", "", map[string]any{
		"agent_name": "bad name!", "public_key": encoded,
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_address", body["error"])

	require.NoError(t, srv.filter.BlockPattern(context.Background(), "troll::relay.example", "abuse"))
	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/register", "", map[string]any{
		"agent_name": "troll", "public_key": encoded,
	})
	require.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, body["detail"], "blocklisted")

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/register", "", map[string]any{
		"agent_name": "alice", "public_key": encoded, "webhook_url": "http://203.0.113.10/hook",
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["detail"], "Invalid webhook URL")
}

func TestRegisterRateLimited(t *testing.T) {
	_, ts := newTestServer(t, nil)
	pub, _, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	encoded := protocol.EncodePublicKey(pub)

	names := []string{"a1", "a2", "a3", "a4", "a5"}
	for _, name := range names {
		status, _ := doJSON(t, ts, http.MethodPost, "/api/v1/register", "", map[string]any{
			"agent_name": name, "public_key": encoded,
		})
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/register", "", map[string]any{
		"agent_name": "a6", "public_key": encoded,
	})
	require.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", body["error"])
	assert.Contains(t, body["detail"], "Registration rate limit exceeded")
}

func TestSendRequiresAuth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/send", "", map[string]any{})
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["error"])

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/send", "no-such-token", map[string]any{})
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid token", body["detail"])
}

func TestSendAndInbox(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	aliceAgent, alicePriv := seedAgent(t, srv, "alice")
	bobAgent, _ := seedAgent(t, srv, "bob")

	env := signedEnvelope(t, aliceAgent.Address, alicePriv, bobAgent.Address, "")
	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/send", aliceAgent.Token,
		map[string]any{"envelope": env.Wire()})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, env.MessageID, body["message_id"])
	assert.Equal(t, false, body["delivered"])
	assert.Equal(t, "stored", body["method"])

	// Only the owner reads the inbox.
	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/inbox/"+bobAgent.Address, aliceAgent.Token, nil)
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Cannot read another agent's inbox", body["detail"])

	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/inbox/"+bobAgent.Address, bobAgent.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, env.MessageID, msgs[0].(map[string]any)["message_id"])

	// A second read drains nothing.
	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/inbox/"+bobAgent.Address, bobAgent.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])
}

func TestSendValidation(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	alice, _ := seedAgent(t, srv, "alice")

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/send", alice.Token, map[string]any{})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Missing envelope", body["detail"])

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/send", alice.Token,
		map[string]any{"envelope": map[string]any{"uam_version": "1.0"}})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_envelope", body["error"])
}

func TestInboxLimitValidation(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	alice, _ := seedAgent(t, srv, "alice")

	status, body := doJSON(t, ts, http.MethodGet,
		"/api/v1/inbox/"+alice.Address+"?limit=0", alice.Token, nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "validation_error", body["error"])
}

func TestThreadTranscript(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	aliceAgent, alicePriv := seedAgent(t, srv, "alice")
	bobAgent, _ := seedAgent(t, srv, "bob")
	carolAgent, _ := seedAgent(t, srv, "carol")

	env := signedEnvelope(t, aliceAgent.Address, alicePriv, bobAgent.Address, "th-42")
	status, _ := doJSON(t, ts, http.MethodPost, "/api/v1/send", aliceAgent.Token,
		map[string]any{"envelope": env.Wire()})
	require.Equal(t, http.StatusOK, status)

	status, body := doJSON(t, ts, http.MethodGet, "/api/v1/messages/thread/th-42", bobAgent.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, "th-42", body["thread_id"])

	// An outsider cannot read an existing thread.
	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/messages/thread/th-42", carolAgent.Token, nil)
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Not a participant in this thread", body["detail"])

	// A thread that never existed is just empty.
	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/messages/thread/nope", carolAgent.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])
}

func TestReceipt(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	aliceAgent, alicePriv := seedAgent(t, srv, "alice")
	bobAgent, _ := seedAgent(t, srv, "bob")
	carolAgent, _ := seedAgent(t, srv, "carol")

	env := signedEnvelope(t, aliceAgent.Address, alicePriv, bobAgent.Address, "")
	status, _ := doJSON(t, ts, http.MethodPost, "/api/v1/send", aliceAgent.Token,
		map[string]any{"envelope": env.Wire()})
	require.Equal(t, http.StatusOK, status)

	path := "/api/v1/messages/" + env.MessageID + "/receipt"

	status, body := doJSON(t, ts, http.MethodPost, path, bobAgent.Token,
		map[string]any{"type": "receipt.typo"})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, body["detail"], "Receipt type must be")

	status, body = doJSON(t, ts, http.MethodPost, path, carolAgent.Token,
		map[string]any{"type": "receipt.read"})
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Only the recipient can submit a receipt", body["detail"])

	status, body = doJSON(t, ts, http.MethodPost, path, bobAgent.Token,
		map[string]any{"type": "receipt.read"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, env.MessageID, body["message_id"])
	assert.Equal(t, "receipt.read", body["type"])
	assert.Equal(t, false, body["delivered"], "sender is offline")

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/messages/m-unknown/receipt",
		bobAgent.Token, map[string]any{"type": "receipt.read"})
	require.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body["detail"], "Message not found")
}

func TestThreadReadMarkers(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	alice, _ := seedAgent(t, srv, "alice")

	status, body := doJSON(t, ts, http.MethodGet, "/api/v1/threads/th-1/read", alice.Token, nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body["detail"], "No read marker")

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/threads/th-1/read", alice.Token,
		map[string]any{})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Missing last_read_message_id", body["detail"])

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/threads/th-1/read", alice.Token,
		map[string]any{"last_read_message_id": "m-9"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "m-9", body["last_read_message_id"])

	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/threads/th-1/read", alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "m-9", body["last_read_message_id"])
	assert.NotEmpty(t, body["updated_at"])
}

func TestPublicKeyLookup(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	alice, _ := seedAgent(t, srv, "alice")

	status, body := doJSON(t, ts, http.MethodGet,
		"/api/v1/agents/"+alice.Address+"/public-key", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, alice.PublicKey, body["public_key"])
	assert.Equal(t, float64(1), body["tier"])
	assert.NotContains(t, body, "verified_domain")

	now := time.Now().UTC()
	require.NoError(t, srv.st.UpsertVerification(context.Background(), &store.DomainVerification{
		AgentAddress: alice.Address,
		Domain:       "alice.example",
		PublicKey:    alice.PublicKey,
		Method:       "dns-txt",
		VerifiedAt:   now,
		LastChecked:  now,
		TTLHours:     24,
		Status:       store.VerificationVerified,
	}))

	status, body = doJSON(t, ts, http.MethodGet,
		"/api/v1/agents/"+alice.Address+"/public-key", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["tier"])
	assert.Equal(t, "alice.example", body["verified_domain"])

	status, body = doJSON(t, ts, http.MethodGet,
		"/api/v1/agents/ghost::relay.example/public-key", "", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body["detail"], "Agent not found")
}

func TestVerificationStatus(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	alice, _ := seedAgent(t, srv, "alice")

	status, body := doJSON(t, ts, http.MethodGet,
		"/api/v1/agents/"+alice.Address+"/verification", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["tier"])
	assert.Nil(t, body["domain"])
}

func TestPresence(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	alice, _ := seedAgent(t, srv, "alice")
	bob, _ := seedAgent(t, srv, "bob")

	status, _ := doJSON(t, ts, http.MethodGet,
		"/api/v1/agents/"+bob.Address+"/presence", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, body := doJSON(t, ts, http.MethodGet,
		"/api/v1/agents/"+bob.Address+"/presence", alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["online"])
	assert.Nil(t, body["last_seen"])
}

func TestUpdateAgent(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	alice, _ := seedAgent(t, srv, "alice")
	bob, _ := seedAgent(t, srv, "bob")

	path := "/api/v1/agents/" + alice.Address

	status, body := doJSON(t, ts, http.MethodPatch, path, bob.Token,
		map[string]any{"display_name": "Mallory"})
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Cannot update another agent's record", body["detail"])

	status, body = doJSON(t, ts, http.MethodPatch, path, alice.Token, map[string]any{})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "No fields to update", body["detail"])

	status, body = doJSON(t, ts, http.MethodPatch, path, alice.Token,
		map[string]any{"public_key": "garbage"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid Ed25519 public key", body["detail"])

	status, body = doJSON(t, ts, http.MethodPatch, path, alice.Token,
		map[string]any{"display_name": "Alice A."})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Alice A.", body["display_name"])
	assert.Equal(t, alice.Address, body["address"])
}

func TestDeactivateAndReactivate(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	alice, _ := seedAgent(t, srv, "alice")
	path := "/api/v1/agents/" + alice.Address

	// Active agents cannot be reactivated.
	status, body := doJSON(t, ts, http.MethodPost, path+"/reactivate", alice.Token, nil)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Agent was not deactivated", body["detail"])

	status, body = doJSON(t, ts, http.MethodDelete, path, alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "deactivated", body["status"])

	// The public record is gone while deactivated.
	status, _ = doJSON(t, ts, http.MethodGet, path+"/public-key", "", nil)
	require.Equal(t, http.StatusNotFound, status)

	// The token still works, which is what makes reactivation possible.
	status, body = doJSON(t, ts, http.MethodPost, path+"/reactivate", alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", body["status"])

	status, _ = doJSON(t, ts, http.MethodGet, path+"/public-key", "", nil)
	require.Equal(t, http.StatusOK, status)
}

func TestWebhookLifecycle(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	alice, _ := seedAgent(t, srv, "alice")
	bob, _ := seedAgent(t, srv, "bob")
	path := "/api/v1/agents/" + alice.Address + "/webhook"

	status, body := doJSON(t, ts, http.MethodPut, path, bob.Token,
		map[string]any{"webhook_url": "https://203.0.113.10/hook"})
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Cannot manage webhook for another agent", body["detail"])

	status, body = doJSON(t, ts, http.MethodPut, path, alice.Token,
		map[string]any{"webhook_url": "http://203.0.113.10/hook"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["detail"], "HTTPS")

	status, body = doJSON(t, ts, http.MethodPut, path, alice.Token,
		map[string]any{"webhook_url": "https://192.168.1.10/hook"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["detail"], "private or non-routable")

	status, body = doJSON(t, ts, http.MethodPut, path, alice.Token,
		map[string]any{"webhook_url": "https://203.0.113.10/hook"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://203.0.113.10/hook", body["webhook_url"])

	status, body = doJSON(t, ts, http.MethodGet, path, alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://203.0.113.10/hook", body["webhook_url"])

	status, body = doJSON(t, ts, http.MethodDelete, path, alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, body["webhook_url"])

	status, body = doJSON(t, ts, http.MethodGet, path, alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, body["webhook_url"])

	status, body = doJSON(t, ts, http.MethodGet, path+"/deliveries", alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])
}

func TestHandshakeFlow(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	aliceAgent, _ := seedAgent(t, srv, "alice")
	bobAgent, _ := seedAgent(t, srv, "bob")
	carolAgent, _ := seedAgent(t, srv, "carol")

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/handshakes/send", aliceAgent.Token,
		map[string]any{"to_address": bobAgent.Address, "contact_card": map[string]any{"name": "Alice"}})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, aliceAgent.Address, body["from_addr"])
	id := int64(body["id"].(float64))

	// A duplicate while pending conflicts.
	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/handshakes/send", aliceAgent.Token,
		map[string]any{"to_address": bobAgent.Address})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Handshake already pending", body["detail"])

	status, body = doJSON(t, ts, http.MethodGet,
		"/api/v1/handshakes/pending/"+bobAgent.Address, bobAgent.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	respondPath := "/api/v1/handshakes/" + strconvI64(id) + "/respond"

	status, body = doJSON(t, ts, http.MethodPost, respondPath, bobAgent.Token,
		map[string]any{"response": "maybe"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Response must be 'approved' or 'denied'", body["detail"])

	status, body = doJSON(t, ts, http.MethodPost, respondPath, carolAgent.Token,
		map[string]any{"response": "approved"})
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Only the handshake recipient can respond", body["detail"])

	status, body = doJSON(t, ts, http.MethodPost, respondPath, bobAgent.Token,
		map[string]any{"response": "approved"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "approved", body["status"])

	// Approval wrote a trusted contact in each direction, carrying the
	// initiator's card to the recipient.
	contact, err := srv.st.ContactOf(context.Background(), bobAgent.Address, aliceAgent.Address)
	require.NoError(t, err)
	assert.Equal(t, store.TrustTrusted, contact.TrustState)
	assert.Equal(t, "Alice", contact.ContactCard["name"])

	// Resolving twice conflicts and names the winner.
	status, body = doJSON(t, ts, http.MethodPost, respondPath, bobAgent.Token,
		map[string]any{"response": "denied"})
	require.Equal(t, http.StatusConflict, status)
	assert.Contains(t, body["detail"], "already resolved with status: approved")

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/handshakes/zzz/respond", bobAgent.Token,
		map[string]any{"response": "approved"})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "Handshake ID must be an integer", body["detail"])
}

func TestVerifyDomainValidation(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	alice, _ := seedAgent(t, srv, "alice")

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/verify-domain", alice.Token,
		map[string]any{})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Missing domain", body["detail"])

	status, _ = doJSON(t, ts, http.MethodPost, "/api/v1/verify-domain", "", map[string]any{
		"domain": "alice.example",
	})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestDemoFlow(t *testing.T) {
	_, ts := newTestServer(t, nil)

	status, session := doJSON(t, ts, http.MethodPost, "/api/v1/demo/session", "", nil)
	require.Equal(t, http.StatusOK, status)
	sessionID := session["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.Contains(t, session["address"], "demo-")

	status, other := doJSON(t, ts, http.MethodPost, "/api/v1/demo/session", "", nil)
	require.Equal(t, http.StatusOK, status)
	otherID := other["session_id"].(string)

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/demo/send", "", map[string]any{
		"session_id": sessionID,
		"to_address": other["address"],
		"message":    "hello from the demo",
	})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["message_id"])

	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/demo/inbox?session_id="+otherID, "", nil)
	require.Equal(t, http.StatusOK, status)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	first := msgs[0].(map[string]any)
	assert.Equal(t, session["address"], first["from"])
	assert.Equal(t, "hello from the demo", first["content"])

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/demo/send", "", map[string]any{
		"to_address": "x::y.example", "message": "hi",
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Missing session_id", body["detail"])

	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/demo/inbox?session_id=unknown", "", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Session not found or expired", body["detail"])
}

func TestDemoDisabled(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Settings) { cfg.DemoEnabled = false })

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/demo/session", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "Demo endpoints are disabled", body["detail"])
}

func strconvI64(n int64) string {
	return strconv.FormatInt(n, 10)
}
