// Package server assembles the relay: it wires storage, policy,
// routing, federation, and the background workers, and exposes the
// REST, WebSocket, and admin surfaces over one http.Server.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/YouAM-Network/uam-relay/pkg/api"
	"github.com/YouAM-Network/uam-relay/pkg/audit"
	"github.com/YouAM-Network/uam-relay/pkg/config"
	"github.com/YouAM-Network/uam-relay/pkg/connections"
	"github.com/YouAM-Network/uam-relay/pkg/demo"
	"github.com/YouAM-Network/uam-relay/pkg/federation"
	"github.com/YouAM-Network/uam-relay/pkg/observability"
	"github.com/YouAM-Network/uam-relay/pkg/ratelimit"
	"github.com/YouAM-Network/uam-relay/pkg/reputation"
	"github.com/YouAM-Network/uam-relay/pkg/router"
	"github.com/YouAM-Network/uam-relay/pkg/spam"
	"github.com/YouAM-Network/uam-relay/pkg/store"
	"github.com/YouAM-Network/uam-relay/pkg/verification"
	"github.com/YouAM-Network/uam-relay/pkg/webhook"
)

// Version is reported by /health, the CLI, and the federation
// identity document.
const Version = "0.1.0"

const (
	// Body caps. The send route takes the envelope ceiling plus JSON
	// framing overhead; everything else is small control traffic.
	bodyCapDefault = 64 << 10
	bodyCapSend    = 128 << 10

	// registerLimit is the per-IP registration window (5/min).
	registerLimit = 5

	// Global per-IP guard. Coarse on purpose; the register and demo
	// routes carry their own sliding windows.
	globalRPS   = 50
	globalBurst = 100

	// relayInboundLimit is the full-tier per-peer federation window.
	// A peer relay aggregates many senders, so its budget sits an
	// order of magnitude above the per-recipient window. Lower tiers
	// derive from it (half, tenth, zero).
	relayInboundLimit = 1000

	demoSessionTTL = 10 * time.Minute
	demoSessionCap = 1000

	sweepInterval = 5 * time.Minute
	purgeInterval = time.Hour
	dedupHorizon  = 7 * 24 * time.Hour

	shutdownGrace = 10 * time.Second
)

// Server owns every relay subsystem and the HTTP surface over them.
type Server struct {
	cfg    *config.Settings
	logger *slog.Logger
	obs    *observability.Provider

	st        *store.Store
	conns     *connections.Manager
	router    *router.Router
	filter    *spam.Filter
	rep       *reputation.Manager
	relays    *reputation.RelayManager
	validator *webhook.Validator
	hooks     *webhook.Worker
	fwd       *federation.Forwarder // nil when federation is disabled
	inbound   *federation.Inbound
	identity  federation.Identity
	checker   *verification.Checker
	reverify  *verification.Reverifier
	auditLog  *audit.Logger
	exporter  *audit.Exporter
	demo      *demo.Service

	global        *api.GlobalRateLimiter
	registrations *ratelimit.Counter
	upgrader      websocket.Upgrader
}

// New wires the full relay. The caller owns Run and, through it, the
// final close of the store and the telemetry pipeline.
func New(ctx context.Context, cfg *config.Settings, logger *slog.Logger) (*Server, error) {
	obs, err := observability.New(ctx, cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		_ = obs.Shutdown(context.Background())
		return nil, err
	}
	fail := func(err error) (*Server, error) {
		_ = st.Close()
		_ = obs.Shutdown(context.Background())
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		return fail(err)
	}

	filter := spam.NewFilter(st, logger)
	if err := filter.Load(ctx); err != nil {
		return fail(err)
	}

	relayKey, err := federation.LoadOrCreateKey(cfg.RelayKeyPath)
	if err != nil {
		return fail(err)
	}

	sink, err := audit.NewSink(ctx, cfg.AuditExportDir, cfg.AuditExportBucket)
	if err != nil {
		return fail(err)
	}

	conns := connections.NewManager(logger, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	rep := reputation.NewManager(st, logger, cfg.ReputationDefaultScore, cfg.ReputationDNSVerifiedScore)
	relays := reputation.NewRelayManager(st, logger, relayInboundLimit)
	auditLog := audit.NewLogger(st, logger)

	validator := webhook.NewValidator()
	breaker := webhook.NewBreaker(st, cfg.WebhookCircuitCooldown, logger)
	hooks := webhook.NewWorker(st, conns, validator, breaker, obs, logger, cfg.WebhookTimeout)

	disco := federation.NewDiscoverer(st, logger, cfg.FederationDiscoveryTTL, cfg.FederationTimeout)
	var fwd *federation.Forwarder
	if cfg.FederationEnabled {
		fwd = federation.NewForwarder(st, disco, relayKey, cfg, obs, logger)
	}

	rt := router.NewRouter(st, conns, hooks, fwd, filter, rep, auditLog, obs, cfg, logger)
	checker := verification.NewChecker(logger)
	sessions := demo.NewManager(st, logger, demoSessionTTL, demoSessionCap)

	return &Server{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "server")),
		obs:       obs,
		st:        st,
		conns:     conns,
		router:    rt,
		filter:    filter,
		rep:       rep,
		relays:    relays,
		validator: validator,
		hooks:     hooks,
		fwd:       fwd,
		inbound: federation.NewInbound(st, disco, relays,
			ratelimit.New(relayInboundLimit, time.Minute), rt, obs, cfg, logger),
		identity:      federation.NewIdentity(cfg, relayKey.Public().(ed25519.PublicKey)),
		checker:       checker,
		reverify:      verification.NewReverifier(st, checker, rep, auditLog, cfg, logger),
		auditLog:      auditLog,
		exporter:      audit.NewExporter(st, sink, logger),
		demo:          demo.NewService(st, rt, sessions, cfg, logger),
		global:        api.NewGlobalRateLimiter(globalRPS, globalBurst),
		registrations: ratelimit.New(registerLimit, time.Minute),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The query token is the credential; agents are headless
			// processes, not browsers bound to an origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Routes assembles the REST, WebSocket, and admin surface behind the
// shared middleware chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Registration and messaging.
	mux.Handle("POST /api/v1/register", s.capped(bodyCapDefault, s.handleRegister))
	mux.Handle("POST /api/v1/send", s.capped(bodyCapSend, s.handleSend))
	mux.HandleFunc("GET /api/v1/inbox/{address}", s.handleInbox)
	mux.HandleFunc("GET /api/v1/messages/thread/{id}", s.handleThread)
	mux.Handle("POST /api/v1/messages/{id}/receipt", s.capped(bodyCapDefault, s.handleReceipt))
	mux.HandleFunc("GET /api/v1/ws", s.handleWS)

	// Agent lookup and lifecycle.
	mux.HandleFunc("GET /api/v1/agents/{address}/public-key", s.handlePublicKey)
	mux.HandleFunc("GET /api/v1/agents/{address}/presence", s.handlePresence)
	mux.HandleFunc("GET /api/v1/agents/{address}/verification", s.handleVerificationStatus)
	mux.Handle("PATCH /api/v1/agents/{address}", s.capped(bodyCapDefault, s.handleUpdateAgent))
	mux.HandleFunc("DELETE /api/v1/agents/{address}", s.handleDeactivateAgent)
	mux.HandleFunc("POST /api/v1/agents/{address}/reactivate", s.handleReactivateAgent)

	// Webhook management.
	mux.Handle("PUT /api/v1/agents/{address}/webhook", s.capped(bodyCapDefault, s.handleSetWebhook))
	mux.HandleFunc("GET /api/v1/agents/{address}/webhook", s.handleGetWebhook)
	mux.HandleFunc("DELETE /api/v1/agents/{address}/webhook", s.handleClearWebhook)
	mux.HandleFunc("GET /api/v1/agents/{address}/webhook/deliveries", s.handleWebhookDeliveries)

	// Handshakes and thread read markers.
	mux.Handle("POST /api/v1/handshakes/send", s.capped(bodyCapDefault, s.handleHandshakeSend))
	mux.HandleFunc("GET /api/v1/handshakes/pending/{address}", s.handlePendingHandshakes)
	mux.Handle("POST /api/v1/handshakes/{id}/respond", s.capped(bodyCapDefault, s.handleHandshakeRespond))
	mux.Handle("POST /api/v1/threads/{id}/read", s.capped(bodyCapDefault, s.handleMarkThreadRead))
	mux.HandleFunc("GET /api/v1/threads/{id}/read", s.handleThreadReadMarker)

	// Domain verification.
	mux.Handle("POST /api/v1/verify-domain", s.capped(bodyCapDefault, s.handleVerifyDomain))

	// Federation.
	mux.Handle("POST /api/v1/federation/deliver", api.MaxBody(s.cfg.FederationMaxBody)(s.inbound))
	mux.HandleFunc("GET /.well-known/uam-relay.json", s.handleWellKnown)

	// Demo widget.
	mux.Handle("POST /api/v1/demo/session", s.capped(bodyCapDefault, s.handleDemoSession))
	mux.Handle("POST /api/v1/demo/send", s.capped(bodyCapDefault, s.handleDemoSend))
	mux.HandleFunc("GET /api/v1/demo/inbox", s.handleDemoInbox)

	// Health, prefixed and bare for load-balancer probes.
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Admin surface.
	mux.Handle("POST /api/v1/admin/blocklist", s.capped(bodyCapDefault, s.adminAddBlocklist))
	mux.HandleFunc("DELETE /api/v1/admin/blocklist/{pattern...}", s.adminRemoveBlocklist)
	mux.HandleFunc("GET /api/v1/admin/blocklist", s.adminListBlocklist)
	mux.Handle("POST /api/v1/admin/allowlist", s.capped(bodyCapDefault, s.adminAddAllowlist))
	mux.HandleFunc("DELETE /api/v1/admin/allowlist/{pattern...}", s.adminRemoveAllowlist)
	mux.HandleFunc("GET /api/v1/admin/allowlist", s.adminListAllowlist)
	mux.HandleFunc("GET /api/v1/admin/reputation/{address}", s.adminGetReputation)
	mux.Handle("PUT /api/v1/admin/reputation/{address}", s.capped(bodyCapDefault, s.adminSetReputation))
	mux.Handle("POST /api/v1/admin/relay-blocklist", s.capped(bodyCapDefault, s.adminBlockRelay))
	mux.HandleFunc("DELETE /api/v1/admin/relay-blocklist/{domain}", s.adminUnblockRelay)
	mux.HandleFunc("GET /api/v1/admin/relay-blocklist", s.adminListRelayBlocklist)
	mux.HandleFunc("GET /api/v1/admin/relays", s.adminListRelays)
	mux.HandleFunc("GET /api/v1/admin/agents", s.adminListAgents)
	mux.HandleFunc("POST /api/v1/admin/agents/{address}/suspend", s.adminSuspendAgent)
	mux.HandleFunc("GET /api/v1/admin/audit", s.adminAuditLog)
	mux.Handle("POST /api/v1/admin/audit/export", s.capped(bodyCapDefault, s.adminAuditExport))
	mux.HandleFunc("DELETE /api/v1/admin/messages/expired", s.adminPurgeExpired)

	return api.Chain(mux,
		api.Recover(s.logger),
		api.RequestID,
		api.AccessLog(s.logger),
		api.CORS(s.cfg.CORSOrigins),
		s.global.Middleware,
	)
}

func (s *Server) capped(limit int64, h http.HandlerFunc) http.Handler {
	return api.MaxBody(limit)(h)
}

// Run serves HTTP and drives every background worker until ctx is
// cancelled, then shuts down in order: stop accepting, close live
// WebSocket sessions, drain workers, close the store.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("relay listening",
			slog.String("addr", httpSrv.Addr),
			slog.String("domain", s.cfg.RelayDomain),
			slog.Bool("federation", s.cfg.FederationEnabled))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := httpSrv.Shutdown(shCtx)
		s.conns.CloseAll(websocket.CloseGoingAway, "relay shutting down")
		return err
	})

	loops := []func(context.Context) error{
		s.router.Run,
		s.hooks.Run,
		s.reverify.Run,
		s.demo.Run,
		s.janitor,
	}
	if s.fwd != nil {
		loops = append(loops, s.fwd.Run)
	}
	for _, loop := range loops {
		g.Go(func() error {
			if err := loop(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		s.conns.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.global.Run(gctx)
		return nil
	})

	err := g.Wait()
	if closeErr := s.Close(context.Background()); closeErr != nil && err == nil {
		err = closeErr
	}
	s.logger.Info("relay stopped")
	return err
}

// Close releases the store and flushes telemetry once Run has
// returned.
func (s *Server) Close(ctx context.Context) error {
	err := s.st.Close()
	if obsErr := s.obs.Shutdown(ctx); obsErr != nil && err == nil {
		err = obsErr
	}
	return err
}

// janitor owns the periodic storage sweeps: expired stored messages
// and the registration window every five minutes, dedup GC and
// retention purges hourly.
func (s *Server) janitor(ctx context.Context) error {
	sweep := time.NewTicker(sweepInterval)
	purge := time.NewTicker(purgeInterval)
	defer sweep.Stop()
	defer purge.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			if n, err := s.st.SweepExpiredMessages(ctx, time.Now().UTC()); err != nil {
				s.logger.Warn("expired message sweep failed", slog.Any("error", err))
			} else if n > 0 {
				s.logger.Info("swept expired messages", slog.Int64("count", n))
			}
			s.registrations.Cleanup()
		case <-purge.C:
			s.runRetention(ctx)
		}
	}
}

func (s *Server) runRetention(ctx context.Context) {
	now := time.Now().UTC()
	if _, err := s.st.PurgeSeenBefore(ctx, now.Add(-dedupHorizon)); err != nil {
		s.logger.Warn("dedup purge failed", slog.Any("error", err))
	}

	cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)
	purges := []struct {
		table string
		fn    func(context.Context, time.Time) (int64, error)
	}{
		{"messages", s.st.PurgeMessagesBefore},
		{"webhook_deliveries", s.st.PurgeWebhooksBefore},
		{"audit_log", s.st.PurgeAuditBefore},
		{"federation_log", s.st.PurgeFederationBefore},
	}
	for _, p := range purges {
		if n, err := p.fn(ctx, cutoff); err != nil {
			s.logger.Warn("retention purge failed",
				slog.String("table", p.table), slog.Any("error", err))
		} else if n > 0 {
			s.logger.Info("retention purge",
				slog.String("table", p.table), slog.Int64("purged", n))
		}
	}
}

// authenticate resolves the bearer token to an agent, writing the 401
// itself and returning nil when the token is missing or unknown.
// Deactivated agents still authenticate: deactivation stops inbound
// delivery, not the owner's access to their own record.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) *store.Agent {
	token, ok := api.BearerToken(r)
	if !ok {
		api.WriteUnauthorized(w, "")
		return nil
	}
	agent, err := s.st.AgentByToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			api.WriteUnauthorized(w, "Invalid token")
		} else {
			api.WriteInternal(w, s.logger, err)
		}
		return nil
	}
	return agent
}

// requireSelf authenticates and enforces that the caller owns the
// address in the path; detail is the 403 message on mismatch.
func (s *Server) requireSelf(w http.ResponseWriter, r *http.Request, address, detail string) *store.Agent {
	agent := s.authenticate(w, r)
	if agent == nil {
		return nil
	}
	if agent.Address != address {
		api.WriteForbidden(w, detail)
		return nil
	}
	return agent
}

// respondError renders pipeline rejections with their HTTP mapping and
// anything else as a 500.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var rej *router.Rejection
	if errors.As(err, &rej) {
		rej.Respond(w)
		return
	}
	api.WriteInternal(w, s.logger, err)
}

// limitParam parses the ?limit query, answering the 422 itself when
// the value is not an integer in [1, max].
func (s *Server) limitParam(w http.ResponseWriter, r *http.Request, def, max int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		api.WriteValidation(w, fmt.Sprintf("Limit must be an integer between 1 and %d", max))
		return 0, false
	}
	return n, true
}

// decodeJSON unmarshals a request body, answering the 400 itself on
// malformed or oversize input.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			api.WriteBadRequest(w, fmt.Sprintf("Request body exceeds %d bytes", tooBig.Limit))
			return false
		}
		api.WriteBadRequest(w, "Invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"agents_online": s.conns.OnlineCount(),
		"version":       Version,
	})
}

// handleWellKnown serves the relay identity document used by peer
// discovery.
func (s *Server) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.identity)
}
