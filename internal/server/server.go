package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hyoka/internal/auth"
	"github.com/ashita-ai/hyoka/internal/authz"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/ratelimit"
	"github.com/ashita-ai/hyoka/internal/service/audit"
	"github.com/ashita-ai/hyoka/internal/service/checklists"
	"github.com/ashita-ai/hyoka/internal/service/extract"
	"github.com/ashita-ai/hyoka/internal/service/progress"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// Server is the Hyoka HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// RoleMiddlewareFn builds an RBAC middleware requiring at least the
// given role. Handed to extension route registrars so extra routes sit
// behind the same auth chain as the built-in ones.
type RoleMiddlewareFn func(model.ReviewerRole) func(http.Handler) http.Handler

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Recorder, Extractor, Broker,
// GrantCache, Limiter, AuthLimiter, MCPServer, Hooks, ExtraRoutes,
// Middlewares, UIFS, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB           *storage.DB
	JWTMgr       *auth.JWTManager
	ChecklistSvc *checklists.Service
	ProgressSvc  *progress.Service
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Recorder    *audit.Recorder
	Extractor   extract.Provider
	Broker      *Broker
	GrantCache  *authz.GrantCache
	Limiter     ratelimit.Limiter // write endpoints, keyed by reviewer
	AuthLimiter ratelimit.Limiter // token endpoint, keyed by client IP
	MCPServer   *mcpserver.MCPServer

	// Extension points, wired by the root hyoka package.
	Hooks       []ChecklistHook
	ExtraRoutes []func(*http.ServeMux, RoleMiddlewareFn)
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                    int
	ReadTimeout             time.Duration
	WriteTimeout            time.Duration
	Version                 string
	MaxRequestBodyBytes     int64
	EnableDestructiveDelete bool

	// Optional embedded assets.
	UIFS        fs.FS  // Embedded UI filesystem (SPA).
	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                      cfg.DB,
		JWTMgr:                  cfg.JWTMgr,
		ChecklistSvc:            cfg.ChecklistSvc,
		ProgressSvc:             cfg.ProgressSvc,
		Recorder:                cfg.Recorder,
		Extractor:               cfg.Extractor,
		Broker:                  cfg.Broker,
		GrantCache:              cfg.GrantCache,
		Hooks:                   cfg.Hooks,
		Logger:                  cfg.Logger,
		Version:                 cfg.Version,
		MaxRequestBodyBytes:     cfg.MaxRequestBodyBytes,
		OpenAPISpec:             cfg.OpenAPISpec,
		EnableDestructiveDelete: cfg.EnableDestructiveDelete,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Two rate limit classes: the token endpoint is keyed by client IP
	// because callers are unauthenticated there; everything mutating is
	// keyed by reviewer, with admins exempt.
	authRL := ratelimit.MiddlewareWithRequestID(cfg.AuthLimiter, authIPKeyFunc, reqIDFunc)
	writeRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, reviewerKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoints (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	adminOnly := requireRole(model.RoleAdmin)
	writeRole := requireRole(model.RoleReviewer)
	readRole := requireRole(model.RoleReader)

	// Scoped impersonation tokens (admin-only).
	mux.Handle("POST /auth/scoped-token", adminOnly(http.HandlerFunc(h.HandleScopedToken)))

	// Reviewer management. Single-reviewer reads allow self-access;
	// the handlers enforce the self-or-admin check.
	mux.Handle("POST /v1/reviewers", adminOnly(http.HandlerFunc(h.HandleCreateReviewer)))
	mux.Handle("GET /v1/reviewers", adminOnly(http.HandlerFunc(h.HandleListReviewers)))
	mux.Handle("GET /v1/reviewers/{reviewer_id}", readRole(http.HandlerFunc(h.HandleGetReviewer)))
	mux.Handle("PATCH /v1/reviewers/{reviewer_id}", adminOnly(http.HandlerFunc(h.HandleUpdateReviewer)))
	mux.Handle("GET /v1/reviewers/{reviewer_id}/stats", readRole(http.HandlerFunc(h.HandleReviewerStats)))
	mux.Handle("GET /v1/reviewers/{reviewer_id}/queue", readRole(http.HandlerFunc(h.HandleReviewerQueue)))
	mux.Handle("GET /v1/reviewers/{reviewer_id}/activity", adminOnly(http.HandlerFunc(h.HandleReviewerActivity)))

	// API key management (admin-only).
	mux.Handle("POST /v1/keys", adminOnly(http.HandlerFunc(h.HandleCreateKey)))
	mux.Handle("GET /v1/keys", adminOnly(http.HandlerFunc(h.HandleListKeys)))
	mux.Handle("DELETE /v1/keys/{key_id}", adminOnly(http.HandlerFunc(h.HandleRevokeKey)))
	mux.Handle("POST /v1/keys/{key_id}/rotate", adminOnly(http.HandlerFunc(h.HandleRotateKey)))

	// Studies.
	mux.Handle("POST /v1/studies", writeRL(writeRole(http.HandlerFunc(h.HandleCreateStudy))))
	mux.Handle("GET /v1/studies", readRole(http.HandlerFunc(h.HandleListStudies)))
	mux.Handle("POST /v1/studies/search", readRole(http.HandlerFunc(h.HandleSearchStudies)))
	mux.Handle("GET /v1/studies/{study_id}", readRole(http.HandlerFunc(h.HandleGetStudy)))
	mux.Handle("PATCH /v1/studies/{study_id}", writeRL(writeRole(http.HandlerFunc(h.HandleUpdateStudy))))
	mux.Handle("PUT /v1/studies/{study_id}/tags", writeRL(writeRole(http.HandlerFunc(h.HandleUpdateStudyTags))))
	mux.Handle("DELETE /v1/studies/{study_id}", adminOnly(http.HandlerFunc(h.HandleDeleteStudy)))
	mux.Handle("GET /v1/studies/{study_id}/progress", readRole(http.HandlerFunc(h.HandleStudyProgress)))
	mux.Handle("POST /v1/studies/{study_id}/assignments", adminOnly(http.HandlerFunc(h.HandleCreateAssignment)))
	mux.Handle("GET /v1/studies/{study_id}/assignments", readRole(http.HandlerFunc(h.HandleListStudyAssignments)))
	mux.Handle("GET /v1/studies/{study_id}/compare", readRole(http.HandlerFunc(h.HandleCompareStudy)))
	mux.Handle("POST /v1/studies/{study_id}/reconcile", writeRL(writeRole(http.HandlerFunc(h.HandleReconcileStudy))))
	mux.Handle("GET /v1/studies/{study_id}/reconciliations", readRole(http.HandlerFunc(h.HandleListStudyReconciliations)))

	// Checklists: creation, scoring mutations, lifecycle, export.
	mux.Handle("POST /v1/checklists", writeRL(writeRole(http.HandlerFunc(h.HandleCreateChecklist))))
	mux.Handle("GET /v1/checklists", readRole(http.HandlerFunc(h.HandleListChecklists)))
	mux.Handle("GET /v1/checklists/{checklist_id}", readRole(http.HandlerFunc(h.HandleGetChecklist)))
	mux.Handle("PUT /v1/checklists/{checklist_id}/domains/{domain}/answers/{question}",
		writeRL(writeRole(http.HandlerFunc(h.HandleRecordAnswer))))
	mux.Handle("PUT /v1/checklists/{checklist_id}/preliminary/{field}",
		writeRL(writeRole(http.HandlerFunc(h.HandleSetPreliminary))))
	mux.Handle("PUT /v1/checklists/{checklist_id}/overrides/{scope}",
		writeRL(writeRole(http.HandlerFunc(h.HandleSetOverride))))
	mux.Handle("DELETE /v1/checklists/{checklist_id}/overrides/{scope}",
		writeRL(writeRole(http.HandlerFunc(h.HandleClearOverride))))
	mux.Handle("PUT /v1/checklists/{checklist_id}/directions/{scope}",
		writeRL(writeRole(http.HandlerFunc(h.HandleSetDirection))))
	mux.Handle("POST /v1/checklists/{checklist_id}/status",
		writeRL(writeRole(http.HandlerFunc(h.HandleTransition))))
	mux.Handle("GET /v1/checklists/{checklist_id}/export", readRole(http.HandlerFunc(h.HandleExportChecklist)))
	mux.Handle("GET /v1/checklists/{checklist_id}/events", readRole(http.HandlerFunc(h.HandleChecklistEvents)))
	mux.Handle("GET /v1/checklists/{checklist_id}/verify", readRole(http.HandlerFunc(h.HandleVerifyChecklist)))

	// Reconciliations.
	mux.Handle("GET /v1/reconciliations/{rec_id}", readRole(http.HandlerFunc(h.HandleGetReconciliation)))
	mux.Handle("POST /v1/reconciliations/{rec_id}/finalize",
		writeRL(writeRole(http.HandlerFunc(h.HandleFinalizeReconciliation))))

	// Instrument definitions (reader+).
	mux.Handle("GET /v1/instruments", readRole(http.HandlerFunc(h.HandleListInstruments)))
	mux.Handle("GET /v1/instruments/{key}", readRole(http.HandlerFunc(h.HandleGetInstrument)))

	// Platform dashboard (admin-only).
	mux.Handle("GET /v1/dashboard", adminOnly(http.HandlerFunc(h.HandleDashboard)))

	// Access grants (admin-only).
	mux.Handle("POST /v1/grants", adminOnly(http.HandlerFunc(h.HandleCreateGrant)))
	mux.Handle("GET /v1/grants", adminOnly(http.HandlerFunc(h.HandleListGrants)))
	mux.Handle("DELETE /v1/grants/{grant_id}", adminOnly(http.HandlerFunc(h.HandleDeleteGrant)))

	// Retention holds (admin-only).
	mux.Handle("POST /v1/retention/holds", adminOnly(http.HandlerFunc(h.HandleCreateHold)))
	mux.Handle("GET /v1/retention/holds", adminOnly(http.HandlerFunc(h.HandleListHolds)))
	mux.Handle("DELETE /v1/retention/holds/{hold_id}", adminOnly(http.HandlerFunc(h.HandleReleaseHold)))

	// Integrity proofs (admin-only).
	mux.Handle("GET /v1/integrity/proofs", adminOnly(http.HandlerFunc(h.HandleListIntegrityProofs)))
	mux.Handle("POST /v1/integrity/proofs", adminOnly(http.HandlerFunc(h.HandleRunIntegrityProof)))

	// Live updates (reader+, no rate limit -- long-lived connection).
	mux.Handle("GET /v1/subscribe", readRole(http.HandlerFunc(h.HandleSubscribe)))

	// Deployment feature discovery (reader+).
	mux.Handle("GET /v1/config", readRole(http.HandlerFunc(h.HandleConfig)))

	// MCP StreamableHTTP transport (auth required, reader+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	// Extension routes from the embedding application. They sit inside
	// the standard middleware chain, so handlers see authenticated
	// claims and can opt into RBAC via the provided middleware factory.
	for _, register := range cfg.ExtraRoutes {
		register(mux, requireRole)
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// SPA: serve the embedded UI at the root path.
	// Registered last so all API routes take priority via the mux's longest-match rule.
	if cfg.UIFS != nil {
		mux.Handle("/", newSPAHandler(cfg.UIFS))
		cfg.Logger.Info("ui enabled, serving SPA at /")
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Embedder middlewares wrap the whole chain. Applied in reverse so
	// the first-registered middleware runs outermost.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// reviewerKeyFunc extracts the reviewer ID from the request context for
// rate limiting. Returns empty string for admins (exempt).
func reviewerKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return "write:" + claims.Subject
}

// authIPKeyFunc keys the unauthenticated token endpoint by client IP.
func authIPKeyFunc(r *http.Request) string {
	return "auth:" + ratelimit.IPKeyFunc(r)
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
