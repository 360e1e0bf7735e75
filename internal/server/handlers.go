package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/hyoka/internal/auth"
	"github.com/ashita-ai/hyoka/internal/authz"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/schema"
	"github.com/ashita-ai/hyoka/internal/service/audit"
	"github.com/ashita-ai/hyoka/internal/service/checklists"
	"github.com/ashita-ai/hyoka/internal/service/extract"
	"github.com/ashita-ai/hyoka/internal/service/progress"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db           *storage.DB
	jwtMgr       *auth.JWTManager
	checklistSvc *checklists.Service
	progressSvc  *progress.Service
	recorder     *audit.Recorder
	extractor    extract.Provider
	broker       *Broker
	grantCache   *authz.GrantCache
	hooks        []ChecklistHook
	logger       *slog.Logger

	startedAt               time.Time
	version                 string
	maxRequestBodyBytes     int64
	openapiSpec             []byte
	enableDestructiveDelete bool
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Recorder, Extractor, Broker, GrantCache, Hooks,
// OpenAPISpec.
type HandlersDeps struct {
	DB           *storage.DB
	JWTMgr       *auth.JWTManager
	ChecklistSvc *checklists.Service
	ProgressSvc  *progress.Service
	Recorder     *audit.Recorder
	Extractor    extract.Provider
	Broker       *Broker
	GrantCache   *authz.GrantCache
	Hooks        []ChecklistHook
	Logger       *slog.Logger

	Version                 string
	MaxRequestBodyBytes     int64
	OpenAPISpec             []byte
	EnableDestructiveDelete bool
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:           deps.DB,
		jwtMgr:       deps.JWTMgr,
		checklistSvc: deps.ChecklistSvc,
		progressSvc:  deps.ProgressSvc,
		recorder:     deps.Recorder,
		extractor:    deps.Extractor,
		broker:       deps.Broker,
		grantCache:   deps.GrantCache,
		hooks:        deps.Hooks,
		logger:       deps.Logger,

		startedAt:               time.Now().UTC(),
		version:                 deps.Version,
		maxRequestBodyBytes:     deps.MaxRequestBodyBytes,
		openapiSpec:             deps.OpenAPISpec,
		enableDestructiveDelete: deps.EnableDestructiveDelete,
	}
}

// HandleAuthToken handles POST /auth/token. Exchanges email + API key
// for a JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Email == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "email and api_key are required")
		return
	}

	reviewer, err := h.db.GetReviewerByEmail(r.Context(), req.Email)
	if err != nil {
		if isNotFoundError(err) {
			// Burn comparable time so unknown emails are not
			// distinguishable from wrong keys by latency.
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		h.writeInternalError(w, r, "auth: load reviewer", err)
		return
	}

	key, ok := h.verifyAPIKey(w, r, reviewer, req.APIKey)
	if !ok {
		return
	}

	var token string
	var expiresAt time.Time
	if key != nil {
		token, expiresAt, err = h.jwtMgr.IssueTokenForKey(reviewer, key.ID)
	} else {
		token, expiresAt, err = h.jwtMgr.IssueToken(reviewer)
	}
	if err != nil {
		h.writeInternalError(w, r, "auth: issue token", err)
		return
	}

	// Bookkeeping is best-effort; a login must not fail on it.
	if key != nil {
		if terr := h.db.TouchAPIKeyLastUsed(r.Context(), key.ID); terr != nil {
			h.logger.Warn("auth: touch key last used", "error", terr, "key_id", key.ID)
		}
	}
	if terr := h.db.TouchLastSeen(r.Context(), reviewer.ID); terr != nil {
		h.logger.Warn("auth: touch last seen", "error", terr, "reviewer_id", reviewer.ID)
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// verifyAPIKey checks the presented key against the reviewer's managed
// keys, falling back to the legacy per-account hash for accounts that
// predate managed keys. Returns the managed key used, or nil when the
// legacy hash matched. Writes the error response itself on failure.
func (h *Handlers) verifyAPIKey(w http.ResponseWriter, r *http.Request, reviewer model.Reviewer, rawKey string) (*model.APIKey, bool) {
	prefix, fullKey, perr := model.ParseRawKey(rawKey)
	if perr == nil {
		key, err := h.db.GetAPIKeyByPrefixAndReviewer(r.Context(), reviewer.ID, prefix)
		switch {
		case err == nil:
			if key.RevokedAt != nil {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "api key revoked")
				return nil, false
			}
			if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now().UTC()) {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "api key expired")
				return nil, false
			}
			valid, verr := auth.VerifyAPIKey(fullKey, key.KeyHash)
			if verr != nil {
				h.writeInternalError(w, r, "auth: verify api key", verr)
				return nil, false
			}
			if !valid {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
				return nil, false
			}
			return &key, true
		case isNotFoundError(err):
			// No managed key with this prefix; try the legacy hash.
		default:
			h.writeInternalError(w, r, "auth: load api key", err)
			return nil, false
		}
	}

	// Legacy account hash, or a pre-migration key whose hash was moved
	// into a managed row at startup.
	if reviewer.APIKeyHash != nil {
		valid, verr := auth.VerifyAPIKey(rawKey, *reviewer.APIKeyHash)
		if verr != nil {
			h.writeInternalError(w, r, "auth: verify api key", verr)
			return nil, false
		}
		if !valid {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return nil, false
		}
		return nil, true
	}

	key, err := h.db.GetAPIKeyByPrefixAndReviewer(r.Context(), reviewer.ID, storage.LegacyKeyPrefix)
	switch {
	case err == nil:
		if key.RevokedAt != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "api key revoked")
			return nil, false
		}
		if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now().UTC()) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "api key expired")
			return nil, false
		}
		valid, verr := auth.VerifyAPIKey(rawKey, key.KeyHash)
		if verr != nil {
			h.writeInternalError(w, r, "auth: verify api key", verr)
			return nil, false
		}
		if !valid {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return nil, false
		}
		return &key, true
	case isNotFoundError(err):
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return nil, false
	default:
		h.writeInternalError(w, r, "auth: load api key", err)
		return nil, false
	}
}

// HandleScopedToken handles POST /auth/scoped-token. Admins mint a
// short-lived token acting as another reviewer; the admin's identity
// stays in the token and in the log line below.
func (h *Handlers) HandleScopedToken(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.ScopedTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AsReviewerID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "as_reviewer_id is required")
		return
	}
	ttl := time.Duration(req.ExpiresIn) * time.Second
	if req.ExpiresIn < 0 || ttl > auth.MaxScopedTokenTTL {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("expires_in must be between 0 and %d seconds", int(auth.MaxScopedTokenTTL.Seconds())))
		return
	}

	target, err := h.db.GetReviewerByID(r.Context(), req.AsReviewerID)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "reviewer not found")
			return
		}
		h.writeInternalError(w, r, "scoped token: load reviewer", err)
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueScopedToken(claims.Email, target, ttl)
	if err != nil {
		h.writeInternalError(w, r, "scoped token: issue", err)
		return
	}

	h.logger.Info("scoped token issued",
		"admin", claims.Email,
		"as_reviewer_id", target.ID,
		"expires_at", expiresAt,
		"request_id", RequestIDFromContext(r.Context()),
	)

	writeJSON(w, r, http.StatusOK, model.ScopedTokenResponse{
		Token:        token,
		ExpiresAt:    expiresAt,
		AsReviewerID: target.ID,
		ScopedBy:     claims.Email,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.recorder != nil {
		resp.AuditQueue = h.recorder.Len()
	}
	if h.broker != nil {
		resp.SSEBroker = "enabled"
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "openapi spec not embedded in this build")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(h.openapiSpec)
}

// HandleConfig handles GET /v1/config. Clients use it to discover which
// optional features this deployment has enabled.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"version":         h.version,
		"instruments":     schema.Keys(),
		"extract_enabled": h.extractor != nil,
		"sse_enabled":     h.broker != nil,
	})
}

// SeedAdmin creates the bootstrap admin account when the reviewers table
// is empty and an admin key is configured. Called once at startup; a
// no-op on every later boot.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	if adminAPIKey == "" {
		return nil
	}
	count, err := h.db.CountReviewers(ctx)
	if err != nil {
		return fmt.Errorf("seed admin: count reviewers: %w", err)
	}
	if count > 0 {
		return nil
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}
	admin := model.Reviewer{
		Email:      "admin@hyoka.local",
		Name:       "Administrator",
		Role:       model.RoleAdmin,
		APIKeyHash: &hash,
	}
	created, err := h.db.CreateReviewer(ctx, admin)
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	h.logger.Info("seeded bootstrap admin account", "email", created.Email, "reviewer_id", created.ID)
	return nil
}

// recordAccess appends a read-side access log entry. No-op when access
// logging is disabled or the request is unauthenticated.
func (h *Handlers) recordAccess(r *http.Request, action model.AccessAction, resourceType, resourceID string) {
	if h.recorder == nil {
		return
	}
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return
	}
	reviewerID, err := claims.ReviewerID()
	if err != nil {
		return
	}
	h.recorder.Record(model.AccessEvent{
		ReviewerID:   reviewerID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    RequestIDFromContext(r.Context()),
	})
}

// writeServiceError maps service and storage errors onto API responses.
// Validation and state errors carry their message; missing resources and
// internal failures get generic bodies.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, checklists.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, checklists.ErrStateConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case isNotFoundError(err):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case isDuplicateKeyError(err):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "resource already exists")
	default:
		h.writeInternalError(w, r, op, err)
	}
}

// pathUUID parses a UUID path parameter, writing the error response on
// failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return &t, nil
}

// isDuplicateKeyError checks for a Postgres unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isNotFoundError checks if the error indicates a missing resource.
// Uses sentinel error matching instead of fragile string comparison.
func isNotFoundError(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}
