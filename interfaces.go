package hyoka

import (
	"context"
	"net/http"
)

// EventHook receives async notifications when checklist lifecycle events
// occur. Multiple hooks may be registered via multiple WithEventHook calls.
// Hook methods run in goroutines and must not block indefinitely.
// Failures are logged but do not fail the originating request.
type EventHook interface {
	OnChecklistCompleted(ctx context.Context, checklist Checklist) error
	OnChecklistFinalized(ctx context.Context, checklist Checklist) error
}

// Extractor yields bibliographic metadata for raw citation text.
// When provided via WithExtractor, replaces the HTTP sidecar client
// configured by HYOKA_EXTRACT_URL. Extraction is best-effort: an error
// leaves the study fields for manual entry and never fails the request.
type Extractor interface {
	Extract(ctx context.Context, citation string) (StudyMetadata, error)
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extension routes share the mux, auth chain, and OTEL instrumentation
// with the built-in routes. The function is called once during New()
// after all built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides RBAC middleware for use in RouteRegistrar.
// It wraps the server's role middleware so extension routes use the same
// auth chain without depending on internal/server directly.
type AuthHelper interface {
	RequireRole(role Role) func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Use for license enforcement, custom logging, or cross-cutting headers.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
