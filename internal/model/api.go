package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for reviewer-supplied text.
// These keep a single oversized field from filling Postgres TEXT columns
// with caller-controlled garbage or bloating the audit log.
const (
	MaxNameLen       = 500
	MaxTitleLen      = 1000
	MaxCommentLen    = 16 * 1024 // 16 KB
	MaxPrelimTextLen = 8 * 1024  // 8 KB
	MaxListItems     = 50
	MaxListItemLen   = 500
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateSourceURI.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidateSourceURI ensures a study source_uri is a safe, publicly-routable
// http/https URL. Rejects javascript: and file: schemes (XSS via UI),
// credentials embedded in the URL, and private/loopback addresses (future
// SSRF surface).
func ValidateSourceURI(rawURI string) error {
	u, err := url.Parse(rawURI)
	if err != nil {
		return fmt.Errorf("invalid URI: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("source_uri must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("source_uri must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("source_uri must include a host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("source_uri must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("source_uri must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Email  string `json:"email"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ScopedTokenRequest is the request body for POST /auth/scoped-token.
// Admins mint short-lived tokens that act as another reviewer, for
// support sessions and automation running on a reviewer's behalf.
type ScopedTokenRequest struct {
	AsReviewerID uuid.UUID `json:"as_reviewer_id"`
	// ExpiresIn is the requested lifetime in seconds. Zero means the
	// server maximum; values above the maximum are rejected.
	ExpiresIn int `json:"expires_in,omitempty"`
}

// ScopedTokenResponse is the response for POST /auth/scoped-token.
type ScopedTokenResponse struct {
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expires_at"`
	AsReviewerID uuid.UUID `json:"as_reviewer_id"`
	ScopedBy     string    `json:"scoped_by"`
}

// CreateReviewerRequest is the request body for POST /v1/reviewers.
type CreateReviewerRequest struct {
	Email  string       `json:"email"`
	Name   string       `json:"name"`
	Role   ReviewerRole `json:"role"`
	APIKey string       `json:"api_key"`
}

// UpdateReviewerRequest is the request body for PATCH /v1/reviewers/{id}.
type UpdateReviewerRequest struct {
	Name *string       `json:"name,omitempty"`
	Role *ReviewerRole `json:"role,omitempty"`
}

// CreateStudyRequest is the request body for POST /v1/studies.
// Citation, when present, is raw citation text handed to the extraction
// sidecar to prefill the bibliographic fields.
type CreateStudyRequest struct {
	Title     string         `json:"title"`
	Authors   *string        `json:"authors,omitempty"`
	Year      *int           `json:"year,omitempty"`
	Journal   *string        `json:"journal,omitempty"`
	DOI       *string        `json:"doi,omitempty"`
	SourceURI *string        `json:"source_uri,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Citation  *string        `json:"citation,omitempty"`
}

// UpdateStudyRequest is the request body for PATCH /v1/studies/{id}.
type UpdateStudyRequest struct {
	Title     *string        `json:"title,omitempty"`
	Authors   *string        `json:"authors,omitempty"`
	Year      *int           `json:"year,omitempty"`
	Journal   *string        `json:"journal,omitempty"`
	DOI       *string        `json:"doi,omitempty"`
	SourceURI *string        `json:"source_uri,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CreateAssignmentRequest is the request body for POST /v1/studies/{id}/assignments.
type CreateAssignmentRequest struct {
	Instrument  string    `json:"instrument"`
	Reviewer1ID uuid.UUID `json:"reviewer1_id"`
	Reviewer2ID uuid.UUID `json:"reviewer2_id"`
}

// CreateChecklistRequest is the request body for POST /v1/checklists.
// Name defaults to "<study title> (<instrument>)" when omitted.
type CreateChecklistRequest struct {
	StudyID    uuid.UUID `json:"study_id"`
	Instrument string    `json:"instrument"`
	Name       *string   `json:"name,omitempty"`
	Mode       *Code     `json:"mode,omitempty"`
}

// RecordAnswerRequest is the request body for
// PATCH /v1/checklists/{id}/domains/{domain}/answers/{question}.
type RecordAnswerRequest struct {
	Code     Code    `json:"code"`
	Comment  *string `json:"comment,omitempty"`
	Critical *bool   `json:"critical,omitempty"`
}

// SetPreliminaryRequest is the request body for
// PUT /v1/checklists/{id}/preliminary/{field}.
type SetPreliminaryRequest struct {
	Value PrelimValue `json:"value"`
}

// SetOverrideRequest is the request body for
// PUT /v1/checklists/{id}/overrides/{scope}. A nil judgement clears the
// override and returns the scope to automatic scoring.
type SetOverrideRequest struct {
	Judgement *Judgement `json:"judgement"`
}

// SetDirectionRequest is the request body for
// PUT /v1/checklists/{id}/directions/{scope}.
type SetDirectionRequest struct {
	Direction *Direction `json:"direction"`
}

// TransitionRequest is the request body for POST /v1/checklists/{id}/status.
type TransitionRequest struct {
	Status Status `json:"status"`
}

// Side names one of the two source checklists in comparison and
// reconciliation output.
type Side string

const (
	SideReviewer1 Side = "reviewer1"
	SideReviewer2 Side = "reviewer2"
)

// Valid reports whether s names a known side.
func (s Side) Valid() bool {
	return s == SideReviewer1 || s == SideReviewer2
}

// ReconcileRequest is the request body for POST /v1/studies/{id}/reconciliations.
// Selection keys are "<domain>", "<domain>.<question>", "preliminary.<field>"
// or "overall"; a more specific key wins over its domain's entry, and keys
// absent from the map default to reviewer1.
type ReconcileRequest struct {
	Instrument string          `json:"instrument"`
	Selection  map[string]Side `json:"selection,omitempty"`
	Name       *string         `json:"name,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Postgres   string `json:"postgres"`
	AuditQueue int    `json:"audit_queue"`
	SSEBroker  string `json:"sse_broker,omitempty"`
	Uptime     int64  `json:"uptime_seconds"`
}
