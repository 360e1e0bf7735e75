package model

import (
	"time"

	"github.com/google/uuid"
)

// Grant permissions.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
)

// Grant resource types.
const (
	GrantResourceStudy     = "study"
	GrantResourceChecklist = "checklist"
)

// AccessGrant gives a reviewer access to a study or checklist outside their
// own assignments. Assignment membership always implies access; grants cover
// the rest, such as a methodologist auditing another pair's checklists.
type AccessGrant struct {
	ID           uuid.UUID  `json:"id"`
	GrantorID    uuid.UUID  `json:"grantor_id"`
	GranteeID    uuid.UUID  `json:"grantee_id"`
	ResourceType string     `json:"resource_type"`
	ResourceID   *uuid.UUID `json:"resource_id,omitempty"` // nil grants the type wholesale
	Permission   string     `json:"permission"`
	GrantedAt    time.Time  `json:"granted_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// CreateGrantRequest is the request body for POST /v1/grants.
type CreateGrantRequest struct {
	GranteeID    uuid.UUID  `json:"grantee_id"`
	ResourceType string     `json:"resource_type"`
	ResourceID   *uuid.UUID `json:"resource_id,omitempty"`
	Permission   string     `json:"permission"`
	ExpiresAt    *string    `json:"expires_at,omitempty"` // RFC3339
}
