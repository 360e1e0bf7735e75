package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReviewerRole represents the RBAC role assigned to a reviewer account.
type ReviewerRole string

const (
	RoleAdmin    ReviewerRole = "admin"
	RoleReviewer ReviewerRole = "reviewer"
	RoleReader   ReviewerRole = "reader"
)

// Reviewer represents a platform account that fills or audits checklists.
type Reviewer struct {
	ID         uuid.UUID    `json:"id"`
	Email      string       `json:"email"`
	Name       string       `json:"name"`
	Role       ReviewerRole `json:"role"`
	APIKeyHash *string      `json:"-"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	LastSeenAt *time.Time   `json:"last_seen_at,omitempty"`
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters; RoleAtLeast uses >= comparison.
func RoleRank(r ReviewerRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleReviewer:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole ReviewerRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidateEmail checks that an email is plausible enough to key an account:
// 3-255 ASCII characters with exactly one @ separating non-empty parts.
// Deliverability is not our problem; uniqueness is enforced by storage.
func ValidateEmail(email string) error {
	if len(email) < 3 || len(email) > 255 {
		return fmt.Errorf("email must be 3-255 characters")
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || strings.IndexByte(email[at+1:], '@') >= 0 {
		return fmt.Errorf("email must contain exactly one @ with text on both sides")
	}
	for i := 0; i < len(email); i++ {
		if email[i] <= ' ' || email[i] > '~' {
			return fmt.Errorf("email contains invalid character at position %d", i)
		}
	}
	return nil
}
