// Package authz provides authorization helpers for filtering data by
// assignments and access grants.
//
// This package exists to share access-control logic between the HTTP server
// and the MCP server without creating a circular dependency (both import this
// package; neither imports the other).
package authz

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/auth"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// CanAccessChecklist checks whether the authenticated caller may read the
// given checklist. The rules are:
//   - admin: always allowed
//   - reviewer: allowed for own checklists and for the co-reviewer's checklist
//     on a shared assignment, otherwise requires a read grant on the checklist
//     or its study
//   - reader: always requires an explicit read grant
func CanAccessChecklist(ctx context.Context, db *storage.DB, claims *auth.Claims, checklistID uuid.UUID) (bool, error) {
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return true, nil
	}

	callerID, err := uuid.Parse(claims.Subject)
	if err != nil {
		slog.Warn("authz: malformed JWT subject, denying access",
			"error", err,
			"email", claims.Email,
			"role", claims.Role)
		return false, nil
	}

	return db.CanAccessChecklist(ctx, callerID, checklistID)
}

// CanEditChecklist checks whether the caller may mutate a checklist. Edits are
// owner-only regardless of role: every audit event is attributed to the
// checklist's reviewer, so even admins cannot write into someone else's chain.
// Readers hold no checklists and therefore cannot edit.
func CanEditChecklist(claims *auth.Claims, c *model.Checklist) bool {
	if !model.RoleAtLeast(claims.Role, model.RoleReviewer) {
		return false
	}
	callerID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return false
	}
	return c.ReviewerID == callerID
}

// CanReconcile checks whether the caller may start or finalize reconciliation
// on an assignment. Admins always may; reviewers only for assignments they
// sit on.
func CanReconcile(claims *auth.Claims, a model.Assignment) bool {
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return true
	}
	if claims.Role != model.RoleReviewer {
		return false
	}
	callerID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return false
	}
	return a.Reviewer1ID == callerID || a.Reviewer2ID == callerID
}

// LoadGrantedStudySet returns the set of study IDs the caller can access.
// For admin this returns nil (meaning unrestricted). For others it loads
// granted study IDs in a single query, consulting the cache when one is
// provided.
func LoadGrantedStudySet(ctx context.Context, db *storage.DB, claims *auth.Claims, cache *GrantCache) (map[uuid.UUID]bool, error) {
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return nil, nil // nil means unrestricted
	}

	callerID, err := uuid.Parse(claims.Subject)
	if err != nil {
		slog.Warn("authz: malformed JWT subject, denying all access",
			"error", err,
			"email", claims.Email,
			"role", claims.Role)
		return map[uuid.UUID]bool{}, nil // empty set = no access
	}

	if cache != nil {
		if granted, ok := cache.Get(claims.Subject); ok {
			return granted, nil
		}
	}

	granted, err := db.ListAccessibleStudyIDs(ctx, callerID)
	if err != nil {
		return nil, err
	}

	if cache != nil {
		cache.Set(claims.Subject, granted)
	}
	return granted, nil
}

// CanAccessStudy checks whether the caller may read the given study.
func CanAccessStudy(ctx context.Context, db *storage.DB, claims *auth.Claims, studyID uuid.UUID, cache *GrantCache) (bool, error) {
	granted, err := LoadGrantedStudySet(ctx, db, claims, cache)
	if err != nil {
		return false, err
	}
	return granted == nil || granted[studyID], nil
}

// FilterStudies removes studies the caller is not authorized to see.
func FilterStudies(ctx context.Context, db *storage.DB, claims *auth.Claims, studies []model.Study, cache *GrantCache) ([]model.Study, error) {
	granted, err := LoadGrantedStudySet(ctx, db, claims, cache)
	if err != nil {
		return nil, err
	}
	if granted == nil {
		return studies, nil
	}

	allowed := make([]model.Study, 0, len(studies))
	for _, s := range studies {
		if granted[s.ID] {
			allowed = append(allowed, s)
		}
	}
	return allowed, nil
}

// FilterChecklists removes checklists on studies the caller cannot see.
// Visibility is study-scoped: an assignment or grant on a study exposes all
// checklists on it, including the co-reviewer's.
func FilterChecklists(ctx context.Context, db *storage.DB, claims *auth.Claims, checklists []*model.Checklist, cache *GrantCache) ([]*model.Checklist, error) {
	granted, err := LoadGrantedStudySet(ctx, db, claims, cache)
	if err != nil {
		return nil, err
	}
	if granted == nil {
		return checklists, nil
	}

	allowed := make([]*model.Checklist, 0, len(checklists))
	for _, c := range checklists {
		if granted[c.StudyID] {
			allowed = append(allowed, c)
		}
	}
	return allowed, nil
}
