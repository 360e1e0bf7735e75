package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hyoka/internal/model"
)

// CreateGrantWithAudit inserts a new access grant.
func (db *DB) CreateGrantWithAudit(ctx context.Context, grant model.AccessGrant, audit MutationAuditEntry) (model.AccessGrant, error) {
	if grant.ID == uuid.Nil {
		grant.ID = uuid.New()
	}
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = time.Now().UTC()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.AccessGrant{}, fmt.Errorf("storage: begin create grant tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO access_grants (id, grantor_id, grantee_id, resource_type, resource_id,
		 permission, granted_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		grant.ID, grant.GrantorID, grant.GranteeID, grant.ResourceType,
		grant.ResourceID, grant.Permission, grant.GrantedAt, grant.ExpiresAt,
	)
	if err != nil {
		return model.AccessGrant{}, fmt.Errorf("storage: create grant: %w", err)
	}

	audit.ResourceID = grant.ID.String()
	audit.AfterData = grant
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.AccessGrant{}, fmt.Errorf("storage: audit in create grant tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.AccessGrant{}, fmt.Errorf("storage: commit create grant tx: %w", err)
	}
	return grant, nil
}

// DeleteGrantWithAudit removes an access grant by ID.
func (db *DB) DeleteGrantWithAudit(ctx context.Context, id uuid.UUID, audit MutationAuditEntry) error {
	grant, err := db.GetGrant(ctx, id)
	if err != nil {
		return err
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin delete grant tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM access_grants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: grant %s: %w", id, ErrNotFound)
	}

	audit.ResourceID = id.String()
	audit.BeforeData = grant
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("storage: audit in delete grant tx: %w", err)
	}

	return tx.Commit(ctx)
}

// GetGrant retrieves a grant by ID.
func (db *DB) GetGrant(ctx context.Context, id uuid.UUID) (model.AccessGrant, error) {
	var g model.AccessGrant
	err := db.pool.QueryRow(ctx,
		`SELECT id, grantor_id, grantee_id, resource_type, resource_id,
		 permission, granted_at, expires_at
		 FROM access_grants WHERE id = $1`, id,
	).Scan(
		&g.ID, &g.GrantorID, &g.GranteeID, &g.ResourceType, &g.ResourceID,
		&g.Permission, &g.GrantedAt, &g.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AccessGrant{}, fmt.Errorf("storage: grant %s: %w", id, ErrNotFound)
		}
		return model.AccessGrant{}, fmt.Errorf("storage: get grant: %w", err)
	}
	return g, nil
}

// HasGrant checks whether a grantee holds the specified permission on a resource.
// Returns true if a valid (non-expired) grant exists, either on the specific
// resource or as a wholesale grant on the resource type.
func (db *DB) HasGrant(ctx context.Context, granteeID uuid.UUID, resourceType string, resourceID uuid.UUID, permission string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM access_grants
			WHERE grantee_id = $1
			AND resource_type = $2
			AND (resource_id = $3 OR resource_id IS NULL)
			AND permission = $4
			AND (expires_at IS NULL OR expires_at > now())
		)`,
		granteeID, resourceType, resourceID, permission,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check grant: %w", err)
	}
	return exists, nil
}

// CanAccessChecklist reports whether a reviewer may read a checklist: they own
// it, they sit on the study's assignment for that instrument, or an explicit
// grant covers the checklist or its study.
func (db *DB) CanAccessChecklist(ctx context.Context, reviewerID, checklistID uuid.UUID) (bool, error) {
	var allowed bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM checklists c
			WHERE c.id = $2
			AND (
				c.reviewer_id = $1
				OR EXISTS (
					SELECT 1 FROM assignments a
					WHERE a.study_id = c.study_id AND a.instrument = c.instrument
					AND (a.reviewer1_id = $1 OR a.reviewer2_id = $1)
				)
				OR EXISTS (
					SELECT 1 FROM access_grants g
					WHERE g.grantee_id = $1
					AND g.permission = 'read'
					AND (g.expires_at IS NULL OR g.expires_at > now())
					AND (
						(g.resource_type = 'checklist' AND (g.resource_id = c.id OR g.resource_id IS NULL))
						OR (g.resource_type = 'study' AND (g.resource_id = c.study_id OR g.resource_id IS NULL))
					)
				)
			)
		)`,
		reviewerID, checklistID,
	).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("storage: check checklist access: %w", err)
	}
	return allowed, nil
}

// ListAccessibleStudyIDs returns the set of study IDs a reviewer may read:
// studies they are assigned to, studies they hold checklists on, and studies
// covered by an active read grant (directly or through a checklist grant).
// A nil map means unrestricted: the reviewer holds a wholesale study grant.
func (db *DB) ListAccessibleStudyIDs(ctx context.Context, reviewerID uuid.UUID) (map[uuid.UUID]bool, error) {
	var wholesale bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM access_grants
			WHERE grantee_id = $1 AND resource_type = 'study' AND resource_id IS NULL
			AND permission = 'read'
			AND (expires_at IS NULL OR expires_at > now())
		)`, reviewerID,
	).Scan(&wholesale)
	if err != nil {
		return nil, fmt.Errorf("storage: check wholesale grant: %w", err)
	}
	if wholesale {
		return nil, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT study_id FROM assignments WHERE reviewer1_id = $1 OR reviewer2_id = $1
		 UNION
		 SELECT study_id FROM checklists WHERE reviewer_id = $1
		 UNION
		 SELECT resource_id FROM access_grants
		 WHERE grantee_id = $1 AND resource_type = 'study' AND resource_id IS NOT NULL
		 AND permission = 'read' AND (expires_at IS NULL OR expires_at > now())
		 UNION
		 SELECT c.study_id FROM access_grants g
		 JOIN checklists c ON c.id = g.resource_id
		 WHERE g.grantee_id = $1 AND g.resource_type = 'checklist'
		 AND g.permission = 'read' AND (g.expires_at IS NULL OR g.expires_at > now())`,
		reviewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list accessible studies: %w", err)
	}
	defer rows.Close()

	granted := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan accessible study: %w", err)
		}
		granted[id] = true
	}
	return granted, rows.Err()
}

// ListGrantsByGrantee returns all active grants for a grantee.
func (db *DB) ListGrantsByGrantee(ctx context.Context, granteeID uuid.UUID) ([]model.AccessGrant, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, grantor_id, grantee_id, resource_type, resource_id,
		 permission, granted_at, expires_at
		 FROM access_grants
		 WHERE grantee_id = $1 AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY granted_at DESC`, granteeID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list grants: %w", err)
	}
	defer rows.Close()

	var grants []model.AccessGrant
	for rows.Next() {
		var g model.AccessGrant
		if err := rows.Scan(
			&g.ID, &g.GrantorID, &g.GranteeID, &g.ResourceType, &g.ResourceID,
			&g.Permission, &g.GrantedAt, &g.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
