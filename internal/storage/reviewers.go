package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/hyoka/internal/model"
)

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateReviewer inserts a new reviewer account.
func (db *DB) CreateReviewer(ctx context.Context, r model.Reviewer) (model.Reviewer, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO reviewers (id, email, name, role, api_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.Email, r.Name, string(r.Role), r.APIKeyHash, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Reviewer{}, fmt.Errorf("storage: reviewer email %s: %w", r.Email, ErrConflict)
		}
		return model.Reviewer{}, fmt.Errorf("storage: create reviewer: %w", err)
	}
	return r, nil
}

// CreateReviewerAndKeyTx inserts a new reviewer and mints their initial API key
// atomically within a single transaction. Two audit entries are written: one
// for the account and one for the key.
func (db *DB) CreateReviewerAndKeyTx(
	ctx context.Context,
	r model.Reviewer,
	key model.APIKey,
	reviewerAudit, keyAudit MutationAuditEntry,
) (model.Reviewer, model.APIKey, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Reviewer{}, model.APIKey{}, fmt.Errorf("storage: begin create reviewer+key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	// Credentials live in api_keys; the legacy column stays empty for new accounts.
	r.APIKeyHash = nil

	if _, err := tx.Exec(ctx,
		`INSERT INTO reviewers (id, email, name, role, api_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.Email, r.Name, string(r.Role), r.APIKeyHash, r.CreatedAt, r.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return model.Reviewer{}, model.APIKey{}, fmt.Errorf("storage: reviewer email %s: %w", r.Email, ErrConflict)
		}
		return model.Reviewer{}, model.APIKey{}, fmt.Errorf("storage: create reviewer: %w", err)
	}

	reviewerAudit.ResourceID = r.ID.String()
	reviewerAudit.AfterData = r
	if err := InsertMutationAuditTx(ctx, tx, reviewerAudit); err != nil {
		return model.Reviewer{}, model.APIKey{}, fmt.Errorf("storage: audit in create reviewer+key tx: %w", err)
	}

	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	key.ReviewerID = r.ID

	if _, err := tx.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, key_hash, reviewer_id, label, created_by, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.Prefix, key.KeyHash, key.ReviewerID,
		key.Label, key.CreatedBy, key.CreatedAt, key.ExpiresAt,
	); err != nil {
		return model.Reviewer{}, model.APIKey{}, fmt.Errorf("storage: create api key in reviewer+key tx: %w", err)
	}

	keyAudit.ResourceID = key.ID.String()
	keyAudit.AfterData = key
	if err := InsertMutationAuditTx(ctx, tx, keyAudit); err != nil {
		return model.Reviewer{}, model.APIKey{}, fmt.Errorf("storage: audit api key in create reviewer+key tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Reviewer{}, model.APIKey{}, fmt.Errorf("storage: commit create reviewer+key tx: %w", err)
	}
	return r, key, nil
}

// GetReviewerByEmail retrieves a reviewer by email address.
// Used for authentication (token issuance) before a reviewer ID is known.
func (db *DB) GetReviewerByEmail(ctx context.Context, email string) (model.Reviewer, error) {
	var r model.Reviewer
	err := db.pool.QueryRow(ctx,
		`SELECT id, email, name, role, api_key_hash, created_at, updated_at, last_seen
		 FROM reviewers WHERE email = $1`, email,
	).Scan(&r.ID, &r.Email, &r.Name, &r.Role, &r.APIKeyHash, &r.CreatedAt, &r.UpdatedAt, &r.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Reviewer{}, fmt.Errorf("storage: reviewer %s: %w", email, ErrNotFound)
		}
		return model.Reviewer{}, fmt.Errorf("storage: get reviewer by email: %w", err)
	}
	return r, nil
}

// GetReviewerByID retrieves a reviewer by ID.
func (db *DB) GetReviewerByID(ctx context.Context, id uuid.UUID) (model.Reviewer, error) {
	var r model.Reviewer
	err := db.pool.QueryRow(ctx,
		`SELECT id, email, name, role, api_key_hash, created_at, updated_at, last_seen
		 FROM reviewers WHERE id = $1`, id,
	).Scan(&r.ID, &r.Email, &r.Name, &r.Role, &r.APIKeyHash, &r.CreatedAt, &r.UpdatedAt, &r.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Reviewer{}, fmt.Errorf("storage: reviewer %s: %w", id, ErrNotFound)
		}
		return model.Reviewer{}, fmt.Errorf("storage: get reviewer: %w", err)
	}
	return r, nil
}

// ListReviewers returns reviewer accounts with pagination.
// limit is clamped to [1, 1000] with a default of 200; offset must be non-negative.
func (db *DB) ListReviewers(ctx context.Context, limit, offset int) ([]model.Reviewer, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, email, name, role, api_key_hash, created_at, updated_at, last_seen
		 FROM reviewers ORDER BY created_at ASC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list reviewers: %w", err)
	}
	defer rows.Close()

	var reviewers []model.Reviewer
	for rows.Next() {
		var r model.Reviewer
		if err := rows.Scan(&r.ID, &r.Email, &r.Name, &r.Role, &r.APIKeyHash, &r.CreatedAt, &r.UpdatedAt, &r.LastSeenAt); err != nil {
			return nil, fmt.Errorf("storage: scan reviewer: %w", err)
		}
		reviewers = append(reviewers, r)
	}
	return reviewers, rows.Err()
}

// CountReviewers returns the number of registered reviewer accounts.
func (db *DB) CountReviewers(ctx context.Context) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reviewers`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count reviewers: %w", err)
	}
	return count, nil
}

// UpdateReviewerWithAudit performs a partial update of a reviewer's name and/or
// role and inserts a mutation audit entry atomically within a single transaction.
// Only non-nil fields are applied (COALESCE pattern).
func (db *DB) UpdateReviewerWithAudit(ctx context.Context, id uuid.UUID, name *string, role *model.ReviewerRole, audit MutationAuditEntry) (model.Reviewer, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Reviewer{}, fmt.Errorf("storage: begin update reviewer tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var roleStr *string
	if role != nil {
		s := string(*role)
		roleStr = &s
	}

	var r model.Reviewer
	err = tx.QueryRow(ctx,
		`UPDATE reviewers
		 SET name = COALESCE($1, name),
		     role = COALESCE($2, role),
		     updated_at = now()
		 WHERE id = $3
		 RETURNING id, email, name, role, api_key_hash, created_at, updated_at, last_seen`,
		name, roleStr, id,
	).Scan(&r.ID, &r.Email, &r.Name, &r.Role, &r.APIKeyHash, &r.CreatedAt, &r.UpdatedAt, &r.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Reviewer{}, fmt.Errorf("storage: reviewer %s: %w", id, ErrNotFound)
		}
		return model.Reviewer{}, fmt.Errorf("storage: update reviewer: %w", err)
	}

	audit.ResourceID = id.String()
	audit.AfterData = r
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.Reviewer{}, fmt.Errorf("storage: audit in update reviewer tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Reviewer{}, fmt.Errorf("storage: commit update reviewer tx: %w", err)
	}
	return r, nil
}

// ReviewerStats holds aggregate checklist statistics for a single reviewer.
type ReviewerStats struct {
	ChecklistCount int            `json:"checklist_count"`
	Completed      int            `json:"completed_count"`
	Finalized      int            `json:"finalized_count"`
	FirstActivity  *time.Time     `json:"first_activity,omitempty"`
	LastActivity   *time.Time     `json:"last_activity,omitempty"`
	ByInstrument   map[string]int `json:"by_instrument"`
}

// GetReviewerStats returns aggregate checklist statistics for a specific reviewer.
func (db *DB) GetReviewerStats(ctx context.Context, reviewerID uuid.UUID) (ReviewerStats, error) {
	var s ReviewerStats
	err := db.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status IN ('completed', 'finalized', 'awaiting-reconciliation', 'reconciling')),
		       count(*) FILTER (WHERE status = 'finalized'),
		       min(created_at), max(updated_at)
		FROM checklists
		WHERE reviewer_id = $1`,
		reviewerID,
	).Scan(&s.ChecklistCount, &s.Completed, &s.Finalized, &s.FirstActivity, &s.LastActivity)
	if err != nil {
		return s, fmt.Errorf("storage: reviewer stats: %w", err)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT instrument, count(*)
		FROM checklists
		WHERE reviewer_id = $1
		GROUP BY instrument
		ORDER BY count(*) DESC`,
		reviewerID,
	)
	if err != nil {
		return s, fmt.Errorf("storage: reviewer stats instrument breakdown: %w", err)
	}
	defer rows.Close()

	s.ByInstrument = make(map[string]int)
	for rows.Next() {
		var instrument string
		var c int
		if err := rows.Scan(&instrument, &c); err != nil {
			return s, fmt.Errorf("storage: scan reviewer stats instrument: %w", err)
		}
		s.ByInstrument[instrument] = c
	}
	return s, rows.Err()
}

// TouchLastSeen updates the last_seen timestamp for a reviewer to now().
// Called from the auth middleware on every successful authentication.
// Uses a fire-and-forget pattern; callers should not block on the result.
func (db *DB) TouchLastSeen(ctx context.Context, reviewerID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE reviewers SET last_seen = now() WHERE id = $1`,
		reviewerID,
	)
	if err != nil {
		return fmt.Errorf("storage: touch last_seen: %w", err)
	}
	return nil
}
