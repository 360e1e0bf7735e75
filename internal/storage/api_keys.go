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

// LegacyKeyPrefix marks api_keys rows migrated from the old per-account
// hash column. Raw legacy keys carry no parseable prefix, so lookups for
// them use this fixed value instead.
const LegacyKeyPrefix = "legacy__"

// CreateAPIKeyWithAudit inserts a new API key and a mutation audit entry
// atomically within a single transaction.
func (db *DB) CreateAPIKeyWithAudit(ctx context.Context, key model.APIKey, audit MutationAuditEntry) (model.APIKey, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: begin create api key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, key_hash, reviewer_id, label, created_by, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.Prefix, key.KeyHash, key.ReviewerID,
		key.Label, key.CreatedBy, key.CreatedAt, key.ExpiresAt,
	)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}

	audit.ResourceID = key.ID.String()
	audit.AfterData = key
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.APIKey{}, fmt.Errorf("storage: audit in create api key tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.APIKey{}, fmt.Errorf("storage: commit create api key tx: %w", err)
	}
	return key, nil
}

// GetAPIKeyByPrefixAndReviewer looks up a single active API key by
// (reviewer_id, prefix). Used by verifyAPIKey for an O(1) pre-filter before
// Argon2 verification. Returns ErrNotFound if no matching active key exists.
func (db *DB) GetAPIKeyByPrefixAndReviewer(ctx context.Context, reviewerID uuid.UUID, prefix string) (model.APIKey, error) {
	var k model.APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, prefix, key_hash, reviewer_id, label, created_by, created_at, last_used_at, expires_at, revoked_at
		 FROM api_keys
		 WHERE reviewer_id = $1
		   AND prefix = $2
		   AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > now())
		 LIMIT 1`,
		reviewerID, prefix,
	).Scan(
		&k.ID, &k.Prefix, &k.KeyHash, &k.ReviewerID,
		&k.Label, &k.CreatedBy, &k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key by prefix: %w", err)
	}
	return k, nil
}

// GetAPIKeyByID retrieves a single API key by its UUID.
func (db *DB) GetAPIKeyByID(ctx context.Context, keyID uuid.UUID) (model.APIKey, error) {
	var k model.APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, prefix, key_hash, reviewer_id, label, created_by, created_at, last_used_at, expires_at, revoked_at
		 FROM api_keys WHERE id = $1`,
		keyID,
	).Scan(
		&k.ID, &k.Prefix, &k.KeyHash, &k.ReviewerID,
		&k.Label, &k.CreatedBy, &k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, fmt.Errorf("storage: api key %s: %w", keyID, ErrNotFound)
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	return k, nil
}

// ListAPIKeys returns API keys with pagination, optionally filtered to one
// reviewer. Includes revoked/expired keys for admin visibility. Use the
// revoked_at and expires_at fields to filter in the UI if needed.
func (db *DB) ListAPIKeys(ctx context.Context, reviewerID *uuid.UUID, limit, offset int) ([]model.APIKey, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []any{}
	if reviewerID != nil {
		where = " WHERE reviewer_id = $1"
		args = append(args, *reviewerID)
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM api_keys"+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count api keys: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT id, prefix, key_hash, reviewer_id, label, created_by, created_at, last_used_at, expires_at, revoked_at
		 FROM api_keys%s
		 ORDER BY created_at DESC
		 LIMIT %d OFFSET %d`,
		where, limit, offset,
	)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(
			&k.ID, &k.Prefix, &k.KeyHash, &k.ReviewerID,
			&k.Label, &k.CreatedBy, &k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.RevokedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: list api keys: %w", err)
	}
	return keys, total, nil
}

// RevokeAPIKeyWithAudit sets revoked_at on an API key and records a mutation
// audit entry atomically.
func (db *DB) RevokeAPIKeyWithAudit(ctx context.Context, keyID uuid.UUID, audit MutationAuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin revoke api key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Fetch the key before revoking for audit.
	var before model.APIKey
	err = tx.QueryRow(ctx,
		`SELECT id, prefix, key_hash, reviewer_id, label, created_by, created_at, last_used_at, expires_at, revoked_at
		 FROM api_keys WHERE id = $1`,
		keyID,
	).Scan(
		&before.ID, &before.Prefix, &before.KeyHash, &before.ReviewerID,
		&before.Label, &before.CreatedBy, &before.CreatedAt, &before.LastUsedAt, &before.ExpiresAt, &before.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: api key %s: %w", keyID, ErrNotFound)
		}
		return fmt.Errorf("storage: get api key for revocation: %w", err)
	}
	if before.RevokedAt != nil {
		return fmt.Errorf("storage: api key %s already revoked: %w", keyID, ErrConflict)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`,
		keyID,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: api key %s: %w", keyID, ErrNotFound)
	}

	audit.ResourceID = keyID.String()
	audit.BeforeData = before
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("storage: audit in revoke api key tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit revoke api key tx: %w", err)
	}
	return nil
}

// RotateAPIKeyWithAudit revokes the old key and creates a new one atomically.
// Returns the newly created key.
func (db *DB) RotateAPIKeyWithAudit(ctx context.Context, oldKeyID uuid.UUID, newKey model.APIKey, audit MutationAuditEntry) (model.APIKey, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: begin rotate api key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Revoke the old key.
	tag, err := tx.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`,
		oldKeyID,
	)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: revoke old key during rotation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.APIKey{}, fmt.Errorf("storage: old key %s not found or already revoked: %w", oldKeyID, ErrNotFound)
	}

	// Create the new key.
	if newKey.ID == uuid.Nil {
		newKey.ID = uuid.New()
	}
	if newKey.CreatedAt.IsZero() {
		newKey.CreatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, key_hash, reviewer_id, label, created_by, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		newKey.ID, newKey.Prefix, newKey.KeyHash, newKey.ReviewerID,
		newKey.Label, newKey.CreatedBy, newKey.CreatedAt, newKey.ExpiresAt,
	)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create new key during rotation: %w", err)
	}

	audit.ResourceID = newKey.ID.String()
	audit.AfterData = map[string]any{
		"new_key_id":     newKey.ID,
		"revoked_key_id": oldKeyID,
	}
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.APIKey{}, fmt.Errorf("storage: audit in rotate api key tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.APIKey{}, fmt.Errorf("storage: commit rotate api key tx: %w", err)
	}
	return newKey, nil
}

// TouchAPIKeyLastUsed updates the last_used_at timestamp for an API key.
// Called from the auth middleware on successful authentication via a managed key.
// Uses a fire-and-forget pattern; callers should not block on the result.
func (db *DB) TouchAPIKeyLastUsed(ctx context.Context, keyID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`,
		keyID,
	)
	if err != nil {
		return fmt.Errorf("storage: touch api key last_used: %w", err)
	}
	return nil
}

// MigrateReviewerKeysToAPIKeys copies api_key_hash from reviewers to api_keys
// for accounts that still carry a legacy key. Idempotent: skips reviewers that
// already have at least one entry in api_keys. NULLs out reviewers.api_key_hash
// after copy. Called once at startup.
func (db *DB) MigrateReviewerKeysToAPIKeys(ctx context.Context) (int, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin key migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT r.id, r.email, r.api_key_hash
		 FROM reviewers r
		 WHERE r.api_key_hash IS NOT NULL
		   AND NOT EXISTS (
		       SELECT 1 FROM api_keys k WHERE k.reviewer_id = r.id
		   )`,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: query reviewers for key migration: %w", err)
	}
	defer rows.Close()

	type legacyKey struct {
		reviewerID uuid.UUID
		email      string
		keyHash    string
	}
	var toMigrate []legacyKey

	for rows.Next() {
		var lk legacyKey
		if err := rows.Scan(&lk.reviewerID, &lk.email, &lk.keyHash); err != nil {
			return 0, fmt.Errorf("storage: scan legacy key: %w", err)
		}
		toMigrate = append(toMigrate, lk)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("storage: iterate legacy keys: %w", err)
	}

	for _, lk := range toMigrate {
		keyID := uuid.New()
		now := time.Now().UTC()
		_, err := tx.Exec(ctx,
			`INSERT INTO api_keys (id, prefix, key_hash, reviewer_id, label, created_by, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			keyID, LegacyKeyPrefix, lk.keyHash, lk.reviewerID,
			"Migrated from reviewer", lk.reviewerID, now,
		)
		if err != nil {
			return 0, fmt.Errorf("storage: insert migrated key for reviewer %s: %w", lk.email, err)
		}

		if err := InsertMutationAuditTx(ctx, tx, MutationAuditEntry{
			RequestID:    "system:startup:key-migration",
			ActorID:      uuid.Nil,
			ActorRole:    "admin",
			Operation:    "migrate_api_key",
			ResourceType: "api_key",
			ResourceID:   keyID.String(),
			AfterData: map[string]any{
				"reviewer_id": lk.reviewerID,
				"source":      "legacy_api_key_hash",
			},
		}); err != nil {
			return 0, fmt.Errorf("storage: audit migrate key for reviewer %s: %w", lk.email, err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE reviewers SET api_key_hash = NULL WHERE id = $1`,
			lk.reviewerID,
		)
		if err != nil {
			return 0, fmt.Errorf("storage: null legacy hash for reviewer %s: %w", lk.email, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit key migration tx: %w", err)
	}
	return len(toMigrate), nil
}
