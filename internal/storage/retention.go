package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RetentionHold is a legal hold that blocks purging matching studies.
type RetentionHold struct {
	ID         uuid.UUID   `json:"id"`
	Reason     string      `json:"reason"`
	HoldFrom   time.Time   `json:"from"`
	HoldTo     time.Time   `json:"to"`
	StudyIDs   []uuid.UUID `json:"study_ids,omitempty"` // nil = all studies
	CreatedBy  string      `json:"created_by"`
	CreatedAt  time.Time   `json:"created_at"`
	ReleasedAt *time.Time  `json:"released_at,omitempty"`
}

// CreateHold inserts a new legal hold.
func (db *DB) CreateHold(ctx context.Context, h RetentionHold) (RetentionHold, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO retention_holds (reason, hold_from, hold_to, study_ids, created_by)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		h.Reason, h.HoldFrom, h.HoldTo, h.StudyIDs, h.CreatedBy,
	).Scan(&h.ID, &h.CreatedAt)
	if err != nil {
		return RetentionHold{}, fmt.Errorf("storage: create hold: %w", err)
	}
	return h, nil
}

// ReleaseHold sets released_at = now() on the hold, deactivating it.
// Returns false if the hold was not found or already released.
func (db *DB) ReleaseHold(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE retention_holds SET released_at = now()
		 WHERE id = $1 AND released_at IS NULL`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: release hold: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListHolds returns all holds, newest first, including released ones.
func (db *DB) ListHolds(ctx context.Context) ([]RetentionHold, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, reason, hold_from, hold_to, study_ids, created_by, created_at, released_at
		 FROM retention_holds
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list holds: %w", err)
	}
	defer rows.Close()

	var out []RetentionHold
	for rows.Next() {
		var h RetentionHold
		if err := rows.Scan(
			&h.ID, &h.Reason, &h.HoldFrom, &h.HoldTo,
			&h.StudyIDs, &h.CreatedBy, &h.CreatedAt, &h.ReleasedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ActiveHoldsExistForStudy reports whether any active hold covers the study.
// Used to block PurgeStudy while a hold is in effect.
func (db *DB) ActiveHoldsExistForStudy(ctx context.Context, studyID uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM retention_holds rh
		     JOIN studies s ON s.id = $1
		     WHERE rh.released_at IS NULL
		       AND s.created_at BETWEEN rh.hold_from AND rh.hold_to
		       AND (rh.study_ids IS NULL OR $1 = ANY(rh.study_ids))
		 )`,
		studyID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check holds for study: %w", err)
	}
	return exists, nil
}

// PruneAccessLog deletes access log rows older than the cutoff, in batches of
// batchSize to avoid long-running transactions. Returns the total rows deleted.
func (db *DB) PruneAccessLog(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 10000
	}

	var total int64
	for {
		tag, err := db.pool.Exec(ctx,
			`DELETE FROM access_log
			 WHERE id IN (
			     SELECT id FROM access_log WHERE created_at < $1 LIMIT $2
			 )`,
			before, batchSize,
		)
		if err != nil {
			return total, fmt.Errorf("storage: prune access log: %w", err)
		}
		n := tag.RowsAffected()
		total += n
		if n < int64(batchSize) {
			break
		}
	}
	return total, nil
}

// PruneDeletionAuditLog deletes archived purge rows older than the cutoff.
// The mutation audit trail is never pruned.
func (db *DB) PruneDeletionAuditLog(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM deletion_audit_log WHERE deleted_at < $1`, before,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune deletion audit log: %w", err)
	}
	return tag.RowsAffected(), nil
}
