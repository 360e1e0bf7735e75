package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrStudyNotFound is returned when a study doesn't exist.
// It wraps ErrNotFound so callers can use errors.Is(err, ErrNotFound) generically.
var ErrStudyNotFound = fmt.Errorf("storage: study: %w", ErrNotFound)

// PurgeStudyResult contains the count of rows deleted per table.
type PurgeStudyResult struct {
	AuditEvents     int64 `json:"audit_events"`
	AccessEvents    int64 `json:"access_events"`
	Reconciliations int64 `json:"reconciliations"`
	Checklists      int64 `json:"checklists"`
	Assignments     int64 `json:"assignments"`
	Studies         int64 `json:"studies"`
}

// PurgeStudy removes a study and everything hanging off it in a single
// transaction. Every deleted row is archived to deletion_audit_log first, so
// the purge itself leaves a trail. Deletes respect foreign key ordering:
// audit events and access log rows first, then reconciliations, checklists,
// assignments, and finally the study row.
//
// Purging truncates the hash chains of the study's checklists; the archived
// rows in deletion_audit_log remain verifiable individually.
func (db *DB) PurgeStudy(ctx context.Context, studyID uuid.UUID, audit MutationAuditEntry) (PurgeStudyResult, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: begin purge tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var result PurgeStudyResult

	var exists uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM studies WHERE id = $1`, studyID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurgeStudyResult{}, fmt.Errorf("%w: %s", ErrStudyNotFound, studyID)
		}
		return PurgeStudyResult{}, fmt.Errorf("storage: lookup study: %w", err)
	}

	// 1. Audit events for the study's checklists.
	_, err = tx.Exec(ctx,
		`INSERT INTO deletion_audit_log (study_id, table_name, record_id, record_data)
		 SELECT $1, 'audit_events', e.id::text, to_jsonb(e)
		 FROM audit_events e
		 WHERE e.study_id = $1`,
		studyID,
	)
	if err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: archive audit events for purge: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM audit_events WHERE study_id = $1`, studyID)
	if err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: delete audit events: %w", err)
	}
	result.AuditEvents = tag.RowsAffected()

	// 2. Access log rows referencing the study or its checklists.
	_, err = tx.Exec(ctx,
		`INSERT INTO deletion_audit_log (study_id, table_name, record_id, record_data)
		 SELECT $1, 'access_log', a.id::text, to_jsonb(a)
		 FROM access_log a
		 WHERE (a.resource_type = 'study' AND a.resource_id = $1::text)
		    OR (a.resource_type = 'checklist' AND a.resource_id IN (
		        SELECT id::text FROM checklists WHERE study_id = $1
		    ))`,
		studyID,
	)
	if err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: archive access log for purge: %w", err)
	}

	tag, err = tx.Exec(ctx,
		`DELETE FROM access_log
		 WHERE (resource_type = 'study' AND resource_id = $1::text)
		    OR (resource_type = 'checklist' AND resource_id IN (
		        SELECT id::text FROM checklists WHERE study_id = $1
		    ))`, studyID)
	if err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: delete access log rows: %w", err)
	}
	result.AccessEvents = tag.RowsAffected()

	// 3. Reconciliations referencing the study's checklists.
	_, err = tx.Exec(ctx,
		`INSERT INTO deletion_audit_log (study_id, table_name, record_id, record_data)
		 SELECT $1, 'reconciliations', r.id::text, to_jsonb(r)
		 FROM reconciliations r
		 WHERE r.study_id = $1`,
		studyID,
	)
	if err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: archive reconciliations for purge: %w", err)
	}

	tag, err = tx.Exec(ctx, `DELETE FROM reconciliations WHERE study_id = $1`, studyID)
	if err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: delete reconciliations: %w", err)
	}
	result.Reconciliations = tag.RowsAffected()

	// 4. Clear consensus source references before deleting checklists.
	_, err = tx.Exec(ctx,
		`UPDATE checklists SET source1_id = NULL, source2_id = NULL
		 WHERE study_id = $1 AND source1_id IS NOT NULL`,
		studyID)
	if err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: clear consensus source refs: %w", err)
	}

	// 5. Delete checklists.
	_, err = tx.Exec(ctx,
		`INSERT INTO deletion_audit_log (study_id, table_name, record_id, record_data)
		 SELECT $1, 'checklists', c.id::text, to_jsonb(c)
		 FROM checklists c
		 WHERE c.study_id = $1`,
		studyID,
	)
	if err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: archive checklists for purge: %w", err)
	}

	tag, err = tx.Exec(ctx, `DELETE FROM checklists WHERE study_id = $1`, studyID)
	if err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: delete checklists: %w", err)
	}
	result.Checklists = tag.RowsAffected()

	// 6. Delete assignments.
	_, err = tx.Exec(ctx,
		`INSERT INTO deletion_audit_log (study_id, table_name, record_id, record_data)
		 SELECT $1, 'assignments', a.id::text, to_jsonb(a)
		 FROM assignments a
		 WHERE a.study_id = $1`,
		studyID,
	)
	if err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: archive assignments for purge: %w", err)
	}

	tag, err = tx.Exec(ctx, `DELETE FROM assignments WHERE study_id = $1`, studyID)
	if err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: delete assignments: %w", err)
	}
	result.Assignments = tag.RowsAffected()

	// 7. Delete the study itself.
	_, err = tx.Exec(ctx,
		`INSERT INTO deletion_audit_log (study_id, table_name, record_id, record_data)
		 SELECT $1, 'studies', s.id::text, to_jsonb(s)
		 FROM studies s
		 WHERE s.id = $1`,
		studyID,
	)
	if err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: archive study for purge: %w", err)
	}

	tag, err = tx.Exec(ctx, `DELETE FROM studies WHERE id = $1`, studyID)
	if err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: delete study: %w", err)
	}
	result.Studies = tag.RowsAffected()

	audit.ResourceID = studyID.String()
	audit.AfterData = result
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: audit in purge tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return PurgeStudyResult{}, fmt.Errorf("storage: commit purge tx: %w", err)
	}

	return result, nil
}
