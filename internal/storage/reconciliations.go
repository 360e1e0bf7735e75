package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hyoka/internal/model"
)

const reconciliationColumns = `id, study_id, instrument, source1_id, source2_id, consensus_id, selection, started_by, created_at, finalized_at`

// CreateReconciliationTx starts a reconciliation: it inserts the consensus
// checklist, moves both source checklists to reconciling, records the
// reconciliation row, and appends the chain events, all atomically. The
// consensus chain gets its genesis event; each source chain gets a status
// change event. At most one reconciliation may exist per (study, instrument);
// a second attempt returns ErrConflict.
func (db *DB) CreateReconciliationTx(
	ctx context.Context,
	rec model.Reconciliation,
	consensus *model.Checklist,
	overall model.Judgement,
	complete bool,
	consensusEvent, source1Event, source2Event model.AuditEvent,
	audit MutationAuditEntry,
) (model.Reconciliation, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Reconciliation{}, fmt.Errorf("storage: begin reconciliation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock both source rows in a stable order to serialize chain appends and
	// avoid deadlock against concurrent mutations.
	rows, err := tx.Query(ctx,
		`SELECT id FROM checklists WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		[]uuid.UUID{rec.Source1ID, rec.Source2ID},
	)
	if err != nil {
		return model.Reconciliation{}, fmt.Errorf("storage: lock source checklists: %w", err)
	}
	var locked int
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return model.Reconciliation{}, fmt.Errorf("storage: scan locked source: %w", err)
		}
		locked++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.Reconciliation{}, fmt.Errorf("storage: lock source checklists: %w", err)
	}
	if locked != 2 {
		return model.Reconciliation{}, fmt.Errorf("storage: source checklists for reconciliation: %w", ErrNotFound)
	}

	now := time.Now().UTC()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Selection == nil {
		rec.Selection = map[string]model.Side{}
	}

	if consensus.ID == uuid.Nil {
		consensus.ID = uuid.New()
	}
	consensus.CreatedAt = now
	consensus.UpdatedAt = now
	rec.ConsensusID = consensus.ID

	if err := insertChecklistTx(ctx, tx, consensus, overall, complete); err != nil {
		return model.Reconciliation{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE checklists SET status = $1, updated_at = $2 WHERE id = ANY($3)`,
		string(model.StatusReconciling), now,
		[]uuid.UUID{rec.Source1ID, rec.Source2ID},
	); err != nil {
		return model.Reconciliation{}, fmt.Errorf("storage: move sources to reconciling: %w", err)
	}

	consensusEvent.ChecklistID = consensus.ID
	consensusEvent.StudyID = consensus.StudyID
	if err := appendAuditEventTx(ctx, tx, &consensusEvent); err != nil {
		return model.Reconciliation{}, err
	}
	source1Event.ChecklistID = rec.Source1ID
	source1Event.StudyID = rec.StudyID
	if err := appendAuditEventTx(ctx, tx, &source1Event); err != nil {
		return model.Reconciliation{}, err
	}
	source2Event.ChecklistID = rec.Source2ID
	source2Event.StudyID = rec.StudyID
	if err := appendAuditEventTx(ctx, tx, &source2Event); err != nil {
		return model.Reconciliation{}, err
	}

	selectionJSON, err := json.Marshal(rec.Selection)
	if err != nil {
		return model.Reconciliation{}, fmt.Errorf("storage: marshal selection: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO reconciliations (id, study_id, instrument, source1_id, source2_id, consensus_id, selection, started_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)`,
		rec.ID, rec.StudyID, rec.Instrument, rec.Source1ID, rec.Source2ID,
		rec.ConsensusID, selectionJSON, rec.StartedBy, rec.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return model.Reconciliation{}, fmt.Errorf("storage: reconciliation for study %s instrument %s: %w", rec.StudyID, rec.Instrument, ErrConflict)
		}
		return model.Reconciliation{}, fmt.Errorf("storage: insert reconciliation: %w", err)
	}

	audit.ResourceID = rec.ID.String()
	audit.AfterData = rec
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.Reconciliation{}, fmt.Errorf("storage: audit in reconciliation tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Reconciliation{}, fmt.Errorf("storage: commit reconciliation tx: %w", err)
	}
	return rec, nil
}

// FinalizeConsensusTx finalizes a reconciliation: the consensus checklist's
// full state is written with status finalized, both source checklists flip
// from reconciling to finalized, the reconciliation row records the
// finalization time, and all three chains get a status change event.
// The consensus row must still match expectedUpdatedAt or ErrConflict is
// returned.
func (db *DB) FinalizeConsensusTx(
	ctx context.Context,
	rec model.Reconciliation,
	consensus *model.Checklist,
	expectedUpdatedAt time.Time,
	overall model.Judgement,
	complete bool,
	consensusEvent, source1Event, source2Event model.AuditEvent,
	audit MutationAuditEntry,
) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin finalize tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock consensus and both sources in a stable order.
	ids := []uuid.UUID{consensus.ID, rec.Source1ID, rec.Source2ID}
	if _, err := tx.Exec(ctx,
		`SELECT id FROM checklists WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids,
	); err != nil {
		return fmt.Errorf("storage: lock checklists for finalize: %w", err)
	}

	var storedUpdatedAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT updated_at FROM checklists WHERE id = $1`, consensus.ID,
	).Scan(&storedUpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: checklist %s: %w", consensus.ID, ErrNotFound)
		}
		return fmt.Errorf("storage: load consensus for finalize: %w", err)
	}
	if !storedUpdatedAt.Equal(expectedUpdatedAt) {
		return fmt.Errorf("storage: checklist %s modified concurrently: %w", consensus.ID, ErrConflict)
	}

	now := time.Now().UTC()
	prelim, domains, overallRec, err := marshalChecklistState(consensus)
	if err != nil {
		return err
	}

	consensus.UpdatedAt = now
	if _, err := tx.Exec(ctx,
		`UPDATE checklists
		 SET status = $2,
		     preliminary = $3::jsonb, domains = $4::jsonb, overall = $5::jsonb,
		     overall_judgement = $6, complete = $7,
		     updated_at = $8, completed_at = $9, finalized_at = $10
		 WHERE id = $1`,
		consensus.ID, string(consensus.Status),
		prelim, domains, overallRec,
		nullIfEmpty(string(overall)), complete,
		consensus.UpdatedAt, consensus.CompletedAt, consensus.FinalizedAt,
	); err != nil {
		return fmt.Errorf("storage: finalize consensus state: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE checklists SET status = $1, finalized_at = $2, updated_at = $2 WHERE id = ANY($3)`,
		string(model.StatusFinalized), now,
		[]uuid.UUID{rec.Source1ID, rec.Source2ID},
	); err != nil {
		return fmt.Errorf("storage: finalize source checklists: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE reconciliations SET finalized_at = $2 WHERE id = $1`,
		rec.ID, now,
	); err != nil {
		return fmt.Errorf("storage: finalize reconciliation row: %w", err)
	}

	consensusEvent.ChecklistID = consensus.ID
	consensusEvent.StudyID = consensus.StudyID
	if err := appendAuditEventTx(ctx, tx, &consensusEvent); err != nil {
		return err
	}
	source1Event.ChecklistID = rec.Source1ID
	source1Event.StudyID = rec.StudyID
	if err := appendAuditEventTx(ctx, tx, &source1Event); err != nil {
		return err
	}
	source2Event.ChecklistID = rec.Source2ID
	source2Event.StudyID = rec.StudyID
	if err := appendAuditEventTx(ctx, tx, &source2Event); err != nil {
		return err
	}

	audit.ResourceID = rec.ID.String()
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("storage: audit in finalize tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit finalize tx: %w", err)
	}
	return nil
}

// GetReconciliation retrieves a reconciliation by ID.
func (db *DB) GetReconciliation(ctx context.Context, id uuid.UUID) (model.Reconciliation, error) {
	return db.getReconciliation(ctx, `WHERE id = $1`, id)
}

// GetReconciliationByConsensus retrieves the reconciliation that produced a
// consensus checklist.
func (db *DB) GetReconciliationByConsensus(ctx context.Context, consensusID uuid.UUID) (model.Reconciliation, error) {
	return db.getReconciliation(ctx, `WHERE consensus_id = $1`, consensusID)
}

func (db *DB) getReconciliation(ctx context.Context, where string, arg any) (model.Reconciliation, error) {
	var (
		r         model.Reconciliation
		selection []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT `+reconciliationColumns+` FROM reconciliations `+where, arg,
	).Scan(
		&r.ID, &r.StudyID, &r.Instrument, &r.Source1ID, &r.Source2ID,
		&r.ConsensusID, &selection, &r.StartedBy, &r.CreatedAt, &r.FinalizedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Reconciliation{}, fmt.Errorf("storage: reconciliation: %w", ErrNotFound)
		}
		return model.Reconciliation{}, fmt.Errorf("storage: get reconciliation: %w", err)
	}
	if err := json.Unmarshal(selection, &r.Selection); err != nil {
		return model.Reconciliation{}, fmt.Errorf("storage: unmarshal selection: %w", err)
	}
	return r, nil
}

// ListReconciliationsForStudy returns all reconciliations on a study.
func (db *DB) ListReconciliationsForStudy(ctx context.Context, studyID uuid.UUID) ([]model.Reconciliation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+reconciliationColumns+` FROM reconciliations
		 WHERE study_id = $1 ORDER BY created_at ASC`, studyID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list reconciliations: %w", err)
	}
	defer rows.Close()

	var out []model.Reconciliation
	for rows.Next() {
		var (
			r         model.Reconciliation
			selection []byte
		)
		if err := rows.Scan(
			&r.ID, &r.StudyID, &r.Instrument, &r.Source1ID, &r.Source2ID,
			&r.ConsensusID, &selection, &r.StartedBy, &r.CreatedAt, &r.FinalizedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan reconciliation: %w", err)
		}
		if err := json.Unmarshal(selection, &r.Selection); err != nil {
			return nil, fmt.Errorf("storage: unmarshal selection: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
