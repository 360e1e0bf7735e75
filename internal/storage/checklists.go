package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hyoka/internal/model"
)

const checklistColumns = `id, study_id, instrument, reviewer_id, name, status, preliminary, domains, overall, source1_id, source2_id, created_at, updated_at, completed_at, finalized_at`

// marshalChecklistState serializes the three JSONB document columns.
func marshalChecklistState(c *model.Checklist) (prelim, domains, overall []byte, err error) {
	if prelim, err = json.Marshal(c.Preliminary); err != nil {
		return nil, nil, nil, fmt.Errorf("storage: marshal preliminary: %w", err)
	}
	if domains, err = json.Marshal(c.Domains); err != nil {
		return nil, nil, nil, fmt.Errorf("storage: marshal domains: %w", err)
	}
	if overall, err = json.Marshal(c.Overall); err != nil {
		return nil, nil, nil, fmt.Errorf("storage: marshal overall: %w", err)
	}
	return prelim, domains, overall, nil
}

func scanChecklist(row pgx.Row) (*model.Checklist, error) {
	var (
		c       model.Checklist
		prelim  []byte
		domains []byte
		overall []byte
	)
	err := row.Scan(
		&c.ID, &c.StudyID, &c.Instrument, &c.ReviewerID, &c.Name, &c.Status,
		&prelim, &domains, &overall,
		&c.Source1ID, &c.Source2ID,
		&c.CreatedAt, &c.UpdatedAt, &c.CompletedAt, &c.FinalizedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(prelim, &c.Preliminary); err != nil {
		return nil, fmt.Errorf("storage: unmarshal preliminary: %w", err)
	}
	if err := json.Unmarshal(domains, &c.Domains); err != nil {
		return nil, fmt.Errorf("storage: unmarshal domains: %w", err)
	}
	if err := json.Unmarshal(overall, &c.Overall); err != nil {
		return nil, fmt.Errorf("storage: unmarshal overall: %w", err)
	}
	return &c, nil
}

// nullIfEmpty maps "" to NULL for nullable text columns.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// insertChecklistTx inserts a checklist row with its cached judgement columns.
func insertChecklistTx(ctx context.Context, tx pgx.Tx, c *model.Checklist, overall model.Judgement, complete bool) error {
	prelim, domains, overallRec, err := marshalChecklistState(c)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO checklists (id, study_id, instrument, reviewer_id, name, status,
		 preliminary, domains, overall, overall_judgement, complete,
		 source1_id, source2_id, created_at, updated_at, completed_at, finalized_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10, $11, $12, $13, $14, $15, $16, $17)`,
		c.ID, c.StudyID, c.Instrument, c.ReviewerID, c.Name, string(c.Status),
		prelim, domains, overallRec, nullIfEmpty(string(overall)), complete,
		c.Source1ID, c.Source2ID, c.CreatedAt, c.UpdatedAt, c.CompletedAt, c.FinalizedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: checklist for study %s instrument %s reviewer %s: %w",
				c.StudyID, c.Instrument, c.ReviewerID, ErrConflict)
		}
		return fmt.Errorf("storage: insert checklist: %w", err)
	}
	return nil
}

// CreateChecklistWithAudit inserts a checklist, appends the genesis event of
// its audit chain, and writes a mutation audit entry, atomically. At most one
// live (non-consensus) checklist may exist per (study, instrument, reviewer);
// a second insert returns ErrConflict.
func (db *DB) CreateChecklistWithAudit(ctx context.Context, c *model.Checklist, overall model.Judgement, complete bool, event model.AuditEvent, audit MutationAuditEntry) (model.AuditEvent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("storage: begin create checklist tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	if err := insertChecklistTx(ctx, tx, c, overall, complete); err != nil {
		return model.AuditEvent{}, err
	}

	event.ChecklistID = c.ID
	event.StudyID = c.StudyID
	if err := appendAuditEventTx(ctx, tx, &event); err != nil {
		return model.AuditEvent{}, err
	}

	audit.ResourceID = c.ID.String()
	audit.AfterData = c
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.AuditEvent{}, fmt.Errorf("storage: audit in create checklist tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.AuditEvent{}, fmt.Errorf("storage: commit create checklist tx: %w", err)
	}
	return event, nil
}

// GetChecklist retrieves a checklist by ID with its full document state.
func (db *DB) GetChecklist(ctx context.Context, id uuid.UUID) (*model.Checklist, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+checklistColumns+` FROM checklists WHERE id = $1`, id,
	)
	c, err := scanChecklist(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: checklist %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get checklist: %w", err)
	}
	return c, nil
}

// ListChecklists returns checklists matching the filters with pagination.
// limit is clamped to [1, 1000] with a default of 50.
func (db *DB) ListChecklists(ctx context.Context, filters model.ChecklistFilters, limit, offset int) (model.PagedResult[*model.Checklist], error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	where, args := buildChecklistWhereClause(filters, 1)

	out := model.PagedResult[*model.Checklist]{Limit: limit, Offset: offset}
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM checklists"+where, args...).Scan(&out.Total); err != nil {
		return out, fmt.Errorf("storage: count checklists: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT `+checklistColumns+` FROM checklists%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		where, limit, offset,
	)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return out, fmt.Errorf("storage: list checklists: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChecklist(rows)
		if err != nil {
			return out, fmt.Errorf("storage: scan checklist: %w", err)
		}
		out.Items = append(out.Items, c)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("storage: list checklists: %w", err)
	}
	return out, nil
}

// SaveChecklistMutation persists a mutated checklist state, appends the audit
// event to the checklist's hash chain, and writes a mutation audit entry,
// atomically. The row is locked inside the transaction and its updated_at must
// still equal expectedUpdatedAt; a concurrent write in between returns
// ErrConflict so the caller can reload and retry. On success the checklist's
// UpdatedAt is refreshed in place and the completed event (with sequence
// number and hashes assigned) is returned.
func (db *DB) SaveChecklistMutation(ctx context.Context, c *model.Checklist, expectedUpdatedAt time.Time, overall model.Judgement, complete bool, event model.AuditEvent, audit MutationAuditEntry) (model.AuditEvent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("storage: begin checklist mutation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var storedUpdatedAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT updated_at FROM checklists WHERE id = $1 FOR UPDATE`, c.ID,
	).Scan(&storedUpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AuditEvent{}, fmt.Errorf("storage: checklist %s: %w", c.ID, ErrNotFound)
		}
		return model.AuditEvent{}, fmt.Errorf("storage: lock checklist: %w", err)
	}
	if !storedUpdatedAt.Equal(expectedUpdatedAt) {
		return model.AuditEvent{}, fmt.Errorf("storage: checklist %s modified concurrently: %w", c.ID, ErrConflict)
	}

	prelim, domains, overallRec, err := marshalChecklistState(c)
	if err != nil {
		return model.AuditEvent{}, err
	}

	c.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE checklists
		 SET name = $2, status = $3,
		     preliminary = $4::jsonb, domains = $5::jsonb, overall = $6::jsonb,
		     overall_judgement = $7, complete = $8,
		     updated_at = $9, completed_at = $10, finalized_at = $11
		 WHERE id = $1`,
		c.ID, c.Name, string(c.Status),
		prelim, domains, overallRec,
		nullIfEmpty(string(overall)), complete,
		c.UpdatedAt, c.CompletedAt, c.FinalizedAt,
	); err != nil {
		return model.AuditEvent{}, fmt.Errorf("storage: update checklist state: %w", err)
	}

	event.ChecklistID = c.ID
	event.StudyID = c.StudyID
	if err := appendAuditEventTx(ctx, tx, &event); err != nil {
		return model.AuditEvent{}, err
	}

	audit.ResourceID = c.ID.String()
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.AuditEvent{}, fmt.Errorf("storage: audit in checklist mutation tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.AuditEvent{}, fmt.Errorf("storage: commit checklist mutation tx: %w", err)
	}
	return event, nil
}

// GetChecklistPair returns the two live checklists for an assignment,
// slot 1 first. A missing slot returns ErrNotFound naming the reviewer.
func (db *DB) GetChecklistPair(ctx context.Context, a model.Assignment) (*model.Checklist, *model.Checklist, error) {
	c1, err := db.getLiveChecklist(ctx, a.StudyID, a.Instrument, a.Reviewer1ID)
	if err != nil {
		return nil, nil, err
	}
	c2, err := db.getLiveChecklist(ctx, a.StudyID, a.Instrument, a.Reviewer2ID)
	if err != nil {
		return nil, nil, err
	}
	return c1, c2, nil
}

// getLiveChecklist fetches the single non-consensus checklist a reviewer
// holds on a (study, instrument) pair.
func (db *DB) getLiveChecklist(ctx context.Context, studyID uuid.UUID, instrument string, reviewerID uuid.UUID) (*model.Checklist, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+checklistColumns+` FROM checklists
		 WHERE study_id = $1 AND instrument = $2 AND reviewer_id = $3 AND source1_id IS NULL`,
		studyID, instrument, reviewerID,
	)
	c, err := scanChecklist(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: checklist for reviewer %s on study %s: %w", reviewerID, studyID, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get live checklist: %w", err)
	}
	return c, nil
}

// GetConsensusChecklist returns the consensus checklist for a
// (study, instrument) pair, or ErrNotFound if reconciliation has not started.
func (db *DB) GetConsensusChecklist(ctx context.Context, studyID uuid.UUID, instrument string) (*model.Checklist, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+checklistColumns+` FROM checklists
		 WHERE study_id = $1 AND instrument = $2 AND source1_id IS NOT NULL`,
		studyID, instrument,
	)
	c, err := scanChecklist(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: consensus for study %s instrument %s: %w", studyID, instrument, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get consensus checklist: %w", err)
	}
	return c, nil
}

// MarkPairAwaitingReconciliationTx moves a completed reviewer pair to
// awaiting-reconciliation atomically, appending a status change event to
// each chain. Called when the second reviewer of an assignment completes.
// Returns ErrConflict if either checklist is no longer in completed,
// which callers treat as "another writer got here first".
func (db *DB) MarkPairAwaitingReconciliationTx(ctx context.Context, c1, c2 *model.Checklist, event1, event2 model.AuditEvent, audit MutationAuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin pair awaiting tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Stable lock order, matching the reconciliation transactions.
	rows, err := tx.Query(ctx,
		`SELECT id, status FROM checklists WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		[]uuid.UUID{c1.ID, c2.ID},
	)
	if err != nil {
		return fmt.Errorf("storage: lock checklist pair: %w", err)
	}
	statuses := make(map[uuid.UUID]model.Status, 2)
	for rows.Next() {
		var id uuid.UUID
		var status model.Status
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan locked pair: %w", err)
		}
		statuses[id] = status
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: lock checklist pair: %w", err)
	}
	if len(statuses) != 2 {
		return fmt.Errorf("storage: checklist pair: %w", ErrNotFound)
	}
	if statuses[c1.ID] != model.StatusCompleted || statuses[c2.ID] != model.StatusCompleted {
		return fmt.Errorf("storage: checklist pair not completed: %w", ErrConflict)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE checklists SET status = $1, updated_at = $2 WHERE id = ANY($3)`,
		string(model.StatusAwaitingReconciliation), now,
		[]uuid.UUID{c1.ID, c2.ID},
	); err != nil {
		return fmt.Errorf("storage: move pair to awaiting-reconciliation: %w", err)
	}

	event1.ChecklistID = c1.ID
	event1.StudyID = c1.StudyID
	if err := appendAuditEventTx(ctx, tx, &event1); err != nil {
		return err
	}
	event2.ChecklistID = c2.ID
	event2.StudyID = c2.StudyID
	if err := appendAuditEventTx(ctx, tx, &event2); err != nil {
		return err
	}

	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("storage: audit in pair awaiting tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit pair awaiting tx: %w", err)
	}

	c1.Status = model.StatusAwaitingReconciliation
	c1.UpdatedAt = now
	c2.Status = model.StatusAwaitingReconciliation
	c2.UpdatedAt = now
	return nil
}

// CountChecklistsByStatus returns checklist counts grouped by status.
func (db *DB) CountChecklistsByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, count(*) FROM checklists GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: count checklists by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status model.Status
		var c int
		if err := rows.Scan(&status, &c); err != nil {
			return nil, fmt.Errorf("storage: scan status count: %w", err)
		}
		counts[status] = c
	}
	return counts, rows.Err()
}

// StudyProgress summarizes checklist state for one study, used by the
// progress dashboard.
type StudyProgress struct {
	StudyID       uuid.UUID             `json:"study_id"`
	Checklists    int                   `json:"checklists"`
	ByStatus      map[model.Status]int  `json:"by_status"`
	ByInstrument  map[string]int        `json:"by_instrument"`
	LastUpdatedAt *time.Time            `json:"last_updated_at,omitempty"`
	Overall       map[string]*string    `json:"overall"` // instrument -> consensus judgement, nil until finalized
}

// GetStudyProgress aggregates checklist counts and consensus outcomes for a study.
func (db *DB) GetStudyProgress(ctx context.Context, studyID uuid.UUID) (StudyProgress, error) {
	p := StudyProgress{
		StudyID:      studyID,
		ByStatus:     make(map[model.Status]int),
		ByInstrument: make(map[string]int),
		Overall:      make(map[string]*string),
	}

	rows, err := db.pool.Query(ctx,
		`SELECT instrument, status, count(*), max(updated_at)
		 FROM checklists WHERE study_id = $1
		 GROUP BY instrument, status`, studyID,
	)
	if err != nil {
		return p, fmt.Errorf("storage: study progress: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var instrument string
		var status model.Status
		var count int
		var updated time.Time
		if err := rows.Scan(&instrument, &status, &count, &updated); err != nil {
			return p, fmt.Errorf("storage: scan study progress: %w", err)
		}
		p.Checklists += count
		p.ByStatus[status] += count
		p.ByInstrument[instrument] += count
		if p.LastUpdatedAt == nil || updated.After(*p.LastUpdatedAt) {
			u := updated
			p.LastUpdatedAt = &u
		}
	}
	if err := rows.Err(); err != nil {
		return p, fmt.Errorf("storage: study progress: %w", err)
	}

	// Consensus outcome per instrument, where one exists.
	consensusRows, err := db.pool.Query(ctx,
		`SELECT instrument, overall_judgement FROM checklists
		 WHERE study_id = $1 AND source1_id IS NOT NULL`, studyID,
	)
	if err != nil {
		return p, fmt.Errorf("storage: study progress consensus: %w", err)
	}
	defer consensusRows.Close()

	for consensusRows.Next() {
		var instrument string
		var judgement *string
		if err := consensusRows.Scan(&instrument, &judgement); err != nil {
			return p, fmt.Errorf("storage: scan study progress consensus: %w", err)
		}
		p.Overall[instrument] = judgement
	}
	return p, consensusRows.Err()
}

func buildChecklistWhereClause(f model.ChecklistFilters, startArgIdx int) (string, []any) {
	var conditions []string
	var args []any
	idx := startArgIdx

	if f.StudyID != nil {
		conditions = append(conditions, fmt.Sprintf("study_id = $%d", idx))
		args = append(args, *f.StudyID)
		idx++
	}
	if f.Instrument != nil {
		conditions = append(conditions, fmt.Sprintf("instrument = $%d", idx))
		args = append(args, *f.Instrument)
		idx++
	}
	if f.ReviewerID != nil {
		conditions = append(conditions, fmt.Sprintf("reviewer_id = $%d", idx))
		args = append(args, *f.ReviewerID)
		idx++
	}
	if f.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", idx))
		args = append(args, string(*f.Status))
		idx++
	}
	if f.Consensus != nil {
		if *f.Consensus {
			conditions = append(conditions, "source1_id IS NOT NULL")
		} else {
			conditions = append(conditions, "source1_id IS NULL")
		}
	}
	if f.TimeRange != nil {
		if f.TimeRange.From != nil {
			conditions = append(conditions, fmt.Sprintf("created_at >= $%d", idx))
			args = append(args, *f.TimeRange.From)
			idx++
		}
		if f.TimeRange.To != nil {
			conditions = append(conditions, fmt.Sprintf("created_at <= $%d", idx))
			args = append(args, *f.TimeRange.To)
		}
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
