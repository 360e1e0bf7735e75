package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hyoka/internal/integrity"
	"github.com/ashita-ai/hyoka/internal/model"
)

// ReserveSequenceNums atomically allocates count globally unique sequence numbers
// using a Postgres SEQUENCE. Returns a slice of monotonically increasing values.
// Under concurrent access, values are unique but may not be consecutive (gaps are
// harmless; they just mean another caller grabbed intervening numbers).
func (db *DB) ReserveSequenceNums(ctx context.Context, count int) ([]int64, error) {
	if count <= 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT nextval('event_sequence_num_seq') FROM generate_series(1, $1)`, count)
	if err != nil {
		return nil, fmt.Errorf("storage: reserve sequence nums: %w", err)
	}
	defer rows.Close()

	nums := make([]int64, 0, count)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("storage: scan sequence num: %w", err)
		}
		nums = append(nums, v)
	}
	return nums, rows.Err()
}

// appendAuditEventTx links an audit event onto its checklist's hash chain and
// inserts it. The caller must hold the checklist row lock, which serializes
// appends per chain. The event's SequenceNum, PrevHash and ContentHash are
// filled in here.
func appendAuditEventTx(ctx context.Context, tx pgx.Tx, e *model.AuditEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	// Postgres stores microseconds; hash the value that will round-trip.
	e.CreatedAt = e.CreatedAt.Truncate(time.Microsecond)
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}

	var prevHash string
	err := tx.QueryRow(ctx,
		`SELECT content_hash FROM audit_events
		 WHERE checklist_id = $1 ORDER BY sequence_num DESC LIMIT 1`,
		e.ChecklistID,
	).Scan(&prevHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		e.PrevHash = nil
	case err != nil:
		return fmt.Errorf("storage: load chain head: %w", err)
	default:
		e.PrevHash = &prevHash
	}

	if err := tx.QueryRow(ctx, `SELECT nextval('event_sequence_num_seq')`).Scan(&e.SequenceNum); err != nil {
		return fmt.Errorf("storage: next sequence num: %w", err)
	}

	e.ContentHash = integrity.ComputeEventHash(*e)

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_events (id, checklist_id, study_id, actor_id, event_type, sequence_num, payload, content_hash, prev_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.ChecklistID, e.StudyID, e.ActorID, string(e.EventType),
		e.SequenceNum, e.Payload, e.ContentHash, e.PrevHash, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert audit event: %w", err)
	}
	return nil
}

// GetEventsByChecklist retrieves the audit chain for a checklist in sequence
// order. The limit parameter caps the number of rows returned; if limit <= 0,
// it defaults to 10000. Callers should check if the returned slice length
// equals the limit to detect truncation.
func (db *DB) GetEventsByChecklist(ctx context.Context, checklistID uuid.UUID, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, checklist_id, study_id, actor_id, event_type, sequence_num, payload, content_hash, prev_hash, created_at
		 FROM audit_events WHERE checklist_id = $1
		 ORDER BY sequence_num ASC
		 LIMIT $2`, checklistID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get events by checklist: %w", err)
	}
	defer rows.Close()

	return scanAuditEvents(rows)
}

// GetLatestEventForChecklist returns the most recent audit event on a
// checklist's chain, or ErrNotFound for an empty chain.
func (db *DB) GetLatestEventForChecklist(ctx context.Context, checklistID uuid.UUID) (model.AuditEvent, error) {
	var e model.AuditEvent
	err := db.pool.QueryRow(ctx,
		`SELECT id, checklist_id, study_id, actor_id, event_type, sequence_num, payload, content_hash, prev_hash, created_at
		 FROM audit_events WHERE checklist_id = $1
		 ORDER BY sequence_num DESC LIMIT 1`, checklistID,
	).Scan(
		&e.ID, &e.ChecklistID, &e.StudyID, &e.ActorID, &e.EventType,
		&e.SequenceNum, &e.Payload, &e.ContentHash, &e.PrevHash, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AuditEvent{}, fmt.Errorf("storage: events for checklist %s: %w", checklistID, ErrNotFound)
		}
		return model.AuditEvent{}, fmt.Errorf("storage: get latest event: %w", err)
	}
	return e, nil
}

// InsertAccessEvents inserts access log entries using the COPY protocol for
// high throughput. Events must have SequenceNum already assigned.
func (db *DB) InsertAccessEvents(ctx context.Context, events []model.AccessEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{"id", "reviewer_id", "action", "resource_type", "resource_id", "request_id", "sequence_num", "occurred_at", "created_at"}

	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{
			e.ID,
			e.ReviewerID,
			string(e.Action),
			e.ResourceType,
			e.ResourceID,
			e.RequestID,
			e.SequenceNum,
			e.OccurredAt,
			e.CreatedAt,
		}
	}

	// Dedicated 30s COPY timeout prevents a hung Postgres from blocking the
	// buffer flush indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	copyCount, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"access_log"},
		columns,
		pgx.CopyFromRows(rows),
	)
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy access events: %w", err)
	}
	return copyCount, nil
}

// InsertAccessEventsIdempotent inserts access log entries with duplicate safety
// via ON CONFLICT DO NOTHING. Used when a COPY flush fails partway and is
// retried, so entries that did land are not duplicated. Slower than COPY but
// runs only on the retry path.
func (db *DB) InsertAccessEventsIdempotent(ctx context.Context, events []model.AccessEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin idempotent insert tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Temp table avoids per-row conflict checks during the bulk load.
	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE _recovery_access_log (LIKE access_log INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return 0, fmt.Errorf("storage: create recovery temp table: %w", err)
	}

	columns := []string{"id", "reviewer_id", "action", "resource_type", "resource_id", "request_id", "sequence_num", "occurred_at", "created_at"}
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{
			e.ID,
			e.ReviewerID,
			string(e.Action),
			e.ResourceType,
			e.ResourceID,
			e.RequestID,
			e.SequenceNum,
			e.OccurredAt,
			e.CreatedAt,
		}
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"_recovery_access_log"}, columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("storage: copy into recovery temp table: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO access_log SELECT * FROM _recovery_access_log ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("storage: insert from recovery temp table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit idempotent insert: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetAccessEventsByReviewer returns access log entries for a reviewer, most
// recent first, capped at limit (default 1000).
func (db *DB) GetAccessEventsByReviewer(ctx context.Context, reviewerID uuid.UUID, limit int) ([]model.AccessEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, reviewer_id, action, resource_type, resource_id, request_id, sequence_num, occurred_at, created_at
		 FROM access_log WHERE reviewer_id = $1
		 ORDER BY sequence_num DESC
		 LIMIT $2`, reviewerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get access events by reviewer: %w", err)
	}
	defer rows.Close()

	var events []model.AccessEvent
	for rows.Next() {
		var e model.AccessEvent
		if err := rows.Scan(
			&e.ID, &e.ReviewerID, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.RequestID, &e.SequenceNum, &e.OccurredAt, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan access event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanAuditEvents(rows pgx.Rows) ([]model.AuditEvent, error) {
	var events []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		if err := rows.Scan(
			&e.ID, &e.ChecklistID, &e.StudyID, &e.ActorID, &e.EventType,
			&e.SequenceNum, &e.Payload, &e.ContentHash, &e.PrevHash, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
