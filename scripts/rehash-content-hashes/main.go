// Command rehash-content-hashes is a one-time migration script that recomputes
// content_hash and prev_hash for all audit events in the database. Run this
// after fixing the timestamp precision bug (Go nanoseconds vs PostgreSQL
// microseconds): events hashed before created_at was truncated to microseconds
// no longer verify once read back.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/rehash-content-hashes
//
// Audit events are hash-chained per checklist, so a single stale hash
// invalidates every later event on that chain. The script walks each
// checklist's chain in sequence order, recomputes hashes with the current
// algorithm, and rewrites any chain that differs inside one transaction.
// It prints the number of chains fixed and exits.
//
// Safe to run multiple times — it's idempotent. Once all chains verify, it
// reports 0 updates and exits immediately.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/hyoka/internal/integrity"
	"github.com/ashita-ai/hyoka/internal/model"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx,
		`SELECT DISTINCT checklist_id FROM audit_events ORDER BY checklist_id`)
	if err != nil {
		return fmt.Errorf("query checklists: %w", err)
	}
	var checklistIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan checklist id: %w", err)
		}
		checklistIDs = append(checklistIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}

	fmt.Printf("scanning %d chains\n", len(checklistIDs))

	fixed := 0
	for _, id := range checklistIDs {
		changed, err := rehashChain(ctx, pool, id)
		if err != nil {
			log.Printf("chain %s: %v", id, err)
			continue
		}
		if changed {
			fixed++
		}
	}

	fmt.Printf("rewrote %d/%d chains\n", fixed, len(checklistIDs))
	if fixed == 0 {
		fmt.Println("nothing to do")
	}
	return nil
}

// rehashChain recomputes one checklist's chain in sequence order and rewrites
// it when any hash differs. Whole-chain updates run in one transaction so a
// partial rewrite can never leave the chain internally inconsistent.
func rehashChain(ctx context.Context, pool *pgxpool.Pool, checklistID uuid.UUID) (bool, error) {
	rows, err := pool.Query(ctx,
		`SELECT id, checklist_id, study_id, actor_id, event_type, sequence_num, payload, content_hash, prev_hash, created_at
		 FROM audit_events WHERE checklist_id = $1
		 ORDER BY sequence_num ASC`, checklistID)
	if err != nil {
		return false, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		if err := rows.Scan(
			&e.ID, &e.ChecklistID, &e.StudyID, &e.ActorID, &e.EventType,
			&e.SequenceNum, &e.Payload, &e.ContentHash, &e.PrevHash, &e.CreatedAt,
		); err != nil {
			return false, fmt.Errorf("scan: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("rows: %w", err)
	}

	// Recompute the whole chain with the current algorithm. Each event's hash
	// feeds the next event's prev_hash, so one stale timestamp cascades to the
	// end of the chain.
	changed := false
	var prevHash *string
	for i := range events {
		e := &events[i]
		expectedPrev := prevHash
		expected := *e
		expected.PrevHash = expectedPrev
		expectedHash := integrity.ComputeEventHash(expected)

		if e.ContentHash != expectedHash || !ptrEqual(e.PrevHash, expectedPrev) {
			changed = true
			e.PrevHash = expectedPrev
			e.ContentHash = expectedHash
		}
		h := e.ContentHash
		prevHash = &h
	}
	if !changed {
		return false, nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, e := range events {
		if _, err := tx.Exec(ctx,
			`UPDATE audit_events SET content_hash = $1, prev_hash = $2 WHERE id = $3`,
			e.ContentHash, e.PrevHash, e.ID); err != nil {
			return false, fmt.Errorf("update %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func ptrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
