package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// IntegrityProof represents a Merkle tree batch proof over audit events.
type IntegrityProof struct {
	ID           uuid.UUID `json:"id"`
	BatchStart   time.Time `json:"batch_start"`
	BatchEnd     time.Time `json:"batch_end"`
	EventCount   int       `json:"event_count"`
	RootHash     string    `json:"root_hash"`
	PreviousRoot *string   `json:"previous_root,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// GetLatestIntegrityProof returns the most recent integrity proof.
// Returns nil if no proofs exist.
func (db *DB) GetLatestIntegrityProof(ctx context.Context) (*IntegrityProof, error) {
	var p IntegrityProof
	err := db.pool.QueryRow(ctx,
		`SELECT id, batch_start, batch_end, event_count, root_hash, previous_root, created_at
		 FROM integrity_proofs
		 ORDER BY created_at DESC
		 LIMIT 1`,
	).Scan(&p.ID, &p.BatchStart, &p.BatchEnd, &p.EventCount, &p.RootHash, &p.PreviousRoot, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get latest integrity proof: %w", err)
	}
	return &p, nil
}

// CreateIntegrityProof inserts a new integrity proof.
func (db *DB) CreateIntegrityProof(ctx context.Context, p IntegrityProof) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO integrity_proofs (id, batch_start, batch_end, event_count, root_hash, previous_root, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.BatchStart, p.BatchEnd, p.EventCount, p.RootHash, p.PreviousRoot, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create integrity proof: %w", err)
	}
	return nil
}

// GetEventHashesForBatch returns content_hash values for audit events created
// between since (exclusive) and until (inclusive), ordered lexicographically.
func (db *DB) GetEventHashesForBatch(ctx context.Context, since, until time.Time) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT content_hash FROM audit_events
		 WHERE created_at > $1 AND created_at <= $2
		   AND content_hash IS NOT NULL AND content_hash != ''
		 ORDER BY content_hash ASC`,
		since, until,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get event hashes for batch: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("storage: scan event hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// ListIntegrityProofs returns proofs ordered newest first.
func (db *DB) ListIntegrityProofs(ctx context.Context, limit int) ([]IntegrityProof, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, batch_start, batch_end, event_count, root_hash, previous_root, created_at
		 FROM integrity_proofs
		 ORDER BY created_at DESC
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list integrity proofs: %w", err)
	}
	defer rows.Close()

	var out []IntegrityProof
	for rows.Next() {
		var p IntegrityProof
		if err := rows.Scan(&p.ID, &p.BatchStart, &p.BatchEnd, &p.EventCount, &p.RootHash, &p.PreviousRoot, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan integrity proof: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
