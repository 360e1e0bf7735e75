package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hyoka/internal/model"
)

// CreateStudy inserts a study record.
func (db *DB) CreateStudy(ctx context.Context, s model.Study) (model.Study, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO studies (id, title, authors, year, journal, doi, source_uri, tags, metadata, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.Title, s.Authors, s.Year, s.Journal, s.DOI, s.SourceURI,
		s.Tags, s.Metadata, s.CreatedBy, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return model.Study{}, fmt.Errorf("storage: create study: %w", err)
	}
	return s, nil
}

// CreateStudyWithAudit inserts a study and a mutation audit entry atomically.
func (db *DB) CreateStudyWithAudit(ctx context.Context, s model.Study, audit MutationAuditEntry) (model.Study, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Study{}, fmt.Errorf("storage: begin create study tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO studies (id, title, authors, year, journal, doi, source_uri, tags, metadata, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.Title, s.Authors, s.Year, s.Journal, s.DOI, s.SourceURI,
		s.Tags, s.Metadata, s.CreatedBy, s.CreatedAt, s.UpdatedAt,
	); err != nil {
		return model.Study{}, fmt.Errorf("storage: create study: %w", err)
	}

	audit.ResourceID = s.ID.String()
	audit.AfterData = s
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.Study{}, fmt.Errorf("storage: audit in create study tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Study{}, fmt.Errorf("storage: commit create study tx: %w", err)
	}
	return s, nil
}

const studyColumns = `id, title, authors, year, journal, doi, source_uri, tags, metadata, created_by, created_at, updated_at`

// GetStudy retrieves a study by ID.
func (db *DB) GetStudy(ctx context.Context, id uuid.UUID) (model.Study, error) {
	var s model.Study
	err := db.pool.QueryRow(ctx,
		`SELECT `+studyColumns+` FROM studies WHERE id = $1`, id,
	).Scan(
		&s.ID, &s.Title, &s.Authors, &s.Year, &s.Journal, &s.DOI, &s.SourceURI,
		&s.Tags, &s.Metadata, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Study{}, fmt.Errorf("storage: study %s: %w", id, ErrNotFound)
		}
		return model.Study{}, fmt.Errorf("storage: get study: %w", err)
	}
	return s, nil
}

// ListStudies returns studies matching the filters with pagination.
// limit is clamped to [1, 1000] with a default of 50.
func (db *DB) ListStudies(ctx context.Context, filters model.StudyFilters, limit, offset int) (model.PagedResult[model.Study], error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	where, args := buildStudyWhereClause(filters, 1)

	out := model.PagedResult[model.Study]{Limit: limit, Offset: offset}
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM studies"+where, args...).Scan(&out.Total); err != nil {
		return out, fmt.Errorf("storage: count studies: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT `+studyColumns+` FROM studies%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		where, limit, offset,
	)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return out, fmt.Errorf("storage: list studies: %w", err)
	}
	defer rows.Close()

	out.Items, err = scanStudies(rows)
	return out, err
}

// UpdateStudyWithAudit performs a partial update of a study's bibliographic
// fields and inserts a mutation audit entry atomically. Only non-nil fields
// are applied; metadata is merged rather than replaced.
func (db *DB) UpdateStudyWithAudit(ctx context.Context, id uuid.UUID, title, authors, journal, doi, sourceURI *string, year *int, metadata map[string]any, audit MutationAuditEntry) (model.Study, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Study{}, fmt.Errorf("storage: begin update study tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var s model.Study
	err = tx.QueryRow(ctx,
		`UPDATE studies
		 SET title = COALESCE($1, title),
		     authors = COALESCE($2, authors),
		     journal = COALESCE($3, journal),
		     doi = COALESCE($4, doi),
		     source_uri = COALESCE($5, source_uri),
		     year = COALESCE($6, year),
		     metadata = CASE WHEN $7::jsonb IS NOT NULL THEN metadata || $7::jsonb ELSE metadata END,
		     updated_at = now()
		 WHERE id = $8
		 RETURNING `+studyColumns,
		title, authors, journal, doi, sourceURI, year, metadata, id,
	).Scan(
		&s.ID, &s.Title, &s.Authors, &s.Year, &s.Journal, &s.DOI, &s.SourceURI,
		&s.Tags, &s.Metadata, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Study{}, fmt.Errorf("storage: study %s: %w", id, ErrNotFound)
		}
		return model.Study{}, fmt.Errorf("storage: update study: %w", err)
	}

	audit.ResourceID = id.String()
	audit.AfterData = s
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.Study{}, fmt.Errorf("storage: audit in update study tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Study{}, fmt.Errorf("storage: commit update study tx: %w", err)
	}
	return s, nil
}

// UpdateStudyTagsWithAudit replaces the tags array for a study and inserts a
// mutation audit entry atomically.
func (db *DB) UpdateStudyTagsWithAudit(ctx context.Context, id uuid.UUID, tags []string, audit MutationAuditEntry) (model.Study, error) {
	if tags == nil {
		tags = []string{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Study{}, fmt.Errorf("storage: begin update study tags tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var s model.Study
	err = tx.QueryRow(ctx,
		`UPDATE studies SET tags = $1, updated_at = now() WHERE id = $2
		 RETURNING `+studyColumns,
		tags, id,
	).Scan(
		&s.ID, &s.Title, &s.Authors, &s.Year, &s.Journal, &s.DOI, &s.SourceURI,
		&s.Tags, &s.Metadata, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Study{}, fmt.Errorf("storage: study %s: %w", id, ErrNotFound)
		}
		return model.Study{}, fmt.Errorf("storage: update study tags: %w", err)
	}

	audit.ResourceID = id.String()
	audit.AfterData = s
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.Study{}, fmt.Errorf("storage: audit in update study tags tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Study{}, fmt.Errorf("storage: commit update study tags tx: %w", err)
	}
	return s, nil
}

// CountStudies returns the number of studies in the corpus.
func (db *DB) CountStudies(ctx context.Context) (int, error) {
	var count int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM studies`).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count studies: %w", err)
	}
	return count, nil
}

// CreateAssignmentWithAudit inserts a dual-reviewer assignment and a mutation
// audit entry atomically. At most one assignment may exist per
// (study, instrument) pair; a second insert returns ErrConflict.
func (db *DB) CreateAssignmentWithAudit(ctx context.Context, a model.Assignment, audit MutationAuditEntry) (model.Assignment, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Assignment{}, fmt.Errorf("storage: begin create assignment tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO assignments (id, study_id, instrument, reviewer1_id, reviewer2_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.StudyID, a.Instrument, a.Reviewer1ID, a.Reviewer2ID, a.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return model.Assignment{}, fmt.Errorf("storage: assignment for study %s instrument %s: %w", a.StudyID, a.Instrument, ErrConflict)
		}
		return model.Assignment{}, fmt.Errorf("storage: create assignment: %w", err)
	}

	audit.ResourceID = a.ID.String()
	audit.AfterData = a
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.Assignment{}, fmt.Errorf("storage: audit in create assignment tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Assignment{}, fmt.Errorf("storage: commit create assignment tx: %w", err)
	}
	return a, nil
}

// GetAssignment retrieves the assignment for a (study, instrument) pair.
func (db *DB) GetAssignment(ctx context.Context, studyID uuid.UUID, instrument string) (model.Assignment, error) {
	var a model.Assignment
	err := db.pool.QueryRow(ctx,
		`SELECT id, study_id, instrument, reviewer1_id, reviewer2_id, created_at
		 FROM assignments WHERE study_id = $1 AND instrument = $2`,
		studyID, instrument,
	).Scan(&a.ID, &a.StudyID, &a.Instrument, &a.Reviewer1ID, &a.Reviewer2ID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Assignment{}, fmt.Errorf("storage: assignment for study %s instrument %s: %w", studyID, instrument, ErrNotFound)
		}
		return model.Assignment{}, fmt.Errorf("storage: get assignment: %w", err)
	}
	return a, nil
}

// GetAssignmentByID retrieves an assignment by its UUID.
func (db *DB) GetAssignmentByID(ctx context.Context, id uuid.UUID) (model.Assignment, error) {
	var a model.Assignment
	err := db.pool.QueryRow(ctx,
		`SELECT id, study_id, instrument, reviewer1_id, reviewer2_id, created_at
		 FROM assignments WHERE id = $1`, id,
	).Scan(&a.ID, &a.StudyID, &a.Instrument, &a.Reviewer1ID, &a.Reviewer2ID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Assignment{}, fmt.Errorf("storage: assignment %s: %w", id, ErrNotFound)
		}
		return model.Assignment{}, fmt.Errorf("storage: get assignment by id: %w", err)
	}
	return a, nil
}

// ListAssignmentsForStudy returns all assignments on a study.
func (db *DB) ListAssignmentsForStudy(ctx context.Context, studyID uuid.UUID) ([]model.Assignment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, study_id, instrument, reviewer1_id, reviewer2_id, created_at
		 FROM assignments WHERE study_id = $1 ORDER BY created_at ASC`, studyID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list assignments for study: %w", err)
	}
	defer rows.Close()
	return scanAssignments(rows)
}

// ListAssignmentsForReviewer returns all assignments where the reviewer
// occupies either slot, most recent first.
func (db *DB) ListAssignmentsForReviewer(ctx context.Context, reviewerID uuid.UUID) ([]model.Assignment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, study_id, instrument, reviewer1_id, reviewer2_id, created_at
		 FROM assignments WHERE reviewer1_id = $1 OR reviewer2_id = $1
		 ORDER BY created_at DESC`, reviewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list assignments for reviewer: %w", err)
	}
	defer rows.Close()
	return scanAssignments(rows)
}

func buildStudyWhereClause(f model.StudyFilters, startArgIdx int) (string, []any) {
	var conditions []string
	var args []any
	idx := startArgIdx

	if len(f.Tags) > 0 {
		conditions = append(conditions, fmt.Sprintf("tags && $%d", idx))
		args = append(args, f.Tags)
		idx++
	}
	if f.Year != nil {
		conditions = append(conditions, fmt.Sprintf("year = $%d", idx))
		args = append(args, *f.Year)
		idx++
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

func scanStudies(rows pgx.Rows) ([]model.Study, error) {
	var studies []model.Study
	for rows.Next() {
		var s model.Study
		if err := rows.Scan(
			&s.ID, &s.Title, &s.Authors, &s.Year, &s.Journal, &s.DOI, &s.SourceURI,
			&s.Tags, &s.Metadata, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan study: %w", err)
		}
		studies = append(studies, s)
	}
	return studies, rows.Err()
}

func scanAssignments(rows pgx.Rows) ([]model.Assignment, error) {
	var assignments []model.Assignment
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.ID, &a.StudyID, &a.Instrument, &a.Reviewer1ID, &a.Reviewer2ID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}
