package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/hyoka/internal/model"
)

// SearchStudies performs ranked full-text search over study titles, authors
// and journals, with optional structured filters. search_vector is a stored
// generated column (title A, authors B, journal C); ranking uses ts_rank
// with default weights.
func (db *DB) SearchStudies(ctx context.Context, req model.SearchRequest) ([]model.SearchResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 1000 {
		limit = 1000
	}

	where, args := buildStudyWhereClause(req.Filters, 2)
	if where == "" {
		where = " WHERE search_vector @@ websearch_to_tsquery('english', $1)"
	} else {
		where += " AND search_vector @@ websearch_to_tsquery('english', $1)"
	}

	query := fmt.Sprintf(
		`SELECT `+studyColumns+`,
		 ts_rank(search_vector, websearch_to_tsquery('english', $1)) AS rank
		 FROM studies%s
		 ORDER BY rank DESC, created_at DESC
		 LIMIT %d`, where, limit,
	)

	allArgs := append([]any{req.Query}, args...)
	rows, err := db.pool.Query(ctx, query, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("storage: search studies: %w", err)
	}
	defer rows.Close()

	var results []model.SearchResult
	for rows.Next() {
		var s model.Study
		var rank float32
		if err := rows.Scan(
			&s.ID, &s.Title, &s.Authors, &s.Year, &s.Journal, &s.DOI, &s.SourceURI,
			&s.Tags, &s.Metadata, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
			&rank,
		); err != nil {
			return nil, fmt.Errorf("storage: scan search result: %w", err)
		}
		results = append(results, model.SearchResult{Study: s, Rank: rank})
	}
	return results, rows.Err()
}
