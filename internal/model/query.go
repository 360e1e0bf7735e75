package model

import (
	"time"

	"github.com/google/uuid"
)

// ChecklistFilters defines the filter parameters for checklist list queries.
type ChecklistFilters struct {
	StudyID    *uuid.UUID `json:"study_id,omitempty"`
	Instrument *string    `json:"instrument,omitempty"`
	ReviewerID *uuid.UUID `json:"reviewer_id,omitempty"`
	Status     *Status    `json:"status,omitempty"`
	Consensus  *bool      `json:"consensus,omitempty"`
	TimeRange  *TimeRange `json:"time_range,omitempty"`
}

// StudyFilters defines the filter parameters for study list queries.
type StudyFilters struct {
	Tags      []string   `json:"tags,omitempty"`
	Year      *int       `json:"year,omitempty"`
	TimeRange *TimeRange `json:"time_range,omitempty"`
}

// TimeRange defines a time range for queries.
type TimeRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// SearchRequest is the request body for POST /v1/studies/search.
// Query is matched against title, authors and journal via full-text search.
type SearchRequest struct {
	Query   string       `json:"query"`
	Filters StudyFilters `json:"filters,omitempty"`
	Limit   int          `json:"limit,omitempty"`
}

// SearchResult wraps a study with its full-text rank.
type SearchResult struct {
	Study Study   `json:"study"`
	Rank  float32 `json:"rank"`
}

// PagedResult wraps paginated query results.
type PagedResult[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
