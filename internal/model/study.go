package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Study represents one research report under assessment. Citation fields
// are optional because studies may be registered before extraction.
type Study struct {
	ID        uuid.UUID      `json:"id"`
	Title     string         `json:"title"`
	Authors   *string        `json:"authors,omitempty"`
	Year      *int           `json:"year,omitempty"`
	Journal   *string        `json:"journal,omitempty"`
	DOI       *string        `json:"doi,omitempty"`
	SourceURI *string        `json:"source_uri,omitempty"`
	Tags      []string       `json:"tags"`
	Metadata  map[string]any `json:"metadata"`
	CreatedBy uuid.UUID      `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Assignment pairs two reviewers on a study under one instrument. The
// reviewer slots are positional: slot 1 is "reviewer1" in comparison and
// reconciliation output.
type Assignment struct {
	ID          uuid.UUID `json:"id"`
	StudyID     uuid.UUID `json:"study_id"`
	Instrument  string    `json:"instrument"`
	Reviewer1ID uuid.UUID `json:"reviewer1_id"`
	Reviewer2ID uuid.UUID `json:"reviewer2_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReviewerSlot returns 1 or 2 when the reviewer occupies a slot on the
// assignment, 0 otherwise.
func (a Assignment) ReviewerSlot(reviewerID uuid.UUID) int {
	switch reviewerID {
	case a.Reviewer1ID:
		return 1
	case a.Reviewer2ID:
		return 2
	}
	return 0
}

// ValidateTag checks that a study tag conforms to the allowed format.
// Tags must start with a lowercase letter and contain only lowercase
// alphanumeric characters, hyphens, and underscores.
func ValidateTag(tag string) error {
	if len(tag) == 0 {
		return fmt.Errorf("tag must not be empty")
	}
	if len(tag) > 64 {
		return fmt.Errorf("tag must be at most 64 characters")
	}
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return fmt.Errorf("tag must start with a lowercase letter, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("tag contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
