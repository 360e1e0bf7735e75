package model

import (
	"time"

	"github.com/google/uuid"
)

// Reconciliation links two completed source checklists to the consensus
// checklist merged from them, together with the side selection the
// consensus reviewer made.
type Reconciliation struct {
	ID          uuid.UUID       `json:"id"`
	StudyID     uuid.UUID       `json:"study_id"`
	Instrument  string          `json:"instrument"`
	Source1ID   uuid.UUID       `json:"source1_id"`
	Source2ID   uuid.UUID       `json:"source2_id"`
	ConsensusID uuid.UUID       `json:"consensus_id"`
	Selection   map[string]Side `json:"selection"`
	StartedBy   uuid.UUID       `json:"started_by"`
	CreatedAt   time.Time       `json:"created_at"`
	FinalizedAt *time.Time      `json:"finalized_at,omitempty"`
}
