package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of an audit event.
type EventType string

const (
	// Checklist lifecycle events.
	EventChecklistCreated EventType = "ChecklistCreated"
	EventStatusChanged    EventType = "StatusChanged"

	// Editing events.
	EventAnswerRecorded  EventType = "AnswerRecorded"
	EventPreliminarySet  EventType = "PreliminarySet"
	EventOverrideSet     EventType = "OverrideSet"
	EventOverrideCleared EventType = "OverrideCleared"
	EventDirectionSet    EventType = "DirectionSet"

	// Reconciliation events.
	EventReconciliationStarted EventType = "ReconciliationStarted"
)

// AuditEvent is an append-only record of one checklist mutation.
// Source of truth for who changed what; never mutated or deleted.
// ContentHash/PrevHash form a per-checklist tamper-evident chain.
type AuditEvent struct {
	ID          uuid.UUID      `json:"id"`
	ChecklistID uuid.UUID      `json:"checklist_id"`
	StudyID     uuid.UUID      `json:"study_id"`
	ActorID     uuid.UUID      `json:"actor_id"`
	EventType   EventType      `json:"event_type"`
	SequenceNum int64          `json:"sequence_num"`
	Payload     map[string]any `json:"payload"`
	ContentHash string         `json:"content_hash"`
	PrevHash    *string        `json:"prev_hash,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AnswerRecordedPayload is the payload for AnswerRecorded events.
type AnswerRecordedPayload struct {
	Domain   string `json:"domain"`
	Question string `json:"question"`
	Code     Code   `json:"code"`
	PrevCode *Code  `json:"prev_code,omitempty"`
}

// PreliminarySetPayload is the payload for PreliminarySet events.
type PreliminarySetPayload struct {
	Field string `json:"field"`
}

// OverrideSetPayload is the payload for OverrideSet and OverrideCleared
// events. Scope is a domain key, or "overall".
type OverrideSetPayload struct {
	Scope     string     `json:"scope"`
	Judgement *Judgement `json:"judgement,omitempty"`
	Auto      *Judgement `json:"auto,omitempty"`
}

// DirectionSetPayload is the payload for DirectionSet events.
type DirectionSetPayload struct {
	Scope     string     `json:"scope"`
	Direction *Direction `json:"direction,omitempty"`
}

// StatusChangedPayload is the payload for StatusChanged events.
type StatusChangedPayload struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}

// ReconciliationStartedPayload is the payload for ReconciliationStarted
// events, recorded against the new consensus checklist.
type ReconciliationStartedPayload struct {
	Source1ID uuid.UUID `json:"source1_id"`
	Source2ID uuid.UUID `json:"source2_id"`
}

// ChecklistEvent is the live-update notification fanned out to SSE
// subscribers when a checklist changes. Carries enough for a client to
// decide whether to refetch; never the full document.
type ChecklistEvent struct {
	ChecklistID uuid.UUID  `json:"checklist_id"`
	StudyID     uuid.UUID  `json:"study_id"`
	Instrument  string     `json:"instrument"`
	EventType   EventType  `json:"event_type"`
	Status      Status     `json:"status"`
	Overall     *Judgement `json:"overall,omitempty"`
	Complete    bool       `json:"complete"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// ReconciliationEvent is the live-update notification for reconciliation
// lifecycle changes. Published on its own channel so consensus dashboards
// can subscribe without sifting through per-answer checklist traffic.
type ReconciliationEvent struct {
	ReconciliationID uuid.UUID `json:"reconciliation_id"`
	StudyID          uuid.UUID `json:"study_id"`
	Instrument       string    `json:"instrument"`
	ConsensusID      uuid.UUID `json:"consensus_id"`
	Stage            string    `json:"stage"` // "started" or "finalized"
	OccurredAt       time.Time `json:"occurred_at"`
}

// AccessAction categorizes a read-side access log entry.
type AccessAction string

const (
	AccessView    AccessAction = "view"
	AccessList    AccessAction = "list"
	AccessCompare AccessAction = "compare"
	AccessExport  AccessAction = "export"
	AccessSearch  AccessAction = "search"
)

// AccessEvent records one read of a protected resource for compliance
// reporting. High-volume and append-only; written in batches, unlike the
// per-mutation audit chain.
type AccessEvent struct {
	ID           uuid.UUID    `json:"id"`
	ReviewerID   uuid.UUID    `json:"reviewer_id"`
	Action       AccessAction `json:"action"`
	ResourceType string       `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
	RequestID    string       `json:"request_id,omitempty"`
	SequenceNum  int64        `json:"sequence_num"`
	OccurredAt   time.Time    `json:"occurred_at"`
	CreatedAt    time.Time    `json:"created_at"`
}
