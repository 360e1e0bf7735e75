package hyoka

import (
	"time"

	"github.com/google/uuid"
)

// Code is a categorical answer code. Each instrument question declares
// which codes it accepts.
type Code string

const (
	CodeYes           Code = "Y"
	CodeProbablyYes   Code = "PY"
	CodeProbablyNo    Code = "PN"
	CodeNo            Code = "N"
	CodeNoInformation Code = "NI"
	CodeNotApplicable Code = "NA"

	CodeStrongYes Code = "SY"
	CodeWeakYes   Code = "WY"
	CodeWeakNo    Code = "WN"
	CodeStrongNo  Code = "SN"

	CodeCompleteCase Code = "CC"
	CodeImputation   Code = "MI"
	CodeNoMeta       Code = "NMA"
)

// Judgement is a risk-of-bias judgement on the instrument's ordered scale.
type Judgement string

const (
	JudgementLow                 Judgement = "low"
	JudgementLowExceptConfounding Judgement = "low-except-confounding"
	JudgementModerate            Judgement = "moderate"
	JudgementSerious             Judgement = "serious"
	JudgementCritical            Judgement = "critical"
)

// Direction is a reviewer-recorded direction of bias.
type Direction string

const (
	DirectionUpward       Direction = "upward"
	DirectionDownward     Direction = "downward"
	DirectionTowardsNull  Direction = "towards-null"
	DirectionAwayFromNull Direction = "away-from-null"
	DirectionUnpredictable Direction = "unpredictable"
)

// Status is a checklist lifecycle state.
type Status string

const (
	StatusDraft                  Status = "draft"
	StatusInProgress             Status = "in-progress"
	StatusCompleted              Status = "completed"
	StatusAwaitingReconciliation Status = "awaiting-reconciliation"
	StatusReconciling            Status = "reconciling"
	StatusFinalized              Status = "finalized"
)

// Role is a reviewer's RBAC role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReviewer Role = "reviewer"
	RoleReader   Role = "reader"
)

// Side selects which reviewer's value a reconciliation takes for a block.
type Side string

const (
	SideReviewer1 Side = "reviewer1"
	SideReviewer2 Side = "reviewer2"
)

// JudgementSource marks whether a judgement came from automatic scoring or
// a manual override.
type JudgementSource string

const (
	SourceAuto   JudgementSource = "auto"
	SourceManual JudgementSource = "manual"
)

// --- Entities ---

// Reviewer is a human assessor account.
type Reviewer struct {
	ID         uuid.UUID  `json:"id"`
	Email      string     `json:"email"`
	Name       string     `json:"name"`
	Role       Role       `json:"role"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// Study is a publication under assessment.
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

// Assignment binds a reviewer pair to a study for one instrument.
type Assignment struct {
	ID          uuid.UUID `json:"id"`
	StudyID     uuid.UUID `json:"study_id"`
	Instrument  string    `json:"instrument"`
	Reviewer1ID uuid.UUID `json:"reviewer1_id"`
	Reviewer2ID uuid.UUID `json:"reviewer2_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// --- Checklist state ---

// PrelimValue is a preliminary field's value. Exactly one member is set,
// matching the field's declared kind.
type PrelimValue struct {
	Text   *string         `json:"text,omitempty"`
	Choice *Code           `json:"choice,omitempty"`
	List   []string        `json:"list,omitempty"`
	Multi  map[string]bool `json:"multi,omitempty"`
}

// Answer is one recorded answer to a signalling question.
type Answer struct {
	Code     Code    `json:"code"`
	Comment  *string `json:"comment,omitempty"`
	Critical *bool   `json:"critical,omitempty"`
}

// DomainState is a checklist's stored state for one domain.
type DomainState struct {
	Answers   map[string]Answer `json:"answers"`
	Source    JudgementSource   `json:"source"`
	Override  *Judgement        `json:"override,omitempty"`
	Direction *Direction        `json:"direction,omitempty"`
}

// OverallRecord is the checklist-level override and direction state.
type OverallRecord struct {
	Source    JudgementSource `json:"source"`
	Override  *Judgement      `json:"override,omitempty"`
	Direction *Direction      `json:"direction,omitempty"`
}

// Checklist is one reviewer's assessment of one study under one instrument.
type Checklist struct {
	ID         uuid.UUID `json:"id"`
	StudyID    uuid.UUID `json:"study_id"`
	Instrument string    `json:"instrument"`
	ReviewerID uuid.UUID `json:"reviewer_id"`
	Name       string    `json:"name"`
	Status     Status    `json:"status"`

	Preliminary map[string]PrelimValue  `json:"preliminary"`
	Domains     map[string]*DomainState `json:"domains"`
	Overall     OverallRecord           `json:"overall"`

	// Set on consensus checklists only.
	Source1ID *uuid.UUID `json:"source1_id,omitempty"`
	Source2ID *uuid.UUID `json:"source2_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// --- Scoring ---

// ScoringResult is the automatic decision-table outcome for one domain.
type ScoringResult struct {
	Judgement *Judgement `json:"judgement,omitempty"`
	Complete  bool       `json:"complete"`
	RuleID    *string    `json:"rule_id,omitempty"`
}

// DomainScore pairs the automatic result with the effective judgement
// after any manual override.
type DomainScore struct {
	Auto       ScoringResult   `json:"auto"`
	Effective  *Judgement      `json:"effective,omitempty"`
	Source     JudgementSource `json:"source"`
	Overridden bool            `json:"overridden"`
	Direction  *Direction      `json:"direction,omitempty"`
}

// Aggregate is the full scoring picture for a checklist: per-domain scores
// for the active domains plus the worst-wins overall judgement.
type Aggregate struct {
	Domains       map[string]DomainScore `json:"domains"`
	Overall       *Judgement             `json:"overall,omitempty"`
	OverallSource JudgementSource        `json:"overall_source"`
	Direction     *Direction             `json:"direction,omitempty"`
	Complete      bool                   `json:"complete"`
	Gate          string                 `json:"gate,omitempty"`
}

// ChecklistWithAggregate is the server's response shape for checklist
// reads and edits.
type ChecklistWithAggregate struct {
	Checklist Checklist `json:"checklist"`
	Aggregate Aggregate `json:"aggregate"`
}

// --- Comparison ---

// QuestionDiff is the per-question row of a comparison.
type QuestionDiff struct {
	Question string  `json:"question"`
	Answer1  *Answer `json:"answer1,omitempty"`
	Answer2  *Answer `json:"answer2,omitempty"`
	Agreed   bool    `json:"agreed"`
}

// DomainDiff groups one domain's question diffs with judgement context.
type DomainDiff struct {
	Domain    string         `json:"domain"`
	Title     string         `json:"title"`
	Questions []QuestionDiff `json:"questions"`
	Agreed    []string       `json:"agreed"`
	Disagreed []string       `json:"disagreed"`

	Judgement1      *Judgement `json:"judgement1,omitempty"`
	Judgement2      *Judgement `json:"judgement2,omitempty"`
	JudgementsMatch bool       `json:"judgements_match"`

	Direction1      *Direction `json:"direction1,omitempty"`
	Direction2      *Direction `json:"direction2,omitempty"`
	DirectionsMatch *bool      `json:"directions_match,omitempty"`
}

// FieldDiff is the per-preliminary-field row of a comparison.
type FieldDiff struct {
	Field  string       `json:"field"`
	Value1 *PrelimValue `json:"value1,omitempty"`
	Value2 *PrelimValue `json:"value2,omitempty"`
	Agreed bool         `json:"agreed"`
}

// CompareStats summarizes agreement over every compared slot.
type CompareStats struct {
	Total     int     `json:"total"`
	Agreed    int     `json:"agreed"`
	Disagreed int     `json:"disagreed"`
	Rate      float64 `json:"rate"`
}

// CompareResult is the structural diff of two completed checklists.
type CompareResult struct {
	Instrument   string    `json:"instrument"`
	Checklist1ID uuid.UUID `json:"checklist1_id"`
	Checklist2ID uuid.UUID `json:"checklist2_id"`

	Preliminary []FieldDiff  `json:"preliminary"`
	Domains     []DomainDiff `json:"domains"`

	Overall1     *Judgement `json:"overall1,omitempty"`
	Overall2     *Judgement `json:"overall2,omitempty"`
	OverallMatch bool       `json:"overall_match"`

	OverallDirection1      *Direction `json:"overall_direction1,omitempty"`
	OverallDirection2      *Direction `json:"overall_direction2,omitempty"`
	OverallDirectionsMatch *bool      `json:"overall_directions_match,omitempty"`

	Stats CompareStats `json:"stats"`
}

// --- Reconciliation ---

// Reconciliation records a consensus merge of two checklists.
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

// ReconciliationResponse is the server's response shape for reconciliation
// reads, starts, and finalizes.
type ReconciliationResponse struct {
	Reconciliation Reconciliation `json:"reconciliation"`
	Consensus      Checklist      `json:"consensus"`
	Aggregate      Aggregate      `json:"aggregate"`
}

// --- Instruments ---

// FieldSpec describes one preliminary field of an instrument.
type FieldSpec struct {
	Key     string   `json:"key"`
	Label   string   `json:"label"`
	Kind    string   `json:"kind"`
	Choices []Code   `json:"choices,omitempty"`
	Options []string `json:"options,omitempty"`
}

// QuestionSpec describes one signalling question.
type QuestionSpec struct {
	Key   string `json:"key"`
	Text  string `json:"text"`
	Codes []Code `json:"codes"`
}

// DomainSpec describes one bias domain. The decision-table rules are
// evaluated server-side and omitted here.
type DomainSpec struct {
	Key          string         `json:"key"`
	Title        string         `json:"title"`
	Questions    []QuestionSpec `json:"questions"`
	Modes        []Code         `json:"modes,omitempty"`
	HasDirection bool           `json:"has_direction,omitempty"`
	Critical     bool           `json:"critical,omitempty"`
}

// GateSpec is an instrument's early-stop gate.
type GateSpec struct {
	Field    string          `json:"field"`
	Outcomes map[Code]string `json:"outcomes"`
}

// Instrument is the machine-readable definition clients render an
// assessment UI from.
type Instrument struct {
	Key   string `json:"key"`
	Title string `json:"title"`

	ModeField   string `json:"mode_field,omitempty"`
	Modes       []Code `json:"modes,omitempty"`
	DefaultMode Code   `json:"default_mode,omitempty"`

	Preliminary []FieldSpec  `json:"preliminary"`
	Domains     []DomainSpec `json:"domains"`
	Gate        *GateSpec    `json:"gate,omitempty"`

	HasOverallDirection bool `json:"has_overall_direction,omitempty"`
}

// InstrumentSummary is the list-endpoint row for one instrument.
type InstrumentSummary struct {
	Key       string `json:"key"`
	Title     string `json:"title"`
	Modes     []Code `json:"modes,omitempty"`
	Domains   int    `json:"domains"`
	Questions int    `json:"questions"`
}

// --- Audit ---

// AuditEvent is one hash-chained entry in a checklist's audit trail.
type AuditEvent struct {
	ID          uuid.UUID      `json:"id"`
	ChecklistID uuid.UUID      `json:"checklist_id"`
	StudyID     uuid.UUID      `json:"study_id"`
	ActorID     uuid.UUID      `json:"actor_id"`
	EventType   string         `json:"event_type"`
	SequenceNum int64          `json:"sequence_num"`
	Payload     map[string]any `json:"payload"`
	ContentHash string         `json:"content_hash"`
	PrevHash    *string        `json:"prev_hash,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ChainReport is the outcome of an audit chain verification.
type ChainReport struct {
	Length   int    `json:"length"`
	Valid    bool   `json:"valid"`
	BrokenAt *int64 `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// --- Progress ---

// StudyProgress summarizes checklist activity for one study.
type StudyProgress struct {
	StudyID       uuid.UUID          `json:"study_id"`
	Checklists    int                `json:"checklists"`
	ByStatus      map[Status]int     `json:"by_status"`
	ByInstrument  map[string]int     `json:"by_instrument"`
	LastUpdatedAt *time.Time         `json:"last_updated_at,omitempty"`
	Overall       map[string]*string `json:"overall"`
}

// --- Access control ---

// Grant gives a reviewer access to a resource.
type Grant struct {
	ID           uuid.UUID  `json:"id"`
	GrantorID    uuid.UUID  `json:"grantor_id"`
	GranteeID    uuid.UUID  `json:"grantee_id"`
	ResourceType string     `json:"resource_type"`
	ResourceID   *string    `json:"resource_id,omitempty"`
	Permission   string     `json:"permission"`
	GrantedAt    time.Time  `json:"granted_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// APIKey is a managed API key's metadata. The raw key is never stored.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	Prefix     string     `json:"prefix"`
	ReviewerID uuid.UUID  `json:"reviewer_id"`
	Label      string     `json:"label"`
	CreatedBy  uuid.UUID  `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// APIKeyWithRawKey carries the one-time raw key returned at creation.
type APIKeyWithRawKey struct {
	APIKey
	RawKey string `json:"raw_key"`
}

// --- Requests ---

// CreateStudyRequest is the input for Client.CreateStudy.
type CreateStudyRequest struct {
	Title     string         `json:"title"`
	Authors   *string        `json:"authors,omitempty"`
	Year      *int           `json:"year,omitempty"`
	Journal   *string        `json:"journal,omitempty"`
	DOI       *string        `json:"doi,omitempty"`
	SourceURI *string        `json:"source_uri,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Citation is raw citation text; when set, the server's metadata
	// extractor prefills bibliographic fields the caller left blank.
	Citation *string `json:"citation,omitempty"`
}

// StudySearchFilters narrow a full-text study search.
type StudySearchFilters struct {
	Tags []string `json:"tags,omitempty"`
	Year *int     `json:"year,omitempty"`
}

// StudySearchRequest is the input for Client.SearchStudies.
type StudySearchRequest struct {
	Query   string              `json:"query"`
	Filters *StudySearchFilters `json:"filters,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
}

// StudySearchResult is one ranked search hit.
type StudySearchResult struct {
	Study Study   `json:"study"`
	Rank  float64 `json:"rank"`
}

// CreateAssignmentRequest is the input for Client.CreateAssignment.
type CreateAssignmentRequest struct {
	Instrument  string    `json:"instrument"`
	Reviewer1ID uuid.UUID `json:"reviewer1_id"`
	Reviewer2ID uuid.UUID `json:"reviewer2_id"`
}

// CreateChecklistRequest is the input for Client.CreateChecklist.
type CreateChecklistRequest struct {
	StudyID    uuid.UUID `json:"study_id"`
	Instrument string    `json:"instrument"`
	Name       string    `json:"name,omitempty"`
	Mode       *Code     `json:"mode,omitempty"`
}

// RecordAnswerRequest is the input for Client.RecordAnswer.
type RecordAnswerRequest struct {
	Code     Code    `json:"code"`
	Comment  *string `json:"comment,omitempty"`
	Critical *bool   `json:"critical,omitempty"`
}

// ReconcileRequest is the input for Client.Reconcile. Selection keys are
// "overall", a domain key, "domain.question", or "preliminary.field";
// absent keys default to reviewer 1's value.
type ReconcileRequest struct {
	Instrument string          `json:"instrument"`
	Selection  map[string]Side `json:"selection,omitempty"`
	Name       string          `json:"name,omitempty"`
}

// CreateReviewerRequest is the input for Client.CreateReviewer.
type CreateReviewerRequest struct {
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	APIKey string `json:"api_key,omitempty"`
}

// CreateReviewerResponse is the output of Client.CreateReviewer. RawKey
// inside APIKey is shown exactly once.
type CreateReviewerResponse struct {
	Reviewer Reviewer          `json:"reviewer"`
	APIKey   *APIKeyWithRawKey `json:"api_key,omitempty"`
}

// CreateGrantRequest is the input for Client.CreateGrant.
type CreateGrantRequest struct {
	GranteeID    uuid.UUID `json:"grantee_id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   *string   `json:"resource_id,omitempty"`
	Permission   string    `json:"permission"`
	ExpiresAt    *string   `json:"expires_at,omitempty"`
}

// --- Health ---

// HealthResponse is the output of Client.Health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Postgres      string `json:"postgres"`
	AuditQueue    int    `json:"audit_queue"`
	SSEBroker     string `json:"sse_broker,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
