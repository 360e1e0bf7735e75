package hyoka

import (
	"time"

	"github.com/google/uuid"
)

// Role is a reviewer account's RBAC role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReviewer Role = "reviewer"
	RoleReader   Role = "reader"
)

// Code is a categorical answer code. Which codes a given question or
// choice field accepts is defined by the instrument.
type Code string

const (
	CodeYes           Code = "Y"
	CodeProbablyYes   Code = "PY"
	CodeProbablyNo    Code = "PN"
	CodeNo            Code = "N"
	CodeNoInformation Code = "NI"
	CodeNotApplicable Code = "NA"

	// Strength-coded variants used by questions that grade the signal
	// rather than answering yes/no.
	CodeStrongYes Code = "SY"
	CodeWeakYes   Code = "WY"
	CodeWeakNo    Code = "WN"
	CodeStrongNo  Code = "SN"

	// Analysis-approach codes for the missing-data gate question.
	CodeCompleteCase Code = "CC"
	CodeImputation   Code = "MI"

	// CodeNoMeta marks items that only apply when a meta-analysis was
	// conducted.
	CodeNoMeta Code = "NMA"
)

// Judgement is an ordinal risk-of-bias severity verdict, least to most
// severe.
type Judgement string

const (
	JudgementLow                  Judgement = "low"
	JudgementLowExceptConfounding Judgement = "low-except-confounding"
	JudgementModerate             Judgement = "moderate"
	JudgementSerious              Judgement = "serious"
	JudgementCritical             Judgement = "critical"
)

// Direction classifies the predicted direction of bias. Always supplied
// by a reviewer, never derived by the decision tables.
type Direction string

const (
	DirectionUpward        Direction = "upward"
	DirectionDownward      Direction = "downward"
	DirectionTowardsNull   Direction = "towards-null"
	DirectionAwayFromNull  Direction = "away-from-null"
	DirectionUnpredictable Direction = "unpredictable"
)

// Side names one of the two source checklists in comparison and
// reconciliation.
type Side string

const (
	SideReviewer1 Side = "reviewer1"
	SideReviewer2 Side = "reviewer2"
)

// Answer is one reviewer's answer to one signalling question: a
// categorical code, optional free-text commentary, and an optional
// per-question critical flag for instruments that grade items as
// critical.
type Answer struct {
	Code     Code
	Comment  *string
	Critical *bool
}

// FieldValue is one preliminary-section field value. Exactly one member
// is set, matching the field's declared kind in the instrument.
type FieldValue struct {
	Text   *string
	Choice *Code
	List   []string
	Multi  map[string]bool
}

// Checklist is the public representation of one assessment document.
// It is a curated view of internal/model.Checklist for use in the
// embeddable engine and extension interfaces. No internal package
// imports, so it is safe to use from outside the module.
//
// The identity and lifecycle fields (ID, StudyID, ReviewerID, Status,
// timestamps) are informational outputs filled in by the server and the
// reconciler; the pure helpers Score, Compare and Reconcile ignore them
// on input and read only Instrument and the content maps.
type Checklist struct {
	ID         uuid.UUID
	StudyID    uuid.UUID
	ReviewerID uuid.UUID
	Name       string
	Instrument string
	Status     string
	// Consensus marks a checklist merged from a reviewer pair.
	Consensus bool

	Preliminary map[string]FieldValue
	// Answers holds reviewer answers keyed by domain key, then question key.
	Answers map[string]map[string]Answer
	// Overrides holds manual judgements keyed by "overall" or a domain key.
	Overrides map[string]Judgement
	// Directions holds bias directions keyed by "overall" or a domain key.
	Directions map[string]Direction

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	FinalizedAt *time.Time
}

// DomainScore is one domain's resolved judgement inside an Aggregate.
type DomainScore struct {
	// Auto is the decision-table judgement, nil while required questions
	// remain unanswered.
	Auto *Judgement
	// Effective is Auto after any manual override.
	Effective  *Judgement
	Source     string // auto | manual
	Overridden bool
	Direction  *Direction
}

// Aggregate is the full scoring picture for one checklist: every active
// domain's score, the overall verdict, and completeness.
type Aggregate struct {
	Domains       map[string]DomainScore
	Overall       *Judgement
	OverallSource string // auto | manual
	Direction     *Direction
	Complete      bool
	// Gate is the early-stop outcome forced by the preliminary section:
	// "critical", "cannot-assess", or empty when no gate fired.
	Gate string
}

// QuestionDiff is one question's answers side by side. Agreement is
// exact stored-value equality.
type QuestionDiff struct {
	Question string
	Answer1  *Answer
	Answer2  *Answer
	Agreed   bool
}

// DomainDiff is one domain's comparison: the question diffs, the keys in
// and out of agreement, both effective judgements, and the direction
// slot for domains that carry one.
type DomainDiff struct {
	Domain    string
	Title     string
	Questions []QuestionDiff
	Agreed    []string
	Disagreed []string

	Judgement1      *Judgement
	Judgement2      *Judgement
	JudgementsMatch bool

	Direction1      *Direction
	Direction2      *Direction
	DirectionsMatch *bool
}

// FieldDiff is one preliminary field's values side by side, compared
// with the equality rule of the field's kind.
type FieldDiff struct {
	Field  string
	Value1 *FieldValue
	Value2 *FieldValue
	Agreed bool
}

// CompareStats aggregates agreement over every compared slot:
// preliminary fields, questions, and direction slots where supported.
type CompareStats struct {
	Total     int
	Agreed    int
	Disagreed int
	Rate      float64
}

// Comparison is the full structural diff of two checklists. Judgements
// are shown for context but never counted in the stats; the stats
// measure agreement on reviewer-entered data only.
type Comparison struct {
	Instrument string

	Preliminary []FieldDiff
	Domains     []DomainDiff

	Overall1     *Judgement
	Overall2     *Judgement
	OverallMatch bool

	OverallDirection1      *Direction
	OverallDirection2      *Direction
	OverallDirectionsMatch *bool

	Stats CompareStats
}

// StudyMetadata is bibliographic metadata returned by an Extractor.
// All fields beyond Title are optional.
type StudyMetadata struct {
	Title   string
	Authors *string
	Year    *int
	Journal *string
	DOI     *string
}
