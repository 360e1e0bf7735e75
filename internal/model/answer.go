package model

// Code is a categorical answer code from a question-specific alphabet.
// Which codes are legal for a given question is defined by the instrument
// schema; the scorer treats any code outside the expected sets as
// unanswerable rather than guessing.
type Code string

const (
	CodeYes           Code = "Y"
	CodeProbablyYes   Code = "PY"
	CodeProbablyNo    Code = "PN"
	CodeNo            Code = "N"
	CodeNoInformation Code = "NI"
	CodeNotApplicable Code = "NA"

	// Strength-coded variants used by questions that grade the signal
	// rather than answering yes/no. Matched by exact set membership,
	// never folded into the plain codes.
	CodeStrongYes Code = "SY"
	CodeWeakYes   Code = "WY"
	CodeWeakNo    Code = "WN"
	CodeStrongNo  Code = "SN"

	// Analysis-approach codes for the missing-data gate question.
	CodeCompleteCase Code = "CC"
	CodeImputation   Code = "MI"

	// CodeNoMeta marks items that only apply when a meta-analysis was
	// conducted. Distinct from Not-Applicable: it scores as "no
	// weakness" rather than "no information".
	CodeNoMeta Code = "NMA"
)

// Answer is one reviewer's answer to one question: a categorical code,
// optional free-text commentary, and an optional per-question critical
// flag for instruments that grade items as critical. Scoring never
// mutates an Answer it is given.
type Answer struct {
	Code     Code    `json:"code"`
	Comment  *string `json:"comment,omitempty"`
	Critical *bool   `json:"critical,omitempty"`
}

// Clone returns a deep copy sharing no pointers with the receiver.
func (a Answer) Clone() Answer {
	out := Answer{Code: a.Code}
	if a.Comment != nil {
		c := *a.Comment
		out.Comment = &c
	}
	if a.Critical != nil {
		b := *a.Critical
		out.Critical = &b
	}
	return out
}

