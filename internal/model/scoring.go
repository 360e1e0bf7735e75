package model

// ScoringResult is the outcome of evaluating one domain's decision table.
// Judgement is nil while the live decision path has unanswered questions;
// RuleID names the table row that fired, for audit only; callers must
// never branch on it.
type ScoringResult struct {
	Judgement *Judgement `json:"judgement,omitempty"`
	Complete  bool       `json:"complete"`
	RuleID    *string    `json:"rule_id,omitempty"`
}

// DomainScore is one domain's resolved judgement inside an aggregate:
// the automatic result, the effective judgement after any manual
// override, and whether the override actually changed the verdict.
type DomainScore struct {
	Auto       ScoringResult   `json:"auto"`
	Effective  *Judgement      `json:"effective,omitempty"`
	Source     JudgementSource `json:"source"`
	Overridden bool            `json:"overridden"`
	Direction  *Direction      `json:"direction,omitempty"`
}

// GateOutcome is the result of the instrument's early-stop gate over the
// preliminary section.
type GateOutcome string

const (
	GateNone         GateOutcome = ""
	GateCritical     GateOutcome = "critical"
	GateCannotAssess GateOutcome = "cannot-assess"
)

// Aggregate is the full scoring picture for one checklist: every active
// domain's score, the overall verdict, and completeness. When the gate
// fired, Overall reflects the forced outcome (critical, or absent for
// cannot-assess) regardless of domain completeness.
type Aggregate struct {
	Domains       map[string]DomainScore `json:"domains"`
	Overall       *Judgement             `json:"overall,omitempty"`
	OverallSource JudgementSource        `json:"overall_source"`
	Direction     *Direction             `json:"direction,omitempty"`
	Complete      bool                   `json:"complete"`
	Gate          GateOutcome            `json:"gate,omitempty"`
}

// CanComplete reports whether a checklist with this aggregate may enter
// the completed status: every active domain resolved, or the early-stop
// gate fired.
func (a Aggregate) CanComplete() bool {
	return a.Complete || a.Gate != GateNone
}
