// Package model defines the core domain types for Hyoka.
//
// All types correspond directly to database tables, API payloads or
// checklist document structure. Types use strong typing (UUIDs,
// time.Time, enums) and avoid interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Status is a checklist's position in its lifecycle.
type Status string

const (
	StatusDraft                  Status = "draft"
	StatusInProgress             Status = "in-progress"
	StatusCompleted              Status = "completed"
	StatusAwaitingReconciliation Status = "awaiting-reconciliation"
	StatusReconciling            Status = "reconciling"
	StatusFinalized              Status = "finalized"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusInProgress, StatusCompleted,
		StatusAwaitingReconciliation, StatusReconciling, StatusFinalized:
		return true
	}
	return false
}

// Terminal reports whether a checklist in status s accepts no further edits.
func (s Status) Terminal() bool {
	return s == StatusFinalized
}

// CanTransition reports whether the lifecycle permits moving from s to next.
// Draft → InProgress → Completed → {Finalized | AwaitingReconciliation →
// Reconciling → Finalized}. Guards beyond shape (completeness, peer status)
// are enforced by the service layer.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusDraft:
		return next == StatusInProgress
	case StatusInProgress:
		return next == StatusCompleted
	case StatusCompleted:
		return next == StatusFinalized || next == StatusAwaitingReconciliation
	case StatusAwaitingReconciliation:
		return next == StatusReconciling
	case StatusReconciling:
		return next == StatusFinalized
	}
	return false
}

// Editable reports whether answers may still change in status s.
// Completed and later stages are read-only for the owning reviewer;
// a reconciled checklist is created in-progress and edited there.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusInProgress
}

// PrelimValue is one preliminary-section field value. Exactly one of the
// members is set, matching the field's declared kind in the schema; the
// comparison engine picks its equality rule from the populated member.
type PrelimValue struct {
	Text   *string         `json:"text,omitempty"`
	Choice *Code           `json:"choice,omitempty"`
	List   []string        `json:"list,omitempty"`
	Multi  map[string]bool `json:"multi,omitempty"`
}

// Clone returns a deep copy sharing no memory with the receiver.
func (v PrelimValue) Clone() PrelimValue {
	out := PrelimValue{}
	if v.Text != nil {
		t := *v.Text
		out.Text = &t
	}
	if v.Choice != nil {
		c := *v.Choice
		out.Choice = &c
	}
	if v.List != nil {
		out.List = make([]string, len(v.List))
		copy(out.List, v.List)
	}
	if v.Multi != nil {
		out.Multi = make(map[string]bool, len(v.Multi))
		for k, b := range v.Multi {
			out.Multi[k] = b
		}
	}
	return out
}

// Preliminary holds the non-domain eligibility section, keyed by field key.
type Preliminary map[string]PrelimValue

// Clone returns a deep copy of the section.
func (p Preliminary) Clone() Preliminary {
	if p == nil {
		return nil
	}
	out := make(Preliminary, len(p))
	for k, v := range p {
		out[k] = v.Clone()
	}
	return out
}

// DomainState is one domain's portion of a checklist: the reviewer's
// answers plus the judgement-source record. The automatic judgement is
// derived on demand, never stored here.
type DomainState struct {
	Answers   map[string]Answer `json:"answers"`
	Source    JudgementSource   `json:"source"`
	Override  *Judgement        `json:"override,omitempty"`
	Direction *Direction        `json:"direction,omitempty"`
}

// Clone returns a deep copy of the domain state.
func (d *DomainState) Clone() *DomainState {
	if d == nil {
		return nil
	}
	out := &DomainState{Source: d.Source}
	if d.Answers != nil {
		out.Answers = make(map[string]Answer, len(d.Answers))
		for k, a := range d.Answers {
			out.Answers[k] = a.Clone()
		}
	}
	if d.Override != nil {
		j := *d.Override
		out.Override = &j
	}
	if d.Direction != nil {
		dir := *d.Direction
		out.Direction = &dir
	}
	return out
}

// OverallRecord is the checklist-level judgement record: whether the
// overall verdict is automatic or manually overridden, plus the optional
// overall bias direction.
type OverallRecord struct {
	Source    JudgementSource `json:"source"`
	Override  *Judgement      `json:"override,omitempty"`
	Direction *Direction      `json:"direction,omitempty"`
}

// Clone returns a deep copy of the record.
func (o OverallRecord) Clone() OverallRecord {
	out := OverallRecord{Source: o.Source}
	if o.Override != nil {
		j := *o.Override
		out.Override = &j
	}
	if o.Direction != nil {
		d := *o.Direction
		out.Direction = &d
	}
	return out
}

// Checklist is one reviewer's assessment of one study under one
// instrument. Scoring treats it as an immutable snapshot; the service
// layer owns mutation and persistence.
type Checklist struct {
	ID         uuid.UUID `json:"id"`
	StudyID    uuid.UUID `json:"study_id"`
	Instrument string    `json:"instrument"`
	ReviewerID uuid.UUID `json:"reviewer_id"`
	Name       string    `json:"name"`
	Status     Status    `json:"status"`

	Preliminary Preliminary             `json:"preliminary"`
	Domains     map[string]*DomainState `json:"domains"`
	Overall     OverallRecord           `json:"overall"`

	// Set on reconciled checklists only: the two source checklists
	// this consensus document was merged from.
	Source1ID *uuid.UUID `json:"source1_id,omitempty"`
	Source2ID *uuid.UUID `json:"source2_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// Clone returns a deep copy sharing no memory with the receiver.
func (c *Checklist) Clone() *Checklist {
	if c == nil {
		return nil
	}
	out := *c
	out.Preliminary = c.Preliminary.Clone()
	if c.Domains != nil {
		out.Domains = make(map[string]*DomainState, len(c.Domains))
		for k, d := range c.Domains {
			out.Domains[k] = d.Clone()
		}
	}
	out.Overall = c.Overall.Clone()
	if c.Source1ID != nil {
		id := *c.Source1ID
		out.Source1ID = &id
	}
	if c.Source2ID != nil {
		id := *c.Source2ID
		out.Source2ID = &id
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	if c.FinalizedAt != nil {
		t := *c.FinalizedAt
		out.FinalizedAt = &t
	}
	return out
}

// Domain returns the named domain state, or nil when absent.
func (c *Checklist) Domain(key string) *DomainState {
	if c == nil || c.Domains == nil {
		return nil
	}
	return c.Domains[key]
}
