// Package reconcile merges two reviewers' checklists into a consensus
// checklist. The merge copies stored reviewer input only: answers,
// preliminary values, directions and manual overrides move across by
// block selection, while every judgement is re-derived by scoring the
// merged result. Neither source checklist is mutated.
package reconcile

import (
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/schema"
	"github.com/ashita-ai/hyoka/internal/scoring"
)

// Meta carries the identity of the consensus checklist being built.
type Meta struct {
	ID         uuid.UUID
	ReviewerID uuid.UUID
	Name       string
	Now        time.Time
}

// Build merges checklists a and b into a consensus checklist according
// to the selection map and returns it with its freshly computed
// aggregate. Selection keys address blocks: "overall", a domain key, a
// "domain.question" key, or "preliminary.field"; a question key
// overrides its domain's choice. Any block without a selection, or with
// a side that is not reviewer 2, comes from reviewer 1.
//
// Build returns (nil, empty aggregate) on nil inputs, an instrument
// mismatch, or unusable meta. It never mutates a or b.
func Build(a, b *model.Checklist, selection map[string]model.Side, meta Meta) (*model.Checklist, model.Aggregate) {
	if a == nil || b == nil {
		return nil, model.Aggregate{}
	}
	in, ok := schema.Get(a.Instrument)
	if !ok || b.Instrument != a.Instrument {
		return nil, model.Aggregate{}
	}
	if meta.ID == uuid.Nil || meta.Name == "" {
		return nil, model.Aggregate{}
	}

	out := &model.Checklist{
		ID:         meta.ID,
		StudyID:    a.StudyID,
		Instrument: in.Key,
		ReviewerID: meta.ReviewerID,
		Name:       meta.Name,
		Status:     model.StatusInProgress,

		Preliminary: make(model.Preliminary, len(in.Preliminary)),
		Domains:     make(map[string]*model.DomainState, len(in.Domains)),

		CreatedAt: meta.Now,
		UpdatedAt: meta.Now,
	}
	src1, src2 := a.ID, b.ID
	out.Source1ID = &src1
	out.Source2ID = &src2

	for _, f := range in.Preliminary {
		from := source(a, b, selection["preliminary."+f.Key])
		if v, ok := from.Preliminary[f.Key]; ok {
			out.Preliminary[f.Key] = v.Clone()
		}
	}

	// Every schema domain is merged, not just the active set: the two
	// sources may disagree on the mode flag, and the consensus mode is
	// itself a preliminary selection.
	for i := range in.Domains {
		d := &in.Domains[i]
		domSide := selection[d.Key]
		st := &model.DomainState{
			Answers: make(map[string]model.Answer, len(d.Questions)),
			Source:  model.SourceAuto,
		}
		if from := source(a, b, domSide).Domain(d.Key); from != nil {
			st.Source = from.Source
			if from.Override != nil {
				j := *from.Override
				st.Override = &j
			}
			if from.Direction != nil {
				dir := *from.Direction
				st.Direction = &dir
			}
		}
		for _, q := range d.Questions {
			side := domSide
			if s, ok := selection[d.Key+"."+q.Key]; ok {
				side = s
			}
			from := source(a, b, side).Domain(d.Key)
			if from == nil {
				continue
			}
			if ans, ok := from.Answers[q.Key]; ok {
				st.Answers[q.Key] = ans.Clone()
			}
		}
		out.Domains[d.Key] = st
	}

	from := source(a, b, selection["overall"])
	out.Overall = model.OverallRecord{Source: from.Overall.Source}
	if from.Overall.Override != nil {
		j := *from.Overall.Override
		out.Overall.Override = &j
	}
	if from.Overall.Direction != nil {
		dir := *from.Overall.Direction
		out.Overall.Direction = &dir
	}

	return out, scoring.ScoreAll(out)
}

// source resolves a side to its checklist; reviewer 1 is the default
// for missing or unrecognized sides.
func source(a, b *model.Checklist, side model.Side) *model.Checklist {
	if side == model.SideReviewer2 {
		return b
	}
	return a
}
