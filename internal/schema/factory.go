package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/model"
)

// NewChecklist seeds an empty checklist for the named instrument: every
// domain present with an empty answer map, the mode flag preset to the
// instrument default, status draft. Creation is the one fail-fast
// boundary in the core: a checklist must be validly identified before
// scoring can be attributed to it.
func NewChecklist(id, studyID, reviewerID uuid.UUID, instrument, name string, now time.Time) (*model.Checklist, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("schema: new checklist: empty id")
	}
	if name == "" {
		return nil, fmt.Errorf("schema: new checklist: empty name")
	}
	in, ok := Get(instrument)
	if !ok {
		return nil, fmt.Errorf("schema: new checklist: unknown instrument %q", instrument)
	}

	c := &model.Checklist{
		ID:          id,
		StudyID:     studyID,
		Instrument:  in.Key,
		ReviewerID:  reviewerID,
		Name:        name,
		Status:      model.StatusDraft,
		Preliminary: make(model.Preliminary),
		Domains:     make(map[string]*model.DomainState, len(in.Domains)),
		Overall:     model.OverallRecord{Source: model.SourceAuto},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.ModeField != "" {
		mode := in.DefaultMode
		c.Preliminary[in.ModeField] = model.PrelimValue{Choice: &mode}
	}
	for _, d := range in.Domains {
		c.Domains[d.Key] = &model.DomainState{
			Answers: make(map[string]model.Answer, len(d.Questions)),
			Source:  model.SourceAuto,
		}
	}
	return c, nil
}
