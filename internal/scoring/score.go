// Package scoring implements the deterministic scoring core: answer
// normalization, the decision-table evaluators and the judgement
// aggregator. Every function is pure and total: inputs are treated as
// immutable snapshots, results share no memory with them, and malformed
// input degrades to an incomplete result instead of an error. The
// package is safe to call on every answer change.
package scoring

import (
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/schema"
)

// Score evaluates one domain's decision table over its answer map.
func Score(d *schema.DomainSpec, answers map[string]model.Answer) model.ScoringResult {
	if d == nil {
		return model.ScoringResult{}
	}
	switch {
	case len(d.Rules) > 0:
		return evalRules(d.Rules, answers)
	case d.Tally != nil:
		return evalTally(d.Tally, answers)
	case d.Parts != nil:
		return evalParts(d, answers)
	case d.Item != nil:
		return evalItem(d, answers)
	}
	return model.ScoringResult{}
}

// Effective projects the judgement used downstream from a domain's
// automatic result and its stored judgement record: the manual override
// when the record's source is manual and an override is present, the
// automatic judgement otherwise. The returned pointer never aliases the
// inputs.
func Effective(auto model.ScoringResult, state *model.DomainState) *model.Judgement {
	if state != nil && state.Source == model.SourceManual && state.Override != nil {
		j := *state.Override
		return &j
	}
	if auto.Judgement != nil {
		j := *auto.Judgement
		return &j
	}
	return nil
}
