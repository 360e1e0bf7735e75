package scoring

import (
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/schema"
)

// ScoreAll resolves the full scoring picture for a checklist: the
// early-stop gate, each active domain's automatic and effective
// judgement, and the worst-wins overall verdict. The gate takes
// precedence over everything, including a manual overall override. Nil
// or unrecognized input degrades to an empty, incomplete aggregate.
func ScoreAll(c *model.Checklist) model.Aggregate {
	agg := model.Aggregate{
		Domains:       make(map[string]model.DomainScore),
		OverallSource: model.SourceAuto,
	}
	if c == nil {
		return agg
	}
	in, ok := schema.Get(c.Instrument)
	if !ok {
		return agg
	}
	if in.Gate != nil {
		agg.Gate = gateOutcome(in.Gate, c)
	}

	complete := true
	var worst *model.Judgement
	active := in.ActiveDomains(in.Mode(c))
	for i := range active {
		d := &active[i]
		ds := scoreDomain(d, c.Domain(d.Key))
		agg.Domains[d.Key] = ds
		if ds.Effective == nil {
			complete = false
			continue
		}
		if worst == nil || model.JudgementRank(*ds.Effective) > model.JudgementRank(*worst) {
			j := *ds.Effective
			worst = &j
		}
	}
	agg.Complete = complete

	switch {
	case agg.Gate == model.GateCritical:
		j := model.JudgementCritical
		agg.Overall = &j
	case agg.Gate == model.GateCannotAssess:
		// Overall stays absent.
	case c.Overall.Source == model.SourceManual && c.Overall.Override != nil:
		j := *c.Overall.Override
		agg.Overall = &j
		agg.OverallSource = model.SourceManual
	case complete:
		agg.Overall = worst
	}

	if in.HasOverallDirection && c.Overall.Direction != nil {
		dir := *c.Overall.Direction
		agg.Direction = &dir
	}
	return agg
}

// scoreDomain runs one domain's table and projects the effective
// judgement from the stored override record.
func scoreDomain(d *schema.DomainSpec, state *model.DomainState) model.DomainScore {
	var answers map[string]model.Answer
	if state != nil {
		answers = state.Answers
	}
	ds := model.DomainScore{
		Auto:   Score(d, answers),
		Source: model.SourceAuto,
	}
	ds.Effective = Effective(ds.Auto, state)
	if state != nil && state.Source == model.SourceManual && state.Override != nil {
		ds.Source = model.SourceManual
		ds.Overridden = ds.Auto.Judgement == nil || *ds.Auto.Judgement != *state.Override
	}
	if d.HasDirection && state != nil && state.Direction != nil {
		dir := *state.Direction
		ds.Direction = &dir
	}
	return ds
}

func gateOutcome(g *schema.GateSpec, c *model.Checklist) model.GateOutcome {
	v, ok := c.Preliminary[g.Field]
	if !ok || v.Choice == nil {
		return model.GateNone
	}
	return g.Outcomes[*v.Choice]
}
