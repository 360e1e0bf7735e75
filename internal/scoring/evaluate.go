package scoring

import (
	"strings"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/schema"
)

func decided(j model.Judgement, ruleID string) model.ScoringResult {
	return model.ScoringResult{Judgement: &j, Complete: true, RuleID: &ruleID}
}

// evalRules walks an ordered rule table, conditions left to right. Rows
// are a depth-first flattening of the domain's decision tree, so the
// first row whose conditions all hold is the tree's verdict. An absent
// answer on the live path stops evaluation immediately; an answer that
// matches no row (an unknown code) exhausts the table. Both leave the
// domain incomplete.
func evalRules(rules []schema.Rule, answers map[string]model.Answer) model.ScoringResult {
	for _, r := range rules {
		matched := true
		for _, cond := range r.When {
			code, ok := lookup(answers, cond.Question)
			if !ok {
				return model.ScoringResult{}
			}
			if !member(cond.AnyOf, code) {
				matched = false
				break
			}
		}
		if matched {
			return decided(r.Judgement, r.ID)
		}
	}
	return model.ScoringResult{}
}

// evalTally counts affirmative answers over the tally's fixed question
// set. Any absent or unrecognized answer leaves the count undefined and
// the domain incomplete.
func evalTally(t *schema.TallySpec, answers map[string]model.Answer) model.ScoringResult {
	var affirmative, noInfo int
	for _, question := range t.Questions {
		code, ok := lookup(answers, question)
		if !ok {
			return model.ScoringResult{}
		}
		switch code {
		case model.CodeYes, model.CodeProbablyYes:
			affirmative++
		case model.CodeNo, model.CodeProbablyNo:
		case model.CodeNoInformation:
			noInfo++
		default:
			return model.ScoringResult{}
		}
	}
	switch {
	case affirmative >= 2:
		return decided(model.JudgementCritical, t.RuleCritical)
	case affirmative == 1:
		return decided(model.JudgementSerious, t.RuleSerious)
	case noInfo == len(t.Questions):
		return decided(model.JudgementSerious, t.RuleSerious)
	case noInfo > 0:
		return decided(model.JudgementModerate, t.RuleModerate)
	}
	return decided(model.JudgementLow, t.RuleLow)
}

// evalParts scores a split domain: parts A and B evaluate independently,
// combine by worst rank (a tie keeps part A's rule), then correction
// questions may raise the result to a floor. Corrections are on the live
// path once both parts resolve: an absent correction answer leaves the
// domain incomplete, and corrections never lower the result.
func evalParts(d *schema.DomainSpec, answers map[string]model.Answer) model.ScoringResult {
	a := evalRules(d.Parts.PartA, answers)
	if !a.Complete {
		return model.ScoringResult{}
	}
	b := evalRules(d.Parts.PartB, answers)
	if !b.Complete {
		return model.ScoringResult{}
	}

	judgement, ruleID := *a.Judgement, *a.RuleID
	if model.JudgementRank(*b.Judgement) > model.JudgementRank(judgement) {
		judgement, ruleID = *b.Judgement, *b.RuleID
	}

	for _, c := range d.Parts.Corrections {
		code, ok := lookup(answers, c.Question)
		if !ok {
			return model.ScoringResult{}
		}
		if member(c.Trigger, code) {
			if model.JudgementRank(c.Floor) > model.JudgementRank(judgement) {
				judgement, ruleID = c.Floor, c.RuleID
			}
			continue
		}
		q := d.Question(c.Question)
		if q == nil || !q.Allows(code) {
			return model.ScoringResult{}
		}
	}
	return decided(judgement, ruleID)
}

// evalItem scores a single-question domain from its outcome map. The
// escalating code is raised when the item counts as critical: the
// answer-level flag when one was recorded, the domain default otherwise.
func evalItem(d *schema.DomainSpec, answers map[string]model.Answer) model.ScoringResult {
	a, ok := answers[d.Item.Question]
	if !ok {
		return model.ScoringResult{}
	}
	code := Normalize(a.Code)
	judgement, ok := d.Item.Outcomes[code]
	if !ok {
		return model.ScoringResult{}
	}

	ruleID := d.Key + "." + strings.ToLower(string(code))
	critical := d.Critical
	if a.Critical != nil {
		critical = *a.Critical
	}
	if code == d.Item.Escalate && critical {
		judgement = d.Item.EscalateTo
		ruleID += "-critical"
	}
	return decided(judgement, ruleID)
}
