// Package compare implements the structural diff between two reviewers'
// checklists: per-question, per-domain and preliminary-field agreement
// plus aggregate statistics. Comparison is pure and deterministic,
// symmetric in its counts, and order-sensitive only in which side is
// labeled reviewer 1.
package compare

import (
	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/schema"
	"github.com/ashita-ai/hyoka/internal/scoring"
)

// QuestionDiff is one question's answers side by side. Agreement is
// exact stored-value equality: Not-Applicable and No-Information
// disagree here even though they score identically.
type QuestionDiff struct {
	Question string        `json:"question"`
	Answer1  *model.Answer `json:"answer1,omitempty"`
	Answer2  *model.Answer `json:"answer2,omitempty"`
	Agreed   bool          `json:"agreed"`
}

// DomainDiff is one domain's comparison: the question diffs, the keys in
// and out of agreement, both effective judgements, and the direction
// slot for domains that carry one.
type DomainDiff struct {
	Domain    string         `json:"domain"`
	Title     string         `json:"title"`
	Questions []QuestionDiff `json:"questions"`
	Agreed    []string       `json:"agreed"`
	Disagreed []string       `json:"disagreed"`

	Judgement1      *model.Judgement `json:"judgement1,omitempty"`
	Judgement2      *model.Judgement `json:"judgement2,omitempty"`
	JudgementsMatch bool             `json:"judgements_match"`

	Direction1      *model.Direction `json:"direction1,omitempty"`
	Direction2      *model.Direction `json:"direction2,omitempty"`
	DirectionsMatch *bool            `json:"directions_match,omitempty"`
}

// FieldDiff is one preliminary field's values side by side, compared
// with the equality rule of the field's kind.
type FieldDiff struct {
	Field  string             `json:"field"`
	Value1 *model.PrelimValue `json:"value1,omitempty"`
	Value2 *model.PrelimValue `json:"value2,omitempty"`
	Agreed bool               `json:"agreed"`
}

// Stats aggregates agreement over every compared slot: preliminary
// fields, questions, and direction slots where supported.
type Stats struct {
	Total     int     `json:"total"`
	Agreed    int     `json:"agreed"`
	Disagreed int     `json:"disagreed"`
	Rate      float64 `json:"rate"`
}

// Result is the full structural diff of two checklists. Judgements are
// shown for context but never counted in the stats; the stats measure
// agreement on reviewer-entered data only.
type Result struct {
	Instrument   string    `json:"instrument"`
	Checklist1ID uuid.UUID `json:"checklist1_id"`
	Checklist2ID uuid.UUID `json:"checklist2_id"`

	Preliminary []FieldDiff  `json:"preliminary"`
	Domains     []DomainDiff `json:"domains"`

	Overall1     *model.Judgement `json:"overall1,omitempty"`
	Overall2     *model.Judgement `json:"overall2,omitempty"`
	OverallMatch bool             `json:"overall_match"`

	OverallDirection1      *model.Direction `json:"overall_direction1,omitempty"`
	OverallDirection2      *model.Direction `json:"overall_direction2,omitempty"`
	OverallDirectionsMatch *bool            `json:"overall_directions_match,omitempty"`

	Stats Stats `json:"stats"`
}

// Compare diffs two checklists of the same instrument. Nil inputs or an
// instrument mismatch return a zeroed result. When the two checklists
// disagree on the mode flag, the domain walk covers the union of both
// active sets so the disagreement is fully visible.
func Compare(a, b *model.Checklist) Result {
	var res Result
	if a == nil || b == nil {
		return res
	}
	in, ok := schema.Get(a.Instrument)
	if !ok || b.Instrument != a.Instrument {
		return res
	}
	res.Instrument = in.Key
	res.Checklist1ID = a.ID
	res.Checklist2ID = b.ID

	for _, f := range in.Preliminary {
		fd := FieldDiff{
			Field:  f.Key,
			Value1: clonePrelim(a, f.Key),
			Value2: clonePrelim(b, f.Key),
		}
		fd.Agreed = fieldEqual(f.Kind, a.Preliminary[f.Key], b.Preliminary[f.Key])
		res.Preliminary = append(res.Preliminary, fd)
		res.Stats.Total++
		if fd.Agreed {
			res.Stats.Agreed++
		}
	}

	modeA, modeB := in.Mode(a), in.Mode(b)
	for i := range in.Domains {
		d := &in.Domains[i]
		if !d.ActiveIn(modeA) && !d.ActiveIn(modeB) {
			continue
		}
		dd := compareDomain(d, a.Domain(d.Key), b.Domain(d.Key), in.CompareCritical)
		res.Domains = append(res.Domains, dd)
		res.Stats.Total += len(dd.Questions)
		res.Stats.Agreed += len(dd.Agreed)
		if dd.DirectionsMatch != nil {
			res.Stats.Total++
			if *dd.DirectionsMatch {
				res.Stats.Agreed++
			}
		}
	}

	aggA, aggB := scoring.ScoreAll(a), scoring.ScoreAll(b)
	res.Overall1, res.Overall2 = aggA.Overall, aggB.Overall
	res.OverallMatch = ptrEqual(res.Overall1, res.Overall2)

	if in.HasOverallDirection {
		res.OverallDirection1 = cloneDir(a.Overall.Direction)
		res.OverallDirection2 = cloneDir(b.Overall.Direction)
		match := ptrEqual(a.Overall.Direction, b.Overall.Direction)
		res.OverallDirectionsMatch = &match
		res.Stats.Total++
		if match {
			res.Stats.Agreed++
		}
	}

	res.Stats.Disagreed = res.Stats.Total - res.Stats.Agreed
	if res.Stats.Total > 0 {
		res.Stats.Rate = float64(res.Stats.Agreed) / float64(res.Stats.Total)
	}
	return res
}

func compareDomain(d *schema.DomainSpec, sa, sb *model.DomainState, compareCritical bool) DomainDiff {
	dd := DomainDiff{Domain: d.Key, Title: d.Title}

	for _, q := range d.Questions {
		qd := QuestionDiff{
			Question: q.Key,
			Answer1:  cloneAnswer(sa, q.Key),
			Answer2:  cloneAnswer(sb, q.Key),
		}
		qd.Agreed = answerEqual(qd.Answer1, qd.Answer2, compareCritical)
		dd.Questions = append(dd.Questions, qd)
		if qd.Agreed {
			dd.Agreed = append(dd.Agreed, q.Key)
		} else {
			dd.Disagreed = append(dd.Disagreed, q.Key)
		}
	}

	dd.Judgement1 = effective(d, sa)
	dd.Judgement2 = effective(d, sb)
	dd.JudgementsMatch = ptrEqual(dd.Judgement1, dd.Judgement2)

	if d.HasDirection {
		var da, db *model.Direction
		if sa != nil {
			da = sa.Direction
		}
		if sb != nil {
			db = sb.Direction
		}
		dd.Direction1 = cloneDir(da)
		dd.Direction2 = cloneDir(db)
		match := ptrEqual(da, db)
		dd.DirectionsMatch = &match
	}
	return dd
}

func effective(d *schema.DomainSpec, state *model.DomainState) *model.Judgement {
	var answers map[string]model.Answer
	if state != nil {
		answers = state.Answers
	}
	return scoring.Effective(scoring.Score(d, answers), state)
}

// answerEqual is exact stored-value equality on the code, plus the
// per-question critical flag for instruments that compare it. Comments
// are displayed, never compared.
func answerEqual(a, b *model.Answer, compareCritical bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Code != b.Code {
		return false
	}
	if compareCritical && !ptrEqual(a.Critical, b.Critical) {
		return false
	}
	return true
}

func fieldEqual(kind schema.FieldKind, a, b model.PrelimValue) bool {
	switch kind {
	case schema.FieldText:
		return ptrEqual(a.Text, b.Text)
	case schema.FieldChoice:
		return ptrEqual(a.Choice, b.Choice)
	case schema.FieldList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if a.List[i] != b.List[i] {
				return false
			}
		}
		return true
	case schema.FieldMulti:
		return multiEqual(a.Multi, b.Multi)
	}
	return false
}

// multiEqual is set equality over the keys marked true; unmentioned and
// explicitly-false options are the same thing.
func multiEqual(a, b map[string]bool) bool {
	for k, v := range a {
		if v && !b[k] {
			return false
		}
	}
	for k, v := range b {
		if v && !a[k] {
			return false
		}
	}
	return true
}

func cloneAnswer(state *model.DomainState, question string) *model.Answer {
	if state == nil {
		return nil
	}
	a, ok := state.Answers[question]
	if !ok {
		return nil
	}
	c := a.Clone()
	return &c
}

func clonePrelim(c *model.Checklist, field string) *model.PrelimValue {
	v, ok := c.Preliminary[field]
	if !ok {
		return nil
	}
	cl := v.Clone()
	return &cl
}

func cloneDir(d *model.Direction) *model.Direction {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
