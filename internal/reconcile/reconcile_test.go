package reconcile

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/schema"
	"github.com/ashita-ai/hyoka/internal/scoring"
)

var testNow = time.Date(2026, 6, 2, 9, 30, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func fill(c *model.Checklist, domain string, codes map[string]model.Code) {
	d := c.Domains[domain]
	for q, code := range codes {
		d.Answers[q] = model.Answer{Code: code}
	}
}

// completed builds reviewer 1's checklist: assignment mode, every active
// domain decided low, directions and preliminary values set.
func completed(t *testing.T) *model.Checklist {
	t.Helper()
	c, err := schema.NewChecklist(uuid.New(), uuid.New(), uuid.New(), "robins", "Reviewer 1", testNow)
	if err != nil {
		t.Fatalf("NewChecklist: %v", err)
	}

	proceed := schema.ScreenProceed
	c.Preliminary["screen"] = model.PrelimValue{Choice: &proceed}
	c.Preliminary["outcome"] = model.PrelimValue{Text: strPtr("30-day mortality")}
	c.Preliminary["confounders"] = model.PrelimValue{List: []string{"age", "disease severity"}}

	fill(c, "confounding", map[string]model.Code{
		"q1": model.CodeYes, "q2": model.CodeNo, "q3": model.CodeYes,
		"q4": model.CodeProbablyNo, "q5": model.CodeStrongYes,
	})
	fill(c, "selection", map[string]model.Code{"q1": model.CodeNo})
	fill(c, "classification", map[string]model.Code{"q1": model.CodeYes, "q2": model.CodeYes, "q3": model.CodeNo})
	fill(c, "deviations-assignment", map[string]model.Code{"q1": model.CodeNo, "q2": model.CodeNo})
	fill(c, "missing", map[string]model.Code{"q1": model.CodeYes})
	fill(c, "measurement", map[string]model.Code{"q1": model.CodeNo, "q2": model.CodeNo, "q3": model.CodeNo})
	fill(c, "reporting", map[string]model.Code{"q1": model.CodeNo, "q2": model.CodeNo, "q3": model.CodeNo})

	up := model.DirectionUpward
	for _, key := range []string{"confounding", "selection", "classification", "deviations-assignment", "missing", "measurement", "reporting"} {
		dir := up
		c.Domains[key].Direction = &dir
	}
	towards := model.DirectionTowardsNull
	c.Overall.Direction = &towards
	return c
}

// rival derives reviewer 2's checklist: same study, one domain pushed to
// critical, a different direction and a different outcome description.
func rival(t *testing.T, a *model.Checklist) *model.Checklist {
	t.Helper()
	b := a.Clone()
	b.ID = uuid.New()
	b.ReviewerID = uuid.New()
	b.Name = "Reviewer 2"
	fill(b, "confounding", map[string]model.Code{"q4": model.CodeYes, "q5": model.CodeStrongNo})
	down := model.DirectionDownward
	b.Domains["confounding"].Direction = &down
	b.Preliminary["outcome"] = model.PrelimValue{Text: strPtr("90-day mortality")}
	return b
}

func meta() Meta {
	return Meta{ID: uuid.New(), ReviewerID: uuid.New(), Name: "Consensus", Now: testNow}
}

func TestBuildDefaultsToReviewer1(t *testing.T) {
	a := completed(t)
	b := rival(t, a)

	got, agg := Build(a, b, nil, meta())
	if got == nil {
		t.Fatal("Build returned nil")
	}
	if !reflect.DeepEqual(got.Preliminary, a.Preliminary) {
		t.Error("preliminary should come from reviewer 1 by default")
	}
	if !reflect.DeepEqual(got.Domains, a.Domains) {
		t.Error("domains should come from reviewer 1 by default")
	}
	if !reflect.DeepEqual(got.Overall, a.Overall) {
		t.Error("overall record should come from reviewer 1 by default")
	}
	if agg.Overall == nil || *agg.Overall != model.JudgementLow || !agg.Complete {
		t.Errorf("aggregate = %+v, want complete low", agg)
	}
}

func TestBuildMeta(t *testing.T) {
	a := completed(t)
	b := rival(t, a)
	m := meta()

	got, _ := Build(a, b, nil, m)
	if got.ID != m.ID || got.ReviewerID != m.ReviewerID || got.Name != m.Name {
		t.Errorf("meta not carried: %+v", got)
	}
	if got.StudyID != a.StudyID || got.Instrument != "robins" {
		t.Errorf("study binding wrong: %+v", got)
	}
	if got.Status != model.StatusInProgress {
		t.Errorf("status = %s, want %s", got.Status, model.StatusInProgress)
	}
	if got.Source1ID == nil || *got.Source1ID != a.ID {
		t.Error("source1 id not recorded")
	}
	if got.Source2ID == nil || *got.Source2ID != b.ID {
		t.Error("source2 id not recorded")
	}
	if !got.CreatedAt.Equal(m.Now) || !got.UpdatedAt.Equal(m.Now) {
		t.Errorf("timestamps = %v / %v, want %v", got.CreatedAt, got.UpdatedAt, m.Now)
	}
	if got.CompletedAt != nil || got.FinalizedAt != nil {
		t.Error("consensus checklist must start unfinished")
	}
}

func TestBuildDomainSelection(t *testing.T) {
	a := completed(t)
	b := rival(t, a)

	got, agg := Build(a, b, map[string]model.Side{"confounding": model.SideReviewer2}, meta())
	if !reflect.DeepEqual(got.Domains["confounding"], b.Domains["confounding"]) {
		t.Error("selected domain should deep-equal reviewer 2's block")
	}
	if !reflect.DeepEqual(got.Domains["selection"], a.Domains["selection"]) {
		t.Error("unselected domain should deep-equal reviewer 1's block")
	}

	ds := agg.Domains["confounding"]
	if ds.Effective == nil || *ds.Effective != model.JudgementCritical {
		t.Errorf("confounding effective = %v, want critical", ds.Effective)
	}
	if agg.Overall == nil || *agg.Overall != model.JudgementCritical {
		t.Errorf("overall = %v, want critical (worst domain wins)", agg.Overall)
	}
}

func TestBuildQuestionOverridesDomain(t *testing.T) {
	a := completed(t)
	b := rival(t, a)

	sel := map[string]model.Side{
		"confounding":    model.SideReviewer2,
		"confounding.q5": model.SideReviewer1,
	}
	got, _ := Build(a, b, sel, meta())
	ans := got.Domains["confounding"].Answers
	if ans["q4"].Code != model.CodeYes {
		t.Errorf("q4 = %s, want reviewer 2's answer", ans["q4"].Code)
	}
	if ans["q5"].Code != model.CodeStrongYes {
		t.Errorf("q5 = %s, want reviewer 1's answer", ans["q5"].Code)
	}
	if got.Domains["confounding"].Direction == nil || *got.Domains["confounding"].Direction != model.DirectionDownward {
		t.Error("domain record should follow the domain-level selection")
	}
}

func TestBuildSingleQuestionSwitch(t *testing.T) {
	a := completed(t)
	b := rival(t, a)

	// One answer from reviewer 2 flips the merged decision path: the
	// judgement is recomputed, never copied from either source.
	got, agg := Build(a, b, map[string]model.Side{"confounding.q4": model.SideReviewer2}, meta())
	ans := got.Domains["confounding"].Answers
	if ans["q4"].Code != model.CodeYes || ans["q5"].Code != model.CodeStrongYes {
		t.Errorf("merged answers wrong: %+v", ans)
	}
	ds := agg.Domains["confounding"]
	if ds.Auto.Judgement == nil || *ds.Auto.Judgement != model.JudgementCritical {
		t.Errorf("auto = %+v, want critical via the merged path", ds.Auto)
	}
}

func TestBuildPreliminaryAndOverallSelection(t *testing.T) {
	a := completed(t)
	mod := model.JudgementModerate
	a.Overall.Source = model.SourceManual
	a.Overall.Override = &mod
	b := rival(t, a)
	b.Overall = model.OverallRecord{Source: model.SourceAuto}

	sel := map[string]model.Side{
		"preliminary.outcome": model.SideReviewer2,
		"overall":             model.SideReviewer2,
	}
	got, agg := Build(a, b, sel, meta())
	if v := got.Preliminary["outcome"]; v.Text == nil || *v.Text != "90-day mortality" {
		t.Errorf("outcome = %+v, want reviewer 2's text", v)
	}
	if got.Overall.Source != model.SourceAuto || got.Overall.Override != nil {
		t.Errorf("overall record = %+v, want reviewer 2's auto record", got.Overall)
	}
	if agg.OverallSource != model.SourceAuto || agg.Overall == nil || *agg.Overall != model.JudgementLow {
		t.Errorf("aggregate = %+v, want auto low", agg)
	}

	// Defaulting keeps reviewer 1's manual override.
	_, agg = Build(a, b, nil, meta())
	if agg.OverallSource != model.SourceManual || agg.Overall == nil || *agg.Overall != model.JudgementModerate {
		t.Errorf("aggregate = %+v, want manual moderate", agg)
	}
}

func TestBuildUnknownSideDefaultsToReviewer1(t *testing.T) {
	a := completed(t)
	b := rival(t, a)

	got, _ := Build(a, b, map[string]model.Side{"confounding": "both"}, meta())
	if !reflect.DeepEqual(got.Domains["confounding"], a.Domains["confounding"]) {
		t.Error("unrecognized side should fall back to reviewer 1")
	}
}

func TestBuildModeSelection(t *testing.T) {
	a := completed(t)
	b := rival(t, a)
	adh := schema.ModeAdherence
	b.Preliminary["effect_of_interest"] = model.PrelimValue{Choice: &adh}
	fill(b, "deviations-adherence", map[string]model.Code{
		"a1": model.CodeYes, "a2": model.CodeNo,
		"b1": model.CodeYes,
		"c1": model.CodeNo, "c2": model.CodeNo, "c3": model.CodeNo,
	})
	up := model.DirectionUpward
	b.Domains["deviations-adherence"].Direction = &up

	sel := map[string]model.Side{
		"preliminary.effect_of_interest": model.SideReviewer2,
		"deviations-adherence":           model.SideReviewer2,
	}
	got, agg := Build(a, b, sel, meta())

	in, _ := schema.Get("robins")
	if in.Mode(got) != schema.ModeAdherence {
		t.Fatalf("merged mode = %s, want adherence", in.Mode(got))
	}
	if _, ok := agg.Domains["deviations-adherence"]; !ok {
		t.Error("adherence domain missing from aggregate")
	}
	if _, ok := agg.Domains["deviations-assignment"]; ok {
		t.Error("assignment domain should be inactive in the merged mode")
	}
	// The inactive domain's data is still merged and stored.
	if !reflect.DeepEqual(got.Domains["deviations-assignment"], a.Domains["deviations-assignment"]) {
		t.Error("inactive domain should still carry reviewer 1's block")
	}
	if !agg.Complete || agg.Overall == nil || *agg.Overall != model.JudgementLow {
		t.Errorf("aggregate = %+v, want complete low", agg)
	}
}

func TestBuildAggregateMatchesScoreAll(t *testing.T) {
	a := completed(t)
	b := rival(t, a)

	sel := map[string]model.Side{
		"confounding":         model.SideReviewer2,
		"preliminary.outcome": model.SideReviewer2,
	}
	got, agg := Build(a, b, sel, meta())
	if !reflect.DeepEqual(agg, scoring.ScoreAll(got)) {
		t.Error("returned aggregate must match scoring the merged checklist")
	}
}

func TestBuildDoesNotMutateSources(t *testing.T) {
	a := completed(t)
	b := rival(t, a)
	snapA, snapB := a.Clone(), b.Clone()

	got, _ := Build(a, b, map[string]model.Side{"confounding": model.SideReviewer2}, meta())

	got.Preliminary["outcome"] = model.PrelimValue{Text: strPtr("rewritten")}
	got.Domains["confounding"].Answers["q1"] = model.Answer{Code: model.CodeNo}
	if got.Domains["confounding"].Direction != nil {
		*got.Domains["confounding"].Direction = model.DirectionUnpredictable
	}
	ser := model.JudgementSerious
	got.Overall.Override = &ser

	if !reflect.DeepEqual(a, snapA) {
		t.Error("reviewer 1's checklist was mutated")
	}
	if !reflect.DeepEqual(b, snapB) {
		t.Error("reviewer 2's checklist was mutated")
	}
}

func TestBuildDegrades(t *testing.T) {
	a := completed(t)
	b := rival(t, a)
	other, err := schema.NewChecklist(uuid.New(), uuid.New(), uuid.New(), "amstar2", "Reviewer 2", testNow)
	if err != nil {
		t.Fatalf("NewChecklist: %v", err)
	}

	tests := []struct {
		name string
		a, b *model.Checklist
		meta Meta
	}{
		{"nil first", nil, b, meta()},
		{"nil second", a, nil, meta()},
		{"instrument mismatch", a, other, meta()},
		{"nil id", a, b, Meta{ReviewerID: uuid.New(), Name: "Consensus", Now: testNow}},
		{"empty name", a, b, Meta{ID: uuid.New(), ReviewerID: uuid.New(), Now: testNow}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, agg := Build(tt.a, tt.b, nil, tt.meta)
			if got != nil {
				t.Errorf("Build = %+v, want nil", got)
			}
			if agg.Overall != nil || agg.Complete || len(agg.Domains) != 0 {
				t.Errorf("aggregate = %+v, want zero", agg)
			}
		})
	}
}
