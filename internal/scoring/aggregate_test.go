package scoring

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/schema"
)

func newChecklist(t *testing.T, instrument string) *model.Checklist {
	t.Helper()
	c, err := schema.NewChecklist(uuid.New(), uuid.New(), uuid.New(), instrument, "Reviewer 1", time.Date(2026, 5, 20, 8, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewChecklist: %v", err)
	}
	return c
}

func fill(c *model.Checklist, domain string, codes map[string]model.Code) {
	d := c.Domains[domain]
	for q, code := range codes {
		d.Answers[q] = model.Answer{Code: code}
	}
}

// fillAllLow answers every assignment-mode domain along a low-risk path.
func fillAllLow(c *model.Checklist) {
	fill(c, "confounding", map[string]model.Code{"q1": model.CodeNo})
	fill(c, "selection", map[string]model.Code{"q1": model.CodeNo})
	fill(c, "classification", map[string]model.Code{"q1": model.CodeYes, "q2": model.CodeYes, "q3": model.CodeNo})
	fill(c, "deviations-assignment", map[string]model.Code{"q1": model.CodeNo, "q2": model.CodeNo})
	fill(c, "missing", map[string]model.Code{"q1": model.CodeYes})
	fill(c, "measurement", map[string]model.Code{"q1": model.CodeNo, "q2": model.CodeNo, "q3": model.CodeNo})
	fill(c, "reporting", map[string]model.Code{"q1": model.CodeNo, "q2": model.CodeNo, "q3": model.CodeNo})
}

func TestScoreAllWorstWins(t *testing.T) {
	c := newChecklist(t, "robins")
	fillAllLow(c)
	fill(c, "reporting", map[string]model.Code{"q1": model.CodeYes})

	agg := ScoreAll(c)
	if len(agg.Domains) != 7 {
		t.Fatalf("scored %d domains, want 7 active", len(agg.Domains))
	}
	if !agg.Complete || !agg.CanComplete() {
		t.Error("aggregate should be complete")
	}
	if agg.Overall == nil || *agg.Overall != model.JudgementSerious {
		t.Fatalf("overall = %v, want serious", agg.Overall)
	}
	if agg.OverallSource != model.SourceAuto {
		t.Errorf("overall source = %s, want auto", agg.OverallSource)
	}
	for key, ds := range agg.Domains {
		if key == "reporting" {
			continue
		}
		if ds.Effective == nil || *ds.Effective != model.JudgementLow {
			t.Errorf("domain %s: effective = %v, want low", key, ds.Effective)
		}
	}
}

func TestScoreAllAllLow(t *testing.T) {
	c := newChecklist(t, "robins")
	fillAllLow(c)
	agg := ScoreAll(c)
	if agg.Overall == nil || *agg.Overall != model.JudgementLow {
		t.Fatalf("overall = %v, want low", agg.Overall)
	}
}

func TestScoreAllIncompleteDomain(t *testing.T) {
	c := newChecklist(t, "robins")
	fillAllLow(c)
	c.Domains["reporting"].Answers = map[string]model.Answer{}

	agg := ScoreAll(c)
	if agg.Complete || agg.CanComplete() {
		t.Error("aggregate should be incomplete")
	}
	if agg.Overall != nil {
		t.Errorf("overall = %v, want absent", agg.Overall)
	}
	rep := agg.Domains["reporting"]
	if rep.Effective != nil || rep.Auto.Complete {
		t.Errorf("reporting should be unscored, got %+v", rep)
	}
}

func TestScoreAllGate(t *testing.T) {
	c := newChecklist(t, "robins")
	screen := schema.ScreenCritical
	c.Preliminary["screen"] = model.PrelimValue{Choice: &screen}

	agg := ScoreAll(c)
	if agg.Gate != model.GateCritical {
		t.Fatalf("gate = %q, want critical", agg.Gate)
	}
	if agg.Overall == nil || *agg.Overall != model.JudgementCritical {
		t.Fatalf("overall = %v, want forced critical", agg.Overall)
	}
	if agg.Complete {
		t.Error("domains are unanswered; aggregate cannot be complete")
	}
	if !agg.CanComplete() {
		t.Error("a fired gate must allow completion")
	}

	// The gate beats a manual overall override.
	low := model.JudgementLow
	c.Overall = model.OverallRecord{Source: model.SourceManual, Override: &low}
	agg = ScoreAll(c)
	if agg.Overall == nil || *agg.Overall != model.JudgementCritical {
		t.Errorf("overall = %v, want critical despite override", agg.Overall)
	}

	cannot := schema.ScreenCannotAssess
	c.Overall = model.OverallRecord{}
	c.Preliminary["screen"] = model.PrelimValue{Choice: &cannot}
	agg = ScoreAll(c)
	if agg.Gate != model.GateCannotAssess {
		t.Fatalf("gate = %q, want cannot-assess", agg.Gate)
	}
	if agg.Overall != nil {
		t.Errorf("overall = %v, want absent", agg.Overall)
	}
	if !agg.CanComplete() {
		t.Error("a fired gate must allow completion")
	}

	proceed := schema.ScreenProceed
	c.Preliminary["screen"] = model.PrelimValue{Choice: &proceed}
	agg = ScoreAll(c)
	if agg.Gate != model.GateNone {
		t.Errorf("gate = %q, want none", agg.Gate)
	}
	if agg.CanComplete() {
		t.Error("nothing answered and no gate: completion must be blocked")
	}
}

func TestScoreAllDomainOverride(t *testing.T) {
	c := newChecklist(t, "robins")
	fillAllLow(c)
	serious := model.JudgementSerious
	cf := c.Domains["confounding"]
	cf.Source = model.SourceManual
	cf.Override = &serious

	agg := ScoreAll(c)
	ds := agg.Domains["confounding"]
	if ds.Source != model.SourceManual || !ds.Overridden {
		t.Errorf("override not reflected: %+v", ds)
	}
	if ds.Auto.Judgement == nil || *ds.Auto.Judgement != model.JudgementLow {
		t.Errorf("auto judgement = %v, want low still reported", ds.Auto.Judgement)
	}
	if ds.Effective == nil || *ds.Effective != model.JudgementSerious {
		t.Errorf("effective = %v, want serious", ds.Effective)
	}
	if agg.Overall == nil || *agg.Overall != model.JudgementSerious {
		t.Errorf("overall = %v, want serious via override", agg.Overall)
	}
}

func TestScoreAllOverrideMatchingAuto(t *testing.T) {
	c := newChecklist(t, "robins")
	fillAllLow(c)
	low := model.JudgementLow
	cf := c.Domains["confounding"]
	cf.Source = model.SourceManual
	cf.Override = &low

	ds := ScoreAll(c).Domains["confounding"]
	if ds.Source != model.SourceManual {
		t.Errorf("source = %s, want manual", ds.Source)
	}
	if ds.Overridden {
		t.Error("override equals auto; overridden flag should stay false")
	}
}

func TestScoreAllOverrideFillsIncompleteDomain(t *testing.T) {
	c := newChecklist(t, "robins")
	fillAllLow(c)
	c.Domains["reporting"].Answers = map[string]model.Answer{}
	moderate := model.JudgementModerate
	rep := c.Domains["reporting"]
	rep.Source = model.SourceManual
	rep.Override = &moderate

	agg := ScoreAll(c)
	if !agg.Complete {
		t.Error("an overridden domain counts as resolved")
	}
	ds := agg.Domains["reporting"]
	if ds.Auto.Complete || ds.Auto.Judgement != nil {
		t.Errorf("auto should stay incomplete, got %+v", ds.Auto)
	}
	if !ds.Overridden {
		t.Error("override over an absent auto judgement is a change")
	}
	if agg.Overall == nil || *agg.Overall != model.JudgementModerate {
		t.Errorf("overall = %v, want moderate", agg.Overall)
	}
}

func TestScoreAllManualOverall(t *testing.T) {
	c := newChecklist(t, "robins")
	fillAllLow(c)
	moderate := model.JudgementModerate
	c.Overall = model.OverallRecord{Source: model.SourceManual, Override: &moderate}

	agg := ScoreAll(c)
	if agg.Overall == nil || *agg.Overall != model.JudgementModerate {
		t.Fatalf("overall = %v, want manual moderate", agg.Overall)
	}
	if agg.OverallSource != model.SourceManual {
		t.Errorf("overall source = %s, want manual", agg.OverallSource)
	}
}

func TestScoreAllAdherenceMode(t *testing.T) {
	c := newChecklist(t, "robins")
	adh := schema.ModeAdherence
	c.Preliminary["effect_of_interest"] = model.PrelimValue{Choice: &adh}

	agg := ScoreAll(c)
	if len(agg.Domains) != 7 {
		t.Fatalf("scored %d domains, want 7 active", len(agg.Domains))
	}
	if _, ok := agg.Domains["deviations-adherence"]; !ok {
		t.Error("adherence mode should activate deviations-adherence")
	}
	if _, ok := agg.Domains["deviations-assignment"]; ok {
		t.Error("adherence mode should deactivate deviations-assignment")
	}
}

func TestScoreAllIdempotent(t *testing.T) {
	c := newChecklist(t, "robins")
	fillAllLow(c)
	up := model.DirectionUpward
	c.Domains["confounding"].Direction = &up

	a, b := ScoreAll(c), ScoreAll(c)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("repeated aggregation differs:\n%+v\n%+v", a, b)
	}
}

func TestScoreAllDirections(t *testing.T) {
	c := newChecklist(t, "robins")
	fillAllLow(c)
	up := model.DirectionUpward
	c.Domains["confounding"].Direction = &up
	away := model.DirectionAwayFromNull
	c.Overall.Direction = &away

	agg := ScoreAll(c)
	cf := agg.Domains["confounding"]
	if cf.Direction == nil || *cf.Direction != model.DirectionUpward {
		t.Errorf("domain direction = %v, want upward", cf.Direction)
	}
	if cf.Direction == c.Domains["confounding"].Direction {
		t.Error("domain direction aliases the input")
	}
	if agg.Direction == nil || *agg.Direction != model.DirectionAwayFromNull {
		t.Errorf("overall direction = %v, want away-from-null", agg.Direction)
	}
	if agg.Direction == c.Overall.Direction {
		t.Error("overall direction aliases the input")
	}
}

func TestScoreAllDegrades(t *testing.T) {
	for name, c := range map[string]*model.Checklist{
		"nil checklist":      nil,
		"unknown instrument": {Instrument: "rob2"},
	} {
		agg := ScoreAll(c)
		if agg.Overall != nil || agg.Complete || agg.CanComplete() {
			t.Errorf("%s: expected an empty aggregate, got %+v", name, agg)
		}
		if agg.Domains == nil || len(agg.Domains) != 0 {
			t.Errorf("%s: expected an empty domain map", name)
		}
	}
}

func TestScoreAllAmstar2(t *testing.T) {
	c := newChecklist(t, "amstar2")
	for key := range c.Domains {
		c.Domains[key].Answers["q1"] = model.Answer{Code: model.CodeYes}
	}

	agg := ScoreAll(c)
	if len(agg.Domains) != 16 {
		t.Fatalf("scored %d domains, want 16", len(agg.Domains))
	}
	if !agg.Complete || agg.Overall == nil || *agg.Overall != model.JudgementLow {
		t.Fatalf("all-yes review should be low and complete, got %+v", agg)
	}

	// One negative critical item sinks the overall rating.
	c.Domains["item2"].Answers["q1"] = model.Answer{Code: model.CodeNo}
	agg = ScoreAll(c)
	if agg.Overall == nil || *agg.Overall != model.JudgementCritical {
		t.Fatalf("overall = %v, want critical", agg.Overall)
	}

	// A negative plain item only reaches serious.
	c.Domains["item2"].Answers["q1"] = model.Answer{Code: model.CodeYes}
	c.Domains["item5"].Answers["q1"] = model.Answer{Code: model.CodeNo}
	agg = ScoreAll(c)
	if agg.Overall == nil || *agg.Overall != model.JudgementSerious {
		t.Fatalf("overall = %v, want serious", agg.Overall)
	}
}
