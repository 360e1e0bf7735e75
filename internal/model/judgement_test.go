package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/hyoka/internal/model"
)

func TestJudgementRank(t *testing.T) {
	// Verify strict ordering: critical > serious > moderate >
	// low-except-confounding > low. Unknown judgements must rank below low.
	tests := []struct {
		judgement model.Judgement
		rank      int
	}{
		{model.JudgementCritical, 5},
		{model.JudgementSerious, 4},
		{model.JudgementModerate, 3},
		{model.JudgementLowExceptConfounding, 2},
		{model.JudgementLow, 1},
		{model.Judgement("unknown"), 0},
		{model.Judgement(""), 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.judgement), func(t *testing.T) {
			got := model.JudgementRank(tt.judgement)
			assert.Equal(t, tt.rank, got, "JudgementRank(%q)", tt.judgement)
		})
	}

	// Verify strict ordering between adjacent severities.
	ordered := []model.Judgement{
		model.JudgementLow,
		model.JudgementLowExceptConfounding,
		model.JudgementModerate,
		model.JudgementSerious,
		model.JudgementCritical,
	}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, model.JudgementRank(ordered[i]), model.JudgementRank(ordered[i-1]),
			"%q should rank higher than %q", ordered[i], ordered[i-1])
	}
}

func TestWorstJudgement(t *testing.T) {
	tests := []struct {
		name string
		a, b model.Judgement
		want model.Judgement
	}{
		{"critical beats low", model.JudgementLow, model.JudgementCritical, model.JudgementCritical},
		{"critical beats serious", model.JudgementCritical, model.JudgementSerious, model.JudgementCritical},
		{"serious beats moderate", model.JudgementModerate, model.JudgementSerious, model.JudgementSerious},
		{"moderate beats low-except", model.JudgementLowExceptConfounding, model.JudgementModerate, model.JudgementModerate},
		{"tie returns left", model.JudgementSerious, model.JudgementSerious, model.JudgementSerious},
		{"known beats unknown", model.Judgement("bogus"), model.JudgementLow, model.JudgementLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, model.WorstJudgement(tt.a, tt.b))
		})
	}

	// Symmetry: argument order never changes the winner for distinct severities.
	assert.Equal(t,
		model.WorstJudgement(model.JudgementLow, model.JudgementCritical),
		model.WorstJudgement(model.JudgementCritical, model.JudgementLow))
}

func TestJudgementValid(t *testing.T) {
	assert.True(t, model.JudgementLow.Valid())
	assert.True(t, model.JudgementLowExceptConfounding.Valid())
	assert.True(t, model.JudgementCritical.Valid())
	assert.False(t, model.Judgement("").Valid())
	assert.False(t, model.Judgement("high").Valid())
}

func TestDirectionValid(t *testing.T) {
	valid := []model.Direction{
		model.DirectionUpward,
		model.DirectionDownward,
		model.DirectionTowardsNull,
		model.DirectionAwayFromNull,
		model.DirectionUnpredictable,
	}
	for _, d := range valid {
		assert.True(t, d.Valid(), "expected valid direction: %q", d)
	}
	assert.False(t, model.Direction("sideways").Valid())
	assert.False(t, model.Direction("").Valid())
}
