package model

// Judgement is an ordinal risk-of-bias severity verdict. The set is shared
// by every instrument; severity comparison is a strict total order so that
// overall aggregation can take a maximum.
type Judgement string

const (
	JudgementLow                  Judgement = "low"
	JudgementLowExceptConfounding Judgement = "low-except-confounding"
	JudgementModerate             Judgement = "moderate"
	JudgementSerious              Judgement = "serious"
	JudgementCritical             Judgement = "critical"
)

// JudgementRank returns the numeric severity rank of a judgement
// (higher = more severe). Unknown values rank below Low so they can
// never win a worst-case aggregation.
func JudgementRank(j Judgement) int {
	switch j {
	case JudgementLow:
		return 1
	case JudgementLowExceptConfounding:
		return 2
	case JudgementModerate:
		return 3
	case JudgementSerious:
		return 4
	case JudgementCritical:
		return 5
	default:
		return 0
	}
}

// WorstJudgement returns the more severe of two judgements. Ties return a.
func WorstJudgement(a, b Judgement) Judgement {
	if JudgementRank(b) > JudgementRank(a) {
		return b
	}
	return a
}

// Valid reports whether j is one of the five known judgements.
func (j Judgement) Valid() bool {
	return JudgementRank(j) > 0
}

// JudgementSource indicates whether a judgement was computed by the
// decision tables or supplied by a reviewer.
type JudgementSource string

const (
	SourceAuto   JudgementSource = "auto"
	SourceManual JudgementSource = "manual"
)

// Direction is a reviewer-supplied classification of the predicted
// direction of bias. Never derived by the decision tables.
type Direction string

const (
	DirectionUpward        Direction = "upward"
	DirectionDownward      Direction = "downward"
	DirectionTowardsNull   Direction = "towards-null"
	DirectionAwayFromNull  Direction = "away-from-null"
	DirectionUnpredictable Direction = "unpredictable"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	switch d {
	case DirectionUpward, DirectionDownward, DirectionTowardsNull,
		DirectionAwayFromNull, DirectionUnpredictable:
		return true
	}
	return false
}
