package schema

import "github.com/ashita-ai/hyoka/internal/model"

// Mode codes for the robins effect-of-interest flag.
const (
	ModeAssignment = model.Code("assignment")
	ModeAdherence  = model.Code("adherence")
)

// Preliminary screen codes driving the robins early-stop gate.
const (
	ScreenProceed      = model.Code("proceed")
	ScreenCritical     = model.Code("critical")
	ScreenCannotAssess = model.Code("cannot-assess")
)

// Answer alphabets.
var (
	stdCodes = []model.Code{
		model.CodeYes, model.CodeProbablyYes, model.CodeProbablyNo,
		model.CodeNo, model.CodeNoInformation, model.CodeNotApplicable,
	}
	strengthCodes = []model.Code{
		model.CodeStrongYes, model.CodeWeakYes, model.CodeWeakNo,
		model.CodeStrongNo, model.CodeNoInformation, model.CodeNotApplicable,
	}
	approachCodes = []model.Code{
		model.CodeCompleteCase, model.CodeImputation,
		model.CodeNoInformation, model.CodeNotApplicable,
	}
)

// Condition sets. Normalization runs before evaluation, so no set needs
// to mention Not-Applicable.
var (
	affirmative = []model.Code{model.CodeYes, model.CodeProbablyYes}
	negative    = []model.Code{model.CodeNo, model.CodeProbablyNo}
	noInfo      = []model.Code{model.CodeNoInformation}
	negOrNoInfo = []model.Code{model.CodeNo, model.CodeProbablyNo, model.CodeNoInformation}
	affOrNoInfo = []model.Code{model.CodeYes, model.CodeProbablyYes, model.CodeNoInformation}

	strongYes = []model.Code{model.CodeStrongYes}
	weakYes   = []model.Code{model.CodeWeakYes}
	weakNo    = []model.Code{model.CodeWeakNo}
	strongNo  = []model.Code{model.CodeStrongNo}

	completeCase = []model.Code{model.CodeCompleteCase}
	imputation   = []model.Code{model.CodeImputation}
)

func q(question string, anyOf []model.Code) Condition {
	return Condition{Question: question, AnyOf: anyOf}
}

// robins is a seven-domain risk-of-bias instrument for non-randomized
// studies of interventions. The effect of interest (assignment vs
// adherence) selects which deviations domain is active; the decision
// tables are depth-first flattenings of the published algorithms.
var robins = &Instrument{
	Key:   "robins",
	Title: "Risk of bias in non-randomized studies of interventions",

	ModeField:   "effect_of_interest",
	Modes:       []model.Code{ModeAssignment, ModeAdherence},
	DefaultMode: ModeAssignment,

	HasOverallDirection: true,

	Preliminary: []FieldSpec{
		{
			Key:     "effect_of_interest",
			Label:   "Which effect of the intervention is being assessed?",
			Kind:    FieldChoice,
			Choices: []model.Code{ModeAssignment, ModeAdherence},
		},
		{
			Key:     "screen",
			Label:   "Preliminary screen: can this study be meaningfully assessed?",
			Kind:    FieldChoice,
			Choices: []model.Code{ScreenProceed, ScreenCritical, ScreenCannotAssess},
		},
		{
			Key:   "outcome",
			Label: "Outcome being assessed",
			Kind:  FieldText,
		},
		{
			Key:   "confounders",
			Label: "Important confounding factors",
			Kind:  FieldList,
		},
		{
			Key:   "cointerventions",
			Label: "Important co-interventions",
			Kind:  FieldList,
		},
		{
			Key:     "info_sources",
			Label:   "Sources of information used for this assessment",
			Kind:    FieldMulti,
			Options: []string{"published-report", "registry-entry", "protocol", "correspondence"},
		},
	},

	Gate: &GateSpec{
		Field: "screen",
		Outcomes: map[model.Code]model.GateOutcome{
			ScreenCritical:     model.GateCritical,
			ScreenCannotAssess: model.GateCannotAssess,
		},
	},

	Domains: []DomainSpec{
		{
			Key:          "confounding",
			Title:        "Bias due to confounding",
			HasDirection: true,
			Questions: []QuestionSpec{
				{Key: "q1", Text: "Is there potential for confounding of the effect of intervention in this study?", Codes: stdCodes},
				{Key: "q2", Text: "Was the analysis based on splitting participants' follow-up time according to intervention received?", Codes: stdCodes},
				{Key: "q3", Text: "Did the authors use an appropriate analysis method that controlled for all the important confounding factors?", Codes: stdCodes},
				{Key: "q4", Text: "Did the authors control for any post-intervention variables that could have been affected by the intervention?", Codes: stdCodes},
				{Key: "q5", Text: "Were the confounding factors that were controlled for measured validly and reliably by the variables available?", Codes: strengthCodes},
			},
			Rules: []Rule{
				{ID: "cf1", When: []Condition{q("q1", negative)}, Judgement: model.JudgementLow},
				{ID: "cf2", When: []Condition{q("q1", noInfo)}, Judgement: model.JudgementModerate},
				{ID: "cf3", When: []Condition{q("q1", affirmative), q("q3", affirmative), q("q4", affirmative)}, Judgement: model.JudgementCritical},
				{ID: "cf4", When: []Condition{q("q1", affirmative), q("q3", affirmative), q("q4", noInfo)}, Judgement: model.JudgementSerious},
				{ID: "cf5", When: []Condition{q("q1", affirmative), q("q3", affirmative), q("q4", negative), q("q5", strongYes)}, Judgement: model.JudgementLow},
				{ID: "cf6", When: []Condition{q("q1", affirmative), q("q3", affirmative), q("q4", negative), q("q5", weakYes)}, Judgement: model.JudgementLowExceptConfounding},
				{ID: "cf7", When: []Condition{q("q1", affirmative), q("q3", affirmative), q("q4", negative), q("q5", weakNo)}, Judgement: model.JudgementModerate},
				{ID: "cf8", When: []Condition{q("q1", affirmative), q("q3", affirmative), q("q4", negative), q("q5", strongNo)}, Judgement: model.JudgementSerious},
				{ID: "cf9", When: []Condition{q("q1", affirmative), q("q3", affirmative), q("q4", negative), q("q5", noInfo)}, Judgement: model.JudgementModerate},
				{ID: "cf10", When: []Condition{q("q1", affirmative), q("q3", negative), q("q2", affirmative)}, Judgement: model.JudgementCritical},
				{ID: "cf11", When: []Condition{q("q1", affirmative), q("q3", negative), q("q2", negOrNoInfo)}, Judgement: model.JudgementSerious},
				{ID: "cf12", When: []Condition{q("q1", affirmative), q("q3", noInfo)}, Judgement: model.JudgementSerious},
			},
		},
		{
			Key:          "selection",
			Title:        "Bias in selection of participants into the study",
			HasDirection: true,
			Questions: []QuestionSpec{
				{Key: "q1", Text: "Was selection of participants into the study (or into the analysis) based on characteristics observed after the start of intervention?", Codes: stdCodes},
				{Key: "q2", Text: "Were the post-intervention variables that influenced selection likely to be associated with intervention?", Codes: stdCodes},
				{Key: "q3", Text: "Were the post-intervention variables that influenced selection likely to be influenced by the outcome or a cause of the outcome?", Codes: stdCodes},
				{Key: "q4", Text: "Were appropriate adjustment techniques used that were likely to correct for the presence of selection biases?", Codes: stdCodes},
				{Key: "q5", Text: "Is the magnitude of the uncorrected selection effect likely to be substantial?", Codes: stdCodes},
			},
			Rules: []Rule{
				{ID: "sp1", When: []Condition{q("q1", negative)}, Judgement: model.JudgementLow},
				{ID: "sp2", When: []Condition{q("q1", noInfo)}, Judgement: model.JudgementModerate},
				{ID: "sp3", When: []Condition{q("q1", affirmative), q("q2", negative)}, Judgement: model.JudgementModerate},
				{ID: "sp4", When: []Condition{q("q1", affirmative), q("q2", noInfo)}, Judgement: model.JudgementSerious},
				{ID: "sp5", When: []Condition{q("q1", affirmative), q("q2", affirmative), q("q3", negative)}, Judgement: model.JudgementModerate},
				{ID: "sp6", When: []Condition{q("q1", affirmative), q("q2", affirmative), q("q3", noInfo)}, Judgement: model.JudgementSerious},
				{ID: "sp7", When: []Condition{q("q1", affirmative), q("q2", affirmative), q("q3", affirmative), q("q4", affirmative)}, Judgement: model.JudgementModerate},
				{ID: "sp8", When: []Condition{q("q1", affirmative), q("q2", affirmative), q("q3", affirmative), q("q4", negative), q("q5", affirmative)}, Judgement: model.JudgementCritical},
				{ID: "sp9", When: []Condition{q("q1", affirmative), q("q2", affirmative), q("q3", affirmative), q("q4", negative), q("q5", negative)}, Judgement: model.JudgementSerious},
				{ID: "sp10", When: []Condition{q("q1", affirmative), q("q2", affirmative), q("q3", affirmative), q("q4", negative), q("q5", noInfo)}, Judgement: model.JudgementSerious},
				{ID: "sp11", When: []Condition{q("q1", affirmative), q("q2", affirmative), q("q3", affirmative), q("q4", noInfo)}, Judgement: model.JudgementSerious},
			},
		},
		{
			Key:          "classification",
			Title:        "Bias in classification of interventions",
			HasDirection: true,
			Questions: []QuestionSpec{
				{Key: "q1", Text: "Were intervention groups clearly defined?", Codes: stdCodes},
				{Key: "q2", Text: "Was the information used to define intervention groups recorded at the start of the intervention?", Codes: stdCodes},
				{Key: "q3", Text: "Could classification of intervention status have been affected by knowledge of the outcome or risk of the outcome?", Codes: stdCodes},
			},
			Rules: []Rule{
				{ID: "cl1", When: []Condition{q("q1", affirmative), q("q2", affirmative), q("q3", negative)}, Judgement: model.JudgementLow},
				{ID: "cl2", When: []Condition{q("q1", affirmative), q("q2", affirmative), q("q3", noInfo)}, Judgement: model.JudgementModerate},
				{ID: "cl3", When: []Condition{q("q1", affirmative), q("q2", affirmative), q("q3", affirmative)}, Judgement: model.JudgementSerious},
				{ID: "cl4", When: []Condition{q("q1", affirmative), q("q2", negative), q("q3", negative)}, Judgement: model.JudgementModerate},
				{ID: "cl5", When: []Condition{q("q1", affirmative), q("q2", negative), q("q3", noInfo)}, Judgement: model.JudgementSerious},
				{ID: "cl6", When: []Condition{q("q1", affirmative), q("q2", negative), q("q3", affirmative)}, Judgement: model.JudgementCritical},
				{ID: "cl7", When: []Condition{q("q1", affirmative), q("q2", noInfo)}, Judgement: model.JudgementModerate},
				{ID: "cl8", When: []Condition{q("q1", negative)}, Judgement: model.JudgementSerious},
				{ID: "cl9", When: []Condition{q("q1", noInfo)}, Judgement: model.JudgementModerate},
			},
		},
		{
			Key:          "deviations-assignment",
			Title:        "Bias due to deviations from intended interventions (effect of assignment)",
			Modes:        []model.Code{ModeAssignment},
			HasDirection: true,
			Questions: []QuestionSpec{
				{Key: "q1", Text: "Were participants aware of their assigned intervention during the study?", Codes: stdCodes},
				{Key: "q2", Text: "Were carers and people delivering the interventions aware of participants' assigned intervention?", Codes: stdCodes},
				{Key: "q3", Text: "Were there deviations from the intended intervention that arose because of the study context?", Codes: stdCodes},
				{Key: "q4", Text: "Were these deviations likely to have affected the outcome?", Codes: stdCodes},
				{Key: "q5", Text: "Were these deviations from intended intervention balanced between groups?", Codes: stdCodes},
			},
			Rules: []Rule{
				{ID: "da1", When: []Condition{q("q1", negative), q("q2", negative)}, Judgement: model.JudgementLow},
				{ID: "da2", When: []Condition{q("q1", negative), q("q2", affOrNoInfo), q("q3", negative)}, Judgement: model.JudgementModerate},
				{ID: "da3", When: []Condition{q("q1", negative), q("q2", affOrNoInfo), q("q3", noInfo)}, Judgement: model.JudgementModerate},
				{ID: "da4", When: []Condition{q("q1", negative), q("q2", affOrNoInfo), q("q3", affirmative), q("q4", negative)}, Judgement: model.JudgementModerate},
				{ID: "da5", When: []Condition{q("q1", negative), q("q2", affOrNoInfo), q("q3", affirmative), q("q4", noInfo)}, Judgement: model.JudgementSerious},
				{ID: "da6", When: []Condition{q("q1", negative), q("q2", affOrNoInfo), q("q3", affirmative), q("q4", affirmative), q("q5", affirmative)}, Judgement: model.JudgementSerious},
				{ID: "da7", When: []Condition{q("q1", negative), q("q2", affOrNoInfo), q("q3", affirmative), q("q4", affirmative), q("q5", negOrNoInfo)}, Judgement: model.JudgementCritical},
				{ID: "da8", When: []Condition{q("q1", affOrNoInfo), q("q3", negative)}, Judgement: model.JudgementModerate},
				{ID: "da9", When: []Condition{q("q1", affOrNoInfo), q("q3", noInfo)}, Judgement: model.JudgementModerate},
				{ID: "da10", When: []Condition{q("q1", affOrNoInfo), q("q3", affirmative), q("q4", negative)}, Judgement: model.JudgementModerate},
				{ID: "da11", When: []Condition{q("q1", affOrNoInfo), q("q3", affirmative), q("q4", noInfo)}, Judgement: model.JudgementSerious},
				{ID: "da12", When: []Condition{q("q1", affOrNoInfo), q("q3", affirmative), q("q4", affirmative), q("q5", affirmative)}, Judgement: model.JudgementSerious},
				{ID: "da13", When: []Condition{q("q1", affOrNoInfo), q("q3", affirmative), q("q4", affirmative), q("q5", negOrNoInfo)}, Judgement: model.JudgementCritical},
			},
		},
		{
			Key:          "deviations-adherence",
			Title:        "Bias due to deviations from intended interventions (effect of adhering)",
			Modes:        []model.Code{ModeAdherence},
			HasDirection: true,
			Questions: []QuestionSpec{
				{Key: "a1", Text: "Were important non-protocol interventions balanced across intervention groups?", Codes: stdCodes},
				{Key: "a2", Text: "Were there failures in implementing the intervention that could have affected the outcome?", Codes: stdCodes},
				{Key: "b1", Text: "Did study participants adhere to the assigned intervention regimen?", Codes: stdCodes},
				{Key: "b2", Text: "Was an appropriate analysis used to estimate the effect of adhering to the intervention?", Codes: stdCodes},
				{Key: "c1", Text: "Was adherence measured only by unverified self-report?", Codes: stdCodes},
				{Key: "c2", Text: "Did participants switch between interventions in relation to their prognosis?", Codes: stdCodes},
				{Key: "c3", Text: "Were participants excluded from the analysis because of post-randomisation events?", Codes: stdCodes},
			},
			Parts: &PartsSpec{
				PartA: []Rule{
					{ID: "pa1", When: []Condition{q("a1", affirmative), q("a2", negative)}, Judgement: model.JudgementLow},
					{ID: "pa2", When: []Condition{q("a1", affirmative), q("a2", noInfo)}, Judgement: model.JudgementModerate},
					{ID: "pa3", When: []Condition{q("a1", affirmative), q("a2", affirmative)}, Judgement: model.JudgementSerious},
					{ID: "pa4", When: []Condition{q("a1", negative), q("a2", negative)}, Judgement: model.JudgementModerate},
					{ID: "pa5", When: []Condition{q("a1", negative), q("a2", affirmative)}, Judgement: model.JudgementSerious},
					{ID: "pa6", When: []Condition{q("a1", negative), q("a2", noInfo)}, Judgement: model.JudgementSerious},
					{ID: "pa7", When: []Condition{q("a1", noInfo)}, Judgement: model.JudgementModerate},
				},
				PartB: []Rule{
					{ID: "pb1", When: []Condition{q("b1", affirmative)}, Judgement: model.JudgementLow},
					{ID: "pb2", When: []Condition{q("b1", negOrNoInfo), q("b2", affirmative)}, Judgement: model.JudgementModerate},
					{ID: "pb3", When: []Condition{q("b1", negOrNoInfo), q("b2", negative)}, Judgement: model.JudgementSerious},
					{ID: "pb4", When: []Condition{q("b1", negOrNoInfo), q("b2", noInfo)}, Judgement: model.JudgementSerious},
				},
				Corrections: []Correction{
					{Question: "c1", Trigger: affirmative, Floor: model.JudgementModerate, RuleID: "dc1"},
					{Question: "c2", Trigger: affirmative, Floor: model.JudgementSerious, RuleID: "dc2"},
					{Question: "c3", Trigger: affirmative, Floor: model.JudgementCritical, RuleID: "dc3"},
				},
			},
		},
		{
			Key:          "missing",
			Title:        "Bias due to missing data",
			HasDirection: true,
			Questions: []QuestionSpec{
				{Key: "q1", Text: "Were outcome data available for all, or nearly all, participants?", Codes: stdCodes},
				{Key: "q2", Text: "Which analysis approach was used to address the missing data?", Codes: approachCodes},
				{Key: "q3", Text: "Was missingness in the outcome likely to depend on its true value?", Codes: stdCodes},
				{Key: "q4", Text: "Is it likely that missingness depended on prognosis differentially across intervention groups?", Codes: stdCodes},
				{Key: "q5", Text: "Was the method used to impute or model the missing data appropriate?", Codes: stdCodes},
				{Key: "q6", Text: "Was the imputation model consistent with the substantive analysis model?", Codes: stdCodes},
				{Key: "q7", Text: "Were sensitivity analyses reported that demonstrate robustness to the missingness assumptions?", Codes: stdCodes},
			},
			Rules: []Rule{
				{ID: "md1", When: []Condition{q("q1", affirmative)}, Judgement: model.JudgementLow},
				{ID: "md2", When: []Condition{q("q1", noInfo)}, Judgement: model.JudgementModerate},
				{ID: "md3", When: []Condition{q("q1", negative), q("q2", noInfo)}, Judgement: model.JudgementSerious},
				{ID: "md4", When: []Condition{q("q1", negative), q("q2", completeCase), q("q3", negative)}, Judgement: model.JudgementModerate},
				{ID: "md5", When: []Condition{q("q1", negative), q("q2", completeCase), q("q3", noInfo)}, Judgement: model.JudgementSerious},
				{ID: "md6", When: []Condition{q("q1", negative), q("q2", completeCase), q("q3", affirmative), q("q4", negative)}, Judgement: model.JudgementSerious},
				{ID: "md7", When: []Condition{q("q1", negative), q("q2", completeCase), q("q3", affirmative), q("q4", affirmative)}, Judgement: model.JudgementCritical},
				{ID: "md8", When: []Condition{q("q1", negative), q("q2", completeCase), q("q3", affirmative), q("q4", noInfo)}, Judgement: model.JudgementSerious},
				{ID: "md9", When: []Condition{q("q1", negative), q("q2", imputation), q("q5", negative)}, Judgement: model.JudgementSerious},
				{ID: "md10", When: []Condition{q("q1", negative), q("q2", imputation), q("q5", noInfo)}, Judgement: model.JudgementSerious},
				{ID: "md11", When: []Condition{q("q1", negative), q("q2", imputation), q("q5", affirmative), q("q6", negative)}, Judgement: model.JudgementSerious},
				{ID: "md12", When: []Condition{q("q1", negative), q("q2", imputation), q("q5", affirmative), q("q6", noInfo)}, Judgement: model.JudgementSerious},
				{ID: "md13", When: []Condition{q("q1", negative), q("q2", imputation), q("q5", affirmative), q("q6", affirmative), q("q7", affirmative)}, Judgement: model.JudgementLow},
				{ID: "md14", When: []Condition{q("q1", negative), q("q2", imputation), q("q5", affirmative), q("q6", affirmative), q("q7", negative)}, Judgement: model.JudgementModerate},
				{ID: "md15", When: []Condition{q("q1", negative), q("q2", imputation), q("q5", affirmative), q("q6", affirmative), q("q7", noInfo)}, Judgement: model.JudgementModerate},
			},
		},
		{
			Key:          "measurement",
			Title:        "Bias in measurement of the outcome",
			HasDirection: true,
			Questions: []QuestionSpec{
				{Key: "q1", Text: "Was the method of measuring the outcome inappropriate?", Codes: stdCodes},
				{Key: "q2", Text: "Could measurement or ascertainment of the outcome have differed between intervention groups?", Codes: stdCodes},
				{Key: "q3", Text: "Were outcome assessors aware of the intervention received by study participants?", Codes: stdCodes},
				{Key: "q4", Text: "Could assessment of the outcome have been influenced by knowledge of intervention received?", Codes: stdCodes},
				{Key: "q5", Text: "Is it likely that assessment of the outcome was influenced by knowledge of intervention received?", Codes: stdCodes},
			},
			Rules: []Rule{
				{ID: "mo1", When: []Condition{q("q1", affirmative)}, Judgement: model.JudgementSerious},
				{ID: "mo2", When: []Condition{q("q1", noInfo)}, Judgement: model.JudgementModerate},
				{ID: "mo3", When: []Condition{q("q1", negative), q("q2", affirmative)}, Judgement: model.JudgementSerious},
				{ID: "mo4", When: []Condition{q("q1", negative), q("q2", noInfo)}, Judgement: model.JudgementModerate},
				{ID: "mo5", When: []Condition{q("q1", negative), q("q2", negative), q("q3", negative)}, Judgement: model.JudgementLow},
				{ID: "mo6", When: []Condition{q("q1", negative), q("q2", negative), q("q3", noInfo)}, Judgement: model.JudgementModerate},
				{ID: "mo7", When: []Condition{q("q1", negative), q("q2", negative), q("q3", affirmative), q("q4", negative)}, Judgement: model.JudgementLow},
				{ID: "mo8", When: []Condition{q("q1", negative), q("q2", negative), q("q3", affirmative), q("q4", noInfo)}, Judgement: model.JudgementModerate},
				{ID: "mo9", When: []Condition{q("q1", negative), q("q2", negative), q("q3", affirmative), q("q4", affirmative), q("q5", negative)}, Judgement: model.JudgementModerate},
				{ID: "mo10", When: []Condition{q("q1", negative), q("q2", negative), q("q3", affirmative), q("q4", affirmative), q("q5", affirmative)}, Judgement: model.JudgementSerious},
				{ID: "mo11", When: []Condition{q("q1", negative), q("q2", negative), q("q3", affirmative), q("q4", affirmative), q("q5", noInfo)}, Judgement: model.JudgementSerious},
			},
		},
		{
			Key:          "reporting",
			Title:        "Bias in selection of the reported result",
			HasDirection: true,
			Questions: []QuestionSpec{
				{Key: "q1", Text: "Is the reported effect estimate likely to be selected, on the basis of the results, from multiple outcome measurements within the outcome domain?", Codes: stdCodes},
				{Key: "q2", Text: "Is the reported effect estimate likely to be selected, on the basis of the results, from multiple analyses of the intervention-outcome relationship?", Codes: stdCodes},
				{Key: "q3", Text: "Is the reported effect estimate likely to be selected, on the basis of the results, from different subgroups of a larger cohort?", Codes: stdCodes},
			},
			Tally: &TallySpec{
				Questions:    []string{"q1", "q2", "q3"},
				RuleLow:      "rr1",
				RuleModerate: "rr2",
				RuleSerious:  "rr3",
				RuleCritical: "rr4",
			},
		},
	},
}
