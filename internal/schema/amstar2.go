package schema

import "github.com/ashita-ai/hyoka/internal/model"

// Items whose single question allows the no-meta-analysis answer.
var nmaItems = map[string]bool{
	"item11": true,
	"item12": true,
	"item15": true,
}

// Items counted as critical weaknesses by default.
var criticalItems = map[string]bool{
	"item2":  true,
	"item4":  true,
	"item7":  true,
	"item9":  true,
	"item11": true,
	"item13": true,
	"item15": true,
}

func item(key, title, text string) DomainSpec {
	codes := []model.Code{
		model.CodeYes, model.CodeProbablyYes, model.CodeNo,
		model.CodeNoInformation, model.CodeNotApplicable,
	}
	outcomes := map[model.Code]model.Judgement{
		model.CodeYes:           model.JudgementLow,
		model.CodeProbablyYes:   model.JudgementModerate,
		model.CodeNo:            model.JudgementSerious,
		model.CodeNoInformation: model.JudgementModerate,
	}
	if nmaItems[key] {
		codes = append(codes, model.CodeNoMeta)
		outcomes[model.CodeNoMeta] = model.JudgementLow
	}
	return DomainSpec{
		Key:      key,
		Title:    title,
		Critical: criticalItems[key],
		Questions: []QuestionSpec{
			{Key: "q1", Text: text, Codes: codes},
		},
		Item: &ItemSpec{
			Question:   "q1",
			Outcomes:   outcomes,
			Escalate:   model.CodeNo,
			EscalateTo: model.JudgementCritical,
		},
	}
}

// amstar2 is a sixteen-item appraisal instrument for systematic reviews.
// Every item is a single signalling question; a negative answer to a
// critical item sinks the overall rating.
var amstar2 = &Instrument{
	Key:   "amstar2",
	Title: "Critical appraisal of systematic reviews",

	CompareCritical: true,

	Preliminary: []FieldSpec{
		{Key: "population", Label: "Population", Kind: FieldText},
		{Key: "intervention", Label: "Intervention or exposure", Kind: FieldText},
		{Key: "comparator", Label: "Comparator", Kind: FieldText},
		{Key: "outcome", Label: "Outcome", Kind: FieldText},
	},

	Domains: []DomainSpec{
		item("item1", "Review questions include PICO components",
			"Did the research questions and inclusion criteria for the review include the components of PICO?"),
		item("item2", "Review methods established before conduct",
			"Did the report of the review contain an explicit statement that the review methods were established prior to the conduct of the review, and did the report justify any significant deviations from the protocol?"),
		item("item3", "Selection of study designs explained",
			"Did the review authors explain their selection of the study designs for inclusion in the review?"),
		item("item4", "Comprehensive literature search",
			"Did the review authors use a comprehensive literature search strategy?"),
		item("item5", "Study selection in duplicate",
			"Did the review authors perform study selection in duplicate?"),
		item("item6", "Data extraction in duplicate",
			"Did the review authors perform data extraction in duplicate?"),
		item("item7", "Excluded studies listed and justified",
			"Did the review authors provide a list of excluded studies and justify the exclusions?"),
		item("item8", "Included studies described in detail",
			"Did the review authors describe the included studies in adequate detail?"),
		item("item9", "Satisfactory risk-of-bias technique",
			"Did the review authors use a satisfactory technique for assessing the risk of bias in the individual studies that were included in the review?"),
		item("item10", "Funding of included studies reported",
			"Did the review authors report on the sources of funding for the studies included in the review?"),
		item("item11", "Appropriate statistical combination",
			"If meta-analysis was performed, did the review authors use appropriate methods for statistical combination of results?"),
		item("item12", "Impact of risk of bias on synthesis assessed",
			"If meta-analysis was performed, did the review authors assess the potential impact of risk of bias in individual studies on the results of the synthesis?"),
		item("item13", "Risk of bias considered in interpretation",
			"Did the review authors account for risk of bias in individual studies when interpreting or discussing the results of the review?"),
		item("item14", "Heterogeneity explained and discussed",
			"Did the review authors provide a satisfactory explanation for, and discussion of, any heterogeneity observed in the results of the review?"),
		item("item15", "Publication bias investigated",
			"If quantitative synthesis was performed, did the review authors carry out an adequate investigation of publication bias and discuss its likely impact on the results of the review?"),
		item("item16", "Conflicts of interest reported",
			"Did the review authors report any potential sources of conflict of interest, including any funding received for conducting the review?"),
	},
}
