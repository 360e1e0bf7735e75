package schema

import "github.com/ashita-ai/hyoka/internal/model"

var codeLabels = map[model.Code]string{
	model.CodeYes:           "Yes",
	model.CodeProbablyYes:   "Probably yes",
	model.CodeProbablyNo:    "Probably no",
	model.CodeNo:            "No",
	model.CodeNoInformation: "No information",
	model.CodeNotApplicable: "Not applicable",

	model.CodeStrongYes: "Strong yes",
	model.CodeWeakYes:   "Weak yes",
	model.CodeWeakNo:    "Weak no",
	model.CodeStrongNo:  "Strong no",

	model.CodeCompleteCase: "Complete-case analysis",
	model.CodeImputation:   "Imputation or modelling",

	model.CodeNoMeta: "No meta-analysis conducted",

	ModeAssignment: "Effect of assignment to intervention",
	ModeAdherence:  "Effect of adhering to intervention",

	ScreenProceed:      "Proceed with assessment",
	ScreenCritical:     "Critically weak: do not proceed",
	ScreenCannotAssess: "Cannot be assessed",
}

// CodeLabel returns the display label for an answer or choice code.
// Unknown codes pass through unchanged so stored data always renders.
func CodeLabel(c model.Code) string {
	if l, ok := codeLabels[c]; ok {
		return l
	}
	return string(c)
}
