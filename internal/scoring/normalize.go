package scoring

import "github.com/ashita-ai/hyoka/internal/model"

// Normalize maps Not-Applicable to No-Information. Applied uniformly to
// every answer before any branch test; all other codes pass through
// unchanged.
func Normalize(code model.Code) model.Code {
	if code == model.CodeNotApplicable {
		return model.CodeNoInformation
	}
	return code
}

// lookup resolves a question's normalized answer code. ok is false when
// no answer is recorded.
func lookup(answers map[string]model.Answer, question string) (model.Code, bool) {
	a, ok := answers[question]
	if !ok {
		return "", false
	}
	return Normalize(a.Code), true
}

func member(set []model.Code, code model.Code) bool {
	for _, c := range set {
		if c == code {
			return true
		}
	}
	return false
}
