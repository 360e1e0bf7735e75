package mcp

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/hyoka/internal/compare"
	"github.com/ashita-ai/hyoka/internal/model"
)

const maxCompactName = 120

// compactChecklist returns a minimal representation of a checklist for MCP
// responses. Drops the full answer and preliminary maps that agents rarely
// act on and projects the effective judgements from the aggregate instead.
func compactChecklist(c *model.Checklist, agg model.Aggregate) map[string]any {
	m := map[string]any{
		"id":          c.ID,
		"study_id":    c.StudyID,
		"instrument":  c.Instrument,
		"reviewer_id": c.ReviewerID,
		"name":        truncate(c.Name, maxCompactName),
		"status":      c.Status,
		"consensus":   c.Source1ID != nil,
		"updated_at":  c.UpdatedAt,
		"complete":    agg.Complete,
	}

	judgements := map[string]any{}
	for key, ds := range agg.Domains {
		if ds.Effective != nil {
			judgements[key] = *ds.Effective
		}
	}
	if len(judgements) > 0 {
		m["judgements"] = judgements
	}
	if agg.Overall != nil {
		m["overall"] = *agg.Overall
	}
	if agg.Direction != nil {
		m["direction"] = *agg.Direction
	}
	if agg.Gate != model.GateNone {
		m["gate"] = agg.Gate
	}

	// Rule-based context note, no LLM.
	if note := generateChecklistNote(c, agg); note != "" {
		m["context_note"] = note
	}

	return m
}

// generateChecklistNote produces a human-readable signal note for a checklist.
// Rules are evaluated in priority order; first match wins. Returns "" when no
// rule fires.
func generateChecklistNote(c *model.Checklist, agg model.Aggregate) string {
	overridden := 0
	for _, ds := range agg.Domains {
		if ds.Overridden {
			overridden++
		}
	}

	switch {
	case agg.Gate == model.GateCritical:
		return "Overall judgement is gated by a critical domain; remaining answers cannot improve it."

	case agg.Gate == model.GateCannotAssess:
		return "Overall judgement cannot be assessed from the recorded answers."

	case overridden > 0:
		return fmt.Sprintf("%d domain judgement(s) manually overridden.", overridden)

	case c.Status == model.StatusAwaitingReconciliation:
		return "Counterpart is complete too; the pair is ready for reconciliation."

	case !agg.Complete && c.Status == model.StatusInProgress:
		return "Unanswered signalling questions remain."
	}
	return ""
}

// generateCompareSummary creates a 1-3 sentence human-readable synthesis of a
// comparison. Template-based, no LLM dependency.
func generateCompareSummary(r compare.Result) string {
	var parts []string

	if r.Stats.Total == 0 {
		parts = append(parts, "No overlapping signalling questions to compare.")
	} else {
		parts = append(parts, fmt.Sprintf("%d of %d answers agree (%.0f%%).",
			r.Stats.Agreed, r.Stats.Total, r.Stats.Rate*100))
	}

	var disagreed []string
	for _, d := range r.Domains {
		if len(d.Disagreed) > 0 || !d.JudgementsMatch {
			disagreed = append(disagreed, d.Domain)
		}
	}
	switch {
	case len(disagreed) == 0 && r.Stats.Total > 0:
		parts = append(parts, "No domains in dispute.")
	case len(disagreed) > 3:
		parts = append(parts, fmt.Sprintf("Disagreements in %s and %d more domain(s).",
			strings.Join(disagreed[:3], ", "), len(disagreed)-3))
	case len(disagreed) > 0:
		parts = append(parts, fmt.Sprintf("Disagreements in: %s.", strings.Join(disagreed, ", ")))
	}

	switch {
	case r.Overall1 == nil || r.Overall2 == nil:
		// One side has no overall judgement yet; say nothing.
	case r.OverallMatch:
		parts = append(parts, fmt.Sprintf("Overall judgements match (%s).", *r.Overall1))
	default:
		parts = append(parts, fmt.Sprintf("Overall judgements differ: %s vs %s.", *r.Overall1, *r.Overall2))
	}

	return strings.Join(parts, " ")
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
