package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-reconciliation — guides the facilitator through comparing first.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-reconciliation",
			mcplib.WithPromptDescription("Compare the reviewer pair and work through the disagreements before drafting a consensus"),
			mcplib.WithArgument("study_id",
				mcplib.ArgumentDescription("UUID of the study to reconcile"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("instrument",
				mcplib.ArgumentDescription("Instrument key (e.g. robins, amstar2)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforeReconciliationPrompt,
	)

	// consensus-draft — helps phrase a defensible consensus for one domain.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("consensus-draft",
			mcplib.WithPromptDescription("Draft a consensus position for a disputed domain, grounded in the instrument's rules"),
			mcplib.WithArgument("instrument",
				mcplib.ArgumentDescription("Instrument key (e.g. robins, amstar2)"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("domain",
				mcplib.ArgumentDescription("Domain key in dispute (e.g. confounding)"),
			),
		),
		s.handleConsensusDraftPrompt,
	)

	// reviewer-setup — full system prompt snippet explaining the dual-review workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("reviewer-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Hyoka dual-review workflow (compare-before-reconcile)"),
		),
		s.handleReviewerSetupPrompt,
	)
}

func (s *Server) handleBeforeReconciliationPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	studyID := request.Params.Arguments["study_id"]
	instrument := request.Params.Arguments["instrument"]
	if studyID == "" || instrument == "" {
		return nil, fmt.Errorf("study_id and instrument arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Prepare the %s reconciliation on study %s", instrument, studyID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before reconciling the %s pair on study %s, follow these steps:

1. CALL hyoka_study with study_id="%s" to see the assignment, both
   checklists and their statuses. Both must be past editing; if either is
   still draft or in-progress, reconciliation cannot start yet.

2. CALL hyoka_compare with study_id="%s" and instrument="%s".
   The comparison lists the agreed and disagreed questions per domain,
   both judgements, and the overall agreement rate.

3. WORK THROUGH the disagreements, not the agreements:
   - For each disputed question, weigh both answers against the study
     text. Prefer the answer the evidence supports, not the milder one.
   - Where the domain judgements differ, check whether resolving the
     disputed questions already closes the gap before reaching for an
     override.
   - If the reviewers assessed different modes, settle the mode first;
     everything downstream depends on it.

4. PREVIEW the merge with hyoka_reconcile_preview, passing a selection
   map that records which side prevails where. Keys absent from the map
   default to reviewer1, so spell out every contested key explicitly.

5. COMMIT the reconciliation over the HTTP API once the preview looks
   right. The preview never persists anything.`, instrument, studyID, studyID, studyID, instrument),
				},
			},
		},
	}, nil
}

func (s *Server) handleConsensusDraftPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	instrument := request.Params.Arguments["instrument"]
	if instrument == "" {
		return nil, fmt.Errorf("instrument argument is required")
	}
	domain := request.Params.Arguments["domain"]
	scope := "each disputed domain"
	if domain != "" {
		scope = fmt.Sprintf("the %q domain", domain)
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Draft a consensus position for %s (%s)", scope, instrument),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Draft a consensus position for %s of the %s instrument.

READ the resource hyoka://instrument/%s first. It holds the signalling
questions, the allowed answer codes and the judgement rules for every
domain, so the consensus can cite the rule that produces each judgement.

For the disputed domain, produce:

1. A per-question resolution: which reviewer's answer stands and why,
   quoting the study evidence that settles it. "Reviewer 2's PN is
   supported because the cohort was enrolled before exposure status was
   known" is a resolution; "we went with reviewer 2" is not.

2. The resulting domain judgement under the instrument's rules. State
   which rule fires. If the agreed answers already force the judgement,
   say so; a manual override needs a reason the rules cannot express.

3. A selection map fragment for the merge, e.g.
   {"%s": "reviewer2", "%s.q3": "reviewer1"}.

Keep the language neutral. The consensus is the record both reviewers
sign off on, so it must read as a shared finding, not a verdict on who
was right.`, scope, instrument, instrument, nonEmpty(domain, "confounding"), nonEmpty(domain, "confounding")),
				},
			},
		},
	}, nil
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func (s *Server) handleReviewerSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Hyoka dual-review workflow for assessment assistants",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Hyoka, a risk-of-bias assessment platform. Two
reviewers score every study independently against a structured
instrument; their checklists are then compared and merged into a single
consensus. Your job is to support that workflow, not to shortcut it.

## The Pattern: Compare Before Reconciling

Independent assessment only means something if the disagreements are
surfaced and resolved deliberately:

### Before drafting a consensus:
Call hyoka_compare for the pair. It shows exactly which questions and
judgements disagree, so the discussion starts from the conflicts
instead of re-reading both checklists.

### While drafting:
Use hyoka_reconcile_preview to check what a selection map would
produce. Nothing is persisted; iterate freely until the merged
judgements are right.

## Available Tools

All tools are read-only. Mutations (recording answers, starting or
finalizing reconciliations) go through the HTTP API, where idempotency
keys and audit metadata are enforced.

- hyoka_study: One study with assignments, checklists and progress (orient FIRST)
- hyoka_compare: Question-level diff of a completed reviewer pair (use BEFORE merging)
- hyoka_reconcile_preview: Dry-run a consensus merge from a selection map
- hyoka_score: Score hypothetical answers against an instrument's rules
- hyoka_recent: Recently updated checklists across the platform

## Resources

- hyoka://instruments: registered instruments in summary form
- hyoka://instrument/{key}: full definition with questions and judgement rules
- hyoka://checklists/recent: recent checklist activity

## Judgements

Domain and overall judgements are computed from the answers by the
instrument's rules. Manual overrides exist but are recorded as such and
audited; prefer resolving the underlying answers. A domain judged
critical gates the overall rating no matter what the other domains say.`,
				},
			},
		},
	}, nil
}
