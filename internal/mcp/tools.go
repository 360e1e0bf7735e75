package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/hyoka/internal/authz"
	"github.com/ashita-ai/hyoka/internal/ctxutil"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/reconcile"
	"github.com/ashita-ai/hyoka/internal/schema"
	"github.com/ashita-ai/hyoka/internal/scoring"
	"github.com/ashita-ai/hyoka/internal/storage"
)

func (s *Server) registerTools() {
	// hyoka_compare — compare the two reviewer checklists on a study.
	s.mcpServer.AddTool(
		mcplib.NewTool("hyoka_compare",
			mcplib.WithDescription(`Compare the two reviewer checklists on a study, question by question.

WHEN TO USE: BEFORE drafting or previewing a consensus. This is the most
important tool — the comparison shows exactly where the reviewers disagree,
so the consensus discussion can focus on the real conflicts instead of
re-reading both checklists end to end.

Both reviewers must have completed their checklists; comparing an editable
pair is refused.

WHAT YOU GET BACK:
- per-domain diffs: agreed and disagreed questions, both judgements
- preliminary field diffs (including the assessment mode, if they diverged)
- overall judgements and an agreement rate over the signalling questions

EXAMPLE: Before reconciling the ROBINS-I pair on a study, call
hyoka_compare with the study_id and instrument="robins" to see which
domains actually need discussion.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("study_id",
				mcplib.Description("UUID of the study whose reviewer pair to compare"),
				mcplib.Required(),
			),
			mcplib.WithString("instrument",
				mcplib.Description("Instrument key, e.g. robins or amstar2"),
				mcplib.Required(),
			),
		),
		s.handleCompare,
	)

	// hyoka_score — score a set of answers without touching any stored checklist.
	s.mcpServer.AddTool(
		mcplib.NewTool("hyoka_score",
			mcplib.WithDescription(`Score a set of answers against an instrument's rules without storing anything.

WHEN TO USE: To answer "what would the judgement be if..." questions —
checking how a tentative answer changes a domain judgement, explaining why
a domain came out serious, or demonstrating the scoring rules with a small
example. Nothing is persisted; this is a pure calculation.

INPUT FORMAT: answers is a JSON object keyed by domain, each domain an
object keyed by question with {"code": "..."} values:
  {"confounding": {"q1": {"code": "Y"}, "q3": {"code": "PN"}}}
Codes are validated against the instrument; unknown domains, questions or
codes are rejected with the offending key named.

Optional preliminary sets preliminary fields in the same shape the HTTP API
uses ({"field": {"choice": "..."}}); the mode field selects which domain
variants are active. Optional overrides maps domain keys (or "overall") to
judgement strings and is applied as a manual override.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("instrument",
				mcplib.Description("Instrument key, e.g. robins or amstar2"),
				mcplib.Required(),
			),
			mcplib.WithString("answers",
				mcplib.Description(`JSON object of answers by domain and question, e.g. {"confounding": {"q1": {"code": "Y"}}}`),
				mcplib.Required(),
			),
			mcplib.WithString("preliminary",
				mcplib.Description(`Optional JSON object of preliminary field values, e.g. {"effect_of_interest": {"choice": "adherence"}}`),
			),
			mcplib.WithString("overrides",
				mcplib.Description(`Optional JSON object mapping domain keys or "overall" to judgement strings, e.g. {"confounding": "serious"}`),
			),
		),
		s.handleScore,
	)

	// hyoka_study — everything about one study in a single call.
	s.mcpServer.AddTool(
		mcplib.NewTool("hyoka_study",
			mcplib.WithDescription(`Fetch one study with its assignments, checklists and progress.

WHEN TO USE: To orient yourself on a study before doing anything else with
it — who the assigned reviewers are, which checklists exist and in what
status, and whether a consensus has been finalized per instrument.

Checklists are returned in compact form (ids, status, effective judgements)
to keep the response small; fetch full answer sets over the HTTP API when
you need them.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("study_id",
				mcplib.Description("UUID of the study to describe"),
				mcplib.Required(),
			),
		),
		s.handleStudy,
	)

	// hyoka_reconcile_preview — dry-run a consensus merge.
	s.mcpServer.AddTool(
		mcplib.NewTool("hyoka_reconcile_preview",
			mcplib.WithDescription(`Preview the consensus checklist a selection map would produce. Dry run —
nothing is created or modified.

IMPORTANT: Call hyoka_compare FIRST. Previewing a merge without looking at
the disagreements risks picking sides blindly; the comparison tells you
which selection keys actually matter.

WHEN TO USE: While drafting a consensus, to check what a given selection
map yields before the facilitator commits it over the HTTP API. Keys absent
from the selection default to reviewer1.

SELECTION KEYS: "overall", "<domain>", "<domain>.<question>" or
"preliminary.<field>"; values are "reviewer1" or "reviewer2". A question
key wins over its domain's entry.

EXAMPLE: selection={"confounding": "reviewer2", "selection.q2": "reviewer1"}
takes reviewer2's confounding domain except question q2.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("study_id",
				mcplib.Description("UUID of the study whose pair to merge"),
				mcplib.Required(),
			),
			mcplib.WithString("instrument",
				mcplib.Description("Instrument key, e.g. robins or amstar2"),
				mcplib.Required(),
			),
			mcplib.WithString("selection",
				mcplib.Description(`Optional JSON object mapping selection keys to sides, e.g. {"confounding": "reviewer2"}. Omitted keys default to reviewer1.`),
			),
		),
		s.handleReconcilePreview,
	)

	// hyoka_recent — recently updated checklists across the platform.
	s.mcpServer.AddTool(
		mcplib.NewTool("hyoka_recent",
			mcplib.WithDescription(`List recently updated checklists, newest first.

WHEN TO USE: To get a quick overview of what is moving — which checklists
were touched recently, what is awaiting reconciliation, what got finalized.
Useful at the start of a session to understand current state.

Returns compact checklist summaries with optional filters for study,
instrument and status.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("study_id",
				mcplib.Description("Optional: only show checklists on a specific study"),
			),
			mcplib.WithString("instrument",
				mcplib.Description("Optional: only show checklists for a specific instrument"),
			),
			mcplib.WithString("status",
				mcplib.Description("Optional: only show checklists in a specific status (draft, in-progress, completed, awaiting-reconciliation, reconciling, finalized)"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleRecent,
	)
}

// callerID identifies the caller for the compare tracker. Stdio sessions
// carry no claims; they all share one local identity.
func callerID(ctx context.Context) string {
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil {
		return claims.Subject
	}
	return "local"
}

func compareKey(studyID uuid.UUID, instrument string) string {
	return studyID.String() + ":" + instrument
}

func (s *Server) handleCompare(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	studyID, err := uuid.Parse(request.GetString("study_id", ""))
	if err != nil {
		return errorResult("study_id must be a UUID"), nil
	}
	instrument := request.GetString("instrument", "")
	if _, ok := schema.Get(instrument); !ok {
		return errorResult(fmt.Sprintf("unknown instrument %q (known: %s)", instrument, strings.Join(schema.Keys(), ", "))), nil
	}

	// Apply access filtering (same as HTTP handlers). Stdio sessions have
	// no claims and see everything.
	if claims != nil {
		ok, err := authz.CanAccessStudy(ctx, s.db, claims, studyID, s.grantCache)
		if err != nil {
			return errorResult(fmt.Sprintf("authorization check failed: %v", err)), nil
		}
		if !ok {
			return errorResult("study not found"), nil
		}
	}

	result, err := s.checklistSvc.Compare(ctx, studyID, instrument)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("no completed reviewer pair for %s on this study", instrument)), nil
		}
		return errorResult(fmt.Sprintf("compare failed: %v", err)), nil
	}

	// Record that this caller compared the pair. handleReconcilePreview
	// uses this to detect the compare-before-merge workflow.
	s.compareTracker.Record(callerID(ctx), compareKey(studyID, instrument))

	resultData, _ := json.MarshalIndent(result, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
			mcplib.TextContent{Type: "text", Text: generateCompareSummary(result)},
		},
	}, nil
}

func (s *Server) handleScore(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	key := request.GetString("instrument", "")
	in, ok := schema.Get(key)
	if !ok {
		return errorResult(fmt.Sprintf("unknown instrument %q (known: %s)", key, strings.Join(schema.Keys(), ", "))), nil
	}

	answersJSON := request.GetString("answers", "")
	if answersJSON == "" {
		return errorResult("answers is required"), nil
	}

	// Throwaway checklist carrying the inputs; it is scored and discarded.
	c, err := schema.NewChecklist(uuid.New(), uuid.Nil, uuid.Nil, in.Key, "scoring preview", time.Now().UTC())
	if err != nil {
		return errorResult(fmt.Sprintf("build preview: %v", err)), nil
	}

	if prelimJSON := request.GetString("preliminary", ""); prelimJSON != "" {
		var prelim map[string]model.PrelimValue
		if err := json.Unmarshal([]byte(prelimJSON), &prelim); err != nil {
			return errorResult(fmt.Sprintf("invalid preliminary JSON: %v", err)), nil
		}
		for fk, v := range prelim {
			f := in.Field(fk)
			if f == nil {
				return errorResult(fmt.Sprintf("unknown preliminary field %q for %s", fk, in.Key)), nil
			}
			if f.Kind == schema.FieldChoice && v.Choice != nil && !choiceAllowed(f, *v.Choice) {
				return errorResult(fmt.Sprintf("invalid choice %q for preliminary field %q", *v.Choice, fk)), nil
			}
			c.Preliminary[fk] = v.Clone()
		}
	}
	mode := in.Mode(c)

	var answers map[string]map[string]model.Answer
	if err := json.Unmarshal([]byte(answersJSON), &answers); err != nil {
		return errorResult(fmt.Sprintf("invalid answers JSON: %v", err)), nil
	}
	for dk, qs := range answers {
		d := in.Domain(dk)
		if d == nil {
			return errorResult(fmt.Sprintf("unknown domain %q for %s", dk, in.Key)), nil
		}
		if !d.ActiveIn(mode) {
			return errorResult(fmt.Sprintf("domain %q is not active in mode %q", dk, mode)), nil
		}
		for qk, a := range qs {
			q := d.Question(qk)
			if q == nil {
				return errorResult(fmt.Sprintf("unknown question %q in domain %q", qk, dk)), nil
			}
			if !q.Allows(a.Code) {
				return errorResult(fmt.Sprintf("invalid code %q for question %s.%s", a.Code, dk, qk)), nil
			}
			c.Domains[dk].Answers[qk] = a.Clone()
		}
	}

	if overridesJSON := request.GetString("overrides", ""); overridesJSON != "" {
		var overrides map[string]string
		if err := json.Unmarshal([]byte(overridesJSON), &overrides); err != nil {
			return errorResult(fmt.Sprintf("invalid overrides JSON: %v", err)), nil
		}
		for target, v := range overrides {
			j := model.Judgement(v)
			if !j.Valid() {
				return errorResult(fmt.Sprintf("invalid judgement %q for %q", v, target)), nil
			}
			if target == "overall" {
				c.Overall = model.OverallRecord{Source: model.SourceManual, Override: &j}
				continue
			}
			if in.Domain(target) == nil {
				return errorResult(fmt.Sprintf("unknown override key %q (domain key or \"overall\")", target)), nil
			}
			c.Domains[target].Source = model.SourceManual
			c.Domains[target].Override = &j
		}
	}

	agg := scoring.ScoreAll(c)

	resultData, _ := json.MarshalIndent(map[string]any{
		"instrument": in.Key,
		"mode":       mode,
		"aggregate":  agg,
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func choiceAllowed(f *schema.FieldSpec, choice model.Code) bool {
	for _, c := range f.Choices {
		if c == choice {
			return true
		}
	}
	return false
}

func (s *Server) handleStudy(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	studyID, err := uuid.Parse(request.GetString("study_id", ""))
	if err != nil {
		return errorResult("study_id must be a UUID"), nil
	}

	if claims != nil {
		ok, err := authz.CanAccessStudy(ctx, s.db, claims, studyID, s.grantCache)
		if err != nil {
			return errorResult(fmt.Sprintf("authorization check failed: %v", err)), nil
		}
		if !ok {
			return errorResult("study not found"), nil
		}
	}

	study, err := s.db.GetStudy(ctx, studyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("study not found"), nil
		}
		return errorResult(fmt.Sprintf("fetch study: %v", err)), nil
	}

	assignments, err := s.db.ListAssignmentsForStudy(ctx, studyID)
	if err != nil {
		return errorResult(fmt.Sprintf("fetch assignments: %v", err)), nil
	}

	page, err := s.db.ListChecklists(ctx, model.ChecklistFilters{StudyID: &studyID}, 100, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("fetch checklists: %v", err)), nil
	}
	visible := page.Items
	if claims != nil {
		visible, err = authz.FilterChecklists(ctx, s.db, claims, visible, s.grantCache)
		if err != nil {
			return errorResult(fmt.Sprintf("authorization check failed: %v", err)), nil
		}
	}
	compact := make([]map[string]any, 0, len(visible))
	for _, c := range visible {
		compact = append(compact, compactChecklist(c, s.checklistSvc.Score(ctx, c)))
	}

	progress, err := s.db.GetStudyProgress(ctx, studyID)
	if err != nil {
		return errorResult(fmt.Sprintf("fetch progress: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"study":       study,
		"assignments": assignments,
		"checklists":  compact,
		"progress":    progress,
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleReconcilePreview(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	studyID, err := uuid.Parse(request.GetString("study_id", ""))
	if err != nil {
		return errorResult("study_id must be a UUID"), nil
	}
	key := request.GetString("instrument", "")
	in, ok := schema.Get(key)
	if !ok {
		return errorResult(fmt.Sprintf("unknown instrument %q (known: %s)", key, strings.Join(schema.Keys(), ", "))), nil
	}

	if claims != nil {
		ok, err := authz.CanAccessStudy(ctx, s.db, claims, studyID, s.grantCache)
		if err != nil {
			return errorResult(fmt.Sprintf("authorization check failed: %v", err)), nil
		}
		if !ok {
			return errorResult("study not found"), nil
		}
	}

	var selection map[string]model.Side
	if selJSON := request.GetString("selection", ""); selJSON != "" {
		if err := json.Unmarshal([]byte(selJSON), &selection); err != nil {
			return errorResult(fmt.Sprintf("invalid selection JSON: %v", err)), nil
		}
		for k, side := range selection {
			if !side.Valid() {
				return errorResult(fmt.Sprintf("unknown side %q for %s (reviewer1 or reviewer2)", side, k)), nil
			}
			if !validSelectionKey(in, k) {
				return errorResult(fmt.Sprintf("unknown selection key %q", k)), nil
			}
		}
	}

	a, err := s.db.GetAssignment(ctx, studyID, in.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("no reviewer pair assigned for %s on this study", in.Key)), nil
		}
		return errorResult(fmt.Sprintf("fetch assignment: %v", err)), nil
	}
	c1, c2, err := s.db.GetChecklistPair(ctx, a)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("both reviewers must have checklists before a consensus preview"), nil
		}
		return errorResult(fmt.Sprintf("fetch pair: %v", err)), nil
	}

	actorID := uuid.Nil
	if claims != nil {
		actorID, _ = claims.ReviewerID()
	}
	consensus, agg := reconcile.Build(c1, c2, selection, reconcile.Meta{
		ID:         uuid.New(),
		ReviewerID: actorID,
		Name:       "Consensus preview: " + c1.Name,
		Now:        time.Now().UTC(),
	})
	if consensus == nil {
		return errorResult("merge failed: the pair cannot be combined"), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"consensus": consensus,
		"aggregate": agg,
		"persisted": false,
	}, "", "  ")

	contents := []mcplib.Content{
		mcplib.TextContent{Type: "text", Text: string(resultData)},
	}

	// Nudge: if the caller never compared this pair, include a reminder.
	// The preview still succeeds; this is advisory, not a gate.
	if !s.compareTracker.WasCompared(callerID(ctx), compareKey(studyID, in.Key)) {
		contents = append(contents, mcplib.TextContent{
			Type: "text",
			Text: "NOTE: No hyoka_compare was called for this pair before previewing a merge. " +
				"The comparison shows which domains and questions actually disagree, so selections " +
				"are grounded in the conflicts instead of guesses. Next time, call hyoka_compare first.",
		})
	}

	return &mcplib.CallToolResult{Content: contents}, nil
}

// validSelectionKey mirrors the validation the reconciliation service
// applies when a selection is committed, so a preview rejects exactly
// what the real merge would.
func validSelectionKey(in *schema.Instrument, key string) bool {
	if key == "overall" {
		return true
	}
	if field, ok := strings.CutPrefix(key, "preliminary."); ok {
		return in.Field(field) != nil
	}
	if domainKey, question, ok := strings.Cut(key, "."); ok {
		d := in.Domain(domainKey)
		return d != nil && d.Question(question) != nil
	}
	return in.Domain(key) != nil
}

func (s *Server) handleRecent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	limit := request.GetInt("limit", 10)

	filters := model.ChecklistFilters{}
	if raw := request.GetString("study_id", ""); raw != "" {
		studyID, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("study_id must be a UUID"), nil
		}
		filters.StudyID = &studyID
	}
	if instrument := request.GetString("instrument", ""); instrument != "" {
		if _, ok := schema.Get(instrument); !ok {
			return errorResult(fmt.Sprintf("unknown instrument %q (known: %s)", instrument, strings.Join(schema.Keys(), ", "))), nil
		}
		filters.Instrument = &instrument
	}
	if raw := request.GetString("status", ""); raw != "" {
		status := model.Status(raw)
		if !status.Valid() {
			return errorResult(fmt.Sprintf("unknown status %q", raw)), nil
		}
		filters.Status = &status
	}

	page, err := s.db.ListChecklists(ctx, filters, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}

	items := page.Items
	if claims != nil {
		items, err = authz.FilterChecklists(ctx, s.db, claims, items, s.grantCache)
		if err != nil {
			return errorResult(fmt.Sprintf("authorization check failed: %v", err)), nil
		}
	}

	compact := make([]map[string]any, 0, len(items))
	for _, c := range items {
		compact = append(compact, compactChecklist(c, s.checklistSvc.Score(ctx, c)))
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"checklists": compact,
		"total":      len(compact),
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}
