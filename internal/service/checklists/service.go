// Package checklists provides the shared business logic for checklist
// operations.
//
// Both the HTTP API and MCP server delegate to this service, eliminating
// duplicated logic and ensuring consistent behavior (schema validation,
// full re-scoring on every mutation, transactional writes with audit
// chain appends, notification) across all interfaces.
//
// Mutation methods take the caller's loaded snapshot of the checklist and
// use its UpdatedAt as the optimistic concurrency token: a concurrent
// write between load and save surfaces as storage.ErrConflict so the
// caller can reload and retry.
package checklists

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hyoka/internal/compare"
	"github.com/ashita-ai/hyoka/internal/ctxutil"
	"github.com/ashita-ai/hyoka/internal/export"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/reconcile"
	"github.com/ashita-ai/hyoka/internal/schema"
	"github.com/ashita-ai/hyoka/internal/scoring"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/telemetry"
)

var (
	// ErrInvalidInput marks a request that fails schema or shape
	// validation. Handlers map it to 400.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStateConflict marks an operation the checklist's lifecycle
	// position does not permit. Handlers map it to 409.
	ErrStateConflict = errors.New("state conflict")
)

// Service encapsulates checklist business logic shared by HTTP and MCP
// handlers.
type Service struct {
	db     *storage.DB
	logger *slog.Logger

	scoreDuration   metric.Float64Histogram
	mutations       metric.Int64Counter
	reconciliations metric.Int64Counter
}

// New creates a new checklist Service.
func New(db *storage.DB, logger *slog.Logger) *Service {
	meter := telemetry.Meter("hyoka/checklists")
	scoreDur, _ := meter.Float64Histogram("hyoka.scoring.duration",
		metric.WithDescription("Time to re-score a full checklist (ms)"),
		metric.WithUnit("ms"),
	)
	mutations, _ := meter.Int64Counter("hyoka.checklist.mutations",
		metric.WithDescription("Checklist mutations by event type"),
	)
	recs, _ := meter.Int64Counter("hyoka.reconciliations.started",
		metric.WithDescription("Reconciliations started"),
	)
	return &Service{
		db:              db,
		logger:          logger,
		scoreDuration:   scoreDur,
		mutations:       mutations,
		reconciliations: recs,
	}
}

// Score runs a full re-score of a checklist snapshot and records the
// scoring duration metric. Pure apart from the metric; safe on every
// answer change.
func (s *Service) Score(ctx context.Context, c *model.Checklist) model.Aggregate {
	start := time.Now()
	agg := scoring.ScoreAll(c)
	s.scoreDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	return agg
}

// Create seeds an empty checklist for a study under the named instrument
// and persists it with its genesis audit event. The actor becomes the
// owning reviewer. Name defaults to "<study title> (<instrument title>)".
func (s *Service) Create(ctx context.Context, actorID uuid.UUID, req model.CreateChecklistRequest, meta ctxutil.AuditMeta) (*model.Checklist, model.Aggregate, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("hyoka.study_id", req.StudyID.String()),
		attribute.String("hyoka.instrument", req.Instrument),
	)

	in, ok := schema.Get(req.Instrument)
	if !ok {
		return nil, model.Aggregate{}, fmt.Errorf("create: unknown instrument %q: %w", req.Instrument, ErrInvalidInput)
	}
	if req.StudyID == uuid.Nil {
		return nil, model.Aggregate{}, fmt.Errorf("create: missing study id: %w", ErrInvalidInput)
	}

	study, err := s.db.GetStudy(ctx, req.StudyID)
	if err != nil {
		return nil, model.Aggregate{}, fmt.Errorf("create: %w", err)
	}

	name := ""
	if req.Name != nil {
		name = strings.TrimSpace(*req.Name)
	}
	if name == "" {
		name = fmt.Sprintf("%s (%s)", study.Title, in.Title)
	}
	if len(name) > model.MaxNameLen {
		return nil, model.Aggregate{}, fmt.Errorf("create: name exceeds %d characters: %w", model.MaxNameLen, ErrInvalidInput)
	}

	c, err := schema.NewChecklist(uuid.New(), study.ID, actorID, in.Key, name, time.Now().UTC())
	if err != nil {
		return nil, model.Aggregate{}, fmt.Errorf("create: %w", err)
	}

	if req.Mode != nil {
		if in.ModeField == "" {
			return nil, model.Aggregate{}, fmt.Errorf("create: instrument %s has no mode flag: %w", in.Key, ErrInvalidInput)
		}
		valid := false
		for _, m := range in.Modes {
			if m == *req.Mode {
				valid = true
				break
			}
		}
		if !valid {
			return nil, model.Aggregate{}, fmt.Errorf("create: mode %q not defined by instrument %s: %w", *req.Mode, in.Key, ErrInvalidInput)
		}
		mode := *req.Mode
		c.Preliminary[in.ModeField] = model.PrelimValue{Choice: &mode}
	}

	agg := s.Score(ctx, c)

	event := model.AuditEvent{ActorID: meta.ActorID, EventType: model.EventChecklistCreated}
	audit := mutationAudit(meta, "create_checklist", "checklist")
	if _, err := s.db.CreateChecklistWithAudit(ctx, c, overallValue(agg), agg.CanComplete(), event, audit); err != nil {
		return nil, model.Aggregate{}, fmt.Errorf("create: %w", err)
	}

	s.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("hyoka.event_type", string(model.EventChecklistCreated)),
	))
	s.notify(ctx, "create", c, model.EventChecklistCreated, agg)
	return c, agg, nil
}

// Get loads a checklist and scores its current state.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Checklist, model.Aggregate, error) {
	c, err := s.db.GetChecklist(ctx, id)
	if err != nil {
		return nil, model.Aggregate{}, err
	}
	return c, s.Score(ctx, c), nil
}

// List returns checklists matching the filters with pagination.
func (s *Service) List(ctx context.Context, filters model.ChecklistFilters, limit, offset int) (model.PagedResult[*model.Checklist], error) {
	return s.db.ListChecklists(ctx, filters, limit, offset)
}

// RecordAnswer stores one signalling-question answer on the caller's
// snapshot and re-scores the whole document. An empty code clears the
// answer back to absent. A draft checklist is promoted to in-progress by
// its first mutation.
func (s *Service) RecordAnswer(ctx context.Context, c *model.Checklist, domainKey, questionKey string, req model.RecordAnswerRequest, meta ctxutil.AuditMeta) (*model.Checklist, model.Aggregate, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("hyoka.checklist_id", c.ID.String()),
		attribute.String("hyoka.domain", domainKey),
		attribute.String("hyoka.question", questionKey),
	)

	in, ok := schema.Get(c.Instrument)
	if !ok {
		return nil, model.Aggregate{}, fmt.Errorf("record answer: unknown instrument %q: %w", c.Instrument, ErrInvalidInput)
	}
	d := in.Domain(domainKey)
	if d == nil {
		return nil, model.Aggregate{}, fmt.Errorf("record answer: unknown domain %q: %w", domainKey, ErrInvalidInput)
	}
	q := d.Question(questionKey)
	if q == nil {
		return nil, model.Aggregate{}, fmt.Errorf("record answer: unknown question %q in domain %s: %w", questionKey, domainKey, ErrInvalidInput)
	}
	if req.Code != "" && !q.Allows(req.Code) {
		return nil, model.Aggregate{}, fmt.Errorf("record answer: code %q not allowed for %s.%s: %w", req.Code, domainKey, questionKey, ErrInvalidInput)
	}
	if req.Comment != nil && len(*req.Comment) > model.MaxCommentLen {
		return nil, model.Aggregate{}, fmt.Errorf("record answer: comment exceeds %d bytes: %w", model.MaxCommentLen, ErrInvalidInput)
	}
	if !c.Status.Editable() {
		return nil, model.Aggregate{}, fmt.Errorf("record answer: checklist is %s: %w", c.Status, ErrStateConflict)
	}

	next := c.Clone()
	promoteDraft(next)
	ds := next.Domains[domainKey]
	if ds == nil {
		ds = &model.DomainState{Source: model.SourceAuto}
		next.Domains[domainKey] = ds
	}
	if ds.Answers == nil {
		ds.Answers = make(map[string]model.Answer)
	}

	var prevCode *model.Code
	if prev, ok := ds.Answers[questionKey]; ok {
		pc := prev.Code
		prevCode = &pc
	}

	if req.Code == "" {
		delete(ds.Answers, questionKey)
	} else {
		ds.Answers[questionKey] = model.Answer{
			Code:     req.Code,
			Comment:  req.Comment,
			Critical: req.Critical,
		}.Clone()
	}

	agg := s.Score(ctx, next)
	event := model.AuditEvent{
		ActorID:   meta.ActorID,
		EventType: model.EventAnswerRecorded,
		Payload: payloadMap(model.AnswerRecordedPayload{
			Domain:   domainKey,
			Question: questionKey,
			Code:     req.Code,
			PrevCode: prevCode,
		}),
	}
	return s.save(ctx, "record answer", c, next, agg, event, mutationAudit(meta, "record_answer", "checklist"))
}

// SetPreliminary stores one preliminary-section field value, validated
// against the field's declared kind, and re-scores. Changing the mode
// field re-scores under the new active domain set.
func (s *Service) SetPreliminary(ctx context.Context, c *model.Checklist, fieldKey string, req model.SetPreliminaryRequest, meta ctxutil.AuditMeta) (*model.Checklist, model.Aggregate, error) {
	in, ok := schema.Get(c.Instrument)
	if !ok {
		return nil, model.Aggregate{}, fmt.Errorf("set preliminary: unknown instrument %q: %w", c.Instrument, ErrInvalidInput)
	}
	f := in.Field(fieldKey)
	if f == nil {
		return nil, model.Aggregate{}, fmt.Errorf("set preliminary: unknown field %q: %w", fieldKey, ErrInvalidInput)
	}
	if err := validateFieldValue(f, req.Value); err != nil {
		return nil, model.Aggregate{}, fmt.Errorf("set preliminary: %s: %w", err, ErrInvalidInput)
	}
	if !c.Status.Editable() {
		return nil, model.Aggregate{}, fmt.Errorf("set preliminary: checklist is %s: %w", c.Status, ErrStateConflict)
	}

	next := c.Clone()
	promoteDraft(next)
	if next.Preliminary == nil {
		next.Preliminary = make(model.Preliminary)
	}
	next.Preliminary[fieldKey] = req.Value.Clone()

	agg := s.Score(ctx, next)
	event := model.AuditEvent{
		ActorID:   meta.ActorID,
		EventType: model.EventPreliminarySet,
		Payload:   payloadMap(model.PreliminarySetPayload{Field: fieldKey}),
	}
	return s.save(ctx, "set preliminary", c, next, agg, event, mutationAudit(meta, "set_preliminary", "checklist"))
}

// SetOverride records or clears a manual judgement override. Scope is a
// domain key or "overall"; a nil judgement returns the scope to
// automatic scoring. Overrides are stored as supplied, never validated
// against the decision tables.
func (s *Service) SetOverride(ctx context.Context, c *model.Checklist, scope string, req model.SetOverrideRequest, meta ctxutil.AuditMeta) (*model.Checklist, model.Aggregate, error) {
	in, ok := schema.Get(c.Instrument)
	if !ok {
		return nil, model.Aggregate{}, fmt.Errorf("set override: unknown instrument %q: %w", c.Instrument, ErrInvalidInput)
	}
	if scope != "overall" && in.Domain(scope) == nil {
		return nil, model.Aggregate{}, fmt.Errorf("set override: unknown scope %q: %w", scope, ErrInvalidInput)
	}
	if req.Judgement != nil && !req.Judgement.Valid() {
		return nil, model.Aggregate{}, fmt.Errorf("set override: unknown judgement %q: %w", *req.Judgement, ErrInvalidInput)
	}
	if !c.Status.Editable() {
		return nil, model.Aggregate{}, fmt.Errorf("set override: checklist is %s: %w", c.Status, ErrStateConflict)
	}

	next := c.Clone()
	promoteDraft(next)
	if scope == "overall" {
		applyOverride(&next.Overall.Source, &next.Overall.Override, req.Judgement)
	} else {
		ds := next.Domains[scope]
		if ds == nil {
			ds = &model.DomainState{Answers: make(map[string]model.Answer), Source: model.SourceAuto}
			next.Domains[scope] = ds
		}
		applyOverride(&ds.Source, &ds.Override, req.Judgement)
	}

	agg := s.Score(ctx, next)
	payload := model.OverrideSetPayload{Scope: scope, Judgement: req.Judgement}
	if scope != "overall" {
		if dsc, ok := agg.Domains[scope]; ok && dsc.Auto.Judgement != nil {
			payload.Auto = dsc.Auto.Judgement
		}
	}
	eventType := model.EventOverrideSet
	if req.Judgement == nil {
		eventType = model.EventOverrideCleared
	}
	event := model.AuditEvent{
		ActorID:   meta.ActorID,
		EventType: eventType,
		Payload:   payloadMap(payload),
	}
	op := "set_override"
	if req.Judgement == nil {
		op = "clear_override"
	}
	return s.save(ctx, "set override", c, next, agg, event, mutationAudit(meta, op, "checklist"))
}

// SetDirection records or clears a bias-direction classification on a
// domain that carries one, or on the overall record for instruments that
// support it.
func (s *Service) SetDirection(ctx context.Context, c *model.Checklist, scope string, req model.SetDirectionRequest, meta ctxutil.AuditMeta) (*model.Checklist, model.Aggregate, error) {
	in, ok := schema.Get(c.Instrument)
	if !ok {
		return nil, model.Aggregate{}, fmt.Errorf("set direction: unknown instrument %q: %w", c.Instrument, ErrInvalidInput)
	}
	if scope == "overall" {
		if !in.HasOverallDirection {
			return nil, model.Aggregate{}, fmt.Errorf("set direction: instrument %s has no overall direction: %w", in.Key, ErrInvalidInput)
		}
	} else {
		d := in.Domain(scope)
		if d == nil {
			return nil, model.Aggregate{}, fmt.Errorf("set direction: unknown scope %q: %w", scope, ErrInvalidInput)
		}
		if !d.HasDirection {
			return nil, model.Aggregate{}, fmt.Errorf("set direction: domain %s carries no direction: %w", scope, ErrInvalidInput)
		}
	}
	if req.Direction != nil && !req.Direction.Valid() {
		return nil, model.Aggregate{}, fmt.Errorf("set direction: unknown direction %q: %w", *req.Direction, ErrInvalidInput)
	}
	if !c.Status.Editable() {
		return nil, model.Aggregate{}, fmt.Errorf("set direction: checklist is %s: %w", c.Status, ErrStateConflict)
	}

	next := c.Clone()
	promoteDraft(next)
	var dir *model.Direction
	if req.Direction != nil {
		d := *req.Direction
		dir = &d
	}
	if scope == "overall" {
		next.Overall.Direction = dir
	} else {
		ds := next.Domains[scope]
		if ds == nil {
			ds = &model.DomainState{Answers: make(map[string]model.Answer), Source: model.SourceAuto}
			next.Domains[scope] = ds
		}
		ds.Direction = dir
	}

	agg := s.Score(ctx, next)
	event := model.AuditEvent{
		ActorID:   meta.ActorID,
		EventType: model.EventDirectionSet,
		Payload:   payloadMap(model.DirectionSetPayload{Scope: scope, Direction: req.Direction}),
	}
	return s.save(ctx, "set direction", c, next, agg, event, mutationAudit(meta, "set_direction", "checklist"))
}

// Transition moves a checklist along its lifecycle. Completion requires
// the aggregate to be complete or the early-stop gate to have fired.
// When the second reviewer of an assignment completes, both checklists
// move on to awaiting-reconciliation. The reconciliation statuses
// themselves cannot be requested directly.
func (s *Service) Transition(ctx context.Context, c *model.Checklist, nextStatus model.Status, meta ctxutil.AuditMeta) (*model.Checklist, model.Aggregate, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("hyoka.checklist_id", c.ID.String()),
		attribute.String("hyoka.status", string(nextStatus)),
	)

	if !nextStatus.Valid() {
		return nil, model.Aggregate{}, fmt.Errorf("transition: unknown status %q: %w", nextStatus, ErrInvalidInput)
	}
	switch nextStatus {
	case model.StatusAwaitingReconciliation, model.StatusReconciling:
		return nil, model.Aggregate{}, fmt.Errorf("transition: status %s is set by the reconciliation workflow: %w", nextStatus, ErrInvalidInput)
	}
	if !c.Status.CanTransition(nextStatus) {
		return nil, model.Aggregate{}, fmt.Errorf("transition: cannot move from %s to %s: %w", c.Status, nextStatus, ErrStateConflict)
	}
	if c.Status == model.StatusReconciling {
		return nil, model.Aggregate{}, fmt.Errorf("transition: a reconciling checklist is finalized through its consensus: %w", ErrStateConflict)
	}

	next := c.Clone()
	next.Status = nextStatus
	agg := s.Score(ctx, next)
	now := time.Now().UTC()
	switch nextStatus {
	case model.StatusCompleted:
		if !agg.CanComplete() {
			return nil, model.Aggregate{}, fmt.Errorf("transition: scoring incomplete, cannot complete: %w", ErrStateConflict)
		}
		next.CompletedAt = &now
	case model.StatusFinalized:
		next.FinalizedAt = &now
	}

	event := model.AuditEvent{
		ActorID:   meta.ActorID,
		EventType: model.EventStatusChanged,
		Payload:   payloadMap(model.StatusChangedPayload{From: c.Status, To: nextStatus}),
	}
	saved, agg, err := s.save(ctx, "transition", c, next, agg, event, mutationAudit(meta, "change_status", "checklist"))
	if err != nil {
		return nil, model.Aggregate{}, err
	}

	if nextStatus == model.StatusCompleted {
		s.pairToAwaiting(ctx, saved, meta)
	}
	return saved, agg, nil
}

// pairToAwaiting flips a fully completed reviewer pair to
// awaiting-reconciliation, best effort after a completing transition.
// A failure here is healed when reconciliation starts.
func (s *Service) pairToAwaiting(ctx context.Context, c *model.Checklist, meta ctxutil.AuditMeta) {
	if c.Source1ID != nil {
		return // consensus checklists have no peer
	}
	a, err := s.db.GetAssignment(ctx, c.StudyID, c.Instrument)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("transition: load assignment for pair check", "error", err)
		}
		return
	}
	if a.ReviewerSlot(c.ReviewerID) == 0 {
		return
	}
	c1, c2, err := s.db.GetChecklistPair(ctx, a)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("transition: load checklist pair", "error", err)
		}
		return
	}
	if c1.Status != model.StatusCompleted || c2.Status != model.StatusCompleted {
		return
	}
	if err := s.markPairAwaiting(ctx, a, c1, c2, meta); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			s.logger.Warn("transition: move pair to awaiting-reconciliation", "error", err)
		}
		return
	}
	// Reflect the flip on the snapshot the caller is about to return.
	switch c.ID {
	case c1.ID:
		c.Status, c.UpdatedAt = c1.Status, c1.UpdatedAt
	case c2.ID:
		c.Status, c.UpdatedAt = c2.Status, c2.UpdatedAt
	}
}

// markPairAwaiting performs the atomic completed -> awaiting-reconciliation
// flip of both checklists and emits their notifications.
func (s *Service) markPairAwaiting(ctx context.Context, a model.Assignment, c1, c2 *model.Checklist, meta ctxutil.AuditMeta) error {
	payload := payloadMap(model.StatusChangedPayload{
		From: model.StatusCompleted,
		To:   model.StatusAwaitingReconciliation,
	})
	event1 := model.AuditEvent{ActorID: meta.ActorID, EventType: model.EventStatusChanged, Payload: payload}
	event2 := model.AuditEvent{ActorID: meta.ActorID, EventType: model.EventStatusChanged, Payload: payload}
	audit := mutationAudit(meta, "await_reconciliation", "assignment")
	audit.ResourceID = a.ID.String()

	if err := s.db.MarkPairAwaitingReconciliationTx(ctx, c1, c2, event1, event2, audit); err != nil {
		return err
	}
	s.notify(ctx, "transition", c1, model.EventStatusChanged, s.Score(ctx, c1))
	s.notify(ctx, "transition", c2, model.EventStatusChanged, s.Score(ctx, c2))
	return nil
}

// Compare diffs the two live checklists of a study's reviewer pair.
// Both must have left the editable stages, so the diff reflects finished
// assessments rather than half-entered answers.
func (s *Service) Compare(ctx context.Context, studyID uuid.UUID, instrument string) (compare.Result, error) {
	a, err := s.db.GetAssignment(ctx, studyID, instrument)
	if err != nil {
		return compare.Result{}, fmt.Errorf("compare: %w", err)
	}
	c1, c2, err := s.db.GetChecklistPair(ctx, a)
	if err != nil {
		return compare.Result{}, fmt.Errorf("compare: %w", err)
	}
	if c1.Status.Editable() || c2.Status.Editable() {
		return compare.Result{}, fmt.Errorf("compare: both checklists must be completed (have %s and %s): %w", c1.Status, c2.Status, ErrStateConflict)
	}
	return compare.Compare(c1, c2), nil
}

// StartReconciliation merges an awaiting pair into a consensus checklist
// according to the selection map and opens the reconciliation. The actor
// becomes the consensus checklist's reviewer. Selection keys are
// "overall", "<domain>", "<domain>.<question>" or "preliminary.<field>";
// keys absent from the map default to reviewer1.
func (s *Service) StartReconciliation(ctx context.Context, actorID, studyID uuid.UUID, req model.ReconcileRequest, meta ctxutil.AuditMeta) (model.Reconciliation, *model.Checklist, model.Aggregate, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("hyoka.study_id", studyID.String()),
		attribute.String("hyoka.instrument", req.Instrument),
	)

	in, ok := schema.Get(req.Instrument)
	if !ok {
		return model.Reconciliation{}, nil, model.Aggregate{}, fmt.Errorf("start reconciliation: unknown instrument %q: %w", req.Instrument, ErrInvalidInput)
	}
	for key, side := range req.Selection {
		if !side.Valid() {
			return model.Reconciliation{}, nil, model.Aggregate{}, fmt.Errorf("start reconciliation: unknown side %q for %s: %w", side, key, ErrInvalidInput)
		}
		if !validSelectionKey(in, key) {
			return model.Reconciliation{}, nil, model.Aggregate{}, fmt.Errorf("start reconciliation: unknown selection key %q: %w", key, ErrInvalidInput)
		}
	}

	a, err := s.db.GetAssignment(ctx, studyID, in.Key)
	if err != nil {
		return model.Reconciliation{}, nil, model.Aggregate{}, fmt.Errorf("start reconciliation: %w", err)
	}
	c1, c2, err := s.db.GetChecklistPair(ctx, a)
	if err != nil {
		return model.Reconciliation{}, nil, model.Aggregate{}, fmt.Errorf("start reconciliation: %w", err)
	}

	// Heal a pair whose automatic flip was lost between the two commits.
	if c1.Status == model.StatusCompleted && c2.Status == model.StatusCompleted {
		if err := s.markPairAwaiting(ctx, a, c1, c2, meta); err != nil && !errors.Is(err, storage.ErrConflict) {
			return model.Reconciliation{}, nil, model.Aggregate{}, fmt.Errorf("start reconciliation: %w", err)
		}
	}
	if c1.Status != model.StatusAwaitingReconciliation || c2.Status != model.StatusAwaitingReconciliation {
		return model.Reconciliation{}, nil, model.Aggregate{}, fmt.Errorf("start reconciliation: pair is %s and %s, both must be awaiting-reconciliation: %w", c1.Status, c2.Status, ErrStateConflict)
	}

	name := ""
	if req.Name != nil {
		name = strings.TrimSpace(*req.Name)
	}
	if name == "" {
		name = "Consensus: " + c1.Name
	}
	if len(name) > model.MaxNameLen {
		return model.Reconciliation{}, nil, model.Aggregate{}, fmt.Errorf("start reconciliation: name exceeds %d characters: %w", model.MaxNameLen, ErrInvalidInput)
	}

	consensus, agg := reconcile.Build(c1, c2, req.Selection, reconcile.Meta{
		ID:         uuid.New(),
		ReviewerID: actorID,
		Name:       name,
		Now:        time.Now().UTC(),
	})
	if consensus == nil {
		return model.Reconciliation{}, nil, model.Aggregate{}, fmt.Errorf("start reconciliation: merge failed: %w", ErrInvalidInput)
	}

	rec := model.Reconciliation{
		StudyID:    studyID,
		Instrument: in.Key,
		Source1ID:  c1.ID,
		Source2ID:  c2.ID,
		Selection:  req.Selection,
		StartedBy:  actorID,
	}
	consensusEvent := model.AuditEvent{
		ActorID:   meta.ActorID,
		EventType: model.EventReconciliationStarted,
		Payload:   payloadMap(model.ReconciliationStartedPayload{Source1ID: c1.ID, Source2ID: c2.ID}),
	}
	sourcePayload := payloadMap(model.StatusChangedPayload{
		From: model.StatusAwaitingReconciliation,
		To:   model.StatusReconciling,
	})
	source1Event := model.AuditEvent{ActorID: meta.ActorID, EventType: model.EventStatusChanged, Payload: sourcePayload}
	source2Event := model.AuditEvent{ActorID: meta.ActorID, EventType: model.EventStatusChanged, Payload: sourcePayload}
	audit := mutationAudit(meta, "start_reconciliation", "reconciliation")

	rec, err = s.db.CreateReconciliationTx(ctx, rec, consensus, overallValue(agg), agg.CanComplete(), consensusEvent, source1Event, source2Event, audit)
	if err != nil {
		return model.Reconciliation{}, nil, model.Aggregate{}, fmt.Errorf("start reconciliation: %w", err)
	}

	s.reconciliations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("hyoka.instrument", in.Key),
	))
	s.notify(ctx, "start reconciliation", consensus, model.EventReconciliationStarted, agg)
	s.notifyReconciliation(ctx, "start reconciliation", rec, "started")
	return rec, consensus, agg, nil
}

// FinalizeConsensus closes a reconciliation: the consensus checklist and
// both sources become finalized in one transaction. Requires the
// consensus aggregate to be complete or gated.
func (s *Service) FinalizeConsensus(ctx context.Context, rec model.Reconciliation, meta ctxutil.AuditMeta) (*model.Checklist, model.Aggregate, error) {
	if rec.FinalizedAt != nil {
		return nil, model.Aggregate{}, fmt.Errorf("finalize consensus: reconciliation already finalized: %w", ErrStateConflict)
	}
	consensus, err := s.db.GetChecklist(ctx, rec.ConsensusID)
	if err != nil {
		return nil, model.Aggregate{}, fmt.Errorf("finalize consensus: %w", err)
	}
	if consensus.Status != model.StatusInProgress && consensus.Status != model.StatusCompleted {
		return nil, model.Aggregate{}, fmt.Errorf("finalize consensus: consensus checklist is %s: %w", consensus.Status, ErrStateConflict)
	}
	agg := s.Score(ctx, consensus)
	if !agg.CanComplete() {
		return nil, model.Aggregate{}, fmt.Errorf("finalize consensus: consensus scoring incomplete: %w", ErrStateConflict)
	}

	expected := consensus.UpdatedAt
	now := time.Now().UTC()
	from := consensus.Status
	consensus.Status = model.StatusFinalized
	if consensus.CompletedAt == nil {
		consensus.CompletedAt = &now
	}
	consensus.FinalizedAt = &now

	consensusEvent := model.AuditEvent{
		ActorID:   meta.ActorID,
		EventType: model.EventStatusChanged,
		Payload:   payloadMap(model.StatusChangedPayload{From: from, To: model.StatusFinalized}),
	}
	sourcePayload := payloadMap(model.StatusChangedPayload{
		From: model.StatusReconciling,
		To:   model.StatusFinalized,
	})
	source1Event := model.AuditEvent{ActorID: meta.ActorID, EventType: model.EventStatusChanged, Payload: sourcePayload}
	source2Event := model.AuditEvent{ActorID: meta.ActorID, EventType: model.EventStatusChanged, Payload: sourcePayload}
	audit := mutationAudit(meta, "finalize_consensus", "reconciliation")

	if err := s.db.FinalizeConsensusTx(ctx, rec, consensus, expected, overallValue(agg), agg.CanComplete(), consensusEvent, source1Event, source2Event, audit); err != nil {
		return nil, model.Aggregate{}, fmt.Errorf("finalize consensus: %w", err)
	}

	s.notify(ctx, "finalize consensus", consensus, model.EventStatusChanged, agg)
	s.notifyReconciliation(ctx, "finalize consensus", rec, "finalized")
	return consensus, agg, nil
}

// Export writes the flattened tabular view of a checklist. Format is
// "csv" or "json".
func (s *Service) Export(ctx context.Context, w io.Writer, c *model.Checklist, format string) error {
	if format != "csv" && format != "json" {
		return fmt.Errorf("export: unknown format %q: %w", format, ErrInvalidInput)
	}
	reviewerName := c.ReviewerID.String()
	if reviewer, err := s.db.GetReviewerByID(ctx, c.ReviewerID); err == nil {
		reviewerName = reviewer.Name
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("export: %w", err)
	}

	rows := export.Rows(c, reviewerName)
	if format == "csv" {
		return export.WriteCSV(w, rows)
	}
	return export.WriteJSON(w, rows)
}

// save persists a mutated clone against the loaded snapshot's UpdatedAt,
// then emits the notification and mutation counter.
func (s *Service) save(ctx context.Context, op string, prev, next *model.Checklist, agg model.Aggregate, event model.AuditEvent, audit storage.MutationAuditEntry) (*model.Checklist, model.Aggregate, error) {
	audit.AfterData = next
	if _, err := s.db.SaveChecklistMutation(ctx, next, prev.UpdatedAt, overallValue(agg), agg.CanComplete(), event, audit); err != nil {
		return nil, model.Aggregate{}, fmt.Errorf("%s: %w", op, err)
	}
	s.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("hyoka.event_type", string(event.EventType)),
	))
	s.notify(ctx, op, next, event.EventType, agg)
	return next, agg, nil
}

// notify publishes a live-update event. Failures are logged, never
// returned, so a NOTIFY hiccup cannot fail a committed write.
func (s *Service) notify(ctx context.Context, op string, c *model.Checklist, eventType model.EventType, agg model.Aggregate) {
	ev := model.ChecklistEvent{
		ChecklistID: c.ID,
		StudyID:     c.StudyID,
		Instrument:  c.Instrument,
		EventType:   eventType,
		Status:      c.Status,
		Overall:     agg.Overall,
		Complete:    agg.CanComplete(),
		OccurredAt:  time.Now().UTC(),
	}
	if err := s.db.NotifyChecklistEvent(ctx, ev); err != nil {
		s.logger.Error(op+": notify subscribers", "error", err)
	}
}

// notifyReconciliation publishes a reconciliation lifecycle change on the
// dedicated channel. Same failure policy as notify.
func (s *Service) notifyReconciliation(ctx context.Context, op string, rec model.Reconciliation, stage string) {
	ev := model.ReconciliationEvent{
		ReconciliationID: rec.ID,
		StudyID:          rec.StudyID,
		Instrument:       rec.Instrument,
		ConsensusID:      rec.ConsensusID,
		Stage:            stage,
		OccurredAt:       time.Now().UTC(),
	}
	if err := s.db.NotifyReconciliationEvent(ctx, ev); err != nil {
		s.logger.Error(op+": notify reconciliation subscribers", "error", err)
	}
}

// promoteDraft moves a draft to in-progress; the first mutation is what
// starts the assessment.
func promoteDraft(c *model.Checklist) {
	if c.Status == model.StatusDraft {
		c.Status = model.StatusInProgress
	}
}

// applyOverride writes or clears an override in place.
func applyOverride(source *model.JudgementSource, override **model.Judgement, j *model.Judgement) {
	if j == nil {
		*source = model.SourceAuto
		*override = nil
		return
	}
	v := *j
	*source = model.SourceManual
	*override = &v
}

// overallValue unwraps the aggregate's overall judgement for the cached
// column, empty when absent.
func overallValue(agg model.Aggregate) model.Judgement {
	if agg.Overall == nil {
		return ""
	}
	return *agg.Overall
}

// payloadMap converts a typed event payload to the map form stored on
// the audit chain.
func payloadMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// mutationAudit builds the request-scoped audit entry for a state change.
// Storage fills ResourceID for checklist writes.
func mutationAudit(meta ctxutil.AuditMeta, operation, resourceType string) storage.MutationAuditEntry {
	return storage.MutationAuditEntry{
		RequestID:    meta.RequestID,
		ActorID:      meta.ActorID,
		ActorRole:    meta.ActorRole,
		HTTPMethod:   meta.HTTPMethod,
		Endpoint:     meta.Endpoint,
		Operation:    operation,
		ResourceType: resourceType,
	}
}

// validateFieldValue checks a preliminary value against its field spec:
// exactly one member set, matching the declared kind, within limits.
func validateFieldValue(f *schema.FieldSpec, v model.PrelimValue) error {
	set := 0
	if v.Text != nil {
		set++
	}
	if v.Choice != nil {
		set++
	}
	if v.List != nil {
		set++
	}
	if v.Multi != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one value member must be set")
	}

	switch f.Kind {
	case schema.FieldText:
		if v.Text == nil {
			return fmt.Errorf("field %s takes a text value", f.Key)
		}
		if len(*v.Text) > model.MaxPrelimTextLen {
			return fmt.Errorf("field %s exceeds %d bytes", f.Key, model.MaxPrelimTextLen)
		}
	case schema.FieldChoice:
		if v.Choice == nil {
			return fmt.Errorf("field %s takes a choice value", f.Key)
		}
		allowed := false
		for _, code := range f.Choices {
			if code == *v.Choice {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("choice %q not defined for field %s", *v.Choice, f.Key)
		}
	case schema.FieldList:
		if v.List == nil {
			return fmt.Errorf("field %s takes a list value", f.Key)
		}
		if len(v.List) > model.MaxListItems {
			return fmt.Errorf("field %s exceeds %d items", f.Key, model.MaxListItems)
		}
		for _, item := range v.List {
			if len(item) > model.MaxListItemLen {
				return fmt.Errorf("field %s item exceeds %d bytes", f.Key, model.MaxListItemLen)
			}
		}
	case schema.FieldMulti:
		if v.Multi == nil {
			return fmt.Errorf("field %s takes a multi value", f.Key)
		}
		for opt := range v.Multi {
			known := false
			for _, o := range f.Options {
				if o == opt {
					known = true
					break
				}
			}
			if !known {
				return fmt.Errorf("option %q not defined for field %s", opt, f.Key)
			}
		}
	}
	return nil
}

// validSelectionKey reports whether key names a slot the merge
// recognizes.
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
