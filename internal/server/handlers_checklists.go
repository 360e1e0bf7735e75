package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/authz"
	"github.com/ashita-ai/hyoka/internal/integrity"
	"github.com/ashita-ai/hyoka/internal/model"
)

// checklistResponse pairs a checklist with the aggregate computed from its
// current answers. Every read and mutation returns both, so clients never
// score locally.
type checklistResponse struct {
	Checklist *model.Checklist `json:"checklist"`
	Aggregate model.Aggregate  `json:"aggregate"`
}

// HandleCreateChecklist handles POST /v1/checklists. The caller becomes
// the checklist's owning reviewer.
func (h *Handlers) HandleCreateChecklist(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateChecklistRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	actorID, err := claims.ReviewerID()
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid token subject")
		return
	}

	allowed, err := authz.CanAccessStudy(r.Context(), h.db, claims, req.StudyID, h.grantCache)
	if err != nil {
		h.writeInternalError(w, r, "checklists: check access", err)
		return
	}
	if !allowed {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
		return
	}

	c, agg, err := h.checklistSvc.Create(r.Context(), actorID, req, h.buildAuditMeta(r))
	if err != nil {
		h.writeServiceError(w, r, "checklists: create", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, checklistResponse{Checklist: c, Aggregate: agg})
}

// HandleListChecklists handles GET /v1/checklists. Supports ?study_id=,
// ?instrument=, ?reviewer_id=, ?status=, ?consensus=, ?created_after= and
// ?created_before= filters. Restricted callers see only checklists on
// studies they can access and get no total, same as the study list.
func (h *Handlers) HandleListChecklists(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	filters, err := checklistFiltersFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	res, err := h.checklistSvc.List(r.Context(), filters, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "checklists: list", err)
		return
	}

	granted, err := authz.LoadGrantedStudySet(r.Context(), h.db, claims, h.grantCache)
	if err != nil {
		h.writeInternalError(w, r, "checklists: load granted set", err)
		return
	}

	hasMore := offset+len(res.Items) < res.Total
	items := res.Items
	total := &res.Total
	if granted != nil {
		filtered := make([]*model.Checklist, 0, len(items))
		for _, c := range items {
			if granted[c.StudyID] {
				filtered = append(filtered, c)
			}
		}
		items = filtered
		total = nil
	}

	h.recordAccess(r, model.AccessList, "checklist", "")
	writeListJSON(w, r, items, total, hasMore, limit, offset)
}

// HandleGetChecklist handles GET /v1/checklists/{checklist_id}.
func (h *Handlers) HandleGetChecklist(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadChecklist(w, r)
	if !ok {
		return
	}

	agg := h.checklistSvc.Score(r.Context(), c)
	h.recordAccess(r, model.AccessView, "checklist", c.ID.String())
	writeJSON(w, r, http.StatusOK, checklistResponse{Checklist: c, Aggregate: agg})
}

// HandleRecordAnswer handles
// PUT /v1/checklists/{checklist_id}/domains/{domain}/answers/{question}.
// An empty code clears the answer.
func (h *Handlers) HandleRecordAnswer(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadChecklistForEdit(w, r)
	if !ok {
		return
	}

	var req model.RecordAnswerRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	saved, agg, err := h.checklistSvc.RecordAnswer(r.Context(), c,
		r.PathValue("domain"), r.PathValue("question"), req, h.buildAuditMeta(r))
	if err != nil {
		h.writeServiceError(w, r, "checklists: record answer", err)
		return
	}

	writeJSON(w, r, http.StatusOK, checklistResponse{Checklist: saved, Aggregate: agg})
}

// HandleSetPreliminary handles
// PUT /v1/checklists/{checklist_id}/preliminary/{field}.
func (h *Handlers) HandleSetPreliminary(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadChecklistForEdit(w, r)
	if !ok {
		return
	}

	var req model.SetPreliminaryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	saved, agg, err := h.checklistSvc.SetPreliminary(r.Context(), c, r.PathValue("field"), req, h.buildAuditMeta(r))
	if err != nil {
		h.writeServiceError(w, r, "checklists: set preliminary", err)
		return
	}

	writeJSON(w, r, http.StatusOK, checklistResponse{Checklist: saved, Aggregate: agg})
}

// HandleSetOverride handles
// PUT /v1/checklists/{checklist_id}/overrides/{scope}. Scope is a domain
// key or "overall". A null judgement in the body clears the override.
func (h *Handlers) HandleSetOverride(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadChecklistForEdit(w, r)
	if !ok {
		return
	}

	var req model.SetOverrideRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	saved, agg, err := h.checklistSvc.SetOverride(r.Context(), c, r.PathValue("scope"), req, h.buildAuditMeta(r))
	if err != nil {
		h.writeServiceError(w, r, "checklists: set override", err)
		return
	}

	writeJSON(w, r, http.StatusOK, checklistResponse{Checklist: saved, Aggregate: agg})
}

// HandleClearOverride handles
// DELETE /v1/checklists/{checklist_id}/overrides/{scope}. Equivalent to a
// PUT with a null judgement; the scope returns to automatic scoring.
func (h *Handlers) HandleClearOverride(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadChecklistForEdit(w, r)
	if !ok {
		return
	}

	saved, agg, err := h.checklistSvc.SetOverride(r.Context(), c, r.PathValue("scope"),
		model.SetOverrideRequest{Judgement: nil}, h.buildAuditMeta(r))
	if err != nil {
		h.writeServiceError(w, r, "checklists: clear override", err)
		return
	}

	writeJSON(w, r, http.StatusOK, checklistResponse{Checklist: saved, Aggregate: agg})
}

// HandleSetDirection handles
// PUT /v1/checklists/{checklist_id}/directions/{scope}. A null direction
// clears the annotation.
func (h *Handlers) HandleSetDirection(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadChecklistForEdit(w, r)
	if !ok {
		return
	}

	var req model.SetDirectionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	saved, agg, err := h.checklistSvc.SetDirection(r.Context(), c, r.PathValue("scope"), req, h.buildAuditMeta(r))
	if err != nil {
		h.writeServiceError(w, r, "checklists: set direction", err)
		return
	}

	writeJSON(w, r, http.StatusOK, checklistResponse{Checklist: saved, Aggregate: agg})
}

// HandleTransition handles POST /v1/checklists/{checklist_id}/status.
func (h *Handlers) HandleTransition(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadChecklistForEdit(w, r)
	if !ok {
		return
	}

	var req model.TransitionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	saved, agg, err := h.checklistSvc.Transition(r.Context(), c, req.Status, h.buildAuditMeta(r))
	if err != nil {
		h.writeServiceError(w, r, "checklists: transition", err)
		return
	}

	switch req.Status {
	case model.StatusCompleted:
		h.fireChecklistCompleted(saved)
	case model.StatusFinalized:
		h.fireChecklistFinalized(saved)
	}

	writeJSON(w, r, http.StatusOK, checklistResponse{Checklist: saved, Aggregate: agg})
}

// HandleExportChecklist handles
// GET /v1/checklists/{checklist_id}/export?format=. Streams the flattened
// tabular view as csv (default) or json.
func (h *Handlers) HandleExportChecklist(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadChecklist(w, r)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "format must be csv or json")
		return
	}

	h.recordAccess(r, model.AccessExport, "checklist", c.ID.String())

	contentType := "text/csv; charset=utf-8"
	if format == "json" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "checklist-"+c.ID.String()+"."+format))

	if err := h.checklistSvc.Export(r.Context(), w, c, format); err != nil {
		// Headers are gone; the truncated body is the only signal left.
		h.logger.Error("checklists: export write failed",
			"error", err,
			"checklist_id", c.ID,
			"request_id", RequestIDFromContext(r.Context()))
	}
}

// HandleChecklistEvents handles GET /v1/checklists/{checklist_id}/events.
// Returns the audit chain in sequence order.
func (h *Handlers) HandleChecklistEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadChecklist(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 0)
	events, err := h.db.GetEventsByChecklist(r.Context(), c.ID, limit)
	if err != nil {
		h.writeInternalError(w, r, "checklists: load events", err)
		return
	}

	h.recordAccess(r, model.AccessView, "checklist_events", c.ID.String())
	writeJSON(w, r, http.StatusOK, events)
}

// HandleVerifyChecklist handles GET /v1/checklists/{checklist_id}/verify.
// Recomputes every content hash and link in the checklist's audit chain.
func (h *Handlers) HandleVerifyChecklist(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadChecklist(w, r)
	if !ok {
		return
	}

	events, err := h.db.GetEventsByChecklist(r.Context(), c.ID, 0)
	if err != nil {
		h.writeInternalError(w, r, "checklists: load events", err)
		return
	}

	report := integrity.VerifyChain(events)
	if !report.Valid {
		h.logger.Error("checklists: audit chain verification failed",
			"checklist_id", c.ID,
			"reason", report.Reason,
			"broken_at", report.BrokenAt)
	}

	writeJSON(w, r, http.StatusOK, report)
}

// loadChecklist resolves the checklist_id path parameter and enforces read
// access. Access failures and missing checklists both read as 404 so
// callers cannot probe for existence.
func (h *Handlers) loadChecklist(w http.ResponseWriter, r *http.Request) (*model.Checklist, bool) {
	claims := ClaimsFromContext(r.Context())

	checklistID, ok := pathUUID(w, r, "checklist_id")
	if !ok {
		return nil, false
	}

	allowed, err := authz.CanAccessChecklist(r.Context(), h.db, claims, checklistID)
	if err != nil {
		h.writeInternalError(w, r, "checklists: check access", err)
		return nil, false
	}
	if !allowed {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
		return nil, false
	}

	c, err := h.db.GetChecklist(r.Context(), checklistID)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
			return nil, false
		}
		h.writeInternalError(w, r, "checklists: get checklist", err)
		return nil, false
	}
	return c, true
}

// loadChecklistForEdit loads a checklist for a mutating handler. Edits are
// owner-only on top of read access.
func (h *Handlers) loadChecklistForEdit(w http.ResponseWriter, r *http.Request) (*model.Checklist, bool) {
	c, ok := h.loadChecklist(w, r)
	if !ok {
		return nil, false
	}
	claims := ClaimsFromContext(r.Context())
	if !authz.CanEditChecklist(claims, c) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "only the checklist's reviewer can edit it")
		return nil, false
	}
	return c, true
}

// checklistFiltersFromQuery parses the list-endpoint filter parameters.
func checklistFiltersFromQuery(r *http.Request) (model.ChecklistFilters, error) {
	var filters model.ChecklistFilters
	q := r.URL.Query()

	if raw := q.Get("study_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filters, fmt.Errorf("invalid study_id")
		}
		filters.StudyID = &id
	}
	if raw := q.Get("reviewer_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filters, fmt.Errorf("invalid reviewer_id")
		}
		filters.ReviewerID = &id
	}
	if raw := q.Get("instrument"); raw != "" {
		filters.Instrument = &raw
	}
	if raw := q.Get("status"); raw != "" {
		status := model.Status(raw)
		if !status.Valid() {
			return filters, fmt.Errorf("invalid status %q", raw)
		}
		filters.Status = &status
	}
	if raw := q.Get("consensus"); raw != "" {
		consensus, err := strconv.ParseBool(raw)
		if err != nil {
			return filters, fmt.Errorf("invalid consensus: expected true or false")
		}
		filters.Consensus = &consensus
	}

	from, err := queryTime(r, "created_after")
	if err != nil {
		return filters, err
	}
	to, err := queryTime(r, "created_before")
	if err != nil {
		return filters, err
	}
	if from != nil || to != nil {
		filters.TimeRange = &model.TimeRange{From: from, To: to}
	}

	return filters, nil
}
