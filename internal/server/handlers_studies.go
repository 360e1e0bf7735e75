package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/authz"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/schema"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// HandleCreateStudy handles POST /v1/studies. When the request carries raw
// citation text and the extraction sidecar is configured, recognized
// bibliographic fields prefill whatever the caller left empty.
func (h *Handlers) HandleCreateStudy(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateStudyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if req.Citation != nil && *req.Citation != "" && h.extractor != nil {
		meta, err := h.extractor.Extract(r.Context(), *req.Citation)
		if err != nil {
			// Extraction is advisory. The study is still created from
			// whatever the caller typed in.
			h.logger.Warn("extract: citation extraction failed",
				"error", err,
				"request_id", RequestIDFromContext(r.Context()))
		} else {
			meta.Apply(&req)
		}
	}

	if err := validateStudyFields(req.Title, req.SourceURI, req.Year, req.Tags); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	createdBy := uuid.Nil
	if id, cerr := claims.ReviewerID(); cerr == nil {
		createdBy = id
	}

	study := model.Study{
		Title:     req.Title,
		Authors:   req.Authors,
		Year:      req.Year,
		Journal:   req.Journal,
		DOI:       req.DOI,
		SourceURI: req.SourceURI,
		Tags:      req.Tags,
		Metadata:  req.Metadata,
		CreatedBy: createdBy,
	}

	audit := h.buildAuditEntry(r, "create_study", "study", "", nil, nil, nil)
	created, err := h.db.CreateStudyWithAudit(r.Context(), study, audit)
	if err != nil {
		h.writeInternalError(w, r, "studies: create study", err)
		return
	}

	// A fresh study is not in any cached grant set yet.
	if h.grantCache != nil {
		h.grantCache.Invalidate(createdBy.String())
	}

	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListStudies handles GET /v1/studies. Supports ?tags= (comma
// separated), ?year=, ?created_after= and ?created_before= filters.
// Non-admin callers see only studies they can access; the total is
// omitted for them because the unfiltered count would leak corpus size.
func (h *Handlers) HandleListStudies(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	filters, err := studyFiltersFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	res, err := h.db.ListStudies(r.Context(), filters, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "studies: list studies", err)
		return
	}

	granted, err := authz.LoadGrantedStudySet(r.Context(), h.db, claims, h.grantCache)
	if err != nil {
		h.writeInternalError(w, r, "studies: load granted set", err)
		return
	}

	hasMore := offset+len(res.Items) < res.Total
	items := res.Items
	total := &res.Total
	if granted != nil {
		filtered := make([]model.Study, 0, len(items))
		for _, s := range items {
			if granted[s.ID] {
				filtered = append(filtered, s)
			}
		}
		items = filtered
		total = nil
	}

	h.recordAccess(r, model.AccessList, "study", "")
	writeListJSON(w, r, items, total, hasMore, limit, offset)
}

// HandleGetStudy handles GET /v1/studies/{study_id}.
func (h *Handlers) HandleGetStudy(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	studyID, ok := pathUUID(w, r, "study_id")
	if !ok {
		return
	}

	allowed, err := authz.CanAccessStudy(r.Context(), h.db, claims, studyID, h.grantCache)
	if err != nil {
		h.writeInternalError(w, r, "studies: check access", err)
		return
	}
	if !allowed {
		// Report inaccessible studies exactly like missing ones.
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
		return
	}

	study, err := h.db.GetStudy(r.Context(), studyID)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
			return
		}
		h.writeInternalError(w, r, "studies: get study", err)
		return
	}

	h.recordAccess(r, model.AccessView, "study", studyID.String())
	writeJSON(w, r, http.StatusOK, study)
}

// HandleUpdateStudy handles PATCH /v1/studies/{study_id}. Partial update
// of the bibliographic fields; metadata merges, tags have their own
// endpoint.
func (h *Handlers) HandleUpdateStudy(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	studyID, ok := pathUUID(w, r, "study_id")
	if !ok {
		return
	}

	var req model.UpdateStudyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if req.Tags != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tags are replaced via PUT /v1/studies/{study_id}/tags")
		return
	}
	if req.Title == nil && req.Authors == nil && req.Year == nil && req.Journal == nil &&
		req.DOI == nil && req.SourceURI == nil && req.Metadata == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "nothing to update")
		return
	}
	if req.Title != nil {
		if *req.Title == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "title must not be empty")
			return
		}
		if len(*req.Title) > model.MaxTitleLen {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "title exceeds maximum length")
			return
		}
	}
	if req.SourceURI != nil && *req.SourceURI != "" {
		if err := model.ValidateSourceURI(*req.SourceURI); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}
	if req.Year != nil {
		if err := validateStudyYear(*req.Year); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	allowed, err := authz.CanAccessStudy(r.Context(), h.db, claims, studyID, h.grantCache)
	if err != nil {
		h.writeInternalError(w, r, "studies: check access", err)
		return
	}
	if !allowed {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
		return
	}

	before, err := h.db.GetStudy(r.Context(), studyID)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
			return
		}
		h.writeInternalError(w, r, "studies: get study", err)
		return
	}

	audit := h.buildAuditEntry(r, "update_study", "study", studyID.String(), before, nil, nil)
	updated, err := h.db.UpdateStudyWithAudit(r.Context(), studyID,
		req.Title, req.Authors, req.Journal, req.DOI, req.SourceURI, req.Year, req.Metadata, audit)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
			return
		}
		h.writeInternalError(w, r, "studies: update study", err)
		return
	}

	writeJSON(w, r, http.StatusOK, updated)
}

// HandleUpdateStudyTags handles PUT /v1/studies/{study_id}/tags. Replaces
// the whole tag set; an empty list clears it.
func (h *Handlers) HandleUpdateStudyTags(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	studyID, ok := pathUUID(w, r, "study_id")
	if !ok {
		return
	}

	var req struct {
		Tags []string `json:"tags"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := validateTags(req.Tags); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	allowed, err := authz.CanAccessStudy(r.Context(), h.db, claims, studyID, h.grantCache)
	if err != nil {
		h.writeInternalError(w, r, "studies: check access", err)
		return
	}
	if !allowed {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
		return
	}

	before, err := h.db.GetStudy(r.Context(), studyID)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
			return
		}
		h.writeInternalError(w, r, "studies: get study", err)
		return
	}

	audit := h.buildAuditEntry(r, "update_study_tags", "study", studyID.String(), before.Tags, nil, nil)
	updated, err := h.db.UpdateStudyTagsWithAudit(r.Context(), studyID, req.Tags, audit)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
			return
		}
		h.writeInternalError(w, r, "studies: update tags", err)
		return
	}

	writeJSON(w, r, http.StatusOK, updated)
}

// HandleDeleteStudy handles DELETE /v1/studies/{study_id}. Admin only.
// Hard-purges the study and everything referencing it; each deleted row is
// archived to the deletion audit log first. Requires
// HYOKA_ENABLE_DESTRUCTIVE_DELETE and refuses while a retention hold
// covers the study.
func (h *Handlers) HandleDeleteStudy(w http.ResponseWriter, r *http.Request) {
	if !h.enableDestructiveDelete {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "destructive deletes are disabled on this deployment")
		return
	}

	studyID, ok := pathUUID(w, r, "study_id")
	if !ok {
		return
	}

	held, err := h.db.ActiveHoldsExistForStudy(r.Context(), studyID)
	if err != nil {
		h.writeInternalError(w, r, "studies: check retention holds", err)
		return
	}
	if held {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "study is covered by an active retention hold")
		return
	}

	audit := h.buildAuditEntry(r, "purge_study", "study", studyID.String(), nil, nil, nil)
	result, err := h.db.PurgeStudy(r.Context(), studyID, audit)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
			return
		}
		h.writeInternalError(w, r, "studies: purge study", err)
		return
	}

	h.logger.Info("study purged",
		"study_id", studyID,
		"checklists", result.Checklists,
		"audit_events", result.AuditEvents,
		"request_id", RequestIDFromContext(r.Context()))

	writeJSON(w, r, http.StatusOK, result)
}

// HandleSearchStudies handles POST /v1/studies/search. Full-text search
// over titles, authors and journals, post-filtered by the caller's granted
// study set.
func (h *Handlers) HandleSearchStudies(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.SearchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}

	results, err := h.db.SearchStudies(r.Context(), req)
	if err != nil {
		h.writeInternalError(w, r, "studies: search studies", err)
		return
	}

	granted, err := authz.LoadGrantedStudySet(r.Context(), h.db, claims, h.grantCache)
	if err != nil {
		h.writeInternalError(w, r, "studies: load granted set", err)
		return
	}
	if granted != nil {
		filtered := make([]model.SearchResult, 0, len(results))
		for _, res := range results {
			if granted[res.Study.ID] {
				filtered = append(filtered, res)
			}
		}
		results = filtered
	}

	h.recordAccess(r, model.AccessSearch, "study", "")
	writeJSON(w, r, http.StatusOK, results)
}

// HandleStudyProgress handles GET /v1/studies/{study_id}/progress.
func (h *Handlers) HandleStudyProgress(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	studyID, ok := pathUUID(w, r, "study_id")
	if !ok {
		return
	}

	allowed, err := authz.CanAccessStudy(r.Context(), h.db, claims, studyID, h.grantCache)
	if err != nil {
		h.writeInternalError(w, r, "studies: check access", err)
		return
	}
	if !allowed {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
		return
	}

	if _, err := h.db.GetStudy(r.Context(), studyID); err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
			return
		}
		h.writeInternalError(w, r, "studies: get study", err)
		return
	}

	summary, err := h.progressSvc.StudySummary(r.Context(), studyID)
	if err != nil {
		h.writeInternalError(w, r, "studies: study progress", err)
		return
	}

	writeJSON(w, r, http.StatusOK, summary)
}

// HandleCreateAssignment handles POST /v1/studies/{study_id}/assignments.
// Admin only. Pairs two reviewers on the study under one instrument; at
// most one assignment may exist per (study, instrument).
func (h *Handlers) HandleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	studyID, ok := pathUUID(w, r, "study_id")
	if !ok {
		return
	}

	var req model.CreateAssignmentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if _, ok := schema.Get(req.Instrument); !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown instrument: "+req.Instrument)
		return
	}
	if req.Reviewer1ID == uuid.Nil || req.Reviewer2ID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reviewer1_id and reviewer2_id are required")
		return
	}
	if req.Reviewer1ID == req.Reviewer2ID {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reviewer1_id and reviewer2_id must be different reviewers")
		return
	}

	for _, reviewerID := range []uuid.UUID{req.Reviewer1ID, req.Reviewer2ID} {
		reviewer, err := h.db.GetReviewerByID(r.Context(), reviewerID)
		if err != nil {
			if isNotFoundError(err) {
				writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "reviewer not found")
				return
			}
			h.writeInternalError(w, r, "studies: load reviewer", err)
			return
		}
		if !model.RoleAtLeast(reviewer.Role, model.RoleReviewer) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "readers cannot hold review assignments")
			return
		}
	}

	if _, err := h.db.GetStudy(r.Context(), studyID); err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
			return
		}
		h.writeInternalError(w, r, "studies: get study", err)
		return
	}

	assignment := model.Assignment{
		StudyID:     studyID,
		Instrument:  req.Instrument,
		Reviewer1ID: req.Reviewer1ID,
		Reviewer2ID: req.Reviewer2ID,
	}

	audit := h.buildAuditEntry(r, "create_assignment", "assignment", "", nil, nil, nil)
	created, err := h.db.CreateAssignmentWithAudit(r.Context(), assignment, audit)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "an assignment already exists for this study and instrument")
			return
		}
		h.writeInternalError(w, r, "studies: create assignment", err)
		return
	}

	// Both reviewers just gained access to the study.
	if h.grantCache != nil {
		h.grantCache.Invalidate(req.Reviewer1ID.String())
		h.grantCache.Invalidate(req.Reviewer2ID.String())
	}

	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListStudyAssignments handles GET /v1/studies/{study_id}/assignments.
func (h *Handlers) HandleListStudyAssignments(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	studyID, ok := pathUUID(w, r, "study_id")
	if !ok {
		return
	}

	allowed, err := authz.CanAccessStudy(r.Context(), h.db, claims, studyID, h.grantCache)
	if err != nil {
		h.writeInternalError(w, r, "studies: check access", err)
		return
	}
	if !allowed {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
		return
	}

	assignments, err := h.db.ListAssignmentsForStudy(r.Context(), studyID)
	if err != nil {
		h.writeInternalError(w, r, "studies: list assignments", err)
		return
	}

	writeJSON(w, r, http.StatusOK, assignments)
}

// HandleCompareStudy handles GET /v1/studies/{study_id}/compare?instrument=.
// Returns the field-by-field agreement report for the study's completed
// reviewer pair under the given instrument.
func (h *Handlers) HandleCompareStudy(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	studyID, ok := pathUUID(w, r, "study_id")
	if !ok {
		return
	}

	instrument := r.URL.Query().Get("instrument")
	if instrument == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "instrument query parameter is required")
		return
	}

	allowed, err := authz.CanAccessStudy(r.Context(), h.db, claims, studyID, h.grantCache)
	if err != nil {
		h.writeInternalError(w, r, "studies: check access", err)
		return
	}
	if !allowed {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
		return
	}

	result, err := h.checklistSvc.Compare(r.Context(), studyID, instrument)
	if err != nil {
		h.writeServiceError(w, r, "studies: compare", err)
		return
	}

	h.recordAccess(r, model.AccessCompare, "study", studyID.String())
	writeJSON(w, r, http.StatusOK, result)
}

// validateStudyFields checks the fields shared by study creation paths.
func validateStudyFields(title string, sourceURI *string, year *int, tags []string) error {
	if title == "" {
		return errors.New("title is required")
	}
	if len(title) > model.MaxTitleLen {
		return errors.New("title exceeds maximum length")
	}
	if sourceURI != nil && *sourceURI != "" {
		if err := model.ValidateSourceURI(*sourceURI); err != nil {
			return err
		}
	}
	if year != nil {
		if err := validateStudyYear(*year); err != nil {
			return err
		}
	}
	return validateTags(tags)
}

func validateStudyYear(year int) error {
	// Lower bound predates modern journals; upper bound allows papers
	// published online ahead of print.
	if year < 1400 || year > time.Now().UTC().Year()+1 {
		return errors.New("year out of range")
	}
	return nil
}

func validateTags(tags []string) error {
	if len(tags) > model.MaxListItems {
		return errors.New("too many tags")
	}
	for _, tag := range tags {
		if err := model.ValidateTag(tag); err != nil {
			return err
		}
	}
	return nil
}

// studyFiltersFromQuery parses the list-endpoint filter parameters.
func studyFiltersFromQuery(r *http.Request) (model.StudyFilters, error) {
	var filters model.StudyFilters

	if raw := r.URL.Query().Get("tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			tag = strings.TrimSpace(tag)
			if tag != "" {
				filters.Tags = append(filters.Tags, tag)
			}
		}
	}
	if raw := r.URL.Query().Get("year"); raw != "" {
		year := queryInt(r, "year", 0)
		if year == 0 {
			return filters, errors.New("invalid year")
		}
		filters.Year = &year
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
