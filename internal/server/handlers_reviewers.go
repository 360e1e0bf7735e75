package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/auth"
	"github.com/ashita-ai/hyoka/internal/model"
)

// HandleCreateReviewer handles POST /v1/reviewers (admin-only).
// With api_key empty, a managed key is minted and returned once; with a
// key supplied, it becomes the account's legacy credential.
func (h *Handlers) HandleCreateReviewer(w http.ResponseWriter, r *http.Request) {
	var req model.CreateReviewerRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if req.Email == "" || req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "email and name are required")
		return
	}
	if err := model.ValidateEmail(req.Email); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if len(req.Name) > model.MaxNameLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name too long")
		return
	}
	if req.Role == "" {
		req.Role = model.RoleReviewer
	}
	if model.RoleRank(req.Role) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"invalid role: must be one of admin, reviewer, reader")
		return
	}

	if req.APIKey != "" {
		h.createReviewerWithLegacyKey(w, r, req)
		return
	}

	// Mint the account and its first managed key in one transaction.
	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate api key", err)
		return
	}
	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	createdBy := uuid.Nil
	if id, err := claims.ReviewerID(); err == nil {
		createdBy = id
	}

	reviewer := model.Reviewer{
		Email: req.Email,
		Name:  req.Name,
		Role:  req.Role,
	}
	key := model.APIKey{
		Prefix:    prefix,
		KeyHash:   hash,
		Label:     "initial",
		CreatedBy: createdBy,
	}

	reviewerAudit := h.buildAuditEntry(r, "create_reviewer", "reviewer", "", nil, nil, nil)
	keyAudit := h.buildAuditEntry(r, "create_api_key", "api_key", "", nil, nil,
		map[string]any{"label": key.Label})

	created, createdKey, err := h.db.CreateReviewerAndKeyTx(r.Context(), reviewer, key, reviewerAudit, keyAudit)
	if err != nil {
		h.writeServiceError(w, r, "failed to create reviewer", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, map[string]any{
		"reviewer": created,
		"api_key":  model.APIKeyWithRawKey{APIKey: createdKey, RawKey: rawKey},
	})
}

// createReviewerWithLegacyKey provisions an account whose credential was
// chosen by the caller. Used for migrations and scripted setups; the key
// is stored as the account hash, not as a managed key row.
func (h *Handlers) createReviewerWithLegacyKey(w http.ResponseWriter, r *http.Request, req model.CreateReviewerRequest) {
	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	created, err := h.db.CreateReviewer(r.Context(), model.Reviewer{
		Email:      req.Email,
		Name:       req.Name,
		Role:       req.Role,
		APIKeyHash: &hash,
	})
	if err != nil {
		h.writeServiceError(w, r, "failed to create reviewer", err)
		return
	}

	if err := h.recordMutationAuditBestEffort(r, "create_reviewer", "reviewer", created.ID.String(), nil, created, nil); err != nil {
		h.logger.Error("audit create reviewer", "error", err, "reviewer_id", created.ID)
	}

	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListReviewers handles GET /v1/reviewers (admin-only).
func (h *Handlers) HandleListReviewers(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 200)
	offset := queryOffset(r)

	reviewers, err := h.db.ListReviewers(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list reviewers", err)
		return
	}
	total, err := h.db.CountReviewers(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to count reviewers", err)
		return
	}

	writeListJSON(w, r, reviewers, &total, offset+len(reviewers) < total, limit, offset)
}

// HandleGetReviewer handles GET /v1/reviewers/{reviewer_id} (self or admin).
func (h *Handlers) HandleGetReviewer(w http.ResponseWriter, r *http.Request) {
	reviewerID, ok := pathUUID(w, r, "reviewer_id")
	if !ok {
		return
	}
	if !h.selfOrAdmin(w, r, reviewerID) {
		return
	}

	reviewer, err := h.db.GetReviewerByID(r.Context(), reviewerID)
	if err != nil {
		h.writeServiceError(w, r, "failed to get reviewer", err)
		return
	}
	writeJSON(w, r, http.StatusOK, reviewer)
}

// HandleUpdateReviewer handles PATCH /v1/reviewers/{reviewer_id} (admin-only).
func (h *Handlers) HandleUpdateReviewer(w http.ResponseWriter, r *http.Request) {
	reviewerID, ok := pathUUID(w, r, "reviewer_id")
	if !ok {
		return
	}

	var req model.UpdateReviewerRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == nil && req.Role == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "nothing to update")
		return
	}
	if req.Name != nil && (*req.Name == "" || len(*req.Name) > model.MaxNameLen) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name must be 1-500 characters")
		return
	}
	if req.Role != nil && model.RoleRank(*req.Role) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"invalid role: must be one of admin, reviewer, reader")
		return
	}

	// Demoting yourself out of admin is an easy way to lock everyone out
	// of a single-admin deployment.
	claims := ClaimsFromContext(r.Context())
	if req.Role != nil && *req.Role != model.RoleAdmin && claims.Subject == reviewerID.String() {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "cannot change your own admin role")
		return
	}

	audit := h.buildAuditEntry(r, "update_reviewer", "reviewer", reviewerID.String(), nil, nil, nil)
	updated, err := h.db.UpdateReviewerWithAudit(r.Context(), reviewerID, req.Name, req.Role, audit)
	if err != nil {
		h.writeServiceError(w, r, "failed to update reviewer", err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleReviewerStats handles GET /v1/reviewers/{reviewer_id}/stats (self or admin).
func (h *Handlers) HandleReviewerStats(w http.ResponseWriter, r *http.Request) {
	reviewerID, ok := pathUUID(w, r, "reviewer_id")
	if !ok {
		return
	}
	if !h.selfOrAdmin(w, r, reviewerID) {
		return
	}

	stats, err := h.db.GetReviewerStats(r.Context(), reviewerID)
	if err != nil {
		h.writeInternalError(w, r, "failed to get reviewer stats", err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleReviewerQueue handles GET /v1/reviewers/{reviewer_id}/queue
// (self or admin). Returns the checklists currently waiting on this
// reviewer, bucketed by the action they need.
func (h *Handlers) HandleReviewerQueue(w http.ResponseWriter, r *http.Request) {
	reviewerID, ok := pathUUID(w, r, "reviewer_id")
	if !ok {
		return
	}
	if !h.selfOrAdmin(w, r, reviewerID) {
		return
	}

	queue, err := h.progressSvc.ReviewerQueue(r.Context(), reviewerID)
	if err != nil {
		h.writeInternalError(w, r, "failed to build reviewer queue", err)
		return
	}
	writeJSON(w, r, http.StatusOK, queue)
}

// HandleReviewerActivity handles GET /v1/reviewers/{reviewer_id}/activity
// (admin-only). Returns the reviewer's recent access log entries, newest
// first.
func (h *Handlers) HandleReviewerActivity(w http.ResponseWriter, r *http.Request) {
	reviewerID, ok := pathUUID(w, r, "reviewer_id")
	if !ok {
		return
	}
	limit := queryLimit(r, 200)

	events, err := h.db.GetAccessEventsByReviewer(r.Context(), reviewerID, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to load access log", err)
		return
	}
	writeListJSON(w, r, events, nil, len(events) == limit, limit, 0)
}

// selfOrAdmin authorizes access to reviewer-scoped resources: the
// reviewer themselves or any admin. Writes the error response on denial.
func (h *Handlers) selfOrAdmin(w http.ResponseWriter, r *http.Request, reviewerID uuid.UUID) bool {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return false
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) || claims.Subject == reviewerID.String() {
		return true
	}
	writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "insufficient permissions")
	return false
}
