package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/integrity"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// HandleCreateGrant handles POST /v1/grants (admin-only).
// Grants a reviewer read or write access to a study or checklist they are
// not assigned to. A nil resource_id grants access to every resource of
// that type.
func (h *Handlers) HandleCreateGrant(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateGrantRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if req.GranteeID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "grantee_id is required")
		return
	}

	validResourceTypes := map[string]bool{
		model.GrantResourceStudy:     true,
		model.GrantResourceChecklist: true,
	}
	validPermissions := map[string]bool{
		model.PermissionRead:  true,
		model.PermissionWrite: true,
	}
	if !validResourceTypes[req.ResourceType] {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"invalid resource_type: must be study or checklist")
		return
	}
	if !validPermissions[req.Permission] {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"invalid permission: must be read or write")
		return
	}

	grantee, err := h.db.GetReviewerByID(r.Context(), req.GranteeID)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "grantee reviewer not found")
			return
		}
		h.writeInternalError(w, r, "grants: load grantee", err)
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t, perr := time.Parse(time.RFC3339, *req.ExpiresAt)
		if perr != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"invalid expires_at format (expected RFC3339)")
			return
		}
		if !t.After(time.Now().UTC()) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"expires_at must be in the future")
			return
		}
		expiresAt = &t
	}

	grantorID, err := claims.ReviewerID()
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid token subject")
		return
	}

	audit := h.buildAuditEntry(r, "create_grant", "access_grant", "", nil, nil, map[string]any{
		"grantee_id":    grantee.ID.String(),
		"resource_type": req.ResourceType,
		"permission":    req.Permission,
	})
	grant, err := h.db.CreateGrantWithAudit(r.Context(), model.AccessGrant{
		GrantorID:    grantorID,
		GranteeID:    grantee.ID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Permission:   req.Permission,
		ExpiresAt:    expiresAt,
	}, audit)
	if err != nil {
		if isDuplicateKeyError(err) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "an equivalent grant already exists")
			return
		}
		h.writeInternalError(w, r, "grants: create", err)
		return
	}

	// Drop the grantee's cached access set so the grant takes effect now
	// instead of after the cache TTL.
	if h.grantCache != nil {
		h.grantCache.Invalidate(grantee.ID.String())
	}

	writeJSON(w, r, http.StatusCreated, grant)
}

// HandleListGrants handles GET /v1/grants?grantee_id=... (admin-only).
// Grants are always inspected per reviewer; grantee_id is required.
func (h *Handlers) HandleListGrants(w http.ResponseWriter, r *http.Request) {
	granteeStr := r.URL.Query().Get("grantee_id")
	if granteeStr == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "grantee_id query parameter is required")
		return
	}
	granteeID, err := uuid.Parse(granteeStr)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid grantee_id")
		return
	}

	grants, err := h.db.ListGrantsByGrantee(r.Context(), granteeID)
	if err != nil {
		h.writeInternalError(w, r, "grants: list", err)
		return
	}
	if grants == nil {
		grants = []model.AccessGrant{}
	}

	writeJSON(w, r, http.StatusOK, grants)
}

// HandleDeleteGrant handles DELETE /v1/grants/{grant_id} (admin-only).
func (h *Handlers) HandleDeleteGrant(w http.ResponseWriter, r *http.Request) {
	grantID, ok := pathUUID(w, r, "grant_id")
	if !ok {
		return
	}

	// Load first so the revocation can invalidate the grantee's cache.
	grant, err := h.db.GetGrant(r.Context(), grantID)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "grant not found")
			return
		}
		h.writeInternalError(w, r, "grants: load", err)
		return
	}

	audit := h.buildAuditEntry(r, "delete_grant", "access_grant", grantID.String(), nil, nil, nil)
	if err := h.db.DeleteGrantWithAudit(r.Context(), grantID, audit); err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "grant not found")
			return
		}
		h.writeInternalError(w, r, "grants: delete", err)
		return
	}

	if h.grantCache != nil {
		h.grantCache.Invalidate(grant.GranteeID.String())
	}

	w.WriteHeader(http.StatusNoContent)
}

// holdRequest is the body for POST /v1/retention/holds.
type holdRequest struct {
	Reason   string      `json:"reason"`
	From     time.Time   `json:"from"`
	To       time.Time   `json:"to"`
	StudyIDs []uuid.UUID `json:"study_ids,omitempty"`
}

// HandleCreateHold handles POST /v1/retention/holds (admin-only).
// Creates a legal hold that blocks purging studies created inside the
// window. An empty study_ids list covers every study.
func (h *Handlers) HandleCreateHold(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req holdRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if req.Reason == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason is required")
		return
	}
	if req.From.IsZero() || req.To.IsZero() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "from and to are required")
		return
	}
	if !req.To.After(req.From) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "to must be after from")
		return
	}

	hold, err := h.db.CreateHold(r.Context(), storage.RetentionHold{
		Reason:    req.Reason,
		HoldFrom:  req.From,
		HoldTo:    req.To,
		StudyIDs:  req.StudyIDs,
		CreatedBy: claims.Email,
	})
	if err != nil {
		h.writeInternalError(w, r, "retention: create hold", err)
		return
	}

	h.logger.Info("retention hold created",
		"hold_id", hold.ID,
		"reason", hold.Reason,
		"studies", len(hold.StudyIDs),
		"request_id", RequestIDFromContext(r.Context()),
	)

	writeJSON(w, r, http.StatusCreated, hold)
}

// HandleListHolds handles GET /v1/retention/holds (admin-only).
// Returns every hold, released ones included, newest first.
func (h *Handlers) HandleListHolds(w http.ResponseWriter, r *http.Request) {
	holds, err := h.db.ListHolds(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "retention: list holds", err)
		return
	}
	if holds == nil {
		holds = []storage.RetentionHold{}
	}
	writeJSON(w, r, http.StatusOK, holds)
}

// HandleReleaseHold handles DELETE /v1/retention/holds/{hold_id} (admin-only).
func (h *Handlers) HandleReleaseHold(w http.ResponseWriter, r *http.Request) {
	holdID, ok := pathUUID(w, r, "hold_id")
	if !ok {
		return
	}

	released, err := h.db.ReleaseHold(r.Context(), holdID)
	if err != nil {
		h.writeInternalError(w, r, "retention: release hold", err)
		return
	}
	if !released {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "hold not found or already released")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleListIntegrityProofs handles GET /v1/integrity/proofs (admin-only).
func (h *Handlers) HandleListIntegrityProofs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	proofs, err := h.db.ListIntegrityProofs(r.Context(), limit)
	if err != nil {
		h.writeInternalError(w, r, "integrity: list proofs", err)
		return
	}
	if proofs == nil {
		proofs = []storage.IntegrityProof{}
	}
	writeJSON(w, r, http.StatusOK, proofs)
}

// HandleRunIntegrityProof handles POST /v1/integrity/proofs (admin-only).
// Builds a Merkle proof over audit events recorded since the previous
// proof's batch end, on demand rather than waiting for the background
// loop's next tick.
func (h *Handlers) HandleRunIntegrityProof(w http.ResponseWriter, r *http.Request) {
	latest, err := h.db.GetLatestIntegrityProof(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "integrity: get latest proof", err)
		return
	}

	batchStart := time.Time{} // Zero time: cover all events from the beginning.
	var previousRoot *string
	if latest != nil {
		batchStart = latest.BatchEnd
		previousRoot = &latest.RootHash
	}
	now := time.Now().UTC()

	hashes, err := h.db.GetEventHashesForBatch(r.Context(), batchStart, now)
	if err != nil {
		h.writeInternalError(w, r, "integrity: get event hashes", err)
		return
	}
	if len(hashes) == 0 {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"no new audit events since the last proof")
		return
	}

	proof := storage.IntegrityProof{
		ID:           uuid.New(),
		BatchStart:   batchStart,
		BatchEnd:     now,
		EventCount:   len(hashes),
		RootHash:     integrity.BuildMerkleRoot(hashes),
		PreviousRoot: previousRoot,
		CreatedAt:    now,
	}
	if err := h.db.CreateIntegrityProof(r.Context(), proof); err != nil {
		h.writeInternalError(w, r, "integrity: create proof", err)
		return
	}

	h.logger.Info("integrity proof created",
		"events", proof.EventCount,
		"root_hash", proof.RootHash[:16]+"...",
		"request_id", RequestIDFromContext(r.Context()),
	)

	writeJSON(w, r, http.StatusCreated, proof)
}

// HandleDashboard handles GET /v1/dashboard (admin-only).
func (h *Handlers) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.progressSvc.PlatformDashboard(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "progress: platform dashboard", err)
		return
	}
	writeJSON(w, r, http.StatusOK, dash)
}
