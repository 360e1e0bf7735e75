package server

import (
	"net/http"

	"github.com/ashita-ai/hyoka/internal/authz"
	"github.com/ashita-ai/hyoka/internal/model"
)

// reconciliationResponse bundles a reconciliation with its consensus
// checklist and score.
type reconciliationResponse struct {
	Reconciliation model.Reconciliation `json:"reconciliation"`
	Consensus      *model.Checklist     `json:"consensus"`
	Aggregate      model.Aggregate      `json:"aggregate"`
}

// HandleReconcileStudy handles POST /v1/studies/{study_id}/reconcile.
// Merges the study's awaiting reviewer pair into a consensus checklist
// according to the selection map. Only the assigned reviewers or an admin
// may start it. Honors the Idempotency-Key header: a retry with the same
// key replays the original response instead of opening a second
// reconciliation.
func (h *Handlers) HandleReconcileStudy(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	studyID, ok := pathUUID(w, r, "study_id")
	if !ok {
		return
	}

	var req model.ReconcileRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Instrument == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "instrument is required")
		return
	}

	actorID, err := claims.ReviewerID()
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid token subject")
		return
	}

	assignment, err := h.db.GetAssignment(r.Context(), studyID, req.Instrument)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no assignment for this study and instrument")
			return
		}
		h.writeInternalError(w, r, "reconcile: load assignment", err)
		return
	}
	if !authz.CanReconcile(claims, assignment) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "only the assigned reviewers or an admin can reconcile")
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, actorID, reconcileEndpoint(studyID), req)
	if !proceed {
		return
	}

	rec, consensus, agg, err := h.checklistSvc.StartReconciliation(r.Context(), actorID, studyID, req, h.buildAuditMeta(r))
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeServiceError(w, r, "reconcile: start", err)
		return
	}

	resp := reconciliationResponse{Reconciliation: rec, Consensus: consensus, Aggregate: agg}
	h.completeIdempotentWriteBestEffort(r, idem, http.StatusCreated, resp)
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleListStudyReconciliations handles
// GET /v1/studies/{study_id}/reconciliations.
func (h *Handlers) HandleListStudyReconciliations(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	studyID, ok := pathUUID(w, r, "study_id")
	if !ok {
		return
	}

	allowed, err := authz.CanAccessStudy(r.Context(), h.db, claims, studyID, h.grantCache)
	if err != nil {
		h.writeInternalError(w, r, "reconcile: check access", err)
		return
	}
	if !allowed {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
		return
	}

	recs, err := h.db.ListReconciliationsForStudy(r.Context(), studyID)
	if err != nil {
		h.writeInternalError(w, r, "reconcile: list reconciliations", err)
		return
	}

	writeJSON(w, r, http.StatusOK, recs)
}

// HandleGetReconciliation handles GET /v1/reconciliations/{rec_id}.
func (h *Handlers) HandleGetReconciliation(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	recID, ok := pathUUID(w, r, "rec_id")
	if !ok {
		return
	}

	rec, err := h.db.GetReconciliation(r.Context(), recID)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
			return
		}
		h.writeInternalError(w, r, "reconcile: get reconciliation", err)
		return
	}

	allowed, err := authz.CanAccessStudy(r.Context(), h.db, claims, rec.StudyID, h.grantCache)
	if err != nil {
		h.writeInternalError(w, r, "reconcile: check access", err)
		return
	}
	if !allowed {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
		return
	}

	h.recordAccess(r, model.AccessView, "reconciliation", rec.ID.String())
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleFinalizeReconciliation handles
// POST /v1/reconciliations/{rec_id}/finalize. Closes the reconciliation:
// the consensus checklist and both sources become finalized together.
func (h *Handlers) HandleFinalizeReconciliation(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	recID, ok := pathUUID(w, r, "rec_id")
	if !ok {
		return
	}

	rec, err := h.db.GetReconciliation(r.Context(), recID)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
			return
		}
		h.writeInternalError(w, r, "reconcile: get reconciliation", err)
		return
	}

	allowed := model.RoleAtLeast(claims.Role, model.RoleAdmin)
	if !allowed {
		assignment, aerr := h.db.GetAssignment(r.Context(), rec.StudyID, rec.Instrument)
		switch {
		case aerr == nil:
			allowed = authz.CanReconcile(claims, assignment)
		case isNotFoundError(aerr):
			// Assignment gone; only admins may close the orphan.
		default:
			h.writeInternalError(w, r, "reconcile: load assignment", aerr)
			return
		}
	}
	if !allowed {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "only the assigned reviewers or an admin can finalize")
		return
	}

	consensus, agg, err := h.checklistSvc.FinalizeConsensus(r.Context(), rec, h.buildAuditMeta(r))
	if err != nil {
		h.writeServiceError(w, r, "reconcile: finalize", err)
		return
	}

	h.fireChecklistFinalized(consensus)

	// Pick up the finalized_at the transaction just set.
	if updated, rerr := h.db.GetReconciliation(r.Context(), recID); rerr == nil {
		rec = updated
	}

	writeJSON(w, r, http.StatusOK, reconciliationResponse{Reconciliation: rec, Consensus: consensus, Aggregate: agg})
}
