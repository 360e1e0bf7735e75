package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/auth"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// HandleCreateKey handles POST /v1/keys. Admin only. The raw key appears
// once in the response body and is never retrievable again; only its hash
// is stored.
func (h *Handlers) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if req.ReviewerID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reviewer_id is required")
		return
	}
	if err := model.ValidateKeyLabel(req.Label); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil && *req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid expires_at format (expected RFC3339)")
			return
		}
		if !t.After(time.Now().UTC()) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "expires_at must be in the future")
			return
		}
		expiresAt = &t
	}

	if _, err := h.db.GetReviewerByID(r.Context(), req.ReviewerID); err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "reviewer not found")
			return
		}
		h.writeInternalError(w, r, "keys: load reviewer", err)
		return
	}

	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		h.writeInternalError(w, r, "keys: generate key", err)
		return
	}
	keyHash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		h.writeInternalError(w, r, "keys: hash key", err)
		return
	}

	createdBy := uuid.Nil
	if id, cerr := claims.ReviewerID(); cerr == nil {
		createdBy = id
	}

	key := model.APIKey{
		Prefix:     prefix,
		KeyHash:    keyHash,
		ReviewerID: req.ReviewerID,
		Label:      req.Label,
		CreatedBy:  createdBy,
		ExpiresAt:  expiresAt,
	}

	audit := h.buildAuditEntry(r, "create_api_key", "api_key", "", nil, nil, map[string]any{
		"label":       req.Label,
		"reviewer_id": req.ReviewerID,
	})
	created, err := h.db.CreateAPIKeyWithAudit(r.Context(), key, audit)
	if err != nil {
		h.writeInternalError(w, r, "keys: create key", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.APIKeyWithRawKey{APIKey: created, RawKey: rawKey})
}

// HandleListKeys handles GET /v1/keys. Admin only. Accepts an optional
// ?reviewer_id= filter. Revoked and expired keys are included so rotation
// history stays visible.
func (h *Handlers) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	var reviewerID *uuid.UUID
	if raw := r.URL.Query().Get("reviewer_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid reviewer_id")
			return
		}
		reviewerID = &id
	}

	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	keys, total, err := h.db.ListAPIKeys(r.Context(), reviewerID, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "keys: list keys", err)
		return
	}

	writeListJSON(w, r, keys, &total, offset+len(keys) < total, limit, offset)
}

// HandleRevokeKey handles DELETE /v1/keys/{key_id}. Admin only. Revocation
// is permanent; rotate or mint a new key instead of un-revoking.
func (h *Handlers) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID, ok := pathUUID(w, r, "key_id")
	if !ok {
		return
	}

	audit := h.buildAuditEntry(r, "revoke_api_key", "api_key", keyID.String(), nil, nil, nil)
	if err := h.db.RevokeAPIKeyWithAudit(r.Context(), keyID, audit); err != nil {
		switch {
		case isNotFoundError(err):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "api key not found")
		case errors.Is(err, storage.ErrConflict):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "api key is already revoked")
		default:
			h.writeInternalError(w, r, "keys: revoke key", err)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleRotateKey handles POST /v1/keys/{key_id}/rotate. Admin only.
// Revokes the old key and mints a replacement with the same label, expiry,
// and reviewer in one transaction, so there is no window where both keys
// work or neither does.
func (h *Handlers) HandleRotateKey(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	keyID, ok := pathUUID(w, r, "key_id")
	if !ok {
		return
	}

	old, err := h.db.GetAPIKeyByID(r.Context(), keyID)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "api key not found")
			return
		}
		h.writeInternalError(w, r, "keys: load key", err)
		return
	}
	if old.RevokedAt != nil {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "key is already revoked")
		return
	}

	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		h.writeInternalError(w, r, "keys: generate key", err)
		return
	}
	keyHash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		h.writeInternalError(w, r, "keys: hash key", err)
		return
	}

	createdBy := uuid.Nil
	if id, cerr := claims.ReviewerID(); cerr == nil {
		createdBy = id
	}

	newKey := model.APIKey{
		Prefix:     prefix,
		KeyHash:    keyHash,
		ReviewerID: old.ReviewerID,
		Label:      old.Label,
		CreatedBy:  createdBy,
		ExpiresAt:  old.ExpiresAt,
	}

	audit := h.buildAuditEntry(r, "rotate_api_key", "api_key", "", nil, nil, map[string]any{
		"old_key_id": keyID,
	})
	created, err := h.db.RotateAPIKeyWithAudit(r.Context(), keyID, newKey, audit)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "api key not found or already revoked")
			return
		}
		h.writeInternalError(w, r, "keys: rotate key", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.RotateKeyResponse{
		NewKey:       model.APIKeyWithRawKey{APIKey: created, RawKey: rawKey},
		RevokedKeyID: keyID,
	})
}
