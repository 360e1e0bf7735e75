package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/ctxutil"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// buildAuditEntry constructs a MutationAuditEntry from the current HTTP request.
// Used by handlers that pass the entry into transactional *WithAudit storage methods.
func (h *Handlers) buildAuditEntry(
	r *http.Request,
	operation, resourceType, resourceID string,
	beforeData, afterData any,
	metadata map[string]any,
) storage.MutationAuditEntry {
	actorID := uuid.Nil
	actorRole := "unknown"
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		if id, err := claims.ReviewerID(); err == nil {
			actorID = id
		}
		actorRole = string(claims.Role)
	}

	return storage.MutationAuditEntry{
		RequestID:    RequestIDFromContext(r.Context()),
		ActorID:      actorID,
		ActorRole:    actorRole,
		HTTPMethod:   r.Method,
		Endpoint:     r.URL.Path,
		Operation:    operation,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		BeforeData:   beforeData,
		AfterData:    afterData,
		Metadata:     metadata,
	}
}

// buildAuditMeta constructs the AuditMeta the service layer needs to
// build audit entries inside its own transactions.
func (h *Handlers) buildAuditMeta(r *http.Request) ctxutil.AuditMeta {
	actorID := uuid.Nil
	actorRole := "unknown"
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		if id, err := claims.ReviewerID(); err == nil {
			actorID = id
		}
		actorRole = string(claims.Role)
	}
	return ctxutil.AuditMeta{
		RequestID:  RequestIDFromContext(r.Context()),
		ActorID:    actorID,
		ActorRole:  actorRole,
		HTTPMethod: r.Method,
		Endpoint:   r.URL.Path,
	}
}

// recordMutationAuditBestEffort appends a mutation audit event outside any
// transaction, with bounded retries. Only for endpoints whose mutation
// cannot carry the entry transactionally; everything else uses atomic
// *WithAudit storage methods.
func (h *Handlers) recordMutationAuditBestEffort(
	r *http.Request,
	operation, resourceType, resourceID string,
	beforeData, afterData any,
	metadata map[string]any,
) error {
	entry := h.buildAuditEntry(r, operation, resourceType, resourceID, beforeData, afterData, metadata)

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := h.db.InsertMutationAudit(writeCtx, entry); err == nil {
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			return fmt.Errorf("mutation audit write context expired: %w", lastErr)
		}
	}
	return fmt.Errorf("mutation audit write failed after retries: %w", lastErr)
}
