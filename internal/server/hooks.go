package server

import (
	"context"
	"time"

	"github.com/ashita-ai/hyoka/internal/model"
)

// ChecklistHook receives checklist lifecycle events within the server
// layer. Defined here (not in the root hyoka package) to avoid a
// circular import: internal/server → hyoka → internal/server would be
// a cycle. The root hyoka package wraps hyoka.EventHook into
// ChecklistHook via an adapter.
//
// Hook methods are called asynchronously in goroutines. Implementations
// must not block indefinitely. Failures are logged and do not fail the
// originating request.
type ChecklistHook interface {
	// OnChecklistCompleted fires when a reviewer completes their
	// assessment (transition to completed, whether or not the pair
	// then moves on to reconciliation).
	OnChecklistCompleted(ctx context.Context, c model.Checklist) error

	// OnChecklistFinalized fires when any checklist reaches the
	// finalized status: a solo finalize or a consensus finalize.
	OnChecklistFinalized(ctx context.Context, c model.Checklist) error
}

// hookTimeout bounds each asynchronous hook dispatch.
const hookTimeout = 10 * time.Second

func (h *Handlers) fireChecklistCompleted(c *model.Checklist) {
	h.fireHooks(c, func(ctx context.Context, hook ChecklistHook, c model.Checklist) error {
		return hook.OnChecklistCompleted(ctx, c)
	}, "OnChecklistCompleted")
}

func (h *Handlers) fireChecklistFinalized(c *model.Checklist) {
	h.fireHooks(c, func(ctx context.Context, hook ChecklistHook, c model.Checklist) error {
		return hook.OnChecklistFinalized(ctx, c)
	}, "OnChecklistFinalized")
}

// fireHooks dispatches one event to every registered hook in a single
// goroutine, off the request path. The checklist is deep-copied first
// so hooks never observe later mutations.
func (h *Handlers) fireHooks(c *model.Checklist, call func(context.Context, ChecklistHook, model.Checklist) error, name string) {
	if len(h.hooks) == 0 || c == nil {
		return
	}
	snapshot := *c.Clone()
	hooks := h.hooks
	logger := h.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		for _, hook := range hooks {
			if err := call(ctx, hook, snapshot); err != nil {
				logger.Warn("checklist hook failed",
					"hook", name,
					"checklist_id", snapshot.ID,
					"error", err,
				)
			}
		}
	}()
}
