package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/authz"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// Broker fans out Postgres LISTEN/NOTIFY messages to SSE subscribers.
// It runs a background goroutine that calls db.WaitForNotification in a loop
// and sends each payload to every subscriber allowed to see it.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu sync.RWMutex
	// granted study set per subscriber channel; nil set = unrestricted.
	subscribers map[chan []byte]map[uuid.UUID]bool
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]map[uuid.UUID]bool),
	}
}

// Start begins listening on the checklist and reconciliation channels.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	// Subscribe to the notification channels.
	if err := b.db.Listen(ctx, storage.ChannelChecklists); err != nil {
		b.logger.Error("broker: listen checklists", "error", err)
		return
	}
	if err := b.db.Listen(ctx, storage.ChannelReconciliations); err != nil {
		b.logger.Error("broker: listen reconciliations", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications",
		"channels", []string{storage.ChannelChecklists, storage.ChannelReconciliations})

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		// Format as SSE event.
		event := formatSSE(channel, payload)
		b.broadcast(studyIDFromPayload(payload), event)
	}
}

// studyIDFromPayload pulls the study ID out of a notification payload.
// Both event shapes carry one. Returns uuid.Nil for unparseable
// payloads; those go only to unrestricted subscribers.
func studyIDFromPayload(payload string) uuid.UUID {
	var probe struct {
		StudyID uuid.UUID `json:"study_id"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		return uuid.Nil
	}
	return probe.StudyID
}

// Subscribe returns a channel that receives SSE-formatted events for the
// given study set. A nil granted set means unrestricted. The set is a
// snapshot: grants created after subscribing take effect on reconnect.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(granted map[uuid.UUID]bool) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = granted
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// SubscriberCount returns the number of connected subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast sends an event to every subscriber whose granted set covers
// the study. Slow subscribers that have a full buffer are skipped (their
// event is dropped) to prevent one slow client from blocking all others.
func (b *Broker) broadcast(studyID uuid.UUID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, granted := range b.subscribers {
		if granted != nil && !granted[studyID] {
			continue
		}
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop this event for them.
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	claims := ClaimsFromContext(r.Context())
	granted, err := authz.LoadGrantedStudySet(r.Context(), h.db, claims, h.grantCache)
	if err != nil {
		h.writeInternalError(w, r, "subscribe: load granted studies", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout (default 30s).
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(granted)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
