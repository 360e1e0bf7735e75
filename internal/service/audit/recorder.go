package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/telemetry"
)

// maxPending is the hard upper limit on buffered entries to prevent OOM.
// Past this limit Record drops new entries rather than failing the read
// they describe.
const maxPending = 100_000

type pendingEntry struct {
	event model.AccessEvent
	lsn   uint64 // journal LSN; 0 when journaling is disabled
	dedup bool   // may already exist in the database; insert via the deduplicating path
}

// Recorder accumulates access log entries in memory and flushes them to
// the database using COPY when either the batch size or the flush
// timeout is reached.
type Recorder struct {
	db           *storage.DB
	logger       *slog.Logger
	journal      *Journal // nil when disabled
	maxBatch     int
	flushTimeout time.Duration

	mu      sync.Mutex
	pending []pendingEntry

	dropped atomic.Int64 // total entries dropped at capacity

	started    atomic.Bool
	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so the final flush respects the caller's deadline
}

// NewRecorder creates an access log recorder. journal may be nil.
func NewRecorder(db *storage.DB, logger *slog.Logger, journal *Journal, maxBatch int, flushTimeout time.Duration) *Recorder {
	return &Recorder{
		db:           db,
		logger:       logger,
		journal:      journal,
		maxBatch:     maxBatch,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start replays unflushed journal entries into the batch, registers OTEL
// metrics, and begins the background flush loop. Call Drain to stop.
// Start is idempotent; a second call logs a warning and returns.
func (r *Recorder) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("audit: recorder already started")
		return nil
	}
	r.registerMetrics()

	if r.journal != nil {
		recovered, err := r.journal.Recover()
		if err != nil {
			return fmt.Errorf("audit: journal recovery: %w", err)
		}
		if len(recovered) > 0 {
			// Recovered entries may already sit in Postgres if the crash
			// landed between the COPY and the checkpoint, so they must go
			// through the deduplicating insert.
			r.mu.Lock()
			for _, rec := range recovered {
				r.pending = append(r.pending, pendingEntry{event: rec.Event, lsn: rec.LSN, dedup: true})
			}
			r.mu.Unlock()
			r.logger.Info("audit: recovered journaled entries", "count", len(recovered))
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.flushLoop(loopCtx)
	return nil
}

// Record buffers one access log entry, filling in its ID and timestamps
// if unset. With a journal configured the entry is journaled before
// Record returns. Record never fails the surrounding request: at
// capacity the entry is dropped and counted.
func (r *Recorder) Record(e model.AccessEvent) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	var lsn uint64
	if r.journal != nil {
		var err error
		lsn, err = r.journal.Append(e)
		if err != nil {
			r.logger.Warn("audit: journal append failed", "error", err)
		}
	}

	r.mu.Lock()
	if len(r.pending) >= maxPending {
		r.mu.Unlock()
		r.dropped.Add(1)
		return
	}
	r.pending = append(r.pending, pendingEntry{event: e, lsn: lsn})
	n := len(r.pending)
	r.mu.Unlock()

	if n >= r.maxBatch {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

func (r *Recorder) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(r.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain();
			// ctx itself is already done. Fall back to a bounded fresh
			// context when cancelled directly without Drain.
			if r.drainCtx != nil {
				r.flush(r.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				r.flush(fallbackCtx)
				cancel()
			}
			close(r.done)
			return
		case <-ticker.C:
			r.flush(ctx)
		case <-r.flushCh:
			r.flush(ctx)
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	start := time.Now()
	if err := r.write(ctx, batch); err != nil {
		r.logger.Error("audit: flush failed", "error", err, "batch_size", len(batch))
		// Requeue ahead of newer entries, respecting capacity. The write
		// may have landed without an acknowledgement, so retried entries
		// use the deduplicating path.
		for i := range batch {
			batch[i].dedup = true
		}
		r.mu.Lock()
		if len(r.pending)+len(batch) <= maxPending {
			r.pending = append(batch, r.pending...)
		} else {
			r.dropped.Add(int64(len(batch)))
			r.logger.Error("audit: dropping entries, buffer at capacity after flush failure", "dropped", len(batch))
		}
		r.mu.Unlock()
		return
	}

	if r.journal != nil {
		var high uint64
		for i := range batch {
			if batch[i].lsn > high {
				high = batch[i].lsn
			}
		}
		if err := r.journal.Checkpoint(high); err != nil {
			r.logger.Warn("audit: journal checkpoint failed", "error", err)
		}
	}

	r.logger.Debug("audit: batch flushed",
		"batch_size", len(batch),
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// write assigns sequence numbers and inserts the batch. Sequence numbers
// are assigned here rather than in Record so the request path never
// touches the database; a reservation failure leaves the batch intact
// for the next attempt, and abandoned reservations are harmless gaps.
func (r *Recorder) write(ctx context.Context, batch []pendingEntry) error {
	var fresh int
	for i := range batch {
		if batch[i].event.SequenceNum == 0 {
			fresh++
		}
	}
	if fresh > 0 {
		seqs, err := r.db.ReserveSequenceNums(ctx, fresh)
		if err != nil {
			return err
		}
		next := 0
		for i := range batch {
			if batch[i].event.SequenceNum == 0 {
				batch[i].event.SequenceNum = seqs[next]
				next++
			}
		}
	}

	events := make([]model.AccessEvent, len(batch))
	dedup := false
	for i := range batch {
		events[i] = batch[i].event
		dedup = dedup || batch[i].dedup
	}

	if dedup {
		_, err := r.db.InsertAccessEventsIdempotent(ctx, events)
		return err
	}
	_, err := r.db.InsertAccessEvents(ctx, events)
	return err
}

// Drain signals the flush loop to stop, waits for its final flush, and
// closes the journal. ctx bounds the wait and is handed to the final
// flush.
func (r *Recorder) Drain(ctx context.Context) {
	r.drainCtx = ctx // Set before cancelLoop so the flush loop observes it.
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("audit: drain timed out waiting for flush loop")
	}

	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("audit: journal close failed", "error", err)
		}
	}
}

// Len returns the current number of buffered entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Dropped returns the total number of entries dropped at capacity. A
// non-zero value means the access trail has gaps.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) registerMetrics() {
	meter := telemetry.Meter("hyoka/audit")

	_, _ = meter.Int64ObservableGauge("hyoka.audit.pending",
		metric.WithDescription("Current number of buffered access log entries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("hyoka.audit.dropped_total",
		metric.WithDescription("Total access log entries dropped at capacity"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.Dropped())
			return nil
		}),
	)
}
