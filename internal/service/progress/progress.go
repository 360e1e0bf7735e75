// Package progress computes read-side rollups of checklist state: the
// per-study summary, the platform dashboard, and per-reviewer work queues.
//
// Rollups aggregate across every checklist in scope and are the most
// frequently polled reads in the system, so results are cached for a short
// TTL and concurrent recomputations of the same key are coalesced through
// singleflight. Mutations do not invalidate the cache; callers accept
// summaries up to one TTL stale.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/telemetry"
)

const (
	// computeTimeout bounds one rollup recomputation once it has been
	// detached from the requesting context.
	computeTimeout = 5 * time.Second

	// queueLimit caps each bucket of a reviewer queue.
	queueLimit = 25

	evictInterval = time.Minute
)

// Dashboard is the platform-wide rollup served on the operator landing
// page.
type Dashboard struct {
	Studies     int                  `json:"studies"`
	Reviewers   int                  `json:"reviewers"`
	Checklists  int                  `json:"checklists"`
	ByStatus    map[model.Status]int `json:"by_status"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// Queue is one reviewer's work queue: lifetime statistics plus the
// checklists currently waiting on them, bucketed by the kind of action
// each needs. Open holds drafts and in-progress checklists; Reconciling
// holds consensus checklists the reviewer owns that are still being
// resolved.
type Queue struct {
	ReviewerID  uuid.UUID             `json:"reviewer_id"`
	Stats       storage.ReviewerStats `json:"stats"`
	Open        []*model.Checklist    `json:"open"`
	Awaiting    []*model.Checklist    `json:"awaiting_reconciliation"`
	Reconciling []*model.Checklist    `json:"reconciling"`
	GeneratedAt time.Time             `json:"generated_at"`
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Service serves cached progress rollups. A single instance is shared by
// the HTTP and MCP surfaces.
type Service struct {
	db  *storage.DB
	ttl time.Duration

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]entry
	done    chan struct{}

	lookups metric.Int64Counter
}

// New creates a progress Service whose rollups may be served up to ttl
// stale. A non-positive ttl disables caching entirely and every call
// recomputes against the database.
func New(db *storage.DB, ttl time.Duration) *Service {
	meter := telemetry.Meter("hyoka/progress")
	lookups, _ := meter.Int64Counter("hyoka.progress.lookups",
		metric.WithDescription("Progress rollup lookups by cache outcome"),
	)
	s := &Service{
		db:      db,
		ttl:     ttl,
		entries: make(map[string]entry),
		done:    make(chan struct{}),
		lookups: lookups,
	}
	if ttl > 0 {
		go s.evictLoop()
	}
	return s
}

// Close stops the background eviction loop.
func (s *Service) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// StudySummary reports checklist counts by status and instrument for one
// study, the most recent activity timestamp, and the consensus overall
// judgement per instrument where one has been reached. A study with no
// checklists yields an empty summary; existence checks belong to the
// caller.
func (s *Service) StudySummary(ctx context.Context, studyID uuid.UUID) (storage.StudyProgress, error) {
	return cached(ctx, s, "study:"+studyID.String(), func(ctx context.Context) (storage.StudyProgress, error) {
		return s.db.GetStudyProgress(ctx, studyID)
	})
}

// PlatformDashboard reports totals across all studies, reviewers, and
// checklists, with checklist counts broken down by lifecycle status.
func (s *Service) PlatformDashboard(ctx context.Context) (Dashboard, error) {
	return cached(ctx, s, "dashboard", func(ctx context.Context) (Dashboard, error) {
		byStatus, err := s.db.CountChecklistsByStatus(ctx)
		if err != nil {
			return Dashboard{}, err
		}
		studies, err := s.db.CountStudies(ctx)
		if err != nil {
			return Dashboard{}, err
		}
		reviewers, err := s.db.CountReviewers(ctx)
		if err != nil {
			return Dashboard{}, err
		}
		d := Dashboard{
			Studies:     studies,
			Reviewers:   reviewers,
			ByStatus:    byStatus,
			GeneratedAt: time.Now().UTC(),
		}
		for _, n := range byStatus {
			d.Checklists += n
		}
		return d, nil
	})
}

// ReviewerQueue reports one reviewer's lifetime statistics and the
// checklists currently needing their attention. An unknown reviewer
// yields an empty queue.
func (s *Service) ReviewerQueue(ctx context.Context, reviewerID uuid.UUID) (Queue, error) {
	return cached(ctx, s, "queue:"+reviewerID.String(), func(ctx context.Context) (Queue, error) {
		stats, err := s.db.GetReviewerStats(ctx, reviewerID)
		if err != nil {
			return Queue{}, err
		}
		q := Queue{
			ReviewerID:  reviewerID,
			Stats:       stats,
			GeneratedAt: time.Now().UTC(),
		}
		if q.Open, err = s.listByStatus(ctx, reviewerID, model.StatusDraft, model.StatusInProgress); err != nil {
			return Queue{}, err
		}
		if q.Awaiting, err = s.listByStatus(ctx, reviewerID, model.StatusAwaitingReconciliation); err != nil {
			return Queue{}, err
		}
		if q.Reconciling, err = s.listByStatus(ctx, reviewerID, model.StatusReconciling); err != nil {
			return Queue{}, err
		}
		return q, nil
	})
}

// listByStatus collects a reviewer's checklists in the given statuses,
// capped at queueLimit per status, newest first.
func (s *Service) listByStatus(ctx context.Context, reviewerID uuid.UUID, statuses ...model.Status) ([]*model.Checklist, error) {
	out := make([]*model.Checklist, 0, queueLimit)
	for _, st := range statuses {
		page, err := s.db.ListChecklists(ctx, model.ChecklistFilters{
			ReviewerID: &reviewerID,
			Status:     &st,
		}, queueLimit, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
	}
	return out, nil
}

// cached serves key from the TTL cache, recomputing on miss. Concurrent
// misses for the same key share a single computation. The computation
// runs on a detached context: singleflight hands every waiting caller
// the first caller's result, so the first caller's cancellation must not
// poison the shared flight.
func cached[T any](ctx context.Context, s *Service, key string, compute func(context.Context) (T, error)) (T, error) {
	if s.ttl <= 0 {
		return compute(ctx)
	}

	if v, ok := s.lookup(key); ok {
		if t, ok := v.(T); ok {
			s.lookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hyoka.cache_hit", true)))
			return t, nil
		}
	}
	s.lookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hyoka.cache_hit", false)))

	v, err, _ := s.group.Do(key, func() (any, error) {
		calcCtx, cancel := context.WithTimeout(context.Background(), computeTimeout)
		defer cancel()
		val, err := compute(calcCtx)
		if err != nil {
			return nil, err
		}
		s.store(key, val)
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (s *Service) lookup(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (s *Service) store(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{value: value, expiresAt: time.Now().Add(s.ttl)}
}

// evictLoop sweeps expired entries so the cache does not grow with
// study and reviewer cardinality.
func (s *Service) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Service) evictExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}
