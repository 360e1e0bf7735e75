package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/hyoka/internal/integrity"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "hyoka",
			"POSTGRES_PASSWORD": "hyoka",
			"POSTGRES_DB":       "hyoka",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://hyoka:hyoka@%s:%s/hyoka?sslmode=disable", host, port.Port())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = storage.New(ctx, dsn, "", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := testDB.RunMigrations(ctx, os.DirFS("../../migrations")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// createTestReviewer inserts a reviewer with a unique email and returns its ID.
func createTestReviewer(t *testing.T, slug string) uuid.UUID {
	t.Helper()
	r, err := testDB.CreateReviewer(context.Background(), model.Reviewer{
		Email: slug + "-" + uuid.NewString()[:8] + "@example.org",
		Name:  "Test Reviewer " + slug,
		Role:  model.RoleReviewer,
	})
	require.NoError(t, err)
	return r.ID
}

func createTestStudy(t *testing.T, title string, createdBy uuid.UUID) model.Study {
	t.Helper()
	s, err := testDB.CreateStudy(context.Background(), model.Study{
		Title:     title,
		Tags:      []string{"test"},
		CreatedBy: createdBy,
	})
	require.NoError(t, err)
	return s
}

func testAudit(actorID uuid.UUID, operation, resourceType string) storage.MutationAuditEntry {
	return storage.MutationAuditEntry{
		RequestID:    "test:" + uuid.NewString()[:8],
		ActorID:      actorID,
		ActorRole:    "admin",
		HTTPMethod:   "POST",
		Endpoint:     "/test/" + operation,
		Operation:    operation,
		ResourceType: resourceType,
	}
}

// newDraftChecklist builds an unsaved live checklist with one answered domain.
func newDraftChecklist(studyID, reviewerID uuid.UUID) *model.Checklist {
	return &model.Checklist{
		StudyID:    studyID,
		Instrument: "robins",
		ReviewerID: reviewerID,
		Name:       "Test checklist",
		Status:     model.StatusDraft,
		Domains: map[string]*model.DomainState{
			"confounding": {
				Answers: map[string]model.Answer{
					"q1": {Code: model.CodeYes},
				},
				Source: model.SourceAuto,
			},
		},
		Overall: model.OverallRecord{Source: model.SourceAuto},
	}
}

func TestReviewerCRUD(t *testing.T) {
	ctx := context.Background()

	email := "crud-" + uuid.NewString()[:8] + "@example.org"
	r, err := testDB.CreateReviewer(ctx, model.Reviewer{
		Email: email,
		Name:  "CRUD Reviewer",
		Role:  model.RoleReviewer,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, r.ID)

	byEmail, err := testDB.GetReviewerByEmail(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, r.ID, byEmail.ID)

	byID, err := testDB.GetReviewerByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, email, byID.Email)

	// Duplicate email must be rejected.
	_, err = testDB.CreateReviewer(ctx, model.Reviewer{
		Email: email,
		Name:  "Duplicate",
		Role:  model.RoleReviewer,
	})
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestCreateReviewerAndKeyTx(t *testing.T) {
	ctx := context.Background()

	r := model.Reviewer{
		Email: "keyed-" + uuid.NewString()[:8] + "@example.org",
		Name:  "Keyed Reviewer",
		Role:  model.RoleReviewer,
	}
	key := model.APIKey{
		Prefix:  "hyk_test1",
		KeyHash: "$argon2id$test-hash",
		Label:   "Initial key",
	}
	created, createdKey, err := testDB.CreateReviewerAndKeyTx(ctx, r, key,
		testAudit(uuid.Nil, "reviewer.create", "reviewer"),
		testAudit(uuid.Nil, "key.create", "api_key"))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, created.ID, createdKey.ReviewerID)

	got, err := testDB.GetAPIKeyByPrefixAndReviewer(ctx, created.ID, "hyk_test1")
	require.NoError(t, err)
	assert.Equal(t, createdKey.ID, got.ID)
	assert.Equal(t, "$argon2id$test-hash", got.KeyHash)
}

func TestAPIKeyRevokeAndRotate(t *testing.T) {
	ctx := context.Background()
	reviewerID := createTestReviewer(t, "rotate")

	key, err := testDB.CreateAPIKeyWithAudit(ctx, model.APIKey{
		Prefix:     "hyk_rot01",
		KeyHash:    "hash-1",
		ReviewerID: reviewerID,
		Label:      "first",
		CreatedBy:  reviewerID,
	}, testAudit(reviewerID, "key.create", "api_key"))
	require.NoError(t, err)

	rotated, err := testDB.RotateAPIKeyWithAudit(ctx, key.ID, model.APIKey{
		Prefix:     "hyk_rot02",
		KeyHash:    "hash-2",
		ReviewerID: reviewerID,
		Label:      "second",
		CreatedBy:  reviewerID,
	}, testAudit(reviewerID, "key.rotate", "api_key"))
	require.NoError(t, err)
	assert.NotEqual(t, key.ID, rotated.ID)

	// The old key is revoked: active-prefix lookup must miss it.
	_, err = testDB.GetAPIKeyByPrefixAndReviewer(ctx, reviewerID, "hyk_rot01")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Revoking an already revoked key conflicts.
	err = testDB.RevokeAPIKeyWithAudit(ctx, key.ID, testAudit(reviewerID, "key.revoke", "api_key"))
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestStudyCRUDAndMetadataMerge(t *testing.T) {
	ctx := context.Background()
	reviewerID := createTestReviewer(t, "study-crud")

	authors := "Smith J, Jones K"
	year := 2024
	s, err := testDB.CreateStudyWithAudit(ctx, model.Study{
		Title:     "Effect of intervention X on outcome Y",
		Authors:   &authors,
		Year:      &year,
		Tags:      []string{"rct"},
		Metadata:  map[string]any{"registry": "NCT001"},
		CreatedBy: reviewerID,
	}, testAudit(reviewerID, "study.create", "study"))
	require.NoError(t, err)

	got, err := testDB.GetStudy(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Title, got.Title)
	require.NotNil(t, got.Year)
	assert.Equal(t, 2024, *got.Year)

	// Metadata updates merge key-by-key instead of replacing the document.
	newTitle := "Effect of intervention X on outcome Y (corrected)"
	updated, err := testDB.UpdateStudyWithAudit(ctx, s.ID, &newTitle, nil, nil, nil, nil, nil,
		map[string]any{"funding": "none"}, testAudit(reviewerID, "study.update", "study"))
	require.NoError(t, err)
	assert.Equal(t, newTitle, updated.Title)
	assert.Equal(t, "NCT001", updated.Metadata["registry"])
	assert.Equal(t, "none", updated.Metadata["funding"])

	tagged, err := testDB.UpdateStudyTagsWithAudit(ctx, s.ID, []string{"rct", "nutrition"},
		testAudit(reviewerID, "study.tags", "study"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"rct", "nutrition"}, tagged.Tags)
}

func TestListStudiesByTagOverlap(t *testing.T) {
	ctx := context.Background()
	reviewerID := createTestReviewer(t, "study-tags")
	marker := "tagq-" + uuid.NewString()[:8]

	for _, tags := range [][]string{{marker, "cohort"}, {marker}, {"other"}} {
		_, err := testDB.CreateStudy(ctx, model.Study{
			Title:     "Tag query study",
			Tags:      tags,
			CreatedBy: reviewerID,
		})
		require.NoError(t, err)
	}

	page, err := testDB.ListStudies(ctx, model.StudyFilters{Tags: []string{marker}}, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Items, 2)
}

func TestAssignmentUniquePerInstrument(t *testing.T) {
	ctx := context.Background()
	r1 := createTestReviewer(t, "assign-1")
	r2 := createTestReviewer(t, "assign-2")
	study := createTestStudy(t, "Assignment study", r1)

	a, err := testDB.CreateAssignmentWithAudit(ctx, model.Assignment{
		StudyID:     study.ID,
		Instrument:  "robins",
		Reviewer1ID: r1,
		Reviewer2ID: r2,
	}, testAudit(r1, "assignment.create", "assignment"))
	require.NoError(t, err)

	got, err := testDB.GetAssignment(ctx, study.ID, "robins")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	// A second assignment for the same (study, instrument) conflicts.
	_, err = testDB.CreateAssignmentWithAudit(ctx, model.Assignment{
		StudyID:     study.ID,
		Instrument:  "robins",
		Reviewer1ID: r2,
		Reviewer2ID: r1,
	}, testAudit(r1, "assignment.create", "assignment"))
	require.ErrorIs(t, err, storage.ErrConflict)

	forReviewer, err := testDB.ListAssignmentsForReviewer(ctx, r1)
	require.NoError(t, err)
	require.NotEmpty(t, forReviewer)
}

func TestChecklistLifecycle(t *testing.T) {
	ctx := context.Background()
	reviewerID := createTestReviewer(t, "lifecycle")
	study := createTestStudy(t, "Lifecycle study", reviewerID)

	c := newDraftChecklist(study.ID, reviewerID)
	genesis, err := testDB.CreateChecklistWithAudit(ctx, c, "", false,
		model.AuditEvent{ActorID: reviewerID, EventType: model.EventChecklistCreated},
		testAudit(reviewerID, "checklist.create", "checklist"))
	require.NoError(t, err)
	assert.Nil(t, genesis.PrevHash, "genesis event must not have a previous hash")
	assert.NotEmpty(t, genesis.ContentHash)

	got, err := testDB.GetChecklist(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, got.Status)
	require.Contains(t, got.Domains, "confounding")
	assert.Equal(t, model.CodeYes, got.Domains["confounding"].Answers["q1"].Code)

	// Record another answer through the optimistic save path.
	got.Status = model.StatusInProgress
	got.Domains["confounding"].Answers["q2"] = model.Answer{Code: model.CodeProbablyNo}
	ev, err := testDB.SaveChecklistMutation(ctx, got, got.UpdatedAt, "", false,
		model.AuditEvent{
			ActorID:   reviewerID,
			EventType: model.EventAnswerRecorded,
			Payload:   map[string]any{"domain": "confounding", "question": "q2", "code": "PN"},
		},
		testAudit(reviewerID, "checklist.answer", "checklist"))
	require.NoError(t, err)
	require.NotNil(t, ev.PrevHash)
	assert.Equal(t, genesis.ContentHash, *ev.PrevHash)

	// A writer holding the pre-mutation timestamp must be rejected.
	stale := got.UpdatedAt.Add(-time.Second)
	_, err = testDB.SaveChecklistMutation(ctx, got, stale, "", false,
		model.AuditEvent{ActorID: reviewerID, EventType: model.EventAnswerRecorded},
		testAudit(reviewerID, "checklist.answer", "checklist"))
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestChecklistUniqueLivePerReviewer(t *testing.T) {
	ctx := context.Background()
	reviewerID := createTestReviewer(t, "unique-live")
	study := createTestStudy(t, "Unique live study", reviewerID)

	first := newDraftChecklist(study.ID, reviewerID)
	_, err := testDB.CreateChecklistWithAudit(ctx, first, "", false,
		model.AuditEvent{ActorID: reviewerID, EventType: model.EventChecklistCreated},
		testAudit(reviewerID, "checklist.create", "checklist"))
	require.NoError(t, err)

	second := newDraftChecklist(study.ID, reviewerID)
	_, err = testDB.CreateChecklistWithAudit(ctx, second, "", false,
		model.AuditEvent{ActorID: reviewerID, EventType: model.EventChecklistCreated},
		testAudit(reviewerID, "checklist.create", "checklist"))
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestAuditChainVerifiesAcrossMutations(t *testing.T) {
	ctx := context.Background()
	reviewerID := createTestReviewer(t, "chain")
	study := createTestStudy(t, "Chain study", reviewerID)

	c := newDraftChecklist(study.ID, reviewerID)
	_, err := testDB.CreateChecklistWithAudit(ctx, c, "", false,
		model.AuditEvent{ActorID: reviewerID, EventType: model.EventChecklistCreated},
		testAudit(reviewerID, "checklist.create", "checklist"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := testDB.GetChecklist(ctx, c.ID)
		require.NoError(t, err)
		got.Domains["confounding"].Answers[fmt.Sprintf("q%d", i+2)] = model.Answer{Code: model.CodeNo}
		_, err = testDB.SaveChecklistMutation(ctx, got, got.UpdatedAt, "", false,
			model.AuditEvent{
				ActorID:   reviewerID,
				EventType: model.EventAnswerRecorded,
				Payload:   map[string]any{"domain": "confounding", "question": fmt.Sprintf("q%d", i+2), "code": "N"},
			},
			testAudit(reviewerID, "checklist.answer", "checklist"))
		require.NoError(t, err)
	}

	events, err := testDB.GetEventsByChecklist(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)

	report := integrity.VerifyChain(events)
	assert.True(t, report.Valid, "chain must verify after round-trip: %s", report.Reason)
	assert.Equal(t, 4, report.Length)

	latest, err := testDB.GetLatestEventForChecklist(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, events[3].ID, latest.ID)
}

func TestReconciliationFlow(t *testing.T) {
	ctx := context.Background()
	r1 := createTestReviewer(t, "recon-1")
	r2 := createTestReviewer(t, "recon-2")
	study := createTestStudy(t, "Reconciliation study", r1)

	_, err := testDB.CreateAssignmentWithAudit(ctx, model.Assignment{
		StudyID:     study.ID,
		Instrument:  "robins",
		Reviewer1ID: r1,
		Reviewer2ID: r2,
	}, testAudit(r1, "assignment.create", "assignment"))
	require.NoError(t, err)

	mkCompleted := func(reviewerID uuid.UUID) *model.Checklist {
		c := newDraftChecklist(study.ID, reviewerID)
		c.Status = model.StatusCompleted
		now := time.Now().UTC()
		c.CompletedAt = &now
		_, err := testDB.CreateChecklistWithAudit(ctx, c, model.JudgementLow, true,
			model.AuditEvent{ActorID: reviewerID, EventType: model.EventChecklistCreated},
			testAudit(reviewerID, "checklist.create", "checklist"))
		require.NoError(t, err)
		return c
	}
	c1 := mkCompleted(r1)
	c2 := mkCompleted(r2)

	consensus := newDraftChecklist(study.ID, r1)
	consensus.Name = "Consensus"
	consensus.Status = model.StatusInProgress
	consensus.Source1ID = &c1.ID
	consensus.Source2ID = &c2.ID

	rec, err := testDB.CreateReconciliationTx(ctx,
		model.Reconciliation{
			StudyID:    study.ID,
			Instrument: "robins",
			Source1ID:  c1.ID,
			Source2ID:  c2.ID,
			Selection:  map[string]model.Side{"confounding": model.SideReviewer2},
			StartedBy:  r1,
		},
		consensus, "", false,
		model.AuditEvent{
			ActorID:   r1,
			EventType: model.EventReconciliationStarted,
			Payload:   map[string]any{"source1_id": c1.ID.String(), "source2_id": c2.ID.String()},
		},
		model.AuditEvent{ActorID: r1, EventType: model.EventStatusChanged, Payload: map[string]any{"from": "completed", "to": "reconciling"}},
		model.AuditEvent{ActorID: r1, EventType: model.EventStatusChanged, Payload: map[string]any{"from": "completed", "to": "reconciling"}},
		testAudit(r1, "reconciliation.start", "reconciliation"),
	)
	require.NoError(t, err)
	assert.Equal(t, consensus.ID, rec.ConsensusID)

	// Both sources must now be reconciling.
	s1, err := testDB.GetChecklist(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReconciling, s1.Status)
	s2, err := testDB.GetChecklist(ctx, c2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReconciling, s2.Status)

	// The consensus checklist is resolvable by study and instrument.
	cons, err := testDB.GetConsensusChecklist(ctx, study.ID, "robins")
	require.NoError(t, err)
	assert.Equal(t, consensus.ID, cons.ID)

	byConsensus, err := testDB.GetReconciliationByConsensus(ctx, consensus.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byConsensus.ID)
	assert.Equal(t, model.SideReviewer2, byConsensus.Selection["confounding"])

	// Starting a second reconciliation for the same pair conflicts.
	dup := newDraftChecklist(study.ID, r2)
	dup.Source1ID = &c1.ID
	dup.Source2ID = &c2.ID
	_, err = testDB.CreateReconciliationTx(ctx,
		model.Reconciliation{
			StudyID: study.ID, Instrument: "robins",
			Source1ID: c1.ID, Source2ID: c2.ID, StartedBy: r2,
		},
		dup, "", false,
		model.AuditEvent{ActorID: r2, EventType: model.EventReconciliationStarted},
		model.AuditEvent{ActorID: r2, EventType: model.EventStatusChanged},
		model.AuditEvent{ActorID: r2, EventType: model.EventStatusChanged},
		testAudit(r2, "reconciliation.start", "reconciliation"),
	)
	require.ErrorIs(t, err, storage.ErrConflict)

	// Finalize: consensus moves to finalized and drags both sources along.
	cons, err = testDB.GetChecklist(ctx, consensus.ID)
	require.NoError(t, err)
	now := time.Now().UTC()
	cons.Status = model.StatusFinalized
	cons.CompletedAt = &now
	cons.FinalizedAt = &now
	err = testDB.FinalizeConsensusTx(ctx, rec, cons, cons.UpdatedAt, model.JudgementLow, true,
		model.AuditEvent{ActorID: r1, EventType: model.EventStatusChanged, Payload: map[string]any{"from": "in-progress", "to": "finalized"}},
		model.AuditEvent{ActorID: r1, EventType: model.EventStatusChanged, Payload: map[string]any{"from": "reconciling", "to": "finalized"}},
		model.AuditEvent{ActorID: r1, EventType: model.EventStatusChanged, Payload: map[string]any{"from": "reconciling", "to": "finalized"}},
		testAudit(r1, "reconciliation.finalize", "reconciliation"),
	)
	require.NoError(t, err)

	for _, id := range []uuid.UUID{c1.ID, c2.ID, consensus.ID} {
		got, err := testDB.GetChecklist(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFinalized, got.Status)
	}

	final, err := testDB.GetReconciliation(ctx, rec.ID)
	require.NoError(t, err)
	assert.NotNil(t, final.FinalizedAt)

	// All three chains must still verify.
	for _, id := range []uuid.UUID{c1.ID, c2.ID, consensus.ID} {
		events, err := testDB.GetEventsByChecklist(ctx, id, 0)
		require.NoError(t, err)
		report := integrity.VerifyChain(events)
		assert.True(t, report.Valid, "chain for %s: %s", id, report.Reason)
	}
}

func TestReserveSequenceNums(t *testing.T) {
	ctx := context.Background()

	nums, err := testDB.ReserveSequenceNums(ctx, 5)
	require.NoError(t, err)
	require.Len(t, nums, 5)
	for i := 1; i < len(nums); i++ {
		assert.Greater(t, nums[i], nums[i-1])
	}

	// Reserve another batch: values must continue increasing from the last batch.
	more, err := testDB.ReserveSequenceNums(ctx, 3)
	require.NoError(t, err)
	require.Len(t, more, 3)
	assert.Greater(t, more[0], nums[4])
}

func TestInsertAccessEventsCOPY(t *testing.T) {
	ctx := context.Background()
	reviewerID := createTestReviewer(t, "access-copy")

	seqs, err := testDB.ReserveSequenceNums(ctx, 100)
	require.NoError(t, err)

	now := time.Now().UTC()
	events := make([]model.AccessEvent, 100)
	for i := range events {
		events[i] = model.AccessEvent{
			ID:           uuid.New(),
			ReviewerID:   reviewerID,
			Action:       model.AccessView,
			ResourceType: "checklist",
			ResourceID:   uuid.NewString(),
			RequestID:    fmt.Sprintf("req-%d", i),
			SequenceNum:  seqs[i],
			OccurredAt:   now,
			CreatedAt:    now,
		}
	}

	count, err := testDB.InsertAccessEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, int64(100), count)

	got, err := testDB.GetAccessEventsByReviewer(ctx, reviewerID, 200)
	require.NoError(t, err)
	assert.Len(t, got, 100)

	// Replaying the same batch through the recovery path must not duplicate.
	inserted, err := testDB.InsertAccessEventsIdempotent(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)

	got, err = testDB.GetAccessEventsByReviewer(ctx, reviewerID, 200)
	require.NoError(t, err)
	assert.Len(t, got, 100)
}

func TestSearchStudies(t *testing.T) {
	ctx := context.Background()
	reviewerID := createTestReviewer(t, "search")

	marker := "zelastine" // nonsense token nothing else will contain
	authors := "Trial Group"
	_, err := testDB.CreateStudy(ctx, model.Study{
		Title:     "Randomized trial of " + marker + " for seasonal rhinitis",
		Authors:   &authors,
		CreatedBy: reviewerID,
	})
	require.NoError(t, err)
	_, err = testDB.CreateStudy(ctx, model.Study{
		Title:     "Unrelated cohort analysis",
		CreatedBy: reviewerID,
	})
	require.NoError(t, err)

	results, err := testDB.SearchStudies(ctx, model.SearchRequest{Query: marker})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Study.Title, marker)
	assert.Greater(t, results[0].Rank, float32(0))
}

func TestStudyProgress(t *testing.T) {
	ctx := context.Background()
	r1 := createTestReviewer(t, "progress-1")
	r2 := createTestReviewer(t, "progress-2")
	study := createTestStudy(t, "Progress study", r1)

	c1 := newDraftChecklist(study.ID, r1)
	_, err := testDB.CreateChecklistWithAudit(ctx, c1, "", false,
		model.AuditEvent{ActorID: r1, EventType: model.EventChecklistCreated},
		testAudit(r1, "checklist.create", "checklist"))
	require.NoError(t, err)

	c2 := newDraftChecklist(study.ID, r2)
	c2.Status = model.StatusCompleted
	_, err = testDB.CreateChecklistWithAudit(ctx, c2, model.JudgementModerate, true,
		model.AuditEvent{ActorID: r2, EventType: model.EventChecklistCreated},
		testAudit(r2, "checklist.create", "checklist"))
	require.NoError(t, err)

	progress, err := testDB.GetStudyProgress(ctx, study.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Checklists)
	assert.Equal(t, 1, progress.ByStatus[model.StatusDraft])
	assert.Equal(t, 1, progress.ByStatus[model.StatusCompleted])
	assert.Equal(t, 2, progress.ByInstrument["robins"])
	require.NotNil(t, progress.LastUpdatedAt)
}

func TestGrantsAndChecklistAccess(t *testing.T) {
	ctx := context.Background()
	owner := createTestReviewer(t, "grant-owner")
	outsider := createTestReviewer(t, "grant-outsider")
	study := createTestStudy(t, "Grant study", owner)

	c := newDraftChecklist(study.ID, owner)
	_, err := testDB.CreateChecklistWithAudit(ctx, c, "", false,
		model.AuditEvent{ActorID: owner, EventType: model.EventChecklistCreated},
		testAudit(owner, "checklist.create", "checklist"))
	require.NoError(t, err)

	// Owner always has access; the outsider starts without.
	ok, err := testDB.CanAccessChecklist(ctx, owner, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = testDB.CanAccessChecklist(ctx, outsider, c.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// A study-level read grant opens it up.
	grant, err := testDB.CreateGrantWithAudit(ctx, model.AccessGrant{
		GrantorID:    owner,
		GranteeID:    outsider,
		ResourceType: model.GrantResourceStudy,
		ResourceID:   &study.ID,
		Permission:   model.PermissionRead,
	}, testAudit(owner, "grant.create", "access_grant"))
	require.NoError(t, err)

	ok, err = testDB.CanAccessChecklist(ctx, outsider, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	has, err := testDB.HasGrant(ctx, outsider, model.GrantResourceStudy, study.ID, model.PermissionRead)
	require.NoError(t, err)
	assert.True(t, has)

	// Deleting the grant closes access again.
	err = testDB.DeleteGrantWithAudit(ctx, grant.ID, testAudit(owner, "grant.delete", "access_grant"))
	require.NoError(t, err)
	ok, err = testDB.CanAccessChecklist(ctx, outsider, c.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetentionHolds(t *testing.T) {
	ctx := context.Background()
	reviewerID := createTestReviewer(t, "hold")
	study := createTestStudy(t, "Held study", reviewerID)

	hold, err := testDB.CreateHold(ctx, storage.RetentionHold{
		Reason:    "ethics inquiry",
		HoldFrom:  time.Now().UTC().Add(-time.Hour),
		HoldTo:    time.Now().UTC().Add(24 * time.Hour),
		StudyIDs:  []uuid.UUID{study.ID},
		CreatedBy: "admin@example.org",
	})
	require.NoError(t, err)

	held, err := testDB.ActiveHoldsExistForStudy(ctx, study.ID)
	require.NoError(t, err)
	assert.True(t, held)

	released, err := testDB.ReleaseHold(ctx, hold.ID)
	require.NoError(t, err)
	assert.True(t, released)

	held, err = testDB.ActiveHoldsExistForStudy(ctx, study.ID)
	require.NoError(t, err)
	assert.False(t, held)

	// Releasing twice is a no-op.
	released, err = testDB.ReleaseHold(ctx, hold.ID)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestPurgeStudy(t *testing.T) {
	ctx := context.Background()
	reviewerID := createTestReviewer(t, "purge")
	study := createTestStudy(t, "Purge study", reviewerID)

	c := newDraftChecklist(study.ID, reviewerID)
	_, err := testDB.CreateChecklistWithAudit(ctx, c, "", false,
		model.AuditEvent{ActorID: reviewerID, EventType: model.EventChecklistCreated},
		testAudit(reviewerID, "checklist.create", "checklist"))
	require.NoError(t, err)

	result, err := testDB.PurgeStudy(ctx, study.ID, testAudit(reviewerID, "study.purge", "study"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Studies)
	assert.Equal(t, int64(1), result.Checklists)
	assert.GreaterOrEqual(t, result.AuditEvents, int64(1))

	_, err = testDB.GetStudy(ctx, study.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Deleted rows are archived, not lost.
	var archived int
	err = testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM deletion_audit_log WHERE study_id = $1`, study.ID,
	).Scan(&archived)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, archived, 3) // study + checklist + events

	// Purging a missing study reports not found.
	_, err = testDB.PurgeStudy(ctx, study.ID, testAudit(reviewerID, "study.purge", "study"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIntegrityProofs(t *testing.T) {
	ctx := context.Background()
	reviewerID := createTestReviewer(t, "proof")
	study := createTestStudy(t, "Proof study", reviewerID)

	c := newDraftChecklist(study.ID, reviewerID)
	_, err := testDB.CreateChecklistWithAudit(ctx, c, "", false,
		model.AuditEvent{ActorID: reviewerID, EventType: model.EventChecklistCreated},
		testAudit(reviewerID, "checklist.create", "checklist"))
	require.NoError(t, err)

	until := time.Now().UTC().Add(time.Second)
	hashes, err := testDB.GetEventHashesForBatch(ctx, time.Time{}, until)
	require.NoError(t, err)
	require.NotEmpty(t, hashes)

	root := integrity.BuildMerkleRoot(hashes)
	err = testDB.CreateIntegrityProof(ctx, storage.IntegrityProof{
		BatchStart: time.Time{},
		BatchEnd:   until,
		EventCount: len(hashes),
		RootHash:   root,
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	latest, err := testDB.GetLatestIntegrityProof(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, root, latest.RootHash)
	assert.Equal(t, len(hashes), latest.EventCount)
}

func TestNotify(t *testing.T) {
	ctx := context.Background()

	// Without a notify connection this is a plain pg_notify send.
	err := testDB.Notify(ctx, storage.ChannelChecklists, `{"test":true}`)
	require.NoError(t, err)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()

	// Second run must skip everything already applied.
	err := testDB.RunMigrations(ctx, os.DirFS("../../migrations"))
	require.NoError(t, err)
}
