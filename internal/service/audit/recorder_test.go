package audit

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

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/migrations"
)

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

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")
	dsn := fmt.Sprintf("postgres://hyoka:hyoka@%s:%s/hyoka?sslmode=disable", host, port.Port())

	testDB, err = storage.New(ctx, dsn, "", testLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "migrations failed: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testEntry(reviewerID uuid.UUID) model.AccessEvent {
	return model.AccessEvent{
		ReviewerID:   reviewerID,
		Action:       model.AccessView,
		ResourceType: "checklist",
		ResourceID:   uuid.NewString(),
		RequestID:    "test:" + uuid.NewString()[:8],
	}
}

func TestRecorder_FlushOnBatchSize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := NewRecorder(testDB, testLogger(), nil, 3, time.Hour)
	require.NoError(t, rec.Start(ctx))

	reviewerID := uuid.New()
	for i := 0; i < 3; i++ {
		rec.Record(testEntry(reviewerID))
	}

	assert.Eventually(t, func() bool {
		got, err := testDB.GetAccessEventsByReviewer(context.Background(), reviewerID, 10)
		return err == nil && len(got) == 3
	}, 5*time.Second, 20*time.Millisecond, "reaching the batch size should trigger a flush")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	rec.Drain(drainCtx)
}

func TestRecorder_FlushOnTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := NewRecorder(testDB, testLogger(), nil, 1000, 50*time.Millisecond)
	require.NoError(t, rec.Start(ctx))

	reviewerID := uuid.New()
	rec.Record(testEntry(reviewerID))
	rec.Record(testEntry(reviewerID))

	assert.Eventually(t, func() bool {
		got, err := testDB.GetAccessEventsByReviewer(context.Background(), reviewerID, 10)
		return err == nil && len(got) == 2
	}, 5*time.Second, 20*time.Millisecond, "the flush timeout should drive small batches out")

	got, err := testDB.GetAccessEventsByReviewer(context.Background(), reviewerID, 10)
	require.NoError(t, err)
	for _, e := range got {
		assert.Positive(t, e.SequenceNum, "sequence numbers are assigned at flush time")
		assert.Equal(t, model.AccessView, e.Action)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	rec.Drain(drainCtx)
}

func TestRecorder_DrainFlushesRemainder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := NewRecorder(testDB, testLogger(), nil, 1000, time.Hour)
	require.NoError(t, rec.Start(ctx))

	reviewerID := uuid.New()
	for i := 0; i < 4; i++ {
		rec.Record(testEntry(reviewerID))
	}
	require.Equal(t, 4, rec.Len())

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	rec.Drain(drainCtx)

	assert.Zero(t, rec.Len(), "drain should leave nothing buffered")
	got, err := testDB.GetAccessEventsByReviewer(context.Background(), reviewerID, 10)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestRecorder_DoubleStartIsNoop(t *testing.T) {
	// Start must be idempotent: a second call logs a warning and returns
	// without spawning a second flush goroutine or panicking on a double
	// close of the done channel.
	rec := NewRecorder(nil, testLogger(), nil, 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rec.Start(ctx))
	require.NoError(t, rec.Start(ctx))
	assert.True(t, rec.started.Load())

	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	rec.Drain(drainCtx)
}

func TestRecorder_JournalRecoveryReplaysOnStart(t *testing.T) {
	dir := t.TempDir()
	reviewerID := uuid.New()

	// Entries journaled but never flushed, as left behind by a crash.
	j1, err := NewJournal(testLogger(), JournalConfig{Dir: dir, SyncMode: "none"})
	require.NoError(t, err)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		e := testEntry(reviewerID)
		e.ID = uuid.New()
		e.OccurredAt = now
		e.CreatedAt = now
		_, err := j1.Append(e)
		require.NoError(t, err)
	}
	require.NoError(t, j1.Close())

	j2, err := NewJournal(testLogger(), JournalConfig{Dir: dir, SyncMode: "none"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := NewRecorder(testDB, testLogger(), j2, 1000, 50*time.Millisecond)
	require.NoError(t, rec.Start(ctx))

	assert.Eventually(t, func() bool {
		got, err := testDB.GetAccessEventsByReviewer(context.Background(), reviewerID, 10)
		return err == nil && len(got) == 3
	}, 5*time.Second, 20*time.Millisecond, "recovered entries should reach the database")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	rec.Drain(drainCtx)

	// The flush checkpointed the journal, so a fresh open recovers nothing.
	j3, err := NewJournal(testLogger(), JournalConfig{Dir: dir, SyncMode: "none"})
	require.NoError(t, err)
	defer closeJournal(t, j3)
	recovered, err := j3.Recover()
	require.NoError(t, err)
	assert.Empty(t, recovered)
}
