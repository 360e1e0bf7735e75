// Package audit buffers read-side access log entries and flushes them to
// Postgres in COPY batches.
//
// Mutations carry their own hash-chained audit events inside their
// transactions; this package covers the high-volume read trail (views,
// lists, compares, exports, searches), where a per-request INSERT would
// dominate the cost of the read itself. Record never blocks the request
// path: at capacity new entries are dropped and counted.
//
// With a journal directory configured, every entry is appended to an
// on-disk journal before Record returns:
//
//	handler → Record() → journal (disk) → in-memory batch → COPY to Postgres → checkpoint
//
// On startup, entries past the last checkpoint are replayed through a
// deduplicating insert, so a crash between the COPY and the checkpoint
// cannot duplicate rows and a crash before the COPY cannot lose them.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/telemetry"
)

// Journal segment file format constants.
const (
	journalMagic      = 0x48594A31 // "HYJ1"
	journalVersion    = 1
	journalHeaderSize = 16 // magic(4) + version(2) + reserved(2) + baseLSN(8)
	journalRecordHead = 12 // lsn(8) + payloadLen(4)
	journalCRCSize    = 4
	journalMaxPayload = 1 << 20 // 1 MB per record; access entries are tiny

	defaultSegmentSize = 16 << 20 // 16 MB
	defaultSegmentRecs = 100_000
	minSegmentSize     = 1 << 20 // 1 MB
	minSegmentRecs     = 100

	defaultSyncInterval = 10 * time.Millisecond
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// JournalConfig holds configuration for the on-disk journal.
type JournalConfig struct {
	Dir            string        // Directory for journal files. Empty = journal disabled.
	SyncMode       string        // "full", "batch", "none". Default: "batch".
	SyncInterval   time.Duration // Sync interval for batch mode. Default: 10ms.
	MaxSegmentSize int64         // Bytes before segment rotation. Default: 16 MB.
	MaxSegmentRecs int           // Records before segment rotation. Default: 100K.
}

// Journal provides crash-durable buffering of access log entries. Each
// entry is framed with an LSN and a CRC32C; the checkpoint records the
// highest LSN confirmed in Postgres, and segments wholly below it are
// reclaimed.
type Journal struct {
	dir      string
	syncMode string

	mu          sync.Mutex // guards segment writes
	current     *os.File   // current open segment
	segmentNum  uint64     // next segment number to open
	segmentSize int64      // bytes written to current segment
	segmentRecs int        // records written to current segment
	nextLSN     atomic.Uint64

	maxSegSize int64
	maxSegRecs int

	logger *slog.Logger

	// Batch sync goroutine.
	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// RecoveredEntry is a journaled entry found past the last checkpoint.
type RecoveredEntry struct {
	Event model.AccessEvent
	LSN   uint64
}

// checkpoint tracks the highest LSN confirmed flushed to Postgres.
type checkpoint struct {
	FlushedLSN uint64    `json:"flushed_lsn"`
	FlushedAt  time.Time `json:"flushed_at"`
	Segment    uint64    `json:"segment"`
}

// NewJournal creates a journal. Returns nil if cfg.Dir is empty (journal
// disabled).
func NewJournal(logger *slog.Logger, cfg JournalConfig) (*Journal, error) {
	if cfg.Dir == "" {
		return nil, nil
	}

	if cfg.SyncMode == "" {
		cfg.SyncMode = "batch"
	}
	switch cfg.SyncMode {
	case "full", "batch", "none":
	default:
		return nil, fmt.Errorf("audit: invalid journal sync mode %q (must be full, batch, or none)", cfg.SyncMode)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = defaultSegmentSize
	}
	if cfg.MaxSegmentSize < minSegmentSize {
		return nil, fmt.Errorf("audit: journal segment size %d too small (min %d)", cfg.MaxSegmentSize, minSegmentSize)
	}
	if cfg.MaxSegmentRecs <= 0 {
		cfg.MaxSegmentRecs = defaultSegmentRecs
	}
	if cfg.MaxSegmentRecs < minSegmentRecs {
		return nil, fmt.Errorf("audit: journal segment records %d too small (min %d)", cfg.MaxSegmentRecs, minSegmentRecs)
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create journal directory: %w", err)
	}

	// Verify the directory is writable before accepting traffic.
	probe := filepath.Join(cfg.Dir, ".journal_probe")
	f, err := os.Create(probe) //nolint:gosec // path is constructed from validated config
	if err != nil {
		return nil, fmt.Errorf("audit: journal directory not writable: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(probe)

	j := &Journal{
		dir:        cfg.Dir,
		syncMode:   cfg.SyncMode,
		maxSegSize: cfg.MaxSegmentSize,
		maxSegRecs: cfg.MaxSegmentRecs,
		logger:     logger,
	}

	cp, err := j.loadCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("audit: load journal checkpoint: %w", err)
	}

	// The next LSN must clear both the checkpoint and any record still
	// sitting in segment files; unflushed records past the checkpoint keep
	// their LSNs until recovery replays them, and reusing those numbers
	// would let a later checkpoint reclaim segments that still hold
	// unflushed entries.
	highLSN, highSeg := j.scanSegments()
	next := cp.FlushedLSN
	if highLSN > next {
		next = highLSN
	}
	j.nextLSN.Store(next + 1)

	if highSeg > 0 {
		j.segmentNum = highSeg + 1
	} else {
		j.segmentNum = cp.Segment + 1
	}

	if err := j.rotateSegment(); err != nil {
		return nil, fmt.Errorf("audit: open initial journal segment: %w", err)
	}

	if cfg.SyncMode == "none" {
		logger.Warn("audit: journal sync mode is 'none'; entries may be lost on crash (use 'batch' or 'full' in production)")
	}

	if cfg.SyncMode == "batch" {
		ctx, cancel := context.WithCancel(context.Background())
		j.syncCancel = cancel
		j.syncDone = make(chan struct{})
		go j.syncLoop(ctx, cfg.SyncInterval)
	}

	j.registerMetrics()
	return j, nil
}

// Append writes one entry to the journal and returns its LSN. In "full"
// sync mode the segment is synced before returning; in "batch" or "none"
// mode the write lands in the OS page cache.
func (j *Journal) Append(e model.AccessEvent) (uint64, error) {
	payload, err := json.Marshal(&e)
	if err != nil {
		return 0, fmt.Errorf("audit: marshal journal entry: %w", err)
	}
	if len(payload) > journalMaxPayload {
		return 0, fmt.Errorf("audit: journal entry too large (%d bytes, max %d)", len(payload), journalMaxPayload)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	lsn := j.nextLSN.Add(1) - 1

	// Record layout: [LSN(8) | payloadLen(4) | payload(N) | CRC32C(4)]
	var head [journalRecordHead]byte
	binary.BigEndian.PutUint64(head[0:8], lsn)
	binary.BigEndian.PutUint32(head[8:12], uint32(len(payload))) //nolint:gosec // bounded by journalMaxPayload check above

	h := crc32.New(crc32cTable)
	_, _ = h.Write(head[:])
	_, _ = h.Write(payload)

	var crcBuf [journalCRCSize]byte
	binary.BigEndian.PutUint32(crcBuf[:], h.Sum32())

	if _, err := j.current.Write(head[:]); err != nil {
		return 0, fmt.Errorf("audit: write journal record head: %w", err)
	}
	if _, err := j.current.Write(payload); err != nil {
		return 0, fmt.Errorf("audit: write journal payload: %w", err)
	}
	if _, err := j.current.Write(crcBuf[:]); err != nil {
		return 0, fmt.Errorf("audit: write journal crc: %w", err)
	}

	j.segmentSize += int64(journalRecordHead + len(payload) + journalCRCSize)
	j.segmentRecs++

	if j.segmentSize >= j.maxSegSize || j.segmentRecs >= j.maxSegRecs {
		if err := j.rotateSegment(); err != nil {
			return 0, fmt.Errorf("audit: rotate journal segment: %w", err)
		}
	}

	if j.syncMode == "full" {
		if err := j.current.Sync(); err != nil {
			return 0, fmt.Errorf("audit: journal fsync: %w", err)
		}
	}

	return lsn, nil
}

// Checkpoint records flushedLSN as confirmed in Postgres and reclaims
// segments wholly below it. Call after a successful flush with the
// highest LSN of the flushed batch; zero is a no-op.
func (j *Journal) Checkpoint(flushedLSN uint64) error {
	if flushedLSN == 0 {
		return nil
	}

	cp, err := j.loadCheckpoint()
	if err != nil {
		return fmt.Errorf("audit: load journal checkpoint for advance: %w", err)
	}
	if flushedLSN <= cp.FlushedLSN {
		return nil
	}

	j.mu.Lock()
	currentSeg := j.segmentNum - 1
	j.mu.Unlock()

	if err := j.saveCheckpoint(checkpoint{
		FlushedLSN: flushedLSN,
		FlushedAt:  time.Now().UTC(),
		Segment:    currentSeg,
	}); err != nil {
		return err
	}

	return j.cleanupSegments(flushedLSN, j.segmentPath(currentSeg))
}

// Recover returns entries written to the journal but not yet confirmed
// flushed to Postgres, in write order. Reading stops at the first
// corrupted or truncated record.
func (j *Journal) Recover() ([]RecoveredEntry, error) {
	cp, err := j.loadCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("audit: load journal checkpoint for recovery: %w", err)
	}

	segments, err := j.listSegments()
	if err != nil {
		return nil, fmt.Errorf("audit: list journal segments for recovery: %w", err)
	}

	var recovered []RecoveredEntry
	for _, seg := range segments {
		records, _, err := j.readSegment(seg)
		if err != nil {
			j.logger.Warn("audit: journal recovery: error reading segment, skipping remainder",
				"segment", seg, "error", err, "recovered_so_far", len(recovered))
			break
		}
		for _, rec := range records {
			if rec.lsn > cp.FlushedLSN {
				recovered = append(recovered, RecoveredEntry{Event: rec.event, LSN: rec.lsn})
			}
		}
	}

	return recovered, nil
}

// Close syncs and closes the current segment file and stops the batch
// sync goroutine.
func (j *Journal) Close() error {
	if j.syncCancel != nil {
		j.syncCancel()
		<-j.syncDone
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.current != nil {
		if err := j.current.Sync(); err != nil {
			j.logger.Warn("audit: final journal sync failed", "error", err)
		}
		return j.current.Close()
	}
	return nil
}

// SegmentCount returns the number of journal segment files.
func (j *Journal) SegmentCount() int {
	segs, _ := j.listSegments()
	return len(segs)
}

// SizeBytes returns the total size of all journal segment files.
func (j *Journal) SizeBytes() int64 {
	segments, err := j.listSegments()
	if err != nil {
		return 0
	}
	var total int64
	for _, seg := range segments {
		if info, err := os.Stat(seg); err == nil {
			total += info.Size()
		}
	}
	return total
}

// --- Internal methods ---

type journalRecord struct {
	lsn   uint64
	event model.AccessEvent
}

func (j *Journal) segmentPath(num uint64) string {
	return filepath.Join(j.dir, fmt.Sprintf("%09d.journal", num))
}

func (j *Journal) checkpointPath() string {
	return filepath.Join(j.dir, "checkpoint.json")
}

func (j *Journal) loadCheckpoint() (checkpoint, error) {
	data, err := os.ReadFile(j.checkpointPath())
	if errors.Is(err, os.ErrNotExist) {
		return checkpoint{}, nil
	}
	if err != nil {
		return checkpoint{}, fmt.Errorf("audit: read journal checkpoint: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return checkpoint{}, fmt.Errorf("audit: parse journal checkpoint: %w", err)
	}
	return cp, nil
}

func (j *Journal) saveCheckpoint(cp checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("audit: marshal journal checkpoint: %w", err)
	}

	tmp := j.checkpointPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("audit: write journal checkpoint tmp: %w", err)
	}

	// Sync the temp file before rename for crash safety.
	f, err := os.Open(tmp) //nolint:gosec // path is constructed from j.dir
	if err != nil {
		return fmt.Errorf("audit: open journal checkpoint tmp for sync: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("audit: sync journal checkpoint tmp: %w", err)
	}
	_ = f.Close()

	if err := os.Rename(tmp, j.checkpointPath()); err != nil {
		return fmt.Errorf("audit: rename journal checkpoint: %w", err)
	}
	return nil
}

func (j *Journal) rotateSegment() error {
	if j.current != nil {
		if err := j.current.Sync(); err != nil {
			j.logger.Warn("audit: journal sync before rotation failed", "error", err)
		}
		if err := j.current.Close(); err != nil {
			j.logger.Warn("audit: journal close before rotation failed", "error", err)
		}
	}

	path := j.segmentPath(j.segmentNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is constructed from j.dir
	if err != nil {
		return fmt.Errorf("audit: open journal segment %d: %w", j.segmentNum, err)
	}

	baseLSN := j.nextLSN.Load()
	var hdr [journalHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], journalMagic)
	binary.BigEndian.PutUint16(hdr[4:6], journalVersion)
	// hdr[6:8] reserved = 0
	binary.BigEndian.PutUint64(hdr[8:16], baseLSN)

	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("audit: write journal segment header: %w", err)
	}

	j.current = f
	j.segmentSize = journalHeaderSize
	j.segmentRecs = 0
	j.segmentNum++
	return nil
}

func (j *Journal) listSegments() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".journal") {
			paths = append(paths, filepath.Join(j.dir, e.Name()))
		}
	}
	sort.Strings(paths) // lexicographic = numeric order due to zero-padding
	return paths, nil
}

// scanSegments reads every existing segment to find the highest record
// LSN and the highest segment number. Unreadable segments are skipped
// with a warning; records past a corruption point are unrecoverable
// anyway.
func (j *Journal) scanSegments() (uint64, uint64) {
	segments, err := j.listSegments()
	if err != nil {
		return 0, 0
	}

	var highLSN, highSeg uint64
	for _, seg := range segments {
		var num uint64
		if _, err := fmt.Sscanf(filepath.Base(seg), "%09d.journal", &num); err == nil && num > highSeg {
			highSeg = num
		}
		_, segHigh, err := j.readSegment(seg)
		if err != nil {
			j.logger.Warn("audit: journal scan: unreadable segment", "segment", seg, "error", err)
			continue
		}
		if segHigh > highLSN {
			highLSN = segHigh
		}
	}
	return highLSN, highSeg
}

func (j *Journal) readSegment(path string) ([]journalRecord, uint64, error) {
	f, err := os.Open(path) //nolint:gosec // path is constructed from j.dir
	if err != nil {
		return nil, 0, fmt.Errorf("audit: open journal segment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file; close error is non-actionable

	var hdr [journalHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("audit: read journal segment header: %w", err)
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != journalMagic {
		return nil, 0, fmt.Errorf("audit: bad journal magic 0x%08X (expected 0x%08X)", magic, journalMagic)
	}
	version := binary.BigEndian.Uint16(hdr[4:6])
	if version != journalVersion {
		return nil, 0, fmt.Errorf("audit: unsupported journal version %d", version)
	}

	var records []journalRecord
	var highLSN uint64

	for {
		var head [journalRecordHead]byte
		_, err := io.ReadFull(f, head[:])
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break // end of segment or truncated record
		}
		if err != nil {
			return records, highLSN, fmt.Errorf("audit: read journal record head: %w", err)
		}

		lsn := binary.BigEndian.Uint64(head[0:8])
		payloadLen := binary.BigEndian.Uint32(head[8:12])

		if payloadLen > journalMaxPayload {
			j.logger.Warn("audit: journal: corrupted payload length, stopping segment read",
				"path", path, "lsn", lsn, "payload_len", payloadLen)
			break
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(f, payload); err != nil {
			break // truncated record
		}

		var crcBuf [journalCRCSize]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			break // truncated CRC
		}

		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)
		if expected := h.Sum32(); expected != binary.BigEndian.Uint32(crcBuf[:]) {
			j.logger.Warn("audit: journal: CRC mismatch, stopping segment read",
				"path", path, "lsn", lsn)
			break
		}

		var event model.AccessEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			j.logger.Warn("audit: journal: corrupted entry JSON, stopping segment read",
				"path", path, "lsn", lsn, "error", err)
			break
		}

		records = append(records, journalRecord{lsn: lsn, event: event})
		if lsn > highLSN {
			highLSN = lsn
		}
	}

	return records, highLSN, nil
}

// cleanupSegments deletes segments whose records all sit at or below
// flushedLSN. The active segment is never deleted; a concurrent append
// could make its partial read underestimate the segment's high LSN.
func (j *Journal) cleanupSegments(flushedLSN uint64, activePath string) error {
	segments, err := j.listSegments()
	if err != nil {
		return err
	}

	for _, seg := range segments {
		if seg == activePath {
			continue
		}
		_, highLSN, err := j.readSegment(seg)
		if err != nil {
			continue // skip unreadable segments
		}
		if highLSN > 0 && highLSN <= flushedLSN {
			if err := os.Remove(seg); err != nil {
				j.logger.Warn("audit: failed to delete flushed journal segment", "path", seg, "error", err)
			}
		}
	}
	return nil
}

func (j *Journal) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(j.syncDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.mu.Lock()
			if j.current != nil {
				if err := j.current.Sync(); err != nil {
					j.logger.Warn("audit: journal batch sync failed", "error", err)
				}
			}
			j.mu.Unlock()
		}
	}
}

func (j *Journal) registerMetrics() {
	meter := telemetry.Meter("hyoka/audit")

	_, _ = meter.Int64ObservableGauge("hyoka.audit.journal.segments",
		metric.WithDescription("Current number of journal segment files"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(j.SegmentCount()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("hyoka.audit.journal.bytes",
		metric.WithDescription("Total bytes across journal segment files"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(j.SizeBytes())
			return nil
		}),
	)
}
