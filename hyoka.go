// Package hyoka is the public API for embedding the Hyoka appraisal server.
//
// Platform and plugin consumers import this package to construct and extend
// the server without forking it:
//
//	app, err := hyoka.New(
//	    hyoka.WithVersion(version),
//	    hyoka.WithLogger(logger),
//	    hyoka.WithEventHook(myRegistryHook{}),
//	    hyoka.WithExtraRoutes(myExtraRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The scoring core is also usable without a server or a database:
// NewChecklist, Score, Compare and Reconcile operate on plain values and
// never touch I/O, so a client-side tool can reproduce the server's
// judgements exactly.
//
// The import graph enforces a strict no-cycle rule: hyoka (root) imports
// internal/*, but internal/* never imports hyoka (root).  Public types
// (Checklist, Aggregate, etc.) are standalone structs with no internal
// imports; conversion helpers (toPublicChecklist, toInternalChecklist)
// live here because this is the only file that sees both sides of the
// boundary.
package hyoka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/hyoka/api"
	"github.com/ashita-ai/hyoka/internal/auth"
	"github.com/ashita-ai/hyoka/internal/authz"
	"github.com/ashita-ai/hyoka/internal/compare"
	"github.com/ashita-ai/hyoka/internal/config"
	"github.com/ashita-ai/hyoka/internal/integrity"
	"github.com/ashita-ai/hyoka/internal/mcp"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/ratelimit"
	"github.com/ashita-ai/hyoka/internal/reconcile"
	"github.com/ashita-ai/hyoka/internal/schema"
	"github.com/ashita-ai/hyoka/internal/scoring"
	"github.com/ashita-ai/hyoka/internal/server"
	"github.com/ashita-ai/hyoka/internal/service/audit"
	"github.com/ashita-ai/hyoka/internal/service/checklists"
	"github.com/ashita-ai/hyoka/internal/service/extract"
	"github.com/ashita-ai/hyoka/internal/service/progress"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/telemetry"
	"github.com/ashita-ai/hyoka/migrations"
	"github.com/ashita-ai/hyoka/ui"
)

// ── Pure core ──────────────────────────────────────────────────────────────────

// Instruments returns the keys of every registered instrument, sorted.
func Instruments() []string {
	return schema.Keys()
}

// NewChecklist returns an empty checklist for the named instrument: every
// domain present with no answers, the mode flag preset to the instrument
// default. The result can be filled in and handed to Score, Compare or
// Reconcile without a server or a database.
func NewChecklist(instrument string) (*Checklist, error) {
	in, ok := schema.Get(instrument)
	if !ok {
		return nil, fmt.Errorf("hyoka: unknown instrument %q (known: %s)",
			instrument, strings.Join(schema.Keys(), ", "))
	}
	c := &Checklist{
		Instrument:  in.Key,
		Status:      string(model.StatusDraft),
		Preliminary: make(map[string]FieldValue),
		Answers:     make(map[string]map[string]Answer, len(in.Domains)),
		Overrides:   make(map[string]Judgement),
		Directions:  make(map[string]Direction),
	}
	if in.ModeField != "" {
		mode := Code(in.DefaultMode)
		c.Preliminary[in.ModeField] = FieldValue{Choice: &mode}
	}
	for _, d := range in.Domains {
		c.Answers[d.Key] = make(map[string]Answer, len(d.Questions))
	}
	return c, nil
}

// Score computes the aggregate judgement picture for one checklist. The
// input is validated against its instrument first: unknown domains,
// questions, fields, codes, judgements and directions are rejected rather
// than silently ignored.
func Score(c *Checklist) (Aggregate, error) {
	mc, err := toInternalChecklist(c)
	if err != nil {
		return Aggregate{}, err
	}
	return toPublicAggregate(scoring.ScoreAll(mc)), nil
}

// Compare diffs two checklists of the same instrument: per-question,
// per-domain and preliminary-field agreement plus aggregate statistics.
// The first argument is labeled reviewer 1.
func Compare(a, b *Checklist) (Comparison, error) {
	ma, err := toInternalChecklist(a)
	if err != nil {
		return Comparison{}, fmt.Errorf("checklist 1: %w", err)
	}
	mb, err := toInternalChecklist(b)
	if err != nil {
		return Comparison{}, fmt.Errorf("checklist 2: %w", err)
	}
	if ma.Instrument != mb.Instrument {
		return Comparison{}, fmt.Errorf("hyoka: instrument mismatch: %q vs %q",
			ma.Instrument, mb.Instrument)
	}
	return toPublicComparison(compare.Compare(ma, mb)), nil
}

// Reconcile merges two checklists into a consensus checklist according to
// the selection map and returns it with its freshly computed aggregate.
// Selection keys address blocks: "overall", a domain key, a
// "domain.question" key, or "preliminary.field"; a question key overrides
// its domain's choice. Any block without a selection comes from
// reviewer 1. Neither input is mutated.
func Reconcile(a, b *Checklist, selection map[string]Side) (*Checklist, Aggregate, error) {
	ma, err := toInternalChecklist(a)
	if err != nil {
		return nil, Aggregate{}, fmt.Errorf("checklist 1: %w", err)
	}
	mb, err := toInternalChecklist(b)
	if err != nil {
		return nil, Aggregate{}, fmt.Errorf("checklist 2: %w", err)
	}
	if ma.Instrument != mb.Instrument {
		return nil, Aggregate{}, fmt.Errorf("hyoka: instrument mismatch: %q vs %q",
			ma.Instrument, mb.Instrument)
	}

	in, _ := schema.Get(ma.Instrument)
	sel := make(map[string]model.Side, len(selection))
	for k, s := range selection {
		side := model.Side(s)
		if !side.Valid() {
			return nil, Aggregate{}, fmt.Errorf("hyoka: unknown side %q for %q (reviewer1 or reviewer2)", s, k)
		}
		if !validSelectionKey(in, k) {
			return nil, Aggregate{}, fmt.Errorf("hyoka: unknown selection key %q", k)
		}
		sel[k] = side
	}

	consensus, agg := reconcile.Build(ma, mb, sel, reconcile.Meta{
		ID:   uuid.New(),
		Name: "Consensus: " + ma.Name,
		Now:  time.Now().UTC(),
	})
	if consensus == nil {
		return nil, Aggregate{}, fmt.Errorf("hyoka: merge failed: the pair cannot be combined")
	}
	out := toPublicChecklist(*consensus)
	return &out, toPublicAggregate(agg), nil
}

// validSelectionKey mirrors the validation the reconciliation service
// applies when a selection is committed, so the embedded merge rejects
// exactly what the server would.
func validSelectionKey(in *schema.Instrument, key string) bool {
	if key == "overall" {
		return true
	}
	if field, ok := strings.CutPrefix(key, "preliminary."); ok {
		return in.Field(field) != nil
	}
	if domainKey, question, ok := strings.Cut(key, "."); ok {
		d := in.Domain(domainKey)
		return d != nil && d.Question(question) != nil
	}
	return in.Domain(key) != nil
}

// ── Embedded server ────────────────────────────────────────────────────────────

// App is the Hyoka server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	recorder     *audit.Recorder
	broker       *server.Broker // nil when no notify connection
	grantCache   *authz.GrantCache
	progressSvc  *progress.Service
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Hyoka server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("hyoka starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run embedded migrations.
	if !cfg.MigrateOnStart {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Run extra (extension) migrations after the embedded ones.
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify critical tables exist after migration.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'checklists')`,
	).Scan(&schemaOK); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'checklists' does not exist after migration; set HYOKA_MIGRATE_ON_START=true or apply migrations/ by hand")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Metadata extractor: external override takes priority over the sidecar.
	var extractor extract.Provider
	switch {
	case o.extractor != nil:
		extractor = &extractorAdapter{source: o.extractor}
		logger.Info("metadata extraction: custom provider")
	case cfg.ExtractURL != "":
		extractor = extract.New(cfg.ExtractURL, cfg.ExtractTimeout)
		logger.Info("metadata extraction: sidecar", "url", cfg.ExtractURL)
	default:
		logger.Info("metadata extraction: disabled (no HYOKA_EXTRACT_URL)")
	}

	// Core services.
	checklistSvc := checklists.New(db, logger)
	progressSvc := progress.New(db, cfg.ProgressCacheTTL)

	// Audit journal. A nil journal means crash durability is off and the
	// access log rides on the in-memory batch alone.
	journal, err := audit.NewJournal(logger, audit.JournalConfig{
		Dir:      cfg.AuditJournalDir,
		SyncMode: cfg.AuditJournalSync,
	})
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("audit journal: %w", err)
	}
	if journal != nil {
		logger.Info("audit journal", "enabled", true, "dir", cfg.AuditJournalDir, "sync_mode", cfg.AuditJournalSync)
	} else {
		logger.Warn("audit journal", "enabled", false,
			"risk", "buffered access log entries will be lost on crash")
	}
	recorder := audit.NewRecorder(db, logger, journal, cfg.EventBufferSize, cfg.EventFlushTimeout)

	// Grant cache.
	grantCache := authz.NewGrantCache(cfg.GrantCacheTTL)

	// MCP server.
	mcpSrv := mcp.New(db, checklistSvc, grantCache, logger, version)

	// SSE broker.
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// UI filesystem.
	uiFS, err := ui.DistFS()
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("ui: %w", err)
	}
	if uiFS != nil {
		logger.Info("ui: embedded SPA loaded")
	}

	// Rate limiters: one bucket class for write endpoints, a deliberately
	// small per-IP bucket for the unauthenticated token endpoint.
	var writeLimiter, authLimiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		writeLimiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
		authLimiter = ratelimit.NewMemoryLimiter(1, 10)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		writeLimiter = ratelimit.NoopLimiter{}
		authLimiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Adapt event hooks from public hyoka.EventHook to internal server.ChecklistHook.
	var hooks []server.ChecklistHook
	for _, h := range o.eventHooks {
		hooks = append(hooks, &eventHookAdapter{hook: h})
	}

	// Adapt route registrars from public hyoka.RouteRegistrar to internal server format.
	var extraRoutes []func(*http.ServeMux, server.RoleMiddlewareFn)
	for _, fn := range o.routeRegistrars {
		fn := fn // capture
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, roleFn server.RoleMiddlewareFn) {
			fn(mux, &authHelperImpl{roleFn: roleFn})
		})
	}

	// Adapt middlewares from hyoka.Middleware to func(http.Handler) http.Handler.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		mw := mw // capture
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	// Create HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                      db,
		JWTMgr:                  jwtMgr,
		ChecklistSvc:            checklistSvc,
		ProgressSvc:             progressSvc,
		Logger:                  logger,
		Recorder:                recorder,
		Extractor:               extractor,
		Broker:                  broker,
		GrantCache:              grantCache,
		Limiter:                 writeLimiter,
		AuthLimiter:             authLimiter,
		MCPServer:               mcpSrv.MCPServer(),
		Hooks:                   hooks,
		ExtraRoutes:             extraRoutes,
		Middlewares:             middlewares,
		Port:                    cfg.Port,
		ReadTimeout:             cfg.ReadTimeout,
		WriteTimeout:            cfg.WriteTimeout,
		Version:                 version,
		MaxRequestBodyBytes:     cfg.MaxRequestBodyBytes,
		EnableDestructiveDelete: cfg.EnableDestructiveDelete,
		UIFS:                    uiFS,
		OpenAPISpec:             api.OpenAPISpec,
	})

	// Seed admin reviewer.
	if err := srv.Handlers().SeedAdmin(context.Background(), cfg.AdminAPIKey); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	// Migrate legacy reviewer API keys.
	if migrated, err := db.MigrateReviewerKeysToAPIKeys(context.Background()); err != nil {
		logger.Warn("api key migration failed (non-fatal, legacy keys still work)", "error", err)
	} else if migrated > 0 {
		logger.Info("migrated legacy reviewer keys to api_keys table", "count", migrated)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		recorder:     recorder,
		broker:       broker,
		grantCache:   grantCache,
		progressSvc:  progressSvc,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Start the audit recorder first so no request can outrun its log.
	if err := a.recorder.Start(ctx); err != nil {
		return fmt.Errorf("audit recorder: %w", err)
	}
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	// Background maintenance.
	go a.integrityProofLoop(ctx)
	go a.idempotencyCleanupLoop(ctx)
	go a.retentionSweepLoop(ctx)

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) flush the buffered access log to Postgres.
// It then closes the caches, the database pool and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hyoka shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: audit drain.
	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDrainTimeout)
	a.recorder.Drain(drainCtx)
	drainCancel()
	var drainErr error
	if remaining := a.recorder.Len(); remaining > 0 {
		// With a journal configured the entries survive on disk and are
		// replayed on next start; without one they are gone.
		a.logger.Error("audit drain incomplete",
			"remaining_entries", remaining,
			"journaled", a.cfg.AuditJournalDir != "",
			"configured_timeout", a.cfg.ShutdownDrainTimeout,
		)
		drainErr = fmt.Errorf("audit drain incomplete: %d entries unflushed", remaining)
	}

	// Cleanup.
	a.grantCache.Close()
	a.progressSvc.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	if drainErr != nil {
		return drainErr
	}
	a.logger.Info("hyoka stopped")
	return nil
}

// ── Background loops ───────────────────────────────────────────────────────────

// integrityProofLoop periodically seals the audit event chain into Merkle
// proof batches, the scheduled counterpart of POST /v1/integrity/proofs.
func (a *App) integrityProofLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IntegrityProofInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			buildIntegrityProof(opCtx, a.db, a.logger)
			cancel()
		}
	}
}

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx, a.cfg.IdempotencyTTL, a.cfg.IdempotencyTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

// retentionSweepLoop prunes aged access log and deletion log entries.
// Both retentions default to zero, which keeps the logs forever; the
// loop exits immediately in that case.
func (a *App) retentionSweepLoop(ctx context.Context) {
	if a.cfg.AccessLogRetention <= 0 && a.cfg.DeletionLogRetention <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.RetentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			if a.cfg.AccessLogRetention > 0 {
				cutoff := time.Now().UTC().Add(-a.cfg.AccessLogRetention)
				if pruned, err := a.db.PruneAccessLog(opCtx, cutoff, 0); err != nil {
					a.logger.Warn("access log prune failed", "error", err)
				} else if pruned > 0 {
					a.logger.Info("access log pruned", "deleted", pruned, "cutoff", cutoff)
				}
			}
			if a.cfg.DeletionLogRetention > 0 {
				cutoff := time.Now().UTC().Add(-a.cfg.DeletionLogRetention)
				if pruned, err := a.db.PruneDeletionAuditLog(opCtx, cutoff); err != nil {
					a.logger.Warn("deletion log prune failed", "error", err)
				} else if pruned > 0 {
					a.logger.Info("deletion log pruned", "deleted", pruned, "cutoff", cutoff)
				}
			}
			cancel()
		}
	}
}

// buildIntegrityProof seals audit events recorded since the last proof
// into a new Merkle batch. An empty batch is skipped silently here; the
// admin endpoint reports the same case as a conflict instead.
func buildIntegrityProof(ctx context.Context, db *storage.DB, logger *slog.Logger) {
	latest, err := db.GetLatestIntegrityProof(ctx)
	if err != nil {
		logger.Warn("integrity proof: get latest failed", "error", err)
		return
	}

	batchStart := time.Time{}
	var previousRoot *string
	if latest != nil {
		batchStart = latest.BatchEnd
		previousRoot = &latest.RootHash
	}
	now := time.Now().UTC()

	hashes, err := db.GetEventHashesForBatch(ctx, batchStart, now)
	if err != nil {
		logger.Warn("integrity proof: get event hashes failed", "error", err)
		return
	}
	if len(hashes) == 0 {
		return
	}

	proof := storage.IntegrityProof{
		ID:           uuid.New(),
		BatchStart:   batchStart,
		BatchEnd:     now,
		EventCount:   len(hashes),
		RootHash:     integrity.BuildMerkleRoot(hashes),
		PreviousRoot: previousRoot,
		CreatedAt:    now,
	}
	if err := db.CreateIntegrityProof(ctx, proof); err != nil {
		logger.Warn("integrity proof: create failed", "error", err)
		return
	}

	logger.Info("integrity proof created",
		"events", proof.EventCount,
		"root_hash", proof.RootHash[:16]+"...",
	)
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// eventHookAdapter wraps a hyoka.EventHook to satisfy server.ChecklistHook.
// It converts internal model types to public hyoka types at the boundary.
type eventHookAdapter struct {
	hook EventHook
}

func (a *eventHookAdapter) OnChecklistCompleted(ctx context.Context, c model.Checklist) error {
	return a.hook.OnChecklistCompleted(ctx, toPublicChecklist(c))
}

func (a *eventHookAdapter) OnChecklistFinalized(ctx context.Context, c model.Checklist) error {
	return a.hook.OnChecklistFinalized(ctx, toPublicChecklist(c))
}

// extractorAdapter wraps a hyoka.Extractor to satisfy extract.Provider.
type extractorAdapter struct {
	source Extractor
}

func (a *extractorAdapter) Extract(ctx context.Context, citation string) (extract.Metadata, error) {
	md, err := a.source.Extract(ctx, citation)
	if err != nil {
		return extract.Metadata{}, err
	}
	return extract.Metadata{
		Title:   md.Title,
		Authors: md.Authors,
		Year:    md.Year,
		Journal: md.Journal,
		DOI:     md.DOI,
	}, nil
}

// authHelperImpl implements hyoka.AuthHelper using an internal
// server.RoleMiddlewareFn. Constructed in the route registrar adapter
// closure; bridges the public interface to the internal RBAC middleware
// without importing server from extension code.
type authHelperImpl struct {
	roleFn server.RoleMiddlewareFn
}

func (a *authHelperImpl) RequireRole(role Role) func(http.Handler) http.Handler {
	return a.roleFn(model.ReviewerRole(role))
}

// ── Type converters ────────────────────────────────────────────────────────────

// toInternalChecklist rebuilds an internal model.Checklist from the public
// form, validating every key and code against the instrument on the way.
// Identity fields are preserved when set and synthesized when not, so a
// purely client-side checklist scores without ceremony.
func toInternalChecklist(c *Checklist) (*model.Checklist, error) {
	if c == nil {
		return nil, fmt.Errorf("hyoka: nil checklist")
	}
	in, ok := schema.Get(c.Instrument)
	if !ok {
		return nil, fmt.Errorf("hyoka: unknown instrument %q (known: %s)",
			c.Instrument, strings.Join(schema.Keys(), ", "))
	}

	id := c.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	name := c.Name
	if name == "" {
		name = "untitled"
	}
	mc, err := schema.NewChecklist(id, c.StudyID, c.ReviewerID, in.Key, name, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("hyoka: %w", err)
	}

	for fk, v := range c.Preliminary {
		f := in.Field(fk)
		if f == nil {
			return nil, fmt.Errorf("hyoka: unknown preliminary field %q for %s", fk, in.Key)
		}
		pv := toInternalFieldValue(v)
		if f.Kind == schema.FieldChoice && pv.Choice != nil && !fieldChoiceAllowed(f, *pv.Choice) {
			return nil, fmt.Errorf("hyoka: invalid choice %q for preliminary field %q", *pv.Choice, fk)
		}
		mc.Preliminary[fk] = pv
	}
	mode := in.Mode(mc)

	for dk, qs := range c.Answers {
		d := in.Domain(dk)
		if d == nil {
			return nil, fmt.Errorf("hyoka: unknown domain %q for %s", dk, in.Key)
		}
		if len(qs) > 0 && !d.ActiveIn(mode) {
			return nil, fmt.Errorf("hyoka: domain %q is not active in mode %q", dk, mode)
		}
		for qk, a := range qs {
			q := d.Question(qk)
			if q == nil {
				return nil, fmt.Errorf("hyoka: unknown question %q in domain %q", qk, dk)
			}
			if !q.Allows(model.Code(a.Code)) {
				return nil, fmt.Errorf("hyoka: invalid code %q for question %s.%s", a.Code, dk, qk)
			}
			mc.Domains[dk].Answers[qk] = toInternalAnswer(a)
		}
	}

	for target, v := range c.Overrides {
		j := model.Judgement(v)
		if !j.Valid() {
			return nil, fmt.Errorf("hyoka: invalid judgement %q for %q", v, target)
		}
		if target == "overall" {
			mc.Overall.Source = model.SourceManual
			mc.Overall.Override = &j
			continue
		}
		if in.Domain(target) == nil {
			return nil, fmt.Errorf("hyoka: unknown override key %q (domain key or \"overall\")", target)
		}
		mc.Domains[target].Source = model.SourceManual
		mc.Domains[target].Override = &j
	}

	for target, v := range c.Directions {
		dir := model.Direction(v)
		if !dir.Valid() {
			return nil, fmt.Errorf("hyoka: invalid direction %q for %q", v, target)
		}
		if target == "overall" {
			if !in.HasOverallDirection {
				return nil, fmt.Errorf("hyoka: instrument %s has no overall direction slot", in.Key)
			}
			mc.Overall.Direction = &dir
			continue
		}
		d := in.Domain(target)
		if d == nil {
			return nil, fmt.Errorf("hyoka: unknown direction key %q (domain key or \"overall\")", target)
		}
		if !d.HasDirection {
			return nil, fmt.Errorf("hyoka: domain %q does not carry a direction", target)
		}
		mc.Domains[target].Direction = &dir
	}

	return mc, nil
}

func fieldChoiceAllowed(f *schema.FieldSpec, choice model.Code) bool {
	for _, c := range f.Choices {
		if c == choice {
			return true
		}
	}
	return false
}

// toPublicChecklist converts an internal model.Checklist to the public
// hyoka.Checklist. Lives here because this is the only file that imports
// both sides of the boundary.
func toPublicChecklist(m model.Checklist) Checklist {
	out := Checklist{
		ID:          m.ID,
		StudyID:     m.StudyID,
		ReviewerID:  m.ReviewerID,
		Name:        m.Name,
		Instrument:  m.Instrument,
		Status:      string(m.Status),
		Consensus:   m.Source1ID != nil && m.Source2ID != nil,
		Preliminary: make(map[string]FieldValue, len(m.Preliminary)),
		Answers:     make(map[string]map[string]Answer, len(m.Domains)),
		Overrides:   make(map[string]Judgement),
		Directions:  make(map[string]Direction),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	for k, v := range m.Preliminary {
		out.Preliminary[k] = toPublicFieldValue(v)
	}
	for dk, st := range m.Domains {
		if st == nil {
			continue
		}
		qs := make(map[string]Answer, len(st.Answers))
		for qk, a := range st.Answers {
			qs[qk] = toPublicAnswer(a)
		}
		out.Answers[dk] = qs
		if st.Override != nil {
			out.Overrides[dk] = Judgement(*st.Override)
		}
		if st.Direction != nil {
			out.Directions[dk] = Direction(*st.Direction)
		}
	}
	if m.Overall.Override != nil {
		out.Overrides["overall"] = Judgement(*m.Overall.Override)
	}
	if m.Overall.Direction != nil {
		out.Directions["overall"] = Direction(*m.Overall.Direction)
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		out.CompletedAt = &t
	}
	if m.FinalizedAt != nil {
		t := *m.FinalizedAt
		out.FinalizedAt = &t
	}
	return out
}

func toPublicAggregate(a model.Aggregate) Aggregate {
	out := Aggregate{
		Domains:       make(map[string]DomainScore, len(a.Domains)),
		Overall:       toPublicJudgement(a.Overall),
		OverallSource: string(a.OverallSource),
		Direction:     toPublicDirection(a.Direction),
		Complete:      a.Complete,
		Gate:          string(a.Gate),
	}
	for k, ds := range a.Domains {
		out.Domains[k] = DomainScore{
			Auto:       toPublicJudgement(ds.Auto.Judgement),
			Effective:  toPublicJudgement(ds.Effective),
			Source:     string(ds.Source),
			Overridden: ds.Overridden,
			Direction:  toPublicDirection(ds.Direction),
		}
	}
	return out
}

func toPublicComparison(r compare.Result) Comparison {
	out := Comparison{
		Instrument:             r.Instrument,
		Overall1:               toPublicJudgement(r.Overall1),
		Overall2:               toPublicJudgement(r.Overall2),
		OverallMatch:           r.OverallMatch,
		OverallDirection1:      toPublicDirection(r.OverallDirection1),
		OverallDirection2:      toPublicDirection(r.OverallDirection2),
		OverallDirectionsMatch: cloneBool(r.OverallDirectionsMatch),
		Stats: CompareStats{
			Total:     r.Stats.Total,
			Agreed:    r.Stats.Agreed,
			Disagreed: r.Stats.Disagreed,
			Rate:      r.Stats.Rate,
		},
	}
	for _, fd := range r.Preliminary {
		out.Preliminary = append(out.Preliminary, FieldDiff{
			Field:  fd.Field,
			Value1: toPublicFieldValuePtr(fd.Value1),
			Value2: toPublicFieldValuePtr(fd.Value2),
			Agreed: fd.Agreed,
		})
	}
	for _, dd := range r.Domains {
		pd := DomainDiff{
			Domain:          dd.Domain,
			Title:           dd.Title,
			Agreed:          append([]string(nil), dd.Agreed...),
			Disagreed:       append([]string(nil), dd.Disagreed...),
			Judgement1:      toPublicJudgement(dd.Judgement1),
			Judgement2:      toPublicJudgement(dd.Judgement2),
			JudgementsMatch: dd.JudgementsMatch,
			Direction1:      toPublicDirection(dd.Direction1),
			Direction2:      toPublicDirection(dd.Direction2),
			DirectionsMatch: cloneBool(dd.DirectionsMatch),
		}
		for _, qd := range dd.Questions {
			pd.Questions = append(pd.Questions, QuestionDiff{
				Question: qd.Question,
				Answer1:  toPublicAnswerPtr(qd.Answer1),
				Answer2:  toPublicAnswerPtr(qd.Answer2),
				Agreed:   qd.Agreed,
			})
		}
		out.Domains = append(out.Domains, pd)
	}
	return out
}

func toPublicAnswer(a model.Answer) Answer {
	out := Answer{Code: Code(a.Code)}
	if a.Comment != nil {
		s := *a.Comment
		out.Comment = &s
	}
	if a.Critical != nil {
		b := *a.Critical
		out.Critical = &b
	}
	return out
}

func toPublicAnswerPtr(a *model.Answer) *Answer {
	if a == nil {
		return nil
	}
	v := toPublicAnswer(*a)
	return &v
}

func toInternalAnswer(a Answer) model.Answer {
	out := model.Answer{Code: model.Code(a.Code)}
	if a.Comment != nil {
		s := *a.Comment
		out.Comment = &s
	}
	if a.Critical != nil {
		b := *a.Critical
		out.Critical = &b
	}
	return out
}

func toPublicFieldValue(v model.PrelimValue) FieldValue {
	out := FieldValue{}
	if v.Text != nil {
		s := *v.Text
		out.Text = &s
	}
	if v.Choice != nil {
		c := Code(*v.Choice)
		out.Choice = &c
	}
	if v.List != nil {
		out.List = append([]string(nil), v.List...)
	}
	if v.Multi != nil {
		out.Multi = make(map[string]bool, len(v.Multi))
		for k, b := range v.Multi {
			out.Multi[k] = b
		}
	}
	return out
}

func toPublicFieldValuePtr(v *model.PrelimValue) *FieldValue {
	if v == nil {
		return nil
	}
	fv := toPublicFieldValue(*v)
	return &fv
}

func toInternalFieldValue(v FieldValue) model.PrelimValue {
	out := model.PrelimValue{}
	if v.Text != nil {
		s := *v.Text
		out.Text = &s
	}
	if v.Choice != nil {
		c := model.Code(*v.Choice)
		out.Choice = &c
	}
	if v.List != nil {
		out.List = append([]string(nil), v.List...)
	}
	if v.Multi != nil {
		out.Multi = make(map[string]bool, len(v.Multi))
		for k, b := range v.Multi {
			out.Multi[k] = b
		}
	}
	return out
}

func toPublicJudgement(j *model.Judgement) *Judgement {
	if j == nil {
		return nil
	}
	v := Judgement(*j)
	return &v
}

func toPublicDirection(d *model.Direction) *Direction {
	if d == nil {
		return nil
	}
	v := Direction(*d)
	return &v
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
