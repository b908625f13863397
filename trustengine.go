// Package trustengine is the public façade over the sovereign fact store,
// hybrid search, hash-chained ledger, and reputation-weighted consensus
// engine. It wires the internal/* packages together behind a single
// functional-options constructor; code outside this module reaches
// internal/storage and the other internal packages only through it.
package trustengine

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/sovereign-memory/trustengine/internal/apperr"
	"github.com/sovereign-memory/trustengine/internal/clock"
	"github.com/sovereign-memory/trustengine/internal/config"
	"github.com/sovereign-memory/trustengine/internal/ledger"
	"github.com/sovereign-memory/trustengine/internal/model"
	"github.com/sovereign-memory/trustengine/internal/search"
	"github.com/sovereign-memory/trustengine/internal/service/consensus"
	"github.com/sovereign-memory/trustengine/internal/service/embedding"
	"github.com/sovereign-memory/trustengine/internal/service/facts"
	"github.com/sovereign-memory/trustengine/internal/storage"
	"github.com/sovereign-memory/trustengine/internal/telemetry"
	"github.com/sovereign-memory/trustengine/migrations"
)

// Engine is the entry point for every public operation: fact storage and
// recall, hybrid search, ledger verification/export, and agent voting.
type Engine struct {
	db     *storage.DB
	clock  clock.Clock
	logger *slog.Logger

	facts     *facts.Service
	searcher  *search.Searcher
	ledger    *ledger.Ledger
	consensus *consensus.Service

	halfLife     time.Duration
	shutdownOtel telemetry.Shutdown
}

// Option configures New. Unset options fall back to the values resolved by
// config.Load.
type Option func(*options)

type options struct {
	cfg      *config.Config
	clock    clock.Clock
	logger   *slog.Logger
	embedder embedding.Provider
}

// WithConfig overrides the configuration that would otherwise come from
// config.Load (environment variables / .env file).
func WithConfig(cfg config.Config) Option {
	return func(o *options) { o.cfg = &cfg }
}

// WithClock overrides the engine's time source. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger overrides the engine's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEmbeddingProvider overrides the collaborator used to turn query/fact
// text into vectors when the caller does not supply one directly.
func WithEmbeddingProvider(p embedding.Provider) Option {
	return func(o *options) { o.embedder = p }
}

// New opens (or creates) the database at the configured path, applies
// migrations, and wires every internal service. Close must be called to
// release the database handle and flush telemetry.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	resolved := options{}
	for _, opt := range opts {
		opt(&resolved)
	}

	if resolved.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		resolved.cfg = &cfg
	}
	cfg := *resolved.cfg

	if resolved.clock == nil {
		resolved.clock = clock.System{}
	}
	if resolved.logger == nil {
		handler := newLogHandler(cfg)
		resolved.logger = slog.New(handler)
	}
	if resolved.embedder == nil {
		resolved.embedder = embedding.NoopProvider{Dim: cfg.EmbeddingDim}
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:     cfg.OTELEnabled,
		ServiceName: cfg.ServiceName,
		Writer:      os.Stdout,
	})
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(ctx, cfg.DBPath, migrations.FS, resolved.logger, cfg.WriterQueueDepth)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	factsSvc := facts.New(db, resolved.embedder, resolved.clock, resolved.logger, cfg.MaxContentBytes, cfg.DedupWindow, cfg.CheckpointBatch)
	searcher := search.New(db, resolved.embedder)
	ledgerSvc := ledger.New(db)
	consensusSvc := consensus.New(db, resolved.clock, resolved.logger, consensus.Thresholds{
		Verified: cfg.ConsensusVerifiedThreshold,
		Disputed: cfg.ConsensusDisputedThreshold,
	}, cfg.CheckpointBatch)

	resolved.logger.Info("trustengine opened", "db_path", cfg.DBPath)

	return &Engine{
		db:           db,
		clock:        resolved.clock,
		logger:       resolved.logger,
		facts:        factsSvc,
		searcher:     searcher,
		ledger:       ledgerSvc,
		consensus:    consensusSvc,
		halfLife:     cfg.RecencyHalfLife,
		shutdownOtel: shutdown,
	}, nil
}

func newLogHandler(cfg config.Config) slog.Handler {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.NewTextHandler(os.Stdout, handlerOpts)
	}
	return slog.NewJSONHandler(os.Stdout, handlerOpts)
}

// sanitized strips the raw cause from Internal-kind errors before a value
// crosses the façade boundary, so no storage message, file path, or SQL
// fragment ever reaches a caller of Engine.
func sanitized[T any](v T, err error) (T, error) {
	return v, apperr.Sanitize(err)
}

// Close releases the database handle and flushes any pending telemetry.
func (e *Engine) Close(ctx context.Context) error {
	if e.shutdownOtel != nil {
		_ = e.shutdownOtel(ctx)
	}
	return apperr.Sanitize(e.db.Close())
}

// Store inserts a fact (see facts.StoreInput for the full field set).
func (e *Engine) Store(ctx context.Context, in facts.StoreInput) (int64, error) {
	return sanitized(e.facts.Store(ctx, in))
}

// StoreMany stores a batch of facts atomically.
func (e *Engine) StoreMany(ctx context.Context, items []facts.StoreInput) ([]int64, error) {
	return sanitized(e.facts.StoreMany(ctx, items))
}

// Deprecate marks a fact as no longer valid as of now.
func (e *Engine) Deprecate(ctx context.Context, factID int64) (bool, error) {
	return sanitized(e.facts.Deprecate(ctx, factID))
}

// Get loads a single fact by id.
func (e *Engine) Get(ctx context.Context, factID int64) (model.Fact, error) {
	return sanitized(e.facts.Get(ctx, factID))
}

// Recall returns facts visible at a point in time, paginated.
func (e *Engine) Recall(ctx context.Context, q facts.RecallQuery) ([]model.Fact, error) {
	return sanitized(e.facts.Recall(ctx, q))
}

// History returns every ledger entry touching a fact, chronological.
func (e *Engine) History(ctx context.Context, factID int64) ([]model.TransactionSummary, error) {
	return sanitized(e.facts.History(ctx, factID))
}

// Search runs hybrid similarity/recency/consensus search. If q.HalfLife is
// zero, the engine's configured recency half-life is used.
func (e *Engine) Search(ctx context.Context, q search.Query) ([]search.Result, error) {
	if q.HalfLife == 0 {
		q.HalfLife = e.halfLife
	}
	return sanitized(e.searcher.Search(ctx, q))
}

// VerifyChain walks the entire transaction ledger and confirms continuity.
func (e *Engine) VerifyChain(ctx context.Context) (model.ChainReport, error) {
	return sanitized(e.ledger.VerifyChain(ctx))
}

// VerifyFact returns a membership certificate for a single fact.
func (e *Engine) VerifyFact(ctx context.Context, factID int64) (model.Certificate, error) {
	return sanitized(e.ledger.VerifyFact(ctx, factID))
}

// VerifyCheckpoints recomputes every stored Merkle root.
func (e *Engine) VerifyCheckpoints(ctx context.Context) (model.ChainReport, error) {
	return sanitized(e.ledger.VerifyCheckpoints(ctx))
}

// CreateCheckpoint forces an out-of-band checkpoint over any outstanding
// transactions since the last one.
func (e *Engine) CreateCheckpoint(ctx context.Context) (model.Checkpoint, error) {
	return sanitized(e.ledger.CreateCheckpoint(ctx, e.clock.Now()))
}

// Export writes a canonical JSON export document, with its Merkle root,
// covering a transaction range. The document is not signed.
func (e *Engine) Export(ctx context.Context, startTx, endTx int64, path string) (model.ExportResult, error) {
	return sanitized(e.ledger.Export(ctx, startTx, endTx, path))
}

// ComplianceReport summarizes chain validity and the core's record-keeping
// properties for external audit.
func (e *Engine) ComplianceReport(ctx context.Context) (ledger.ComplianceReport, error) {
	return sanitized(e.ledger.Compliance(ctx))
}

// RegisterAgent registers a voting participant at the default reputation.
func (e *Engine) RegisterAgent(ctx context.Context, agentID string, meta map[string]any) (model.Agent, error) {
	return sanitized(e.consensus.RegisterAgent(ctx, agentID, meta))
}

// Vote records an agent's verify/dispute signal on a fact.
func (e *Engine) Vote(ctx context.Context, factID int64, agentID string, value int) (float64, error) {
	return sanitized(e.consensus.Vote(ctx, factID, agentID, value))
}

// GetAgent loads an agent's current reputation state.
func (e *Engine) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	return sanitized(e.consensus.GetAgent(ctx, agentID))
}

// ConsensusOf returns the current cached consensus score for a fact.
func (e *Engine) ConsensusOf(ctx context.Context, factID int64) (float64, error) {
	return sanitized(e.consensus.ConsensusOf(ctx, factID))
}
