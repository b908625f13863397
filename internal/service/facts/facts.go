// Package facts orchestrates the Fact Store contract: atomic store/deprecate
// against the ledger, temporal recall, and per-fact history.
package facts

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/sovereign-memory/trustengine/internal/apperr"
	"github.com/sovereign-memory/trustengine/internal/clock"
	"github.com/sovereign-memory/trustengine/internal/ledger"
	"github.com/sovereign-memory/trustengine/internal/model"
	"github.com/sovereign-memory/trustengine/internal/service/embedding"
	"github.com/sovereign-memory/trustengine/internal/storage"
	"github.com/sovereign-memory/trustengine/internal/telemetry"
)

// Service exposes Store/StoreMany/Deprecate/Recall/Get/History over a
// *storage.DB, generating embeddings through an injected Provider when the
// caller supplies text instead of a vector.
type Service struct {
	db              *storage.DB
	embedder        embedding.Provider
	clock           clock.Clock
	logger          *slog.Logger
	maxContentBytes int
	dedupWindow     time.Duration
	checkpointBatch int64

	embeddingDuration metric.Float64Histogram
}

// New builds a facts.Service.
func New(db *storage.DB, embedder embedding.Provider, clk clock.Clock, logger *slog.Logger, maxContentBytes int, dedupWindow time.Duration, checkpointBatch int64) *Service {
	hist, _ := telemetry.Meter("trustengine/facts").Float64Histogram("embedding_duration_ms")
	return &Service{
		db:                db,
		embedder:          embedder,
		clock:             clk,
		logger:            logger,
		maxContentBytes:   maxContentBytes,
		dedupWindow:       dedupWindow,
		checkpointBatch:   checkpointBatch,
		embeddingDuration: hist,
	}
}

// StoreInput is the input to Store/StoreMany.
type StoreInput struct {
	Project    string
	Content    string
	FactType   model.FactType
	Tags       []string
	Confidence model.Confidence // optional; defaults to ConfidenceStated
	Source     string
	Context    map[string]any
	Embedding  []float32 // optional; if nil and QueryText set, computed via embedder
	QueryText  string    // optional alternative to Embedding
}

func (s *Service) validate(in StoreInput) error {
	if in.Project == "" {
		return apperr.InvalidArgument("project must not be empty")
	}
	if in.Content == "" {
		return apperr.InvalidArgument("content must not be empty")
	}
	if len(in.Content) > s.maxContentBytes {
		return apperr.InvalidArgument("content exceeds max_content_bytes (%d > %d)", len(in.Content), s.maxContentBytes)
	}
	if !model.ValidFactTypes[in.FactType] {
		return apperr.InvalidArgument("unknown fact_type %q", in.FactType)
	}
	if in.Confidence != "" && !model.ValidConfidences[in.Confidence] {
		return apperr.InvalidArgument("unknown confidence %q", in.Confidence)
	}
	return nil
}

func (s *Service) resolveEmbedding(ctx context.Context, in StoreInput) ([]float32, error) {
	if len(in.Embedding) > 0 {
		return in.Embedding, nil
	}
	if in.QueryText == "" {
		return nil, nil
	}
	if s.embedder == nil {
		return nil, apperr.InvalidArgument("no embedding provider configured and no vector supplied")
	}

	start := s.clock.Now()
	vec, err := s.embedder.Embed(ctx, in.QueryText)
	if s.embeddingDuration != nil {
		s.embeddingDuration.Record(ctx, float64(s.clock.Now().Sub(start).Milliseconds()))
	}
	if err != nil {
		return nil, apperr.Internal("embedding provider failed", err)
	}
	return vec, nil
}

// Store inserts one fact, its embedding (if any), and a ledger entry,
// atomically. Applies the de-duplication policy before inserting.
func (s *Service) Store(ctx context.Context, in StoreInput) (int64, error) {
	if err := s.validate(in); err != nil {
		return 0, err
	}
	if in.Confidence == "" {
		in.Confidence = model.ConfidenceStated
	}

	vec, err := s.resolveEmbedding(ctx, in)
	if err != nil {
		return 0, err
	}

	var factID int64
	err = storage.WithRetry(ctx, storage.DefaultRetryConfig, func() error {
		return s.db.WithTx(ctx, func(tx *sql.Tx) error {
			now := s.clock.Now()

			if dupID, found, derr := storage.FindRecentDuplicate(ctx, tx, in.Project, in.Content, in.FactType, s.dedupWindow, now); derr != nil {
				return derr
			} else if found {
				factID = dupID
				return nil
			}

			f := model.Fact{
				Project:        in.Project,
				Content:        in.Content,
				FactType:       in.FactType,
				Tags:           in.Tags,
				Confidence:     in.Confidence,
				Source:         in.Source,
				Context:        in.Context,
				CreatedAt:      now,
				ValidFrom:      now,
				ConsensusScore: 1.0,
			}

			id, err := storage.InsertFact(ctx, tx, f)
			if err != nil {
				return err
			}
			factID = id

			if len(vec) > 0 {
				if err := storage.InsertEmbedding(ctx, tx, id, vec); err != nil {
					return err
				}
			}

			payload := map[string]any{
				"fact_id":         id,
				"fact_type":       string(in.FactType),
				"content_preview": previewOf(in.Content),
			}
			if _, _, err := storage.AppendTransaction(ctx, tx, in.Project, model.OperationStore, payload, now); err != nil {
				return err
			}

			return ledger.MaybeCheckpoint(ctx, tx, s.checkpointBatch, now)
		})
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("fact stored", "fact_id", factID, "project", in.Project, "fact_type", in.FactType)
	return factID, nil
}

// StoreMany stores every item in a single transaction; any failure aborts
// the whole batch.
func (s *Service) StoreMany(ctx context.Context, items []StoreInput) ([]int64, error) {
	for _, in := range items {
		if err := s.validate(in); err != nil {
			return nil, err
		}
	}

	ids := make([]int64, 0, len(items))
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		for _, in := range items {
			confidence := in.Confidence
			if confidence == "" {
				confidence = model.ConfidenceStated
			}

			vec, err := s.resolveEmbeddingInTx(ctx, in)
			if err != nil {
				return err
			}

			f := model.Fact{
				Project:        in.Project,
				Content:        in.Content,
				FactType:       in.FactType,
				Tags:           in.Tags,
				Confidence:     confidence,
				Source:         in.Source,
				Context:        in.Context,
				CreatedAt:      now,
				ValidFrom:      now,
				ConsensusScore: 1.0,
			}
			id, err := storage.InsertFact(ctx, tx, f)
			if err != nil {
				return err
			}
			if len(vec) > 0 {
				if err := storage.InsertEmbedding(ctx, tx, id, vec); err != nil {
					return err
				}
			}
			payload := map[string]any{
				"fact_id":         id,
				"fact_type":       string(in.FactType),
				"content_preview": previewOf(in.Content),
			}
			if _, _, err := storage.AppendTransaction(ctx, tx, in.Project, model.OperationStore, payload, now); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return ledger.MaybeCheckpoint(ctx, tx, s.checkpointBatch, now)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// resolveEmbeddingInTx mirrors resolveEmbedding but is named distinctly for
// clarity at call sites inside a batch transaction (embedding generation
// itself happens before the transaction is entered in Store; StoreMany
// resolves per-item since batch items may mix vectors and text).
func (s *Service) resolveEmbeddingInTx(ctx context.Context, in StoreInput) ([]float32, error) {
	return s.resolveEmbedding(ctx, in)
}

func previewOf(content string) string {
	const maxPreview = 256
	if len(content) <= maxPreview {
		return content
	}
	return content[:maxPreview]
}

// Deprecate marks a fact as no longer valid as of now, idempotently.
func (s *Service) Deprecate(ctx context.Context, factID int64) (bool, error) {
	var changed bool
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		c, err := storage.DeprecateFact(ctx, tx, factID, now)
		if err != nil {
			return err
		}
		changed = c
		if !changed {
			return nil
		}

		project, err := storage.ProjectOfFact(ctx, tx, factID)
		if err != nil {
			return err
		}

		payload := map[string]any{
			"fact_id":     factID,
			"valid_until": now.UTC().Format(time.RFC3339Nano),
		}
		if _, _, err := storage.AppendTransaction(ctx, tx, project, model.OperationDeprecate, payload, now); err != nil {
			return err
		}

		return ledger.MaybeCheckpoint(ctx, tx, s.checkpointBatch, now)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Get loads a single fact by id.
func (s *Service) Get(ctx context.Context, factID int64) (model.Fact, error) {
	return storage.GetFact(ctx, s.db.Reader(), factID)
}

// RecallQuery mirrors the public Recall contract.
type RecallQuery struct {
	Project string
	AsOf    time.Time
	Limit   int
	Offset  int
}

// Recall returns facts visible at q.AsOf, newest first, paginated.
func (s *Service) Recall(ctx context.Context, q RecallQuery) ([]model.Fact, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	return storage.RecallFacts(ctx, s.db.Reader(), storage.RecallQuery{
		Project: q.Project,
		AsOf:    q.AsOf,
		Limit:   q.Limit,
		Offset:  q.Offset,
	})
}

// History returns every ledger entry touching factID, chronological.
func (s *Service) History(ctx context.Context, factID int64) ([]model.TransactionSummary, error) {
	rows, err := storage.TransactionsForFact(ctx, s.db.Reader(), factID)
	if err != nil {
		return nil, err
	}

	summaries := make([]model.TransactionSummary, 0, len(rows))
	for _, r := range rows {
		var payload map[string]any
		if err := json.Unmarshal([]byte(r.PayloadJSON), &payload); err != nil {
			return nil, apperr.Internal("facts: decode transaction payload", err)
		}
		summaries = append(summaries, model.TransactionSummary{
			TxID:      r.TxID,
			Timestamp: r.Timestamp,
			Operation: r.Operation,
			Payload:   payload,
		})
	}
	return summaries, nil
}
