package search

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sovereign-memory/trustengine/internal/model"
	"github.com/sovereign-memory/trustengine/internal/storage"
	"github.com/sovereign-memory/trustengine/migrations"
)

// stubProvider returns a fixed vector regardless of input text, so tests
// can exercise the QueryText resolution path without a real embedding
// backend.
type stubProvider struct {
	vector []float32
}

func (p stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.vector, nil
}

func (p stubProvider) Dimensions() int { return len(p.vector) }

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched lengths", []float32{1, 2}, []float32{1}, 0},
		{"empty", nil, []float32{1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestConsensusMultiplier_ClampedRange(t *testing.T) {
	require.Equal(t, consensusClampMin, consensusMultiplier(-100))
	// For any score >= 1 the formula reduces to score/score, so even a very
	// high consensus score yields exactly 1.0.
	require.Equal(t, 1.0, consensusMultiplier(1000))
	require.InDelta(t, 1.0, consensusMultiplier(1.0), 1e-9)
}

func TestRecencyScore_HalfLife(t *testing.T) {
	halfLife := 30 * 24 * time.Hour
	score := recencyScore(halfLife, halfLife)
	require.InDelta(t, 0.5, score, 1e-6)

	require.Equal(t, 1.0, recencyScore(0, halfLife))
}

func TestScore_PenalizesOldAndDisputedFacts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := model.Fact{CreatedAt: now, ConsensusScore: 1.0}
	stale := model.Fact{CreatedAt: now.Add(-60 * 24 * time.Hour), ConsensusScore: 1.0}
	disputed := model.Fact{CreatedAt: now, ConsensusScore: -5}

	query := []float32{1, 0}
	vec := []float32{1, 0}
	halfLife := 30 * 24 * time.Hour

	freshScore := Score(query, vec, fresh, now, halfLife)
	staleScore := Score(query, vec, stale, now, halfLife)
	disputedScore := Score(query, vec, disputed, now, halfLife)

	require.Greater(t, freshScore, staleScore)
	require.Greater(t, freshScore, disputedScore)
}

func TestParseTemporalBound(t *testing.T) {
	valid := []string{
		"2026-01-15T10:30:00Z",
		"2026-01-15T10:30:00.123456Z",
		"2026-01-15",
	}
	for _, v := range valid {
		_, err := ParseTemporalBound(v)
		require.NoError(t, err, v)
	}

	_, err := ParseTemporalBound("'; DROP TABLE facts; --")
	require.Error(t, err)
}

func TestSearchResolvesQueryTextThroughEmbeddingProvider(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	db, err := storage.Open(ctx, filepath.Join(dir, "test.db"), migrations.FS, logger, 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	vec := []float32{1, 0, 0}
	var factID int64
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		factID, err = storage.InsertFact(ctx, tx, model.Fact{
			Project:        "proj-text-search",
			Content:        "vector store internals",
			FactType:       model.FactTypeKnowledge,
			Confidence:     model.ConfidenceStated,
			CreatedAt:      now,
			ValidFrom:      now,
			ConsensusScore: 1.0,
		})
		if err != nil {
			return err
		}
		return storage.InsertEmbedding(ctx, tx, factID, vec)
	})
	require.NoError(t, err)

	searcher := New(db, stubProvider{vector: vec})

	results, err := searcher.Search(ctx, Query{
		Project:   "proj-text-search",
		QueryText: "vector store",
		AsOf:      now,
		TopK:      5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, factID, results[0].FactID)
}

func TestSearchRejectsMissingVectorAndText(t *testing.T) {
	searcher := New(nil, nil)
	_, err := searcher.Search(context.Background(), Query{})
	require.Error(t, err)
}

func TestSearchRejectsTextWithoutProvider(t *testing.T) {
	searcher := New(nil, nil)
	_, err := searcher.Search(context.Background(), Query{QueryText: "hello"})
	require.Error(t, err)
}
