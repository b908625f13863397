package consensus_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereign-memory/trustengine/internal/apperr"
	"github.com/sovereign-memory/trustengine/internal/clock"
	"github.com/sovereign-memory/trustengine/internal/model"
	"github.com/sovereign-memory/trustengine/internal/service/consensus"
	"github.com/sovereign-memory/trustengine/internal/storage"
	"github.com/sovereign-memory/trustengine/migrations"
)

func newTestService(t *testing.T, thresholds consensus.Thresholds) (*consensus.Service, *storage.DB) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	db, err := storage.Open(ctx, filepath.Join(dir, "test.db"), migrations.FS, logger, 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc := consensus.New(db, clock.System{}, logger, thresholds, 1000)
	return svc, db
}

func insertFact(t *testing.T, db *storage.DB, content string) int64 {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	var id int64
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = storage.InsertFact(ctx, tx, model.Fact{
			Project:        "proj-consensus",
			Content:        content,
			FactType:       model.FactTypeKnowledge,
			Confidence:     model.ConfidenceStated,
			CreatedAt:      now,
			ValidFrom:      now,
			ConsensusScore: 1.0,
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func TestRegisterAgentStartsAtDefaultReputation(t *testing.T) {
	svc, _ := newTestService(t, consensus.DefaultThresholds)
	agent, err := svc.RegisterAgent(context.Background(), "agent-a", nil)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultReputation, agent.Reputation)
	assert.Zero(t, agent.TotalVotes)
}

func TestRegisterAgentRejectsEmptyID(t *testing.T) {
	svc, _ := newTestService(t, consensus.DefaultThresholds)
	_, err := svc.RegisterAgent(context.Background(), "", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument))
}

func TestVoteRejectsInvalidValue(t *testing.T) {
	svc, db := newTestService(t, consensus.DefaultThresholds)
	factID := insertFact(t, db, "needs votes")

	_, err := svc.Vote(context.Background(), factID, "agent-a", 2)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument))
}

func TestVoteIsIdempotentPerAgentReplacesRatherThanStacks(t *testing.T) {
	svc, db := newTestService(t, consensus.DefaultThresholds)
	factID := insertFact(t, db, "stable fact")

	score1, err := svc.Vote(context.Background(), factID, "agent-a", 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0+model.DefaultReputation, score1)

	// The first vote raised agent-a's reputation, so the second vote carries
	// that new weight. The same agent voting again on the same fact must
	// replace its prior vote row, not add a second one, so the score must
	// hold only the new vote's weight and not double-count.
	agent, err := svc.GetAgent(context.Background(), "agent-a")
	require.NoError(t, err)
	score2, err := svc.Vote(context.Background(), factID, "agent-a", 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0+agent.Reputation, score2)
}

func TestMultipleAgentsVotingVerifiedFlipsConfidence(t *testing.T) {
	svc, db := newTestService(t, consensus.DefaultThresholds)
	factID := insertFact(t, db, "widely agreed fact")

	for _, agentID := range []string{"agent-a", "agent-b", "agent-c", "agent-d", "agent-e"} {
		_, err := svc.Vote(context.Background(), factID, agentID, 1)
		require.NoError(t, err)
	}

	got, err := storage.GetFact(context.Background(), db.Reader(), factID)
	require.NoError(t, err)
	assert.Equal(t, model.ConfidenceVerified, got.Confidence)
	assert.GreaterOrEqual(t, got.ConsensusScore, consensus.DefaultThresholds.Verified)
}

func TestMultipleAgentsVotingDisputedFlipsConfidence(t *testing.T) {
	svc, db := newTestService(t, consensus.DefaultThresholds)
	factID := insertFact(t, db, "contested fact")

	for _, agentID := range []string{"agent-a", "agent-b", "agent-c", "agent-d", "agent-e"} {
		_, err := svc.Vote(context.Background(), factID, agentID, -1)
		require.NoError(t, err)
	}

	got, err := storage.GetFact(context.Background(), db.Reader(), factID)
	require.NoError(t, err)
	assert.Equal(t, model.ConfidenceDisputed, got.Confidence)
	assert.LessOrEqual(t, got.ConsensusScore, consensus.DefaultThresholds.Disputed)
}

func TestReputationStaysWithinBounds(t *testing.T) {
	svc, db := newTestService(t, consensus.DefaultThresholds)

	// agent-a repeatedly disagrees with the consensus (the other agents
	// first push the fact to verified, then agent-a votes to dispute it and
	// the fact stays verified), so its reputation should drift down but
	// never below the floor. Agreement is judged on the confidence that
	// results from each agent's own vote, hence agent-a votes last.
	for i := 0; i < 40; i++ {
		factID := insertFact(t, db, "reputation drift target")
		_, err := svc.Vote(context.Background(), factID, "agent-b", 1)
		require.NoError(t, err)
		_, err = svc.Vote(context.Background(), factID, "agent-c", 1)
		require.NoError(t, err)
		_, err = svc.Vote(context.Background(), factID, "agent-a", -1)
		require.NoError(t, err)
	}

	agent, err := svc.GetAgent(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, agent.Reputation, model.MinReputation)
	assert.LessOrEqual(t, agent.Reputation, model.MaxReputation)
	assert.Less(t, agent.Reputation, model.DefaultReputation, "an agent that consistently disagrees with consensus should lose reputation")
}

func TestConsensusOfReflectsLatestScore(t *testing.T) {
	svc, db := newTestService(t, consensus.DefaultThresholds)
	factID := insertFact(t, db, "queryable fact")

	before, err := svc.ConsensusOf(context.Background(), factID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, before)

	_, err = svc.Vote(context.Background(), factID, "agent-a", 1)
	require.NoError(t, err)

	after, err := svc.ConsensusOf(context.Background(), factID)
	require.NoError(t, err)
	assert.Greater(t, after, before)
}
