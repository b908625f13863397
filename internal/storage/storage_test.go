package storage_test

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereign-memory/trustengine/internal/model"
	"github.com/sovereign-memory/trustengine/internal/storage"
	"github.com/sovereign-memory/trustengine/migrations"
)

// testDB holds a shared test database for all tests in this package,
// against a throwaway file in the OS temp dir rather than a containerized
// server, since the store is embedded SQLite.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "trustengine-storage-test-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = storage.Open(ctx, filepath.Join(dir, "test.db"), migrations.FS, logger, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open test db: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}

func insertFact(t *testing.T, ctx context.Context, f model.Fact) int64 {
	t.Helper()
	var id int64
	err := testDB.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = storage.InsertFact(ctx, tx, f)
		return err
	})
	require.NoError(t, err)
	return id
}

func TestInsertAndGetFact(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	f := model.Fact{
		Project:        "proj-a",
		Content:        "the sky is blue",
		FactType:       model.FactTypeKnowledge,
		Tags:           []string{"zebra", "alpha"},
		Confidence:     model.ConfidenceStated,
		Source:         "unit-test",
		Context:        map[string]any{"k": "v"},
		CreatedAt:      now,
		ValidFrom:      now,
		ConsensusScore: 1.0,
	}
	id := insertFact(t, ctx, f)
	require.NotZero(t, id)

	got, err := storage.GetFact(ctx, testDB.Reader(), id)
	require.NoError(t, err)
	assert.Equal(t, "proj-a", got.Project)
	assert.Equal(t, "the sky is blue", got.Content)
	assert.Equal(t, []string{"alpha", "zebra"}, got.Tags, "tags must come back pre-sorted")
	assert.Nil(t, got.ValidUntil)
}

func TestGetFactNotFound(t *testing.T) {
	ctx := context.Background()
	_, err := storage.GetFact(ctx, testDB.Reader(), 99999999)
	require.Error(t, err)
}

func TestDeprecateFactIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	id := insertFact(t, ctx, model.Fact{
		Project:        "proj-dep",
		Content:        "ephemeral",
		FactType:       model.FactTypeTask,
		Confidence:     model.ConfidenceStated,
		CreatedAt:      now,
		ValidFrom:      now,
		ConsensusScore: 1.0,
	})

	err := testDB.WithTx(ctx, func(tx *sql.Tx) error {
		changed, err := storage.DeprecateFact(ctx, tx, id, now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, changed)
		return nil
	})
	require.NoError(t, err)

	err = testDB.WithTx(ctx, func(tx *sql.Tx) error {
		changed, err := storage.DeprecateFact(ctx, tx, id, now.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, changed, "a second deprecate call must be a no-op")
		return nil
	})
	require.NoError(t, err)
}

func TestRecallFactsRespectsTemporalWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	project := "proj-recall"

	id := insertFact(t, ctx, model.Fact{
		Project:        project,
		Content:        "visible now",
		FactType:       model.FactTypeKnowledge,
		Confidence:     model.ConfidenceStated,
		CreatedAt:      now,
		ValidFrom:      now,
		ConsensusScore: 1.0,
	})

	before, err := storage.RecallFacts(ctx, testDB.Reader(), storage.RecallQuery{
		Project: project, AsOf: now.Add(-time.Hour), Limit: 10,
	})
	require.NoError(t, err)
	for _, f := range before {
		assert.NotEqual(t, id, f.ID, "fact must not be visible before its valid_from")
	}

	after, err := storage.RecallFacts(ctx, testDB.Reader(), storage.RecallQuery{
		Project: project, AsOf: now.Add(time.Hour), Limit: 10,
	})
	require.NoError(t, err)
	var found bool
	for _, f := range after {
		if f.ID == id {
			found = true
		}
	}
	assert.True(t, found, "fact must be visible after its valid_from")
}

func TestFindRecentDuplicate(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	project := "proj-dup"

	err := testDB.WithTx(ctx, func(tx *sql.Tx) error {
		_, found, err := storage.FindRecentDuplicate(ctx, tx, project, "same content", model.FactTypeKnowledge, time.Minute, now)
		require.NoError(t, err)
		assert.False(t, found)

		_, err = storage.InsertFact(ctx, tx, model.Fact{
			Project: project, Content: "same content", FactType: model.FactTypeKnowledge,
			Confidence: model.ConfidenceStated, CreatedAt: now, ValidFrom: now, ConsensusScore: 1.0,
		})
		require.NoError(t, err)

		_, found, err = storage.FindRecentDuplicate(ctx, tx, project, "same content", model.FactTypeKnowledge, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, found, "duplicate within the dedup window must be found")
		return nil
	})
	require.NoError(t, err)
}

func TestAppendTransactionChains(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	var firstHash, secondHash string
	err := testDB.WithTx(ctx, func(tx *sql.Tx) error {
		prev, err := storage.LatestHash(ctx, tx)
		require.NoError(t, err)

		_, h1, err := storage.AppendTransaction(ctx, tx, "proj-chain", model.OperationStore, map[string]any{"k": 1}, now)
		require.NoError(t, err)
		firstHash = h1

		_, h2, err := storage.AppendTransaction(ctx, tx, "proj-chain", model.OperationStore, map[string]any{"k": 2}, now.Add(time.Second))
		require.NoError(t, err)
		secondHash = h2

		assert.NotEqual(t, prev, firstHash)
		assert.NotEqual(t, firstHash, secondHash)
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, firstHash)
	assert.NotEmpty(t, secondHash)
}

func TestRegisterAgentIsIdempotentAndStartsAtDefaultReputation(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	err := testDB.WithTx(ctx, func(tx *sql.Tx) error {
		a1, err := storage.RegisterAgent(ctx, tx, "agent-x", nil, now)
		require.NoError(t, err)
		assert.Equal(t, model.DefaultReputation, a1.Reputation)

		a2, err := storage.RegisterAgent(ctx, tx, "agent-x", nil, now)
		require.NoError(t, err)
		assert.Equal(t, a1.CreatedAt, a2.CreatedAt, "re-registering must not reset the agent")
		return nil
	})
	require.NoError(t, err)
}

func TestLockArenaSerializesSameKey(t *testing.T) {
	arena := storage.NewLockArena()
	unlock := arena.Lock(1, "agent-a")

	done := make(chan struct{})
	go func() {
		unlock2 := arena.Lock(1, "agent-a")
		unlock2()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lock on the same key acquired while the first was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	<-done
}
