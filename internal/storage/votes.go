package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sovereign-memory/trustengine/internal/apperr"
	"github.com/sovereign-memory/trustengine/internal/integrity"
)

// ExistingVote is the prior vote's value/weight for a (fact_id, agent_id)
// pair, if one exists. The consensus Vote path does not read it: it
// recomputes the score from every current vote row via SumWeightedVotes.
type ExistingVote struct {
	Value  int
	Weight float64
}

// GetVote loads the current vote for (factID, agentID), if any.
func GetVote(ctx context.Context, tx *sql.Tx, factID int64, agentID string) (ExistingVote, bool, error) {
	var v ExistingVote
	err := tx.QueryRowContext(ctx, `SELECT value, weight FROM consensus_votes WHERE fact_id = ? AND agent_id = ?`, factID, agentID).Scan(&v.Value, &v.Weight)
	if errors.Is(err, sql.ErrNoRows) {
		return ExistingVote{}, false, nil
	}
	if err != nil {
		return ExistingVote{}, false, apperr.Internal("storage: get existing vote", err)
	}
	return v, true, nil
}

// UpsertVote inserts or replaces the (fact_id, agent_id) vote row.
func UpsertVote(ctx context.Context, tx *sql.Tx, factID int64, agentID string, value int, weight float64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO consensus_votes(fact_id, agent_id, value, weight, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fact_id, agent_id) DO UPDATE SET value = excluded.value, weight = excluded.weight, timestamp = excluded.timestamp`,
		factID, agentID, value, weight, formatTime(now))
	if err != nil {
		return apperr.Internal("storage: upsert vote", err)
	}
	return nil
}

// SumWeightedVotes returns Σ(value_i * weight_i) across every current vote
// on factID, used to recompute the cached consensus score from scratch
// (cheap at expected vote-per-fact cardinality, and immune to floating
// point drift from incremental updates).
func SumWeightedVotes(ctx context.Context, tx *sql.Tx, factID int64) (float64, error) {
	var sum sql.NullFloat64
	err := tx.QueryRowContext(ctx, `SELECT SUM(value * weight) FROM consensus_votes WHERE fact_id = ?`, factID).Scan(&sum)
	if err != nil {
		return 0, apperr.Internal("storage: sum weighted votes", err)
	}
	if !sum.Valid {
		return 0, nil
	}
	return sum.Float64, nil
}

// DistinctVotedFactCount returns the number of facts with at least one vote,
// used to report how many facts carry agent-contributed consensus signal.
func DistinctVotedFactCount(ctx context.Context, db *sql.DB) (int64, error) {
	var count int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT fact_id) FROM consensus_votes`).Scan(&count); err != nil {
		return 0, apperr.Internal("storage: count voted facts", err)
	}
	return count, nil
}

// LatestVoteLedgerHash returns the hash of the most recent vote-ledger
// entry, or integrity.GenesisHash if empty. The vote ledger chains
// independently of the main transaction ledger.
func LatestVoteLedgerHash(ctx context.Context, tx *sql.Tx) (string, error) {
	var hash string
	err := tx.QueryRowContext(ctx, `SELECT hash FROM vote_ledger ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return integrity.GenesisHash, nil
	}
	if err != nil {
		return "", apperr.Internal("storage: read latest vote ledger hash", err)
	}
	return hash, nil
}

// AppendVoteLedger chains and inserts a vote-ledger entry. signature must be
// empty; no signing collaborator is implemented (see design notes on the
// reserved vote_ledger.signature column).
func AppendVoteLedger(ctx context.Context, tx *sql.Tx, factID int64, agentID string, value int, weight float64, now time.Time, signature string) (string, error) {
	if signature != "" {
		return "", apperr.InvalidArgument("vote ledger signatures are not supported")
	}

	prevHash, err := LatestVoteLedgerHash(ctx, tx)
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"fact_id":  factID,
		"agent_id": agentID,
		"value":    value,
		"weight":   weight,
	}
	hash, err := integrity.ChainHash(prevHash, payload, now)
	if err != nil {
		return "", apperr.Internal("storage: compute vote ledger hash", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vote_ledger(fact_id, agent_id, value, weight, prev_hash, hash, timestamp, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		factID, agentID, value, weight, prevHash, hash, formatTime(now))
	if err != nil {
		return "", apperr.Internal("storage: insert vote ledger entry", err)
	}
	return hash, nil
}
