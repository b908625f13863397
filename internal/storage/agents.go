package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/sovereign-memory/trustengine/internal/apperr"
	"github.com/sovereign-memory/trustengine/internal/model"
)

// RegisterAgent inserts agentID at DefaultReputation if it does not already
// exist. Returns the agent's current state either way (idempotent).
func RegisterAgent(ctx context.Context, tx *sql.Tx, agentID string, meta map[string]any, now time.Time) (model.Agent, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return model.Agent{}, apperr.Internal("storage: marshal agent meta", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents(id, reputation, total_votes, agree_votes, created_at, meta_json)
		VALUES (?, ?, 0, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING`, agentID, model.DefaultReputation, formatTime(now), string(metaJSON))
	if err != nil {
		return model.Agent{}, apperr.Internal("storage: register agent", err)
	}

	return GetAgentTx(ctx, tx, agentID)
}

func scanAgent(row rowScanner) (model.Agent, error) {
	var (
		a         model.Agent
		createdAt string
		metaJSON  string
	)
	if err := row.Scan(&a.ID, &a.Reputation, &a.TotalVotes, &a.AgreeVotes, &createdAt, &metaJSON); err != nil {
		return model.Agent{}, err
	}
	ca, err := parseTime(createdAt)
	if err != nil {
		return model.Agent{}, err
	}
	a.CreatedAt = ca
	if err := json.Unmarshal([]byte(metaJSON), &a.Meta); err != nil {
		return model.Agent{}, err
	}
	return a, nil
}

// GetAgentTx loads an agent within an in-flight writer transaction.
func GetAgentTx(ctx context.Context, tx *sql.Tx, agentID string) (model.Agent, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, reputation, total_votes, agree_votes, created_at, meta_json FROM agents WHERE id = ?`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, apperr.NotFound("agent %q not found", agentID)
	}
	if err != nil {
		return model.Agent{}, apperr.Internal("storage: get agent", err)
	}
	return a, nil
}

// GetAgent loads an agent via the reader pool.
func GetAgent(ctx context.Context, db *sql.DB, agentID string) (model.Agent, error) {
	row := db.QueryRowContext(ctx, `SELECT id, reputation, total_votes, agree_votes, created_at, meta_json FROM agents WHERE id = ?`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, apperr.NotFound("agent %q not found", agentID)
	}
	if err != nil {
		return model.Agent{}, apperr.Internal("storage: get agent", err)
	}
	return a, nil
}

// UpdateAgentReputation persists the post-vote reputation and vote counters.
func UpdateAgentReputation(ctx context.Context, tx *sql.Tx, agentID string, reputation float64, totalVotes, agreeVotes int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE agents SET reputation = ?, total_votes = ?, agree_votes = ? WHERE id = ?`,
		reputation, totalVotes, agreeVotes, agentID)
	if err != nil {
		return apperr.Internal("storage: update agent reputation", err)
	}
	return nil
}
