// Package consensus implements reputation-weighted voting: agent
// registration, per-(fact,agent) vote races, consensus score aggregation,
// and the fact confidence state machine.
package consensus

import (
	"context"
	"database/sql"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/sovereign-memory/trustengine/internal/apperr"
	"github.com/sovereign-memory/trustengine/internal/clock"
	"github.com/sovereign-memory/trustengine/internal/ledger"
	"github.com/sovereign-memory/trustengine/internal/model"
	"github.com/sovereign-memory/trustengine/internal/storage"
	"github.com/sovereign-memory/trustengine/internal/telemetry"
)

// Thresholds configures the confidence state machine.
type Thresholds struct {
	Verified float64 // default 1.3
	Disputed float64 // default 0.7
}

// DefaultThresholds are the out-of-the-box verified/disputed cutoffs.
var DefaultThresholds = Thresholds{Verified: 1.3, Disputed: 0.7}

// Service exposes RegisterAgent/Vote/GetAgent/ConsensusOf over a *storage.DB.
type Service struct {
	db              *storage.DB
	clock           clock.Clock
	logger          *slog.Logger
	thresholds      Thresholds
	checkpointBatch int64

	voteDuration metric.Float64Histogram
}

// New builds a consensus.Service.
func New(db *storage.DB, clk clock.Clock, logger *slog.Logger, thresholds Thresholds, checkpointBatch int64) *Service {
	hist, _ := telemetry.Meter("trustengine/consensus").Float64Histogram("vote_duration_ms")
	return &Service{
		db:              db,
		clock:           clk,
		logger:          logger,
		thresholds:      thresholds,
		checkpointBatch: checkpointBatch,
		voteDuration:    hist,
	}
}

// RegisterAgent inserts agentID at reputation 0.5 if not already present.
func (s *Service) RegisterAgent(ctx context.Context, agentID string, meta map[string]any) (model.Agent, error) {
	if agentID == "" {
		return model.Agent{}, apperr.InvalidArgument("agent_id must not be empty")
	}
	var agent model.Agent
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		a, err := storage.RegisterAgent(ctx, tx, agentID, meta, s.clock.Now())
		if err != nil {
			return err
		}
		agent = a
		return nil
	})
	if err != nil {
		return model.Agent{}, err
	}
	return agent, nil
}

// GetAgent loads an agent's current reputation state.
func (s *Service) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	return storage.GetAgent(ctx, s.db.Reader(), agentID)
}

// ConsensusOf returns the current cached consensus score for a fact.
func (s *Service) ConsensusOf(ctx context.Context, factID int64) (float64, error) {
	f, err := storage.GetFact(ctx, s.db.Reader(), factID)
	if err != nil {
		return 0, err
	}
	return f.ConsensusScore, nil
}

// confidenceFor applies the confidence state machine: verified if score
// crosses the upper threshold, disputed if it crosses the lower one,
// otherwise stated, except that a prior hypothesis is kept (so a
// never-yet-transitioned hypothesis stays one). A prior verified or
// disputed fact whose score falls between the thresholds becomes stated.
func (s *Service) confidenceFor(score float64, prior model.Confidence) model.Confidence {
	if score >= s.thresholds.Verified {
		return model.ConfidenceVerified
	}
	if score <= s.thresholds.Disputed {
		return model.ConfidenceDisputed
	}
	if prior == model.ConfidenceHypothesis {
		return model.ConfidenceHypothesis
	}
	return model.ConfidenceStated
}

// Vote records an agent's verify/dispute signal on a fact, recomputes the
// fact's consensus score and confidence, and adjusts the voter's
// reputation, all within one transaction serialized by the per-(fact,agent)
// lock in addition to the writer mutex.
func (s *Service) Vote(ctx context.Context, factID int64, agentID string, value int) (float64, error) {
	if value != 1 && value != -1 {
		return 0, apperr.InvalidArgument("vote value must be +1 or -1, got %d", value)
	}

	start := s.clock.Now()
	unlock := s.db.Locks().Lock(factID, agentID)
	defer unlock()

	var newScore float64
	err := storage.WithRetry(ctx, storage.DefaultRetryConfig, func() error {
		return s.db.WithTx(ctx, func(tx *sql.Tx) error {
			now := s.clock.Now()

			fact, err := storage.GetFactTx(ctx, tx, factID)
			if err != nil {
				return err
			}

			agent, err := storage.RegisterAgent(ctx, tx, agentID, nil, now)
			if err != nil {
				return err
			}
			weight := agent.Reputation

			// SumWeightedVotes recomputes the total from the full vote row set
			// after the upsert below, so a replacement vote's old contribution
			// never needs to be subtracted by hand here.
			if err := storage.UpsertVote(ctx, tx, factID, agentID, value, weight, now); err != nil {
				return err
			}

			if _, err := storage.AppendVoteLedger(ctx, tx, factID, agentID, value, weight, now, ""); err != nil {
				return err
			}

			sum, err := storage.SumWeightedVotes(ctx, tx, factID)
			if err != nil {
				return err
			}
			score := 1.0 + sum
			newScore = score

			confidence := s.confidenceFor(score, fact.Confidence)
			if err := storage.UpdateConsensusScore(ctx, tx, factID, score, confidence); err != nil {
				return err
			}

			agreed := (value == 1 && confidence == model.ConfidenceVerified) || (value == -1 && confidence == model.ConfidenceDisputed)
			totalVotes := agent.TotalVotes + 1
			agreeVotes := agent.AgreeVotes
			if agreed {
				agreeVotes++
			}
			newRep := model.ClampReputation((1-model.ReputationSmoothing)*agent.Reputation + model.ReputationSmoothing*float64(agreeVotes)/float64(totalVotes))
			if err := storage.UpdateAgentReputation(ctx, tx, agentID, newRep, totalVotes, agreeVotes); err != nil {
				return err
			}

			payload := map[string]any{
				"fact_id":  factID,
				"agent_id": agentID,
				"value":    value,
				"weight":   weight,
			}
			if _, _, err := storage.AppendTransaction(ctx, tx, fact.Project, model.OperationVote, payload, now); err != nil {
				return err
			}

			return ledger.MaybeCheckpoint(ctx, tx, s.checkpointBatch, now)
		})
	})
	if s.voteDuration != nil {
		s.voteDuration.Record(ctx, float64(s.clock.Now().Sub(start).Milliseconds()))
	}
	if err != nil {
		return 0, err
	}

	s.logger.Info("vote recorded", "fact_id", factID, "agent_id", agentID, "value", value, "new_score", newScore)
	return newScore, nil
}
