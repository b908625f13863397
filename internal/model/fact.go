// Package model defines the core domain types shared across storage,
// search, ledger, and consensus: facts, embeddings, transactions,
// checkpoints, agents, and votes.
package model

import "time"

// FactType enumerates the kinds of knowledge a Fact can carry.
type FactType string

const (
	FactTypeAxiom     FactType = "axiom"
	FactTypeKnowledge FactType = "knowledge"
	FactTypeDecision  FactType = "decision"
	FactTypeMistake   FactType = "mistake"
	FactTypeBridge    FactType = "bridge"
	FactTypeGhost     FactType = "ghost"
	FactTypeRule      FactType = "rule"
	FactTypeSchema    FactType = "schema"
	FactTypeTask      FactType = "task"
)

// ValidFactTypes lists every accepted FactType value, for validation.
var ValidFactTypes = map[FactType]bool{
	FactTypeAxiom:     true,
	FactTypeKnowledge: true,
	FactTypeDecision:  true,
	FactTypeMistake:   true,
	FactTypeBridge:    true,
	FactTypeGhost:     true,
	FactTypeRule:      true,
	FactTypeSchema:    true,
	FactTypeTask:      true,
}

// Confidence enumerates a fact's consensus-derived trust state.
type Confidence string

const (
	ConfidenceStated     Confidence = "stated"
	ConfidenceVerified   Confidence = "verified"
	ConfidenceDisputed   Confidence = "disputed"
	ConfidenceHypothesis Confidence = "hypothesis"
)

// ValidConfidences lists every accepted Confidence value.
var ValidConfidences = map[Confidence]bool{
	ConfidenceStated:     true,
	ConfidenceVerified:   true,
	ConfidenceDisputed:   true,
	ConfidenceHypothesis: true,
}

// Fact is the unit of stored knowledge.
type Fact struct {
	ID             int64
	Project        string
	Content        string
	FactType       FactType
	Tags           []string // always stored and returned in canonical sorted order
	Confidence     Confidence
	Source         string
	Context        map[string]any
	CreatedAt      time.Time
	ValidFrom      time.Time
	ValidUntil     *time.Time // nil means currently valid
	ConsensusScore float64
}

// IsValidAt reports whether the fact is visible at instant asOf, per the
// half-open [valid_from, valid_until) rule.
func (f Fact) IsValidAt(asOf time.Time) bool {
	if asOf.Before(f.ValidFrom) {
		return false
	}
	if f.ValidUntil == nil {
		return true
	}
	return asOf.Before(*f.ValidUntil)
}

// Embedding is a dense vector associated 1:1 with a Fact.
type Embedding struct {
	FactID int64
	Dim    int
	Vector []float32
}
