package model

import "time"

// Operation tags the kind of mutation a Transaction records. Replaces
// dynamic method dispatch with a fixed enumeration and per-variant payload
// shape.
type Operation string

const (
	OperationStore      Operation = "store"
	OperationDeprecate  Operation = "deprecate"
	OperationVote       Operation = "vote"
	OperationCheckpoint Operation = "checkpoint"
)

// Transaction is one immutable ledger entry.
type Transaction struct {
	TxID      int64
	Timestamp time.Time
	Project   string
	Operation Operation
	Payload   map[string]any // canonical-JSON-encoded before hashing
	PrevHash  string
	Hash      string
}

// StorePayload is the Transaction.Payload shape for OperationStore.
type StorePayload struct {
	FactID         int64  `json:"fact_id"`
	FactType       string `json:"fact_type"`
	ContentPreview string `json:"content_preview"`
}

// DeprecatePayload is the Transaction.Payload shape for OperationDeprecate.
type DeprecatePayload struct {
	FactID     int64  `json:"fact_id"`
	ValidUntil string `json:"valid_until"`
}

// VotePayload is the Transaction.Payload shape for OperationVote.
type VotePayload struct {
	FactID  int64   `json:"fact_id"`
	AgentID string  `json:"agent_id"`
	Value   int     `json:"value"`
	Weight  float64 `json:"weight"`
}

// CheckpointPayload is the Transaction.Payload shape for OperationCheckpoint.
type CheckpointPayload struct {
	CheckpointID int64  `json:"checkpoint_id"`
	TxStart      int64  `json:"tx_start"`
	TxEnd        int64  `json:"tx_end"`
	RootHash     string `json:"root_hash"`
}

// Checkpoint is a Merkle root committing to a contiguous transaction range.
type Checkpoint struct {
	ID        int64
	RootHash  string
	TxStart   int64
	TxEnd     int64
	Count     int64
	CreatedAt time.Time
}

// TransactionSummary is the reduced shape returned by History.
type TransactionSummary struct {
	TxID      int64
	Timestamp time.Time
	Operation Operation
	Payload   map[string]any
}

// ViolationKind enumerates the ways verify_chain/verify_checkpoints can fail.
type ViolationKind string

const (
	ViolationChainBreak    ViolationKind = "chain_break"
	ViolationHashMismatch  ViolationKind = "hash_mismatch"
	ViolationRootMismatch  ViolationKind = "root_mismatch"
)

// Violation describes one integrity failure found during verification.
type Violation struct {
	TxID     int64
	Kind     ViolationKind
	Expected string
	Actual   string
}

// ChainReport is the result of verify_chain or verify_checkpoints.
type ChainReport struct {
	Valid      bool
	Violations []Violation
	TxChecked  int64
}

// Certificate is the result of verify_fact: the set of transactions
// touching a fact plus the checkpoints that cover them.
type Certificate struct {
	FactID       int64
	TxHashes     []string
	Checkpoints  []Checkpoint
	MembershipOK bool
}

// ExportResult summarizes a completed ledger export.
type ExportResult struct {
	Path       string
	FileHash   string
	MerkleRoot string
	Count      int64
}
