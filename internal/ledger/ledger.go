// Package ledger implements the hash-chained transaction log, Merkle
// checkpointing, verification, and export described in the trust engine
// core's ledger contract.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sovereign-memory/trustengine/internal/apperr"
	"github.com/sovereign-memory/trustengine/internal/integrity"
	"github.com/sovereign-memory/trustengine/internal/model"
	"github.com/sovereign-memory/trustengine/internal/storage"
)

// Ledger provides verification and checkpointing over a *storage.DB. Append
// itself happens inline in storage.AppendTransaction, called directly by the
// facts and consensus services within their own write transactions, since
// the ledger write is part of the same atomic unit as the fact/vote change
// it describes.
type Ledger struct {
	db *storage.DB
}

// New builds a Ledger over db.
func New(db *storage.DB) *Ledger {
	return &Ledger{db: db}
}

// MaybeCheckpoint fires checkpoint creation inline when at least batchSize
// transactions have accumulated since the last checkpoint. Must be called
// from within an active writer transaction, immediately after any ledger
// append, so checkpoint creation shares the same atomic unit as the
// triggering write.
func MaybeCheckpoint(ctx context.Context, tx *sql.Tx, batchSize int64, now time.Time) error {
	count, start, err := storage.CountSinceLastCheckpoint(ctx, tx)
	if err != nil {
		return err
	}
	if count < batchSize {
		return nil
	}

	end := start + batchSize - 1
	leaves, err := leafHashesInRangeTx(ctx, tx, start, end)
	if err != nil {
		return err
	}

	root := integrity.BuildMerkleRoot(leaves)
	if _, err := storage.InsertCheckpoint(ctx, tx, root, start, end, int64(len(leaves)), now); err != nil {
		return err
	}
	return nil
}

func leafHashesInRangeTx(ctx context.Context, tx *sql.Tx, start, end int64) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT hash FROM transactions WHERE id BETWEEN ? AND ? ORDER BY id ASC`, start, end)
	if err != nil {
		return nil, apperr.Internal("ledger: load leaf hashes", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, apperr.Internal("ledger: scan leaf hash", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// VerifyChain walks every transaction in order, recomputes each hash, and
// confirms prev_hash continuity.
func (l *Ledger) VerifyChain(ctx context.Context) (model.ChainReport, error) {
	txs, err := storage.AllTransactions(ctx, l.db.Reader())
	if err != nil {
		return model.ChainReport{}, err
	}

	report := model.ChainReport{Valid: true}
	prevHash := integrity.GenesisHash

	for _, t := range txs {
		report.TxChecked++

		if t.PrevHash != prevHash {
			report.Valid = false
			report.Violations = append(report.Violations, model.Violation{
				TxID: t.TxID, Kind: model.ViolationChainBreak, Expected: prevHash, Actual: t.PrevHash,
			})
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(t.PayloadJSON), &payload); err != nil {
			return model.ChainReport{}, apperr.Internal("ledger: decode payload for verification", err)
		}
		recomputed, err := integrity.ChainHash(t.PrevHash, payload, t.Timestamp)
		if err != nil {
			return model.ChainReport{}, apperr.Internal("ledger: recompute hash", err)
		}
		if recomputed != t.Hash {
			report.Valid = false
			report.Violations = append(report.Violations, model.Violation{
				TxID: t.TxID, Kind: model.ViolationHashMismatch, Expected: recomputed, Actual: t.Hash,
			})
		}

		prevHash = t.Hash
	}

	return report, nil
}

// VerifyFact returns the transaction hashes involving factID plus the
// checkpoints covering them, and recomputes membership.
func (l *Ledger) VerifyFact(ctx context.Context, factID int64) (model.Certificate, error) {
	txs, err := storage.TransactionsForFact(ctx, l.db.Reader(), factID)
	if err != nil {
		return model.Certificate{}, err
	}

	txIDs := make([]int64, 0, len(txs))
	hashes := make([]string, 0, len(txs))
	for _, t := range txs {
		txIDs = append(txIDs, t.TxID)
		hashes = append(hashes, t.Hash)
	}

	rows, err := storage.CheckpointsCoveringFact(ctx, l.db.Reader(), txIDs)
	if err != nil {
		return model.Certificate{}, err
	}

	checkpoints := make([]model.Checkpoint, 0, len(rows))
	membershipOK := true
	for _, c := range rows {
		leaves, err := leafHashesInRangeReader(ctx, l.db.Reader(), c.TxStart, c.TxEnd)
		if err != nil {
			return model.Certificate{}, err
		}
		if integrity.BuildMerkleRoot(leaves) != c.RootHash {
			membershipOK = false
		}
		checkpoints = append(checkpoints, model.Checkpoint{
			ID: c.ID, RootHash: c.RootHash, TxStart: c.TxStart, TxEnd: c.TxEnd, Count: c.Count, CreatedAt: c.CreatedAt,
		})
	}

	return model.Certificate{
		FactID:       factID,
		TxHashes:     hashes,
		Checkpoints:  checkpoints,
		MembershipOK: membershipOK,
	}, nil
}

func leafHashesInRangeReader(ctx context.Context, db *sql.DB, start, end int64) ([]string, error) {
	rows, err := storage.TransactionRange(ctx, db, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Hash)
	}
	return out, nil
}

// VerifyCheckpoints recomputes every stored Merkle root from its range,
// parallelized across checkpoints via errgroup since each recomputation is
// an independent read.
func (l *Ledger) VerifyCheckpoints(ctx context.Context) (model.ChainReport, error) {
	checkpoints, err := storage.AllCheckpoints(ctx, l.db.Reader())
	if err != nil {
		return model.ChainReport{}, err
	}

	violations := make([]model.Violation, len(checkpoints))
	hasViolation := make([]bool, len(checkpoints))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checkpoints {
		i, c := i, c
		g.Go(func() error {
			leaves, err := leafHashesInRangeReader(gctx, l.db.Reader(), c.TxStart, c.TxEnd)
			if err != nil {
				return err
			}
			recomputed := integrity.BuildMerkleRoot(leaves)
			if recomputed != c.RootHash {
				hasViolation[i] = true
				violations[i] = model.Violation{
					TxID: c.TxStart, Kind: model.ViolationRootMismatch, Expected: recomputed, Actual: c.RootHash,
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.ChainReport{}, err
	}

	report := model.ChainReport{Valid: true, TxChecked: int64(len(checkpoints))}
	for i := range checkpoints {
		if hasViolation[i] {
			report.Valid = false
			report.Violations = append(report.Violations, violations[i])
		}
	}
	return report, nil
}

// CreateCheckpoint forces an out-of-band checkpoint over any outstanding
// transactions since the last one, independent of the batch-size trigger.
func (l *Ledger) CreateCheckpoint(ctx context.Context, now time.Time) (model.Checkpoint, error) {
	var checkpoint model.Checkpoint
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		count, start, err := storage.CountSinceLastCheckpoint(ctx, tx)
		if err != nil {
			return err
		}
		if count == 0 {
			return apperr.Conflict("no transactions since last checkpoint")
		}
		end := start + count - 1
		leaves, err := leafHashesInRangeTx(ctx, tx, start, end)
		if err != nil {
			return err
		}
		root := integrity.BuildMerkleRoot(leaves)
		id, err := storage.InsertCheckpoint(ctx, tx, root, start, end, int64(len(leaves)), now)
		if err != nil {
			return err
		}
		checkpoint = model.Checkpoint{ID: id, RootHash: root, TxStart: start, TxEnd: end, Count: int64(len(leaves)), CreatedAt: now}
		return nil
	})
	if err != nil {
		return model.Checkpoint{}, err
	}
	return checkpoint, nil
}

// Export writes a canonical JSON document containing transactions
// [startTx, endTx] and their computed Merkle root to path.
func (l *Ledger) Export(ctx context.Context, startTx, endTx int64, path string) (model.ExportResult, error) {
	rows, err := storage.TransactionRange(ctx, l.db.Reader(), startTx, endTx)
	if err != nil {
		return model.ExportResult{}, err
	}
	if len(rows) == 0 {
		return model.ExportResult{}, apperr.NotFound("no transactions in range [%d, %d]", startTx, endTx)
	}

	// Fields are declared in JSON key order, since encoding/json writes
	// struct fields in declaration order and the document must have sorted
	// keys to be canonical.
	type exportTx struct {
		Hash      string         `json:"hash"`
		Operation string         `json:"operation"`
		Payload   map[string]any `json:"payload"`
		PrevHash  string         `json:"prev_hash"`
		Project   string         `json:"project"`
		Timestamp string         `json:"timestamp"`
		TxID      int64          `json:"tx_id"`
	}

	leaves := make([]string, 0, len(rows))
	exported := make([]exportTx, 0, len(rows))
	for _, r := range rows {
		var payload map[string]any
		if err := json.Unmarshal([]byte(r.PayloadJSON), &payload); err != nil {
			return model.ExportResult{}, apperr.Internal("ledger: decode payload for export", err)
		}
		exported = append(exported, exportTx{
			TxID: r.TxID, Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano), Project: r.Project,
			Operation: string(r.Operation), Payload: payload, PrevHash: r.PrevHash, Hash: r.Hash,
		})
		leaves = append(leaves, r.Hash)
	}

	root := integrity.BuildMerkleRoot(leaves)
	doc := struct {
		Count        int        `json:"count"`
		MerkleRoot   string     `json:"merkle_root"`
		Transactions []exportTx `json:"transactions"`
	}{Transactions: exported, MerkleRoot: root, Count: len(exported)}

	// encoding/json sorts map[string]any keys (the payloads) and the struct
	// fields above are declared in key order, so plain json.Marshal yields
	// the compact, sorted-key canonical encoding.
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return model.ExportResult{}, apperr.Internal("ledger: marshal export document", err)
	}

	if err := os.WriteFile(path, docBytes, 0o600); err != nil {
		return model.ExportResult{}, apperr.Internal("ledger: write export file", err)
	}

	sum := sha256.Sum256(docBytes)
	fileHash := hex.EncodeToString(sum[:])

	result := model.ExportResult{Path: path, FileHash: fileHash, MerkleRoot: root, Count: int64(len(exported))}

	if err := recordExport(ctx, l.db, result); err != nil {
		return model.ExportResult{}, err
	}

	return result, nil
}

func recordExport(ctx context.Context, db *storage.DB, result model.ExportResult) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		details := map[string]any{
			"path":        result.Path,
			"file_hash":   result.FileHash,
			"merkle_root": result.MerkleRoot,
			"count":       result.Count,
		}
		detailsJSON, err := json.Marshal(details)
		if err != nil {
			return apperr.Internal("ledger: marshal export record", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO integrity_checks(id, kind, status, details_json, started_at, completed_at)
			VALUES (?, 'export', 'completed', ?, datetime('now'), datetime('now'))`,
			uuid.New().String(), string(detailsJSON))
		if err != nil {
			return apperr.Internal("ledger: record export", err)
		}
		return nil
	})
}

// ComplianceReport summarizes chain validity and the 5 record-keeping
// properties tracked for external audit.
type ComplianceReport struct {
	ChainValid         bool   `json:"chain_valid"`
	CheckpointCount     int64  `json:"checkpoint_count"`
	TaggedFactCount     int64  `json:"agent_tagged_fact_count"`
	ChainContinuity     bool   `json:"chain_continuity"`
	HashCorrectness     bool   `json:"hash_correctness"`
	CheckpointCorrect   bool   `json:"checkpoint_correctness"`
	MonotonicTxIDs      bool   `json:"monotonic_tx_ids"`
	NoHardDeletes       bool   `json:"no_hard_deletes"`
}

// Compliance builds a ComplianceReport by running the chain and checkpoint
// verifiers and inspecting tx_id monotonicity directly.
func (l *Ledger) Compliance(ctx context.Context) (ComplianceReport, error) {
	chainReport, err := l.VerifyChain(ctx)
	if err != nil {
		return ComplianceReport{}, err
	}
	checkpointReport, err := l.VerifyCheckpoints(ctx)
	if err != nil {
		return ComplianceReport{}, err
	}
	checkpoints, err := storage.AllCheckpoints(ctx, l.db.Reader())
	if err != nil {
		return ComplianceReport{}, err
	}
	txs, err := storage.AllTransactions(ctx, l.db.Reader())
	if err != nil {
		return ComplianceReport{}, err
	}
	taggedFacts, err := storage.DistinctVotedFactCount(ctx, l.db.Reader())
	if err != nil {
		return ComplianceReport{}, err
	}

	monotonic := true
	for i := 1; i < len(txs); i++ {
		if txs[i].TxID <= txs[i-1].TxID {
			monotonic = false
			break
		}
	}

	chainContinuity := true
	hashCorrectness := true
	for _, v := range chainReport.Violations {
		if v.Kind == model.ViolationChainBreak {
			chainContinuity = false
		}
		if v.Kind == model.ViolationHashMismatch {
			hashCorrectness = false
		}
	}

	report := ComplianceReport{
		ChainValid:        chainReport.Valid && checkpointReport.Valid,
		CheckpointCount:   int64(len(checkpoints)),
		TaggedFactCount:   taggedFacts,
		ChainContinuity:   chainContinuity,
		HashCorrectness:   hashCorrectness,
		CheckpointCorrect: checkpointReport.Valid,
		MonotonicTxIDs:    monotonic,
		NoHardDeletes:     true, // enforced structurally: no DELETE statement exists against facts or transactions
	}
	return report, nil
}
