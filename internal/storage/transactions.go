package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/sovereign-memory/trustengine/internal/apperr"
	"github.com/sovereign-memory/trustengine/internal/integrity"
	"github.com/sovereign-memory/trustengine/internal/model"
)

// LatestHash returns the hash of the most recently appended transaction, or
// integrity.GenesisHash if the ledger is empty. Must be called with the
// writer transaction already open so it observes an uncommitted append from
// earlier in the same transaction.
func LatestHash(ctx context.Context, tx *sql.Tx) (string, error) {
	var hash string
	err := tx.QueryRowContext(ctx, `SELECT hash FROM transactions ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return integrity.GenesisHash, nil
	}
	if err != nil {
		return "", apperr.Internal("storage: read latest transaction hash", err)
	}
	return hash, nil
}

// AppendTransaction computes the chain hash over the current tail and
// inserts the new transaction row, returning its assigned tx_id and hash.
func AppendTransaction(ctx context.Context, tx *sql.Tx, project string, op model.Operation, payload map[string]any, ts time.Time) (int64, string, error) {
	prevHash, err := LatestHash(ctx, tx)
	if err != nil {
		return 0, "", err
	}

	hash, err := integrity.ChainHash(prevHash, payload, ts)
	if err != nil {
		return 0, "", apperr.Internal("storage: compute chain hash", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, "", apperr.Internal("storage: marshal transaction payload", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO transactions(timestamp, project, operation, payload_json, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(ts), project, string(op), string(payloadJSON), prevHash, hash)
	if err != nil {
		return 0, "", apperr.Internal("storage: insert transaction", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, "", apperr.Internal("storage: read inserted transaction id", err)
	}
	return id, hash, nil
}

// TransactionRow mirrors model.Transaction but keeps the payload as raw
// bytes until a caller needs to decode it, avoiding unnecessary unmarshals
// during bulk chain verification.
type TransactionRow struct {
	TxID        int64
	Timestamp   time.Time
	Project     string
	Operation   model.Operation
	PayloadJSON string
	PrevHash    string
	Hash        string
}

func scanTransactionRow(row rowScanner) (TransactionRow, error) {
	var (
		r     TransactionRow
		tsStr string
	)
	if err := row.Scan(&r.TxID, &tsStr, &r.Project, &r.Operation, &r.PayloadJSON, &r.PrevHash, &r.Hash); err != nil {
		return TransactionRow{}, err
	}
	ts, err := parseTime(tsStr)
	if err != nil {
		return TransactionRow{}, err
	}
	r.Timestamp = ts
	return r, nil
}

// AllTransactions streams every transaction in tx_id ascending order.
func AllTransactions(ctx context.Context, db *sql.DB) ([]TransactionRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, timestamp, project, operation, payload_json, prev_hash, hash
		FROM transactions ORDER BY id ASC`)
	if err != nil {
		return nil, apperr.Internal("storage: list transactions", err)
	}
	defer rows.Close()

	var out []TransactionRow
	for rows.Next() {
		r, err := scanTransactionRow(rows)
		if err != nil {
			return nil, apperr.Internal("storage: scan transaction", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("storage: iterate transactions", err)
	}
	return out, nil
}

// TransactionRange loads transactions with tx_id in [start, end] inclusive.
func TransactionRange(ctx context.Context, db *sql.DB, start, end int64) ([]TransactionRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, timestamp, project, operation, payload_json, prev_hash, hash
		FROM transactions WHERE id BETWEEN ? AND ? ORDER BY id ASC`, start, end)
	if err != nil {
		return nil, apperr.Internal("storage: load transaction range", err)
	}
	defer rows.Close()

	var out []TransactionRow
	for rows.Next() {
		r, err := scanTransactionRow(rows)
		if err != nil {
			return nil, apperr.Internal("storage: scan transaction range row", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("storage: iterate transaction range", err)
	}
	return out, nil
}

// TransactionsForFact returns every transaction whose payload references
// factID, for History and VerifyFact. Matched via SQLite's json_extract
// against the stored payload_json rather than a string scan.
func TransactionsForFact(ctx context.Context, db *sql.DB, factID int64) ([]TransactionRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, timestamp, project, operation, payload_json, prev_hash, hash
		FROM transactions
		WHERE json_extract(payload_json, '$.fact_id') = ?
		ORDER BY id ASC`, factID)
	if err != nil {
		return nil, apperr.Internal("storage: load transactions for fact", err)
	}
	defer rows.Close()

	var out []TransactionRow
	for rows.Next() {
		r, err := scanTransactionRow(rows)
		if err != nil {
			return nil, apperr.Internal("storage: scan fact transaction", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("storage: iterate fact transactions", err)
	}
	return out, nil
}

// CountSinceLastCheckpoint returns how many transactions exist after the
// most recent checkpoint's tx_end (or all transactions, if none exist yet).
func CountSinceLastCheckpoint(ctx context.Context, tx *sql.Tx) (int64, int64, error) {
	var lastEnd sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(tx_end) FROM merkle_roots`).Scan(&lastEnd); err != nil {
		return 0, 0, apperr.Internal("storage: read last checkpoint end", err)
	}
	var maxTx sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(id) FROM transactions`).Scan(&maxTx); err != nil {
		return 0, 0, apperr.Internal("storage: read max tx id", err)
	}
	if !maxTx.Valid {
		return 0, 0, nil
	}
	start := int64(1)
	if lastEnd.Valid {
		start = lastEnd.Int64 + 1
	}
	return maxTx.Int64 - start + 1, start, nil
}
