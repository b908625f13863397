package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/sovereign-memory/trustengine/internal/apperr"
)

// InsertCheckpoint records a computed Merkle root over [txStart, txEnd].
func InsertCheckpoint(ctx context.Context, tx *sql.Tx, rootHash string, txStart, txEnd, count int64, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO merkle_roots(root_hash, tx_start, tx_end, count, created_at)
		VALUES (?, ?, ?, ?, ?)`, rootHash, txStart, txEnd, count, formatTime(now))
	if err != nil {
		return 0, apperr.Internal("storage: insert checkpoint", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperr.Internal("storage: read inserted checkpoint id", err)
	}
	return id, nil
}

// CheckpointRow mirrors model.Checkpoint for the storage layer.
type CheckpointRow struct {
	ID        int64
	RootHash  string
	TxStart   int64
	TxEnd     int64
	Count     int64
	CreatedAt time.Time
}

// AllCheckpoints returns every recorded checkpoint in tx_start order.
func AllCheckpoints(ctx context.Context, db *sql.DB) ([]CheckpointRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, root_hash, tx_start, tx_end, count, created_at FROM merkle_roots ORDER BY tx_start ASC`)
	if err != nil {
		return nil, apperr.Internal("storage: list checkpoints", err)
	}
	defer rows.Close()

	var out []CheckpointRow
	for rows.Next() {
		var (
			c     CheckpointRow
			tsStr string
		)
		if err := rows.Scan(&c.ID, &c.RootHash, &c.TxStart, &c.TxEnd, &c.Count, &tsStr); err != nil {
			return nil, apperr.Internal("storage: scan checkpoint", err)
		}
		ts, err := parseTime(tsStr)
		if err != nil {
			return nil, apperr.Internal("storage: parse checkpoint timestamp", err)
		}
		c.CreatedAt = ts
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("storage: iterate checkpoints", err)
	}
	return out, nil
}

// CheckpointsCoveringFact returns the checkpoints whose [tx_start, tx_end]
// range overlaps any of txIDs.
func CheckpointsCoveringFact(ctx context.Context, db *sql.DB, txIDs []int64) ([]CheckpointRow, error) {
	if len(txIDs) == 0 {
		return nil, nil
	}
	all, err := AllCheckpoints(ctx, db)
	if err != nil {
		return nil, err
	}
	var out []CheckpointRow
	for _, c := range all {
		for _, id := range txIDs {
			if id >= c.TxStart && id <= c.TxEnd {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}
