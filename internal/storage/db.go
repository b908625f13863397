// Package storage wraps an embedded SQLite database (modernc.org/sqlite,
// pure Go, no cgo) with the single-writer/multiple-reader discipline the
// trust engine core requires: one serialized writer connection guarded by a
// mutex, and a pool of read-only connections for queries and verification.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/sovereign-memory/trustengine/internal/apperr"
)

// DefaultWriterQueueDepth bounds the number of concurrent callers allowed to
// be waiting for or holding the writer lock when Open is given a queueDepth
// of zero.
const DefaultWriterQueueDepth = 64

// DB is the storage handle shared by every service. Mutating statements must
// go through WithTx, which serializes on writerMu; read-only statements use
// the shared reader pool directly.
type DB struct {
	writer   *sql.DB // single connection, mutating statements only
	reader   *sql.DB // pooled connections, read-only statements only
	writerMu sync.Mutex
	writeSem chan struct{} // bounds concurrent writer-lock waiters/holders
	logger   *slog.Logger
	locks    *LockArena
}

// Open creates (or reopens) the SQLite database at path in WAL mode and
// applies every embedded migration in migrationsFS. queueDepth bounds the
// number of callers that may be waiting for or holding the writer lock at
// once; beyond that, WithTx fails fast with apperr.Unavailable rather than
// queuing unboundedly. A queueDepth of zero or less falls back to
// DefaultWriterQueueDepth.
func Open(ctx context.Context, path string, migrationsFS fs.FS, logger *slog.Logger, queueDepth int) (*DB, error) {
	if queueDepth <= 0 {
		queueDepth = DefaultWriterQueueDepth
	}
	writerDSN := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	writer, err := sql.Open("sqlite", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: open writer connection: %w", err)
	}
	writer.SetMaxOpenConns(1)

	readerDSN := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&mode=ro", path)
	reader, err := sql.Open("sqlite", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("storage: open reader pool: %w", err)
	}
	reader.SetMaxOpenConns(4)

	if err := writer.PingContext(ctx); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("storage: ping writer connection: %w", err)
	}

	db := &DB{
		writer:   writer,
		reader:   reader,
		writeSem: make(chan struct{}, queueDepth),
		logger:   logger,
		locks:    NewLockArena(),
	}

	if err := RunMigrations(ctx, writer, migrationsFS); err != nil {
		writer.Close()
		reader.Close()
		return nil, err
	}

	return db, nil
}

// Close releases both underlying connections.
func (db *DB) Close() error {
	var firstErr error
	if err := db.writer.Close(); err != nil {
		firstErr = err
	}
	if err := db.reader.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Reader exposes the read-only connection pool for queries that do not
// require the writer lock (Recall, Search, History, verification).
func (db *DB) Reader() *sql.DB {
	return db.reader
}

// Locks exposes the per-(fact_id, agent_id) lock arena used to serialize
// concurrent votes beyond the coarse writer mutex.
func (db *DB) Locks() *LockArena {
	return db.locks
}

// WithTx runs fn inside a single writer transaction, serialized by
// writerMu. Before waiting for the lock it reserves a slot in the bounded
// writer queue; once queueDepth callers are already waiting on or holding
// the lock, WithTx fails fast with apperr.Unavailable instead of queuing
// unboundedly (callers are expected to retry via storage.WithRetry). fn's
// error (including any returned by apperr) causes a rollback; otherwise the
// transaction commits. Panics are rolled back and re-raised.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	select {
	case db.writeSem <- struct{}{}:
	default:
		return apperr.Unavailable("writer queue saturated (depth=%d); retry after backoff", cap(db.writeSem))
	}
	defer func() { <-db.writeSem }()

	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Error("storage: rollback failed", "error", rbErr, "cause", err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit transaction: %w", err)
	}
	return nil
}
