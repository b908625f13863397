package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sovereign-memory/trustengine/internal/apperr"
	"github.com/sovereign-memory/trustengine/internal/integrity"
	"github.com/sovereign-memory/trustengine/internal/model"
)

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// InsertFact writes a new fact row within tx; the embedding, if any, is
// written separately by InsertEmbedding. Tags are stored pre-sorted so
// later reads and hashing agree on order.
func InsertFact(ctx context.Context, tx *sql.Tx, f model.Fact) (int64, error) {
	tagsJSON, err := json.Marshal(integrity.SortedTags(f.Tags))
	if err != nil {
		return 0, apperr.Internal("storage: marshal tags", err)
	}
	ctxJSON, err := json.Marshal(f.Context)
	if err != nil {
		return 0, apperr.Internal("storage: marshal context", err)
	}

	var validUntil any
	if f.ValidUntil != nil {
		validUntil = formatTime(*f.ValidUntil)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO facts(project, content, fact_type, tags_json, confidence, source, context_json, created_at, valid_from, valid_until, consensus_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Project, f.Content, string(f.FactType), string(tagsJSON), string(f.Confidence), f.Source, string(ctxJSON),
		formatTime(f.CreatedAt), formatTime(f.ValidFrom), validUntil, f.ConsensusScore,
	)
	if err != nil {
		return 0, apperr.Internal("storage: insert fact", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperr.Internal("storage: read inserted fact id", err)
	}
	return id, nil
}

// InsertEmbedding writes (or replaces) the embedding row for a fact.
func InsertEmbedding(ctx context.Context, tx *sql.Tx, factID int64, vector []float32) error {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		bits := math.Float32bits(v)
		buf[i*4+0] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO embeddings(fact_id, dim, vector_bytes) VALUES (?, ?, ?)
		ON CONFLICT(fact_id) DO UPDATE SET dim = excluded.dim, vector_bytes = excluded.vector_bytes`,
		factID, len(vector), buf)
	if err != nil {
		return apperr.Internal("storage: insert embedding", err)
	}
	return nil
}

// DeprecateFact sets valid_until = now for factID if currently NULL.
// Returns (changed=false, nil) if the fact was already deprecated, and
// apperr.NotFound if the fact does not exist.
func DeprecateFact(ctx context.Context, tx *sql.Tx, factID int64, now time.Time) (bool, error) {
	var validUntil sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT valid_until FROM facts WHERE id = ?`, factID).Scan(&validUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperr.NotFound("fact %d not found", factID)
	}
	if err != nil {
		return false, apperr.Internal("storage: lookup fact for deprecate", err)
	}
	if validUntil.Valid {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE facts SET valid_until = ? WHERE id = ? AND valid_until IS NULL`, formatTime(now), factID); err != nil {
		return false, apperr.Internal("storage: deprecate fact", err)
	}
	return true, nil
}

// ProjectOfFact looks up just the project column within an in-flight
// writer transaction, for callers (like Deprecate) that need to append a
// ledger entry scoped to the fact's project without waiting on the reader
// pool to observe an uncommitted write.
func ProjectOfFact(ctx context.Context, tx *sql.Tx, factID int64) (string, error) {
	var project string
	err := tx.QueryRowContext(ctx, `SELECT project FROM facts WHERE id = ?`, factID).Scan(&project)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("fact %d not found", factID)
	}
	if err != nil {
		return "", apperr.Internal("storage: lookup fact project", err)
	}
	return project, nil
}

// GetFactTx loads a single fact by id within an in-flight writer
// transaction, for callers (like vote recording) that need a consistent
// read of a row they are about to update in the same transaction.
func GetFactTx(ctx context.Context, tx *sql.Tx, factID int64) (model.Fact, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, project, content, fact_type, tags_json, confidence, source, context_json, created_at, valid_from, valid_until, consensus_score
		FROM facts WHERE id = ?`, factID)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Fact{}, apperr.NotFound("fact %d not found", factID)
	}
	if err != nil {
		return model.Fact{}, apperr.Internal("storage: get fact in transaction", err)
	}
	return f, nil
}

// GetFact loads a single fact by id via the reader pool.
func GetFact(ctx context.Context, db *sql.DB, factID int64) (model.Fact, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, project, content, fact_type, tags_json, confidence, source, context_json, created_at, valid_from, valid_until, consensus_score
		FROM facts WHERE id = ?`, factID)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Fact{}, apperr.NotFound("fact %d not found", factID)
	}
	if err != nil {
		return model.Fact{}, apperr.Internal("storage: get fact", err)
	}
	return f, nil
}

// rowScanner abstracts *sql.Row/*sql.Rows so scanFact works for both.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFact(row rowScanner) (model.Fact, error) {
	var (
		f          model.Fact
		tagsJSON   string
		ctxJSON    string
		createdAt  string
		validFrom  string
		validUntil sql.NullString
	)
	if err := row.Scan(&f.ID, &f.Project, &f.Content, &f.FactType, &tagsJSON, &f.Confidence, &f.Source, &ctxJSON,
		&createdAt, &validFrom, &validUntil, &f.ConsensusScore); err != nil {
		return model.Fact{}, err
	}

	if err := json.Unmarshal([]byte(tagsJSON), &f.Tags); err != nil {
		return model.Fact{}, fmt.Errorf("storage: unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(ctxJSON), &f.Context); err != nil {
		return model.Fact{}, fmt.Errorf("storage: unmarshal context: %w", err)
	}
	ca, err := parseTime(createdAt)
	if err != nil {
		return model.Fact{}, fmt.Errorf("storage: parse created_at: %w", err)
	}
	f.CreatedAt = ca
	vf, err := parseTime(validFrom)
	if err != nil {
		return model.Fact{}, fmt.Errorf("storage: parse valid_from: %w", err)
	}
	f.ValidFrom = vf
	if validUntil.Valid {
		vu, err := parseTime(validUntil.String)
		if err != nil {
			return model.Fact{}, fmt.Errorf("storage: parse valid_until: %w", err)
		}
		f.ValidUntil = &vu
	}
	return f, nil
}

// RecallQuery filters the facts visible at AsOf within Project.
type RecallQuery struct {
	Project string
	AsOf    time.Time
	Limit   int
	Offset  int
}

// RecallFacts returns facts visible at q.AsOf, newest created_at first.
func RecallFacts(ctx context.Context, db *sql.DB, q RecallQuery) ([]model.Fact, error) {
	asOf := formatTime(q.AsOf)
	rows, err := db.QueryContext(ctx, `
		SELECT id, project, content, fact_type, tags_json, confidence, source, context_json, created_at, valid_from, valid_until, consensus_score
		FROM facts
		WHERE project = ? AND valid_from <= ? AND (valid_until IS NULL OR ? < valid_until)
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, q.Project, asOf, asOf, q.Limit, q.Offset)
	if err != nil {
		return nil, apperr.Internal("storage: recall facts", err)
	}
	defer rows.Close()

	var facts []model.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, apperr.Internal("storage: scan recalled fact", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("storage: iterate recalled facts", err)
	}
	return facts, nil
}

// FindRecentDuplicate looks for a fact with the same (project, content,
// fact_type) created within the window ending at now, for the
// de-duplication policy in Store.
func FindRecentDuplicate(ctx context.Context, tx *sql.Tx, project, content string, factType model.FactType, window time.Duration, now time.Time) (int64, bool, error) {
	since := formatTime(now.Add(-window))
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM facts
		WHERE project = ? AND content = ? AND fact_type = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`, project, content, string(factType), since).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperr.Internal("storage: find recent duplicate", err)
	}
	return id, true, nil
}

// UpdateConsensusScore writes the cached consensus score and, if changed,
// the fact's confidence state.
func UpdateConsensusScore(ctx context.Context, tx *sql.Tx, factID int64, score float64, confidence model.Confidence) error {
	_, err := tx.ExecContext(ctx, `UPDATE facts SET consensus_score = ?, confidence = ? WHERE id = ?`, score, string(confidence), factID)
	if err != nil {
		return apperr.Internal("storage: update consensus score", err)
	}
	return nil
}

// AllEmbeddings loads every (fact_id, vector) pair for brute-force search
// candidate generation, restricted to a project and visibility window by
// the caller via a subsequent join against RecallFacts results.
func AllEmbeddings(ctx context.Context, db *sql.DB) (map[int64][]float32, error) {
	rows, err := db.QueryContext(ctx, `SELECT fact_id, dim, vector_bytes FROM embeddings`)
	if err != nil {
		return nil, apperr.Internal("storage: load embeddings", err)
	}
	defer rows.Close()

	out := make(map[int64][]float32)
	for rows.Next() {
		var (
			factID int64
			dim    int
			buf    []byte
		)
		if err := rows.Scan(&factID, &dim, &buf); err != nil {
			return nil, apperr.Internal("storage: scan embedding", err)
		}
		vec := make([]float32, dim)
		for i := 0; i < dim; i++ {
			bits := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
			vec[i] = math.Float32frombits(bits)
		}
		out[factID] = vec
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("storage: iterate embeddings", err)
	}
	return out, nil
}
