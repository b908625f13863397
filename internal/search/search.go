// Package search implements hybrid similarity/recency/consensus scoring
// over facts, an in-process brute-force k-NN candidate finder, and optional
// tag/bridge graph expansion.
package search

import (
	"context"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/sovereign-memory/trustengine/internal/apperr"
	"github.com/sovereign-memory/trustengine/internal/model"
	"github.com/sovereign-memory/trustengine/internal/service/embedding"
	"github.com/sovereign-memory/trustengine/internal/storage"
	"github.com/sovereign-memory/trustengine/internal/telemetry"
)

// Weights are the hybrid score's fixed linear combination coefficients.
const (
	cosineWeight  = 0.70
	recencyWeight = 0.30

	consensusClampMin = 0.25
	consensusClampMax = 2.0
)

// Result is one scored hit.
type Result struct {
	FactID int64
	Score  float64
	Fact   model.Fact
}

// Query describes a search request. At least one of QueryText or
// QueryVector must be set; QueryVector takes precedence when both are. If
// QueryText is supplied and QueryVector is empty, Search resolves it to a
// vector through the Searcher's embedding.Provider before scoring.
type Query struct {
	Project     string
	QueryText   string
	QueryVector []float32
	TopK        int
	AsOf        time.Time
	MinScore    float64
	HalfLife    time.Duration // recency_halflife
	GraphDepth  int
	GraphFanout int
}

// CosineSimilarity returns the cosine similarity between a and b, in
// [-1, 1]. Returns 0 if either vector is empty or their lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// recencyScore computes exp(-Δt / tau) where tau is derived from halfLife so
// that a fact exactly halfLife old scores 0.5.
func recencyScore(age, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	tau := float64(halfLife) / math.Ln2
	return math.Exp(-float64(age) / tau)
}

// consensusMultiplier maps a raw consensus score to the clamped [0.25, 2.0]
// multiplier described in the scoring design. Scores at or above the
// neutral 1.0 yield exactly 1.0, so verified facts are not boosted; scores
// below 1.0 suppress the fact, down to the 0.25 floor. The 2.0 upper clamp
// is never reached by this formula.
func consensusMultiplier(consensusScore float64) float64 {
	m := consensusScore / (1 + math.Abs(consensusScore-1))
	if m < consensusClampMin {
		return consensusClampMin
	}
	if m > consensusClampMax {
		return consensusClampMax
	}
	return m
}

// Score computes the final hybrid score for one fact against a query
// vector, at query time `now`.
func Score(queryVector []float32, factVector []float32, fact model.Fact, now time.Time, halfLife time.Duration) float64 {
	cos := CosineSimilarity(queryVector, factVector)
	sCos := (cos + 1) / 2

	age := now.Sub(fact.CreatedAt)
	if age < 0 {
		age = 0
	}
	sRec := recencyScore(age, halfLife)

	sCons := consensusMultiplier(fact.ConsensusScore)

	return (cosineWeight*sCos + recencyWeight*sRec) * sCons
}

// Searcher runs hybrid search over facts visible at q.AsOf.
type Searcher struct {
	db       *storage.DB
	embedder embedding.Provider

	searchDuration metric.Float64Histogram
}

// New builds a Searcher over db. embedder may be nil if callers only ever
// supply QueryVector directly; a nil embedder with a QueryText query fails
// with InvalidArgument.
func New(db *storage.DB, embedder embedding.Provider) *Searcher {
	hist, _ := telemetry.Meter("trustengine/search").Float64Histogram("search_duration_ms")
	return &Searcher{db: db, embedder: embedder, searchDuration: hist}
}

// Search returns the top-K facts by hybrid score, highest first, ties
// broken by most recent created_at then lowest fact_id. If q.QueryText is
// set and q.QueryVector is not, the query text is resolved to a vector
// through the Searcher's embedding.Provider first.
func (s *Searcher) Search(ctx context.Context, q Query) ([]Result, error) {
	start := time.Now()
	defer func() {
		if s.searchDuration != nil {
			s.searchDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	if len(q.QueryVector) == 0 {
		if q.QueryText == "" {
			return nil, apperr.InvalidArgument("search requires a query vector or query text")
		}
		if s.embedder == nil {
			return nil, apperr.InvalidArgument("no embedding provider configured and no query vector supplied")
		}
		vec, err := s.embedder.Embed(ctx, q.QueryText)
		if err != nil {
			return nil, err
		}
		q.QueryVector = vec
	}
	if q.TopK <= 0 {
		q.TopK = 10
	}

	facts, err := storage.RecallFacts(ctx, s.db.Reader(), storage.RecallQuery{
		Project: q.Project,
		AsOf:    q.AsOf,
		Limit:   1 << 30,
		Offset:  0,
	})
	if err != nil {
		return nil, err
	}

	embeddings, err := storage.AllEmbeddings(ctx, s.db.Reader())
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(facts))
	for _, f := range facts {
		vec, ok := embeddings[f.ID]
		if !ok {
			continue // a fact without an embedding is excluded from semantic search
		}
		score := Score(q.QueryVector, vec, f, q.AsOf, q.HalfLife)
		if score < q.MinScore {
			continue
		}
		results = append(results, Result{FactID: f.ID, Score: score, Fact: f})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Fact.CreatedAt.Equal(results[j].Fact.CreatedAt) {
			return results[i].Fact.CreatedAt.After(results[j].Fact.CreatedAt)
		}
		return results[i].FactID < results[j].FactID
	})

	if len(results) > q.TopK {
		results = results[:q.TopK]
	}

	if q.GraphDepth > 0 {
		return s.expandGraph(ctx, results, q, embeddings)
	}
	return results, nil
}

// expandGraph walks shared-tag and bridge-type edges outward from the
// initial hit set, up to GraphDepth hops, capped at GraphFanout additions
// per hop.
func (s *Searcher) expandGraph(ctx context.Context, seed []Result, q Query, embeddings map[int64][]float32) ([]Result, error) {
	seen := make(map[int64]bool, len(seed))
	out := make([]Result, len(seed))
	copy(out, seed)
	for _, r := range seed {
		seen[r.FactID] = true
	}

	frontier := seed
	for depth := 0; depth < q.GraphDepth && len(frontier) > 0; depth++ {
		var next []Result
		added := 0
		for _, r := range frontier {
			if added >= q.GraphFanout {
				break
			}
			neighbors, err := s.neighborsOf(ctx, r.Fact, q, embeddings)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if seen[n.FactID] || added >= q.GraphFanout {
					continue
				}
				seen[n.FactID] = true
				out = append(out, n)
				next = append(next, n)
				added++
			}
		}
		frontier = next
	}

	return out, nil
}

// neighborsOf finds facts sharing a tag with f, plus facts named by f's
// context if f is a bridge-type fact (a bridge's context carries the ids of
// the facts it connects, under the "connects" key).
func (s *Searcher) neighborsOf(ctx context.Context, f model.Fact, q Query, embeddings map[int64][]float32) ([]Result, error) {
	var neighbors []model.Fact

	if len(f.Tags) > 0 {
		byTag, err := s.factsSharingTag(ctx, f, q)
		if err != nil {
			return nil, err
		}
		neighbors = append(neighbors, byTag...)
	}

	if f.FactType == model.FactTypeBridge {
		if raw, ok := f.Context["connects"]; ok {
			if ids, ok := raw.([]any); ok {
				for _, idVal := range ids {
					idFloat, ok := idVal.(float64)
					if !ok {
						continue
					}
					nf, err := storage.GetFact(ctx, s.db.Reader(), int64(idFloat))
					if apperr.Is(err, apperr.KindNotFound) {
						continue
					}
					if err != nil {
						return nil, err
					}
					if nf.IsValidAt(q.AsOf) {
						neighbors = append(neighbors, nf)
					}
				}
			}
		}
	}

	results := make([]Result, 0, len(neighbors))
	for _, n := range neighbors {
		score := 0.0
		if vec, ok := embeddings[n.ID]; ok {
			score = Score(q.QueryVector, vec, n, q.AsOf, q.HalfLife)
		}
		results = append(results, Result{FactID: n.ID, Score: score, Fact: n})
	}
	return results, nil
}

func (s *Searcher) factsSharingTag(ctx context.Context, f model.Fact, q Query) ([]model.Fact, error) {
	all, err := storage.RecallFacts(ctx, s.db.Reader(), storage.RecallQuery{
		Project: f.Project,
		AsOf:    q.AsOf,
		Limit:   1 << 30,
	})
	if err != nil {
		return nil, err
	}

	tagSet := make(map[string]bool, len(f.Tags))
	for _, t := range f.Tags {
		tagSet[t] = true
	}

	var out []model.Fact
	for _, candidate := range all {
		if candidate.ID == f.ID {
			continue
		}
		for _, t := range candidate.Tags {
			if tagSet[t] {
				out = append(out, candidate)
				break
			}
		}
	}
	return out, nil
}

// ParseTemporalBound validates and parses a caller-supplied temporal bound
// string against a whitelist of RFC 3339 layouts, rather than accepting any
// string and splicing it into a query. database/sql parameter binding
// already prevents injection; this check exists to reject ambiguous or
// malformed instants as InvalidArgument before they reach storage.
func ParseTemporalBound(raw string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.000000Z07:00",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperr.InvalidArgument("temporal bound %q does not match an accepted ISO-8601 layout", raw)
}
