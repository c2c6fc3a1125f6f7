package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ResolveText searches title+description. BM25 over the FTS5 view when
// available, deterministic LIKE fallback otherwise. When useVector is
// set and a query vector is provided, cosine similarity over stored
// embeddings is used instead. Returns matches and whether the vector
// path ran.
func (a *Adapter) ResolveText(ctx context.Context, q string, limit int, useVector bool, queryVector []float64) ([]Match, bool, error) {
	if a.stub {
		return nil, false, nil
	}
	if limit <= 0 {
		limit = 10
	}
	if useVector && len(queryVector) > 0 {
		matches, err := a.resolveVector(ctx, queryVector, limit)
		return matches, err == nil, err
	}
	if a.ftsReady {
		matches, err := a.resolveBM25(ctx, q, limit)
		if err == nil {
			return matches, false, nil
		}
		// Malformed FTS query syntax degrades to LIKE, not to an error.
	}
	matches, err := a.resolveLike(ctx, q, limit)
	return matches, false, err
}

func (a *Adapter) resolveBM25(ctx context.Context, q string, limit int) ([]Match, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT s.storage_key, bm25(nodes_search), n.title, n.type
		 FROM nodes_search s
		 JOIN nodes n ON n.storage_key = s.storage_key
		 WHERE nodes_search MATCH ?
		 ORDER BY bm25(nodes_search) ASC, s.storage_key ASC
		 LIMIT ?`, ftsQuery(q), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: bm25 search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Match
	for rows.Next() {
		var (
			key  string
			rank float64
			m    Match
		)
		if err := rows.Scan(&key, &rank, &m.Title, &m.Type); err != nil {
			return nil, fmt.Errorf("storage: scan match: %w", err)
		}
		m.ID = wireID(key)
		// bm25() ranks best-first as the most negative value.
		m.Score = -rank
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: bm25 search: %w", err)
	}
	return out, nil
}

// ftsQuery quotes each token so user input never hits FTS5 operators.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, ``)+`"`)
	}
	return strings.Join(quoted, " ")
}

func (a *Adapter) resolveLike(ctx context.Context, q string, limit int) ([]Match, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(q)) + "%"
	rows, err := a.db.QueryContext(ctx,
		`SELECT storage_key, title, type,
		        (CASE WHEN lower(title) LIKE ? THEN 2 ELSE 0 END) +
		        (CASE WHEN lower(description) LIKE ? THEN 1 ELSE 0 END) AS score
		 FROM nodes
		 WHERE lower(title) LIKE ? OR lower(description) LIKE ?
		 ORDER BY score DESC, storage_key ASC
		 LIMIT ?`, pattern, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: like search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Match
	for rows.Next() {
		var (
			key   string
			m     Match
			score float64
		)
		if err := rows.Scan(&key, &m.Title, &m.Type, &score); err != nil {
			return nil, fmt.Errorf("storage: scan match: %w", err)
		}
		m.ID = wireID(key)
		m.Score = score
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: like search: %w", err)
	}
	return out, nil
}

func (a *Adapter) resolveVector(ctx context.Context, query []float64, limit int) ([]Match, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT storage_key, title, type, embedding FROM nodes WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("storage: vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Match
	for rows.Next() {
		var (
			key, raw string
			m        Match
		)
		if err := rows.Scan(&key, &m.Title, &m.Type, &raw); err != nil {
			return nil, fmt.Errorf("storage: scan embedding: %w", err)
		}
		var vec []float64
		if err := json.Unmarshal([]byte(raw), &vec); err != nil || len(vec) != len(query) {
			continue
		}
		m.ID = wireID(key)
		m.Score = cosine(query, vec)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: vector search: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func wireID(storageKey string) string {
	if i := strings.IndexByte(storageKey, '_'); i > 0 {
		return storageKey[:i] + "#" + storageKey[i+1:]
	}
	return storageKey
}
