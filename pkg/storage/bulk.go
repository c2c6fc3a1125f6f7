package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Reject records one document that could not be written after the
// per-doc fallback.
type Reject struct {
	DocID  string `json:"doc_id"`
	Reason string `json:"reason"`
}

const (
	bulkRetries      = 3
	bulkBackoffBase  = 50 * time.Millisecond
	bulkBackoffLimit = 2 * time.Second
)

// UpsertNodes writes node documents in micro-batches keyed on
// (domain, id), stamping each with etag. Failed batches retry with
// exponential backoff, then fall back to per-doc writes that record
// rejects instead of failing the whole batch.
func (a *Adapter) UpsertNodes(ctx context.Context, docs []map[string]any, etag string) ([]Reject, error) {
	if a.stub {
		return nil, nil
	}
	var rejects []Reject
	for start := 0; start < len(docs); start += a.batchSize {
		end := min(start+a.batchSize, len(docs))
		batch := docs[start:end]
		if err := a.retryBatch(ctx, func() error {
			return a.writeNodeBatch(ctx, batch, etag)
		}); err != nil {
			slog.Warn("node batch failed, falling back to per-doc writes", "error", err, "size", len(batch))
			for _, doc := range batch {
				if derr := a.writeNodeBatch(ctx, []map[string]any{doc}, etag); derr != nil {
					id, _ := doc["id"].(string)
					rejects = append(rejects, Reject{DocID: id, Reason: derr.Error()})
				}
			}
		}
	}
	return rejects, nil
}

// UpsertEdges writes edges in micro-batches keyed on the deterministic
// edge id, with the same retry and per-doc fallback as nodes.
func (a *Adapter) UpsertEdges(ctx context.Context, edges []Edge, etag string) ([]Reject, error) {
	if a.stub {
		return nil, nil
	}
	var rejects []Reject
	for start := 0; start < len(edges); start += a.batchSize {
		end := min(start+a.batchSize, len(edges))
		batch := edges[start:end]
		if err := a.retryBatch(ctx, func() error {
			return a.writeEdgeBatch(ctx, batch, etag)
		}); err != nil {
			slog.Warn("edge batch failed, falling back to per-doc writes", "error", err, "size", len(batch))
			for _, e := range batch {
				if derr := a.writeEdgeBatch(ctx, []Edge{e}, etag); derr != nil {
					rejects = append(rejects, Reject{DocID: e.ID(), Reason: derr.Error()})
				}
			}
		}
	}
	return rejects, nil
}

func (a *Adapter) retryBatch(ctx context.Context, op func() error) error {
	var err error
	delay := bulkBackoffBase
	for attempt := 0; attempt < bulkRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > bulkBackoffLimit {
			delay = bulkBackoffLimit
		}
	}
	return err
}

func (a *Adapter) writeNodeBatch(ctx context.Context, docs []map[string]any, etag string) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO nodes (storage_key, domain, local_id, type, title, description, timestamp, doc, embedding, snapshot_etag)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(domain, local_id) DO UPDATE SET
		   type = excluded.type, title = excluded.title,
		   description = excluded.description, timestamp = excluded.timestamp,
		   doc = excluded.doc, embedding = excluded.embedding,
		   snapshot_etag = excluded.snapshot_etag`)
	if err != nil {
		return fmt.Errorf("prepare nodes: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, doc := range docs {
		id, _ := doc["id"].(string)
		domain, local, ok := splitAnchor(id)
		if !ok {
			return fmt.Errorf("node %q: id is not a wire anchor", id)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("node %q: encode: %w", id, err)
		}
		var embedding any
		if vec, ok := doc["embedding"]; ok {
			b, err := json.Marshal(vec)
			if err == nil {
				embedding = string(b)
			}
		}
		_, err = stmt.ExecContext(ctx,
			domain+"_"+local, domain, local,
			str(doc["type"]), str(doc["title"]), str(doc["description"]), str(doc["timestamp"]),
			string(raw), embedding, etag)
		if err != nil {
			return fmt.Errorf("node %q: upsert: %w", id, err)
		}
		if a.ftsReady {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM nodes_search WHERE storage_key = ?`, domain+"_"+local); err != nil {
				return fmt.Errorf("node %q: search delete: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO nodes_search (storage_key, title, description) VALUES (?, ?, ?)`,
				domain+"_"+local, str(doc["title"]), str(doc["description"])); err != nil {
				return fmt.Errorf("node %q: search insert: %w", id, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (a *Adapter) writeEdgeBatch(ctx context.Context, edges []Edge, etag string) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO edges (id, type, src, dst, timestamp, domain, snapshot_etag)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   type = excluded.type, src = excluded.src, dst = excluded.dst,
		   timestamp = excluded.timestamp, domain = excluded.domain,
		   snapshot_etag = excluded.snapshot_etag`)
	if err != nil {
		return fmt.Errorf("prepare edges: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range edges {
		domain := e.Domain
		if e.Type != EdgeAliasOf {
			domain = ""
		}
		if _, err := stmt.ExecContext(ctx, e.ID(), e.Type, e.From, e.To, e.Timestamp, domain, etag); err != nil {
			return fmt.Errorf("edge %q: upsert: %w", e.ID(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func splitAnchor(id string) (domain, local string, ok bool) {
	for i := 0; i < len(id); i++ {
		if id[i] == '#' {
			return id[:i], id[i+1:], i > 0 && i < len(id)-1
		}
	}
	return "", "", false
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
