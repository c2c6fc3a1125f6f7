// Package storage is the graph adapter: policy-free reads and bulk
// writes over the decision/event graph, snapshot ETag bookkeeping, and
// text search. All policy enforcement happens above this layer.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"
)

// Node and edge kinds.
const (
	KindDecision = "DECISION"
	KindEvent    = "EVENT"

	EdgeLedTo   = "LED_TO"
	EdgeCausal  = "CAUSAL"
	EdgeAliasOf = "ALIAS_OF"
)

// ETagUnknown is the sentinel for "no snapshot loaded". It is distinct
// from every valid snapshot ETag.
const ETagUnknown = "unknown"

// Edge is the wire view of a stored edge.
type Edge struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"timestamp"`
	Domain    string `json:"domain,omitempty"` // ALIAS_OF only: the alias event's domain
}

// ID renders the deterministic edge id {ledto|causal|alias}:{from}:{to}.
func (e Edge) ID() string {
	var prefix string
	switch e.Type {
	case EdgeLedTo:
		prefix = "ledto"
	case EdgeCausal:
		prefix = "causal"
	case EdgeAliasOf:
		prefix = "alias"
	default:
		prefix = "unknown"
	}
	return prefix + ":" + e.From + ":" + e.To
}

// NeighborDecision is one target of next_decisions_from_event.
type NeighborDecision struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Domain    string `json:"domain"`
	Timestamp string `json:"timestamp"`
	Edge      struct {
		Type      string `json:"type"`
		Timestamp string `json:"timestamp"`
	} `json:"edge"`
}

// Match is one resolve_text hit.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Title string  `json:"title"`
	Type  string  `json:"type"`
}

// ErrNotFound reports a missing node.
type ErrNotFound struct{ Key string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("storage: node %q not found", e.Key) }

// Options configure the adapter.
type Options struct {
	DSN       string // sqlite DSN; ":memory:" for tests
	BatchSize int    // bulk micro-batch size, default 1000
	DevMode   bool   // unreachable database degrades to stub mode instead of failing
}

// Adapter owns nodes and edges. All methods are safe for concurrent use;
// callers run them on a bounded worker pool with per-stage timeouts.
type Adapter struct {
	db        *sql.DB
	batchSize int
	ftsReady  bool
	stub      bool

	mu   sync.RWMutex
	etag string
}

// Open connects, migrates, and ensures indexes. When the database is
// unreachable and DevMode is set, the adapter starts in stub mode and
// every read returns empty results; in non-dev the error is fatal.
func Open(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	a := &Adapter{batchSize: opts.BatchSize, etag: ETagUnknown}

	db, err := sql.Open("sqlite", opts.DSN)
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err != nil {
		if opts.DevMode {
			slog.Warn("storage unreachable, entering stub mode", "error", err)
			a.stub = true
			return a, nil
		}
		return nil, fmt.Errorf("storage: open %s: %w", opts.DSN, err)
	}
	a.db = db

	if err := a.migrate(ctx); err != nil {
		return nil, err
	}
	a.loadETag(ctx)
	return a, nil
}

// Stub reports whether the adapter is running degraded (dev only).
func (a *Adapter) Stub() bool { return a.stub }

// Close releases the underlying pool.
func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// SnapshotETag returns the current snapshot ETag, or ETagUnknown.
func (a *Adapter) SnapshotETag() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.etag
}

// SetSnapshotETag persists and publishes a new snapshot ETag.
func (a *Adapter) SetSnapshotETag(ctx context.Context, etag string) error {
	if !a.stub {
		_, err := a.db.ExecContext(ctx,
			`INSERT INTO meta (k, v) VALUES ('snapshot_etag', ?)
			 ON CONFLICT(k) DO UPDATE SET v = excluded.v`, etag)
		if err != nil {
			return fmt.Errorf("storage: set snapshot etag: %w", err)
		}
	}
	a.mu.Lock()
	a.etag = etag
	a.mu.Unlock()
	return nil
}

func (a *Adapter) loadETag(ctx context.Context) {
	var v string
	err := a.db.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = 'snapshot_etag'`).Scan(&v)
	if err != nil || v == "" {
		return
	}
	a.mu.Lock()
	a.etag = v
	a.mu.Unlock()
}

// PruneStale removes every node and edge not stamped with etag, in one
// transaction. Returns (nodes removed, edges removed).
func (a *Adapter) PruneStale(ctx context.Context, etag string) (int, int, error) {
	if a.stub {
		return 0, 0, nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: prune begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nr, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE snapshot_etag != ?`, etag)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: prune nodes: %w", err)
	}
	er, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE snapshot_etag != ?`, etag)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: prune edges: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("storage: prune commit: %w", err)
	}
	nodes, _ := nr.RowsAffected()
	edges, _ := er.RowsAffected()
	return int(nodes), int(edges), nil
}
