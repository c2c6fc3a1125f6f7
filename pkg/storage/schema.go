package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// migrate creates tables and idempotent indexes. The FTS5 virtual
// table is optional: when the build lacks FTS5, resolve_text falls
// back to LIKE matching.
func (a *Adapter) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			k TEXT PRIMARY KEY,
			v TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			storage_key   TEXT PRIMARY KEY,
			domain        TEXT NOT NULL,
			local_id      TEXT NOT NULL,
			type          TEXT NOT NULL,
			title         TEXT NOT NULL DEFAULT '',
			description   TEXT NOT NULL DEFAULT '',
			timestamp     TEXT NOT NULL DEFAULT '',
			doc           JSON NOT NULL,
			embedding     JSON,
			snapshot_etag TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS nodes_domain_id ON nodes (domain, local_id)`,
		`CREATE TABLE IF NOT EXISTS edges (
			id            TEXT PRIMARY KEY,
			type          TEXT NOT NULL,
			src           TEXT NOT NULL,
			dst           TEXT NOT NULL,
			timestamp     TEXT NOT NULL DEFAULT '',
			domain        TEXT NOT NULL DEFAULT '',
			snapshot_etag TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS edges_id ON edges (id)`,
		`CREATE INDEX IF NOT EXISTS edges_src ON edges (src)`,
		`CREATE INDEX IF NOT EXISTS edges_dst ON edges (dst)`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}

	_, err := a.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS nodes_search
		USING fts5(storage_key UNINDEXED, title, description, tokenize='unicode61')`)
	if err != nil {
		slog.Warn("fts5 unavailable, resolve_text will use LIKE fallback", "error", err)
		a.ftsReady = false
		return nil
	}
	a.ftsReady = true
	return nil
}
