package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/batvault/batvault/pkg/ids"
)

// GetNode returns the stored document for a storage key.
func (a *Adapter) GetNode(ctx context.Context, storageKey string) (map[string]any, error) {
	if a.stub {
		return nil, &ErrNotFound{Key: storageKey}
	}
	var raw string
	err := a.db.QueryRowContext(ctx,
		`SELECT doc FROM nodes WHERE storage_key = ?`, storageKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Key: storageKey}
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get node %s: %w", storageKey, err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("storage: decode node %s: %w", storageKey, err)
	}
	return doc, nil
}

// GetEnrichedNode routes by the stored type and returns the document
// with its type guaranteed present. Unknown types fail.
func (a *Adapter) GetEnrichedNode(ctx context.Context, storageKey string) (map[string]any, error) {
	doc, err := a.GetNode(ctx, storageKey)
	if err != nil {
		return nil, err
	}
	switch doc["type"] {
	case KindDecision, KindEvent:
		return doc, nil
	default:
		return nil, fmt.Errorf("storage: node %s has unknown type %v", storageKey, doc["type"])
	}
}

// GetEdgesAdjacent returns every edge touching the node, inbound or
// outbound, in deterministic (type, src, dst) order.
func (a *Adapter) GetEdgesAdjacent(ctx context.Context, storageKey string) ([]Edge, error) {
	if a.stub {
		return nil, nil
	}
	anchor, err := ids.StorageKeyToAnchor(storageKey)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT type, src, dst, timestamp, domain FROM edges
		 WHERE src = ? OR dst = ?
		 ORDER BY type ASC, src ASC, dst ASC`, anchor, anchor)
	if err != nil {
		return nil, fmt.Errorf("storage: adjacent edges %s: %w", storageKey, err)
	}
	defer func() { _ = rows.Close() }()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.Type, &e.From, &e.To, &e.Timestamp, &e.Domain); err != nil {
			return nil, fmt.Errorf("storage: scan edge: %w", err)
		}
		if e.Type != EdgeAliasOf {
			e.Domain = ""
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: adjacent edges %s: %w", storageKey, err)
	}
	return edges, nil
}

// NextDecisionsFromEvent follows outbound LED_TO/CAUSAL edges from an
// event to decisions in the event's own domain, ordered by
// (edge.timestamp desc, decision.timestamp desc, decision.id asc),
// capped at limit (hard cap 3).
func (a *Adapter) NextDecisionsFromEvent(ctx context.Context, eventID string, limit int) ([]NeighborDecision, error) {
	if a.stub {
		return nil, nil
	}
	if limit <= 0 || limit > 3 {
		limit = 3
	}
	event, err := ids.ParseAnchor(eventID)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT n.doc, n.title, n.domain, n.timestamp, e.type, e.timestamp
		 FROM edges e
		 JOIN nodes n ON n.storage_key = replace(e.dst, '#', '_')
		 WHERE e.src = ? AND e.type IN (?, ?)
		   AND n.type = ? AND n.domain = ?
		 ORDER BY e.timestamp DESC, n.timestamp DESC, e.dst ASC
		 LIMIT ?`,
		eventID, EdgeLedTo, EdgeCausal, KindDecision, event.Domain, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: next decisions %s: %w", eventID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []NeighborDecision
	for rows.Next() {
		var (
			doc string
			nd  NeighborDecision
		)
		if err := rows.Scan(&doc, &nd.Title, &nd.Domain, &nd.Timestamp, &nd.Edge.Type, &nd.Edge.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			return nil, fmt.Errorf("storage: decode decision doc: %w", err)
		}
		nd.ID, _ = m["id"].(string)
		out = append(out, nd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: next decisions %s: %w", eventID, err)
	}
	return out, nil
}
