package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/batvault/batvault/pkg/cache"
	"github.com/batvault/batvault/pkg/storage"
)

// ExpandResult is the k=1 edges-only view the Memory service returns,
// alias tail included.
type ExpandResult struct {
	Anchor       map[string]any
	Edges        []storage.Edge
	AllowedIDs   []string
	SnapshotETag string
}

// MemoryClient is the builder's view of the Memory service.
type MemoryClient interface {
	Enrich(ctx context.Context, anchorID string) (map[string]any, string, error)
	ExpandCandidates(ctx context.Context, anchorID string) (*ExpandResult, error)
	EnrichBatch(ctx context.Context, anchorID, snapshotETag string, ids []string) (map[string]map[string]any, error)
}

// Builder assembles evidence bundles with read-through caching. It
// never re-ranks; ordering is the selector's job.
type Builder struct {
	memory MemoryClient
	cache  *cache.Cache
	ttl    time.Duration
	scope  string
}

// NewBuilder wires a builder. graphScope partitions the bundle cache
// (one scope per policy fingerprint).
func NewBuilder(memory MemoryClient, c *cache.Cache, ttl time.Duration, graphScope string) *Builder {
	if ttl <= 0 {
		ttl = cache.DefaultEvidenceTTL
	}
	return &Builder{memory: memory, cache: c, ttl: ttl, scope: graphScope}
}

// Collect returns the evidence bundle for an anchor: cached when
// fresh, otherwise assembled from enrich + expand_candidates with at
// most one retry per upstream call.
func (b *Builder) Collect(ctx context.Context, anchorID string) (*Evidence, error) {
	// The cache body wraps the bundle with its snapshot so hits can
	// restore the out-of-band ETag; the bundle itself never carries it.
	var cached struct {
		SnapshotETag string    `json:"snapshot_etag"`
		Bundle       *Evidence `json:"bundle"`
	}
	if hit, _ := b.cache.GetEvidence(ctx, anchorID, &cached); hit && cached.Bundle != nil {
		cached.Bundle.SnapshotETag = cached.SnapshotETag
		return cached.Bundle, nil
	}

	anchor, etag, err := withRetry(ctx, anchorID, func(ctx context.Context) (map[string]any, string, error) {
		return b.memory.Enrich(ctx, anchorID)
	})
	if err != nil {
		return nil, fmt.Errorf("evidence: enrich %s: %w", anchorID, err)
	}

	expand, err := withRetry2(ctx, anchorID, func(ctx context.Context) (*ExpandResult, error) {
		return b.memory.ExpandCandidates(ctx, anchorID)
	})
	if err != nil {
		return nil, fmt.Errorf("evidence: expand %s: %w", anchorID, err)
	}

	ev := &Evidence{Anchor: anchor, SnapshotETag: etag}
	eventIDs := classify(anchorID, expand.Edges, ev)

	if len(eventIDs) > 0 {
		items, err := b.memory.EnrichBatch(ctx, anchorID, etag, eventIDs)
		if err != nil {
			return nil, fmt.Errorf("evidence: enrich batch %s: %w", anchorID, err)
		}
		for _, id := range eventIDs {
			if doc, ok := items[id]; ok {
				ev.Events = append(ev.Events, doc)
			}
		}
	}
	ev.Events = NormalizeEvents(ev.Events)
	ev.RecomputeAllowedIDs()

	basis := cache.EvidenceKeyBasis{
		DecisionID:   anchorID,
		Intent:       IntentWhyDecision,
		GraphScope:   b.scope,
		SnapshotETag: etag,
	}
	body := map[string]any{"snapshot_etag": etag, "bundle": ev}
	if err := b.cache.PutEvidence(ctx, basis, body, b.ttl); err != nil {
		slog.Warn("evidence bundle cache write failed", "anchor", anchorID, "error", err)
	}
	return ev, nil
}

// classify splits the anchor's edges into event sources and causal
// transitions, returning the event ids in edge order. Alias-tail edges
// (neither endpoint is the anchor) ride along in the graph view only.
func classify(anchorID string, edges []storage.Edge, ev *Evidence) []string {
	var eventIDs []string
	seen := make(map[string]bool)
	for _, e := range edges {
		switch e.Type {
		case storage.EdgeLedTo, storage.EdgeAliasOf:
			if e.To == anchorID && !seen[e.From] {
				seen[e.From] = true
				eventIDs = append(eventIDs, e.From)
			}
		case storage.EdgeCausal:
			t := Transition{ID: e.ID(), Type: e.Type, From: e.From, To: e.To, Timestamp: e.Timestamp}
			switch {
			case e.To == anchorID:
				ev.Transitions.Preceding = append(ev.Transitions.Preceding, t)
			case e.From == anchorID:
				ev.Transitions.Succeeding = append(ev.Transitions.Succeeding, t)
			}
		}
	}
	return eventIDs
}

const upstreamBackoffCap = 300 * time.Millisecond

// upstreamBackoff derives a deterministic jittered delay under 300 ms
// from the anchor and attempt index.
func upstreamBackoff(anchorID string, attempt int) time.Duration {
	seed := fmt.Sprintf("%s:%d", anchorID, attempt)
	sum := sha256.Sum256([]byte(seed))
	jitter := binary.BigEndian.Uint64(sum[:8]) % uint64(upstreamBackoffCap)
	return time.Duration(jitter)
}

func withRetry(ctx context.Context, anchorID string, op func(context.Context) (map[string]any, string, error)) (map[string]any, string, error) {
	doc, etag, err := op(ctx)
	if err == nil {
		return doc, etag, nil
	}
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-time.After(upstreamBackoff(anchorID, 1)):
	}
	return op(ctx)
}

func withRetry2(ctx context.Context, anchorID string, op func(context.Context) (*ExpandResult, error)) (*ExpandResult, error) {
	res, err := op(ctx)
	if err == nil {
		return res, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(upstreamBackoff(anchorID, 1)):
	}
	return op(ctx)
}
