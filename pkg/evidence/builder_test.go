package evidence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batvault/batvault/pkg/cache"
	"github.com/batvault/batvault/pkg/storage"
)

type stubMemory struct {
	anchor      map[string]any
	etag        string
	edges       []storage.Edge
	items       map[string]map[string]any
	enrichFails int

	enrichCalls int
	batchIDs    []string
}

func (s *stubMemory) Enrich(ctx context.Context, anchorID string) (map[string]any, string, error) {
	s.enrichCalls++
	if s.enrichCalls <= s.enrichFails {
		return nil, "", errors.New("transient")
	}
	return s.anchor, s.etag, nil
}

func (s *stubMemory) ExpandCandidates(ctx context.Context, anchorID string) (*ExpandResult, error) {
	return &ExpandResult{Anchor: s.anchor, Edges: s.edges, SnapshotETag: s.etag}, nil
}

func (s *stubMemory) EnrichBatch(ctx context.Context, anchorID, etag string, ids []string) (map[string]map[string]any, error) {
	s.batchIDs = ids
	return s.items, nil
}

func newStub() *stubMemory {
	return &stubMemory{
		anchor: map[string]any{"id": "tv#exit-plasma", "type": "DECISION", "domain": "tv"},
		etag:   "etag-1",
		edges: []storage.Edge{
			{Type: storage.EdgeLedTo, From: "tv#ev-losses", To: "tv#exit-plasma"},
			{Type: storage.EdgeAliasOf, From: "tv#ev-announce", To: "tv#exit-plasma"},
			{Type: storage.EdgeCausal, From: "tv#freeze-capex", To: "tv#exit-plasma"},
			{Type: storage.EdgeCausal, From: "tv#exit-plasma", To: "tv#sell-plant"},
			// Alias-tail edge, neither endpoint is the anchor.
			{Type: storage.EdgeCausal, From: "tv#ev-announce", To: "tv#other-decision"},
		},
		items: map[string]map[string]any{
			"tv#ev-losses":   {"id": "tv#ev-losses", "type": "EVENT", "summary": "losses widened"},
			"tv#ev-announce": {"id": "tv#ev-announce", "type": "EVENT", "summary": "exit announced"},
		},
	}
}

func TestCollect_AssemblesBundle(t *testing.T) {
	stub := newStub()
	b := NewBuilder(stub, cache.New(nil), 0, "sha256:policy")

	ev, err := b.Collect(context.Background(), "tv#exit-plasma")
	require.NoError(t, err)

	assert.Equal(t, "tv#exit-plasma", ev.AnchorID())
	assert.Equal(t, "etag-1", ev.SnapshotETag)
	assert.Equal(t, []string{"tv#ev-losses", "tv#ev-announce"}, stub.batchIDs, "edge order preserved")
	require.Len(t, ev.Events, 2)

	require.Len(t, ev.Transitions.Preceding, 1)
	assert.Equal(t, "causal:tv#freeze-capex:tv#exit-plasma", ev.Transitions.Preceding[0].ID)
	require.Len(t, ev.Transitions.Succeeding, 1)
	assert.Equal(t, "causal:tv#exit-plasma:tv#sell-plant", ev.Transitions.Succeeding[0].ID)

	assert.Equal(t, []string{
		"causal:tv#exit-plasma:tv#sell-plant",
		"causal:tv#freeze-capex:tv#exit-plasma",
		"tv#ev-announce",
		"tv#ev-losses",
		"tv#exit-plasma",
	}, ev.AllowedIDs)
}

func TestCollect_RetriesTransientEnrich(t *testing.T) {
	stub := newStub()
	stub.enrichFails = 1
	b := NewBuilder(stub, cache.New(nil), 0, "sha256:policy")

	ev, err := b.Collect(context.Background(), "tv#exit-plasma")
	require.NoError(t, err)
	assert.Equal(t, 2, stub.enrichCalls)
	assert.Equal(t, "tv#exit-plasma", ev.AnchorID())
}

func TestCollect_GivesUpAfterOneRetry(t *testing.T) {
	stub := newStub()
	stub.enrichFails = 2
	b := NewBuilder(stub, cache.New(nil), 0, "sha256:policy")

	_, err := b.Collect(context.Background(), "tv#exit-plasma")
	assert.Error(t, err)
	assert.Equal(t, 2, stub.enrichCalls)
}

func TestClassify_SplitsEdges(t *testing.T) {
	ev := &Evidence{}
	eventIDs := classify("eng#d-1", []storage.Edge{
		{Type: storage.EdgeLedTo, From: "eng#ev-1", To: "eng#d-1"},
		{Type: storage.EdgeLedTo, From: "eng#ev-1", To: "eng#d-1"}, // duplicate
		{Type: storage.EdgeLedTo, From: "eng#ev-2", To: "eng#other"},
		{Type: storage.EdgeCausal, From: "eng#d-0", To: "eng#d-1"},
	}, ev)

	assert.Equal(t, []string{"eng#ev-1"}, eventIDs)
	assert.Len(t, ev.Transitions.Preceding, 1)
	assert.Empty(t, ev.Transitions.Succeeding)
}
