package memory

import (
	"context"
	"fmt"

	"github.com/batvault/batvault/pkg/evidence"
	"github.com/batvault/batvault/pkg/ids"
	"github.com/batvault/batvault/pkg/policy"
	"github.com/batvault/batvault/pkg/storage"
)

// aliasTailMax bounds the alias expansion: one hop, at most this many
// decisions per alias event.
const aliasTailMax = 3

// graphView is the k=1 policy-scoped neighbourhood of an anchor. Both
// expand_candidates and enrich/batch derive allowed_ids from it, so
// the two endpoints can never disagree with the gateway builder.
type graphView struct {
	Anchor        map[string]any
	Edges         []storage.Edge
	EventIDs      []string
	Transitions   evidence.Transitions
	AllowedIDs    []string
	AliasReturned []string
}

// buildView loads the anchor, applies the edge allowlist and
// per-neighbour ACL, expands the alias tail, and derives the canonical
// allowed_ids.
func (s *Service) buildView(ctx context.Context, anchorID string, eff *policy.Effective) (*graphView, string, error) {
	anchor, err := ids.ParseAnchor(anchorID)
	if err != nil {
		return nil, "", fmt.Errorf("memory: %w", err)
	}
	doc, err := s.store.GetEnrichedNode(ctx, anchor.StorageKey())
	if err != nil {
		return nil, "", err
	}
	if allowed, reason := policy.ACLCheck(doc, eff); !allowed {
		return nil, reason, nil
	}

	raw, err := s.store.GetEdgesAdjacent(ctx, anchor.StorageKey())
	if err != nil {
		return nil, "", err
	}

	view := &graphView{Anchor: doc, AliasReturned: []string{}}
	seenEvent := make(map[string]bool)
	for _, e := range raw {
		if !eff.EdgeAllowed(e.Type) {
			continue
		}
		switch e.Type {
		case storage.EdgeLedTo:
			if e.To != anchorID || !s.neighbourVisible(ctx, e.From, eff) {
				continue
			}
			view.Edges = append(view.Edges, e)
			if !seenEvent[e.From] {
				seenEvent[e.From] = true
				view.EventIDs = append(view.EventIDs, e.From)
			}
		case storage.EdgeCausal:
			other := e.From
			if e.From == anchorID {
				other = e.To
			}
			if !s.neighbourVisible(ctx, other, eff) {
				continue
			}
			view.Edges = append(view.Edges, e)
			t := evidence.Transition{ID: e.ID(), Type: e.Type, From: e.From, To: e.To, Timestamp: e.Timestamp}
			if e.To == anchorID {
				view.Transitions.Preceding = append(view.Transitions.Preceding, t)
			} else if e.From == anchorID {
				view.Transitions.Succeeding = append(view.Transitions.Succeeding, t)
			}
		case storage.EdgeAliasOf:
			if e.To != anchorID || !s.neighbourVisible(ctx, e.From, eff) {
				continue
			}
			view.Edges = append(view.Edges, e)
			if !seenEvent[e.From] {
				seenEvent[e.From] = true
				view.EventIDs = append(view.EventIDs, e.From)
			}
			tail, err := s.aliasTail(ctx, e.From, eff)
			if err != nil {
				return nil, "", err
			}
			for _, te := range tail {
				view.Edges = append(view.Edges, te)
				view.AliasReturned = append(view.AliasReturned, te.To)
			}
		}
	}

	events := make([]map[string]any, 0, len(view.EventIDs))
	for _, id := range view.EventIDs {
		events = append(events, map[string]any{"id": id})
	}
	view.AllowedIDs = evidence.AllowedIDs(anchorID, events, view.Transitions)
	return view, "", nil
}

// aliasTail expands one aliased event into at most three decisions in
// the event's own domain, ACL-checking each target. The emitted wire
// edges are CAUSAL regardless of the traversed edge kind.
func (s *Service) aliasTail(ctx context.Context, eventID string, eff *policy.Effective) ([]storage.Edge, error) {
	decisions, err := s.store.NextDecisionsFromEvent(ctx, eventID, aliasTailMax)
	if err != nil {
		return nil, err
	}
	var out []storage.Edge
	for _, d := range decisions {
		target, err := ids.ParseAnchor(d.ID)
		if err != nil {
			continue
		}
		doc, err := s.store.GetNode(ctx, target.StorageKey())
		if err != nil {
			continue
		}
		if allowed, _ := policy.ACLCheck(doc, eff); !allowed {
			continue
		}
		out = append(out, storage.Edge{
			Type:      storage.EdgeCausal,
			From:      eventID,
			To:        d.ID,
			Timestamp: d.Edge.Timestamp,
		})
	}
	return out, nil
}

// neighbourVisible fail-closed ACL-checks a neighbour by anchor id.
func (s *Service) neighbourVisible(ctx context.Context, anchorID string, eff *policy.Effective) bool {
	a, err := ids.ParseAnchor(anchorID)
	if err != nil {
		return false
	}
	doc, err := s.store.GetNode(ctx, a.StorageKey())
	if err != nil {
		return false
	}
	allowed, _ := policy.ACLCheck(doc, eff)
	return allowed
}
