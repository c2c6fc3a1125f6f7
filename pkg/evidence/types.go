// Package evidence defines the why-decision wire contracts and the
// gateway's evidence builder: k=1 collection via the Memory service,
// event normalisation, the canonical allowed_ids derivation and the
// bundle fingerprints every response carries.
package evidence

import (
	"sort"

	"github.com/batvault/batvault/pkg/canonjson"
	"github.com/batvault/batvault/pkg/storage"
)

// IntentWhyDecision is the only intent the gateway answers.
const IntentWhyDecision = "why_decision"

// Transition is a CAUSAL edge adjacent to the anchor, rendered on the
// wire. Its ID is the deterministic edge id ("causal:<from>:<to>").
type Transition struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"timestamp,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Transitions groups the anchor's causal neighbours by direction.
type Transitions struct {
	Preceding  []Transition `json:"preceding"`
	Succeeding []Transition `json:"succeeding"`
}

// Evidence is the WhyDecisionEvidence bundle. The snapshot ETag is
// carried out-of-band (headers, cache keys) and never serialised here,
// so bundle fingerprints stay stable across snapshots with identical
// content.
type Evidence struct {
	Anchor      map[string]any   `json:"anchor"`
	Events      []map[string]any `json:"events"`
	Transitions Transitions      `json:"transitions"`
	AllowedIDs  []string         `json:"allowed_ids"`

	SnapshotETag string `json:"-"`
}

// Answer is the grounded short answer with its citations.
type Answer struct {
	ShortAnswer string   `json:"short_answer"`
	CitedIDs    []string `json:"cited_ids"`
}

// CompletenessFlags summarise what the bundle contains.
type CompletenessFlags struct {
	HasPreceding  bool `json:"has_preceding"`
	HasSucceeding bool `json:"has_succeeding"`
	EventCount    int  `json:"event_count"`
}

// AnchorID returns the bundle's anchor id.
func (e *Evidence) AnchorID() string {
	id, _ := e.Anchor["id"].(string)
	return id
}

// Completeness derives the completeness flags.
func (e *Evidence) Completeness() CompletenessFlags {
	return CompletenessFlags{
		HasPreceding:  len(e.Transitions.Preceding) > 0,
		HasSucceeding: len(e.Transitions.Succeeding) > 0,
		EventCount:    len(e.Events),
	}
}

// AllowedIDs is the canonical derivation: ascending sort of the unique
// union of the anchor id, every event id and every transition id.
// The Memory batch endpoint and the builder both call this; any
// divergence between services is a bug.
func AllowedIDs(anchorID string, events []map[string]any, transitions Transitions) []string {
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" {
			seen[id] = true
		}
	}
	add(anchorID)
	for _, ev := range events {
		id, _ := ev["id"].(string)
		add(id)
	}
	for _, t := range transitions.Preceding {
		add(t.ID)
	}
	for _, t := range transitions.Succeeding {
		add(t.ID)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RecomputeAllowedIDs refreshes e.AllowedIDs in place.
func (e *Evidence) RecomputeAllowedIDs() {
	e.AllowedIDs = AllowedIDs(e.AnchorID(), e.Events, e.Transitions)
}

// BundleFingerprint is sha256 over the canonical bundle bytes (the
// snapshot ETag is excluded by construction).
func (e *Evidence) BundleFingerprint() (string, error) {
	return canonjson.Fingerprint(e)
}

// GraphFingerprint hashes the anchor id plus the sorted edge ids of a
// graph view. Memory stamps it on expand_candidates responses.
func GraphFingerprint(anchorID string, edges []storage.Edge) (string, error) {
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.ID())
	}
	sort.Strings(ids)
	return canonjson.Fingerprint(map[string]any{
		"anchor_id":    anchorID,
		"sorted_edges": ids,
	})
}

// AllowedIDsFingerprint hashes the canonical allowed_ids list for the
// X-BV-Allowed-Ids-FP mirror header.
func AllowedIDsFingerprint(allowed []string) (string, error) {
	return canonjson.Fingerprint(allowed)
}
