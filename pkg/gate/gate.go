// Package gate is the deterministic, LLM-free budget gate: it clamps
// edges and events, fixes the citation candidates, and produces the
// canonical prompt envelope before any model call.
package gate

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/batvault/batvault/pkg/canonjson"
	"github.com/batvault/batvault/pkg/evidence"
)

// Budgets are the per-policy clamp limits.
type Budgets struct {
	MaxEdges      int      `json:"max_edges"`
	MaxEvents     int      `json:"max_events"`
	MaxCitedIDs   int      `json:"max_cited_ids"`
	EdgeAllowlist []string `json:"edge_allowlist"`
}

// Plan is the gate's output. The gate never calls a model, so token
// counts are zero and messages empty; the prompt fingerprint is fixed
// at "none".
type Plan struct {
	PromptTokens int      `json:"prompt_tokens"`
	MaxTokens    int      `json:"max_tokens"`
	Messages     []string `json:"messages"`
	Fingerprints struct {
		BudgetCfgFP string `json:"budget_cfg_fp"`
		Prompt      string `json:"prompt"`
	} `json:"fingerprints"`
	EventsRankedTop []string `json:"_events_ranked_top"`
	CitedIDsGate    []string `json:"_cited_ids_gate"`
}

// Apply trims a ranked evidence bundle under the budgets. The input
// events must already be selector-ranked; the gate only clamps and
// never re-ranks or mutates allowed_ids.
func Apply(ev *evidence.Evidence, budgets Budgets) (*evidence.Evidence, *Plan, error) {
	trimmed := &evidence.Evidence{
		Anchor:       ev.Anchor,
		Events:       ev.Events,
		Transitions:  filterTransitions(ev.Transitions, budgets),
		AllowedIDs:   ev.AllowedIDs,
		SnapshotETag: ev.SnapshotETag,
	}

	top := topEvents(ev.Events, budgets.MaxEvents)
	trimmed.Events = top

	cited := []string{ev.AnchorID()}
	for _, e := range top {
		if id, _ := e["id"].(string); id != "" {
			cited = append(cited, id)
		}
	}
	if budgets.MaxCitedIDs > 0 && len(cited) > budgets.MaxCitedIDs {
		cited = cited[:budgets.MaxCitedIDs]
	}

	cfgFP, err := canonjson.Fingerprint(map[string]any{
		"max_edges":      budgets.MaxEdges,
		"max_events":     budgets.MaxEvents,
		"max_cited_ids":  budgets.MaxCitedIDs,
		"edge_allowlist": sortedCopy(budgets.EdgeAllowlist),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("gate: budget fingerprint: %w", err)
	}

	plan := &Plan{Messages: []string{}, CitedIDsGate: cited}
	plan.Fingerprints.BudgetCfgFP = cfgFP
	plan.Fingerprints.Prompt = "none"
	for _, e := range top {
		if id, _ := e["id"].(string); id != "" {
			plan.EventsRankedTop = append(plan.EventsRankedTop, id)
		}
	}
	return trimmed, plan, nil
}

// filterTransitions drops transition edges outside the allowlist and
// caps the total (preceding first) at MaxEdges.
func filterTransitions(t evidence.Transitions, budgets Budgets) evidence.Transitions {
	allowed := func(edgeType string) bool {
		for _, a := range budgets.EdgeAllowlist {
			if a == edgeType {
				return true
			}
		}
		return false
	}
	var out evidence.Transitions
	budget := budgets.MaxEdges
	for _, tr := range t.Preceding {
		if allowed(tr.Type) && budget > 0 {
			out.Preceding = append(out.Preceding, tr)
			budget--
		}
	}
	for _, tr := range t.Succeeding {
		if allowed(tr.Type) && budget > 0 {
			out.Succeeding = append(out.Succeeding, tr)
			budget--
		}
	}
	return out
}

// topEvents keeps the limit best events by (timestamp desc, id asc);
// the survivors retain their selector order.
func topEvents(events []map[string]any, limit int) []map[string]any {
	if limit <= 0 || len(events) <= limit {
		out := make([]map[string]any, len(events))
		copy(out, events)
		return out
	}
	idx := make([]int, len(events))
	for i := range idx {
		idx[i] = i
	}
	key := func(i int) (string, string) {
		ts, _ := events[i]["timestamp"].(string)
		id, _ := events[i]["id"].(string)
		return ts, id
	}
	sort.SliceStable(idx, func(a, b int) bool {
		tsA, idA := key(idx[a])
		tsB, idB := key(idx[b])
		if tsA != tsB {
			return tsA > tsB
		}
		return idA < idB
	})
	idx = idx[:limit]
	sort.Ints(idx) // keep selector order among the survivors
	out := make([]map[string]any, 0, limit)
	for _, i := range idx {
		out = append(out, events[i])
	}
	return out
}

// ShrinkCompletion plans the completion budget for a retry attempt:
// each attempt multiplies by the shrink factor (default 0.8) and
// subtracts a small deterministic jitter seeded by the attempt index.
func ShrinkCompletion(planned int, attempt int, factor float64) int {
	if factor <= 0 || factor >= 1 {
		factor = 0.8
	}
	budget := float64(planned)
	for i := 0; i < attempt; i++ {
		budget *= factor
	}
	if attempt > 0 {
		seed := fmt.Sprintf("shrink:%d", attempt)
		sum := sha256.Sum256([]byte(seed))
		jitter := binary.BigEndian.Uint64(sum[:8]) % 16
		budget -= float64(jitter)
	}
	if budget < 1 {
		budget = 1
	}
	return int(budget)
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
