// Package selector ranks evidence events deterministically. The order
// is similarity desc, then timestamp desc, then id asc, realised as
// three stable sorts over precomputed keys so every runtime produces
// identical output.
package selector

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/batvault/batvault/pkg/ids"
)

// PolicyID names the ranking policy in response meta.
const PolicyID = "sim_desc__ts_iso_desc__id_asc"

// Scores explains one event's ranking inputs.
type Scores struct {
	Sim         float64 `json:"sim"`
	RecencyDays float64 `json:"recency_days"`
	Importance  float64 `json:"importance"`
}

type rankKey struct {
	id  string
	ts  string
	sim float64
}

// RankEvents orders events by (similarity desc, timestamp desc,
// id asc) without mutating the input slice.
func RankEvents(anchor map[string]any, events []map[string]any) []map[string]any {
	anchorTokens := tokens(text(anchor, "description") + " " + text(anchor, "title"))

	keys := make([]rankKey, len(events))
	out := make([]map[string]any, len(events))
	copy(out, events)
	keyOf := func(ev map[string]any) rankKey {
		id, _ := ev["id"].(string)
		ts, _ := ev["timestamp"].(string)
		return rankKey{id: id, ts: ts, sim: jaccard(anchorTokens, tokens(eventText(ev)))}
	}
	for i, ev := range out {
		keys[i] = keyOf(ev)
	}

	// Three stable passes: least-significant key first.
	sortBy := func(less func(a, b rankKey) bool) {
		idx := make([]int, len(out))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(i, j int) bool { return less(keys[idx[i]], keys[idx[j]]) })
		reorder := make([]map[string]any, len(out))
		rekeys := make([]rankKey, len(out))
		for pos, i := range idx {
			reorder[pos] = out[i]
			rekeys[pos] = keys[i]
		}
		out, keys = reorder, rekeys
	}
	sortBy(func(a, b rankKey) bool { return a.id < b.id })
	sortBy(func(a, b rankKey) bool { return a.ts > b.ts })
	sortBy(func(a, b rankKey) bool { return a.sim > b.sim })
	return out
}

// ComputeScores returns per-event explainability scores keyed by id.
// recency_days is the absolute day delta from the anchor timestamp.
func ComputeScores(anchor map[string]any, events []map[string]any) map[string]Scores {
	anchorTokens := tokens(text(anchor, "description") + " " + text(anchor, "title"))
	anchorTS, anchorOK := parseTS(text(anchor, "timestamp"))

	out := make(map[string]Scores, len(events))
	for _, ev := range events {
		id, _ := ev["id"].(string)
		if id == "" {
			continue
		}
		s := Scores{Sim: jaccard(anchorTokens, tokens(eventText(ev)))}
		if ts, ok := parseTS(text(ev, "timestamp")); ok && anchorOK {
			s.RecencyDays = math.Abs(anchorTS.Sub(ts).Hours() / 24)
		}
		// Importance folds similarity and recency into one audit score.
		s.Importance = s.Sim / (1 + s.RecencyDays/365)
		out[id] = s
	}
	return out
}

func parseTS(s string) (time.Time, bool) {
	parsed, err := ids.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func text(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func eventText(ev map[string]any) string {
	if s := text(ev, "summary"); s != "" {
		return s
	}
	return text(ev, "description")
}

// tokens lower-cases and splits on whitespace, deduplicating.
func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[tok] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
