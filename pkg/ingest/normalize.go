// Package ingest rebuilds the graph from a fixture directory: parse,
// canonicalise, validate, derive reciprocal links, stamp a snapshot
// ETag, upsert and prune.
package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/batvault/batvault/pkg/ids"
	"github.com/batvault/batvault/pkg/storage"
)

// Inferred document kinds. Transitions become edges, not nodes.
const (
	kindDecision   = "decision"
	kindEvent      = "event"
	kindTransition = "transition"
)

const snippetMaxChars = 160

// fieldAliases map accepted input spellings onto canonical fields. The
// original key is preserved under x-extra.
var fieldAliases = map[string]string{
	"option": "title",
	"ts":     "timestamp",
	"desc":   "description",
	"maker":  "decision_maker",
}

// Per-kind field whitelists. Unknown keys move into x-extra rather
// than being dropped.
var fieldWhitelists = map[string]map[string]bool{
	kindDecision: set("id", "type", "domain", "title", "description", "summary",
		"rationale", "timestamp", "tags", "decision_maker", "supported_by",
		"transitions", "sensitivity", "namespaces", "roles_allowed",
		"snippet", "embedding", "x-extra"),
	kindEvent: set("id", "type", "domain", "title", "description", "summary",
		"timestamp", "tags", "led_to", "alias_of", "sensitivity",
		"namespaces", "roles_allowed", "snippet", "embedding", "x-extra"),
	kindTransition: set("id", "type", "domain", "from", "to", "relation",
		"timestamp", "title", "tags", "x-extra"),
}

func set(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// inferKind applies the structural rules: from/to/relation marks a
// transition, option marks a decision, everything else is an event.
func inferKind(doc map[string]any) string {
	_, hasFrom := doc["from"]
	_, hasTo := doc["to"]
	_, hasRelation := doc["relation"]
	if hasFrom && hasTo && hasRelation {
		return kindTransition
	}
	if t, _ := doc["type"].(string); t != "" {
		switch strings.ToUpper(t) {
		case storage.KindDecision:
			return kindDecision
		case storage.KindEvent:
			return kindEvent
		case "TRANSITION":
			return kindTransition
		}
	}
	if _, ok := doc["option"]; ok {
		return kindDecision
	}
	return kindEvent
}

// canonicalise rewrites one raw document in place: alias fields fold
// into their canonical names, ids and tags slugify, timestamps
// normalise, out-of-whitelist keys move to x-extra and the snippet is
// derived. Returns the inferred kind.
func canonicalise(doc map[string]any, source string) (string, error) {
	kind := inferKind(doc)

	extra := map[string]any{}
	if x, ok := doc["x-extra"].(map[string]any); ok {
		extra = x
	}
	for alias, canonical := range fieldAliases {
		v, ok := doc[alias]
		if !ok {
			continue
		}
		if _, taken := doc[canonical]; !taken {
			doc[canonical] = v
		}
		extra[alias] = v
		delete(doc, alias)
	}

	// Transitions carry from/to instead of an id of their own.
	if kind != kindTransition {
		anchor, err := normaliseID(doc)
		if err != nil {
			return kind, fmt.Errorf("%s: %w", source, err)
		}
		doc["id"] = anchor.String()
		doc["domain"] = anchor.Domain
	}

	switch kind {
	case kindDecision:
		doc["type"] = storage.KindDecision
	case kindEvent:
		doc["type"] = storage.KindEvent
	}

	if raw, ok := doc["timestamp"].(string); ok && raw != "" {
		normalised, err := ids.NormalizeTimestamp(raw)
		if err != nil {
			return kind, fmt.Errorf("%s: %w", source, err)
		}
		doc["timestamp"] = normalised
	} else if kind != kindTransition {
		return kind, fmt.Errorf("%s: %v missing timestamp", source, doc["id"])
	}

	if err := normaliseTags(doc); err != nil {
		return kind, fmt.Errorf("%s: %w", source, err)
	}

	whitelist := fieldWhitelists[kind]
	for key, v := range doc {
		if !whitelist[key] {
			extra[key] = v
			delete(doc, key)
		}
	}
	if len(extra) > 0 {
		doc["x-extra"] = extra
	}

	if kind != kindTransition {
		doc["snippet"] = snippet(doc)
	}
	return kind, nil
}

// normaliseID resolves the document's wire anchor: a '#'-form id is
// validated as-is, otherwise domain + slugified id combine.
func normaliseID(doc map[string]any) (ids.Anchor, error) {
	rawID, _ := doc["id"].(string)
	if rawID == "" {
		return ids.Anchor{}, fmt.Errorf("ingest: document missing id")
	}
	if strings.ContainsRune(rawID, '#') {
		return ids.ParseAnchor(rawID)
	}
	domain, _ := doc["domain"].(string)
	if domain == "" {
		return ids.Anchor{}, fmt.Errorf("ingest: id %q has no domain", rawID)
	}
	if !ids.IsDomain(domain) {
		return ids.Anchor{}, fmt.Errorf("ingest: invalid domain %q", domain)
	}
	slug, err := ids.SlugifyID(rawID)
	if err != nil {
		return ids.Anchor{}, err
	}
	return ids.Anchor{Domain: domain, Local: slug}, nil
}

func normaliseTags(doc map[string]any) error {
	raw, ok := doc["tags"].([]any)
	if !ok {
		return nil
	}
	tags := make([]string, 0, len(raw))
	for _, v := range raw {
		s, _ := v.(string)
		if s == "" {
			continue
		}
		tag, err := ids.SlugifyTag(s)
		if err != nil {
			return err
		}
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	doc["tags"] = tags
	return nil
}

// snippet joins title, summary and rationale and cuts at 160 chars.
func snippet(doc map[string]any) string {
	var parts []string
	for _, key := range []string{"title", "summary", "rationale"} {
		if s, _ := doc[key].(string); s != "" {
			parts = append(parts, s)
		}
	}
	s := strings.Join(parts, " - ")
	if len(s) > snippetMaxChars {
		s = s[:snippetMaxChars]
	}
	return s
}
