package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/batvault/batvault/pkg/storage"
)

// ErrNoFixtures means the batch directory held nothing to ingest.
var ErrNoFixtures = errors.New("ingest: no fixture files found")

// ValidationErrors fails the batch with every schema or
// canonicalisation message collected.
type ValidationErrors []string

func (e ValidationErrors) Error() string {
	return fmt.Sprintf("ingest: %d validation error(s): %s", len(e), strings.Join(e, "; "))
}

// IntegrityErrors fails the batch when links point at absent documents.
type IntegrityErrors []string

func (e IntegrityErrors) Error() string {
	return fmt.Sprintf("ingest: %d referential-integrity error(s): %s", len(e), strings.Join(e, "; "))
}

// RelationCatalog is the fixed set of edge kinds, deterministic order.
var RelationCatalog = []string{storage.EdgeAliasOf, storage.EdgeCausal, storage.EdgeLedTo}

// Result summarises one ingested batch.
type Result struct {
	SnapshotETag    string           `json:"snapshot_etag"`
	Nodes           int              `json:"nodes"`
	Edges           int              `json:"edges"`
	NodesPruned     int              `json:"nodes_pruned"`
	EdgesPruned     int              `json:"edges_pruned"`
	Rejects         []storage.Reject `json:"rejects,omitempty"`
	FieldCatalog    []string         `json:"field_catalog"`
	RelationCatalog []string         `json:"relation_catalog"`
}

type fixtureFile struct {
	path    string
	content []byte
}

// Run ingests one batch directory end to end: parse, canonicalise,
// validate, derive reciprocal links, check integrity, stamp the
// snapshot ETag, upsert nodes then edges, prune stale documents.
func Run(ctx context.Context, store *storage.Adapter, dir string) (*Result, error) {
	files, err := collectFixtures(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoFixtures
	}

	var (
		validation ValidationErrors
		nodes      []map[string]any
		transits   []map[string]any
		fieldSeen  = map[string]bool{}
	)
	for _, f := range files {
		docs, err := decodeFixture(f)
		if err != nil {
			validation = append(validation, err.Error())
			continue
		}
		for _, doc := range docs {
			for key := range doc {
				fieldSeen[key] = true
			}
			kind, err := canonicalise(doc, f.path)
			if err != nil {
				validation = append(validation, err.Error())
				continue
			}
			if err := validateDoc(kind, doc, f.path); err != nil {
				validation = append(validation, err.Error())
				continue
			}
			if kind == kindTransition {
				transits = append(transits, doc)
			} else {
				nodes = append(nodes, doc)
			}
		}
	}
	if len(validation) > 0 {
		return nil, validation
	}

	edges, integrity := deriveEdges(nodes, transits)
	if len(integrity) > 0 {
		return nil, integrity
	}

	etag := ComputeSnapshotETag(files, time.Now().UTC())
	result := &Result{
		SnapshotETag:    etag,
		Nodes:           len(nodes),
		Edges:           len(edges),
		FieldCatalog:    fieldCatalog(fieldSeen),
		RelationCatalog: RelationCatalog,
	}

	nodeRejects, err := store.UpsertNodes(ctx, nodes, etag)
	if err != nil {
		return nil, fmt.Errorf("ingest: upsert nodes: %w", err)
	}
	edgeRejects, err := store.UpsertEdges(ctx, edges, etag)
	if err != nil {
		return nil, fmt.Errorf("ingest: upsert edges: %w", err)
	}
	result.Rejects = append(nodeRejects, edgeRejects...)

	if err := store.SetSnapshotETag(ctx, etag); err != nil {
		return nil, fmt.Errorf("ingest: publish snapshot: %w", err)
	}
	np, ep, err := store.PruneStale(ctx, etag)
	if err != nil {
		return nil, fmt.Errorf("ingest: prune: %w", err)
	}
	result.NodesPruned, result.EdgesPruned = np, ep

	slog.Info("ingest batch complete",
		"snapshot_etag", etag, "nodes", result.Nodes, "edges", result.Edges,
		"nodes_pruned", np, "edges_pruned", ep, "rejects", len(result.Rejects))
	return result, nil
}

func collectFixtures(dir string) ([]fixtureFile, error) {
	var files []fixtureFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, fixtureFile{path: path, content: content})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoFixtures
		}
		return nil, fmt.Errorf("ingest: walk %s: %w", dir, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}

// decodeFixture accepts one object or an array of objects per file.
func decodeFixture(f fixtureFile) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(string(f.content))
	if strings.HasPrefix(trimmed, "[") {
		var docs []map[string]any
		if err := json.Unmarshal(f.content, &docs); err != nil {
			return nil, fmt.Errorf("%s: %v", f.path, err)
		}
		return docs, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(f.content, &doc); err != nil {
		return nil, fmt.Errorf("%s: %v", f.path, err)
	}
	return []map[string]any{doc}, nil
}

// deriveEdges builds the edge set and the reciprocal links:
// event.led_to and decision.supported_by imply each other, alias_of
// becomes an ALIAS_OF edge, and transition documents become CAUSAL
// edges listed on both endpoints.
func deriveEdges(nodes, transits []map[string]any) ([]storage.Edge, IntegrityErrors) {
	byID := make(map[string]map[string]any, len(nodes))
	for _, n := range nodes {
		id, _ := n["id"].(string)
		byID[id] = n
	}

	var integrity IntegrityErrors
	edgeSet := make(map[string]storage.Edge)
	addEdge := func(e storage.Edge) {
		edgeSet[e.ID()] = e
	}
	require := func(id, wantType, context string) map[string]any {
		n, ok := byID[id]
		if !ok {
			integrity = append(integrity, fmt.Sprintf("%s references missing document %s", context, id))
			return nil
		}
		if t, _ := n["type"].(string); wantType != "" && t != wantType {
			integrity = append(integrity, fmt.Sprintf("%s expects a %s at %s, found %s", context, wantType, id, t))
			return nil
		}
		return n
	}

	for _, n := range nodes {
		id, _ := n["id"].(string)
		typ, _ := n["type"].(string)
		ts, _ := n["timestamp"].(string)
		domain, _ := n["domain"].(string)

		switch typ {
		case storage.KindEvent:
			for _, target := range stringList(n["led_to"]) {
				if decision := require(target, storage.KindDecision, id+".led_to"); decision != nil {
					addEdge(storage.Edge{Type: storage.EdgeLedTo, From: id, To: target, Timestamp: ts})
					appendUnique(decision, "supported_by", id)
				}
			}
			if alias, _ := n["alias_of"].(string); alias != "" {
				if require(alias, storage.KindDecision, id+".alias_of") != nil {
					addEdge(storage.Edge{Type: storage.EdgeAliasOf, From: id, To: alias, Timestamp: ts, Domain: domain})
				}
			}
		case storage.KindDecision:
			for _, source := range stringList(n["supported_by"]) {
				if event := require(source, storage.KindEvent, id+".supported_by"); event != nil {
					ets, _ := event["timestamp"].(string)
					addEdge(storage.Edge{Type: storage.EdgeLedTo, From: source, To: id, Timestamp: ets})
					appendUnique(event, "led_to", id)
				}
			}
		}
	}

	for _, t := range transits {
		from, _ := t["from"].(string)
		to, _ := t["to"].(string)
		ts, _ := t["timestamp"].(string)
		src := require(from, storage.KindDecision, "transition "+from+"->"+to)
		dst := require(to, storage.KindDecision, "transition "+from+"->"+to)
		if src == nil || dst == nil {
			continue
		}
		// Domain locality: CAUSAL endpoints share a domain.
		if sd, _ := src["domain"].(string); sd != str(dst["domain"]) {
			integrity = append(integrity, fmt.Sprintf("transition %s->%s crosses domains", from, to))
			continue
		}
		e := storage.Edge{Type: storage.EdgeCausal, From: from, To: to, Timestamp: ts}
		addEdge(e)
		appendUnique(src, "transitions", e.ID())
		appendUnique(dst, "transitions", e.ID())
	}

	if len(integrity) > 0 {
		sort.Strings([]string(integrity))
		return nil, integrity
	}
	edges := make([]storage.Edge, 0, len(edgeSet))
	ids := make([]string, 0, len(edgeSet))
	for id := range edgeSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		edges = append(edges, edgeSet[id])
	}
	return edges, nil
}

// ComputeSnapshotETag hashes the ordered file contents plus a coarse
// (daily) time bucket, so re-ingesting identical fixtures within the
// bucket is a no-op for caches keyed on the ETag.
func ComputeSnapshotETag(files []fixtureFile, now time.Time) string {
	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f.path))
		h.Write([]byte{0})
		h.Write(f.content)
		h.Write([]byte{0})
	}
	h.Write([]byte(now.Format("2006-01-02")))
	return hex.EncodeToString(h.Sum(nil))
}

// fieldCatalog returns every observed input key unioned with the alias
// spellings, deterministically ordered.
func fieldCatalog(seen map[string]bool) []string {
	for alias, canonical := range fieldAliases {
		if seen[alias] {
			seen[canonical] = true
		}
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func stringList(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s, _ := item.(string); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = t
	}
	return out
}

func appendUnique(doc map[string]any, key, value string) {
	existing := stringList(doc[key])
	for _, v := range existing {
		if v == value {
			return
		}
	}
	doc[key] = append(existing, value)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
