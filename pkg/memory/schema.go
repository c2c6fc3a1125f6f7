package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// errDenied signals an ACL denial out of a cache loader so the handler
// can render it with the caller's preferred status.
var errDenied = errors.New("memory: access denied")

// graphViewSchemaJSON is the outbound contract of expand_candidates.
// The service validates its own responses against it and fails closed.
const graphViewSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["anchor", "graph", "meta"],
  "properties": {
    "anchor": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 3},
        "type": {"enum": ["DECISION", "EVENT"]}
      }
    },
    "graph": {
      "type": "object",
      "required": ["edges"],
      "properties": {
        "edges": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["type", "from", "to"],
            "properties": {
              "type": {"enum": ["LED_TO", "CAUSAL", "ALIAS_OF"]},
              "from": {"type": "string"},
              "to": {"type": "string"}
            }
          }
        }
      }
    },
    "meta": {
      "type": "object",
      "required": ["snapshot_etag", "policy_fp", "allowed_ids", "allowed_ids_fp", "fingerprints"],
      "properties": {
        "snapshot_etag": {"type": "string", "minLength": 1},
        "policy_fp": {"type": "string", "pattern": "^sha256:"},
        "allowed_ids": {"type": "array", "items": {"type": "string"}},
        "allowed_ids_fp": {"type": "string", "pattern": "^sha256:"},
        "fingerprints": {
          "type": "object",
          "required": ["graph_fp"],
          "properties": {"graph_fp": {"type": "string", "pattern": "^sha256:"}}
        }
      }
    }
  }
}`

var graphViewSchema = jsonschema.MustCompileString("graph_view.schema.json", graphViewSchemaJSON)

// validateGraphView round-trips the response through JSON and checks it
// against the graph view schema.
func validateGraphView(resp expandResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("memory: encode graph view: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("memory: decode graph view: %w", err)
	}
	if err := graphViewSchema.Validate(doc); err != nil {
		return fmt.Errorf("memory: graph view schema: %w", err)
	}
	return nil
}
