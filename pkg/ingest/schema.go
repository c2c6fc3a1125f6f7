package ingest

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Canonicalised documents validate against these before any write.
// They run after alias folding, so only canonical field names appear.
const nodeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "type", "domain", "title", "timestamp"],
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z0-9]+(?:-[a-z0-9]+)*(?:/[a-z0-9]+(?:-[a-z0-9]+)*)*#[a-z0-9][a-z0-9._:-]+$"},
    "type": {"enum": ["DECISION", "EVENT"]},
    "domain": {"type": "string", "minLength": 1},
    "title": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "summary": {"type": "string"},
    "timestamp": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}T\\d{2}:\\d{2}:\\d{2}Z$"},
    "tags": {"type": "array", "items": {"type": "string", "pattern": "^[a-z0-9_]+$"}},
    "sensitivity": {"enum": ["low", "medium", "high"]},
    "namespaces": {"type": "array", "items": {"type": "string"}},
    "roles_allowed": {"type": "array", "items": {"type": "string"}},
    "x-extra": {"type": "object"}
  }
}`

const transitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["from", "to", "relation"],
  "properties": {
    "from": {"type": "string", "minLength": 3},
    "to": {"type": "string", "minLength": 3},
    "relation": {"enum": ["CAUSAL", "causal"]},
    "timestamp": {"type": "string"}
  }
}`

var (
	nodeSchema       = jsonschema.MustCompileString("node.schema.json", nodeSchemaJSON)
	transitionSchema = jsonschema.MustCompileString("transition.schema.json", transitionSchemaJSON)
)

// validateDoc checks one canonicalised document against its kind's
// schema.
func validateDoc(kind string, doc map[string]any, source string) error {
	schema := nodeSchema
	if kind == kindTransition {
		schema = transitionSchema
	}
	if err := schema.Validate(plainJSON(doc)); err != nil {
		return fmt.Errorf("%s: schema: %v", source, err)
	}
	return nil
}

// plainJSON deep-copies a document into the generic types the schema
// validator accepts ([]any, map[string]any, primitives).
func plainJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = plainJSON(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = plainJSON(inner)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return v
	}
}
