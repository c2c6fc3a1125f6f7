package validator

import (
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/batvault/batvault/pkg/canonjson"
)

// bundleSchemaJSON is the wire shape of the validated bundle: the
// evidence envelope plus the answer.
const bundleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["evidence", "answer"],
  "properties": {
    "evidence": {
      "type": "object",
      "required": ["anchor", "events", "transitions", "allowed_ids"],
      "properties": {
        "anchor": {
          "type": "object",
          "required": ["id", "type"],
          "properties": {
            "id": {"type": "string", "minLength": 3},
            "type": {"const": "DECISION"}
          }
        },
        "events": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id"],
            "properties": {"id": {"type": "string"}}
          }
        },
        "transitions": {
          "type": "object",
          "required": ["preceding", "succeeding"],
          "properties": {
            "preceding": {"$ref": "#/$defs/edges"},
            "succeeding": {"$ref": "#/$defs/edges"}
          }
        },
        "allowed_ids": {
          "type": "array",
          "items": {"type": "string"}
        }
      }
    },
    "answer": {
      "type": "object",
      "required": ["short_answer", "cited_ids"],
      "properties": {
        "short_answer": {"type": "string", "maxLength": 320},
        "cited_ids": {"type": "array", "items": {"type": "string"}}
      }
    }
  },
  "$defs": {
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "from", "to"],
        "properties": {
          "id": {"type": "string"},
          "type": {"type": "string"},
          "from": {"type": "string"},
          "to": {"type": "string"}
        }
      }
    }
  }
}`

var bundleSchema = jsonschema.MustCompileString("bundle.schema.json", bundleSchemaJSON)

// SchemaFingerprint is mirrored as X-BV-Schema-FP on every response.
func SchemaFingerprint() string {
	return canonjson.EnsurePrefix(canonjson.HashBytes([]byte(bundleSchemaJSON)))
}
