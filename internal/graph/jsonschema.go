package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// rawGraphSchemaJSON is the JSON Schema for editor-submitted graphs.
// Embedded as a constant to avoid filesystem dependencies. Note that `kind`
// is deliberately a free string here: unrecognized kinds are tolerated for
// forward-compatibility and flagged as warnings by the semantic stage.
const rawGraphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://chatkit.dev/schemas/workflow-graph.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["slug", "kind"],
      "properties": {
        "slug": { "type": "string", "minLength": 1 },
        "kind": { "type": "string", "minLength": 1 },
        "display_name": { "type": "string" },
        "is_enabled": { "type": "boolean" },
        "parameters": { "type": "object" },
        "position": { "type": "integer" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "condition": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// structuralValidator validates raw graphs against the embedded JSON Schema.
// Safe for concurrent use: the compiled schema is immutable.
type structuralValidator struct {
	compiled *jsonschema.Schema
}

func newStructuralValidator() (*structuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(rawGraphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource("https://chatkit.dev/schemas/workflow-graph.json", doc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}

	compiled, err := c.Compile("https://chatkit.dev/schemas/workflow-graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	return &structuralValidator{compiled: compiled}, nil
}

// validate checks the raw graph against the schema, converting violations
// into batch ValidationResult entries.
func (v *structuralValidator) validate(raw *RawGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := toJSONValue(raw)
	if err != nil {
		result.AddError("/", schema.ErrKindValidation, "failed to serialize graph: "+err.Error())
		return result
	}

	if err := v.compiled.Validate(doc); err != nil {
		for _, violation := range collectViolations(err) {
			result.AddError(violation.path, schema.ErrKindValidation, violation.message)
		}
	}
	return result
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations so editors get every violation at once.
func collectViolations(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{path: "/", message: err.Error()}}
	}
	return collectLeaves(verr)
}

func collectLeaves(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectLeaves(cause)...)
	}
	return out
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
