// Package pap implements policy administration: lifecycle management,
// versioning, activation validation, and natural-language-to-structured
// rule conversion.
package pap

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

// ruleSetSchema is the structural contract a policy's rule set must meet
// before activation. Stricter than the Go types: unknown fields and
// empty rule groups are rejected here.
const ruleSetSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "permissions":  {"type": "array", "items": {"$ref": "#/$defs/rule"}},
    "prohibitions": {"type": "array", "items": {"$ref": "#/$defs/rule"}},
    "obligations":  {"type": "array", "items": {"$ref": "#/$defs/rule"}}
  },
  "minProperties": 1,
  "$defs": {
    "rule": {
      "type": "object",
      "additionalProperties": false,
      "required": ["action"],
      "properties": {
        "action":   {"type": "string", "minLength": 1},
        "target":   {"type": "string"},
        "assignee": {"type": "string"},
        "condition": {"type": "string", "maxLength": 1024},
        "constraints": {"type": "array", "items": {"$ref": "#/$defs/constraint"}},
        "duties": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["action"],
            "properties": {
              "action": {"type": "string", "minLength": 1},
              "params": {"type": "object"}
            }
          }
        }
      }
    },
    "constraint": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "leftOperand": {"type": "string"},
        "operator": {
          "type": "string",
          "enum": ["eq", "neq", "gt", "gteq", "lt", "lteq", "in",
                   "hasPart", "isA", "isAllOf", "isAnyOf", "isNoneOf", "isPartOf"]
        },
        "rightOperand": {},
        "and":  {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/constraint"}},
        "or":   {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/constraint"}},
        "xone": {"type": "array", "minItems": 2, "items": {"$ref": "#/$defs/constraint"}}
      }
    }
  }
}`

var compiledRuleSetSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("ruleset.json", bytes.NewReader([]byte(ruleSetSchema))); err != nil {
		panic(err)
	}
	return c.MustCompile("ruleset.json")
}

// validateRuleSetSchema checks a rule set against the activation schema.
func validateRuleSetSchema(rs *policy.RuleSet) error {
	raw, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("marshal rule set: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode rule set: %w", err)
	}
	if err := compiledRuleSetSchema.Validate(doc); err != nil {
		return fmt.Errorf("rule set schema: %w", err)
	}
	return nil
}
