package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// planSchema is validated against a generic decode of the plan bytes before
// strict struct decoding, so shape errors carry pointer-style locations.
const planSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "blocks"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "integer"},
    "project_root": {"type": "string"},
    "halt_on_failure": {"type": "boolean"},
    "assistant": {
      "type": "object",
      "additionalProperties": false,
      "properties": {"executable": {"type": "string"}}
    },
    "hosted": {
      "type": "object",
      "required": ["model_id"],
      "additionalProperties": false,
      "properties": {
        "model_id": {"type": "string", "minLength": 1},
        "region": {"type": "string"},
        "rate_limit_rpm": {"type": "integer", "minimum": 1},
        "timeout_seconds": {"type": "integer", "minimum": 1},
        "retry_attempts": {"type": "integer", "minimum": 1},
        "max_tokens": {"type": "integer", "minimum": 1},
        "temperature": {"type": "number", "minimum": 0},
        "top_p": {"type": "number", "minimum": 0, "maximum": 1},
        "system_prompt": {"type": "string"},
        "log_requests": {"type": "boolean"},
        "log_responses": {"type": "boolean"}
      }
    },
    "variables": {"type": "object"},
    "seeds": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["glob"],
        "additionalProperties": false,
        "properties": {
          "glob": {"type": "string", "minLength": 1},
          "allow_empty": {"type": "boolean"}
        }
      }
    },
    "blocks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type", "name"],
        "additionalProperties": false,
        "properties": {
          "type": {"enum": ["command", "assisted", "assisted_batch"]},
          "name": {"type": "string", "minLength": 1},
          "command": {"type": "string"},
          "working_directory": {"type": "string"},
          "timeout_seconds": {"type": "integer", "minimum": 1},
          "capture_output": {"type": "boolean"},
          "output_variable": {"type": "string"},
          "prompt": {"type": "string"},
          "description": {"type": "string"},
          "backend": {"enum": ["cli", "hosted"]},
          "input_nodes_variable": {"type": "string"},
          "max_nodes": {"type": "integer"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledPlanSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("plan.schema.json", strings.NewReader(planSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("plan.schema.json")
	})
	return schema, schemaErr
}

func validateSchema(b []byte, isJSON bool) error {
	s, err := compiledPlanSchema()
	if err != nil {
		return fmt.Errorf("compile plan schema: %w", err)
	}
	doc, err := genericDecode(b, isJSON)
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("plan schema: %w", err)
	}
	return nil
}

// genericDecode produces a json-typed document regardless of the source
// syntax; yaml values are round-tripped through json so the schema validator
// sees canonical types.
func genericDecode(b []byte, isJSON bool) (any, error) {
	var doc any
	if isJSON {
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("parse plan: %w", err)
		}
		return doc, nil
	}
	var raw any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	jb, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize plan document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("normalize plan document: %w", err)
	}
	return doc, nil
}
