package deferred

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Kind identifies a recognized deferred-write file (spec §4.6/§6).
type Kind string

const (
	KindSubtasks            Kind = "subtasks"
	KindTrackedTransactions Kind = "tracked_transactions"
	KindEmailOutput         Kind = "email_output"
)

var schemaSource = map[Kind]string{
	KindSubtasks: `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["user_id", "prompt"],
			"properties": {
				"user_id": {"type": "string", "minLength": 1},
				"prompt": {"type": "string", "minLength": 1},
				"source_type": {"const": "scheduled"}
			}
		}
	}`,
	KindTrackedTransactions: `{
		"type": "array",
		"items": {"type": "object"}
	}`,
	KindEmailOutput: `{
		"type": "object",
		"required": ["subject", "body"],
		"properties": {
			"subject": {"type": "string"},
			"body": {"type": "string"},
			"format": {"enum": ["plain", "html"]}
		}
	}`,
}

// SchemaSet holds one compiled JSON Schema per recognized deferred-file kind.
type SchemaSet struct {
	schemas map[Kind]*jsonschema.Schema
}

// NewSchemaSet compiles the built-in deferred-file schemas.
func NewSchemaSet() (*SchemaSet, error) {
	set := &SchemaSet{schemas: make(map[Kind]*jsonschema.Schema, len(schemaSource))}
	for kind, src := range schemaSource {
		c := jsonschema.NewCompiler()
		var doc interface{}
		if err := json.Unmarshal([]byte(src), &doc); err != nil {
			return nil, fmt.Errorf("parse builtin schema %s: %w", kind, err)
		}
		uri := "mem://" + string(kind) + ".json"
		if err := c.AddResource(uri, doc); err != nil {
			return nil, fmt.Errorf("add builtin schema %s: %w", kind, err)
		}
		schema, err := c.Compile(uri)
		if err != nil {
			return nil, fmt.Errorf("compile builtin schema %s: %w", kind, err)
		}
		set.schemas[kind] = schema
	}
	return set, nil
}

// Validate parses data as JSON and validates it against kind's schema.
func (s *SchemaSet) Validate(kind Kind, data []byte) error {
	schema, ok := s.schemas[kind]
	if !ok {
		return fmt.Errorf("no schema registered for kind %q", kind)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse deferred file as json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
