package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const taskSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id", "instruction", "project"],
  "properties": {
    "task_id": {"type": "string", "pattern": "^[A-Za-z0-9._-]+$"},
    "instruction": {"type": "string", "minLength": 1},
    "project": {"type": "string"},
    "timeout": {"type": "integer", "minimum": 0},
    "priority": {"type": "string"},
    "created_at": {"type": "string"},
    "metadata": {"type": ["object", "null"]}
  }
}`

const resultSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id", "status"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "status": {"enum": ["completed", "failed", "timeout", "cancelled"]},
    "error": {"type": ["string", "null"]},
    "completed_at": {"type": "string"},
    "duration_seconds": {"type": ["number", "null"]}
  }
}`

var (
	schemaOnce   sync.Once
	taskSchema   *jsonschema.Schema
	resultSchema *jsonschema.Schema
	schemaErr    error
)

func compileSchemas() {
	schemaOnce.Do(func() {
		taskSchema, schemaErr = compileSchema("task.json", taskSchemaJSON)
		if schemaErr != nil {
			return
		}
		resultSchema, schemaErr = compileSchema("result.json", resultSchemaJSON)
	})
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource %s: %w", name, err)
	}
	sch, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return sch, nil
}

// ValidateTaskJSON checks raw task descriptor bytes against the task schema.
func ValidateTaskJSON(data []byte) error {
	compileSchemas()
	if schemaErr != nil {
		return schemaErr
	}
	return validateAgainst(taskSchema, data)
}

// ValidateResultJSON checks raw result descriptor bytes against the result schema.
func ValidateResultJSON(data []byte) error {
	compileSchemas()
	if schemaErr != nil {
		return schemaErr
	}
	return validateAgainst(resultSchema, data)
}

func validateAgainst(sch *jsonschema.Schema, data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return fmt.Errorf("schema validation failed: %v", verr)
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
