package progress

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const snapshotSchemaURL = "ventilab://schemas/outbox-snapshot.json"

const snapshotSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "events"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["clientEventId", "lessonId", "ts"],
        "properties": {
          "clientEventId": {"type": "string", "minLength": 1},
          "lessonId": {"type": "string", "minLength": 1},
          "moduleId": {"type": "string"},
          "progress": {"type": "number", "minimum": 0, "maximum": 1},
          "completed": {"type": "boolean"},
          "completionPercentage": {"type": "number", "minimum": 0, "maximum": 100},
          "timeSpentDelta": {"type": "integer", "minimum": 0},
          "lastAccessed": {"type": "integer"},
          "ts": {"type": "integer", "minimum": 0},
          "retryCount": {"type": "integer", "minimum": 0},
          "lastRetryAt": {"type": "integer"}
        }
      }
    },
    "confirmations": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["confirmedAt"],
        "properties": {
          "confirmedAt": {"type": "integer"}
        }
      }
    }
  }
}`

var (
	snapshotSchemaOnce sync.Once
	snapshotSchema     *jsonschema.Schema
	snapshotSchemaErr  error
)

func compiledSnapshotSchema() (*jsonschema.Schema, error) {
	snapshotSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchemaJSON))
		if err != nil {
			snapshotSchemaErr = err
			return
		}
		if err := compiler.AddResource(snapshotSchemaURL, doc); err != nil {
			snapshotSchemaErr = err
			return
		}
		snapshotSchema, snapshotSchemaErr = compiler.Compile(snapshotSchemaURL)
	})
	return snapshotSchema, snapshotSchemaErr
}

// validateSnapshotJSON rejects persisted snapshots that do not match the
// outbox schema before they are decoded.
func validateSnapshotJSON(data []byte) error {
	schema, err := compiledSnapshotSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("outbox snapshot is not valid JSON: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("outbox snapshot rejected: %w", err)
	}
	return nil
}
