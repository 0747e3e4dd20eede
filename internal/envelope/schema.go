package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ok"],
  "properties": {
    "ok": {"type": "boolean"},
    "error": {
      "type": ["object", "null"],
      "properties": {
        "code": {"type": "string"},
        "message": {"type": ["string", "null"]}
      }
    }
  },
  "if": {"properties": {"ok": {"const": false}}},
  "then": {
    "required": ["error"],
    "properties": {
      "error": {
        "type": "object",
        "required": ["code"],
        "properties": {"code": {"type": "string", "minLength": 1}}
      }
    }
  },
  "else": {
    "properties": {"error": {"type": "null"}}
  }
}`

const coreConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "data_dir", "cache_dir", "log_dir", "device_name", "log_level", "limits"],
  "properties": {
    "type": {"const": "CoreConfig"},
    "data_dir": {"type": "string", "minLength": 1},
    "cache_dir": {"type": "string", "minLength": 1},
    "log_dir": {"type": "string", "minLength": 1},
    "device_name": {"type": "string", "minLength": 1},
    "log_level": {"enum": ["trace", "debug", "info", "warn", "error"]},
    "limits": {
      "type": "object",
      "required": ["text_max_bytes", "image_max_bytes", "file_max_bytes"],
      "properties": {
        "text_max_bytes": {"type": "integer", "minimum": 1},
        "image_max_bytes": {"type": "integer", "minimum": 1},
        "file_max_bytes": {"type": "integer", "minimum": 1}
      }
    }
  }
}`

var (
	schemaOnce    sync.Once
	envelopeCheck *jsonschema.Schema
	configCheck   *jsonschema.Schema
	schemaErr     error
)

func compileSchemas() {
	envelopeCheck, schemaErr = jsonschema.CompileString("envelope.schema.json", envelopeSchema)
	if schemaErr != nil {
		return
	}
	configCheck, schemaErr = jsonschema.CompileString("coreconfig.schema.json", coreConfigSchema)
}

func validate(s func() *jsonschema.Schema, raw []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return fmt.Errorf("compile schema: %w", schemaErr)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := s().Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

func validateShape(raw []byte) error {
	return validate(func() *jsonschema.Schema { return envelopeCheck }, raw)
}

// ValidateCoreConfig checks a rendered CoreConfig document before it is
// handed to the engine's init call.
func ValidateCoreConfig(raw []byte) error {
	return validate(func() *jsonschema.Schema { return configCheck }, raw)
}
