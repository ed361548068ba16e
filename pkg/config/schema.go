package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const durationPattern = `^(0|([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+)$`

// configSchema describes the structure of a dbcored YAML file. Cross-field
// rules such as min <= max live in Validate.
var configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "database": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "driver": {"type": "string", "enum": ["sqlite3", "sqlite", "pgx", "postgres", "mysql"]},
        "dsn": {"type": "string", "minLength": 1},
        "session_statements": {"type": ["array", "null"], "items": {"type": "string"}},
        "pool": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "min": {"type": "integer", "minimum": 0},
            "max": {"type": "integer", "minimum": 1},
            "acquire_timeout": {"$ref": "#/definitions/duration"},
            "idle_timeout": {"$ref": "#/definitions/duration"},
            "create_timeout": {"$ref": "#/definitions/duration"},
            "reap_interval": {"$ref": "#/definitions/duration"},
            "create_retry_interval": {"$ref": "#/definitions/duration"}
          }
        },
        "retry": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "max_retries": {"type": "integer", "minimum": 0},
            "base_delay": {"$ref": "#/definitions/duration"},
            "max_delay": {"$ref": "#/definitions/duration"},
            "retryable_errors": {"type": ["array", "null"], "items": {"type": "string"}}
          }
        },
        "query": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "timeout": {"$ref": "#/definitions/duration"},
            "slow_threshold": {"$ref": "#/definitions/duration"},
            "max_query_time": {"$ref": "#/definitions/duration"},
            "slow_log_size": {"type": "integer", "minimum": 0}
          }
        }
      }
    },
    "server": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "address": {"type": "string"},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535},
        "read_timeout": {"$ref": "#/definitions/duration"},
        "write_timeout": {"$ref": "#/definitions/duration"},
        "metrics_namespace": {"type": "string", "pattern": "^[a-zA-Z_]*$"}
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string", "enum": ["trace", "debug", "info", "warn", "error"]},
        "format": {"type": "string", "enum": ["json", "console"]},
        "output_file": {"type": "string"}
      }
    },
    "tracing": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"type": "string", "enum": ["stdout", "otlp", "jaeger"]},
        "endpoint": {"type": "string"},
        "service_name": {"type": "string"},
        "environment": {"type": "string"},
        "sampling_ratio": {"type": "number", "minimum": 0, "maximum": 1},
        "insecure": {"type": "boolean"}
      }
    }
  },
  "definitions": {
    "duration": {"type": "string", "pattern": "` + durationPattern + `"}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(configSchema)

// ValidateDocument checks raw YAML configuration against the schema.
func ValidateDocument(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if doc == nil {
		return nil
	}

	docBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(docBytes))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("schema errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
