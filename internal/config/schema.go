package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

var durationType = reflect.TypeOf(time.Duration(0))

// durationSchema matches what the loader accepts for durations: a Go
// duration string such as "30s", or a raw nanosecond count.
func durationSchema(t reflect.Type) *jsonschema.Schema {
	if t != durationType {
		return nil
	}
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string", Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`},
			{Type: "integer", Minimum: json.Number("0")},
		},
		Description: `Go duration, e.g. "250ms" or "2m"`,
	}
}

// JSONSchema returns the JSON Schema of the config file, keyed by the YAML
// field names.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			RequiredFromJSONSchemaTags: true,
			Mapper:                     durationSchema,
		}
		schema := r.Reflect(&Config{})
		schema.Title = "forge configuration"
		schema.Description = "Settings for the forge coding assistant. The API key is read from ANTHROPIC_API_KEY or ANTHROPIC_AUTH_TOKEN only."
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
