// Package schema derives JSON schemas for built-in tool parameters from Go
// structs and validates model-supplied arguments against them.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

// Params pairs the reflected schema of a parameter struct with its compiled
// validator. Build one per tool with For and keep it for the tool's lifetime.
type Params struct {
	name     string
	raw      json.RawMessage
	compiled *validator.Schema
}

var reflector = &jsonschema.Reflector{
	Anonymous:                 true,
	DoNotReference:            true,
	ExpandedStruct:            true,
	AllowAdditionalProperties: false,
}

// For reflects the parameter struct v. Fields whose json tag carries
// omitempty are optional; the rest are required. Descriptions come from the
// jsonschema tag, e.g. `jsonschema:"description=Path to the file"`.
func For(name string, v any) (*Params, error) {
	s := reflector.Reflect(v)
	s.Version = ""
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode %s schema: %w", name, err)
	}
	compiled, err := compile(name, raw)
	if err != nil {
		return nil, err
	}
	return &Params{name: name, raw: raw, compiled: compiled}, nil
}

// MustFor is For for package-level tool definitions.
func MustFor(name string, v any) *Params {
	p, err := For(name, v)
	if err != nil {
		panic(err)
	}
	return p
}

// Raw returns the schema as sent to the model.
func (p *Params) Raw() json.RawMessage {
	return p.raw
}

// Decode validates params and unmarshals them into dst. The returned error
// is phrased for the model.
func (p *Params) Decode(params json.RawMessage, dst any) error {
	if len(strings.TrimSpace(string(params))) == 0 {
		params = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return fmt.Errorf("Invalid parameters: %v", err)
	}
	if err := p.compiled.Validate(doc); err != nil {
		return fmt.Errorf("Invalid parameters: %s", describe(err))
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return fmt.Errorf("Invalid parameters: %v", err)
	}
	return nil
}

var cache sync.Map

func compile(name string, raw json.RawMessage) (*validator.Schema, error) {
	key := string(raw)
	if cached, ok := cache.Load(key); ok {
		return cached.(*validator.Schema), nil
	}
	compiled, err := validator.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	cache.Store(key, compiled)
	return compiled, nil
}

// describe reduces a validation error tree to its most specific messages.
func describe(err error) string {
	var ve *validator.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	var walk func(*validator.ValidationError)
	walk = func(e *validator.ValidationError) {
		if len(e.Causes) == 0 {
			loc := strings.TrimPrefix(e.InstanceLocation, "/")
			if loc == "" {
				msgs = append(msgs, e.Message)
			} else {
				msgs = append(msgs, loc+": "+e.Message)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
