// Package schema validates JSON documents against compiled JSON Schema definitions.
package schema

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled JSON Schema. Safe for concurrent use.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// Compile compiles the schema document src under the given resource name.
func Compile(name, src string) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("schema %s: unmarshal: %w", name, err)
	}

	url := "crmrelay://schema/" + name

	c := jsonschema.NewCompiler()
	if addErr := c.AddResource(url, doc); addErr != nil {
		return nil, fmt.Errorf("schema %s: add resource: %w", name, addErr)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s: compile: %w", name, err)
	}

	return &Schema{name: name, compiled: compiled}, nil
}

// MustCompile is like Compile but panics on error. Use for package-level schemas.
func MustCompile(name, src string) *Schema {
	s, err := Compile(name, src)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the resource name the schema was compiled under.
func (s *Schema) Name() string { return s.name }

// Validate checks an already-decoded JSON value.
func (s *Schema) Validate(v any) error {
	return s.compiled.Validate(v)
}

// ValidateJSON decodes raw and validates it.
func (s *Schema) ValidateJSON(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return s.compiled.Validate(doc)
}
