package view

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Schema names.
const (
	SchemaSubscribe     = "subscribe.schema.json"
	SchemaResync        = "resync.schema.json"
	SchemaWelcome       = "welcome.schema.json"
	SchemaError         = "error.schema.json"
	SchemaCreateRequest = "create_request.schema.json"
)

// schemaBase roots the embedded schemas at a fixed absolute URL so the
// compiler never resolves them against the working directory.
const schemaBase = "https://mini-colony.local/schemas/"

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		schemasErr = err
		return
	}
	c := jsonschema.NewCompiler()
	for _, e := range entries {
		b, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			schemasErr = err
			return
		}
		if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(b)); err != nil {
			schemasErr = fmt.Errorf("add schema %s: %w", e.Name(), err)
			return
		}
	}
	schemas = make(map[string]*jsonschema.Schema, len(entries))
	for _, e := range entries {
		s, err := c.Compile(schemaBase + e.Name())
		if err != nil {
			schemasErr = fmt.Errorf("compile schema %s: %w", e.Name(), err)
			return
		}
		schemas[e.Name()] = s
	}
}

// Validate checks raw JSON against one of the embedded schemas.
func Validate(name string, raw []byte) error {
	schemasOnce.Do(loadSchemas)
	if schemasErr != nil {
		return schemasErr
	}
	s, ok := schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return s.Validate(v)
}
