package relaydesk

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	envelopeSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
		return compileEmbeddedSchema("schemas/session_envelope.schema.json", "https://relaydesk.dev/schemas/session-envelope.json")
	})
	flowSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
		return compileEmbeddedSchema("schemas/flow.schema.json", "https://relaydesk.dev/schemas/flow.json")
	})
)

// compileEmbeddedSchema registers the file under its $id so the compiler
// never tries to load anything from disk or network.
func compileEmbeddedSchema(name, id string) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(id, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	return compiler.Compile(id)
}

// validateJSON checks raw JSON against a compiled schema. Instances are
// parsed with jsonschema.UnmarshalJSON so numbers keep their exact form.
func validateJSON(schema *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

// validateValue re-encodes a decoded document (for example YAML) as JSON
// before validating it.
func validateValue(schema *jsonschema.Schema, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return validateJSON(schema, raw)
}
