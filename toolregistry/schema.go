package toolregistry

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileSchema compiles a tool's declared JSON Schema under a synthetic
// resource URL derived from its name, so unrelated tools never collide in
// the compiler's resource cache.
func compileSchema(toolName string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := "mem://tool/" + toolName + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	return c.Compile(url)
}

// validate checks payload against schema.
func validate(schema *jsonschema.Schema, payload json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal instance: %w", err)
	}
	return schema.Validate(doc)
}
