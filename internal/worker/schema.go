package worker

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator rejects notifications whose fields do not match a JSON
// schema before delegating to an optional signature check.
type SchemaValidator struct {
	schema *jsonschema.Schema
	next   Validator
}

// NewSchemaValidator compiles schema, which is either an inline JSON document
// or a path/URL to one.
func NewSchemaValidator(schema string, next Validator) (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	location := strings.TrimSpace(schema)
	if strings.HasPrefix(location, "{") {
		if err := compiler.AddResource("notify.json", strings.NewReader(location)); err != nil {
			return nil, fmt.Errorf("add schema resource: %w", err)
		}
		location = "notify.json"
	}
	sch, err := compiler.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &SchemaValidator{schema: sch, next: next}, nil
}

func (v *SchemaValidator) Verify(data map[string]string, sig string) bool {
	doc := make(map[string]any, len(data))
	for k, val := range data {
		doc[k] = val
	}
	if err := v.schema.Validate(doc); err != nil {
		return false
	}
	if v.next == nil {
		return true
	}
	return v.next.Verify(data, sig)
}
