package planner

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects a plan type into an inline JSON Schema suitable for a
// prompt's {schema} slot. Reflection cannot fail for the plan types in this
// module; a marshalling problem degrades to an empty object.
func SchemaFor(v any) string {
	r := new(jsonschema.Reflector)
	r.ExpandedStruct = true
	r.DoNotReference = true

	schema := r.Reflect(v)
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
