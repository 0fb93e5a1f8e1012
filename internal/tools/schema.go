package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives a JSON schema for a typed params struct.
//
// Supported tags:
//   - json:"name" sets the parameter name
//   - json:",omitempty" marks the parameter optional
//   - jsonschema:"required" explicitly marks it required
//   - jsonschema:"description=..." sets the parameter description
//   - jsonschema:"enum=a|b" restricts allowed values
//
// Example:
//
//	type fetchParams struct {
//	    URL     string `json:"url" jsonschema:"required,description=URL to fetch"`
//	    Extract string `json:"extract,omitempty" jsonschema:"description=What to pull out of the page"`
//	}
//
//	func (t *FetchTool) Schema() json.RawMessage { return SchemaFor[fetchParams]() }
func SchemaFor[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(new(T))
	raw, err := schemaToDescriptor(schema)
	if err != nil {
		return emptyObjectSchema
	}
	return raw
}

// schemaToDescriptor strips reflection artifacts ($schema, $id) so the
// output is a bare descriptor object the providers accept verbatim.
func schemaToDescriptor(schema *jsonschema.Schema) (json.RawMessage, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	delete(m, "$schema")
	delete(m, "$id")
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}

	return json.Marshal(m)
}
