package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

const schemaID = "https://github.com/haasonsaas/nexus-exec/config.schema.json"

// JSONSchema describes the configuration file using YAML key names. Editors
// can point at it for completion.
func JSONSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	schema := r.Reflect(&Config{})
	schema.ID = jsonschema.ID(schemaID)
	schema.Title = "nexus-exec configuration"
	return json.MarshalIndent(schema, "", "  ")
}
