package schema

import "github.com/invopop/jsonschema"

// Generate reflects a closed schema with every nested struct expanded in
// place.
func Generate(value any) *jsonschema.Schema {
	return reflect(value, &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
	})
}

// GenerateReferenced reflects a closed schema that keeps $defs references,
// which recursive types need.
func GenerateReferenced(value any) *jsonschema.Schema {
	return reflect(value, &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		ExpandedStruct:            true,
	})
}

func reflect(value any, reflector *jsonschema.Reflector) *jsonschema.Schema {
	s := reflector.Reflect(value)
	if s.Version == "" {
		s.Version = jsonschema.Version
	}
	return s
}
