package config

import (
	"github.com/invopop/jsonschema"

	"fleet/internal/schema"
)

const SchemaManifest = "manifest"

func init() {
	_ = schema.Register(SchemaManifest, func() *jsonschema.Schema {
		s := schema.GenerateReferenced(Manifest{})
		s.Title = "fleet manifest"
		return s
	})
}
