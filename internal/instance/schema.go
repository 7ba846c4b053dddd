package instance

import (
	"github.com/invopop/jsonschema"

	"fleet/internal/schema"
)

const SchemaSpawnConfig = "spawn-config"

func init() {
	_ = schema.Register(SchemaSpawnConfig, func() *jsonschema.Schema {
		s := schema.Generate(SpawnConfig{})
		s.Title = "fleet spawn config"
		return s
	})
}
