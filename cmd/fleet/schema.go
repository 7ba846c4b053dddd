package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fleet/internal/config"
	"fleet/internal/instance"
	"fleet/internal/schema"
)

func newSchemaCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "schema [name]",
		Short: "Print the JSON Schema of a spawn config or manifest",
		Long: fmt.Sprintf(`Print the JSON Schema for one of the documents fleet accepts.

Known schemas: %s (default) and %s.`, instance.SchemaSpawnConfig, config.SchemaManifest),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(schema.Names(), "\n"))
				return nil
			}
			name := instance.SchemaSpawnConfig
			if len(args) == 1 {
				name = args[0]
			}
			payload, err := schema.Marshal(name)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(payload)
			return err
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List the known schema names")
	return cmd
}
