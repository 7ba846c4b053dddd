package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fleet",
		Short: "Orchestrate a hierarchy of agent instances",
		Long: `fleet starts agent sessions in tmux or a pseudo terminal, routes
correlated messages between them, enforces resource limits and supervises
stalled or looping instances.

Getting started:
  fleet validate fleet.toml fleet.yaml
  fleet run --config fleet.toml --manifest fleet.yaml
  fleet schema manifest`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.HiddenDefaultCmd = true
	root.AddCommand(newRunCmd(), newValidateCmd(), newSchemaCmd(), newVersionCmd())
	return root
}
