package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"fleet/internal/config"
	"fleet/internal/instance"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check config, manifest and spawn config files",
		Long: `Validate each file by its extension:
  .toml         daemon config (environment overrides are ignored)
  .yaml, .yml   fleet manifest
  .json         single spawn config`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if err := validateFile(path); err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validateFile(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := config.Load(config.LoadOptions{Path: path, Getenv: func(string) string { return "" }})
		return err
	case ".yaml", ".yml":
		_, err := config.LoadManifest(path)
		return err
	case ".json":
		payload, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = instance.DecodeSpawnJSON(payload)
		return err
	default:
		return errors.New("unknown file type; expected .toml, .yaml, .yml or .json")
	}
}
