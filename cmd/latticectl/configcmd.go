package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/latticectl/internal/config"
	"github.com/spf13/cobra"
)

func (a *app) configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or validate latticectl.toml",
		// Skips the root config load so a broken file can still be inspected or replaced.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter config with every default spelled out",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := config.DefaultPath
			if len(args) == 1 {
				path = strings.TrimSpace(args[0])
			}
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			_, err := fmt.Fprintf(a.out, "Wrote config template to %s\n", path)
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Check a config file without contacting the lattice",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := strings.TrimSpace(a.configPath)
			if len(args) == 1 {
				path = strings.TrimSpace(args[0])
			}
			if path == "" {
				path = config.DefaultPath
			}
			if _, err := config.Load(path); err != nil {
				return err
			}
			_, err := fmt.Fprintf(a.out, "Validated config at %s\n", path)
			return err
		},
	}

	cfgCmd.AddCommand(initCmd, validateCmd)
	return cfgCmd
}
