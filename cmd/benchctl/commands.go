package main

import (
	"fmt"
	"path/filepath"

	"github.com/danmuck/benchctl/internal/config"
	"github.com/danmuck/benchctl/internal/registry"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample bench file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote bench template to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing bench file")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a bench file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			b, err := config.LoadBench(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bench %q ok: %d connectors, %d auxiliaries\n",
				b.Name, len(b.Connectors), len(b.Auxiliaries))
			return nil
		},
	}
}

// newBindingsCmd prints the proxies a bench would get without opening
// anything.
func newBindingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bindings",
		Short: "Show the proxies inserted for shared connectors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := config.LoadBench(configPath(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			binds := registry.ResolveBindings(b)
			if len(binds) == 0 {
				fmt.Fprintln(out, "no shared connectors")
				return nil
			}
			for _, bind := range binds {
				fmt.Fprintf(out, "%s -> %s (auto_start=%t)\n", bind.Connector, bind.Proxy, bind.AutoStart)
				for _, aux := range bind.Auxiliaries() {
					fmt.Fprintf(out, "  %s via %s\n", aux, bind.Channels[aux])
				}
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the benchctl version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "benchctl version %s\n", version)
		},
	}
}

func baseDir(path string) string {
	return filepath.Dir(path)
}
