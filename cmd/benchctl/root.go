package main

import (
	"github.com/danmuck/benchctl/internal/logging"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "bench.toml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "benchctl",
		Short: "Bring up and drive an integration test bench",
		Long: `benchctl reads a bench file describing connectors, flashers and
auxiliaries, builds them, inserts proxies where auxiliaries share a
connector and keeps the bench running until interrupted.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	root.SetVersionTemplate(`{{printf "benchctl version %s\n" .Version}}`)
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "bench file")

	root.AddCommand(newInitCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newBindingsCmd())
	root.AddCommand(newUpCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return defaultConfigPath
	}
	return path
}
