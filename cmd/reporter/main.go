package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "reporter",
		Short:         "Render Grafana panels into PDF reports, on demand or on a schedule",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./reporter.yaml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newPluginCmd(&configPath),
		newValidateCronCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
