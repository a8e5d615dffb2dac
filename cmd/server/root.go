package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "espgate",
		Short: "espgate - plugin-driven reverse-proxy gateway",
		Long: `espgate routes inbound calls by path to services contributed by plugin
archives. Every call passes the service's circuit breaker and rate limiter,
and every reply carries usage and technical metrics.

Plugin archives are read from a directory that can be watched for changes.`,
		Version:       version(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newPluginsCmd())
	root.AddCommand(newVersionCmd())
	return root
}
