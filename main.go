package main

import (
	"fmt"
	"os"

	"github.com/autoreply/wa-autoreply/internal/config"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the CLI; without a subcommand it runs the server
func newRootCmd() *cobra.Command {
	var envFiles []string

	rootCmd := &cobra.Command{
		Use:   "wa-autoreply",
		Short: "WhatsApp multi-device auto-reply server",
		Long: `Runs several WhatsApp devices side by side and answers inbound messages
with keyword rules, falling back to an AI model when no rule matches.

Examples:
  wa-autoreply                      # same as "serve"
  wa-autoreply serve --port 8080
  wa-autoreply devices
  wa-autoreply hash-password`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			config.LoadEnvFiles(envFiles...)
		},
	}
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", config.DefaultEnvFiles, "env files to load; variables already set win")

	serveCmd := newServeCmd()
	rootCmd.RunE = serveCmd.RunE
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())

	rootCmd.AddCommand(
		serveCmd,
		newDevicesCmd(),
		newHashPasswordCmd(),
	)
	return rootCmd
}
