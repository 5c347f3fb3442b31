package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the authproxy binary.
var rootCmd = &cobra.Command{
	Use:   "authproxy",
	Short: "Nonce-gated reverse auth proxy for the storefront API",
	Long: `authproxy sits between the storefront frontend and the backend REST API.
It issues short-lived session cookies bound to the caller's IP, User-Agent
and Origin, rate-limits both its endpoints, and forwards verified requests
downstream with a brokered bearer token.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "authproxy version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
