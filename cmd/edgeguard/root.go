package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree.
func newRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "edgeguard",
		Short: "HMAC-signed security gateway with an OAuth2 authorization server",
		Long: `edgeguard inspects inbound HTTP requests, verifies HMAC-SHA512 request
signatures with anti-replay protection, tracks a risk score that trips a
circuit breaker, and serves OAuth2 authorization, token, introspection,
userinfo and revocation endpoints.

Configuration is read from EDGEGUARD_* environment variables and an
optional .env file.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "edgeguard version %s\n" .Version}}`)

	root.AddCommand(newServeCmd(version))
	root.AddCommand(newKeygenCmd())
	root.AddCommand(newVersionCmd(version))
	return root
}
