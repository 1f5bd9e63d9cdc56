package config

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers the scenario override flags on a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	RegisterOverrideFlags(cmd.Flags())
}

// RegisterOverrideFlags adds the flags that override scenario document values.
// Every flag can also be set through a PROXYLOAD_ prefixed environment variable.
func RegisterOverrideFlags(flags *pflag.FlagSet) {
	flags.Int("vus", 0, "Override vus of constant-vus scenarios")
	flags.Duration("duration", 0, "Override duration of constant-vus scenarios (e.g. 30s, 1m)")
	flags.Bool("insecure-skip-tls-verify", false, "Skip TLS certificate verification for all targets")
	flags.String("otel-endpoint", "", "OTLP endpoint to export request spans to")
}
