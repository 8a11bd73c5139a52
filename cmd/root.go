package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Flags
	flagConfig   string
	flagLogLevel string
	flagSecret   string
)

var rootCmd = &cobra.Command{
	Use:   "codexbridge",
	Short: "Natural-language command relay for remote developer machines",
	Long: `codexbridge bridges a messaging gateway to developer machines running a
local agent. Chat messages are classified into typed commands (help, status,
plan, patch, apply, test), relayed to the target machine over a WebSocket
session, tracked in flight, and recorded in a durable audit trail.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: /etc/codexbridge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagSecret, "secret", "", "Admin API secret (env: CODEXBRIDGE_ADMIN_SECRET)")
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("codexbridge %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveSecret returns the admin secret from flag or environment.
func resolveSecret() string {
	if flagSecret != "" {
		return flagSecret
	}
	return os.Getenv("CODEXBRIDGE_ADMIN_SECRET")
}
