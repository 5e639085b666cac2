// Package app provides the authbridge command line.
package app

import (
	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-authbridge/internal/config"
)

// Version is set at build time with -ldflags "-X .../app.Version=..."
var Version = "dev"

// NewRootCmd creates the authbridge command tree
func NewRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:               "authbridge",
		Short:             "OAuth authorization bridge for AI agents",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Long: `authbridge lets AI agents sign users in through an existing identity provider
session and hands out short-lived access tokens plus revocable refresh tokens.`,
		Version: Version,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.ReadFile(v, configFile)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (yaml, json or toml)")
	cobra.CheckErr(config.BindFlags(v, rootCmd.PersistentFlags()))

	rootCmd.AddCommand(newServeCmd(v), newMigrateCmd(v))
	return rootCmd
}
