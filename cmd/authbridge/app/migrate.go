package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/giantswarm/mcp-authbridge/internal/config"
	"github.com/giantswarm/mcp-authbridge/server"
)

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the sql storage backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Decode(v)
			if err != nil {
				return err
			}
			if cfg.Storage.Backend != config.BackendSQL {
				return &server.ConfigError{Field: "storage.backend", Reason: "migrate needs the sql backend"}
			}
			if cfg.Storage.SQLDSN == "" {
				return &server.ConfigError{Field: "storage.sql_dsn", Reason: "is required for the sql backend"}
			}
			logger := cfg.NewLogger(os.Stderr)

			store, err := openSQLStore(cmd.Context(), cfg.Storage, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			applied, err := store.Migrate(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			cmd.Printf("applied %d migration(s)\n", applied)
			return nil
		},
	}
}
