package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tflow/attachstore/internal/records/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Apply pending migrations to the attachment record database configured by
database.dsn (or ATTACHSTORE_DATABASE_DSN).

Examples:
  attachd migrate --config /etc/attachstore/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return errors.New("no database configured")
	}
	logger, logCloser, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	logger.Info("Running database migrations")
	if err := postgres.Migrate(cfg.Database.DSN, logger); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// make sure the migrated schema is reachable with the runtime driver
	db, err := postgres.Connect(context.Background(), cfg.Database.DSN, logger)
	if err != nil {
		return fmt.Errorf("migration verification failed: %w", err)
	}
	db.Close()

	fmt.Fprintln(cmd.OutOrStdout(), "Migrations completed successfully")
	return nil
}
