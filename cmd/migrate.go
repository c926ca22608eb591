package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/config"
	"github.com/JakeFAU/crawl-scheduler/internal/logging"
	pgstore "github.com/JakeFAU/crawl-scheduler/internal/storage/postgres"
)

func newMigrateCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Applies or rolls back the Postgres schema",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Rolls back the most recent migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			dsn, logger, err := migrationTarget(*cfgFile)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return pgstore.MigrateDown(dsn, steps, logger)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	up := &cobra.Command{
		Use:   "up",
		Short: "Applies every pending migration",
		RunE: func(_ *cobra.Command, _ []string) error {
			dsn, logger, err := migrationTarget(*cfgFile)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return pgstore.MigrateUp(dsn, logger)
		},
	}

	cmd.AddCommand(up, down)
	return cmd
}

func migrationTarget(cfgFile string) (string, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.DSN == "" {
		return "", nil, fmt.Errorf("database.dsn is required for migrations")
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return "", nil, fmt.Errorf("logger init failed: %w", err)
	}
	return cfg.Database.DSN, logger.Named("migrate"), nil
}
