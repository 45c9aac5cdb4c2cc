package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/scaleproject/scale/internal/common/database"
	schedulerdb "github.com/scaleproject/scale/internal/scheduler/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the scheduler database to the latest version",
		RunE:  migrateDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the migration will fail if it has not completed")
	return cmd
}

func migrateDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	start := time.Now()
	log.Info("Beginning scheduler database migration")
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "Failed to connect to database")
	}
	defer db.Close()
	if err := schedulerdb.Migrate(ctx, db); err != nil {
		return errors.WithMessage(err, "Failed to migrate scheduler database")
	}
	log.Infof("Scheduler database migrated in %s", time.Since(start))
	return nil
}
