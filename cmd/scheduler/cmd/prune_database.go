package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/scaleproject/scale/internal/common/database"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	schedulerdb "github.com/scaleproject/scale/internal/scheduler/database"
)

func pruneDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pruneDatabase",
		Short: "removes old task updates from the database",
		RunE:  pruneDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the job will fail if it has not completed")
	cmd.Flags().Int(
		"batchsize",
		10000,
		"Number of rows that will be deleted in a single batch")
	cmd.Flags().Duration(
		"expireAfter",
		7*24*time.Hour,
		"Age after which task updates are removed")
	return cmd
}

func pruneDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	batchSize, err := cmd.Flags().GetInt("batchsize")
	if err != nil {
		return errors.WithStack(err)
	}
	expireAfter, err := cmd.Flags().GetDuration("expireAfter")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "Failed to connect to database")
	}
	defer db.Close()

	repo := schedulerdb.NewPostgresTaskUpdateRepository(db)
	deleted, err := repo.PruneTaskUpdates(scalecontext.New(ctx, log.NewEntry(log.StandardLogger())), time.Now().Add(-expireAfter), batchSize)
	if err != nil {
		return errors.WithMessagef(err, "Failed after deleting %d task updates", deleted)
	}
	return nil
}
