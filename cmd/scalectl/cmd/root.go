package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	commonconfig "github.com/scaleproject/scale/internal/common/config"
	"github.com/scaleproject/scale/internal/common/database"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scalectl"
	"github.com/scaleproject/scale/internal/scheduler"
	"github.com/scaleproject/scale/internal/scheduler/configuration"
	schedulerdb "github.com/scaleproject/scale/internal/scheduler/database"
	"github.com/scaleproject/scale/internal/scheduler/messaging"
)

const (
	configFlag        = "config"
	timeoutFlag       = "timeout"
	defaultConfigPath = "./config/scheduler"
	envPrefix         = "SCALE"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "scalectl",
		SilenceUsage: true,
		Short:        "scalectl controls a running scale scheduler.",
	}

	cmd.PersistentFlags().StringSlice(
		configFlag,
		[]string{},
		"Fully qualified path to the scheduler configuration file (for multiple config files repeat this arg or separate paths with commas)")
	cmd.PersistentFlags().Duration(
		timeoutFlag,
		30*time.Second,
		"Duration after which the command fails if it has not completed")

	cmd.AddCommand(
		pauseCmd(),
		resumeCmd(),
		cancelCmd(),
		requeueCmd(),
		reprocessCmd(),
		validateCmd(),
	)

	return cmd
}

// withApp connects to the scheduler database and message broker named in the configuration and runs action.
func withApp(cmd *cobra.Command, action func(ctx *scalecontext.Context, app *scalectl.App) error) error {
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(configFlag)
	if err != nil {
		return errors.WithStack(err)
	}
	timeout, err := cmd.Flags().GetDuration(timeoutFlag)
	if err != nil {
		return errors.WithStack(err)
	}
	var config configuration.Configuration
	if _, err := commonconfig.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs, envPrefix); err != nil {
		return err
	}

	c, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx := scalecontext.New(c, log.NewEntry(log.StandardLogger()))

	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "Failed to connect to database")
	}
	defer db.Close()

	broker, dedup, closeBroker, err := scheduler.CreateBroker(config, clock.RealClock{})
	if err != nil {
		return errors.WithMessage(err, "Failed to connect to message broker")
	}
	defer closeBroker()

	app := scalectl.New(
		schedulerdb.NewPostgresNodeRepository(db),
		schedulerdb.NewPostgresSchedulerRepository(db),
		messaging.NewProducer(broker, dedup),
	)
	app.Out = cmd.OutOrStdout()
	return action(ctx, app)
}
