package cmd

import (
	"github.com/spf13/cobra"

	"github.com/scaleproject/scale/internal/common/logging"
	"github.com/scaleproject/scale/internal/scheduler"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the scheduler",
		RunE:  runScheduler,
	}
	return cmd
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := logging.ConfigureApplicationLogging(config.Logging); err != nil {
		return err
	}
	return scheduler.Run(config)
}
