package cmd

import (
	"github.com/spf13/cobra"

	commonconfig "github.com/scaleproject/scale/internal/common/config"
	"github.com/scaleproject/scale/internal/scheduler/configuration"
)

const (
	configFlag        = "config"
	defaultConfigPath = "./config/scheduler"
	envPrefix         = "SCALE"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "scheduler",
		SilenceUsage: true,
		Short:        "The scale scheduler",
	}

	cmd.PersistentFlags().StringSlice(
		configFlag,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		pruneDbCmd(),
	)

	return cmd
}

func loadConfig(cmd *cobra.Command) (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(configFlag)
	if err != nil {
		return config, err
	}
	if _, err := commonconfig.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs, envPrefix); err != nil {
		return config, err
	}
	return config, commonconfig.Validate(config)
}
