package cmd

import (
	"github.com/spf13/cobra"

	"github.com/scaleproject/scale/internal/scalectl"
)

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate definitions before loading them",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "recipe <file>",
		Short: "Validate a recipe definition written as YAML or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := scalectl.New(nil, nil, nil)
			app.Out = cmd.OutOrStdout()
			return app.ValidateRecipe(args[0])
		},
	})
	return cmd
}
