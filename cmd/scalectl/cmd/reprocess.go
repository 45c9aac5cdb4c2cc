package cmd

import (
	"github.com/spf13/cobra"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scalectl"
)

func reprocessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprocess <recipeId>",
		Short: "Reprocesses a recipe",
		Long:  "Creates a recipe superseding the given one. Nodes whose definition changed, the forced nodes and everything depending on them run again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := cmd.Flags().GetStringSlice("nodes")
			if err != nil {
				return err
			}
			all, err := cmd.Flags().GetBool("all")
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx *scalecontext.Context, app *scalectl.App) error {
				_, err := app.ReprocessRecipe(ctx, args[0], nodes, all)
				return err
			})
		},
	}
	cmd.Flags().StringSlice("nodes", []string{}, "Nodes to re-run even if unchanged")
	cmd.Flags().Bool("all", false, "Re-run every node")
	return cmd
}
