package cmd

import (
	"github.com/spf13/cobra"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scalectl"
)

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <jobId>...",
		Short: "Cancels jobs",
		Long:  "Cancels jobs that have not finished. Running jobs are canceled once their task has been killed.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx *scalecontext.Context, app *scalectl.App) error {
				return app.CancelJobs(ctx, args)
			})
		},
	}
}

func requeueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue <jobId>...",
		Short: "Puts failed or canceled jobs back in the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var priority *int
			if cmd.Flags().Changed("priority") {
				p, err := cmd.Flags().GetInt("priority")
				if err != nil {
					return err
				}
				priority = &p
			}
			return withApp(cmd, func(ctx *scalecontext.Context, app *scalectl.App) error {
				return app.RequeueJobs(ctx, args, priority)
			})
		},
	}
	cmd.Flags().Int("priority", 0, "New priority of the requeued jobs; lower runs first")
	return cmd
}
