package cmd

import (
	"github.com/spf13/cobra"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scalectl"
)

func pauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Stop placing new work",
		Long:  "Stop placing new work on a node or on every node. Running executions are not affected.",
	}
	cmd.AddCommand(pauseNodeCmd(), pauseSchedulerCmd())
	return cmd
}

func resumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume placing new work",
	}
	cmd.AddCommand(resumeNodeCmd(), resumeSchedulerCmd())
	return cmd
}

func pauseNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node <hostname>",
		Short: "Pause scheduling on a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, err := cmd.Flags().GetString("reason")
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx *scalecontext.Context, app *scalectl.App) error {
				return app.PauseNode(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().String("reason", "", "Why the node is paused")
	return cmd
}

func resumeNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "node <hostname>",
		Short: "Resume scheduling on a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx *scalecontext.Context, app *scalectl.App) error {
				return app.ResumeNode(ctx, args[0])
			})
		},
	}
}

func pauseSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Pause scheduling of queued jobs on every node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx *scalecontext.Context, app *scalectl.App) error {
				return app.SetSchedulerPaused(ctx, true)
			})
		},
	}
}

func resumeSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Resume scheduling of queued jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx *scalecontext.Context, app *scalectl.App) error {
				return app.SetSchedulerPaused(ctx, false)
			})
		},
	}
}
