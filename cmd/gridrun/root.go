package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gogpu/gridrun"
)

func newRootCmd(run runner) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "gridrun",
		Short: "Run a single WGSL compute dispatch to completion",
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if !verbose {
				return
			}
			gridrun.SetLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: slog.LevelDebug,
			})))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log state transitions and device details to stderr")
	cmd.AddCommand(newRunCmd(run))
	return cmd
}
