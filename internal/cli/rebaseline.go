package cli

import (
	"github.com/spf13/cobra"

	"engwewatch/internal/app"
)

var rebaselineDryRun bool

var rebaselineCmd = &cobra.Command{
	Use:   "rebaseline",
	Short: "Replace the baseline with the current catalog without alerting",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Rebaseline(cmd.Context(), cmd.OutOrStdout(), app.RebaselineOptions{DryRun: rebaselineDryRun})
	},
}

func init() {
	rebaselineCmd.Flags().BoolVar(&rebaselineDryRun, "dry-run", false, "Report pending changes without replacing the baseline")
}
