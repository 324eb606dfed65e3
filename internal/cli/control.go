package cli

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show monitor state, tracked products and recent alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context(), cmd.OutOrStdout())
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a scan now, in the running monitor when there is one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Scan(cmd.Context(), cmd.OutOrStdout())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Stop(cmd.Context(), cmd.OutOrStdout())
	},
}
