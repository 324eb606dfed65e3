package cli

import (
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"run"},
	Short:   "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Start(cmd.Context())
	},
}
