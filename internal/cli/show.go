package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"engwewatch/internal/app"
	"engwewatch/internal/monitor"
)

var (
	showLimit      int
	showCategory   string
	showAlertsOnly bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent monitoring history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:      showLimit,
			Category:   showCategory,
			AlertsOnly: showAlertsOnly,
		}

		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of entries to display")
	showCmd.Flags().StringVar(&showCategory, "category", "", fmt.Sprintf("Only show one category (e.g. %s, %s)", monitor.CategoryLowStock, monitor.EntryScanError))
	showCmd.Flags().BoolVar(&showAlertsOnly, "alerts", false, "Only show alert entries")
}
