package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"engwewatch/internal/app"
)

var (
	exportFrom    string
	exportTo      string
	exportPNGPath string
	exportCSVPath string
	exportMaxDays int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export history as CSV and/or a PNG chart of daily alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath: exportPNGPath,
			CSVPath: exportCSVPath,
			MaxDays: exportMaxDays,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write history CSV")
	exportCmd.Flags().IntVar(&exportMaxDays, "max-days", 0, "Default window and maximum plotted days (defaults to config)")
}
