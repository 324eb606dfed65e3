package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"engwewatch/internal/monitor"
)

var simulateCategory string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次指定类别的告警并通过已配置通道发送",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCategory == "" {
			return errors.New("--category 不能为空")
		}

		report, err := getApp().SimulateAlert(cmd.Context(), simulateCategory)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "alerts: %d, delivered: %d, failed: %d\n", report.Alerts, report.Delivered, report.Failed)
		return nil
	},
}

func init() {
	names := make([]string, len(monitor.Categories))
	for i, c := range monitor.Categories {
		names[i] = c.String()
	}
	simulateCmd.Flags().StringVar(&simulateCategory, "category", "", "告警类别: "+strings.Join(names, ", "))
}
