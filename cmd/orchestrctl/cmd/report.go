package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmesh/orchestrator/internal/txlog"
)

var (
	reportDay       string
	reportTopQueues int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize a day's transaction log: hourly volume, top queues, error rate",
	Long: `report reads the transaction log's daily indexes and prints an
hourly timeline, the busiest queues, and the overall error rate.

Examples:
  orchestrctl report
  orchestrctl report --day 2026-07-29 --top 5`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportDay, "day", "", "day to report on, YYYY-MM-DD (defaults to today, UTC)")
	reportCmd.Flags().IntVar(&reportTopQueues, "top", 3, "number of busiest queues to show")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	day := reportDay
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}

	b, _, _, err := openBroker()
	if err != nil {
		return fmt.Errorf("broker connection failed: %w", err)
	}
	defer b.Close()

	report := txlog.NewReport(b)
	ctx := cmd.Context()

	timeline, err := report.HourlyTimeline(ctx, day)
	if err != nil {
		return fmt.Errorf("hourly timeline failed: %w", err)
	}
	fmt.Printf("hourly volume for %s:\n", day)
	for hour, count := range timeline {
		if count == 0 {
			continue
		}
		fmt.Printf("  %02d:00  %d\n", hour, count)
	}

	top, err := report.TopQueues(ctx, day, reportTopQueues)
	if err != nil {
		return fmt.Errorf("top queues failed: %w", err)
	}
	fmt.Println("top queues:")
	for _, q := range top {
		fmt.Printf("  %s\t%d\n", q.Queue, q.Count)
	}

	errRate, err := report.ErrorRate(ctx, day)
	if err != nil {
		return fmt.Errorf("error rate failed: %w", err)
	}
	fmt.Printf("error rate: %.2f%%\n", errRate*100)
	return nil
}
