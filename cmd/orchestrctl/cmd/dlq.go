package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskmesh/orchestrator/internal/retry"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage the dead-letter archive",
}

var dlqListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List archived tasks",
	RunE:    runDLQList,
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Force a DLQ'd task back onto the retry queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQRetry,
}

var dlqRetryMaxAttempts int

func init() {
	dlqRetryCmd.Flags().IntVar(&dlqRetryMaxAttempts, "max-attempts", 0, "override the error class's max attempts (0 keeps the class default)")
	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}

func runDLQList(cmd *cobra.Command, args []string) error {
	b, cfg, _, err := openBroker()
	if err != nil {
		return fmt.Errorf("broker connection failed: %w", err)
	}
	defer b.Close()

	dlq := retry.NewDLQ(b, cfg.DLQTTL)
	entries, err := dlq.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing dlq failed: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tAGENT\tCLASS\tATTEMPTS\tREASON")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", e.Record.TaskID, e.Record.Task.PreferredAgent, e.Record.Class, e.Record.Attempt, e.Reason)
	}
	return w.Flush()
}

func runDLQRetry(cmd *cobra.Command, args []string) error {
	b, cfg, logger, err := openBroker()
	if err != nil {
		return fmt.Errorf("broker connection failed: %w", err)
	}
	defer b.Close()

	engine := retry.New(b, retry.Config{
		RetryBase:        cfg.RetryBase,
		RetryMax:         cfg.RetryMax,
		CircuitThreshold: cfg.CircuitThreshold,
		CircuitCooldown:  cfg.CircuitCooldown,
		DLQTTL:           cfg.DLQTTL,
		MaxRetries:       cfg.MaxRetries,
	}, logger)

	if err := engine.ForceRetry(cmd.Context(), args[0], dlqRetryMaxAttempts); err != nil {
		return fmt.Errorf("force retry failed: %w", err)
	}
	fmt.Printf("task %s requeued for retry\n", args[0])
	return nil
}
