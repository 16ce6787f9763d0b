package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/taskmesh/orchestrator/internal/task"
)

var (
	submitType       string
	submitPrompt     string
	submitPriority   string
	submitComplexity int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task and print the agent it was routed to",
	Long: `submit builds a task from the given flags, routes it through the
same dispatcher orchestratord uses, and enqueues it on the chosen
agent's ready queue.

Examples:
  orchestrctl submit --type analysis --prompt "summarize the incident"
  orchestrctl submit --type code --prompt "review diff.patch" --priority high`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitType, "type", "general", "task type/category used for capability scoring")
	submitCmd.Flags().StringVar(&submitPrompt, "prompt", "", "prompt text sent to the agent's model")
	submitCmd.Flags().StringVar(&submitPriority, "priority", "normal", "deferred, low, normal, high, or critical")
	submitCmd.Flags().IntVar(&submitComplexity, "complexity", 1, "estimated complexity, 1-10")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if submitPrompt == "" {
		return fmt.Errorf("--prompt is required")
	}
	priority, err := parsePriority(submitPriority)
	if err != nil {
		return err
	}

	b, cfg, logger, err := openBroker()
	if err != nil {
		return fmt.Errorf("broker connection failed: %w", err)
	}
	defer b.Close()

	rt, err := buildRuntime(b, cfg, logger)
	if err != nil {
		return fmt.Errorf("building runtime failed: %w", err)
	}

	t := &task.Task{
		ID:         uuid.NewString(),
		Type:       submitType,
		Prompt:     submitPrompt,
		Priority:   priority,
		Complexity: submitComplexity,
		CreatedAt:  time.Now(),
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.HookExecutorTimeout)
	defer cancel()
	agentID, err := rt.Submit(ctx, t)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}

	fmt.Printf("task %s routed to %s\n", t.ID, agentID)
	return nil
}

func parsePriority(s string) (task.Priority, error) {
	switch s {
	case "deferred":
		return task.PriorityDeferred, nil
	case "low":
		return task.PriorityLow, nil
	case "normal":
		return task.PriorityNormal, nil
	case "high":
		return task.PriorityHigh, nil
	case "critical":
		return task.PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}
