package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:     "agents",
	Aliases: []string{"ps"},
	Short:   "List registered agents and their ready-queue depth",
	RunE:    runAgents,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	b, cfg, logger, err := openBroker()
	if err != nil {
		return fmt.Errorf("broker connection failed: %w", err)
	}
	defer b.Close()

	rt, err := buildRuntime(b, cfg, logger)
	if err != nil {
		return fmt.Errorf("building runtime failed: %w", err)
	}

	ctx := cmd.Context()
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tMODEL\tSTATUS\tQUEUE DEPTH")
	for _, a := range rt.Agents.All() {
		depth, err := rt.Fabric.Depth(ctx, a.ID)
		if err != nil {
			depth = -1
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", a.ID, a.Model, a.Status, depth)
	}
	return w.Flush()
}
