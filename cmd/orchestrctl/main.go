// Command orchestrctl is the operator-facing admin CLI: it talks to the
// same broker orchestratord uses to submit tasks, inspect queue depth,
// and manage the dead-letter archive, without running a full runtime.
package main

import (
	"os"

	"github.com/taskmesh/orchestrator/cmd/orchestrctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
