package agentrt

import (
	"context"
	"fmt"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/hooks"
	"github.com/taskmesh/orchestrator/internal/logging"
	"github.com/taskmesh/orchestrator/internal/metrics"
	"github.com/taskmesh/orchestrator/internal/queue"
	"github.com/taskmesh/orchestrator/internal/router"
	"github.com/taskmesh/orchestrator/internal/task"
)

// Dispatcher implements the producer-facing half of spec §3's data flow:
// classify the task, score candidate agents, and move it onto the chosen
// agent's ready queue. Routing prefers the pre-task-assignment hook chain
// (so the predictive-task-router hook, if registered, can be swapped out
// or skipped per the hook pipeline's design); it falls back to calling
// the router directly when no hook supplies a preferred_agent.
type Dispatcher struct {
	fabric   *queue.Fabric
	router   *router.Router
	agents   *AgentRegistry
	executor *hooks.Executor
	b        broker.Broker
	logger   logging.Logger
	metrics  metrics.Recorder
}

func (d *Dispatcher) recorder() metrics.Recorder {
	if d.metrics == nil {
		return metrics.NoOp{}
	}
	return d.metrics
}

// NewDispatcher builds a Dispatcher over the given collaborators.
func NewDispatcher(fabric *queue.Fabric, r *router.Router, agents *AgentRegistry, executor *hooks.Executor, b broker.Broker, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Dispatcher{fabric: fabric, router: r, agents: agents, executor: executor, b: b, logger: logger}
}

// Submit routes t to an agent and enqueues it onto that agent's ready
// queue, returning the chosen agent id.
func (d *Dispatcher) Submit(ctx context.Context, t *task.Task) (string, error) {
	candidates := d.agents.All()

	hc := hooks.NewContext(nil, t, d.snapshot(ctx))
	res, err := d.executor.Execute(ctx, task.HookPreTaskAssignment, hc, hooks.ChainConfig{Sequential: true})
	if err != nil {
		return "", fmt.Errorf("pre-task-assignment hook chain: %w", err)
	}
	if res.Blocked {
		return "", fmt.Errorf("task %s blocked at assignment: %s", t.ID, res.BlockReason)
	}
	hc.ApplyModifications()

	agentID := t.PreferredAgent
	if agentID == "" {
		decision, err := d.router.Route(ctx, t, candidates)
		if err != nil {
			return "", err
		}
		agentID = decision.PrimaryAgent
		t.PreferredAgent = agentID
	}

	if err := d.fabric.Enqueue(ctx, agentID, t); err != nil {
		return "", err
	}
	d.recorder().Counter(ctx, "task_dispatched", "agent", agentID, "type", t.Type)
	if d.b != nil {
		_ = d.b.Publish(ctx, broker.AgentEventChannel(agentID, "task_assigned"), fmt.Sprintf(`{"task_id":%q}`, t.ID))
	}
	return agentID, nil
}

func (d *Dispatcher) snapshot(ctx context.Context) hooks.SystemSnapshot {
	agents := d.agents.IDs()
	var total int64
	for _, id := range agents {
		if n, err := d.fabric.Depth(ctx, id); err == nil {
			total += n
		}
	}
	return hooks.SystemSnapshot{ActiveAgents: agents, TotalQueueDepth: total}
}
