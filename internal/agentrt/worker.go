package agentrt

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/hooks"
	"github.com/taskmesh/orchestrator/internal/logging"
	"github.com/taskmesh/orchestrator/internal/metrics"
	"github.com/taskmesh/orchestrator/internal/queue"
	"github.com/taskmesh/orchestrator/internal/retry"
	"github.com/taskmesh/orchestrator/internal/task"
)

// worker runs one agent's task cycle, implementing spec §4.5 step by
// step: dequeue, build context, pre-task chain, apply modifications,
// delegate to the model client, post-task/task-error chain, report and
// clear in-flight.
type worker struct {
	agentID string

	fabric   *queue.Fabric
	agents   *AgentRegistry
	executor *hooks.Executor
	retry    *retry.Engine
	client   ModelClient
	b        broker.Broker
	logger   logging.Logger
	metrics  metrics.Recorder

	dequeueTimeout time.Duration
}

func (w *worker) recorder() metrics.Recorder {
	if w.metrics == nil {
		return metrics.NoOp{}
	}
	return w.metrics
}

func (w *worker) run(ctx context.Context) {
	w.agents.SetStatus(w.agentID, task.AgentIdle)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, err := w.fabric.Dequeue(ctx, w.agentID, w.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", map[string]interface{}{"agent": w.agentID, "error": err.Error()})
			continue
		}
		if t == nil {
			continue
		}

		w.agents.SetStatus(w.agentID, task.AgentWorking)
		w.processTask(ctx, t)
		w.agents.SetStatus(w.agentID, task.AgentIdle)
	}
}

func (w *worker) processTask(ctx context.Context, t *task.Task) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task cycle panicked", map[string]interface{}{
				"agent": w.agentID, "task": t.ID, "panic": fmt.Sprintf("%v", r), "stack": string(debug.Stack()),
			})
			_ = w.fabric.Complete(ctx, w.agentID, t)
		}
	}()

	agent, _ := w.agents.Get(w.agentID)
	hc := hooks.NewContext(agent, t, w.snapshot(ctx))
	hc.Exec.StartedAt = time.Now()

	preRes, err := w.executor.Execute(ctx, task.HookPreTask, hc, hooks.ChainConfig{Sequential: true})
	if err != nil {
		w.logger.Error("pre-task hook chain failed", map[string]interface{}{"agent": w.agentID, "task": t.ID, "error": err.Error()})
	}
	if preRes != nil && preRes.Blocked {
		w.publish(ctx, broker.AgentEventChannel(w.agentID, "failed"), t.ID)
		_ = w.fabric.Complete(ctx, w.agentID, t)
		return
	}
	hc.ApplyModifications()

	opts := &ModelOptions{}
	if agent != nil {
		opts.Model = agent.Model
	}
	start := time.Now()
	resp, genErr := w.client.Generate(ctx, hc.Task.Prompt, opts)
	hc.Exec.Duration = time.Since(start)

	if genErr == nil {
		hc.Exec.Result = resp.Content
		if _, err := w.executor.Execute(ctx, task.HookPostTask, hc, hooks.ChainConfig{}); err != nil {
			w.logger.Warn("post-task hook chain failed", map[string]interface{}{"agent": w.agentID, "task": t.ID, "error": err.Error()})
		}
		w.recordSuccess(ctx, t)
		w.recorder().Counter(ctx, "agent_task_completed", "agent", w.agentID)
		w.recorder().Histogram(ctx, "agent_task_duration_seconds", hc.Exec.Duration.Seconds(), "agent", w.agentID)
		w.publish(ctx, broker.AgentEventChannel(w.agentID, "completed"), t.ID)
		_ = w.fabric.Complete(ctx, w.agentID, t)
		return
	}

	hc.Exec.Error = genErr.Error()
	if _, err := w.executor.Execute(ctx, task.HookTaskError, hc, hooks.ChainConfig{ContinueOnError: true}); err != nil {
		w.logger.Warn("task-error hook chain failed", map[string]interface{}{"agent": w.agentID, "task": t.ID, "error": err.Error()})
	}

	attempt := 1
	if t.RetryMetadata != nil {
		attempt = t.RetryMetadata.Attempt + 1
	}
	if _, err := w.retry.ScheduleRetry(ctx, t, genErr.Error(), attempt); err != nil {
		w.logger.Error("schedule retry failed", map[string]interface{}{"agent": w.agentID, "task": t.ID, "error": err.Error()})
	}
	w.recorder().Counter(ctx, "agent_task_failed", "agent", w.agentID)
	w.publish(ctx, broker.AgentEventChannel(w.agentID, "failed"), t.ID)
	_ = w.fabric.Complete(ctx, w.agentID, t)
}

// recordSuccess closes the circuit and records recovery time for the
// error class this task was previously retrying under, if any; a task
// that succeeded on its first attempt has no class to close.
func (w *worker) recordSuccess(ctx context.Context, t *task.Task) {
	if t.RetryMetadata == nil {
		return
	}
	class := t.RetryMetadata.Class
	recovery := time.Since(t.RetryMetadata.RetryStartedAt)
	if err := w.retry.RecordSuccess(ctx, w.agentID, class, recovery); err != nil {
		w.logger.Warn("record retry success failed", map[string]interface{}{"agent": w.agentID, "task": t.ID, "error": err.Error()})
	}
}

func (w *worker) snapshot(ctx context.Context) hooks.SystemSnapshot {
	ids := w.agents.IDs()
	var total int64
	for _, id := range ids {
		if n, err := w.fabric.Depth(ctx, id); err == nil {
			total += n
		}
	}
	return hooks.SystemSnapshot{ActiveAgents: ids, TotalQueueDepth: total}
}

func (w *worker) publish(ctx context.Context, channel, taskID string) {
	if w.b == nil {
		return
	}
	_ = w.b.Publish(ctx, channel, fmt.Sprintf(`{"task_id":%q}`, taskID))
}
