// Package agentrt implements the agent runtime (spec §4.5): the
// per-agent task cycle (dequeue, hook chains, model delegation, retry
// handoff) plus the dispatcher that routes incoming tasks onto an
// agent's ready queue, wiring internal/queue, internal/router,
// internal/retry, and internal/hooks together behind one Runtime.
package agentrt

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/events"
	"github.com/taskmesh/orchestrator/internal/hooks"
	"github.com/taskmesh/orchestrator/internal/logging"
	"github.com/taskmesh/orchestrator/internal/metrics"
	"github.com/taskmesh/orchestrator/internal/queue"
	"github.com/taskmesh/orchestrator/internal/retry"
	"github.com/taskmesh/orchestrator/internal/router"
	"github.com/taskmesh/orchestrator/internal/task"
)

// Config tunes the runtime's polling/processing cadences.
type Config struct {
	DequeueTimeout      time.Duration
	HookExecutorTimeout time.Duration
	RetryProcessorTick  time.Duration
}

// DefaultConfig mirrors internal/config.Config's agent-runtime defaults.
func DefaultConfig() Config {
	return Config{
		DequeueTimeout:      250 * time.Millisecond,
		HookExecutorTimeout: 30 * time.Second,
		RetryProcessorTick:  5 * time.Second,
	}
}

// Runtime wires the queue fabric, router, retry engine, and hook
// pipeline into a running pool of agent workers plus the retry
// processor that re-enqueues due retries.
type Runtime struct {
	cfg Config

	Fabric     *queue.Fabric
	Agents     *AgentRegistry
	Router     *router.Router
	Retry      *retry.Engine
	Registry   *hooks.Registry
	Executor   *hooks.Executor
	Dispatcher *Dispatcher

	// Metrics records runtime counters and a duration histogram (task
	// dispatch, completion, failure, task duration); defaults to a no-op
	// recorder. Set it before
	// calling Start so worker goroutines pick it up.
	Metrics metrics.Recorder

	client ModelClient
	b      broker.Broker
	logger logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Runtime. client is the model provider implementation
// (agentrt.NewMockClient for tests/standalone operation).
func New(b broker.Broker, bus *events.Bus, client ModelClient, retryCfg retry.Config, cfg Config, logger logging.Logger) *Runtime {
	if logger == nil {
		logger = logging.NoOp{}
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 250 * time.Millisecond
	}
	if cfg.HookExecutorTimeout <= 0 {
		cfg.HookExecutorTimeout = 30 * time.Second
	}
	if cfg.RetryProcessorTick <= 0 {
		cfg.RetryProcessorTick = 5 * time.Second
	}

	fabric := queue.New(b, bus, logger)
	agents := NewAgentRegistry()
	retryEngine := retry.New(b, retryCfg, logger)

	r := router.New(b, patternsToRouter{patterns: retry.NewPatternTable(b)}, fabric, logger)

	registry := hooks.NewRegistry(b)
	executor := hooks.NewExecutor(registry, b, cfg.HookExecutorTimeout, logger)
	registry.Register(task.HookDescriptor{ID: "security:pre-execution-safety", Type: task.HookPreTask, Priority: 100, Enabled: true},
		hooks.NewSafetyGate(b, logger))
	registry.Register(task.HookDescriptor{ID: "routing:predictive-task-router", Type: task.HookPreTaskAssignment, Priority: 95, Enabled: true},
		hooks.NewPredictiveRouter(agents, routerToHooks{r: r}))
	registry.Register(task.HookDescriptor{ID: "logging:post-execution-logging", Type: task.HookPostTask, Priority: 90, Enabled: true},
		hooks.NewPostExecutionLogging(b))

	dispatcher := NewDispatcher(fabric, r, agents, executor, b, logger)

	return &Runtime{
		cfg:        cfg,
		Fabric:     fabric,
		Agents:     agents,
		Router:     r,
		Retry:      retryEngine,
		Registry:   registry,
		Executor:   executor,
		Dispatcher: dispatcher,
		Metrics:    metrics.NoOp{},
		client:     client,
		b:          b,
		logger:     logger,
	}
}

// RegisterAgent adds an agent to the runtime's roster. Must be called
// before Start spins up that agent's worker.
func (rt *Runtime) RegisterAgent(a *task.Agent) {
	rt.Agents.Register(a)
}

// Submit routes and enqueues a new task, the producer-facing entry point.
func (rt *Runtime) Submit(ctx context.Context, t *task.Task) (string, error) {
	return rt.Dispatcher.Submit(ctx, t)
}

// Start recovers any orphaned in-flight tasks for every registered agent,
// then spins up one worker goroutine per agent plus the retry processor.
// Blocks until ctx is canceled (call Start in its own goroutine, or use
// Stop to request shutdown from elsewhere).
func (rt *Runtime) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	for _, id := range rt.Agents.IDs() {
		if _, err := rt.Fabric.RecoverOrphans(runCtx, id); err != nil {
			rt.logger.Warn("recovering orphans failed", map[string]interface{}{"agent": id, "error": err.Error()})
		}
	}

	if rt.Metrics == nil {
		rt.Metrics = metrics.NoOp{}
	}
	rt.Dispatcher.metrics = rt.Metrics

	for _, id := range rt.Agents.IDs() {
		w := &worker{
			agentID:        id,
			fabric:         rt.Fabric,
			agents:         rt.Agents,
			executor:       rt.Executor,
			retry:          rt.Retry,
			client:         rt.client,
			b:              rt.b,
			logger:         rt.logger,
			metrics:        rt.Metrics,
			dequeueTimeout: rt.cfg.DequeueTimeout,
		}
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			w.run(runCtx)
		}()
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		retry.RunProcessor(runCtx, rt.Retry, rt.Fabric, rt.cfg.RetryProcessorTick, rt.logger)
	}()

	<-runCtx.Done()
	rt.wg.Wait()
	return nil
}

// Stop requests shutdown and blocks until every worker and background
// loop has exited, flushing in-flight tasks back to their ready queues
// so the next Start (possibly after a crash) recovers them.
func (rt *Runtime) Stop(ctx context.Context) error {
	if rt.cancel != nil {
		rt.cancel()
	}
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, id := range rt.Agents.IDs() {
		if _, err := rt.Fabric.RecoverOrphans(context.Background(), id); err != nil {
			rt.logger.Warn("recovering orphans on shutdown failed", map[string]interface{}{"agent": id, "error": err.Error()})
		}
	}
	return nil
}
