package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/errs"
	"github.com/taskmesh/orchestrator/internal/logging"
	"github.com/taskmesh/orchestrator/internal/task"
)

// ChainConfig is a named composition of hook-type steps.
type ChainConfig struct {
	Name            string
	Sequential      bool // default false: parallel
	ContinueOnError bool
}

// ExecutionResult is the aggregate outcome of one Executor.Execute call.
type ExecutionResult struct {
	ExecutionID string            `json:"execution_id"`
	HookType    task.HookType     `json:"hook_type"`
	Results     []task.HookResult `json:"results"`
	Blocked     bool              `json:"blocked"`
	BlockReason string            `json:"block_reason,omitempty"`
	Violations  []Violation       `json:"violations,omitempty"`
}

// hookTypeStats are the running aggregate metrics kept per hook type.
type hookTypeStats struct {
	mu            sync.Mutex
	count         int
	successCount  int
	failureCount  int
	totalDuration time.Duration
}

// Executor runs the registry's hooks of a given type, in parallel
// (default) or sequential mode, honoring per-hook timeouts and
// continueOnError.
type Executor struct {
	registry    *Registry
	b           broker.Broker
	logger      logging.Logger
	defaultTimeout time.Duration

	statsMu sync.Mutex
	stats   map[task.HookType]*hookTypeStats

	historyMu sync.Mutex
	history   []ExecutionResult
}

// NewExecutor builds an Executor. defaultTimeout is the executor-level
// ceiling (spec default 30s); an individual hook's own timeout can only
// shorten it, never extend it (min(hook.timeout, executor.timeout)).
func NewExecutor(registry *Registry, b broker.Broker, defaultTimeout time.Duration, logger logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NoOp{}
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Executor{
		registry:       registry,
		b:              b,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		stats:          make(map[task.HookType]*hookTypeStats),
	}
}

// Execute runs every enabled hook of hookType against hc, honoring cfg's
// parallel/sequential mode and continueOnError, and returns the
// aggregated result.
func (e *Executor) Execute(ctx context.Context, hookType task.HookType, hc *Context, cfg ChainConfig) (*ExecutionResult, error) {
	descs := e.registry.ByType(hookType)
	execResult := &ExecutionResult{
		ExecutionID: uuid.NewString(),
		HookType:    hookType,
	}

	if cfg.Sequential {
		e.runSequential(ctx, descs, hc, cfg, execResult)
	} else {
		e.runParallel(ctx, descs, hc, cfg, execResult)
	}

	e.recordStats(hookType, execResult.Results)
	e.persist(ctx, execResult)
	return execResult, nil
}

func (e *Executor) runSequential(ctx context.Context, descs []task.HookDescriptor, hc *Context, cfg ChainConfig, out *ExecutionResult) {
	for _, desc := range descs {
		result, decision, err := e.runOne(ctx, desc, hc)
		out.Results = append(out.Results, result)

		if decision.Block {
			out.Blocked = true
			out.BlockReason = decision.Reason
			out.Violations = decision.Violations
			return
		}
		hc.MergeModifications(result.ContextModifications)

		if err != nil && !cfg.ContinueOnError {
			return
		}
		if result.StopChain {
			return
		}
	}
}

func (e *Executor) runParallel(ctx context.Context, descs []task.HookDescriptor, hc *Context, cfg ChainConfig, out *ExecutionResult) {
	// With ContinueOnError off, the first hook error cancels the context
	// the still-running hooks share.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, desc := range descs {
		wg.Add(1)
		go func(d task.HookDescriptor) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("hook execution panicked", map[string]interface{}{
						"hook_id": d.ID, "panic": fmt.Sprintf("%v", r), "stack": string(debug.Stack()),
					})
					mu.Lock()
					out.Results = append(out.Results, task.HookResult{HookID: d.ID, Success: false})
					mu.Unlock()
				}
			}()
			result, decision, err := e.runOne(ctx, d, hc)
			if err != nil && !cfg.ContinueOnError {
				cancel()
			}

			mu.Lock()
			out.Results = append(out.Results, result)
			if decision.Block {
				out.Blocked = true
				out.BlockReason = decision.Reason
				out.Violations = decision.Violations
			}
			mu.Unlock()

			hc.MergeModifications(result.ContextModifications)
		}(desc)
	}
	wg.Wait()
}

// runOne validates then executes a single hook within min(hook.timeout,
// executor.timeout); an expiring timeout counts as a failure.
func (e *Executor) runOne(ctx context.Context, desc task.HookDescriptor, hc *Context) (task.HookResult, Decision, error) {
	timeout := e.defaultTimeout
	if desc.Timeout > 0 && desc.Timeout < timeout {
		timeout = desc.Timeout
	}
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handler, ok := e.registry.Handler(desc.ID)
	if !ok {
		return task.HookResult{HookID: desc.ID, Success: false}, Decision{}, errs.ErrHookNotFound
	}

	start := time.Now()
	decision, err := handler.Validate(hookCtx, hc)
	if err != nil {
		return task.HookResult{HookID: desc.ID, Success: false, Duration: time.Since(start)}, decision, err
	}
	if decision.Block {
		return task.HookResult{HookID: desc.ID, Success: true, Duration: time.Since(start)}, decision, nil
	}

	result, err := handler.Execute(hookCtx, hc)
	duration := time.Since(start)
	if hookCtx.Err() != nil {
		return task.HookResult{HookID: desc.ID, Success: false, Duration: duration}, Decision{}, errs.ErrHookTimeout
	}
	if err != nil {
		return task.HookResult{HookID: desc.ID, Success: false, Duration: duration}, Decision{}, err
	}
	return task.HookResult{
		HookID:               desc.ID,
		Success:               true,
		Duration:              duration,
		Result:                result.Data,
		ContextModifications:  result.ContextModifications,
		StopChain:             result.StopChain,
	}, Decision{}, nil
}

func (e *Executor) recordStats(hookType task.HookType, results []task.HookResult) {
	e.statsMu.Lock()
	s, ok := e.stats[hookType]
	if !ok {
		s = &hookTypeStats{}
		e.stats[hookType] = s
	}
	e.statsMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		s.count++
		if r.Success {
			s.successCount++
		} else {
			s.failureCount++
		}
		s.totalDuration += r.Duration
	}
}

// Stats reports the running aggregate for a hook type: count, successes,
// failures, average duration.
func (e *Executor) Stats(hookType task.HookType) (count, success, failure int, avgDuration time.Duration) {
	e.statsMu.Lock()
	s, ok := e.stats[hookType]
	e.statsMu.Unlock()
	if !ok {
		return 0, 0, 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0, 0, 0, 0
	}
	return s.count, s.successCount, s.failureCount, s.totalDuration / time.Duration(s.count)
}

// persist stores the execution 24h in the broker plus a bounded 100-entry
// in-memory history.
func (e *Executor) persist(ctx context.Context, result *ExecutionResult) {
	e.historyMu.Lock()
	e.history = append(e.history, *result)
	if len(e.history) > 100 {
		e.history = e.history[len(e.history)-100:]
	}
	e.historyMu.Unlock()

	if e.b == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = e.b.Set(ctx, broker.HookExecutionKey(result.ExecutionID), string(data), 24*time.Hour)
	_ = e.b.Publish(ctx, broker.ChannelHookExecComplete, string(data))
}

// History returns the bounded in-memory execution history.
func (e *Executor) History() []ExecutionResult {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	out := make([]ExecutionResult, len(e.history))
	copy(out, e.history)
	return out
}
