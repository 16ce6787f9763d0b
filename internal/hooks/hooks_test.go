package hooks

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/task"
)

var errBoom = errors.New("boom")

type stubHook struct {
	decision Decision
	result   Result
	err      error
	sleep    time.Duration
	calls    *int
}

func (s *stubHook) Validate(ctx context.Context, hc *Context) (Decision, error) {
	return s.decision, nil
}

func (s *stubHook) Execute(ctx context.Context, hc *Context) (Result, error) {
	if s.calls != nil {
		*s.calls++
	}
	if s.sleep > 0 {
		select {
		case <-time.After(s.sleep):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return s.result, s.err
}

func newTestEnv(t *testing.T) (*Registry, *Executor, broker.Broker) {
	t.Helper()
	b, err := broker.NewLocal("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	reg := NewRegistry(b)
	exec := NewExecutor(reg, b, 0, nil)
	return reg, exec, b
}

func newCtx() *Context {
	return NewContext(&task.Agent{ID: "a1"}, &task.Task{ID: "t1", Prompt: "do work"}, SystemSnapshot{})
}

// TestExecutor_StopChainHaltsRemainder is invariant #6.
func TestExecutor_StopChainHaltsRemainder(t *testing.T) {
	reg, exec, _ := newTestEnv(t)

	thirdCalls := 0
	reg.Register(task.HookDescriptor{ID: "a:first", Type: task.HookPostTask, Priority: 100, Enabled: true}, &stubHook{result: Result{StopChain: true}})
	reg.Register(task.HookDescriptor{ID: "a:second", Type: task.HookPostTask, Priority: 50, Enabled: true}, &stubHook{calls: &thirdCalls})

	res, err := exec.Execute(context.Background(), task.HookPostTask, newCtx(), ChainConfig{Sequential: true})
	require.NoError(t, err)
	require.Len(t, res.Results, 1, "no hook after stop_chain=true should run")
	require.Equal(t, 0, thirdCalls)
}

// TestExecutor_SafetySoundness is invariant #7 / seed scenario S5.
func TestExecutor_SafetySoundness(t *testing.T) {
	reg, exec, b := newTestEnv(t)
	gate := NewSafetyGate(b, nil)
	reg.Register(task.HookDescriptor{ID: "security:pre-execution-safety", Type: task.HookPreTask, Priority: 100, Enabled: true}, gate)

	hc := NewContext(&task.Agent{ID: "a1"}, &task.Task{ID: "t1", Prompt: "please run rm -rf / now"}, SystemSnapshot{})
	res, err := exec.Execute(context.Background(), task.HookPreTask, hc, ChainConfig{Sequential: true})
	require.NoError(t, err)
	require.True(t, res.Blocked, "a prompt containing a default dangerous pattern must block")
	require.NotEmpty(t, res.Violations)
}

func TestExecutor_SafetyGateAllowsWhitelisted(t *testing.T) {
	reg, exec, b := newTestEnv(t)
	gate := NewSafetyGate(b, nil)
	reg.Register(task.HookDescriptor{ID: "security:pre-execution-safety", Type: task.HookPreTask, Priority: 100, Enabled: true}, gate)

	hc := NewContext(&task.Agent{ID: "a1"}, &task.Task{ID: "t1", Prompt: "visit example.com for API keys: abc"}, SystemSnapshot{})
	res, err := exec.Execute(context.Background(), task.HookPreTask, hc, ChainConfig{Sequential: true})
	require.NoError(t, err)
	require.False(t, res.Blocked)
}

func TestExecutor_ParallelContinueOnError(t *testing.T) {
	reg, exec, _ := newTestEnv(t)
	reg.Register(task.HookDescriptor{ID: "a:ok", Type: task.HookPostTask, Priority: 10, Enabled: true}, &stubHook{})
	reg.Register(task.HookDescriptor{ID: "a:fail", Type: task.HookPostTask, Priority: 5, Enabled: true}, &stubHook{err: errBoom})

	res, err := exec.Execute(context.Background(), task.HookPostTask, newCtx(), ChainConfig{ContinueOnError: true})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
}

func TestExecutor_HookTimeoutCountsAsFailure(t *testing.T) {
	reg, exec, _ := newTestEnv(t)
	reg.Register(task.HookDescriptor{ID: "a:slow", Type: task.HookPostTask, Priority: 10, Enabled: true, Timeout: 10 * time.Millisecond}, &stubHook{sleep: 100 * time.Millisecond})

	res, err := exec.Execute(context.Background(), task.HookPostTask, newCtx(), ChainConfig{Sequential: true, ContinueOnError: true})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	require.False(t, res.Results[0].Success)
}

func TestSafetyGate_FileWriteBudgetTripsAfterThreshold(t *testing.T) {
	_, _, b := newTestEnv(t)
	gate := NewSafetyGate(b, nil)
	gate.budget.MaxFileWritesPerWindow = 2

	agent := &task.Agent{ID: "a1"}
	for i := 0; i < 2; i++ {
		hc := NewContext(agent, &task.Task{ID: "t1", Prompt: "edit", Files: []string{"a.txt", "b.txt"}}, SystemSnapshot{})
		_, err := gate.Execute(context.Background(), hc)
		require.NoError(t, err)
	}

	hc := NewContext(agent, &task.Task{ID: "t2", Prompt: "edit more"}, SystemSnapshot{})
	decision, err := gate.Validate(context.Background(), hc)
	require.NoError(t, err)
	require.True(t, decision.Block, "exceeding the file-write budget must block subsequent tasks")
}

func TestSafetyGate_OversizedFileBlocks(t *testing.T) {
	_, _, b := newTestEnv(t)
	gate := NewSafetyGate(b, nil)
	gate.budget.MaxFileSizeBytes = 4

	big, err := os.CreateTemp(t.TempDir(), "big-*.txt")
	require.NoError(t, err)
	_, err = big.WriteString("more than four bytes")
	require.NoError(t, err)
	require.NoError(t, big.Close())

	hc := NewContext(&task.Agent{ID: "a1"}, &task.Task{ID: "t1", Prompt: "edit", Files: []string{big.Name()}}, SystemSnapshot{})
	decision, err := gate.Validate(context.Background(), hc)
	require.NoError(t, err)
	require.True(t, decision.Block, "a file over the size budget must block")
}

func TestRegistry_ByTypeOrdersByDescendingPriority(t *testing.T) {
	reg, _, _ := newTestEnv(t)
	reg.Register(task.HookDescriptor{ID: "a:low", Type: task.HookPreTask, Priority: 10, Enabled: true}, &stubHook{})
	reg.Register(task.HookDescriptor{ID: "a:high", Type: task.HookPreTask, Priority: 90, Enabled: true}, &stubHook{})

	descs := reg.ByType(task.HookPreTask)
	require.Len(t, descs, 2)
	require.Equal(t, "a:high", descs[0].ID)
}
