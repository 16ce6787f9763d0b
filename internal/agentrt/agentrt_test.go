package agentrt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/events"
	"github.com/taskmesh/orchestrator/internal/retry"
	"github.com/taskmesh/orchestrator/internal/task"
)

func newTestBroker(t *testing.T) broker.Broker {
	t.Helper()
	b, err := broker.NewLocal("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func testRetryConfig() retry.Config {
	return retry.Config{
		RetryBase:        5 * time.Millisecond,
		RetryMax:         50 * time.Millisecond,
		CircuitThreshold: 10,
		CircuitCooldown:  time.Second,
		DLQTTL:           time.Hour,
	}
}

func testRuntimeConfig() Config {
	return Config{
		DequeueTimeout:      20 * time.Millisecond,
		HookExecutorTimeout: time.Second,
		RetryProcessorTick:  15 * time.Millisecond,
	}
}

// waitFor polls cond every 10ms until it returns true or timeout elapses,
// failing the test if it never does.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func inFlightEmpty(t *testing.T, b broker.Broker, agent string) bool {
	t.Helper()
	n, err := b.LLen(context.Background(), broker.InFlightKey(agent))
	require.NoError(t, err)
	return n == 0
}

// TestRuntime_HappyPath covers seed scenario S1: a task submitted for an
// agent whose strengths match routes, runs through the full pre-task /
// model / post-task cycle, and completes on the first attempt.
func TestRuntime_HappyPath(t *testing.T) {
	b := newTestBroker(t)
	bus := events.NewBus()
	client := NewMockClient()

	rt := New(b, bus, client, testRetryConfig(), testRuntimeConfig(), nil)
	rt.RegisterAgent(&task.Agent{
		ID:            "claude-1",
		Model:         "claude-3",
		Strengths:     []string{"analysis"},
		Status:        task.AgentIdle,
		LastHeartbeat: time.Now(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rt.Start(ctx)
		close(done)
	}()

	submitCtx, submitCancel := context.WithTimeout(context.Background(), time.Second)
	defer submitCancel()
	agentID, err := rt.Submit(submitCtx, &task.Task{
		ID:       "t1",
		Type:     "analysis",
		Prompt:   "summarize X",
		Priority: task.PriorityNormal,
	})
	require.NoError(t, err)
	require.Equal(t, "claude-1", agentID)

	waitFor(t, 2*time.Second, func() bool {
		return client.CallCount >= 1 && inFlightEmpty(t, b, "claude-1")
	})
	require.Equal(t, 1, client.CallCount)
	require.Equal(t, "summarize X", client.LastPrompt)

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, rt.Stop(stopCtx))
	<-done
}

// TestRuntime_RetriesThenCompletes covers seed scenario S2: a task that
// fails twice with a recoverable rate-limit error is retried by the
// engine and succeeds on its third attempt.
func TestRuntime_RetriesThenCompletes(t *testing.T) {
	b := newTestBroker(t)
	bus := events.NewBus()
	client := NewMockClient()
	client.Errors = []error{
		errors.New("429 rate limit exceeded"),
		errors.New("429 rate limit exceeded"),
		nil,
	}
	client.Responses = []string{"", "", "recovered"}

	rt := New(b, bus, client, testRetryConfig(), testRuntimeConfig(), nil)
	rt.RegisterAgent(&task.Agent{
		ID:            "claude-1",
		Model:         "claude-3",
		Strengths:     []string{"analysis"},
		Status:        task.AgentIdle,
		LastHeartbeat: time.Now(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rt.Start(ctx)
		close(done)
	}()

	submitCtx, submitCancel := context.WithTimeout(context.Background(), time.Second)
	defer submitCancel()
	_, err := rt.Submit(submitCtx, &task.Task{
		ID:       "t2",
		Type:     "analysis",
		Prompt:   "summarize Y",
		Priority: task.PriorityNormal,
	})
	require.NoError(t, err)

	waitFor(t, 3*time.Second, func() bool {
		return client.CallCount >= 3 && inFlightEmpty(t, b, "claude-1")
	})
	require.Equal(t, 3, client.CallCount, "task must be attempted once then retried twice before succeeding")

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, rt.Stop(stopCtx))
	<-done
}
