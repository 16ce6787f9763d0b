package retry

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/task"
)

func newTestEngine(t *testing.T) (*Engine, broker.Broker) {
	t.Helper()
	b, err := broker.NewLocal("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	e := New(b, Config{
		RetryBase:        time.Second,
		RetryMax:         5 * time.Minute,
		CircuitThreshold: 10,
		CircuitCooldown:  5 * time.Minute,
		DLQTTL:           24 * time.Hour,
	}, nil)
	return e, b
}

func TestClassify(t *testing.T) {
	cases := map[string]task.ErrorClass{
		"429 rate limit exceeded":  task.ClassRateLimit,
		"request timed out":        task.ClassTimeout,
		"dial tcp: connection refused": task.ClassConnection,
		"401 unauthorized":         task.ClassAuthentication,
		"403 forbidden":            task.ClassPermission,
		"invalid json body":        task.ClassParseError,
		"out of memory":            task.ClassMemoryLimit,
		"validation failed: field": task.ClassValidation,
		"something weird happened": task.ClassUnknown,
	}
	for msg, want := range cases {
		require.Equal(t, want, ClassOf(msg), msg)
	}
}

// TestEngine_S3AuthFailureGoesStraightToDLQ is seed scenario S3.
func TestEngine_S3AuthFailureGoesStraightToDLQ(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	t1 := &task.Task{ID: "t1", PreferredAgent: "a1"}
	outcome, err := e.ScheduleRetry(ctx, t1, "401 unauthorized", 1)
	require.NoError(t, err)
	require.Equal(t, OutcomeDLQNonRecoverable, outcome)

	entries, err := e.dlq.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "non_recoverable", entries[0].Reason)
	require.Equal(t, task.ClassAuthentication, entries[0].Record.Class)
}

// TestEngine_RetryBoundExceedsMaxAttempts is invariant #3.
func TestEngine_RetryBoundExceedsMaxAttempts(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	t1 := &task.Task{ID: "t1", PreferredAgent: "a1"}
	// timeout allows 5 attempts max; attempt 6 must exceed the bound.
	outcome, err := e.ScheduleRetry(ctx, t1, "request timed out", 6)
	require.NoError(t, err)
	require.Equal(t, OutcomeDLQMaxRetries, outcome)
}

// TestEngine_ConfiguredMaxRetriesGovernsUnknownClass confirms
// config.Config.MaxRetries reaches the unknown-class fallback ceiling
// instead of classify.go's hardcoded default.
func TestEngine_ConfiguredMaxRetriesGovernsUnknownClass(t *testing.T) {
	b, err := broker.NewLocal("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	e := New(b, Config{
		RetryBase:        time.Second,
		RetryMax:         5 * time.Minute,
		CircuitThreshold: 10,
		CircuitCooldown:  5 * time.Minute,
		DLQTTL:           24 * time.Hour,
		MaxRetries:       1,
	}, nil)
	ctx := context.Background()

	t1 := &task.Task{ID: "t1", PreferredAgent: "a1"}
	outcome, err := e.ScheduleRetry(ctx, t1, "something weird happened", 2)
	require.NoError(t, err)
	require.Equal(t, OutcomeDLQMaxRetries, outcome, "unknown-class attempts beyond the configured ceiling must go to the DLQ")
}

// TestEngine_CircuitIsolation is invariant #4 / seed scenario S4.
func TestEngine_CircuitIsolation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		t1 := &task.Task{ID: "t1", PreferredAgent: "a1"}
		outcome, err := e.ScheduleRetry(ctx, t1, "connection refused", i)
		require.NoError(t, err)
		require.NotEqual(t, OutcomeDLQCircuitOpen, outcome, "circuit should not be open before threshold is reached")
	}

	t11 := &task.Task{ID: "t1", PreferredAgent: "a1"}
	outcome, err := e.ScheduleRetry(ctx, t11, "connection refused", 11)
	require.NoError(t, err)
	require.Equal(t, OutcomeDLQCircuitOpen, outcome, "11th failure for the same (agent,class) must route straight to DLQ")
}

// TestEngine_BackoffMonotonicity is invariant #5 / seed scenario S2's
// exponential pattern.
func TestEngine_BackoffMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := time.Second
	max := 5 * time.Minute

	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := Delay(task.StrategyExponential, base, max, attempt, nil, rng)
		require.GreaterOrEqual(t, float64(d), float64(prev)*0.85, "exponential delay must not shrink beyond jitter bounds")
		prev = d
	}
}

func TestEngine_ForceRetryRestoresClassMaxAttempts(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	t1 := &task.Task{ID: "t1", PreferredAgent: "a1"}
	_, err := e.ScheduleRetry(ctx, t1, "401 unauthorized", 1) // -> DLQ, non_recoverable
	require.NoError(t, err)

	require.NoError(t, e.ForceRetry(ctx, "t1", 0))

	due, err := e.Due(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, maxAttemptsForClass(task.ClassAuthentication), due[0].MaxAttempts)
	require.False(t, due[0].Override)
}

func TestEngine_ForceRetryWithExplicitOverride(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	t1 := &task.Task{ID: "t1", PreferredAgent: "a1"}
	_, err := e.ScheduleRetry(ctx, t1, "401 unauthorized", 1)
	require.NoError(t, err)

	require.NoError(t, e.ForceRetry(ctx, "t1", 7))

	due, err := e.Due(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, 7, due[0].MaxAttempts)
	require.True(t, due[0].Override)
}
