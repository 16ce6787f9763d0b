package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/task"
)

func newTestFabric(t *testing.T) *Fabric {
	t.Helper()
	b, err := broker.NewLocal("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return New(b, nil, nil)
}

func TestFabric_PriorityOrder(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()

	low := &task.Task{ID: "low", Priority: task.PriorityLow}
	high := &task.Task{ID: "high", Priority: task.PriorityHigh}

	require.NoError(t, f.Enqueue(ctx, "agent-1", low))
	require.NoError(t, f.Enqueue(ctx, "agent-1", high))

	got, err := f.Dequeue(ctx, "agent-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "high", got.ID, "higher priority class must dispatch first")

	got, err = f.Dequeue(ctx, "agent-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "low", got.ID)
}

func TestFabric_FIFOWithinSamePriority(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()

	first := &task.Task{ID: "first", Priority: task.PriorityNormal}
	second := &task.Task{ID: "second", Priority: task.PriorityNormal}

	require.NoError(t, f.Enqueue(ctx, "agent-1", first))
	require.NoError(t, f.Enqueue(ctx, "agent-1", second))

	got, err := f.Dequeue(ctx, "agent-1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "first", got.ID)

	got, err = f.Dequeue(ctx, "agent-1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "second", got.ID)
}

func TestFabric_DequeueTimesOutWhenEmpty(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()

	got, err := f.Dequeue(ctx, "idle-agent", 100*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFabric_CompleteRemovesFromInFlight(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()

	tsk := &task.Task{ID: "t1", Priority: task.PriorityNormal}
	require.NoError(t, f.Enqueue(ctx, "agent-1", tsk))

	got, err := f.Dequeue(ctx, "agent-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, f.Complete(ctx, "agent-1", got))

	n, err := f.b.LLen(ctx, broker.InFlightKey("agent-1"))
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestFabric_RecoverOrphansRequeuesInFlight(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()

	tsk := &task.Task{ID: "orphan", Priority: task.PriorityHigh}
	require.NoError(t, f.Enqueue(ctx, "agent-1", tsk))
	_, err := f.Dequeue(ctx, "agent-1", time.Second) // moves into in-flight, simulating a crash before Complete
	require.NoError(t, err)

	n, err := f.RecoverOrphans(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.Dequeue(ctx, "agent-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "orphan", got.ID, "orphaned in-flight task must be redispatchable")
}

func TestFabric_RetryBoostOvertakesSamePriority(t *testing.T) {
	fresh := &task.Task{ID: "fresh", Priority: task.PriorityNormal, CreatedAt: time.Now()}
	retried := &task.Task{
		ID:            "retried",
		Priority:      task.PriorityNormal,
		CreatedAt:     time.Now(),
		RetryMetadata: &task.RetryMetadata{Attempt: 3},
	}
	now := time.Now()
	require.Greater(t, score(retried, now), score(fresh, now), "a thrice-retried task must outrank a same-priority fresh peer")
}

func TestFabric_RetriedTaskOvertakesFreshPeerThroughRealDequeue(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()

	fresh := &task.Task{ID: "fresh", Priority: task.PriorityNormal}
	retried := &task.Task{
		ID:            "retried",
		Priority:      task.PriorityNormal,
		RetryMetadata: &task.RetryMetadata{Attempt: 3},
	}

	require.NoError(t, f.Enqueue(ctx, "agent-1", fresh))
	require.NoError(t, f.Enqueue(ctx, "agent-1", retried))

	got, err := f.Dequeue(ctx, "agent-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "retried", got.ID, "a retry-boosted task enqueued behind a fresh peer must still dispatch first")

	got, err = f.Dequeue(ctx, "agent-1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "fresh", got.ID)
}
