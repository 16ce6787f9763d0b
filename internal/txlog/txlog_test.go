package txlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/task"
)

func newTestBroker(t *testing.T) broker.Broker {
	t.Helper()
	b, err := broker.NewLocal("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// TestLogger_IngestAndFlushIndexesByDayTypeAndQueue is invariant #9
// (transaction-log completeness): every published lifecycle event ends
// up durably recorded, searchable by day, type, and queue.
func TestLogger_IngestAndFlushIndexesByDayTypeAndQueue(t *testing.T) {
	b := newTestBroker(t)
	l := New(b, Config{MaxBatchSize: 1000}, nil)

	l.ingest(broker.Message{Channel: "queue:claude-1:enqueue", Payload: `{"task_id":"t1"}`})
	l.ingest(broker.Message{Channel: "queue:claude-1:complete", Payload: `{"task_id":"t1"}`})
	l.ingest(broker.Message{Channel: "dlq:t2:archive", Payload: `{"task_id":"t2"}`})
	l.flush(context.Background())

	day := time.Now().UTC().Format(dayFormat)
	store := NewStore(b)

	all, err := store.Day(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, all, 3)

	byType, err := store.ByType(context.Background(), "queue_enqueue", day)
	require.NoError(t, err)
	require.Len(t, byType, 1)
	require.Equal(t, "t1", byType[0].TaskID)

	byQueue, err := store.ByQueue(context.Background(), "claude-1", day)
	require.NoError(t, err)
	require.Len(t, byQueue, 2)
}

func TestLogger_FlushesWhenBatchFull(t *testing.T) {
	b := newTestBroker(t)
	l := New(b, Config{MaxBatchSize: 2}, nil)

	l.ingest(broker.Message{Channel: "queue:a:enqueue", Payload: `{"task_id":"t1"}`})
	require.Len(t, l.buffer, 1)
	l.ingest(broker.Message{Channel: "queue:a:dequeue", Payload: `{"task_id":"t1"}`})
	require.Empty(t, l.buffer, "hitting MaxBatchSize must flush immediately")

	day := time.Now().UTC().Format(dayFormat)
	all, err := NewStore(b).Day(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestReport_TopQueuesAndErrorRate(t *testing.T) {
	b := newTestBroker(t)
	l := New(b, Config{MaxBatchSize: 1000}, nil)

	l.ingest(broker.Message{Channel: "queue:busy:enqueue", Payload: `{"task_id":"t1"}`})
	l.ingest(broker.Message{Channel: "queue:busy:dequeue", Payload: `{"task_id":"t1"}`})
	l.ingest(broker.Message{Channel: "queue:busy:complete", Payload: `{"task_id":"t1"}`})
	l.ingest(broker.Message{Channel: "queue:quiet:enqueue", Payload: `{"task_id":"t2"}`})
	l.ingest(broker.Message{Channel: "queue:quiet:failed", Payload: `{"task_id":"t2"}`})
	l.flush(context.Background())

	day := time.Now().UTC().Format(dayFormat)
	report := NewReport(b)

	top, err := report.TopQueues(context.Background(), day, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.Equal(t, "busy", top[0].Queue)
	require.Equal(t, int64(3), top[0].Count)

	rate, err := report.ErrorRate(context.Background(), day)
	require.NoError(t, err)
	require.InDelta(t, 1.0/5.0, rate, 0.001)

	timeline, err := report.HourlyTimeline(context.Background(), day)
	require.NoError(t, err)
	var total int64
	for _, n := range timeline {
		total += n
	}
	require.Equal(t, int64(5), total)
}

// TestRetention_SweepDeletesKeysOlderThanWindow is invariant #10.
func TestRetention_SweepDeletesKeysOlderThanWindow(t *testing.T) {
	b := newTestBroker(t)
	store := NewStore(b)

	old := time.Now().UTC().AddDate(0, 0, -40)
	require.NoError(t, store.Append(context.Background(), []task.TransactionEvent{
		{ID: "e1", Timestamp: old, Channel: "queue:a:enqueue", Type: "queue_enqueue", Queue: "a", TaskID: "t1"},
	}))
	fresh := time.Now().UTC()
	require.NoError(t, store.Append(context.Background(), []task.TransactionEvent{
		{ID: "e2", Timestamp: fresh, Channel: "queue:a:enqueue", Type: "queue_enqueue", Queue: "a", TaskID: "t2"},
	}))

	r := NewRetention(b, 30)
	removed, err := r.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	require.Greater(t, removed, 0)

	oldDay := old.Format(dayFormat)
	events, err := store.Day(context.Background(), oldDay)
	require.NoError(t, err)
	require.Empty(t, events)

	freshDay := fresh.Format(dayFormat)
	events, err = store.Day(context.Background(), freshDay)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
