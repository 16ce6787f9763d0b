package txlog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/taskmesh/orchestrator/internal/broker"
)

// Report answers the windowed analytics queries the transaction log
// exists to serve: per-hour timelines, top-N queues by volume, and
// error rates, all scoped to a single day.
type Report struct {
	b     broker.Broker
	store *Store
}

// NewReport builds a Report over the given broker.
func NewReport(b broker.Broker) *Report {
	return &Report{b: b, store: NewStore(b)}
}

// HourlyTimeline buckets day's events into a 24-slot histogram keyed by
// hour-of-day (UTC).
func (r *Report) HourlyTimeline(ctx context.Context, day string) ([24]int64, error) {
	var buckets [24]int64
	events, err := r.store.Day(ctx, day)
	if err != nil {
		return buckets, err
	}
	for _, ev := range events {
		buckets[ev.Timestamp.UTC().Hour()]++
	}
	return buckets, nil
}

// QueueCount is one entry of a TopQueues result.
type QueueCount struct {
	Queue string
	Count int64
}

// TopQueues returns the n busiest queues on day, descending by event
// count, by scanning the per-queue index keys the Store maintains.
func (r *Report) TopQueues(ctx context.Context, day string, n int) ([]QueueCount, error) {
	keys, err := r.b.Keys(ctx, fmt.Sprintf("txlog:queue:*:%s", day))
	if err != nil {
		return nil, fmt.Errorf("list queue indexes for %s: %w", day, err)
	}
	counts := make([]QueueCount, 0, len(keys))
	for _, key := range keys {
		queue := queueNameFromKey(key, day)
		if queue == "" {
			continue
		}
		n, err := r.b.ZCard(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("count queue index %s: %w", key, err)
		}
		counts = append(counts, QueueCount{Queue: queue, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Count > counts[j].Count })
	if n > 0 && len(counts) > n {
		counts = counts[:n]
	}
	return counts, nil
}

func queueNameFromKey(key, day string) string {
	const prefix = "txlog:queue:"
	suffix := ":" + day
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return ""
	}
	return key[len(prefix) : len(key)-len(suffix)]
}

// ErrorRate returns the fraction of day's events classified as a
// task-error lifecycle event (queue_failed, agent_failed or dlq_archive).
func (r *Report) ErrorRate(ctx context.Context, day string) (float64, error) {
	total, err := r.store.count(ctx, broker.TxLogDayKey(day))
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	var errored int64
	for _, t := range []string{"queue_failed", "agent_failed", "dlq_archive"} {
		n, err := r.store.count(ctx, broker.TxLogTypeKey(t, day))
		if err != nil {
			return 0, err
		}
		errored += n
	}
	return float64(errored) / float64(total), nil
}

// TypeCount returns how many events of eventType were recorded on day.
func (r *Report) TypeCount(ctx context.Context, eventType, day string) (int64, error) {
	return r.store.count(ctx, broker.TxLogTypeKey(eventType, day))
}
