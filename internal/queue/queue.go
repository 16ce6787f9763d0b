// Package queue implements the per-agent ready/in-flight queue fabric
// (spec §4.1): per-priority ready queues are sorted sets ordered by
// score() (priority class, enqueue timestamp, retry boost), in-flight is
// a plain list, and orphan recovery re-scores residual in-flight entries
// back onto their ready set when an agent restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/events"
	"github.com/taskmesh/orchestrator/internal/logging"
	"github.com/taskmesh/orchestrator/internal/task"
)

// priorityLevels are polled highest-first when draining an agent's ready
// queues, matching the spec's "priorities polled highest-first" runtime
// behavior.
var priorityLevels = []task.Priority{
	task.PriorityCritical,
	task.PriorityHigh,
	task.PriorityNormal,
	task.PriorityLow,
	task.PriorityDeferred,
}

// Fabric owns the enqueue/dequeue/recover operations over a Broker.
type Fabric struct {
	b      broker.Broker
	bus    *events.Bus
	logger logging.Logger

	// seq tie-breaks nextScore() when two tasks land in the same
	// millisecond, so ready-queue ordering stays FIFO instead of
	// depending on undefined same-score iteration order.
	seq uint64
}

// New builds a Fabric over the given broker. bus may be nil.
func New(b broker.Broker, bus *events.Bus, logger logging.Logger) *Fabric {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Fabric{b: b, bus: bus, logger: logger}
}

// score computes priority_class*10^6 + timestamp_ms plus a retry boost of
// attempt*10 that ranks repeatedly retried tasks above same-priority
// fresh peers. nextScore turns it into the score a ready zset stores.
func score(t *task.Task, enqueuedAt time.Time) float64 {
	s := float64(int(t.Priority))*1e6 + float64(enqueuedAt.UnixMilli())
	if t.RetryMetadata != nil {
		s += float64(t.RetryMetadata.Attempt) * 10
	}
	return s
}

// nextScore is the score a task is stored under in its ready zset.
// popLowestScore dispatches the lowest score first, so the retry boost
// score() adds is applied here as a deduction of attempt*10 ms instead,
// letting a retried task sort ahead of same-priority peers enqueued up to
// that long before it. The per-Fabric sequence number (modulo 1000, in
// steps of 1e-3, coarse enough for a float64 to resolve next to a Unix
// millisecond timestamp) decides who goes first among entries that land
// on the same millisecond.
func (f *Fabric) nextScore(t *task.Task, enqueuedAt time.Time) float64 {
	seq := atomic.AddUint64(&f.seq, 1)
	s := score(t, enqueuedAt)
	if t.RetryMetadata != nil {
		s -= 2 * float64(t.RetryMetadata.Attempt) * 10
	}
	return s + float64(seq%1000)*1e-3
}

// Enqueue places t onto the target agent's ready queue at its priority
// level. Ready queues are sorted sets keyed by nextScore() (spec §4.1) so
// same-priority ordering is FIFO by enqueue time, and a retried task's
// additive boost lets it overtake a fresh peer of the same priority
// class rather than landing behind it.
func (f *Fabric) Enqueue(ctx context.Context, agent string, t *task.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	key := broker.ReadyQueueKey(agent, int(t.Priority))
	member := broker.ZMember{Score: f.nextScore(t, time.Now()), Member: string(payload)}
	if err := f.b.ZAdd(ctx, key, member); err != nil {
		return fmt.Errorf("enqueue task %s onto %s: %w", t.ID, key, err)
	}
	f.recordLocation(ctx, t.ID, key, task.StatusQueued)
	f.publish(ctx, broker.QueueEventChannel(agent, "enqueue"), t.ID)
	return nil
}

// Dequeue moves the highest-priority available task from agent's ready
// queues into its in-flight list, polling priorities highest-first and,
// within a priority, popping the lowest-scored (earliest/most-boosted)
// entry. Returns nil, nil if nothing was available before timeout
// elapses.
func (f *Fabric) Dequeue(ctx context.Context, agent string, timeout time.Duration) (*task.Task, error) {
	inFlightKey := broker.InFlightKey(agent)
	deadline := time.Now().Add(timeout)
	const pollSlice = 50 * time.Millisecond

	for {
		for _, p := range priorityLevels {
			readyKey := broker.ReadyQueueKey(agent, int(p))
			raw, err := f.popLowestScore(ctx, readyKey, inFlightKey)
			if err != nil {
				return nil, fmt.Errorf("dequeue from %s: %w", readyKey, err)
			}
			if raw == "" {
				continue
			}
			var t task.Task
			if err := json.Unmarshal([]byte(raw), &t); err != nil {
				return nil, fmt.Errorf("unmarshal dequeued task: %w", err)
			}
			f.recordLocation(ctx, t.ID, inFlightKey, task.StatusInFlight)
			f.publish(ctx, broker.QueueEventChannel(agent, "dequeue"), t.ID)
			return &t, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollSlice):
		}
	}
}

// popLowestScore removes and returns the lowest-scored member of a ready
// zset, moving it onto dest (the in-flight list), or returns "" if the
// zset is currently empty.
func (f *Fabric) popLowestScore(ctx context.Context, readyKey, dest string) (string, error) {
	members, err := f.b.ZRangeByScore(ctx, readyKey, math.Inf(-1), math.Inf(1))
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "", nil
	}
	raw := members[0]
	if err := f.b.ZRem(ctx, readyKey, raw); err != nil {
		return "", err
	}
	if err := f.b.RPush(ctx, dest, raw); err != nil {
		return "", err
	}
	return raw, nil
}

// Complete removes a task from the agent's in-flight list once it has
// terminally succeeded or been handed to the retry engine.
func (f *Fabric) Complete(ctx context.Context, agent string, t *task.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	if err := f.b.LRem(ctx, broker.InFlightKey(agent), 1, string(payload)); err != nil {
		return fmt.Errorf("remove %s from in-flight: %w", t.ID, err)
	}
	f.recordLocation(ctx, t.ID, "", task.StatusCompleted)
	f.publish(ctx, broker.QueueEventChannel(agent, "complete"), t.ID)
	return nil
}

// RecoverOrphans re-queues any entries left in agent's in-flight list
// (e.g. from a prior crash) back onto the ready queue of each task's own
// priority.
// Called once at agent startup.
func (f *Fabric) RecoverOrphans(ctx context.Context, agent string) (int, error) {
	inFlightKey := broker.InFlightKey(agent)
	orphans, err := f.b.LRange(ctx, inFlightKey, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("list orphans for %s: %w", agent, err)
	}
	for _, raw := range orphans {
		var t task.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			f.logger.Warn("dropping unrecoverable orphan entry", map[string]interface{}{"agent": agent, "error": err.Error()})
			continue
		}
		readyKey := broker.ReadyQueueKey(agent, int(t.Priority))
		member := broker.ZMember{Score: f.nextScore(&t, time.Now()), Member: raw}
		if err := f.b.ZAdd(ctx, readyKey, member); err != nil {
			return 0, fmt.Errorf("requeue orphan %s: %w", t.ID, err)
		}
		if err := f.b.LRem(ctx, inFlightKey, 1, raw); err != nil {
			return 0, fmt.Errorf("remove orphan %s from in-flight: %w", t.ID, err)
		}
		f.recordLocation(ctx, t.ID, readyKey, task.StatusQueued)
	}
	if len(orphans) > 0 {
		f.logger.Info("recovered orphaned in-flight tasks", map[string]interface{}{"agent": agent, "count": len(orphans)})
	}
	return len(orphans), nil
}

// Depth reports the total ready-queue depth for an agent across all
// priority levels, used by the router's availability score.
func (f *Fabric) Depth(ctx context.Context, agent string) (int64, error) {
	var total int64
	for _, p := range priorityLevels {
		n, err := f.b.ZCard(ctx, broker.ReadyQueueKey(agent, int(p)))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (f *Fabric) recordLocation(ctx context.Context, taskID, queue string, status task.Status) {
	info := task.TaskInfo{TaskID: taskID, Queue: queue, Status: status, UpdatedAt: time.Now()}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	_ = f.b.Set(ctx, broker.TaskInfoKey(taskID), string(data), 0)
}

// GetTaskInfo returns the location and status recordLocation last wrote
// for taskID, or ok=false if the fabric has no record of the task.
func (f *Fabric) GetTaskInfo(ctx context.Context, taskID string) (*task.TaskInfo, bool, error) {
	raw, ok, err := f.b.Get(ctx, broker.TaskInfoKey(taskID))
	if err != nil || !ok {
		return nil, false, err
	}
	var info task.TaskInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, false, err
	}
	return &info, true, nil
}

// publish fans a lifecycle event out on the broker's pub/sub (the
// transaction logger's only input) and, if wired, the in-process bus for
// same-process listeners — kept separate per the design notes so the
// logger never feeds back into itself.
func (f *Fabric) publish(ctx context.Context, channel, taskID string) {
	payload, err := json.Marshal(map[string]interface{}{"task_id": taskID, "channel": channel, "at": time.Now()})
	if err == nil {
		_ = f.b.Publish(ctx, channel, string(payload))
	}
	if f.bus != nil {
		f.bus.Publish("queue", map[string]interface{}{"channel": channel, "task_id": taskID})
	}
}
