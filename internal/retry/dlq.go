package retry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/task"
)

// dlqEntry is what's stored for each archived record; scored by its
// expiry timestamp in the DLQKey sorted set.
type dlqEntry struct {
	Record task.RetryRecord `json:"record"`
	Reason string           `json:"reason"`
}

// DLQ is the dead-letter archive: a sorted set keyed by expiry-time ms,
// with a housekeeper purging expired records.
type DLQ struct {
	b   broker.Broker
	ttl time.Duration
}

// NewDLQ builds a DLQ with the given TTL (spec §6 default: 24h).
func NewDLQ(b broker.Broker, ttl time.Duration) *DLQ {
	return &DLQ{b: b, ttl: ttl}
}

// Archive moves a retry record into the DLQ with the given reason
// (e.g. "non_recoverable", "max_retries_exceeded", "circuit_breaker_open",
// "requeue_failed").
func (d *DLQ) Archive(ctx context.Context, rec task.RetryRecord, reason string) error {
	entry := dlqEntry{Record: rec, Reason: reason}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	expiresAt := time.Now().Add(d.ttl)
	if err := d.b.ZAdd(ctx, broker.DLQKey, broker.ZMember{Score: float64(expiresAt.UnixMilli()), Member: string(data)}); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]interface{}{"task_id": rec.TaskID, "reason": reason})
	_ = d.b.Publish(ctx, broker.DLQEventChannel(rec.TaskID, "archive"), string(payload))
	return nil
}

// List returns every currently archived entry.
func (d *DLQ) List(ctx context.Context) ([]dlqEntry, error) {
	raw, err := d.b.ZRangeByScore(ctx, broker.DLQKey, 0, float64(time.Now().Add(100*365*24*time.Hour).UnixMilli()))
	if err != nil {
		return nil, err
	}
	out := make([]dlqEntry, 0, len(raw))
	for _, r := range raw {
		var e dlqEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Find returns the raw member and decoded entry for a task id, if present.
func (d *DLQ) Find(ctx context.Context, taskID string) (string, *dlqEntry, error) {
	entries, err := d.List(ctx)
	if err != nil {
		return "", nil, err
	}
	raw, err := d.b.ZRangeByScore(ctx, broker.DLQKey, 0, float64(time.Now().Add(100*365*24*time.Hour).UnixMilli()))
	if err != nil {
		return "", nil, err
	}
	for i, e := range entries {
		if e.Record.TaskID == taskID {
			return raw[i], &e, nil
		}
	}
	return "", nil, nil
}

// Remove deletes a raw DLQ member (used by ForceRetry).
func (d *DLQ) Remove(ctx context.Context, raw string) error {
	return d.b.ZRem(ctx, broker.DLQKey, raw)
}

// Housekeep purges every record whose expiry score has passed, per the
// spec's every-5-minute DLQ housekeeper.
func (d *DLQ) Housekeep(ctx context.Context) (int64, error) {
	before, err := d.b.ZCard(ctx, broker.DLQKey)
	if err != nil {
		return 0, err
	}
	if err := d.b.ZRemRangeByScore(ctx, broker.DLQKey, 0, float64(time.Now().UnixMilli())); err != nil {
		return 0, err
	}
	after, err := d.b.ZCard(ctx, broker.DLQKey)
	if err != nil {
		return 0, err
	}
	return before - after, nil
}
