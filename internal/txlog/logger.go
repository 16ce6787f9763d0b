// Package txlog implements the transaction log and analytics subsystem
// (spec §4.6): a broker pub/sub subscriber that durably records every
// lifecycle event the other core subsystems publish, buffered and
// flushed in batches, indexed by day/type/queue for windowed reporting.
package txlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/logging"
	"github.com/taskmesh/orchestrator/internal/task"
)

// Config tunes the buffered-flush and retention behavior.
type Config struct {
	FlushInterval time.Duration
	MaxBatchSize  int
	RetentionDays int
}

// DefaultConfig mirrors internal/config.Config's transaction-log defaults.
func DefaultConfig() Config {
	return Config{FlushInterval: 60 * time.Second, MaxBatchSize: 1000, RetentionDays: 30}
}

// Logger subscribes to every lifecycle channel and durably records each
// event, batching writes so a noisy task burst doesn't turn into one
// broker round-trip per event.
type Logger struct {
	b      broker.Broker
	store  *Store
	cfg    Config
	logger logging.Logger

	mu     sync.Mutex
	buffer []task.TransactionEvent
}

// New builds a Logger over the given broker.
func New(b broker.Broker, cfg Config, logger logging.Logger) *Logger {
	if logger == nil {
		logger = logging.NoOp{}
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 60 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}
	return &Logger{b: b, store: NewStore(b), cfg: cfg, logger: logger}
}

// Run subscribes to every pattern the core publishes lifecycle events on
// and flushes the buffer on the configured interval or batch size,
// whichever comes first. Blocks until ctx is canceled, flushing whatever
// remains buffered before returning.
func (l *Logger) Run(ctx context.Context) error {
	patterns := []string{
		broker.TxLogSubscriptionPattern,
		broker.QueueEventPattern,
		broker.AgentEventPattern,
		broker.DLQEventPattern,
	}

	subs := make([]broker.Subscription, 0, len(patterns))
	defer func() {
		for _, s := range subs {
			_ = s.Close()
		}
	}()
	for _, p := range patterns {
		sub, err := l.b.PSubscribe(ctx, p)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}

	merged := fanIn(subs)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.flush(context.Background())
			return ctx.Err()
		case msg, ok := <-merged:
			if !ok {
				l.flush(context.Background())
				return nil
			}
			l.ingest(msg)
		case <-ticker.C:
			l.flush(ctx)
		}
	}
}

// fanIn merges every subscription's delivery channel into one.
func fanIn(subs []broker.Subscription) <-chan broker.Message {
	out := make(chan broker.Message, 256)
	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, s := range subs {
		go func(s broker.Subscription) {
			defer wg.Done()
			for msg := range s.Channel() {
				out <- msg
			}
		}(s)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// ingest turns one raw pub/sub delivery into a TransactionEvent and
// appends it to the buffer, flushing immediately if the batch is full.
func (l *Logger) ingest(msg broker.Message) {
	ev := task.TransactionEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Channel:   msg.Channel,
		Type:      classify(msg.Channel),
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err == nil {
		ev.Payload = payload
		if taskID, ok := payload["task_id"].(string); ok {
			ev.TaskID = taskID
		}
	}
	ev.Queue, ev.TaskID = queueAndTask(msg.Channel, ev.TaskID)

	l.mu.Lock()
	l.buffer = append(l.buffer, ev)
	full := len(l.buffer) >= l.cfg.MaxBatchSize
	l.mu.Unlock()

	if full {
		l.flush(context.Background())
	}
}

// classify derives a coarse event type from the channel name, e.g.
// "queue:claude-1:enqueue" -> "queue_enqueue", "dlq:t1:archive" ->
// "dlq_archive".
func classify(channel string) string {
	parts := splitChannel(channel)
	if len(parts) < 2 {
		return "unknown"
	}
	switch parts[0] {
	case "queue":
		if len(parts) >= 3 {
			return "queue_" + parts[2]
		}
	case "agent":
		if len(parts) >= 3 {
			return "agent_" + parts[2]
		}
	case "dlq":
		if len(parts) >= 3 {
			return "dlq_" + parts[2]
		}
	}
	return parts[0]
}

// queueAndTask extracts the agent/queue name embedded in
// "queue:{agent}:{event}" channels; the task id is the one the payload
// supplied, passed through unchanged.
func queueAndTask(channel, taskIDFromPayload string) (queue, taskID string) {
	parts := splitChannel(channel)
	taskID = taskIDFromPayload
	if len(parts) >= 2 && parts[0] == "queue" {
		queue = parts[1]
	}
	return queue, taskID
}

func splitChannel(channel string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(channel); i++ {
		if channel[i] == ':' {
			parts = append(parts, channel[start:i])
			start = i + 1
		}
	}
	parts = append(parts, channel[start:])
	return parts
}

// flush persists and clears whatever is currently buffered.
func (l *Logger) flush(ctx context.Context) {
	l.mu.Lock()
	batch := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := l.store.Append(ctx, batch); err != nil {
		l.logger.Error("transaction log flush failed", map[string]interface{}{"count": len(batch), "error": err.Error()})
	}
}
