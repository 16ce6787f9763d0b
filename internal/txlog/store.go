package txlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/task"
)

const dayFormat = "2006-01-02"

// Store is the durable day-keyed sorted-set representation of the
// transaction log: one primary set per day plus type and queue indexes
// for fast windowed queries, all sharing the event's timestamp as score
// so range queries stay chronological.
type Store struct {
	b broker.Broker
}

// NewStore wraps a broker for transaction-log persistence.
func NewStore(b broker.Broker) *Store {
	return &Store{b: b}
}

// Append durably records every event in batch, indexing each by day,
// type, and (if present) queue.
func (s *Store) Append(ctx context.Context, batch []task.TransactionEvent) error {
	for _, ev := range batch {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal transaction event %s: %w", ev.ID, err)
		}
		day := ev.Timestamp.UTC().Format(dayFormat)
		score := float64(ev.Timestamp.UnixNano())
		member := broker.ZMember{Score: score, Member: string(data)}

		if err := s.b.ZAdd(ctx, broker.TxLogDayKey(day), member); err != nil {
			return fmt.Errorf("index transaction event %s by day: %w", ev.ID, err)
		}
		if ev.Type != "" {
			if err := s.b.ZAdd(ctx, broker.TxLogTypeKey(ev.Type, day), member); err != nil {
				return fmt.Errorf("index transaction event %s by type: %w", ev.ID, err)
			}
		}
		if ev.Queue != "" {
			if err := s.b.ZAdd(ctx, broker.TxLogQueueKey(ev.Queue, day), member); err != nil {
				return fmt.Errorf("index transaction event %s by queue: %w", ev.ID, err)
			}
		}
	}
	return nil
}

// Day returns every event recorded for the given day ("2006-01-02"),
// in chronological order.
func (s *Store) Day(ctx context.Context, day string) ([]task.TransactionEvent, error) {
	return s.read(ctx, broker.TxLogDayKey(day))
}

// ByType returns every event of the given type recorded on day.
func (s *Store) ByType(ctx context.Context, eventType, day string) ([]task.TransactionEvent, error) {
	return s.read(ctx, broker.TxLogTypeKey(eventType, day))
}

// ByQueue returns every event for the given queue recorded on day.
func (s *Store) ByQueue(ctx context.Context, queue, day string) ([]task.TransactionEvent, error) {
	return s.read(ctx, broker.TxLogQueueKey(queue, day))
}

// count returns how many events are indexed under key without
// deserializing any of them, used for top-N and error-rate reporting.
func (s *Store) count(ctx context.Context, key string) (int64, error) {
	return s.b.ZCard(ctx, key)
}

func (s *Store) read(ctx context.Context, key string) ([]task.TransactionEvent, error) {
	raw, err := s.b.ZRangeByScore(ctx, key, 0, float64(time.Now().Add(24*time.Hour).UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	events := make([]task.TransactionEvent, 0, len(raw))
	for _, r := range raw {
		var ev task.TransactionEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
