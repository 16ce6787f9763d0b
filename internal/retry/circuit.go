package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/task"
)

// circuitKey is the field name inside the CircuitBreakersKey hash for one
// (agent, class) pair.
func circuitKey(agentID string, class task.ErrorClass) string {
	return fmt.Sprintf("%s:%s", agentID, class)
}

// CircuitTable owns the per-(agent,class) breaker state, persisted in the
// broker's CircuitBreakersKey hash so every process sees the same state
// (per the design notes' single-writer-actor-with-broker-backed-snapshot
// pattern — here the broker itself is the single source of truth and
// callers serialize through it via HSet/HGet).
type CircuitTable struct {
	b         broker.Broker
	threshold int
	cooldown  time.Duration
}

// NewCircuitTable builds a table using the given failure threshold and
// open-state cooldown (spec §6 defaults: 10, 5m).
func NewCircuitTable(b broker.Broker, threshold int, cooldown time.Duration) *CircuitTable {
	return &CircuitTable{b: b, threshold: threshold, cooldown: cooldown}
}

func (c *CircuitTable) get(ctx context.Context, agentID string, class task.ErrorClass) (*task.CircuitBreaker, error) {
	raw, ok, err := c.b.HGet(ctx, broker.CircuitBreakersKey, circuitKey(agentID, class))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &task.CircuitBreaker{AgentID: agentID, Class: class, State: task.CircuitClosed}, nil
	}
	var cb task.CircuitBreaker
	if err := json.Unmarshal([]byte(raw), &cb); err != nil {
		return nil, err
	}
	return &cb, nil
}

func (c *CircuitTable) put(ctx context.Context, cb *task.CircuitBreaker) error {
	data, err := json.Marshal(cb)
	if err != nil {
		return err
	}
	return c.b.HSet(ctx, broker.CircuitBreakersKey, map[string]string{circuitKey(cb.AgentID, cb.Class): string(data)})
}

// Allows reports whether a new attempt for (agentID, class) is permitted
// right now, applying the open->half-open transition if cooldown elapsed.
func (c *CircuitTable) Allows(ctx context.Context, agentID string, class task.ErrorClass) (bool, error) {
	cb, err := c.get(ctx, agentID, class)
	if err != nil {
		return false, err
	}
	switch cb.State {
	case task.CircuitClosed:
		return true, nil
	case task.CircuitHalfOpen:
		return true, nil
	case task.CircuitOpen:
		if time.Since(cb.OpenedAt) >= c.cooldown {
			cb.State = task.CircuitHalfOpen
			if err := c.put(ctx, cb); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil
	default:
		return true, nil
	}
}

// RecordFailure increments the failure count and opens the circuit once
// threshold is reached (or immediately re-opens from half-open).
func (c *CircuitTable) RecordFailure(ctx context.Context, agentID string, class task.ErrorClass) error {
	cb, err := c.get(ctx, agentID, class)
	if err != nil {
		return err
	}
	if cb.State == task.CircuitHalfOpen {
		cb.State = task.CircuitOpen
		cb.OpenedAt = time.Now()
		return c.put(ctx, cb)
	}
	cb.FailureCount++
	if cb.FailureCount >= c.threshold {
		cb.State = task.CircuitOpen
		cb.OpenedAt = time.Now()
	}
	return c.put(ctx, cb)
}

// RecordSuccess closes a half-open circuit, or decrements (never below 0)
// a closed circuit's failure count.
func (c *CircuitTable) RecordSuccess(ctx context.Context, agentID string, class task.ErrorClass) error {
	cb, err := c.get(ctx, agentID, class)
	if err != nil {
		return err
	}
	switch cb.State {
	case task.CircuitHalfOpen:
		cb.State = task.CircuitClosed
		cb.FailureCount = 0
	case task.CircuitClosed:
		if cb.FailureCount > 0 {
			cb.FailureCount--
		}
	}
	return c.put(ctx, cb)
}
