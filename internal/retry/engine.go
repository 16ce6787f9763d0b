// Package retry implements the retry/recovery engine (spec §4.3): error
// classification, strategy-driven backoff, per-(agent,error-class)
// circuit breakers, and a dead-letter queue with TTL.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/errs"
	"github.com/taskmesh/orchestrator/internal/logging"
	"github.com/taskmesh/orchestrator/internal/task"
)

// Outcome reports what ScheduleRetry decided to do with a failed task.
type Outcome string

const (
	OutcomeScheduled          Outcome = "scheduled"
	OutcomeDLQNonRecoverable  Outcome = "dlq:non_recoverable"
	OutcomeDLQMaxRetries      Outcome = "dlq:max_retries_exceeded"
	OutcomeDLQCircuitOpen     Outcome = "dlq:circuit_breaker_open"
)

// Engine ties classification, backoff, the circuit table, the failure
// pattern table, and the DLQ together behind ScheduleRetry and
// ForceRetry, plus Due and RecordSuccess for the processor and workers.
type Engine struct {
	b          broker.Broker
	circuits   *CircuitTable
	patterns   *PatternTable
	dlq        *DLQ
	base       time.Duration
	max        time.Duration
	unknownMax int
	rng        *rand.Rand
	logger     logging.Logger
}

// Config bundles the tunables an Engine needs; values come from
// internal/config.Config.
type Config struct {
	RetryBase        time.Duration
	RetryMax         time.Duration
	CircuitThreshold int
	CircuitCooldown  time.Duration
	DLQTTL           time.Duration

	// MaxRetries overrides the unknown error class's attempt ceiling
	// (config.Config.MaxRetries, spec's max_retries=5) — every named
	// class still uses the table in classify.go.
	MaxRetries int
}

// New builds an Engine over the given broker.
func New(b broker.Broker, cfg Config, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Engine{
		b:          b,
		circuits:   NewCircuitTable(b, cfg.CircuitThreshold, cfg.CircuitCooldown),
		patterns:   NewPatternTable(b),
		dlq:        NewDLQ(b, cfg.DLQTTL),
		base:       cfg.RetryBase,
		max:        cfg.RetryMax,
		unknownMax: cfg.MaxRetries,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     logger,
	}
}

// classify wraps Classify, substituting the engine's configured ceiling
// for the fallback "unknown" class instead of classify.go's hardcoded
// default.
func (e *Engine) classify(errMsg string) classRule {
	rule := Classify(errMsg)
	if rule.class == task.ClassUnknown && e.unknownMax > 0 {
		rule.maxAttempts = e.unknownMax
	}
	return rule
}

// ScheduleRetry classifies errMsg, decides recoverability and circuit
// state, and either schedules a retry or archives the task to the DLQ.
func (e *Engine) ScheduleRetry(ctx context.Context, t *task.Task, errMsg string, attempt int) (Outcome, error) {
	rule := e.classify(errMsg)

	if !rule.recoverable {
		rec := task.RetryRecord{TaskID: t.ID, Task: *t, Class: rule.class, Attempt: attempt, MaxAttempts: rule.maxAttempts, Strategy: rule.strategy}
		if err := e.dlq.Archive(ctx, rec, "non_recoverable"); err != nil {
			return "", err
		}
		return OutcomeDLQNonRecoverable, nil
	}

	agentID := t.PreferredAgent
	allowed, err := e.circuits.Allows(ctx, agentID, rule.class)
	if err != nil {
		return "", err
	}
	if !allowed {
		rec := task.RetryRecord{TaskID: t.ID, Task: *t, Class: rule.class, Attempt: attempt, MaxAttempts: rule.maxAttempts, Strategy: rule.strategy}
		if err := e.dlq.Archive(ctx, rec, "circuit_breaker_open"); err != nil {
			return "", err
		}
		return OutcomeDLQCircuitOpen, nil
	}

	if attempt > rule.maxAttempts {
		rec := task.RetryRecord{TaskID: t.ID, Task: *t, Class: rule.class, Attempt: attempt, MaxAttempts: rule.maxAttempts, Strategy: rule.strategy}
		if err := e.dlq.Archive(ctx, rec, "max_retries_exceeded"); err != nil {
			return "", err
		}
		if cerr := e.circuits.RecordFailure(ctx, agentID, rule.class); cerr != nil {
			e.logger.Warn("recording circuit failure", map[string]interface{}{"error": cerr.Error()})
		}
		return OutcomeDLQMaxRetries, nil
	}

	pattern, err := e.patterns.Get(ctx, agentID, rule.class)
	if err != nil {
		return "", err
	}
	delay := Delay(rule.strategy, e.base, e.max, attempt, pattern, e.rng)
	scheduledFor := time.Now().Add(delay).UnixMilli()

	rec := task.RetryRecord{
		TaskID:       t.ID,
		Task:         *t,
		Class:        rule.class,
		Attempt:      attempt,
		MaxAttempts:  rule.maxAttempts,
		Strategy:     rule.strategy,
		ScheduledFor: scheduledFor,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := e.b.ZAdd(ctx, broker.RetryScheduleKey, broker.ZMember{Score: float64(scheduledFor), Member: string(data)}); err != nil {
		return "", err
	}
	if err := e.appendHistory(ctx, t.ID, rec); err != nil {
		e.logger.Warn("appending retry history", map[string]interface{}{"error": err.Error()})
	}
	if err := e.patterns.RecordAttempt(ctx, agentID, rule.class, false, 0); err != nil {
		e.logger.Warn("recording failure pattern", map[string]interface{}{"error": err.Error()})
	}
	if err := e.circuits.RecordFailure(ctx, agentID, rule.class); err != nil {
		e.logger.Warn("recording circuit failure", map[string]interface{}{"error": err.Error()})
	}
	return OutcomeScheduled, nil
}

// appendHistory prepends rec and keeps only the 10 most recent attempts
// (spec §6: "retry:history:{task_id} — capped list of 10 most recent
// attempts").
func (e *Engine) appendHistory(ctx context.Context, taskID string, rec task.RetryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := broker.RetryHistoryKey(taskID)
	if err := e.b.LPush(ctx, key, string(data)); err != nil {
		return err
	}
	kept, err := e.b.LRange(ctx, key, 0, 9)
	if err != nil {
		return err
	}
	if err := e.b.Del(ctx, key); err != nil {
		return err
	}
	if len(kept) == 0 {
		return nil
	}
	return e.b.RPush(ctx, key, kept...)
}

// Due pulls and atomically removes every record with scheduled_for <= now
// from the retry schedule, for the 5s processing loop to re-enqueue.
func (e *Engine) Due(ctx context.Context, now time.Time) ([]task.RetryRecord, error) {
	raw, err := e.b.ZRangeByScore(ctx, broker.RetryScheduleKey, 0, float64(now.UnixMilli()))
	if err != nil {
		return nil, err
	}
	var out []task.RetryRecord
	for _, r := range raw {
		var rec task.RetryRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			continue
		}
		if err := e.b.ZRem(ctx, broker.RetryScheduleKey, r); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// RecordSuccess notes a successful execution against (agentID, class),
// closing a half-open circuit and updating the failure pattern's
// recovery-time average.
func (e *Engine) RecordSuccess(ctx context.Context, agentID string, class task.ErrorClass, recoveryTime time.Duration) error {
	if err := e.circuits.RecordSuccess(ctx, agentID, class); err != nil {
		return err
	}
	return e.patterns.RecordAttempt(ctx, agentID, class, true, recoveryTime)
}

// ForceRetry removes a DLQ'd task and schedules an immediate retry,
// restoring the original error class's max_attempts (Open Question #3
// resolution) unless the caller supplies an explicit override budget.
func (e *Engine) ForceRetry(ctx context.Context, taskID string, overrideMaxAttempts int) error {
	raw, entry, err := e.dlq.Find(ctx, taskID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("force retry %s: %w", taskID, errs.ErrTaskNotFound)
	}
	if err := e.dlq.Remove(ctx, raw); err != nil {
		return err
	}

	rec := entry.Record
	rec.ScheduledFor = time.Now().UnixMilli()
	if overrideMaxAttempts > 0 {
		rec.MaxAttempts = overrideMaxAttempts
		rec.Override = true
		rec.Reason = "forced"
	} else {
		rec.MaxAttempts = maxAttemptsForClass(rec.Class)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return e.b.ZAdd(ctx, broker.RetryScheduleKey, broker.ZMember{Score: float64(rec.ScheduledFor), Member: string(data)})
}
