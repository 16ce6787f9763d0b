package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/task"
)

func patternKey(agentID string, class task.ErrorClass) string {
	return fmt.Sprintf("%s:%s", agentID, class)
}

// PatternTable tracks running (agent,class) totals backing the adaptive
// backoff strategy and the pattern analyzer's anomaly surface.
type PatternTable struct {
	b broker.Broker
}

// NewPatternTable builds a table over the broker's RecoveryPatternsKey hash.
func NewPatternTable(b broker.Broker) *PatternTable {
	return &PatternTable{b: b}
}

// Get loads the current running totals for (agentID, class).
func (p *PatternTable) Get(ctx context.Context, agentID string, class task.ErrorClass) (*task.FailurePattern, error) {
	raw, ok, err := p.b.HGet(ctx, broker.RecoveryPatternsKey, patternKey(agentID, class))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &task.FailurePattern{AgentID: agentID, Class: class}, nil
	}
	var fp task.FailurePattern
	if err := json.Unmarshal([]byte(raw), &fp); err != nil {
		return nil, err
	}
	return &fp, nil
}

// RecordAttempt increments Attempts and, on success, Successes and
// TotalRecoveryTime.
func (p *PatternTable) RecordAttempt(ctx context.Context, agentID string, class task.ErrorClass, success bool, recoveryTime time.Duration) error {
	fp, err := p.Get(ctx, agentID, class)
	if err != nil {
		return err
	}
	fp.Attempts++
	if success {
		fp.Successes++
		fp.TotalRecoveryTime += recoveryTime
	}
	data, err := json.Marshal(fp)
	if err != nil {
		return err
	}
	return p.b.HSet(ctx, broker.RecoveryPatternsKey, map[string]string{patternKey(agentID, class): string(data)})
}

// All returns every (agent,class) pattern currently tracked, for the
// pattern analyzer sweep.
func (p *PatternTable) All(ctx context.Context) ([]*task.FailurePattern, error) {
	raw, err := p.b.HGetAll(ctx, broker.RecoveryPatternsKey)
	if err != nil {
		return nil, err
	}
	out := make([]*task.FailurePattern, 0, len(raw))
	for _, v := range raw {
		var fp task.FailurePattern
		if err := json.Unmarshal([]byte(v), &fp); err != nil {
			continue
		}
		out = append(out, &fp)
	}
	return out, nil
}

// Notification is what the pattern analyzer emits for a concerning
// (agent, class) pair.
type Notification struct {
	AgentID string
	Class   task.ErrorClass
	Reason  string
}

// Analyze surfaces (agent,class) pairs with success_rate < 0.3 over >= 10
// attempts, or avg_recovery_time > 5 min over >= 5 successes, per spec
// §4.3's pattern analyzer.
func Analyze(patterns []*task.FailurePattern) []Notification {
	var out []Notification
	for _, fp := range patterns {
		if fp.Attempts >= 10 && fp.SuccessRate() < 0.3 {
			out = append(out, Notification{fp.AgentID, fp.Class, "low success rate"})
			continue
		}
		if fp.Successes >= 5 && fp.AvgRecoveryTime() > 5*time.Minute {
			out = append(out, Notification{fp.AgentID, fp.Class, "slow recovery"})
		}
	}
	return out
}
