// Package router implements the intelligent task router (spec §4.2):
// capability/performance/availability/cost scoring, decision caching, and
// per-model routing counters.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/errs"
	"github.com/taskmesh/orchestrator/internal/logging"
	"github.com/taskmesh/orchestrator/internal/task"
)

// decisionTTL is how long a routing decision is cached for a given task id.
const decisionTTL = 24 * time.Hour

// Decision is the router's ranked output for one task.
type Decision struct {
	TaskID        string   `json:"task_id"`
	PrimaryAgent  string   `json:"primary_agent"`
	Fallbacks     []string `json:"fallbacks"`
	Reason        string   `json:"reason"`
	Confidence    float64  `json:"confidence"`
}

// PerformanceSource supplies the historical success-rate and average
// duration the router needs for the performance score. internal/retry
// owns the underlying failure-pattern table; router only reads from it.
type PerformanceSource interface {
	SuccessRate(ctx context.Context, agentID string) (float64, error)
	AvgDurationSeconds(ctx context.Context, agentID string) (float64, error)
}

// QueueDepthSource supplies an agent's current ready-queue depth for the
// availability score; internal/queue.Fabric implements this.
type QueueDepthSource interface {
	Depth(ctx context.Context, agent string) (int64, error)
}

// Router scores candidate agents and picks the best fit for a task.
type Router struct {
	b        broker.Broker
	perf     PerformanceSource
	depth    QueueDepthSource
	logger   logging.Logger
	now      func() time.Time
}

// New builds a Router. perf/depth may be nil (scores default to neutral
// values), which keeps the router usable in isolation/tests.
func New(b broker.Broker, perf PerformanceSource, depth QueueDepthSource, logger logging.Logger) *Router {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Router{b: b, perf: perf, depth: depth, logger: logger, now: time.Now}
}

// EstimateTokens is character-count / 4, per spec §4.2.
func EstimateTokens(prompt string) int {
	return len(prompt) / 4
}

// Category returns task.Type if set, otherwise a keyword-derived guess
// from the prompt's first word.
func Category(t *task.Task) string {
	if t.Type != "" {
		return t.Type
	}
	fields := strings.Fields(t.Prompt)
	if len(fields) == 0 {
		return "general"
	}
	return strings.ToLower(fields[0])
}

type scored struct {
	agent *task.Agent
	total float64
	reason string
}

// Route scores every eligible candidate and returns the highest, caching
// the decision for 24h and incrementing the chosen model's routing
// counter. Route is a pure function of its inputs given frozen agent
// state and performance history (testable property #8).
func (r *Router) Route(ctx context.Context, t *task.Task, candidates []*task.Agent) (*Decision, error) {
	if t.EstimatedTokens == 0 {
		t.EstimatedTokens = EstimateTokens(t.Prompt)
	}
	category := Category(t)

	var eligible []scored
	for _, a := range candidates {
		if !a.Status.Eligible() {
			continue
		}
		cap, capReason := r.capabilityScore(t, a, category)
		perf := r.performanceScore(ctx, a)
		avail := r.availabilityScore(ctx, a)
		cost := r.costScore(t, a)
		total := cap + perf + avail + cost
		eligible = append(eligible, scored{agent: a, total: total, reason: capReason})
	}

	if len(eligible) == 0 {
		return nil, fmt.Errorf("router: %w", errs.ErrNoEligibleAgent)
	}

	sortScoredDesc(eligible)

	best := eligible[0]
	confidence := 1.0
	if len(eligible) > 1 {
		confidence = math.Min(1, (best.total-eligible[1].total)/20)
	}

	fallbacks := make([]string, 0, len(eligible)-1)
	for _, s := range eligible[1:] {
		fallbacks = append(fallbacks, s.agent.ID)
	}

	decision := &Decision{
		TaskID:       t.ID,
		PrimaryAgent: best.agent.ID,
		Fallbacks:    fallbacks,
		Reason:       best.reason,
		Confidence:   confidence,
	}

	r.cacheDecision(ctx, decision)
	r.bumpRoutingStats(ctx, best.agent.Model)

	return decision, nil
}

func (r *Router) capabilityScore(t *task.Task, a *task.Agent, category string) (float64, string) {
	score := 0.0
	reason := "no strong capability match"
	if contains(a.Strengths, category) {
		score += 20
		reason = fmt.Sprintf("strong capability match on %q", category)
	}
	matched := 0
	for _, kw := range a.Keywords {
		if strings.Contains(strings.ToLower(t.Prompt), strings.ToLower(kw)) {
			matched++
		}
	}
	score += float64(matched) * 5
	if matched > 0 && reason == "no strong capability match" {
		reason = fmt.Sprintf("%d matched keyword(s)", matched)
	}
	if a.TokenLimit > 0 {
		if t.EstimatedTokens <= a.TokenLimit {
			score += 10
		} else {
			score -= 10
		}
	}
	if score > 40 {
		score = 40
	}
	return score, reason
}

func (r *Router) performanceScore(ctx context.Context, a *task.Agent) float64 {
	if r.perf == nil {
		return 15 // neutral midpoint when no history source is wired
	}
	successRate, err := r.perf.SuccessRate(ctx, a.ID)
	if err != nil {
		successRate = 0
	}
	avgDuration, err := r.perf.AvgDurationSeconds(ctx, a.ID)
	if err != nil {
		avgDuration = 0
	}
	score := 15*successRate + math.Min(15, 15-avgDuration)
	if score < 0 {
		score = 0
	}
	return score
}

func (r *Router) availabilityScore(ctx context.Context, a *task.Agent) float64 {
	depth := int64(0)
	if r.depth != nil {
		if d, err := r.depth.Depth(ctx, a.ID); err == nil {
			depth = d
		}
	}
	score := 20 - 10*a.Load - math.Min(10, 2*float64(depth))
	if a.HeartbeatFresh(60*time.Second, r.now()) {
		score += 5
	}
	if score < 0 {
		score = 0
	}
	return score
}

// costScore is a piecewise step function over estimated_tokens*cost_per_token.
func (r *Router) costScore(t *task.Task, a *task.Agent) float64 {
	cost := float64(t.EstimatedTokens) * a.CostPerToken
	switch {
	case cost <= 0.001:
		return 10
	case cost <= 0.01:
		return 7
	case cost <= 0.1:
		return 4
	case cost <= 1:
		return 1
	default:
		return 0
	}
}

func (r *Router) cacheDecision(ctx context.Context, d *Decision) {
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	_ = r.b.Set(ctx, broker.RoutingDecisionKey(d.TaskID), string(data), decisionTTL)
}

func (r *Router) bumpRoutingStats(ctx context.Context, model string) {
	_, _ = r.b.HIncrBy(ctx, broker.RoutingStatsKey(model), "routed_count", 1)
}

// CachedDecision returns a previously cached decision for taskID, if any
// and not yet expired.
func (r *Router) CachedDecision(ctx context.Context, taskID string) (*Decision, bool, error) {
	raw, ok, err := r.b.Get(ctx, broker.RoutingDecisionKey(taskID))
	if err != nil || !ok {
		return nil, false, err
	}
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, false, err
	}
	return &d, true, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func sortScoredDesc(s []scored) {
	for i := 1; i < len(s); i++ {
		j := i
		for j > 0 && s[j-1].total < s[j].total {
			s[j-1], s[j] = s[j], s[j-1]
			j--
		}
	}
}
