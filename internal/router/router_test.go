package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/task"
)

func newTestRouter(t *testing.T) (*Router, broker.Broker) {
	t.Helper()
	b, err := broker.NewLocal("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return New(b, nil, nil, nil), b
}

// TestRouter_S6RoutingDecision is seed scenario S6: claude (low load,
// architecture strength) must outrank deepseek (high load, testing
// strength) for an architecture task.
func TestRouter_S6RoutingDecision(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	claude := &task.Agent{
		ID: "claude", Model: "claude-3", Status: task.AgentActive,
		Load: 0.1, Strengths: []string{"architecture"}, LastHeartbeat: time.Now(),
	}
	deepseek := &task.Agent{
		ID: "deepseek", Model: "deepseek-v3", Status: task.AgentActive,
		Load: 0.9, Strengths: []string{"testing"}, LastHeartbeat: time.Now(),
	}

	t1 := &task.Task{ID: "t1", Type: "architecture", Prompt: "design the module boundary"}

	decision, err := r.Route(ctx, t1, []*task.Agent{claude, deepseek})
	require.NoError(t, err)
	require.Equal(t, "claude", decision.PrimaryAgent)
	require.Contains(t, decision.Reason, "capability match")
	require.Equal(t, []string{"deepseek"}, decision.Fallbacks)
}

func TestRouter_ExcludesIneligibleAgents(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	erroredAgent := &task.Agent{ID: "broken", Status: task.AgentError}
	t1 := &task.Task{ID: "t1", Type: "analysis", Prompt: "summarize"}

	_, err := r.Route(ctx, t1, []*task.Agent{erroredAgent})
	require.Error(t, err)
}

func TestRouter_CachesDecision(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	agent := &task.Agent{ID: "a1", Status: task.AgentIdle, LastHeartbeat: time.Now()}
	t1 := &task.Task{ID: "t1", Prompt: "do something"}

	decision, err := r.Route(ctx, t1, []*task.Agent{agent})
	require.NoError(t, err)

	cached, ok, err := r.CachedDecision(ctx, decision.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, decision.PrimaryAgent, cached.PrimaryAgent)
}

func TestRouter_IsPureGivenFrozenInputs(t *testing.T) {
	r1, _ := newTestRouter(t)
	r2, _ := newTestRouter(t)
	ctx := context.Background()

	agent := &task.Agent{ID: "a1", Status: task.AgentActive, Strengths: []string{"analysis"}, LastHeartbeat: time.Now()}
	t1 := &task.Task{ID: "t1", Type: "analysis", Prompt: "summarize X"}
	t2 := &task.Task{ID: "t1", Type: "analysis", Prompt: "summarize X"}

	d1, err := r1.Route(ctx, t1, []*task.Agent{agent})
	require.NoError(t, err)
	d2, err := r2.Route(ctx, t2, []*task.Agent{agent})
	require.NoError(t, err)

	require.Equal(t, d1.PrimaryAgent, d2.PrimaryAgent)
	require.InDelta(t, d1.Confidence, d2.Confidence, 0.0001)
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 5, EstimateTokens("twenty-char-prompt!!"))
}
