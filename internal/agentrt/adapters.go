package agentrt

import (
	"context"

	"github.com/taskmesh/orchestrator/internal/hooks"
	"github.com/taskmesh/orchestrator/internal/retry"
	"github.com/taskmesh/orchestrator/internal/router"
	"github.com/taskmesh/orchestrator/internal/task"
)

// routerToHooks adapts *router.Router to hooks.DecisionRouter so the
// predictive-task-router built-in hook can exercise the same scoring
// Route uses directly, without hooks importing internal/router.
type routerToHooks struct {
	r *router.Router
}

func (a routerToHooks) Route(ctx context.Context, t *task.Task, candidates []*task.Agent) (*hooks.RouteDecision, error) {
	d, err := a.r.Route(ctx, t, candidates)
	if err != nil {
		return nil, err
	}
	return &hooks.RouteDecision{PrimaryAgent: d.PrimaryAgent, Reason: d.Reason}, nil
}

// patternsToRouter adapts *retry.PatternTable to router.PerformanceSource,
// aggregating the per-(agent,class) running totals retry already tracks
// into the single per-agent figure the router's scoring formula wants.
type patternsToRouter struct {
	patterns *retry.PatternTable
}

// neutralAvgDurationSeconds makes AvgDurationSeconds's contribution to
// the performance score exactly 0 (min(15, 15-15)) when an agent has no
// recorded history yet, matching the nil-PerformanceSource neutral score.
const neutralAvgDurationSeconds = 15.0

func (a patternsToRouter) aggregate(ctx context.Context, agentID string) (attempts, successes int, totalRecovery float64, err error) {
	all, err := a.patterns.All(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, fp := range all {
		if fp.AgentID != agentID {
			continue
		}
		attempts += fp.Attempts
		successes += fp.Successes
		totalRecovery += fp.TotalRecoveryTime.Seconds()
	}
	return attempts, successes, totalRecovery, nil
}

func (a patternsToRouter) SuccessRate(ctx context.Context, agentID string) (float64, error) {
	attempts, successes, _, err := a.aggregate(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if attempts == 0 {
		return 1.0, nil
	}
	return float64(successes) / float64(attempts), nil
}

func (a patternsToRouter) AvgDurationSeconds(ctx context.Context, agentID string) (float64, error) {
	_, successes, totalRecovery, err := a.aggregate(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if successes == 0 {
		return neutralAvgDurationSeconds, nil
	}
	return totalRecovery / float64(successes), nil
}

// queue.Fabric's Depth method already matches router.QueueDepthSource's
// signature exactly, so it is passed to router.New directly with no
// adapter needed.
