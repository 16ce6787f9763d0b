package hooks

import (
	"context"

	"github.com/taskmesh/orchestrator/internal/task"
)

// AgentSource supplies the candidate pool the predictive router scores
// against; internal/agentrt owns the live registry.
type AgentSource interface {
	Candidates(ctx context.Context) ([]*task.Agent, error)
}

// DecisionRouter is the subset of internal/router.Router the hook needs,
// kept as an interface so hooks never imports router directly (avoiding
// a hooks<->router import cycle, since router has no reason to know
// about hooks).
type DecisionRouter interface {
	Route(ctx context.Context, t *task.Task, candidates []*task.Agent) (*RouteDecision, error)
}

// RouteDecision mirrors router.Decision's fields the hook needs to apply
// as context modifications.
type RouteDecision struct {
	PrimaryAgent string
	Reason       string
}

// PredictiveRouter is the predictive-task-router built-in hook (priority
// ~95, type pre-task-assignment): it exposes §4.2's routing logic as a
// skippable/replaceable hook rather than a hard-wired call.
type PredictiveRouter struct {
	agents AgentSource
	router DecisionRouter
}

// NewPredictiveRouter builds the hook over an agent source and router.
func NewPredictiveRouter(agents AgentSource, router DecisionRouter) *PredictiveRouter {
	return &PredictiveRouter{agents: agents, router: router}
}

// Validate never blocks; routing advice is informational.
func (p *PredictiveRouter) Validate(ctx context.Context, hc *Context) (Decision, error) {
	return Decision{}, nil
}

// Execute scores candidates and returns the chosen agent as a
// preferred_agent context modification.
func (p *PredictiveRouter) Execute(ctx context.Context, hc *Context) (Result, error) {
	candidates, err := p.agents.Candidates(ctx)
	if err != nil {
		return Result{}, err
	}
	decision, err := p.router.Route(ctx, hc.Task, candidates)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Data: decision,
		ContextModifications: map[string]interface{}{
			"preferred_agent": decision.PrimaryAgent,
		},
	}, nil
}
