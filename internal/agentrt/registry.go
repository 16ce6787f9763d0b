package agentrt

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/orchestrator/internal/task"
)

// AgentRegistry is the live in-process roster of agents a Runtime
// dispatches to, doubling as the hooks.AgentSource the predictive-router
// hook scores against.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*task.Agent
}

// NewAgentRegistry builds an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]*task.Agent)}
}

// Register adds or replaces an agent.
func (r *AgentRegistry) Register(a *task.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a
}

// Get returns the agent by id.
func (r *AgentRegistry) Get(id string) (*task.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Heartbeat marks an agent's last-seen time as now.
func (r *AgentRegistry) Heartbeat(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[id]; ok {
		a.LastHeartbeat = now
	}
}

// SetStatus transitions an agent's lifecycle state.
func (r *AgentRegistry) SetStatus(id string, status task.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[id]; ok {
		a.Status = status
	}
}

// SetLoad updates an agent's current load fraction.
func (r *AgentRegistry) SetLoad(id string, load float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[id]; ok {
		a.Load = load
	}
}

// All returns every registered agent, in no particular order.
func (r *AgentRegistry) All() []*task.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*task.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// IDs returns every registered agent's id.
func (r *AgentRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

// Candidates implements hooks.AgentSource.
func (r *AgentRegistry) Candidates(ctx context.Context) ([]*task.Agent, error) {
	return r.All(), nil
}
