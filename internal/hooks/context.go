package hooks

import (
	"sync"
	"time"

	"github.com/taskmesh/orchestrator/internal/task"
)

// SystemSnapshot is the point-in-time system view a hook may inspect.
type SystemSnapshot struct {
	ActiveAgents    []string `json:"active_agents"`
	TotalQueueDepth int64    `json:"total_queue_depth"`
}

// ExecutionFrame carries the in-flight execution's timing/result/error.
type ExecutionFrame struct {
	StartedAt time.Time   `json:"started_at"`
	Duration  time.Duration `json:"duration,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Context is the envelope passed through a hook chain: agent/task/system
// snapshot plus two mutable maps — Shared (scratch space hooks can use to
// pass data to each other within one chain run) and Modifications (the
// accumulated contextModifications the caller applies to the task
// afterward). Concurrent access from parallel-mode hooks is guarded by mu.
type Context struct {
	mu sync.Mutex

	Agent    *task.Agent
	Task     *task.Task
	System   SystemSnapshot
	Exec     ExecutionFrame

	Shared        map[string]interface{}
	Modifications map[string]interface{}
}

// NewContext builds an empty envelope for one hook-chain run.
func NewContext(agent *task.Agent, t *task.Task, sys SystemSnapshot) *Context {
	return &Context{
		Agent:         agent,
		Task:          t,
		System:        sys,
		Shared:        make(map[string]interface{}),
		Modifications: make(map[string]interface{}),
	}
}

// MergeModifications safely merges contextModifications from one hook's
// result into the envelope's accumulated Modifications map.
func (c *Context) MergeModifications(mods map[string]interface{}) {
	if len(mods) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range mods {
		c.Modifications[k] = v
	}
}

// SetShared stores a value under key in the shared scratch map.
func (c *Context) SetShared(key string, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Shared[key] = v
}

// GetShared reads a value from the shared scratch map.
func (c *Context) GetShared(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.Shared[key]
	return v, ok
}

// ApplyModifications applies the envelope's accumulated modifications
// onto the task: preferred-agent, priority (only upward, per the task's
// own invariant), and a metadata merge.
func (c *Context) ApplyModifications() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agent, ok := c.Modifications["preferred_agent"].(string); ok && agent != "" {
		c.Task.PreferredAgent = agent
	}
	if p, ok := c.Modifications["priority"].(task.Priority); ok {
		c.Task.RaisePriority(p)
	}
	if meta, ok := c.Modifications["metadata"].(map[string]interface{}); ok {
		if c.Task.Metadata == nil {
			c.Task.Metadata = make(map[string]interface{})
		}
		for k, v := range meta {
			c.Task.Metadata[k] = v
		}
	}
}
