// Package hooks implements the pluggable pre/post execution pipeline
// (spec §4.4): a static registry, a parallel/sequential executor, named
// chains, and the three built-in hooks (safety gate, predictive router,
// post-execution logging).
package hooks

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/errs"
	"github.com/taskmesh/orchestrator/internal/task"
)

// Decision is what a hook's Validate step returns: either it passes, or
// it blocks execution with a reason and structured violations.
type Decision struct {
	Block      bool                `json:"block"`
	Reason     string              `json:"reason,omitempty"`
	Violations []Violation         `json:"violations,omitempty"`
	Reroute    string              `json:"reroute,omitempty"`
}

// Violation is one matched safety pattern.
type Violation struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern"`
	Reason  string `json:"reason"`
}

// Result is what a hook's Execute step returns.
type Result struct {
	Data                 interface{}            `json:"data,omitempty"`
	ContextModifications map[string]interface{} `json:"context_modifications,omitempty"`
	StopChain            bool                   `json:"stop_chain,omitempty"`
}

// Handler is the two-method capability interface every hook implements —
// a tagged-variant-free alternative to the reflective dispatch the
// design notes rule out.
type Handler interface {
	Validate(ctx context.Context, hc *Context) (Decision, error)
	Execute(ctx context.Context, hc *Context) (Result, error)
}

type entry struct {
	desc    task.HookDescriptor
	handler Handler
}

// Registry is the hub-and-spoke arena: hooks never reference each other
// directly, only by id looked up through the registry, mirroring the
// teacher's name-keyed capability catalog.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	b       broker.Broker
}

// NewRegistry builds an empty registry. b may be nil for tests that never
// need cross-process hook-config propagation.
func NewRegistry(b broker.Broker) *Registry {
	return &Registry{entries: make(map[string]*entry), b: b}
}

// Register adds a hook statically — there is no filesystem or reflective
// discovery; callers register every hook explicitly at startup (or in
// test setup), per the design notes.
func (r *Registry) Register(desc task.HookDescriptor, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[desc.ID] = &entry{desc: desc, handler: handler}
}

// SetEnabled flips a hook's enabled flag and, if a broker is wired,
// publishes the change so peer processes observe it too.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return errs.ErrHookNotFound
	}
	e.desc.Enabled = enabled
	r.mu.Unlock()

	if r.b == nil {
		return nil
	}
	data, err := json.Marshal(map[string]interface{}{"id": id, "enabled": enabled})
	if err != nil {
		return err
	}
	return r.b.Publish(ctx, broker.ChannelHookConfigChanged, string(data))
}

// ByType returns every enabled hook of the given type, sorted by
// descending priority (ties broken by registration id for determinism).
func (r *Registry) ByType(t task.HookType) []task.HookDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []task.HookDescriptor
	for _, e := range r.entries {
		if e.desc.Type == t && e.desc.Enabled {
			out = append(out, e.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Handler returns the concrete Handler for a registered hook id.
func (r *Registry) Handler(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// LoadPluginList is a placeholder documenting where externally
// configured plugin hooks would be wired in; dynamic code loading is a
// declared non-goal, so this loads nothing: it returns the names that are
// not already registered via Register elsewhere.
func (r *Registry) LoadPluginList(names []string) []string {
	var missing []string
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range names {
		if _, ok := r.entries[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}
