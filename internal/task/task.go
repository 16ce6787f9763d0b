// Package task holds the shared data model every core subsystem operates
// on: Task, Agent, hook descriptors and execution records, retry/circuit
// state, failure patterns, and transaction events. None of these types
// carry behavior beyond small invariant-preserving helpers — the
// subsystems in internal/queue, internal/router, internal/retry,
// internal/hooks, and internal/txlog own the operations.
package task

import (
	"time"
)

// Priority is the task's dispatch class. Higher values drain first.
type Priority int

const (
	PriorityDeferred Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "deferred"
	}
}

// ParsePriority maps the wire string form onto a Priority, defaulting to
// normal for anything unrecognized.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	case "deferred":
		return PriorityDeferred
	default:
		return PriorityNormal
	}
}

// RetryMetadata is set only once a task has been retried at least once.
type RetryMetadata struct {
	Attempt        int       `json:"attempt"`
	OriginalError  string    `json:"original_error"`
	Class          ErrorClass `json:"class,omitempty"`
	RetryStartedAt time.Time `json:"retry_started_at"`
}

// Task is the unit of work routed through the fabric. ID never mutates
// once set; Priority may only be raised by the router, never lowered;
// every mutation bumps Version, which the caller is responsible for
// recording in the transaction log.
type Task struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Prompt         string                 `json:"prompt"`
	Priority       Priority               `json:"priority"`
	Complexity     int                    `json:"complexity"` // 1-10
	PreferredAgent string                 `json:"preferred_agent,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Files          []string               `json:"files,omitempty"`
	RetryMetadata  *RetryMetadata         `json:"retry_metadata,omitempty"`

	// Version increments on every mutation; captured alongside the
	// transaction-log record so a replay can detect stale writes.
	Version int `json:"version"`

	// EstimatedTokens is memoized after the first routing pass
	// (character-count / 4) so repeated scoring doesn't recompute it.
	EstimatedTokens int `json:"estimated_tokens,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Bump increments Version and returns the task for chaining at call sites
// that apply several mutations before logging.
func (t *Task) Bump() *Task {
	t.Version++
	return t
}

// RaisePriority only ever increases Priority, matching the invariant that
// routing can escalate urgency but never downgrade it.
func (t *Task) RaisePriority(p Priority) {
	if p > t.Priority {
		t.Priority = p
		t.Bump()
	}
}

// AgentStatus is the worker's current lifecycle state.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentError   AgentStatus = "error"
)

// Eligible reports whether the agent may receive new routing decisions;
// §4.2 excludes every status except active/idle.
func (s AgentStatus) Eligible() bool {
	return s == AgentActive || s == AgentIdle
}

// Agent is a long-lived worker bound to one model provider.
type Agent struct {
	ID             string      `json:"id"`
	Model          string      `json:"model"`
	Capabilities   []string    `json:"capabilities"`
	Strengths      []string    `json:"strengths"`
	Keywords       []string    `json:"keywords"`
	Status         AgentStatus `json:"status"`
	Load           float64     `json:"load"` // 0.0-1.0
	CostPerToken   float64     `json:"cost_per_token"`
	TokenLimit     int         `json:"token_limit"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
}

// HeartbeatFresh reports whether the agent's last heartbeat is within the
// given window (§4.2 availability score's "+5 if active within 60s").
func (a *Agent) HeartbeatFresh(within time.Duration, now time.Time) bool {
	return now.Sub(a.LastHeartbeat) <= within
}

// HookType names a lifecycle point a hook may attach to.
type HookType string

const (
	HookPreTask           HookType = "pre-task"
	HookPostTask          HookType = "post-task"
	HookTaskError         HookType = "task-error"
	HookPreTaskAssignment HookType = "pre-task-assignment"
	HookMessageRouting    HookType = "message-routing"
)

// HookDescriptor is a hook's registration metadata. ID is namespaced
// "category:name". Disabling a hook is observable across processes via
// the hook:config:changed channel.
type HookDescriptor struct {
	ID       string        `json:"id"`
	Type     HookType      `json:"type"`
	Priority int           `json:"priority"` // higher runs first
	Enabled  bool          `json:"enabled"`
	Timeout  time.Duration `json:"timeout"`
}

// RetryStrategy names one of the four delay computation strategies.
type RetryStrategy string

const (
	StrategyExponential RetryStrategy = "exponential"
	StrategyLinear      RetryStrategy = "linear"
	StrategyImmediate   RetryStrategy = "immediate"
	StrategyAdaptive    RetryStrategy = "adaptive"
)

// ErrorClass is the pattern-classified kind of a task failure.
type ErrorClass string

const (
	ClassRateLimit     ErrorClass = "rate_limit"
	ClassTimeout       ErrorClass = "timeout"
	ClassConnection    ErrorClass = "connection"
	ClassParseError    ErrorClass = "parse_error"
	ClassMemoryLimit   ErrorClass = "memory_limit"
	ClassAuthentication ErrorClass = "authentication"
	ClassPermission    ErrorClass = "permission"
	ClassValidation    ErrorClass = "validation"
	ClassUnknown       ErrorClass = "unknown"
)

// RetryRecord lives in the scheduled-set keyed by ScheduledFor until it is
// executed (re-enqueued) or promoted to the DLQ.
type RetryRecord struct {
	TaskID       string        `json:"task_id"`
	Task         Task          `json:"task"`
	Class        ErrorClass    `json:"class"`
	Attempt      int           `json:"attempt"`
	MaxAttempts  int           `json:"max_attempts"`
	Strategy     RetryStrategy `json:"strategy"`
	ScheduledFor int64         `json:"scheduled_for"` // wall-clock ms

	// Override records that MaxAttempts was explicitly raised by a
	// ForceRetry call rather than taken from the class table (Open
	// Question #3 resolution).
	Override bool   `json:"override,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// CircuitState is the breaker's current position in the closed/open/
// half-open state machine.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitBreaker is keyed by (AgentID, Class) in the caller's table.
type CircuitBreaker struct {
	AgentID      string       `json:"agent_id"`
	Class        ErrorClass   `json:"class"`
	State        CircuitState `json:"state"`
	FailureCount int          `json:"failure_count"`
	OpenedAt     time.Time    `json:"opened_at,omitempty"`
}

// FailurePattern is keyed by (AgentID, Class); derived fields are computed
// on read, not stored.
type FailurePattern struct {
	AgentID           string        `json:"agent_id"`
	Class             ErrorClass    `json:"class"`
	Attempts          int           `json:"attempts"`
	Successes         int           `json:"successes"`
	TotalRecoveryTime time.Duration `json:"total_recovery_time"`
}

// SuccessRate is successes/attempts, 0 when there have been no attempts.
func (p *FailurePattern) SuccessRate() float64 {
	if p.Attempts == 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Attempts)
}

// AvgRecoveryTime is TotalRecoveryTime/Successes, 0 when there have been
// no successes yet.
func (p *FailurePattern) AvgRecoveryTime() time.Duration {
	if p.Successes == 0 {
		return 0
	}
	return p.TotalRecoveryTime / time.Duration(p.Successes)
}

// TransactionEvent is one durable audit record, stored in per-day sorted
// sets plus type/queue indexes by internal/txlog.
type TransactionEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Channel   string                 `json:"channel"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Queue     string                 `json:"queue,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
}

// HookResult is one hook's outcome within a HookExecutionRecord.
type HookResult struct {
	HookID               string                 `json:"hook_id"`
	Success               bool                   `json:"success"`
	Duration              time.Duration          `json:"duration"`
	Result                interface{}            `json:"result,omitempty"`
	ContextModifications  map[string]interface{} `json:"context_modifications,omitempty"`
	StopChain             bool                   `json:"stop_chain,omitempty"`
}

// HookExecutionRecord is stored 24h in the broker plus a bounded
// in-memory history of the most recent 100.
type HookExecutionRecord struct {
	ExecutionID string       `json:"execution_id"`
	HookType    HookType     `json:"hook_type"`
	Results     []HookResult `json:"results"`
	StartedAt   time.Time    `json:"started_at"`
}

// Status is the queue-fabric location a task currently occupies; used by
// TaskInfo to answer "where is this task right now" without a full
// transaction-log scan.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusInFlight  Status = "in_flight"
	StatusRetrying  Status = "retrying"
	StatusDLQ       Status = "dlq"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// TaskInfo is the read-model backing GetTaskInfo (Open Question #2): the
// task's last known owner queue, lifecycle status, and the timestamp of
// its most recent transition. Maintained by every atomic queue move so a
// lookup never has to replay the full event log.
type TaskInfo struct {
	TaskID    string    `json:"task_id"`
	Queue     string    `json:"queue"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}
