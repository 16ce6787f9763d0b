package broker

import "fmt"

// Key-space convention (spec §6). Centralizing these as functions prevents
// the two competing in-flight naming schemes the original system used
// ("processing:{type}" vs "in_flight:{agent}") from reappearing: this
// rewrite unifies on per-agent in-flight lists everywhere.

// ReadyQueueKey is the per-agent, per-priority ready sorted set.
func ReadyQueueKey(agent string, priority int) string {
	return fmt.Sprintf("queue:%s:p:%d", agent, priority)
}

// ReadyQueuePattern matches every priority ready set for an agent. The
// queue fabric does not use it; it polls each priority key in turn.
func ReadyQueuePattern(agent string) string {
	return fmt.Sprintf("queue:%s:p:*", agent)
}

// InFlightKey is the per-agent in-flight list. The spec's open question is
// resolved here: there is no "processing:{type}" key in this rewrite.
func InFlightKey(agent string) string {
	return fmt.Sprintf("in_flight:%s", agent)
}

const (
	// RetryScheduleKey is the sorted set of pending retries, keyed by due-time ms.
	RetryScheduleKey = "retry:scheduled"

	// DLQKey is the sorted set of archived tasks, keyed by expiry-time ms.
	DLQKey = "dlq:failed_tasks"

	// CircuitBreakersKey is the hash of "{agent}:{class}" -> state blob.
	CircuitBreakersKey = "circuit:breakers"

	// RecoveryPatternsKey is the hash of "{agent}:{class}" -> running totals.
	RecoveryPatternsKey = "recovery:patterns"
)

// RetryHistoryKey is the capped list of recent attempts for one task.
func RetryHistoryKey(taskID string) string {
	return fmt.Sprintf("retry:history:%s", taskID)
}

// AgentMetricsKey is the hash of per-agent counters.
func AgentMetricsKey(agentID string) string {
	return fmt.Sprintf("metrics:agent:%s", agentID)
}

// TaskTypeMetricsKey is the hash of per-task-type counters.
func TaskTypeMetricsKey(taskType string) string {
	return fmt.Sprintf("metrics:tasktype:%s", taskType)
}

// TxLogDayKey is the day-keyed sorted set of every transaction event.
func TxLogDayKey(day string) string {
	return fmt.Sprintf("txlog:%s", day)
}

// TxLogTypeKey is the type index for a given day.
func TxLogTypeKey(eventType, day string) string {
	return fmt.Sprintf("txlog:type:%s:%s", eventType, day)
}

// TxLogQueueKey is the queue index for a given day.
func TxLogQueueKey(queue, day string) string {
	return fmt.Sprintf("txlog:queue:%s:%s", queue, day)
}

// RoutingDecisionKey caches the routing decision for one task.
func RoutingDecisionKey(taskID string) string {
	return fmt.Sprintf("routing:decision:%s", taskID)
}

// RoutingStatsKey is the per-model routing counter hash.
func RoutingStatsKey(model string) string {
	return fmt.Sprintf("routing:stats:%s", model)
}

// TaskInfoKey holds the JSON TaskInfo read by queue.Fabric.GetTaskInfo
// (design question #2): last known owner queue, status, and timestamp.
func TaskInfoKey(taskID string) string {
	return fmt.Sprintf("task:%s", taskID)
}

// HookExecutionKey stores one hook-chain execution record, TTL 24h.
func HookExecutionKey(executionID string) string {
	return fmt.Sprintf("hooks:execution:%s", executionID)
}

// Event channels (spec §6).
const (
	ChannelHooksEvents        = "hooks:events"
	ChannelHooksRegister      = "hooks:register"
	ChannelHookConfigChanged  = "hook:config:changed"
	ChannelHookExecComplete   = "hook:execution:complete"
	ChannelHookExecError      = "hook:execution:error"
	ChannelSecurityAlerts     = "security:alerts"
	ChannelAlertsCritical     = "alerts:critical"
	ChannelLogsExecution      = "logs:execution"
)

// QueueEventChannel builds "queue:{agent}:{event}" for enqueue/dequeue/
// complete/failed notifications.
func QueueEventChannel(agent, event string) string {
	return fmt.Sprintf("queue:%s:%s", agent, event)
}

// AgentEventChannel builds "agent:{id}:{event}" for task_assigned/
// completed/failed notifications.
func AgentEventChannel(agentID, event string) string {
	return fmt.Sprintf("agent:%s:%s", agentID, event)
}

// DLQEventChannel builds "dlq:{task}:{event}" for retry/archive notifications.
func DLQEventChannel(taskID, event string) string {
	return fmt.Sprintf("dlq:%s:%s", taskID, event)
}

// TxLogSubscriptionPattern is the PSUBSCRIBE pattern the transaction
// logger registers to capture every lifecycle event.
const TxLogSubscriptionPattern = "txlog:*"

// QueueEventPattern subscribes to every queue lifecycle channel.
const QueueEventPattern = "queue:*:*"

// AgentEventPattern subscribes to every agent lifecycle channel.
const AgentEventPattern = "agent:*:*"

// DLQEventPattern subscribes to every DLQ lifecycle channel.
const DLQEventPattern = "dlq:*:*"

// HealthCorrectionChannel carries pattern-analyzer correction notices.
const HealthCorrectionChannel = "health:correction"
