package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/orchestrator/internal/broker"
)

const rollingWindowSize = 100

// durationSample is one recorded task duration for a (agent, task-type) key.
type durationSample struct {
	duration time.Duration
	memoryKB int64
	failed   bool
}

type runningWindow struct {
	mu      sync.Mutex
	samples []durationSample
}

func (w *runningWindow) add(s durationSample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, s)
	if len(w.samples) > rollingWindowSize {
		w.samples = w.samples[len(w.samples)-rollingWindowSize:]
	}
}

func (w *runningWindow) percentiles() (p50, p90, p99 time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return 0, 0, 0
	}
	durations := make([]time.Duration, len(w.samples))
	for i, s := range w.samples {
		durations[i] = s.duration
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	return percentileOf(durations, 0.50), percentileOf(durations, 0.90), percentileOf(durations, 0.99)
}

func percentileOf(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func (w *runningWindow) failureRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return 0
	}
	failures := 0
	for _, s := range w.samples {
		if s.failed {
			failures++
		}
	}
	return float64(failures) / float64(len(w.samples))
}

// memoryTrendIncreasing reports whether memory usage increased more than
// 10% from the first to the last sample (monotonic-increase heuristic).
func (w *runningWindow) memoryTrendIncreasing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) < 2 {
		return false
	}
	first := w.samples[0].memoryKB
	last := w.samples[len(w.samples)-1].memoryKB
	if first <= 0 {
		return false
	}
	return float64(last-first)/float64(first) > 0.10
}

func windowKey(agentID, taskType string) string { return agentID + "|" + taskType }

// PostExecutionLogging is the post-task built-in hook (priority ~90): it
// updates per-agent/task-type counters, maintains rolling p50/p90/p99
// windows, and detects anomalies.
type PostExecutionLogging struct {
	b      broker.Broker
	mu     sync.Mutex
	windows map[string]*runningWindow
}

// NewPostExecutionLogging builds the hook over the given broker, used
// both for durable counters and anomaly-alert publication.
func NewPostExecutionLogging(b broker.Broker) *PostExecutionLogging {
	return &PostExecutionLogging{b: b, windows: make(map[string]*runningWindow)}
}

// Validate never blocks; logging is purely observational.
func (p *PostExecutionLogging) Validate(ctx context.Context, hc *Context) (Decision, error) {
	return Decision{}, nil
}

func (p *PostExecutionLogging) window(key string) *runningWindow {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.windows[key]
	if !ok {
		w = &runningWindow{}
		p.windows[key] = w
	}
	return w
}

// Execute records the completed task cycle's outcome and checks for
// anomalies against the rolling window.
func (p *PostExecutionLogging) Execute(ctx context.Context, hc *Context) (Result, error) {
	agentID := ""
	if hc.Agent != nil {
		agentID = hc.Agent.ID
	}
	key := windowKey(agentID, hc.Task.Type)
	w := p.window(key)

	failed := hc.Exec.Error != ""
	w.add(durationSample{duration: hc.Exec.Duration, failed: failed})

	if agentID != "" {
		_, _ = p.b.HIncrBy(ctx, broker.AgentMetricsKey(agentID), "completed", 1)
		_, _ = p.b.HIncrBy(ctx, broker.TaskTypeMetricsKey(hc.Task.Type), "completed", 1)
		if failed {
			_, _ = p.b.HIncrBy(ctx, broker.AgentMetricsKey(agentID), "failed", 1)
		}
	}

	p50, _, p99 := w.percentiles()
	if p99 > 0 && hc.Exec.Duration > time.Duration(1.5*float64(p99)) {
		p.publishAlert(ctx, "warning", fmt.Sprintf("task duration %v exceeds 1.5x p99 (%v)", hc.Exec.Duration, p99), hc.Task.ID)
	}
	if w.failureRate() > 0.20 {
		p.publishAlert(ctx, "critical", "failure rate exceeds 20%", hc.Task.ID)
	}
	if w.memoryTrendIncreasing() {
		p.publishAlert(ctx, "warning", "monotonic memory increase exceeds 10% per task", hc.Task.ID)
	}

	_ = p50
	return Result{}, nil
}

func (p *PostExecutionLogging) publishAlert(ctx context.Context, level, message, taskID string) {
	if p.b == nil {
		return
	}
	data, err := json.Marshal(map[string]interface{}{"level": level, "message": message, "task_id": taskID, "at": time.Now()})
	if err != nil {
		return
	}
	channel := broker.ChannelLogsExecution
	if level == "critical" {
		channel = broker.ChannelAlertsCritical
	}
	_ = p.b.Publish(ctx, channel, string(data))
}
