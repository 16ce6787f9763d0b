package hooks

import (
	"context"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/logging"
)

// --- pre-execution-safety (priority ~100, type pre-task) ---

// dangerousPattern is one named, regex-matched safety rule.
type dangerousPattern struct {
	name    string
	pattern *regexp.Regexp
}

var defaultDangerousPatterns = []dangerousPattern{
	{"destructive_filesystem", regexp.MustCompile(`(?i)\brm\s+-rf\s+/`)},
	{"destructive_filesystem", regexp.MustCompile(`(?i)\bmkfs\.|format\s+[cC]:`)},
	{"secret_file_access", regexp.MustCompile(`(?i)(\.env\b|id_rsa|/etc/shadow|\.aws/credentials)`)},
	{"credential_leak", regexp.MustCompile(`(?i)(api[_-]?key|bearer\s+[a-z0-9._-]{10,}|secret[_-]?key)\s*[:=]`)},
	{"sql_wipe", regexp.MustCompile(`(?i)\bdrop\s+(table|database)\b|\btruncate\s+table\b`)},
}

var defaultWhitelistPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)example\.com`),
}

// ResourceBudget caps per-agent activity over a rolling window.
type ResourceBudget struct {
	MaxAPICallsPerWindow  int
	MaxFileWritesPerWindow int
	MaxFileSizeBytes       int64
	Window                 time.Duration
}

func defaultResourceBudget() ResourceBudget {
	return ResourceBudget{MaxAPICallsPerWindow: 100, MaxFileWritesPerWindow: 20, MaxFileSizeBytes: 50 << 20, Window: 60 * time.Second}
}

type agentActivity struct {
	apiCalls    []time.Time
	fileWrites  []time.Time
}

// SafetyGate is the pre-execution-safety built-in hook.
type SafetyGate struct {
	patterns  []dangerousPattern
	whitelist []*regexp.Regexp
	budget    ResourceBudget
	b         broker.Broker
	logger    logging.Logger

	mu       sync.Mutex
	activity map[string]*agentActivity
}

// NewSafetyGate builds the safety gate with the default pattern set and
// resource budget. b is used to publish security-alert events.
func NewSafetyGate(b broker.Broker, logger logging.Logger) *SafetyGate {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &SafetyGate{
		patterns:  defaultDangerousPatterns,
		whitelist: defaultWhitelistPatterns,
		budget:    defaultResourceBudget(),
		b:         b,
		logger:    logger,
		activity:  make(map[string]*agentActivity),
	}
}

func (g *SafetyGate) whitelisted(text string) bool {
	for _, w := range g.whitelist {
		if w.MatchString(text) {
			return true
		}
	}
	return false
}

// Validate checks the task prompt and any file paths against the
// dangerous-pattern list and the per-agent resource budget.
func (g *SafetyGate) Validate(ctx context.Context, hc *Context) (Decision, error) {
	text := hc.Task.Prompt
	if g.whitelisted(text) {
		return Decision{}, nil
	}

	var violations []Violation
	for _, p := range g.patterns {
		if p.pattern.MatchString(text) {
			violations = append(violations, Violation{Type: p.name, Pattern: p.pattern.String(), Reason: "matched dangerous pattern"})
		}
	}
	for _, f := range hc.Task.Files {
		for _, p := range g.patterns {
			if p.pattern.MatchString(f) {
				violations = append(violations, Violation{Type: p.name, Pattern: p.pattern.String(), Reason: "matched dangerous file path"})
			}
		}
		if size, ok := fileSize(f); ok && size > g.budget.MaxFileSizeBytes {
			violations = append(violations, Violation{Type: "file_size_limit", Reason: "file exceeds the resource budget's max file size"})
		}
	}

	if len(violations) > 0 {
		g.publishAlert(ctx, hc, violations)
		return Decision{Block: true, Reason: "blocked by security policy", Violations: violations}, nil
	}

	if hc.Agent != nil && g.overBudget(hc.Agent.ID) {
		v := []Violation{{Type: "resource_budget", Reason: "exceeded rolling window budget"}}
		g.publishAlert(ctx, hc, v)
		return Decision{Block: true, Reason: "blocked by resource budget", Violations: v}, nil
	}

	return Decision{}, nil
}

// Execute records this invocation's activity against the rolling window;
// the safety gate performs no task execution of its own.
func (g *SafetyGate) Execute(ctx context.Context, hc *Context) (Result, error) {
	if hc.Agent != nil {
		g.recordAPICall(hc.Agent.ID)
		for range hc.Task.Files {
			g.recordFileWrite(hc.Agent.ID)
		}
	}
	return Result{}, nil
}

// fileSize stats path and reports its size; ok is false when the file
// doesn't exist yet (a write-in-progress target) or can't be read, in
// which case the size check is skipped rather than blocking the task.
func fileSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

func (g *SafetyGate) recordAPICall(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.activity[agentID]
	if a == nil {
		a = &agentActivity{}
		g.activity[agentID] = a
	}
	a.apiCalls = append(a.apiCalls, time.Now())
	a.apiCalls = trimWindow(a.apiCalls, g.budget.Window)
}

func (g *SafetyGate) recordFileWrite(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.activity[agentID]
	if a == nil {
		a = &agentActivity{}
		g.activity[agentID] = a
	}
	a.fileWrites = append(a.fileWrites, time.Now())
	a.fileWrites = trimWindow(a.fileWrites, g.budget.Window)
}

func (g *SafetyGate) overBudget(agentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.activity[agentID]
	if a == nil {
		return false
	}
	a.apiCalls = trimWindow(a.apiCalls, g.budget.Window)
	a.fileWrites = trimWindow(a.fileWrites, g.budget.Window)
	return len(a.apiCalls) > g.budget.MaxAPICallsPerWindow || len(a.fileWrites) > g.budget.MaxFileWritesPerWindow
}

func trimWindow(events []time.Time, window time.Duration) []time.Time {
	cutoff := time.Now().Add(-window)
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	return events[i:]
}

func (g *SafetyGate) publishAlert(ctx context.Context, hc *Context, violations []Violation) {
	if g.b == nil {
		return
	}
	names := make([]string, len(violations))
	for i, v := range violations {
		names[i] = v.Type
	}
	payload := `{"task_id":"` + hc.Task.ID + `","violations":"` + strings.Join(names, ",") + `"}`
	_ = g.b.Publish(ctx, broker.ChannelSecurityAlerts, payload)
}
