// Package logging provides the structured logger used across every
// subsystem of the orchestrator. It follows the layered-observability
// design of the framework this project is built in the style of: JSON
// records by default for production log aggregation, plain leveled text
// lines when configured with Format "text", and an optional context-aware variant for request
// correlation.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Logger is the minimal logging interface every package depends on.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentLogger extends Logger with a per-component identifier, so the
// same base configuration can be shared across subsystems while still
// letting logs be filtered by component (e.g. "queue", "retry", "hooks").
type ComponentLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOp is the zero-value logger; safe as a default in tests and in code
// paths that never received a configured logger.
type NoOp struct{}

func (NoOp) Info(string, map[string]interface{})  {}
func (NoOp) Warn(string, map[string]interface{})  {}
func (NoOp) Error(string, map[string]interface{}) {}
func (NoOp) Debug(string, map[string]interface{}) {}
func (NoOp) InfoContext(context.Context, string, map[string]interface{})  {}
func (NoOp) WarnContext(context.Context, string, map[string]interface{})  {}
func (NoOp) ErrorContext(context.Context, string, map[string]interface{}) {}
func (NoOp) DebugContext(context.Context, string, map[string]interface{}) {}

// contextKey is used to stash a request/trace id in a context.Context so it
// rides along into log records without threading it through every call.
type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID returns a context carrying a request id for correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Production is the structured logger used outside tests.
type Production struct {
	level     string
	debug     bool
	service   string
	component string
	format    string
	output    io.Writer
}

// Options configures a Production logger.
type Options struct {
	Level   string // debug|info|warn|error
	Format  string // json|text
	Output  io.Writer
	Service string
}

// New creates a Production logger from Options, filling in defaults the
// same way the framework's config layer does (default to info/json/stdout).
func New(opts Options) *Production {
	if opts.Level == "" {
		opts.Level = "info"
	}
	if opts.Format == "" {
		opts.Format = "json"
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Service == "" {
		opts.Service = "orchestrator"
	}
	return &Production{
		level:   strings.ToLower(opts.Level),
		debug:   strings.ToLower(opts.Level) == "debug",
		service: opts.Service,
		format:  opts.Format,
		output:  opts.Output,
	}
}

func (p *Production) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *Production) Info(msg string, fields map[string]interface{}) {
	p.emit("INFO", msg, fields, nil)
}
func (p *Production) Warn(msg string, fields map[string]interface{}) {
	p.emit("WARN", msg, fields, nil)
}
func (p *Production) Error(msg string, fields map[string]interface{}) {
	p.emit("ERROR", msg, fields, nil)
}
func (p *Production) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.emit("DEBUG", msg, fields, nil)
	}
}

func (p *Production) InfoContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.emit("INFO", msg, fields, ctx)
}
func (p *Production) WarnContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.emit("WARN", msg, fields, ctx)
}
func (p *Production) ErrorContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.emit("ERROR", msg, fields, ctx)
}
func (p *Production) DebugContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.emit("DEBUG", msg, fields, ctx)
	}
}

func (p *Production) emit(level, msg string, fields map[string]interface{}, ctx context.Context) {
	ts := time.Now().Format(time.RFC3339)
	component := p.component
	if component == "" {
		component = "core"
	}
	reqID := requestIDFrom(ctx)

	if p.format == "json" {
		rec := map[string]interface{}{
			"timestamp": ts,
			"level":     level,
			"service":   p.service,
			"component": component,
			"message":   msg,
		}
		if reqID != "" {
			rec["request_id"] = reqID
		}
		for k, v := range fields {
			rec[k] = v
		}
		if data, err := json.Marshal(rec); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	reqPart := ""
	if reqID != "" {
		reqPart = fmt.Sprintf("[req=%s] ", reqID)
	}
	fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s%s\n", ts, level, p.service, component, reqPart, msg, b.String())
}
