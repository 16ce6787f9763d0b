// Package metrics wraps OpenTelemetry instrumentation for the
// orchestrator core, following the teacher framework's telemetry module:
// a small facade so the rest of the codebase never imports the otel SDK
// directly, and a no-op implementation for tests and standalone mode.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder is the subset of telemetry every subsystem needs: counters for
// discrete events and gauges/histograms for point-in-time or distribution
// measurements (queue depth, routing score, hook duration).
type Recorder interface {
	Counter(ctx context.Context, name string, labels ...string)
	Gauge(ctx context.Context, name string, value float64, labels ...string)
	Histogram(ctx context.Context, name string, value float64, labels ...string)
}

// NoOp satisfies Recorder without emitting anything; the default when
// telemetry is not configured.
type NoOp struct{}

func (NoOp) Counter(context.Context, string, ...string)            {}
func (NoOp) Gauge(context.Context, string, float64, ...string)     {}
func (NoOp) Histogram(context.Context, string, float64, ...string) {}

// OTel adapts a metric.Meter into a Recorder, lazily creating one
// instrument per metric name on first use.
type OTel struct {
	meter      metric.Meter
	counters   map[string]metric.Int64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

// NewOTel wraps the given meter (obtained from the process's MeterProvider).
func NewOTel(meter metric.Meter) *OTel {
	return &OTel{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func attrsFromLabels(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

func (o *OTel) Counter(ctx context.Context, name string, labels ...string) {
	c, ok := o.counters[name]
	if !ok {
		var err error
		c, err = o.meter.Int64Counter(name)
		if err != nil {
			return
		}
		o.counters[name] = c
	}
	c.Add(ctx, 1, metric.WithAttributes(attrsFromLabels(labels)...))
}

func (o *OTel) Gauge(ctx context.Context, name string, value float64, labels ...string) {
	g, ok := o.gauges[name]
	if !ok {
		var err error
		g, err = o.meter.Float64Gauge(name)
		if err != nil {
			return
		}
		o.gauges[name] = g
	}
	g.Record(ctx, value, metric.WithAttributes(attrsFromLabels(labels)...))
}

func (o *OTel) Histogram(ctx context.Context, name string, value float64, labels ...string) {
	h, ok := o.histograms[name]
	if !ok {
		var err error
		h, err = o.meter.Float64Histogram(name)
		if err != nil {
			return
		}
		o.histograms[name] = h
	}
	h.Record(ctx, value, metric.WithAttributes(attrsFromLabels(labels)...))
}
