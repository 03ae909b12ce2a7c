// Package telemetry holds the OpenTelemetry handles shared by the pipeline,
// the router and the dispatcher. Components always record against the
// global providers; Setup swaps those for in-process SDK providers when
// telemetry is enabled so the CLI can report counters after a run.
package telemetry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Name is the instrumentation scope of every tracer and meter.
const Name = "github.com/kingrea/employee"

// Span and metric attributes.
var (
	AttrRecordID   = attribute.Key("employee.record.id")
	AttrTaskType   = attribute.Key("employee.task.type")
	AttrEvent      = attribute.Key("employee.event")
	AttrCapability = attribute.Key("employee.capability")
	AttrOutcome    = attribute.Key("employee.outcome")
)

// Metric names.
const (
	MetricTransitions      = "employee.transitions"
	MetricIngested         = "employee.items.ingested"
	MetricDispatches       = "employee.dispatches"
	MetricDispatchDuration = "employee.dispatch.duration"
)

// Tracer returns the tracer used for pipeline spans.
func Tracer() trace.Tracer {
	return otel.Tracer(Name)
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}

// Instruments are the counters recorded by the pipeline.
type Instruments struct {
	transitions metric.Int64Counter
	ingested    metric.Int64Counter
	dispatches  metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewInstruments creates the instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		in   Instruments
		err  error
		errs []error
	)
	in.transitions, err = meter.Int64Counter(MetricTransitions, metric.WithDescription("Recorded state transitions by event"))
	errs = append(errs, err)
	in.ingested, err = meter.Int64Counter(MetricIngested, metric.WithDescription("Inbox items turned into plans"))
	errs = append(errs, err)
	in.dispatches, err = meter.Int64Counter(MetricDispatches, metric.WithDescription("Capability invocations by outcome"))
	errs = append(errs, err)
	in.duration, err = meter.Float64Histogram(MetricDispatchDuration, metric.WithDescription("Capability invocation latency"), metric.WithUnit("ms"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &in, nil
}

var (
	defaultOnce sync.Once
	defaultInst *Instruments
)

// Default returns instruments bound to the global meter provider.
func Default() *Instruments {
	defaultOnce.Do(func() {
		inst, err := NewInstruments(otel.Meter(Name))
		if err != nil {
			inst = &Instruments{}
		}
		defaultInst = inst
	})
	return defaultInst
}

// Transition counts one recorded event.
func (i *Instruments) Transition(ctx context.Context, event string, taskType string) {
	if i == nil || i.transitions == nil {
		return
	}
	i.transitions.Add(ctx, 1, metric.WithAttributes(AttrEvent.String(event), AttrTaskType.String(taskType)))
}

// Ingested counts inbox items turned into plans.
func (i *Instruments) Ingested(ctx context.Context, n int) {
	if i == nil || i.ingested == nil || n <= 0 {
		return
	}
	i.ingested.Add(ctx, int64(n))
}

// Dispatch records one capability invocation.
func (i *Instruments) Dispatch(ctx context.Context, capability, outcome string, elapsed time.Duration) {
	if i == nil || i.dispatches == nil {
		return
	}
	attrs := metric.WithAttributes(AttrCapability.String(capability), AttrOutcome.String(outcome))
	i.dispatches.Add(ctx, 1, attrs)
	if i.duration != nil {
		i.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

// Provider owns the SDK providers installed by Setup.
type Provider struct {
	tracer *sdktrace.TracerProvider
	meter  *sdkmetric.MeterProvider
	reader *sdkmetric.ManualReader
}

// Setup installs SDK trace and meter providers as the globals. When
// enabled is false it returns a Provider that reports nothing.
func Setup(enabled bool) *Provider {
	if !enabled {
		return &Provider{}
	}
	reader := sdkmetric.NewManualReader()
	p := &Provider{
		tracer: sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample())),
		meter:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		reader: reader,
	}
	otel.SetTracerProvider(p.tracer)
	otel.SetMeterProvider(p.meter)
	return p
}

// Enabled reports whether SDK providers are installed.
func (p *Provider) Enabled() bool {
	return p != nil && p.reader != nil
}

// Counter is one collected counter series.
type Counter struct {
	Name       string
	Attributes string
	Value      int64
}

// Counters collects every integer counter recorded so far.
func (p *Provider) Counters(ctx context.Context) ([]Counter, error) {
	if !p.Enabled() {
		return nil, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	var out []Counter
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out = append(out, Counter{
					Name:       m.Name,
					Attributes: dp.Attributes.Encoded(attribute.DefaultEncoder()),
					Value:      dp.Value,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Attributes < out[j].Attributes
	})
	return out, nil
}

// Shutdown flushes and stops the installed providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return errors.Join(p.tracer.Shutdown(ctx), p.meter.Shutdown(ctx))
}
