// Package telemetry wires OpenTelemetry spans and metric instruments
// around cluster starts, agent runs, and hook firings: a package-level
// Tracer() plus named StartXSpan helpers per operation. Spans and
// metrics are drained through small in-repo exporters that fold into
// the same structured log stream the rest of the engine writes to, so
// no external collector is required to observe anything.
package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loomwork/conclave"

// Meters bundles the metric recorder closures used throughout a
// cluster's lifetime, already bound to their instruments so call sites
// never touch the otel/metric option API directly.
type Meters struct {
	RunDuration    func(ctx context.Context, seconds float64, attrs...attribute.KeyValue)
	Iterations     func(ctx context.Context, attrs...attribute.KeyValue)
	HooksFired     func(ctx context.Context, attrs...attribute.KeyValue)
	ClusterStarted func(ctx context.Context, attrs...attribute.KeyValue)
}

// Provider holds the process-wide tracer and meter providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	Meters         Meters
}

// Setup installs a TracerProvider and MeterProvider as the OTel
// globals and returns a Provider plus a shutdown func. Every cluster
// start, agent run, and hook firing becomes a span; iteration counts
// and run durations are recorded as metric instruments.
func Setup(serviceName, serviceVersion string) (*Provider, func(context.Context) error, error) {
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", serviceVersion),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(&logSpanExporter{})),
	)
	otel.SetTracerProvider(tp)

	reader := sdkmetric.NewPeriodicReader(&logMetricExporter{}, sdkmetric.WithInterval(30*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)

	meter := mp.Meter(instrumentationName)

	runDurationHist, err := meter.Float64Histogram("conclave.agent.run_duration_seconds",
		metric.WithDescription("Duration of one Agent Scheduler task-runner invocation."))
	if err != nil {
		return nil, nil, err
	}
	iterCounter, err := meter.Int64Counter("conclave.agent.iterations",
		metric.WithDescription("Count of agent trigger executions."))
	if err != nil {
		return nil, nil, err
	}
	hookCounter, err := meter.Int64Counter("conclave.hooks.fired",
		metric.WithDescription("Count of hooks that published an outbound message."))
	if err != nil {
		return nil, nil, err
	}
	clusterCounter, err := meter.Int64Counter("conclave.clusters.started",
		metric.WithDescription("Count of clusters started."))
	if err != nil {
		return nil, nil, err
	}

	p := &Provider{
		tracerProvider: tp,
		meterProvider:  mp,
		Meters: Meters{
			RunDuration: func(ctx context.Context, seconds float64, attrs...attribute.KeyValue) {
				runDurationHist.Record(ctx, seconds, metric.WithAttributes(attrs...))
			},
			Iterations: func(ctx context.Context, attrs...attribute.KeyValue) {
				iterCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
			},
			HooksFired: func(ctx context.Context, attrs...attribute.KeyValue) {
				hookCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
			},
			ClusterStarted: func(ctx context.Context, attrs...attribute.KeyValue) {
				clusterCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
			},
		},
	}

	shutdown := func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}

	return p, shutdown, nil
}

// Tracer returns the process-wide tracer, usable even before Setup is
// called (otel defaults to a no-op tracer until a provider is set).
func Tracer() oteltrace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartClusterSpan wraps one cluster's initialisation.
func StartClusterSpan(ctx context.Context, clusterID string) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, "cluster.start", oteltrace.WithAttributes(
		attribute.String("conclave.cluster_id", clusterID),
	))
}

// StartAgentRunSpan wraps one Agent Scheduler task-runner invocation.
func StartAgentRunSpan(ctx context.Context, clusterID, agentID string, iteration int) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, "agent.run", oteltrace.WithAttributes(
		attribute.String("conclave.cluster_id", clusterID),
		attribute.String("conclave.agent_id", agentID),
		attribute.Int("conclave.iteration", iteration),
	))
}

// StartHookSpan wraps one Hook Engine firing.
func StartHookSpan(ctx context.Context, clusterID, agentID string) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, "hook.fire", oteltrace.WithAttributes(
		attribute.String("conclave.cluster_id", clusterID),
		attribute.String("conclave.agent_id", agentID),
	))
}

// --- log-backed exporters (no external collector required) ---

type logSpanExporter struct{}

func (e *logSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		log.Printf("[telemetry] span %s trace=%s dur=%s attrs=%d",
			s.Name(), s.SpanContext().TraceID(), s.EndTime().Sub(s.StartTime()), len(s.Attributes()))
	}
	return nil
}

func (e *logSpanExporter) Shutdown(ctx context.Context) error { return nil }

type logMetricExporter struct{}

func (e *logMetricExporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (e *logMetricExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

func (e *logMetricExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	count := 0
	for _, sm := range rm.ScopeMetrics {
		count += len(sm.Metrics)
	}
	log.Printf("[telemetry] exporting %d metric streams", count)
	return nil
}

func (e *logMetricExporter) ForceFlush(ctx context.Context) error { return nil }
func (e *logMetricExporter) Shutdown(ctx context.Context) error   { return nil }
