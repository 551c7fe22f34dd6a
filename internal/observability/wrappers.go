package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/jaribu/internal/testrunner"
)

// InstrumentedRunner wraps a testrunner.Runner with metrics, tracing, and
// anomaly detection.
type InstrumentedRunner struct {
	inner   testrunner.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a test runner with observability.
func NewInstrumentedRunner(inner testrunner.Runner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (r *InstrumentedRunner) Name() string { return r.inner.Name() }

func (r *InstrumentedRunner) CanRun(t *testrunner.Target) bool { return r.inner.CanRun(t) }

func (r *InstrumentedRunner) Run(ctx context.Context, t *testrunner.Target) (*testrunner.Result, error) {
	runner := r.inner.Name()

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "test.run",
			trace.WithAttributes(
				attribute.String("test.runner", runner),
				attribute.String("test.runtime", string(t.Runtime)),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := r.inner.Run(ctx, t)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result != nil && result.Error != "":
		status = "execution_error"
	case result != nil && !result.Success:
		status = "failures"
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Int("test.failed", result.Summary.Failed))
		}
	}

	if r.metrics != nil {
		r.metrics.TestRunsTotal.WithLabelValues(runner, status).Inc()
		r.metrics.TestRunDuration.WithLabelValues(runner).Observe(duration)
	}

	if r.anomaly != nil {
		if err != nil || (result != nil && result.Error != "") {
			r.anomaly.RecordError("test_run")
		} else {
			r.anomaly.RecordSuccess("test_run")
		}
	}

	return result, err
}

// InstrumentRunners wraps each runner with observability. Returns the
// input unchanged when observability is disabled.
func (o *Observability) InstrumentRunners(runners []testrunner.Runner) []testrunner.Runner {
	if o == nil {
		return runners
	}
	wrapped := make([]testrunner.Runner, 0, len(runners))
	for _, r := range runners {
		wrapped = append(wrapped, NewInstrumentedRunner(r, o.Metrics, o.Tracer, o.Anomaly))
	}
	return wrapped
}

// Compile-time interface check.
var _ testrunner.Runner = (*InstrumentedRunner)(nil)
