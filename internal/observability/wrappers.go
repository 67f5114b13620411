package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/seiro/internal/jobstore"
	"github.com/jkaninda/seiro/internal/sandbox"
	"github.com/jkaninda/seiro/internal/service"
)

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics and tracing.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandbox {
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: metrics,
		tracer:  ts.tracerOrNil(),
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.working_dir", req.WorkingDir),
				attribute.Int64("sandbox.timeout_ms", req.Timeout.Milliseconds()),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result.TimedOut:
		status = "timeout"
		if s.tracer != nil {
			trace.SpanFromContext(ctx).SetStatus(codes.Error, "timed out")
		}
	case result.ExitCode != 0:
		status = "nonzero_exit"
		if s.tracer != nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(status).Inc()
		s.metrics.SandboxExecutionDuration.Observe(duration)
	}

	return result, err
}

// --- BuildRecorder ---

// BuildRecorder turns job lifecycle events into metrics and one span per
// build. The span is recorded retroactively when the job finishes, so no
// per-job state is held between events.
type BuildRecorder struct {
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewBuildRecorder creates a recorder. Both arguments may be nil.
func NewBuildRecorder(metrics *MetricsCollector, ts *TracerSetup) *BuildRecorder {
	return &BuildRecorder{metrics: metrics, tracer: ts.tracerOrNil()}
}

func (b *BuildRecorder) BuildStarted(_ context.Context, _ service.BuildEvent) {
	if b.metrics != nil {
		b.metrics.BuildsInFlight.Inc()
	}
}

func (b *BuildRecorder) BuildFinished(ctx context.Context, ev service.BuildEvent) {
	if b.metrics != nil {
		b.metrics.BuildsInFlight.Dec()
		b.metrics.BuildsTotal.WithLabelValues(string(ev.Status), string(ev.ErrorCode)).Inc()
		b.metrics.BuildDuration.WithLabelValues(string(ev.Status)).Observe(ev.Elapsed.Seconds())
	}

	if b.tracer == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("build.job_id", ev.JobID),
		attribute.String("build.scheme", ev.Scheme),
		attribute.String("build.status", string(ev.Status)),
		attribute.Int64("build.elapsed_ms", ev.Elapsed.Milliseconds()),
	}
	if ev.ExitCode != nil {
		attrs = append(attrs, attribute.Int("build.exit_code", *ev.ExitCode))
	}
	if ev.ArtifactSHA256 != "" {
		attrs = append(attrs, attribute.String("build.artifact_sha256", ev.ArtifactSHA256))
	}
	_, span := b.tracer.Start(ctx, "build",
		trace.WithTimestamp(ev.StartedAt),
		trace.WithAttributes(attrs...),
	)
	if ev.Status != jobstore.StatusSucceeded {
		span.SetStatus(codes.Error, string(ev.ErrorCode))
	}
	span.End(trace.WithTimestamp(ev.FinishedAt))
}

func (b *BuildRecorder) PolicyValidated(ctx context.Context, ev service.ValidationEvent) {
	result, code := "ok", "none"
	if !ev.Result.OK() {
		result, code = "refused", string(ev.Result.Err.Code)
	}
	if b.metrics != nil {
		b.metrics.ValidationsTotal.WithLabelValues(result, code).Inc()
	}
	if b.tracer != nil {
		trace.SpanFromContext(ctx).AddEvent("sandbox_policy",
			trace.WithAttributes(
				attribute.String("policy.result", result),
				attribute.String("policy.code", code),
			))
	}
}

// --- Tool calls ---

// RecordToolCall records one MCP tool invocation. Nil-safe.
func (m *MetricsCollector) RecordToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Sandbox            = (*InstrumentedSandbox)(nil)
	_ service.Sink               = (*BuildRecorder)(nil)
	_ service.ValidationObserver = (*BuildRecorder)(nil)
)
