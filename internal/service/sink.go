package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/seiro/internal/jobstore"
	"github.com/jkaninda/seiro/internal/policy"
	"github.com/jkaninda/seiro/internal/toolerr"
)

// BuildEvent is emitted when a job starts and again when it reaches a
// terminal status.
type BuildEvent struct {
	JobID          string
	ProjectPath    string
	Scheme         string
	Status         jobstore.Status
	StartedAt      time.Time
	FinishedAt     time.Time     // Zero on start events.
	Elapsed        time.Duration // Zero on start events.
	ExitCode       *int
	ArtifactSHA256 string
	ErrorCode      toolerr.Code
}

// ValidationEvent is emitted after every policy validation.
type ValidationEvent struct {
	ProjectPath string
	Result      *policy.Result
}

// Sink receives job lifecycle events. Implementations must not block for long;
// they run on the request path.
type Sink interface {
	BuildStarted(ctx context.Context, ev BuildEvent)
	BuildFinished(ctx context.Context, ev BuildEvent)
}

// ValidationObserver is implemented by sinks that also record validations.
type ValidationObserver interface {
	PolicyValidated(ctx context.Context, ev ValidationEvent)
}

// Sinks fans events out to every member in order.
type Sinks []Sink

func (m Sinks) BuildStarted(ctx context.Context, ev BuildEvent) {
	for _, s := range m {
		s.BuildStarted(ctx, ev)
	}
}

func (m Sinks) BuildFinished(ctx context.Context, ev BuildEvent) {
	for _, s := range m {
		s.BuildFinished(ctx, ev)
	}
}

func (m Sinks) PolicyValidated(ctx context.Context, ev ValidationEvent) {
	for _, s := range m {
		if o, ok := s.(ValidationObserver); ok {
			o.PolicyValidated(ctx, ev)
		}
	}
}

// LogSink writes job events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) BuildStarted(ctx context.Context, ev BuildEvent) {
	l.logger.InfoContext(ctx, "build started",
		slog.String("job_id", ev.JobID),
		slog.String("status", string(ev.Status)),
		slog.String("project_path", ev.ProjectPath),
		slog.String("scheme", ev.Scheme),
	)
}

func (l *LogSink) BuildFinished(ctx context.Context, ev BuildEvent) {
	attrs := []any{
		slog.String("job_id", ev.JobID),
		slog.String("status", string(ev.Status)),
		slog.Int64("elapsed_ms", ev.Elapsed.Milliseconds()),
	}
	if ev.ExitCode != nil {
		attrs = append(attrs, slog.Int("exit_code", *ev.ExitCode))
	}
	if ev.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", string(ev.ErrorCode)))
	}
	if ev.Status == jobstore.StatusSucceeded {
		l.logger.InfoContext(ctx, "build finished", append(attrs, slog.String("artifact_sha256", ev.ArtifactSHA256))...)
		return
	}
	l.logger.WarnContext(ctx, "build finished", attrs...)
}

func (l *LogSink) PolicyValidated(ctx context.Context, ev ValidationEvent) {
	if ev.Result.OK() {
		l.logger.DebugContext(ctx, "sandbox policy ok", slog.String("project_path", ev.ProjectPath))
		return
	}
	l.logger.InfoContext(ctx, "sandbox policy refused",
		slog.String("project_path", ev.ProjectPath),
		slog.String("code", string(ev.Result.Err.Code)),
	)
}

var (
	_ Sink               = Sinks(nil)
	_ ValidationObserver = Sinks(nil)
	_ Sink               = (*LogSink)(nil)
	_ ValidationObserver = (*LogSink)(nil)
)
