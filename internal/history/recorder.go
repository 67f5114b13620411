package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/seiro/internal/service"
)

const recordTimeout = 5 * time.Second

// Recorder is a service.Sink that appends every finished build to the store.
// Write failures are logged and never fail the build.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) BuildStarted(context.Context, service.BuildEvent) {}

func (r *Recorder) BuildFinished(ctx context.Context, ev service.BuildEvent) {
	// The request context may already be canceled once the build ends.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	e := Entry{
		JobID:          ev.JobID,
		ProjectPath:    ev.ProjectPath,
		Scheme:         ev.Scheme,
		Status:         string(ev.Status),
		ExitCode:       ev.ExitCode,
		ElapsedMS:      ev.Elapsed.Milliseconds(),
		ArtifactSHA256: ev.ArtifactSHA256,
		ErrorCode:      string(ev.ErrorCode),
		StartedAt:      ev.StartedAt,
	}
	if !ev.FinishedAt.IsZero() {
		t := ev.FinishedAt
		e.FinishedAt = &t
	}
	if err := r.store.Record(ctx, e); err != nil {
		r.logger.Error("failed to record build history",
			slog.String("job_id", ev.JobID),
			slog.String("error", err.Error()),
		)
	}
}

var _ service.Sink = (*Recorder)(nil)
