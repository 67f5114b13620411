package httpapi

import (
	"context"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/seiro/internal/jobstore"
)

// JobEvent is a server-sent event carrying a job snapshot.
type JobEvent struct {
	Type string       `json:"type"` // "status", "done" or "error"
	Job  jobstore.Job `json:"job,omitzero"`
	Err  string       `json:"error,omitempty"`
}

// handleJobEvents handles GET /v1/builds/{id}/events. It emits a "status"
// event on every status change and a final "done" event once the job is
// terminal.
func (g *Gateway) handleJobEvents(c *okapi.Context) error {
	id := c.Param("id")
	job, err := g.builds.Job(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}

	c.SSEvent("status", JobEvent{Type: "status", Job: job})
	err = g.pollJob(c.Context(), id, job, func(j jobstore.Job) {
		c.SSEvent("status", JobEvent{Type: "status", Job: j})
	})
	if err != nil {
		c.SSEvent("error", JobEvent{Type: "error", Err: err.Error()})
		return nil
	}
	c.SSEvent("done", JobEvent{Type: "done"})
	return nil
}

// pollJob calls emit whenever the job status differs from last, until the job
// is terminal or ctx is done.
func (g *Gateway) pollJob(ctx context.Context, id string, last jobstore.Job, emit func(jobstore.Job)) error {
	if last.Status.Terminal() {
		return nil
	}
	ticker := time.NewTicker(g.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		job, err := g.builds.Job(ctx, id)
		if err != nil {
			return err
		}
		if job.Status != last.Status {
			emit(job)
			last = job
		}
		if job.Status.Terminal() {
			return nil
		}
	}
}
