// Package scheduler runs the server's periodic background tasks, such as the
// artifact TTL sweep. Each task is driven by a cron schedule and runs on its
// own goroutine; a run never overlaps the previous run of the same task.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a named periodic function.
type Task struct {
	Name     string
	Schedule string // Cron expression or descriptor, e.g. "@every 60s".
	Run      func(ctx context.Context) error
}

// Every returns the "@every" descriptor for d.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// Scheduler fires registered tasks on their schedules.
type Scheduler struct {
	tasks   []scheduledTask
	metrics *Metrics
	logger  *slog.Logger
	parser  cron.Parser
	now     func() time.Time
}

type scheduledTask struct {
	Task
	schedule cron.Schedule
}

// New creates a Scheduler.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		metrics: metrics,
		logger:  logger,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:     time.Now,
	}
}

// Add registers a task. It must be called before Start.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("task requires a name and a run function")
	}
	sched, err := s.parser.Parse(t.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for task %s: %w", t.Schedule, t.Name, err)
	}
	s.tasks = append(s.tasks, scheduledTask{Task: t, schedule: sched})
	return nil
}

// Start launches every task loop. Returns a function that stops the loops and
// waits for in-flight runs to return.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	for i := range s.tasks {
		t := s.tasks[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, t)
		}()
	}

	return func() {
		cancel()
		wg.Wait()
	}
}

func (s *Scheduler) loop(ctx context.Context, t scheduledTask) {
	s.logger.InfoContext(ctx, "scheduled task started",
		slog.String("task", t.Name),
		slog.String("schedule", t.Schedule),
	)
	for {
		next := t.schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduled task stopped", slog.String("task", t.Name))
			return
		case <-timer.C:
			s.RunOnce(ctx, t.Task)
		}
	}
}

// RunOnce executes a task immediately and records its outcome.
func (s *Scheduler) RunOnce(ctx context.Context, t Task) {
	start := time.Now()
	err := t.Run(ctx)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		s.logger.ErrorContext(ctx, "scheduled task failed",
			slog.String("task", t.Name),
			slog.String("error", err.Error()),
		)
	}
	if s.metrics != nil {
		s.metrics.RunsTotal.WithLabelValues(t.Name, status).Inc()
		s.metrics.RunDuration.WithLabelValues(t.Name).Observe(elapsed.Seconds())
	}
}
