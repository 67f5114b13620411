// Package jobstore is the in-memory registry of build jobs and their artifacts.
//
// The Store is the only shared mutable state touched by concurrent builds and
// fetches. Records are copied in and out so callers never observe a
// partially-written job. Artifact expiry is evaluated at read time, so a
// fetch after the deadline fails even if the sweep has not run yet.
package jobstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jkaninda/seiro/internal/toolerr"
)

var (
	// ErrNotFound is returned for unknown (or swept) job ids.
	ErrNotFound = errors.New("job not found")
	// ErrExpired is returned when the job's artifact passed its TTL deadline.
	ErrExpired = errors.New("artifact expired")
	// ErrExists is returned by Create for a duplicate id.
	ErrExists = errors.New("job already exists")
	// ErrAlreadyFinished is returned when a terminal job is finished again.
	ErrAlreadyFinished = errors.New("job already finished")
	// ErrInvalidTransition is returned for transitions the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid job transition")
)

// Status is a job lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// Artifact is the packaged output of a succeeded job. Immutable once attached.
type Artifact struct {
	Path        string    `json:"path"`
	SHA256      string    `json:"sha256"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	TTLDeadline time.Time `json:"ttl_deadline"`
}

// Job is one build attempt.
type Job struct {
	ID          string         `json:"job_id"`
	Status      Status         `json:"status"`
	ProjectPath string         `json:"project_path"`
	Scheme      string         `json:"scheme"`
	Dir         string         `json:"-"` // Per-job working directory, removed on sweep.
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	LogExcerpt  string         `json:"log_excerpt,omitempty"`
	Artifact    *Artifact      `json:"artifact,omitempty"`
	Err         *toolerr.Error `json:"-"`
}

func (j *Job) clone() Job {
	c := *j
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	if j.Artifact != nil {
		a := *j.Artifact
		c.Artifact = &a
	}
	return c
}

// ArtifactFile is the packaging result handed to Finish.
type ArtifactFile struct {
	Path   string
	SHA256 string
	Size   int64
}

// Completion describes a job's terminal transition.
type Completion struct {
	Status     Status
	ExitCode   *int
	LogExcerpt string
	Artifact   *ArtifactFile // Required for StatusSucceeded, forbidden otherwise.
	Err        *toolerr.Error
}

// Config configures the store.
type Config struct {
	TTL time.Duration
}

// Store is the concurrency-safe job registry.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	ttl  time.Duration

	// sweeping makes overlapping sweeps no-ops.
	sweeping sync.Mutex

	now     func() time.Time
	metrics *Metrics
	logger  *slog.Logger
}

// New creates an empty store.
func New(cfg Config, metrics *Metrics, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		jobs:    make(map[string]*Job),
		ttl:     cfg.TTL,
		now:     time.Now,
		metrics: metrics,
		logger:  logger,
	}
}

// TTL returns the artifact time-to-live.
func (s *Store) TTL() time.Duration { return s.ttl }

// Create registers a running job.
func (s *Store) Create(job Job) (string, error) {
	if job.ID == "" {
		return "", fmt.Errorf("%w: empty job id", ErrInvalidTransition)
	}
	if job.Status == "" {
		job.Status = StatusRunning
	}
	if job.Status != StatusRunning {
		return "", fmt.Errorf("%w: jobs are created running, got %s", ErrInvalidTransition, job.Status)
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = s.now()
	}
	job.FinishedAt, job.ExitCode, job.Artifact, job.Err = nil, nil, nil, nil

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return "", fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	stored := job.clone()
	s.jobs[job.ID] = &stored
	s.metrics.transition("", StatusRunning)
	return job.ID, nil
}

// Finish moves a running job to a terminal status and, for succeeded jobs,
// attaches the artifact in the same critical section. A job reaches a
// terminal status exactly once.
func (s *Store) Finish(id string, c Completion) (Job, error) {
	if !c.Status.Terminal() {
		return Job{}, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, c.Status)
	}
	if (c.Status == StatusSucceeded) != (c.Artifact != nil) {
		return Job{}, fmt.Errorf("%w: artifact must be present exactly when succeeded", ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if j.Status.Terminal() {
		return j.clone(), fmt.Errorf("%w: %s is %s", ErrAlreadyFinished, id, j.Status)
	}

	now := s.now()
	j.Status = c.Status
	j.FinishedAt = &now
	if c.ExitCode != nil {
		code := *c.ExitCode
		j.ExitCode = &code
	}
	j.LogExcerpt = c.LogExcerpt
	j.Err = c.Err
	if c.Artifact != nil {
		j.Artifact = &Artifact{
			Path:        c.Artifact.Path,
			SHA256:      c.Artifact.SHA256,
			Size:        c.Artifact.Size,
			CreatedAt:   now,
			TTLDeadline: now.Add(s.ttl),
		}
	}
	s.metrics.transition(StatusRunning, c.Status)
	return j.clone(), nil
}

// Get returns a copy of the job. A succeeded job whose artifact deadline is
// before now returns the record together with ErrExpired.
func (s *Store) Get(id string, now time.Time) (Job, error) {
	s.mu.RLock()
	j, ok := s.jobs[id]
	var c Job
	if ok {
		c = j.clone()
	}
	s.mu.RUnlock()

	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if c.Artifact != nil && now.After(c.Artifact.TTLDeadline) {
		s.metrics.expiredRead()
		return c, fmt.Errorf("%w: %s expired at %s", ErrExpired, id, c.Artifact.TTLDeadline.Format(time.RFC3339))
	}
	return c, nil
}

// Sweep removes jobs whose artifact deadline is before now, and terminal jobs
// without an artifact that finished more than one TTL ago, deleting their
// working directories. Running jobs are never swept. Returns the removed ids;
// a sweep that overlaps another in progress does nothing.
func (s *Store) Sweep(now time.Time) []string {
	if !s.sweeping.TryLock() {
		return nil
	}
	defer s.sweeping.Unlock()

	var removed []*Job
	s.mu.Lock()
	for id, j := range s.jobs {
		if s.expired(j, now) {
			removed = append(removed, j)
			delete(s.jobs, id)
			s.metrics.transition(j.Status, "")
		}
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(removed))
	for _, j := range removed {
		ids = append(ids, j.ID)
		if err := removeJobFiles(j); err != nil {
			s.logger.Warn("failed to remove job files",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.metrics.swept(len(ids))
	if len(ids) > 0 {
		s.logger.Info("swept expired jobs", slog.Int("count", len(ids)))
	}
	return ids
}

func (s *Store) expired(j *Job, now time.Time) bool {
	switch {
	case j.Artifact != nil:
		return now.After(j.Artifact.TTLDeadline)
	case j.Status.Terminal() && j.FinishedAt != nil:
		return now.After(j.FinishedAt.Add(s.ttl))
	}
	return false
}

func removeJobFiles(j *Job) error {
	if j.Dir != "" {
		return os.RemoveAll(j.Dir)
	}
	if j.Artifact != nil {
		if err := os.Remove(j.Artifact.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Stats returns the number of tracked jobs per status.
func (s *Store) Stats() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Status]int, 4)
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out
}

// CleanupOrphans removes per-job directories under root whose modification
// time is older than ttl. Jobs do not survive a restart, so anything left
// behind by a previous process is unreachable.
func CleanupOrphans(root string, ttl time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading artifact root: %w", err)
	}
	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= ttl {
			continue
		}
		p := filepath.Join(root, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return removed, fmt.Errorf("removing %s: %w", p, err)
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}
