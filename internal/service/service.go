// Package service composes the policy validator, build executor and job store
// into the three operations exposed to clients: validate_sandbox_policy,
// build_visionos_app and fetch_build_output.
package service

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/seiro/internal/artifact"
	"github.com/jkaninda/seiro/internal/build"
	"github.com/jkaninda/seiro/internal/jobstore"
	"github.com/jkaninda/seiro/internal/policy"
	"github.com/jkaninda/seiro/internal/toolerr"
)

// Config configures the facade.
type Config struct {
	XcodePath           string
	MaxConcurrentBuilds int  // 0 = unlimited.
	VerifyOnFetch       bool // Recompute the archive digest before serving it.
}

// Service is the orchestration facade.
type Service struct {
	cfg       Config
	validator *policy.Validator
	executor  *build.Executor
	store     *jobstore.Store
	sink      Sink
	slots     chan struct{} // nil = no admission limit.
	logger    *slog.Logger

	bgCtx  context.Context
	cancel context.CancelFunc
	mu     sync.Mutex // Guards closed and wg.Add.
	closed bool
	wg     sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// New creates the facade. A nil sink only logs.
func New(cfg Config, v *policy.Validator, exec *build.Executor, store *jobstore.Store, sink Sink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		bgCtx:     bgCtx,
		cancel:    cancel,
		validator: v,
		executor:  exec,
		store:     store,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	if cfg.MaxConcurrentBuilds > 0 {
		s.slots = make(chan struct{}, cfg.MaxConcurrentBuilds)
	}
	return s
}

// --- validate_sandbox_policy ---

// ValidateInput is the validate_sandbox_policy request.
type ValidateInput struct {
	ProjectPath  string   `json:"project_path"`
	Scheme       string   `json:"scheme,omitempty"`
	RequiredSDKs []string `json:"required_sdks,omitempty"`
	XcodePath    string   `json:"xcode_path,omitempty"`
}

// ValidateOutput is the validate_sandbox_policy response.
type ValidateOutput struct {
	Status      string             `json:"status"` // "ok" or "error"
	Code        toolerr.Code       `json:"code,omitempty"`
	Error       map[string]any     `json:"error,omitempty"`
	Checks      []policy.Check     `json:"checks"`
	Diagnostics policy.Diagnostics `json:"diagnostics"`
}

// ValidateSandboxPolicy runs the sandbox checks without building. A failing
// check is reported in the output, not as an error; the error is set only
// for malformed input.
func (s *Service) ValidateSandboxPolicy(ctx context.Context, in ValidateInput) (ValidateOutput, error) {
	xcode := in.XcodePath
	if xcode == "" {
		xcode = s.cfg.XcodePath
	}
	res := s.validator.Validate(ctx, policy.Request{
		ProjectPath:  in.ProjectPath,
		Scheme:       in.Scheme,
		RequiredSDKs: in.RequiredSDKs,
		XcodePath:    xcode,
	})
	s.observeValidation(ctx, in.ProjectPath, res)

	out := ValidateOutput{
		Status:      res.Status,
		Checks:      res.Checks,
		Diagnostics: res.Diagnostics,
	}
	if res.Err != nil {
		out.Code = res.Err.Code
		out.Error = res.Err.Payload()
		if res.Err.Code == toolerr.InvalidRequest {
			return out, res.Err
		}
	}
	return out, nil
}

func (s *Service) observeValidation(ctx context.Context, projectPath string, res *policy.Result) {
	if o, ok := s.sink.(ValidationObserver); ok {
		o.PolicyValidated(ctx, ValidationEvent{ProjectPath: projectPath, Result: res})
	}
}

// --- build_visionos_app ---

// BuildOutput is the build_visionos_app response.
type BuildOutput struct {
	JobID          string          `json:"job_id"`
	Status         jobstore.Status `json:"status"`
	ArtifactPath   string          `json:"artifact_path,omitempty"`
	ArtifactSHA256 string          `json:"artifact_sha256,omitempty"`
	ArtifactSize   int64           `json:"artifact_size,omitempty"`
	ExitCode       *int            `json:"exit_code,omitempty"`
	LogExcerpt     string          `json:"log_excerpt"`
	DurationMS     int64           `json:"duration_ms"`
}

// BuildVisionOSApp validates the request against the sandbox policy, runs the
// build and returns the terminal job. Policy refusals never create a job.
// When a job ran but did not succeed, both the output and the error are set.
func (s *Service) BuildVisionOSApp(ctx context.Context, req build.Request) (BuildOutput, error) {
	req, release, err := s.admitBuild(ctx, req)
	if err != nil {
		return BuildOutput{}, err
	}
	defer release()

	id := s.newID()
	run, err := s.executor.Prepare(id, req)
	if err != nil {
		return BuildOutput{}, err
	}
	return s.runBuild(ctx, id, req, run)
}

// SubmitBuild performs the same admission as BuildVisionOSApp but returns as
// soon as the job is registered. The build keeps running after ctx is done;
// Close cancels it.
func (s *Service) SubmitBuild(ctx context.Context, req build.Request) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", toolerr.New(toolerr.Internal, "build service is shutting down")
	}
	s.wg.Add(1)
	s.mu.Unlock()

	req, release, err := s.admitBuild(ctx, req)
	if err != nil {
		s.wg.Done()
		return "", err
	}

	id := s.newID()
	run, err := s.executor.Prepare(id, req)
	if err != nil {
		release()
		s.wg.Done()
		return "", err
	}

	go func() {
		defer s.wg.Done()
		defer release()
		_, _ = s.runBuild(s.bgCtx, id, req, run)
	}()
	return id, nil
}

// Close cancels builds started by SubmitBuild and waits for them to finish.
// Later submissions are refused.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// admitBuild normalizes and validates req, then takes a build slot.
func (s *Service) admitBuild(ctx context.Context, req build.Request) (build.Request, func(), error) {
	req, verr := req.Normalize()
	if verr != nil {
		return req, nil, verr
	}

	pol := s.validator.Policy()
	if req.Workspace != "" && len(pol.AllowedPaths) > 0 && !policy.ContainsPath(pol.AllowedPaths, req.Workspace) {
		return req, nil, toolerr.New(toolerr.PathNotAllowed, "workspace %s is outside the allowed paths", req.Workspace).
			WithDetail("allowed_paths", pol.AllowedPaths)
	}

	res := s.validator.Validate(ctx, policy.Request{
		ProjectPath: req.ProjectPath,
		Scheme:      req.Scheme,
		XcodePath:   s.cfg.XcodePath,
	})
	s.observeValidation(ctx, req.ProjectPath, res)
	if !res.OK() {
		return req, nil, res.Err.WithDetail("checks", res.Checks)
	}

	release, err := s.admit(ctx)
	if err != nil {
		return req, nil, err
	}
	return req, release, nil
}

func (s *Service) runBuild(ctx context.Context, id string, req build.Request, run func(context.Context) (jobstore.Job, error)) (BuildOutput, error) {
	started := s.now()
	s.sink.BuildStarted(ctx, BuildEvent{
		JobID:       id,
		ProjectPath: req.ProjectPath,
		Scheme:      req.Scheme,
		Status:      jobstore.StatusRunning,
		StartedAt:   started,
	})

	job, err := run(ctx)

	ev := finishedEvent(id, req, job, started, s.now(), err)
	s.sink.BuildFinished(ctx, ev)

	out := BuildOutput{
		JobID:      id,
		Status:     ev.Status,
		ExitCode:   job.ExitCode,
		LogExcerpt: job.LogExcerpt,
		DurationMS: ev.Elapsed.Milliseconds(),
	}
	if job.Artifact != nil {
		out.ArtifactPath = job.Artifact.Path
		out.ArtifactSHA256 = job.Artifact.SHA256
		out.ArtifactSize = job.Artifact.Size
	}
	if err != nil {
		terr := toolerr.From(err)
		if terr.JobID == "" {
			terr.WithJob(id)
		}
		if job.LogExcerpt != "" {
			terr.WithDetail("log_excerpt", job.LogExcerpt)
		}
		return out, terr
	}
	return out, nil
}

// admit blocks until a build slot is free, ctx is done or the service closes.
func (s *Service) admit(ctx context.Context) (func(), error) {
	if s.slots == nil {
		return func() {}, nil
	}
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, nil
	case <-ctx.Done():
		return nil, toolerr.Wrap(toolerr.Timeout, ctx.Err(), "waiting for a free build slot").
			WithDetail("max_concurrent_builds", cap(s.slots))
	case <-s.bgCtx.Done():
		return nil, toolerr.New(toolerr.Internal, "build service is shutting down")
	}
}

func finishedEvent(id string, req build.Request, job jobstore.Job, started, now time.Time, err error) BuildEvent {
	ev := BuildEvent{
		JobID:       id,
		ProjectPath: req.ProjectPath,
		Scheme:      req.Scheme,
		Status:      job.Status,
		StartedAt:   started,
		FinishedAt:  now,
		ExitCode:    job.ExitCode,
	}
	if job.FinishedAt != nil {
		ev.FinishedAt = *job.FinishedAt
	}
	if !job.StartedAt.IsZero() {
		ev.StartedAt = job.StartedAt
	}
	ev.Elapsed = ev.FinishedAt.Sub(ev.StartedAt)
	if ev.Status == "" || ev.Status == jobstore.StatusRunning {
		ev.Status = jobstore.StatusFailed
	}
	if job.Artifact != nil {
		ev.ArtifactSHA256 = job.Artifact.SHA256
	}
	if err != nil {
		ev.ErrorCode = toolerr.From(err).Code
	}
	return ev
}

// --- fetch_build_output ---

// FetchInput is the fetch_build_output request.
type FetchInput struct {
	JobID       string `json:"job_id"`
	IncludeLogs *bool  `json:"include_logs,omitempty"` // Default true.
}

// FetchOutput is the fetch_build_output response.
type FetchOutput struct {
	JobID              string          `json:"job_id"`
	Status             jobstore.Status `json:"status"`
	ArtifactZip        string          `json:"artifact_zip"`
	ArtifactSHA256     string          `json:"artifact_sha256"`
	ArtifactSize       int64           `json:"artifact_size"`
	DownloadTTLSeconds int64           `json:"download_ttl_seconds"`
	LogExcerpt         string          `json:"log_excerpt,omitempty"`
}

// FetchBuildOutput returns the artifact handle of a succeeded job. Expiry is
// decided at read time, independent of the sweep cadence.
func (s *Service) FetchBuildOutput(ctx context.Context, in FetchInput) (FetchOutput, error) {
	includeLogs := in.IncludeLogs == nil || *in.IncludeLogs
	now := s.now()

	job, err := s.lookup(in.JobID, now)
	if err != nil {
		return FetchOutput{}, err
	}

	if job.Status != jobstore.StatusSucceeded || job.Artifact == nil {
		terr := toolerr.New(toolerr.BuildFailedNoArtifact, "job %s has no artifact (status %s)", job.ID, job.Status).
			WithJob(job.ID).
			WithDetail("status", string(job.Status))
		if job.Err != nil {
			terr.WithDetail("error_code", string(job.Err.Code))
		}
		if includeLogs && job.LogExcerpt != "" {
			terr.WithDetail("log_excerpt", job.LogExcerpt)
		}
		return FetchOutput{}, terr
	}

	if s.cfg.VerifyOnFetch {
		if err := artifact.Verify(job.Artifact.Path, job.Artifact.SHA256); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return FetchOutput{}, toolerr.Wrap(toolerr.ArtifactExpired, err, "artifact for job %s is gone", job.ID).WithJob(job.ID)
			}
			s.logger.Error("artifact verification failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			return FetchOutput{}, toolerr.Wrap(toolerr.Internal, err, "artifact for job %s failed verification", job.ID).WithJob(job.ID)
		}
	}

	out := FetchOutput{
		JobID:              job.ID,
		Status:             job.Status,
		ArtifactZip:        job.Artifact.Path,
		ArtifactSHA256:     job.Artifact.SHA256,
		ArtifactSize:       job.Artifact.Size,
		DownloadTTLSeconds: int64(math.Ceil(job.Artifact.TTLDeadline.Sub(now).Seconds())),
	}
	if out.DownloadTTLSeconds < 0 {
		out.DownloadTTLSeconds = 0
	}
	if includeLogs {
		out.LogExcerpt = job.LogExcerpt
	}
	return out, nil
}

// Job returns the current record of a job for status queries. Unlike fetch,
// an expired artifact is not an error here.
func (s *Service) Job(_ context.Context, id string) (jobstore.Job, error) {
	job, err := s.lookup(id, s.now())
	if err != nil && !toolerr.IsCode(err, toolerr.ArtifactExpired) {
		return jobstore.Job{}, err
	}
	return job, nil
}

func (s *Service) lookup(id string, now time.Time) (jobstore.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return jobstore.Job{}, toolerr.Wrap(toolerr.InvalidJobID, err, "job_id %q is not a valid job id", id)
	}
	job, err := s.store.Get(id, now)
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		return jobstore.Job{}, toolerr.Wrap(toolerr.JobNotFound, err, "job %s not found", id).WithJob(id)
	case errors.Is(err, jobstore.ErrExpired):
		return job, toolerr.Wrap(toolerr.ArtifactExpired, err, "artifact for job %s expired", id).
			WithJob(id).
			WithDetail("ttl_deadline", job.Artifact.TTLDeadline.UTC().Format(time.RFC3339))
	case err != nil:
		return jobstore.Job{}, toolerr.Wrap(toolerr.Internal, err, "reading job %s", id).WithJob(id)
	}
	return job, nil
}

// ArtifactTTL returns the configured artifact lifetime.
func (s *Service) ArtifactTTL() time.Duration { return s.store.TTL() }
