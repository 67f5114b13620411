package build

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/seiro/internal/artifact"
	"github.com/jkaninda/seiro/internal/jobstore"
	"github.com/jkaninda/seiro/internal/sandbox"
	"github.com/jkaninda/seiro/internal/toolerr"
)

// Layout of a per-job directory under the artifact root.
const (
	stagingDirName     = "staging"
	derivedDataDirName = "DerivedData"
	tmpDirName         = "tmp"
	archiveName        = "artifact.zip"
)

// Config configures the executor.
type Config struct {
	XcodebuildPath string
	XcodePath      string
	ArtifactRoot   string
	Timeout        time.Duration
	KillGrace      time.Duration
	LogTailBytes   int
}

// Executor spawns xcodebuild for one job at a time per call. Concurrent calls
// are independent: each job owns its directory under the artifact root.
type Executor struct {
	cfg     Config
	sandbox sandbox.Sandbox
	store   *jobstore.Store
	logger  *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config, sbx sandbox.Sandbox, store *jobstore.Store, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, sandbox: sbx, store: store, logger: logger}
}

// JobDir returns the working directory owned by jobID.
func (e *Executor) JobDir(jobID string) string {
	return filepath.Join(e.cfg.ArtifactRoot, jobID)
}

// Execute runs the build for jobID and returns the terminal job record.
//
// Invalid requests are rejected before any job is registered. Once the job
// exists it always reaches a terminal status before Execute returns. A
// non-nil error carries spawn_failed, build_failed or timeout (or an
// internal code) and the returned job reflects the same outcome.
func (e *Executor) Execute(ctx context.Context, jobID string, req Request) (jobstore.Job, error) {
	run, err := e.Prepare(jobID, req)
	if err != nil {
		return jobstore.Job{}, err
	}
	return run(ctx)
}

// Prepare validates req, creates the job directory and registers jobID as
// running. The returned function spawns xcodebuild and blocks until the job
// is terminal; it must be called exactly once.
func (e *Executor) Prepare(jobID string, req Request) (func(ctx context.Context) (jobstore.Job, error), error) {
	req, verr := req.Normalize()
	if verr != nil {
		return nil, verr
	}

	jobDir := e.JobDir(jobID)
	staging := filepath.Join(jobDir, stagingDirName)
	tmp := filepath.Join(jobDir, tmpDirName)
	for _, d := range []string{staging, tmp} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, toolerr.Wrap(toolerr.SandboxInternal, err, "creating job directory").WithJob(jobID)
		}
	}

	if _, err := e.store.Create(jobstore.Job{
		ID:          jobID,
		ProjectPath: req.ProjectPath,
		Scheme:      req.Scheme,
		Dir:         jobDir,
		StartedAt:   time.Now(),
	}); err != nil {
		_ = os.RemoveAll(jobDir)
		return nil, toolerr.Wrap(toolerr.Internal, err, "registering job").WithJob(jobID)
	}

	return func(ctx context.Context) (jobstore.Job, error) {
		return e.run(ctx, jobID, jobDir, req)
	}, nil
}

func (e *Executor) run(ctx context.Context, jobID, jobDir string, req Request) (jobstore.Job, error) {
	argv, env := Command(req, Paths{
		XcodebuildPath:  e.cfg.XcodebuildPath,
		XcodePath:       e.cfg.XcodePath,
		StagingDir:      filepath.Join(jobDir, stagingDirName),
		DerivedDataPath: filepath.Join(jobDir, derivedDataDirName),
	})

	res, runErr := e.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command:    argv,
		WorkingDir: req.WorkDir(),
		TempDir:    filepath.Join(jobDir, tmpDirName),
		Env:        env,
		Timeout:    e.cfg.Timeout,
		KillGrace:  e.cfg.KillGrace,
		TailBytes:  e.cfg.LogTailBytes,
	})

	switch {
	case runErr != nil && errors.Is(runErr, sandbox.ErrSpawn):
		terr := toolerr.Wrap(toolerr.SpawnFailed, runErr, "could not start %s", e.cfg.XcodebuildPath).WithJob(jobID)
		return e.finish(jobID, jobstore.Completion{Status: jobstore.StatusFailed, Err: terr}, terr)

	case runErr != nil:
		terr := toolerr.Wrap(toolerr.Internal, runErr, "build supervision failed").WithJob(jobID)
		c := jobstore.Completion{Status: jobstore.StatusFailed, Err: terr}
		if res != nil {
			c.LogExcerpt = res.Output
		}
		return e.finish(jobID, c, terr)

	case res.TimedOut:
		terr := toolerr.New(toolerr.Timeout, "build exceeded %s", e.cfg.Timeout).WithJob(jobID)
		return e.finish(jobID, jobstore.Completion{
			Status:     jobstore.StatusTimedOut,
			ExitCode:   &res.ExitCode,
			LogExcerpt: res.Output,
			Err:        terr,
		}, terr)

	case res.ExitCode != 0:
		terr := toolerr.New(toolerr.BuildFailed, "xcodebuild exited with code %d", res.ExitCode).
			WithJob(jobID).
			WithDetail("exit_code", res.ExitCode)
		return e.finish(jobID, jobstore.Completion{
			Status:     jobstore.StatusFailed,
			ExitCode:   &res.ExitCode,
			LogExcerpt: res.Output,
			Err:        terr,
		}, terr)
	}

	info, err := artifact.Package(e.productsDir(jobDir), filepath.Join(jobDir, archiveName))
	if err != nil {
		terr := toolerr.Wrap(toolerr.Internal, err, "packaging build products").WithJob(jobID)
		return e.finish(jobID, jobstore.Completion{
			Status:     jobstore.StatusFailed,
			ExitCode:   &res.ExitCode,
			LogExcerpt: res.Output,
			Err:        terr,
		}, terr)
	}

	return e.finish(jobID, jobstore.Completion{
		Status:     jobstore.StatusSucceeded,
		ExitCode:   &res.ExitCode,
		LogExcerpt: res.Output,
		Artifact:   &jobstore.ArtifactFile{Path: info.Path, SHA256: info.SHA256, Size: info.Size},
	}, nil)
}

// productsDir is the staging directory, or the DerivedData products when the
// tool left staging empty.
func (e *Executor) productsDir(jobDir string) string {
	staging := filepath.Join(jobDir, stagingDirName)
	if entries, err := os.ReadDir(staging); err == nil && len(entries) > 0 {
		return staging
	}
	products := filepath.Join(jobDir, derivedDataDirName, "Build", "Products")
	if fi, err := os.Stat(products); err == nil && fi.IsDir() {
		return products
	}
	return staging
}

func (e *Executor) finish(jobID string, c jobstore.Completion, terr *toolerr.Error) (jobstore.Job, error) {
	job, err := e.store.Finish(jobID, c)
	if err != nil {
		e.logger.Error("failed to finalize job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return job, toolerr.Wrap(toolerr.Internal, err, "finalizing job").WithJob(jobID)
	}
	if terr != nil {
		return job, terr
	}
	return job, nil
}
