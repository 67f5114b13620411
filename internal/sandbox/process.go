package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	defaultTimeout   = 20 * time.Minute
	defaultKillGrace = 5 * time.Second
	defaultTailBytes = 5000
)

// ProcessConfig configures the process sandbox.
type ProcessConfig struct {
	DefaultTimeout   time.Duration
	DefaultKillGrace time.Duration
	DefaultTailBytes int
	// BasePath is the PATH given to the child. Default: /usr/bin:/bin:/usr/sbin:/sbin.
	BasePath string
}

// ProcessSandbox executes commands as supervised OS processes.
//
// Guarantees:
//   - Process runs in its own process group (Setpgid)
//   - On timeout the whole group gets SIGTERM, then SIGKILL after the grace period
//   - Execute does not return before the group has been killed
//   - No environment inheritance from the parent, only a minimal base set
//   - Output retained as a bounded tail
type ProcessSandbox struct {
	defaultTimeout time.Duration
	killGrace      time.Duration
	tailBytes      int
	basePath       string
	logger         *slog.Logger
}

// NewProcessSandbox creates a process-based sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	s := &ProcessSandbox{
		defaultTimeout: cfg.DefaultTimeout,
		killGrace:      cfg.DefaultKillGrace,
		tailBytes:      cfg.DefaultTailBytes,
		basePath:       cfg.BasePath,
		logger:         logger,
	}
	if s.defaultTimeout <= 0 {
		s.defaultTimeout = defaultTimeout
	}
	if s.killGrace <= 0 {
		s.killGrace = defaultKillGrace
	}
	if s.tailBytes <= 0 {
		s.tailBytes = defaultTailBytes
	}
	if s.basePath == "" {
		s.basePath = "/usr/bin:/bin:/usr/sbin:/sbin"
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Execute runs a command and waits for it to exit or time out.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawn)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	grace := req.KillGrace
	if grace <= 0 {
		grace = s.killGrace
	}
	tailBytes := req.TailBytes
	if tailBytes <= 0 {
		tailBytes = s.tailBytes
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Env = s.buildEnv(req)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Descendants that keep the output pipe open must not block Wait forever.
	cmd.WaitDelay = grace

	out := newTailBuffer(tailBytes)
	cmd.Stdout = out
	cmd.Stderr = out

	s.logger.Info("sandbox executing",
		slog.Any("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, req.Command[0], err)
	}
	pgid := cmd.Process.Pid

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var runErr error
	timedOut := false
	select {
	case runErr = <-waitErr:
		// Reap descendants left behind by a leader that exited on its own.
		_ = unix.Kill(-pgid, unix.SIGKILL)
	case <-runCtx.Done():
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		s.logger.Warn("sandbox terminating process group",
			slog.Int("pgid", pgid),
			slog.Bool("timed_out", timedOut),
			slog.Duration("grace", grace),
		)
		runErr = s.terminate(pgid, grace, waitErr)
	}
	duration := time.Since(start)

	res := &ExecutionResult{
		Output:    out.String(),
		Truncated: out.Truncated(),
		TimedOut:  timedOut,
		Duration:  duration,
	}

	if errors.Is(runErr, exec.ErrWaitDelay) {
		s.logger.Warn("sandbox output pipe held open by descendants", slog.Int("pgid", pgid))
		runErr = nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("waiting for %s: %w", req.Command[0], runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	// Caller cancellation (not a timeout) is reported as an error after cleanup.
	if !timedOut && runCtx.Err() != nil && ctx.Err() != nil {
		return res, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}

	s.logger.Info("sandbox execution completed",
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("timed_out", res.TimedOut),
		slog.Duration("duration", duration),
		slog.Int("output_bytes", len(res.Output)),
	)
	return res, nil
}

// terminate sends SIGTERM to the process group, waits up to grace for the
// leader to exit, then sends SIGKILL to whatever is left of the group.
func (s *ProcessSandbox) terminate(pgid int, grace time.Duration, waitErr <-chan error) error {
	// Negative PID = signal the entire process group.
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warn("SIGTERM to process group failed", slog.Int("pgid", pgid), slog.String("error", err.Error()))
	}

	var runErr error
	exited := false
	timer := time.NewTimer(grace)
	select {
	case runErr = <-waitErr:
		exited = true
		timer.Stop()
	case <-timer.C:
	}

	// Descendants may outlive the leader; the group is always killed.
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warn("SIGKILL to process group failed", slog.Int("pgid", pgid), slog.String("error", err.Error()))
	}
	if !exited {
		runErr = <-waitErr
	}
	return runErr
}

// buildEnv constructs a minimal environment. The parent process's environment
// is never inherited, which keeps the server's credentials out of the build.
func (s *ProcessSandbox) buildEnv(req ExecutionRequest) []string {
	base := map[string]string{
		"PATH": s.basePath,
		"LANG": "en_US.UTF-8",
		"TERM": "dumb",
	}
	if home := os.Getenv("HOME"); home != "" {
		base["HOME"] = home
	}
	if req.TempDir != "" {
		base["TMPDIR"] = req.TempDir
	}
	for k, v := range req.Env {
		base[k] = v
	}

	keys := make([]string, 0, len(base))
	for k := range base {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+base[k])
	}
	return env
}
