// Package sandbox supervises external build processes.
// Every process runs in its own process group with a sanitized environment,
// a hard wall-clock timeout and a bounded output buffer.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrSpawn is returned when the process could not be started at all
// (binary missing, permission denied, bad working directory).
var ErrSpawn = errors.New("process spawn failed")

// Sandbox executes commands under supervision.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute.
	Command []string

	// WorkingDir is the process working directory. Required.
	WorkingDir string

	// TempDir is exported as TMPDIR. Empty = inherit the sandbox default.
	TempDir string

	// Env is merged on top of the sandbox's minimal base environment.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// KillGrace is the delay between SIGTERM and SIGKILL on timeout.
	// Zero = use default.
	KillGrace time.Duration

	// TailBytes bounds the retained output. Zero = use default.
	TailBytes int
}

// ExecutionResult captures the outcome of a supervised command.
// A non-zero exit or a timeout is a result, not an error.
type ExecutionResult struct {
	Output    string // Tail of combined stdout and stderr.
	Truncated bool   // Output lost its head to the tail bound.
	ExitCode  int    // -1 when the process was killed.
	TimedOut  bool
	Duration  time.Duration
}
