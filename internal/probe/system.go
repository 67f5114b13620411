package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const defaultCommandTimeout = 30 * time.Second

// SystemConfig configures the toolchain-backed probe.
type SystemConfig struct {
	XcodePath        string        // Exported as DEVELOPER_DIR to xcodebuild.
	XcodebuildPath   string        // Default: "xcodebuild" resolved from PATH.
	DevToolsSecurity string        // Default: "DevToolsSecurity".
	CommandTimeout   time.Duration // Per-command timeout. Default: 30s.
}

// commandResult is the outcome of a probe command.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// runFunc runs a command and reports its output. A non-zero exit is not an error.
type runFunc func(ctx context.Context, env []string, name string, args ...string) (commandResult, error)

// SystemProbe shells out to the toolchain inspection commands.
type SystemProbe struct {
	cfg    SystemConfig
	run    runFunc
	logger *slog.Logger
}

// NewSystemProbe creates a probe that inspects the real toolchain.
func NewSystemProbe(cfg SystemConfig, logger *slog.Logger) *SystemProbe {
	if cfg.XcodebuildPath == "" {
		cfg.XcodebuildPath = "xcodebuild"
	}
	if cfg.DevToolsSecurity == "" {
		cfg.DevToolsSecurity = "DevToolsSecurity"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemProbe{cfg: cfg, run: runCommand, logger: logger}
}

func (p *SystemProbe) Mode() string { return ModeSystem }

func (p *SystemProbe) env() []string {
	env := []string{"PATH=/usr/bin:/bin:/usr/sbin:/sbin"}
	if p.cfg.XcodePath != "" {
		env = append(env, "DEVELOPER_DIR="+p.cfg.XcodePath)
	}
	return env
}

// ListSDKs runs `xcodebuild -showsdks` and parses the -sdk identifiers.
func (p *SystemProbe) ListSDKs(ctx context.Context) (Inventory, error) {
	inv := Inventory{Invocation: p.cfg.XcodebuildPath + " -showsdks"}
	if p.cfg.XcodePath != "" {
		inv.Invocation = "DEVELOPER_DIR=" + p.cfg.XcodePath + " " + inv.Invocation
	}

	res, err := p.exec(ctx, p.cfg.XcodebuildPath, "-showsdks")
	if err != nil {
		return inv, fmt.Errorf("listing sdks: %w", err)
	}
	if res.ExitCode != 0 {
		inv.Notes = append(inv.Notes, fmt.Sprintf("xcodebuild -showsdks exited with %d: %s",
			res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	inv.Raw = ParseShowSDKs(res.Stdout)
	if len(inv.Raw) == 0 {
		inv.Notes = append(inv.Notes, "no -sdk identifiers found in xcodebuild output")
	}
	return inv, nil
}

// DeveloperModeEnabled runs `DevToolsSecurity -status`.
func (p *SystemProbe) DeveloperModeEnabled(ctx context.Context) (bool, error) {
	res, err := p.exec(ctx, p.cfg.DevToolsSecurity, "-status")
	if err != nil {
		return false, fmt.Errorf("checking developer mode: %w", err)
	}
	out := strings.ToLower(res.Stdout)
	return strings.Contains(out, "enabled") && !strings.Contains(out, "disabled"), nil
}

// LicenseAccepted runs `xcodebuild -checkFirstLaunchStatus`; exit 0 means accepted.
func (p *SystemProbe) LicenseAccepted(ctx context.Context) (bool, error) {
	res, err := p.exec(ctx, p.cfg.XcodebuildPath, "-checkFirstLaunchStatus")
	if err != nil {
		return false, fmt.Errorf("checking license: %w", err)
	}
	return res.ExitCode == 0, nil
}

// FreeDiskBytes stats the nearest existing ancestor of path, falling back to "/".
func (p *SystemProbe) FreeDiskBytes(_ context.Context, path string) (uint64, error) {
	return freeDiskBytes(path)
}

func (p *SystemProbe) exec(ctx context.Context, name string, args ...string) (commandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CommandTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.run(ctx, p.env(), name, args...)
	p.logger.Debug("probe command finished",
		slog.String("command", name),
		slog.Any("args", args),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", time.Since(start)),
	)
	return res, err
}

func freeDiskBytes(path string) (uint64, error) {
	target := existingAncestor(path)
	var st unix.Statfs_t
	if err := unix.Statfs(target, &st); err != nil {
		if target == "/" {
			return 0, fmt.Errorf("statfs %s: %w", target, err)
		}
		if err := unix.Statfs("/", &st); err != nil {
			return 0, fmt.Errorf("statfs /: %w", err)
		}
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

func existingAncestor(path string) string {
	if path == "" {
		return "/"
	}
	dir := filepath.Clean(path)
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "/"
		}
		dir = parent
	}
}

func runCommand(ctx context.Context, env []string, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
