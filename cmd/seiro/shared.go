package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/seiro/internal/build"
	"github.com/jkaninda/seiro/internal/config"
	"github.com/jkaninda/seiro/internal/history"
	"github.com/jkaninda/seiro/internal/jobstore"
	"github.com/jkaninda/seiro/internal/observability"
	"github.com/jkaninda/seiro/internal/policy"
	"github.com/jkaninda/seiro/internal/probe"
	"github.com/jkaninda/seiro/internal/sandbox"
	"github.com/jkaninda/seiro/internal/service"
)

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config       *config.Config
	Logger       *slog.Logger
	Obs          *observability.Observability
	Probe        probe.Probe
	Validator    *policy.Validator
	ArtifactRoot string
	Store        *jobstore.Store
	Executor     *build.Executor
	History      *history.Store // nil = history disabled.
	Service      *service.Service

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file named by SEIRO_CONFIG or path.
func loadConfig(path string) (*config.Config, error) {
	return config.Load(goutils.Env("SEIRO_CONFIG", path))
}

// newLogger writes JSON to stderr; stdout belongs to the stdio transport.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// initShared wires probe, validator, sandbox, job store, executor, history and
// the service facade. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}
	v := &cfg.VisionOS

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}
	metrics := obs.MetricsOrNil()
	tracer := obs.TracerOrNil()

	pr, err := probe.New(v.ProbeMode, v.XcodePath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing probe: %w", err)
	}
	sc.Probe = pr
	sc.Validator = policy.NewValidator(policy.Policy{
		AllowedPaths:   v.AllowedPaths,
		AllowedSchemes: v.AllowedSchemes,
		RequiredSDKs:   v.RequiredSDKs,
		Aliases:        v.Aliases(),
		MinFreeBytes:   v.MinFreeBytes(),
	}, pr, logger)
	logger.Debug("sandbox policy loaded",
		slog.String("probe_mode", pr.Mode()),
		slog.Int("allowed_paths", len(v.AllowedPaths)),
		slog.Int("allowed_schemes", len(v.AllowedSchemes)),
	)

	root, err := v.ResolveArtifactRoot()
	if err != nil {
		return nil, fmt.Errorf("resolving artifact root: %w", err)
	}
	sc.ArtifactRoot = root

	sc.Store = jobstore.New(jobstore.Config{TTL: v.ArtifactTTL()}, jobstore.NewMetrics(metrics.RegistryOrNil()), logger)
	if removed, err := jobstore.CleanupOrphans(root, v.ArtifactTTL(), time.Now()); err != nil {
		logger.Warn("orphan cleanup failed", slog.String("root", root), slog.String("error", err.Error()))
	} else if len(removed) > 0 {
		logger.Info("removed orphaned job directories", slog.Int("count", len(removed)))
	}

	var sbx sandbox.Sandbox = sandbox.NewProcessSandbox(sandbox.ProcessConfig{
		DefaultTimeout:   v.BuildTimeout(),
		DefaultKillGrace: v.KillGrace(),
		DefaultTailBytes: v.LogTailBytes,
	}, logger)
	if metrics != nil || tracer != nil {
		sbx = observability.NewInstrumentedSandbox(sbx, metrics, tracer)
	}

	sc.Executor = build.NewExecutor(build.Config{
		XcodebuildPath: v.XcodebuildPath,
		XcodePath:      v.XcodePath,
		ArtifactRoot:   root,
		Timeout:        v.BuildTimeout(),
		KillGrace:      v.KillGrace(),
		LogTailBytes:   v.LogTailBytes,
	}, sbx, sc.Store, logger)

	sinks := service.Sinks{service.NewLogSink(logger)}
	if metrics != nil || tracer != nil {
		sinks = append(sinks, observability.NewBuildRecorder(metrics, tracer))
	}

	if cfg.History != nil && cfg.History.Driver != "" {
		hs, err := history.Open(history.Config{Driver: cfg.History.Driver, DSN: cfg.History.DSN}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening build history: %w", err)
		}
		sc.History = hs
		sc.addCleanup(func() { _ = hs.Close() })
		sinks = append(sinks, history.NewRecorder(hs, logger))
		logger.Debug("build history enabled", slog.String("driver", cfg.History.Driver))
	}

	sc.Service = service.New(service.Config{
		XcodePath:           v.XcodePath,
		MaxConcurrentBuilds: v.MaxConcurrentBuilds,
		VerifyOnFetch:       v.VerifyOnFetch,
	}, sc.Validator, sc.Executor, sc.Store, sinks, logger)
	sc.addCleanup(sc.Service.Close)

	logger.Info("build orchestrator ready",
		slog.String("artifact_root", root),
		slog.String("xcodebuild", v.XcodebuildPath),
		slog.Duration("build_timeout", v.BuildTimeout()),
		slog.Duration("artifact_ttl", v.ArtifactTTL()),
	)
	return sc, nil
}

// registerHealthChecks adds readiness checks for the artifact root, the
// probe and the history database.
func (sc *SharedComponents) registerHealthChecks(h *observability.HealthChecker) {
	h.AddCheck("artifact_root", func(context.Context) error {
		f, err := os.CreateTemp(sc.ArtifactRoot, ".ready-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	})
	h.AddCheck("probe", func(ctx context.Context) error {
		_, err := sc.Probe.ListSDKs(ctx)
		return err
	})
	if sc.History != nil {
		h.AddCheck("history", sc.History.Ping)
	}
}
