package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/seiro/internal/config"
	"github.com/jkaninda/seiro/internal/gateway"
	"github.com/jkaninda/seiro/internal/gateway/httpapi"
	"github.com/jkaninda/seiro/internal/gateway/stdio"
	"github.com/jkaninda/seiro/internal/mcpserver"
	"github.com/jkaninda/seiro/internal/observability"
	"github.com/jkaninda/seiro/internal/ratelimit"
	"github.com/jkaninda/seiro/internal/scheduler"
)

var (
	serveConfigPath string
	serveTransport  string
	serveListen     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the build tools over MCP (stdio or HTTP)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `seiro --config path` and `seiro serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveTransport, "transport", "", "override server.transport (stdio or http)")
		cmd.Flags().StringVar(&serveListen, "listen", "", "override the HTTP listen address (e.g. 127.0.0.1:8787)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if serveTransport != "" {
		cfg.Server.Transport = serveTransport
	}
	if cfg.Server.Transport == config.TransportHTTP && cfg.Auth.Token == "" {
		return fmt.Errorf("auth.token is required for the http transport (set it in the config or SEIRO_AUTH_TOKEN)")
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("starting seiro",
		slog.String("version", version),
		slog.String("transport", cfg.Server.Transport),
	)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var schedMetrics *scheduler.Metrics
	if m := sc.Obs.MetricsOrNil(); m != nil {
		schedMetrics = scheduler.NewMetrics(m.Registry)
	}
	sched := scheduler.New(schedMetrics, logger)
	if err := sched.Add(scheduler.Task{
		Name:     "artifact_sweep",
		Schedule: scheduler.Every(cfg.VisionOS.CleanupInterval()),
		Run: func(context.Context) error {
			if removed := sc.Store.Sweep(time.Now()); len(removed) > 0 {
				logger.Info("expired artifacts removed", slog.Int("count", len(removed)))
			}
			return nil
		},
	}); err != nil {
		return err
	}
	stopScheduler := sched.Start(ctx)
	defer stopScheduler()

	mcp := mcpserver.New(mcpserver.Config{
		Version: version,
		Metrics: sc.Obs.MetricsOrNil(),
	}, sc.Service, logger)

	gw, err := buildGateway(cfg, sc, mcp)
	if err != nil {
		return err
	}

	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			return err
		}
		logger.Info("gateway exited")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	return nil
}

func buildGateway(cfg *config.Config, sc *SharedComponents, mcp *mcpserver.Server) (gateway.Gateway, error) {
	switch cfg.Server.Transport {
	case config.TransportStdio:
		return stdio.NewGateway(mcp, os.Stdin, os.Stdout, sc.Logger), nil

	case config.TransportHTTP:
		addr := cfg.Server.Addr()
		if serveListen != "" {
			addr = serveListen
		}
		var rl *ratelimit.Limiter
		if cfg.Server.RateLimit.RequestsPerMinute > 0 {
			rl = ratelimit.NewLimiter(ratelimit.Config{
				RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
				BurstSize:         cfg.Server.RateLimit.BurstSize,
			})
		}

		health := sc.Obs.HealthOrNil()
		if health == nil {
			health = observability.NewHealthChecker(sc.Logger)
		}
		sc.registerHealthChecks(health)

		gwCfg := httpapi.Config{
			ListenAddr:     addr,
			Token:          cfg.Auth.Token,
			MaxRequestSize: cfg.Server.MaxRequestSizeBytes,
			EnableDocs:     true,
			HealthChecker:  health,
			Metrics:        sc.Obs.MetricsOrNil(),
		}
		if m := sc.Obs.MetricsOrNil(); m != nil {
			gwCfg.MetricsRegistry = m.Registry
			if mc := cfg.Observability.Metrics; mc != nil {
				gwCfg.MetricsPath = mc.Path
			}
		}
		if ts := sc.Obs.TracerOrNil(); ts != nil {
			gwCfg.Tracer = ts.Tracer()
		}

		gw := httpapi.NewGateway(gwCfg, sc.Service, rl, sc.Logger).
			WithMCP(mcp.EndpointPath(), mcp.HTTPHandler())
		if sc.History != nil {
			gw.WithHistory(sc.History)
		}
		return gw, nil

	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Server.Transport)
	}
}
