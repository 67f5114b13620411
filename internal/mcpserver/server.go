// Package mcpserver exposes the build operations as MCP tools over stdio or
// streamable HTTP.
package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/seiro/internal/build"
	"github.com/jkaninda/seiro/internal/observability"
	"github.com/jkaninda/seiro/internal/service"
)

const serverName = "seiro"

// Operations is the facade the tools call into.
type Operations interface {
	ValidateSandboxPolicy(ctx context.Context, in service.ValidateInput) (service.ValidateOutput, error)
	BuildVisionOSApp(ctx context.Context, req build.Request) (service.BuildOutput, error)
	FetchBuildOutput(ctx context.Context, in service.FetchInput) (service.FetchOutput, error)
}

// Config configures the MCP server.
type Config struct {
	Version      string
	EndpointPath string // Streamable HTTP path. Default: "/mcp"
	Metrics      *observability.MetricsCollector
}

// Server wraps an MCP server with the build tools registered.
type Server struct {
	cfg    Config
	mcp    *server.MCPServer
	ops    Operations
	logger *slog.Logger
}

// New creates the MCP server and registers its tools.
func New(cfg Config, ops Operations, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{cfg: cfg, ops: ops, logger: logger}
	s.mcp = server.NewMCPServer(serverName, cfg.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithToolHandlerMiddleware(s.instrument),
		server.WithInstructions("Validate the visionOS sandbox policy, run sandboxed xcodebuild jobs and fetch their artifacts."),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves MCP over the given streams until ctx is canceled or
// the input closes. Logs must not go to out.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp stdio transport ready")
	return stdio.Listen(ctx, in, out)
}

// HTTPHandler returns the streamable HTTP transport. Authentication is the
// caller's responsibility.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp,
		server.WithEndpointPath(s.cfg.EndpointPath),
		server.WithStateLess(true),
	)
}

// EndpointPath is the path the HTTP handler answers on.
func (s *Server) EndpointPath() string { return s.cfg.EndpointPath }

// instrument records metrics and a log line for every tool call.
func (s *Server) instrument(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		res, err := next(ctx, req)
		elapsed := time.Since(start)

		status := "ok"
		if err != nil || (res != nil && res.IsError) {
			status = "error"
		}
		s.cfg.Metrics.RecordToolCall(req.Params.Name, status, elapsed)
		s.logger.Debug("tool call",
			slog.String("tool", req.Params.Name),
			slog.String("status", status),
			slog.Duration("elapsed", elapsed),
		)
		return res, err
	}
}
