// Package stdio serves the MCP tools over the process's standard streams.
package stdio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/jkaninda/seiro/internal/mcpserver"
)

// Gateway runs one MCP session on a reader/writer pair.
type Gateway struct {
	srv    *mcpserver.Server
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewGateway creates a stdio gateway. Nothing but protocol frames may be
// written to out.
func NewGateway(srv *mcpserver.Server, in io.Reader, out io.Writer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{srv: srv, in: in, out: out, logger: logger}
}

// Start blocks until the client closes its input, Stop is called or ctx is
// canceled.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()
	defer cancel()

	err := g.srv.ServeStdio(ctx, g.in, g.out)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		g.logger.Info("mcp stdio session ended")
		return nil
	}
	return err
}

// Stop ends the session.
func (g *Gateway) Stop(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
	return nil
}
