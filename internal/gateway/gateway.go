// Package gateway defines the interface for client-facing transports.
package gateway

import "context"

// Gateway is a client-facing transport (MCP over stdio, HTTP).
type Gateway interface {
	// Start serves until the transport exits or the context is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period.
	Stop(ctx context.Context) error
}
