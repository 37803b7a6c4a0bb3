// Package gateway holds the surfaces that accept build instructions: the
// HTTP API (with its websocket and SSE progress streams) and the MCP stdio server.
package gateway

import "context"

// Gateway is a long-running entry point managed by the serve command.
type Gateway interface {
	// Start serves until ctx is canceled or Stop is called.
	Start(ctx context.Context) error
	// Stop drains in-flight requests within the deadline carried by ctx.
	Stop(ctx context.Context) error
}
