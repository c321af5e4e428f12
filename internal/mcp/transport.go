package mcp

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Transport is the capability surface every MCP channel provides. One
// Transport owns one physical connection: an SSE stream plus message
// endpoint, or a spawned subprocess.
//
// The Registry serializes all traffic to one server behind a
// per-server lock, so a Transport never sees interleaved requests for
// the same server id.
type Transport interface {
	// Connect establishes the session. For the SSE transport this
	// performs the endpoint/session handshake; for the command
	// transport it starts the subprocess. Connect must fail within a
	// bounded time when the server never becomes usable.
	Connect(ctx context.Context) error

	// SendRequest submits one JSON-RPC payload and returns the
	// decoded response body. Asynchronous acceptance (HTTP 202) and
	// non-JSON success bodies are wrapped into placeholder maps as
	// described on each implementation. A non-nil error always means
	// the round trip failed hard.
	SendRequest(ctx context.Context, payload map[string]any) (map[string]any, error)

	// Disconnect releases the underlying connection. For the command
	// transport this terminates the subprocess. Idempotent.
	Disconnect() error
}
