package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout is the per-request deadline applied when a descriptor
// does not set one.
const DefaultTimeout = 60 * time.Second

// Status describes a connection's lifecycle state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// ServerDescriptor is the externally supplied description of an MCP
// server. It is immutable for the life of the connection.
type ServerDescriptor struct {
	// URL is the SSE endpoint of the server. Exactly one of URL and
	// Command must be set; URL selects the SSE-negotiated HTTP
	// transport.
	URL string

	// Command is the full command line of a local server subprocess.
	Command string

	// Env holds extra KEY=VALUE environment variables for command
	// servers. Ignored for URL servers.
	Env []string

	// Credentials are merged into the params of every outgoing
	// request. Credential keys win over caller-supplied ones.
	Credentials map[string]string

	// Timeout is the per-request deadline. Zero means DefaultTimeout.
	Timeout time.Duration
}

// ToolInfo is the metadata a server advertises for one tool.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ServerConnection binds one registered server id to its transport,
// credentials, and discovered tools. The struct carries no mutex of
// its own: timeout is read and written only under the server's lock,
// credentials are read-only after construction, and status and tools
// are swapped by the Registry under its own mutex so status snapshots
// never race a discovery refresh.
type ServerConnection struct {
	id          string
	transport   Transport
	credentials map[string]string
	timeout     time.Duration
	status      Status
	tools       map[string]ToolInfo
	logger      *slog.Logger
}

// newServerConnection builds the connection and its transport from a
// descriptor. No I/O happens here; connect does the handshake.
func newServerConnection(id string, desc ServerDescriptor, logger *slog.Logger) (*ServerConnection, error) {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var transport Transport
	switch {
	case desc.URL != "" && desc.Command != "":
		return nil, fmt.Errorf("server %s: url and command are mutually exclusive", id)
	case desc.URL != "":
		transport = NewSSETransport(SSEConfig{
			URL:    desc.URL,
			Logger: logger,
		})
	case desc.Command != "":
		ct, err := NewCommandTransport(CommandConfig{
			CommandLine: desc.Command,
			Env:         desc.Env,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", id, err)
		}
		transport = ct
	default:
		return nil, fmt.Errorf("server %s: descriptor needs a url or a command", id)
	}

	return &ServerConnection{
		id:          id,
		transport:   transport,
		credentials: desc.Credentials,
		timeout:     timeout,
		status:      StatusConnecting,
		tools:       make(map[string]ToolInfo),
		logger:      logger,
	}, nil
}

// ExecuteTool invokes one tool on the server. Credentials are merged
// into the caller's params, with credential keys winning, and the call
// runs under the connection's current timeout.
func (c *ServerConnection) ExecuteTool(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(params)+len(c.credentials))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range c.credentials {
		merged[k] = v
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.transport.SendRequest(ctx, NewPayload(toolName, merged))
}

// Ping sends the reserved ping method. A healthy server answers inside
// the connection's timeout.
func (c *ServerConnection) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.transport.SendRequest(ctx, NewPayload(methodPing, nil))
	return err
}

// discoverTools calls the reserved listTools method and returns the
// advertised tools. Discovery failure is not an error: the result is
// empty and a warning is logged, so a server with broken discovery can
// still be registered and invoked by explicit name. The caller owns
// folding the result into the connection's tool set.
func (c *ServerConnection) discoverTools(ctx context.Context) []ToolInfo {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.transport.SendRequest(ctx, NewPayload(methodListTools, nil))
	if err != nil {
		c.logger.Warn("tool discovery failed",
			"server", c.id,
			"error", err)
		return nil
	}
	return parseToolList(resp)
}

// parseToolList extracts tool entries from a discovery response.
// Servers answer in a few shapes: a top-level "tools" array, a
// "result" object wrapping one, or a bare "result" array.
func parseToolList(resp map[string]any) []ToolInfo {
	var raw []any
	switch v := resp["tools"].(type) {
	case []any:
		raw = v
	default:
		switch res := resp["result"].(type) {
		case []any:
			raw = res
		case map[string]any:
			raw, _ = res["tools"].([]any)
		}
	}

	var tools []ToolInfo
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := m["description"].(string)
		tools = append(tools, ToolInfo{Name: name, Description: desc})
	}
	return tools
}
