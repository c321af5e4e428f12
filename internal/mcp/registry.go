package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ranaroussi/muxi-sub001/internal/events"
)

// Sentinel errors returned by Register and ListTools. Invoke never
// returns a Go error: invocation failures come back as data so one
// failing tool cannot abort a whole agent turn.
var (
	// ErrAlreadyRegistered means the server id is in use. Re-registering
	// requires an explicit Disconnect first; silently replacing a live
	// connection would leak its transport.
	ErrAlreadyRegistered = errors.New("server already registered")

	// ErrUnknownServer means the server id was never registered or has
	// been disconnected.
	ErrUnknownServer = errors.New("unknown MCP server")
)

// Registry owns every ServerConnection in the process. Callers hold
// only server ids, never connection references, so a disconnected
// server cannot be used after removal.
//
// Locking: each server has its own mutex serializing every round trip
// to it, discovery included. The registry mutex guards the three maps;
// it is held only for map reads and structural changes, never across
// network I/O. A lock entry exists exactly when a connection entry
// exists for the same id.
type Registry struct {
	logger *slog.Logger
	bus    *events.Bus

	mu          sync.Mutex
	connections map[string]*ServerConnection
	locks       map[string]*sync.Mutex
	toolIndex   map[string]string
}

// NewRegistry creates an empty registry. The bus may be nil; lifecycle
// events are then dropped.
func NewRegistry(logger *slog.Logger, bus *events.Bus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:      logger,
		bus:         bus,
		connections: make(map[string]*ServerConnection),
		locks:       make(map[string]*sync.Mutex),
		toolIndex:   make(map[string]string),
	}
}

// Register creates a connection for the descriptor, performs the
// transport handshake, and discovers the server's tools. The per-server
// lock is held from insertion until discovery finishes, so a
// concurrent Invoke for the same id waits for registration to settle.
// On handshake failure both the connection and lock entries are rolled
// back and the server is as if never registered.
func (r *Registry) Register(ctx context.Context, id string, desc ServerDescriptor) error {
	if id == "" {
		return fmt.Errorf("empty server id")
	}
	conn, err := newServerConnection(id, desc, r.logger)
	if err != nil {
		return err
	}
	return r.registerConnection(ctx, id, conn)
}

// registerConnection inserts a built connection, connects its
// transport, and folds discovered tools into the index.
func (r *Registry) registerConnection(ctx context.Context, id string, conn *ServerConnection) error {
	r.mu.Lock()
	if _, exists := r.connections[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("register %s: %w", id, ErrAlreadyRegistered)
	}
	lock := &sync.Mutex{}
	lock.Lock()
	r.connections[id] = conn
	r.locks[id] = lock
	r.mu.Unlock()
	defer lock.Unlock()

	if err := conn.transport.Connect(ctx); err != nil {
		r.mu.Lock()
		delete(r.connections, id)
		delete(r.locks, id)
		r.mu.Unlock()
		return fmt.Errorf("connect %s: %w", id, err)
	}

	tools := conn.discoverTools(ctx)

	r.mu.Lock()
	conn.status = StatusConnected
	conn.tools = toolMap(tools)
	for _, t := range tools {
		// Last registration wins for duplicate tool names.
		r.toolIndex[t.Name] = id
	}
	r.mu.Unlock()

	r.logger.Info("MCP server registered",
		"server", id,
		"tools", len(tools))
	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMCP,
		Kind:      events.KindServerConnect,
		Data:      map[string]any{"server": id, "tools": len(tools)},
	})
	return nil
}

// Invoke runs one tool call against a registered server and always
// returns a result map: either the server's response body or
// {error, status: "error"}. timeoutOverride, when positive, replaces
// the connection's configured timeout for this call only; the original
// is restored before the server's lock is released, so the override
// never leaks onto later calls even when the request fails.
func (r *Registry) Invoke(ctx context.Context, serverID, toolName string, params map[string]any, timeoutOverride time.Duration) map[string]any {
	r.mu.Lock()
	conn, ok := r.connections[serverID]
	lock := r.locks[serverID]
	r.mu.Unlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("Unknown MCP server: %s", serverID))
	}

	lock.Lock()
	defer lock.Unlock()

	if timeoutOverride > 0 && timeoutOverride != conn.timeout {
		original := conn.timeout
		conn.timeout = timeoutOverride
		defer func() { conn.timeout = original }()
	}

	start := time.Now()
	result, err := conn.ExecuteTool(ctx, toolName, params)
	if err != nil {
		r.logger.Warn("tool invocation failed",
			"server", serverID,
			"tool", toolName,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return ErrorResult(err.Error())
	}

	r.logger.Debug("tool invocation complete",
		"server", serverID,
		"tool", toolName,
		"duration_ms", time.Since(start).Milliseconds())
	return result
}

// ListTools refreshes one server's tool list and returns it, updating
// the tool index: newly advertised names are claimed (last writer
// wins) and names this server no longer advertises are dropped if they
// still point at it.
func (r *Registry) ListTools(ctx context.Context, serverID string) ([]ToolInfo, error) {
	r.mu.Lock()
	conn, ok := r.connections[serverID]
	lock := r.locks[serverID]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("list tools %s: %w", serverID, ErrUnknownServer)
	}

	lock.Lock()
	defer lock.Unlock()

	tools := conn.discoverTools(ctx)

	r.mu.Lock()
	conn.tools = toolMap(tools)
	for _, t := range tools {
		r.toolIndex[t.Name] = serverID
	}
	// Names this server no longer advertises are dropped, unless a
	// later registration has claimed them.
	for name, owner := range r.toolIndex {
		if owner != serverID {
			continue
		}
		if _, still := conn.tools[name]; !still {
			delete(r.toolIndex, name)
		}
	}
	r.mu.Unlock()

	return tools, nil
}

// toolMap indexes a discovery result by tool name.
func toolMap(tools []ToolInfo) map[string]ToolInfo {
	m := make(map[string]ToolInfo, len(tools))
	for _, t := range tools {
		m[t.Name] = t
	}
	return m
}

// AllTools refreshes every registered server and returns the combined
// discovery results keyed by server id.
func (r *Registry) AllTools(ctx context.Context) map[string][]ToolInfo {
	out := make(map[string][]ToolInfo, len(r.ServerIDs()))
	for _, id := range r.ServerIDs() {
		tools, err := r.ListTools(ctx, id)
		if err != nil {
			// The server was disconnected between the snapshot and
			// the refresh.
			continue
		}
		out[id] = tools
	}
	return out
}

// Ping probes one server with the reserved ping method, serialized
// behind the same lock as tool calls.
func (r *Registry) Ping(ctx context.Context, serverID string) error {
	r.mu.Lock()
	conn, ok := r.connections[serverID]
	lock := r.locks[serverID]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("ping %s: %w", serverID, ErrUnknownServer)
	}

	lock.Lock()
	defer lock.Unlock()
	return conn.Ping(ctx)
}

// Reconnect tears down and re-establishes one server's transport in
// place, then refreshes its tool list. The registration survives a
// failed attempt so callers can retry; status reflects the outcome.
func (r *Registry) Reconnect(ctx context.Context, serverID string) error {
	r.mu.Lock()
	conn, ok := r.connections[serverID]
	lock := r.locks[serverID]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("reconnect %s: %w", serverID, ErrUnknownServer)
	}

	lock.Lock()
	defer lock.Unlock()

	if err := conn.transport.Disconnect(); err != nil {
		r.logger.Debug("transport teardown before reconnect failed",
			"server", serverID,
			"error", err)
	}

	if err := conn.transport.Connect(ctx); err != nil {
		r.mu.Lock()
		conn.status = StatusDisconnected
		r.mu.Unlock()
		return fmt.Errorf("reconnect %s: %w", serverID, err)
	}

	tools := conn.discoverTools(ctx)

	r.mu.Lock()
	conn.status = StatusConnected
	conn.tools = toolMap(tools)
	for _, t := range tools {
		r.toolIndex[t.Name] = serverID
	}
	for name, owner := range r.toolIndex {
		if owner != serverID {
			continue
		}
		if _, still := conn.tools[name]; !still {
			delete(r.toolIndex, name)
		}
	}
	r.mu.Unlock()

	r.logger.Info("MCP server reconnected",
		"server", serverID,
		"tools", len(tools))
	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMCP,
		Kind:      events.KindServerConnect,
		Data:      map[string]any{"server": serverID, "tools": len(tools)},
	})
	return nil
}

// ResolveTool maps a tool name to the server currently believed to
// provide it.
func (r *Registry) ResolveTool(toolName string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.toolIndex[toolName]
	return id, ok
}

// Disconnect tears down one server: the transport is closed under the
// server's lock, then the connection, lock, and every tool index entry
// pointing at the server are removed together. Returns false if the id
// was never registered. Never returns an error; a failing transport
// shutdown is logged and removal proceeds.
func (r *Registry) Disconnect(serverID string) bool {
	r.mu.Lock()
	conn, ok := r.connections[serverID]
	lock := r.locks[serverID]
	r.mu.Unlock()

	if !ok {
		return false
	}

	lock.Lock()
	defer lock.Unlock()

	if err := conn.transport.Disconnect(); err != nil {
		r.logger.Warn("transport disconnect failed",
			"server", serverID,
			"error", err)
	}

	r.mu.Lock()
	conn.status = StatusDisconnected
	// A racing Disconnect may have removed the entries already; only
	// the goroutine that still sees this connection mutates the maps.
	if r.connections[serverID] == conn {
		delete(r.connections, serverID)
		delete(r.locks, serverID)
		for name, owner := range r.toolIndex {
			if owner == serverID {
				delete(r.toolIndex, name)
			}
		}
	}
	r.mu.Unlock()

	r.logger.Info("MCP server disconnected", "server", serverID)
	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMCP,
		Kind:      events.KindServerDisconnect,
		Data:      map[string]any{"server": serverID},
	})
	return true
}

// DisconnectAll tears down every registered server. Used at shutdown.
func (r *Registry) DisconnectAll() {
	for _, id := range r.ServerIDs() {
		r.Disconnect(id)
	}
}

// ServerIDs returns the registered server ids, sorted.
func (r *Registry) ServerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ServerInfo is a point-in-time snapshot of one registered server for
// status surfaces.
type ServerInfo struct {
	ID     string   `json:"id"`
	Status Status   `json:"status"`
	Tools  []string `json:"tools"`
}

// Server returns the snapshot of one registered server.
func (r *Registry) Server(id string) (ServerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return ServerInfo{}, false
	}
	names := make([]string, 0, len(conn.tools))
	for name := range conn.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return ServerInfo{ID: id, Status: conn.status, Tools: names}, true
}

// Servers returns a snapshot of every registered server with its
// status and discovered tool names.
func (r *Registry) Servers() []ServerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ServerInfo, 0, len(r.connections))
	for id, conn := range r.connections {
		names := make([]string, 0, len(conn.tools))
		for name := range conn.tools {
			names = append(names, name)
		}
		sort.Strings(names)
		out = append(out, ServerInfo{ID: id, Status: conn.status, Tools: names})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ErrorResult wraps a failure message in the structured form tool
// results use: {error: <msg>, status: "error"}.
func ErrorResult(msg string) map[string]any {
	return map[string]any{
		"error":  msg,
		"status": "error",
	}
}
