// Package agent runs model output through tool-call extraction and
// invocation. The loop owns one request turn: it pulls embedded tool
// calls out of the raw response, dispatches each one to the MCP server
// or builtin tool that provides it, folds the results back into the
// text, and hands the caller history entries to feed into subsequent
// model context.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ranaroussi/muxi-sub001/internal/events"
	"github.com/ranaroussi/muxi-sub001/internal/extract"
	"github.com/ranaroussi/muxi-sub001/internal/mcp"
)

// Invoker resolves tool names to MCP servers and executes tool calls.
// Implemented by *mcp.Registry.
type Invoker interface {
	ResolveTool(toolName string) (string, bool)
	Invoke(ctx context.Context, serverID, toolName string, params map[string]any, timeoutOverride time.Duration) map[string]any
}

// BuiltinRunner executes in-process tools. Implemented by
// *tools.Registry. Builtins are consulted only when no MCP server
// claims the tool name.
type BuiltinRunner interface {
	Has(name string) bool
	Execute(ctx context.Context, name string, params map[string]any) (string, error)
}

// HistoryEntry is one conversation-history record produced per tool
// call, for the caller to fold into subsequent model context.
type HistoryEntry struct {
	Role    string `json:"role"` // always "tool"
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Config assembles a Loop's dependencies.
type Config struct {
	// Registry resolves and executes MCP tool calls. Required.
	Registry Invoker

	// Builtins executes local tools for names no MCP server claims.
	// May be nil.
	Builtins BuiltinRunner

	// Bus receives request and tool lifecycle events. May be nil.
	Bus *events.Bus

	// Logger is the structured logger. Defaults to slog.Default.
	Logger *slog.Logger
}

// Loop is the tool invocation loop.
type Loop struct {
	logger    *slog.Logger
	extractor *extract.Extractor
	registry  Invoker
	builtins  BuiltinRunner
	bus       *events.Bus
}

// NewLoop creates a loop with its own extractor.
func NewLoop(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger:    logger,
		extractor: extract.New(logger),
		registry:  cfg.Registry,
		builtins:  cfg.Builtins,
		bus:       cfg.Bus,
	}
}

// ProcessResponse extracts tool calls from a raw model response,
// invokes each one in extraction order, and returns the text with
// results substituted in plus one history entry per call. Text with no
// recognizable calls comes back unchanged with no entries.
//
// One failing call never aborts the batch: unresolved names, transport
// failures, and cancellation all land as {error, status: "error"}
// results on their own calls while the rest proceed. A cancelled
// context fails the remaining calls fast but still produces the
// substituted text for everything already obtained.
func (l *Loop) ProcessResponse(ctx context.Context, raw string) (string, []HistoryEntry) {
	_, calls := l.extractor.Extract(raw)
	if len(calls) == 0 {
		return raw, nil
	}

	requestID := uuid.NewString()
	start := time.Now()
	l.logger.Info("processing tool calls",
		"request_id", requestID,
		"calls", len(calls))
	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindRequestStart,
		Data:      map[string]any{"request_id": requestID, "calls": len(calls)},
	})

	entries := make([]HistoryEntry, 0, len(calls))
	for _, call := range calls {
		result := l.dispatch(ctx, requestID, call)
		call.SetResult(result)
		entries = append(entries, HistoryEntry{
			Role:    "tool",
			Name:    call.Name,
			Content: stringifyResult(result),
		})
	}

	final := extract.SubstituteResults(raw, calls)

	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindRequestComplete,
		Data: map[string]any{
			"request_id": requestID,
			"calls":      len(calls),
			"elapsed_ms": time.Since(start).Milliseconds(),
		},
	})
	return final, entries
}

// dispatch routes one call to its provider. MCP resolution takes
// precedence over builtins; a name nobody claims produces an error
// result.
func (l *Loop) dispatch(ctx context.Context, requestID string, call *extract.ToolCall) map[string]any {
	if err := ctx.Err(); err != nil {
		return mcp.ErrorResult(err.Error())
	}

	if serverID, ok := l.registry.ResolveTool(call.Name); ok {
		return l.invokeMCP(ctx, requestID, serverID, call)
	}

	if l.builtins != nil && l.builtins.Has(call.Name) {
		return l.invokeBuiltin(ctx, requestID, call)
	}

	l.logger.Warn("tool not provided by any server",
		"request_id", requestID,
		"tool", call.Name)
	return mcp.ErrorResult(fmt.Sprintf("Unknown tool: %s", call.Name))
}

func (l *Loop) invokeMCP(ctx context.Context, requestID, serverID string, call *extract.ToolCall) map[string]any {
	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindToolCall,
		Data:      map[string]any{"request_id": requestID, "tool": call.Name, "server": serverID},
	})

	start := time.Now()
	result := l.registry.Invoke(ctx, serverID, call.Name, call.Parameters, 0)
	ok := result["status"] != "error"

	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindToolDone,
		Data: map[string]any{
			"request_id":  requestID,
			"tool":        call.Name,
			"server":      serverID,
			"ok":          ok,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
	return result
}

func (l *Loop) invokeBuiltin(ctx context.Context, requestID string, call *extract.ToolCall) map[string]any {
	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindToolCall,
		Data:      map[string]any{"request_id": requestID, "tool": call.Name, "server": "builtin"},
	})

	start := time.Now()
	out, err := l.builtins.Execute(ctx, call.Name, call.Parameters)

	result := map[string]any{"result": out}
	if err != nil {
		result = mcp.ErrorResult(err.Error())
	}

	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindToolDone,
		Data: map[string]any{
			"request_id":  requestID,
			"tool":        call.Name,
			"server":      "builtin",
			"ok":          err == nil,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
	return result
}

// stringifyResult renders a result map for a history entry.
func stringifyResult(result map[string]any) string {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}
