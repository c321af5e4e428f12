package mcp

import (
	"github.com/google/uuid"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Reserved protocol methods. Everything else sent through a
// ServerConnection is a tool name.
const (
	methodListTools = "listTools"
	methodPing      = "ping"
)

// NewPayload assembles a JSON-RPC 2.0 request payload with a fresh
// UUID id. Payloads stay as plain maps end to end: the transports
// submit them verbatim and hand back whatever JSON body the server
// answers with, so no general request/response envelope types are
// needed here.
func NewPayload(method string, params map[string]any) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"jsonrpc": jsonrpcVersion,
		"method":  method,
		"params":  params,
		"id":      uuid.NewString(),
	}
}

// payloadID returns the request id of a payload, or "" when absent.
func payloadID(payload map[string]any) string {
	id, _ := payload["id"].(string)
	return id
}
