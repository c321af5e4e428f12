// Package mcp implements MCP (Model Context Protocol) client support,
// allowing muxi to register external MCP servers and invoke their tools
// on behalf of the agent loop.
//
// MCP speaks JSON-RPC 2.0 over two transports: an SSE-negotiated HTTP
// channel (a persistent event stream hands out the message URL and
// session id, requests are POSTed separately) and a local subprocess
// channel with newline-delimited messages. The Registry owns one
// ServerConnection per server, serializes calls per server, and keeps
// the index mapping each discovered tool name to the server providing
// it.
//
// This implementation covers the client/host side only — muxi does not
// act as an MCP server.
package mcp
