package mcp

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testConn(f *fakeTransport, creds map[string]string) *ServerConnection {
	return &ServerConnection{
		id:          "test",
		transport:   f,
		credentials: creds,
		timeout:     DefaultTimeout,
		tools:       make(map[string]ToolInfo),
		logger:      slog.Default(),
	}
}

func TestExecuteToolMergesCredentials(t *testing.T) {
	f := newFakeTransport()
	conn := testConn(f, map[string]string{"api_key": "secret", "region": "eu"})

	params := map[string]any{"query": "tides", "api_key": "caller-supplied"}
	if _, err := conn.ExecuteTool(context.Background(), "search", params); err != nil {
		t.Fatalf("ExecuteTool() error: %v", err)
	}

	sent := f.lastRequest(t)
	if sent["method"] != "search" {
		t.Errorf("method = %v, want search", sent["method"])
	}
	merged, ok := sent["params"].(map[string]any)
	if !ok {
		t.Fatalf("params = %v, want map", sent["params"])
	}
	// Credential keys win over caller-supplied ones.
	if merged["api_key"] != "secret" {
		t.Errorf("api_key = %v, want credential value", merged["api_key"])
	}
	if merged["region"] != "eu" {
		t.Errorf("region = %v, want eu", merged["region"])
	}
	if merged["query"] != "tides" {
		t.Errorf("query = %v, want tides", merged["query"])
	}

	// The caller's map is left untouched.
	if params["api_key"] != "caller-supplied" {
		t.Errorf("caller params mutated: api_key = %v", params["api_key"])
	}
}

func TestExecuteToolAppliesTimeout(t *testing.T) {
	f := newFakeTransport()
	conn := testConn(f, nil)
	conn.timeout = 2 * time.Second

	if _, err := conn.ExecuteTool(context.Background(), "slow_tool", nil); err != nil {
		t.Fatalf("ExecuteTool() error: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deadlines) != 1 || f.deadlines[0] > 2*time.Second {
		t.Errorf("request deadline %v, want <= 2s", f.deadlines)
	}
}

func TestPingSendsReservedMethod(t *testing.T) {
	f := newFakeTransport()
	conn := testConn(f, nil)

	if err := conn.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	if got := f.lastRequest(t)["method"]; got != "ping" {
		t.Errorf("method = %v, want ping", got)
	}
}

func TestParseToolList(t *testing.T) {
	tests := []struct {
		name string
		resp map[string]any
		want []ToolInfo
	}{
		{
			name: "top-level tools array",
			resp: map[string]any{"tools": []any{
				map[string]any{"name": "a", "description": "first"},
			}},
			want: []ToolInfo{{Name: "a", Description: "first"}},
		},
		{
			name: "result object wrapping tools",
			resp: map[string]any{"result": map[string]any{"tools": []any{
				map[string]any{"name": "b", "description": "second"},
			}}},
			want: []ToolInfo{{Name: "b", Description: "second"}},
		},
		{
			name: "bare result array",
			resp: map[string]any{"result": []any{
				map[string]any{"name": "c"},
			}},
			want: []ToolInfo{{Name: "c"}},
		},
		{
			name: "entries without a name are skipped",
			resp: map[string]any{"tools": []any{
				map[string]any{"description": "nameless"},
				"not even an object",
				map[string]any{"name": "kept"},
			}},
			want: []ToolInfo{{Name: "kept"}},
		},
		{
			name: "empty response",
			resp: map[string]any{},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseToolList(tt.resp)
			if len(got) != len(tt.want) {
				t.Fatalf("parseToolList() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("tool %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNewServerConnectionValidation(t *testing.T) {
	tests := []struct {
		name    string
		desc    ServerDescriptor
		wantErr bool
	}{
		{"url only", ServerDescriptor{URL: "http://localhost:3000/sse"}, false},
		{"command only", ServerDescriptor{Command: "npx some-mcp-server"}, false},
		{"both set", ServerDescriptor{URL: "http://x/sse", Command: "cmd"}, true},
		{"neither set", ServerDescriptor{}, true},
		{"unterminated quote", ServerDescriptor{Command: `tool "broken`}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := newServerConnection("srv", tt.desc, slog.Default())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if conn.timeout != DefaultTimeout {
				t.Errorf("timeout = %v, want default %v", conn.timeout, DefaultTimeout)
			}
			if conn.status != StatusConnecting {
				t.Errorf("status = %v, want connecting", conn.status)
			}
		})
	}
}

func TestNewServerConnectionExplicitTimeout(t *testing.T) {
	conn, err := newServerConnection("srv", ServerDescriptor{
		URL:     "http://localhost:3000/sse",
		Timeout: 15 * time.Second,
	}, slog.Default())
	if err != nil {
		t.Fatalf("newServerConnection() error: %v", err)
	}
	if conn.timeout != 15*time.Second {
		t.Errorf("timeout = %v, want 15s", conn.timeout)
	}
}
