package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ranaroussi/muxi-sub001/internal/agent"
	"github.com/ranaroussi/muxi-sub001/internal/events"
	"github.com/ranaroussi/muxi-sub001/internal/llm"
	"github.com/ranaroussi/muxi-sub001/internal/mcp"
	"github.com/ranaroussi/muxi-sub001/internal/memory"
	"github.com/ranaroussi/muxi-sub001/internal/router"
	"github.com/ranaroussi/muxi-sub001/internal/tools"
)

// fakeRegistry is a scripted Registry backed by a static snapshot.
type fakeRegistry struct {
	servers      map[string]mcp.ServerInfo
	tools        map[string][]mcp.ToolInfo
	registerErr  error
	registered   []string
	disconnected []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		servers: make(map[string]mcp.ServerInfo),
		tools:   make(map[string][]mcp.ToolInfo),
	}
}

func (f *fakeRegistry) Register(_ context.Context, id string, _ mcp.ServerDescriptor) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registered = append(f.registered, id)
	f.servers[id] = mcp.ServerInfo{ID: id, Status: mcp.StatusConnected, Tools: []string{}}
	return nil
}

func (f *fakeRegistry) Disconnect(serverID string) bool {
	if _, ok := f.servers[serverID]; !ok {
		return false
	}
	delete(f.servers, serverID)
	f.disconnected = append(f.disconnected, serverID)
	return true
}

func (f *fakeRegistry) Server(id string) (mcp.ServerInfo, bool) {
	info, ok := f.servers[id]
	return info, ok
}

func (f *fakeRegistry) Servers() []mcp.ServerInfo {
	out := make([]mcp.ServerInfo, 0, len(f.servers))
	for _, info := range f.servers {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeRegistry) AllTools(_ context.Context) map[string][]mcp.ToolInfo {
	return f.tools
}

// fakeModel returns a scripted chat response and records what it saw.
type fakeModel struct {
	reply     string
	err       error
	lastModel string
	lastMsgs  []llm.Message
}

func (f *fakeModel) Chat(_ context.Context, model string, messages []llm.Message) (*llm.ChatResponse, error) {
	f.lastModel = model
	f.lastMsgs = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{
		Model:   model,
		Message: llm.Message{Role: "assistant", Content: f.reply},
		Done:    true,
	}, nil
}

func (f *fakeModel) Embed(context.Context, string) ([]float32, error) { return nil, nil }

func (f *fakeModel) Ping(context.Context) error { return nil }

// fakeInvoker resolves one tool name to one server with a fixed result.
type fakeInvoker struct {
	tool   string
	server string
	result map[string]any
}

func (f *fakeInvoker) ResolveTool(toolName string) (string, bool) {
	if toolName == f.tool {
		return f.server, true
	}
	return "", false
}

func (f *fakeInvoker) Invoke(context.Context, string, string, map[string]any, time.Duration) map[string]any {
	return f.result
}

// testServer wires a Server out of fakes and serves it over httptest.
type testServer struct {
	*httptest.Server
	registry *fakeRegistry
	model    *fakeModel
	invoker  *fakeInvoker
	buffer   *memory.Buffer
	bus      *events.Bus
	watched  []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	env := &testServer{
		registry: newFakeRegistry(),
		model:    &fakeModel{reply: "Hi there."},
		invoker: &fakeInvoker{
			tool:   "get_weather",
			server: "weather",
			result: map[string]any{"result": "sunny, 72F"},
		},
		buffer: memory.NewBuffer(50),
		bus:    events.New(),
	}

	loop := agent.NewLoop(agent.Config{
		Registry: env.invoker,
		Bus:      env.bus,
		Logger:   slog.Default(),
	})

	rtr := router.NewRouter(slog.Default(), router.Config{
		Profiles: []router.Profile{
			{Name: "general", Default: true},
			{
				Name:         "forecaster",
				Keywords:     []string{"weather"},
				Model:        "forecast-model",
				SystemPrompt: "You are a weather assistant.",
			},
		},
	})

	builtins := tools.NewRegistry()
	builtins.Register(&tools.Tool{
		Name:        "echo",
		Description: "echoes input",
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return fmt.Sprintf("%v", args["text"]), nil
		},
	})

	srv := NewServer(Config{
		Model:       env.model,
		ChatModel:   "default-model",
		Loop:        loop,
		Router:      rtr,
		Registry:    env.registry,
		Builtins:    builtins,
		Buffer:      env.buffer,
		WatchServer: func(id string) { env.watched = append(env.watched, id) },
		Bus:         env.bus,
		Logger:      slog.Default(),
	})

	env.Server = httptest.NewServer(srv.routes())
	t.Cleanup(env.Server.Close)
	return env
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func doDelete(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatalf("build DELETE: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", url, err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t)

	payload := getJSON(t, env.URL+"/healthz", http.StatusOK)
	if payload["status"] != "ok" {
		t.Errorf("status = %v, want ok", payload["status"])
	}
	build, ok := payload["build"].(map[string]any)
	if !ok {
		t.Fatalf("build payload missing: %v", payload)
	}
	if build["go_version"] == "" {
		t.Error("build info has no go_version")
	}
}

func TestRootIdentity(t *testing.T) {
	env := newTestServer(t)

	payload := getJSON(t, env.URL+"/", http.StatusOK)
	if payload["name"] != "muxi" || payload["status"] != "ok" {
		t.Errorf("root payload = %v", payload)
	}
}

func TestServerRegisterAndDelete(t *testing.T) {
	env := newTestServer(t)

	resp := postJSON(t, env.URL+"/api/servers", `{"name": "files", "command": "mcp-files --root /tmp"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}
	var info mcp.ServerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if info.ID != "files" {
		t.Errorf("registered id = %q, want files", info.ID)
	}
	if len(env.watched) != 1 || env.watched[0] != "files" {
		t.Errorf("watched = %v, want [files]", env.watched)
	}

	list := getJSON(t, env.URL+"/api/servers", http.StatusOK)
	servers, ok := list["servers"].([]any)
	if !ok || len(servers) != 1 {
		t.Fatalf("servers = %v, want one entry", list["servers"])
	}

	del := doDelete(t, env.URL+"/api/servers/files")
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", del.StatusCode)
	}
	if len(env.registry.disconnected) != 1 {
		t.Errorf("disconnected = %v, want [files]", env.registry.disconnected)
	}

	again := doDelete(t, env.URL+"/api/servers/files")
	again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", again.StatusCode)
	}
}

func TestServerRegisterValidation(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing name", `{"url": "http://localhost:3001/sse"}`},
		{"url and command", `{"name": "x", "url": "http://localhost:3001/sse", "command": "run"}`},
		{"neither url nor command", `{"name": "x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, env.URL+"/api/servers", tt.body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
	if len(env.registry.registered) != 0 {
		t.Errorf("registry saw registrations from invalid requests: %v", env.registry.registered)
	}
}

func TestServerRegisterConflict(t *testing.T) {
	env := newTestServer(t)
	env.registry.registerErr = mcp.ErrAlreadyRegistered

	resp := postJSON(t, env.URL+"/api/servers", `{"name": "files", "url": "http://localhost:3001/sse"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestServerRegisterConnectFailure(t *testing.T) {
	env := newTestServer(t)
	env.registry.registerErr = fmt.Errorf("connect files: connection refused")

	resp := postJSON(t, env.URL+"/api/servers", `{"name": "files", "url": "http://localhost:3001/sse"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if len(env.watched) != 0 {
		t.Errorf("watcher attached despite failed registration: %v", env.watched)
	}
}

func TestToolListing(t *testing.T) {
	env := newTestServer(t)
	env.registry.tools["weather"] = []mcp.ToolInfo{
		{Name: "get_weather", Description: "current conditions"},
	}

	payload := getJSON(t, env.URL+"/api/tools", http.StatusOK)

	mcpTools, ok := payload["mcp"].(map[string]any)
	if !ok {
		t.Fatalf("mcp section missing: %v", payload)
	}
	weather, ok := mcpTools["weather"].([]any)
	if !ok || len(weather) != 1 {
		t.Fatalf("weather tools = %v, want one entry", mcpTools["weather"])
	}

	builtin, ok := payload["builtin"].([]any)
	if !ok || len(builtin) != 1 {
		t.Fatalf("builtin section = %v, want one entry", payload["builtin"])
	}
	entry := builtin[0].(map[string]any)
	if entry["name"] != "echo" {
		t.Errorf("builtin tool = %v, want echo", entry["name"])
	}
}

func TestConversationEndpoints(t *testing.T) {
	env := newTestServer(t)
	env.buffer.Add("conv1", "user", "hello")
	env.buffer.Add("conv1", "assistant", "hi")

	list := getJSON(t, env.URL+"/api/conversations", http.StatusOK)
	convs, ok := list["conversations"].([]any)
	if !ok || len(convs) != 1 || convs[0] != "conv1" {
		t.Fatalf("conversations = %v, want [conv1]", list["conversations"])
	}
	if _, ok := list["stats"].(map[string]any); !ok {
		t.Errorf("stats section missing: %v", list)
	}

	conv := getJSON(t, env.URL+"/api/conversations/conv1", http.StatusOK)
	msgs, ok := conv["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("messages = %v, want two entries", conv["messages"])
	}

	resp, err := http.Get(env.URL + "/api/conversations/ghost")
	if err != nil {
		t.Fatalf("GET ghost conversation: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown conversation status = %d, want 404", resp.StatusCode)
	}

	del := doDelete(t, env.URL+"/api/conversations/conv1")
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", del.StatusCode)
	}
	if len(env.buffer.History("conv1")) != 0 {
		t.Error("conversation survived delete")
	}
}

func TestRouterIntrospection(t *testing.T) {
	env := newTestServer(t)

	chat := postJSON(t, env.URL+"/api/chat", `{"message": "what is the weather like"}`)
	chat.Body.Close()
	if chat.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d, want 200", chat.StatusCode)
	}

	stats := getJSON(t, env.URL+"/api/router/stats", http.StatusOK)
	counts, ok := stats["profile_counts"].(map[string]any)
	if !ok || counts["forecaster"] == nil {
		t.Errorf("stats = %v, want a forecaster count", stats)
	}

	audit := getJSON(t, env.URL+"/api/router/audit?limit=5", http.StatusOK)
	if count, ok := audit["count"].(float64); !ok || count < 1 {
		t.Errorf("audit count = %v, want at least 1", audit["count"])
	}

	profiles := getJSON(t, env.URL+"/api/router/profiles", http.StatusOK)
	list, ok := profiles["profiles"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("profiles = %v, want 2 entries", profiles["profiles"])
	}
	if first, _ := list[0].(map[string]any); first["name"] != "general" {
		t.Errorf("first profile = %v, want general", first["name"])
	}
	for _, entry := range list {
		if m, _ := entry.(map[string]any); m["system_prompt"] != nil {
			t.Errorf("profile leaked its system prompt: %v", m)
		}
	}
}
