package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ranaroussi/muxi-sub001/internal/httpkit"
)

// defaultConnectWait bounds the SSE handshake: if the stream has not
// produced a message endpoint carrying a session id within this
// window, Connect fails.
const defaultConnectWait = 30 * time.Second

// SSEConfig configures an SSE-negotiated HTTP transport.
type SSEConfig struct {
	// URL is the SSE endpoint of the MCP server.
	URL string

	// ConnectWait bounds the endpoint/session handshake. Zero means
	// the 30 second default.
	ConnectWait time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// SSETransport reaches an MCP server over the SSE handshake protocol:
// a persistent GET on the SSE endpoint yields an "endpoint" event
// naming the message URL, with the session id in its query string;
// each request is then POSTed to that URL. The stream stays open for
// the life of the connection.
type SSETransport struct {
	baseURL     string
	connectWait time.Duration
	httpClient  *http.Client
	logger      *slog.Logger

	mu         sync.Mutex
	connected  bool
	messageURL string
	sessionID  string
	cancel     context.CancelFunc
}

// NewSSETransport creates an SSE transport for the given config. No
// network traffic happens until Connect.
func NewSSETransport(cfg SSEConfig) *SSETransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wait := cfg.ConnectWait
	if wait <= 0 {
		wait = defaultConnectWait
	}
	return &SSETransport{
		baseURL:     cfg.URL,
		connectWait: wait,
		// The event stream must outlive any single request, so the
		// client-level timeout is disabled. Request deadlines come
		// from contexts; the stream lives until Disconnect.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Connect opens the event stream and waits for the server to announce
// the message endpoint. It succeeds only once both the message URL and
// a session id are known; a stream that ends or stays silent past the
// connect window is a connection failure.
func (t *SSETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	// The stream outlives Connect's ctx; it is torn down by
	// Disconnect (or by a failed handshake below).
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open SSE stream to %s: %w", t.baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		cancel()
		return fmt.Errorf("SSE endpoint returned %d: %s", resp.StatusCode, errBody)
	}

	endpoints := make(chan string, 4)
	done := make(chan struct{})
	go t.readStream(resp.Body, endpoints, done)

	deadline := time.NewTimer(t.connectWait)
	defer deadline.Stop()

	for {
		select {
		case raw := <-endpoints:
			resolved, err := resolveEndpoint(t.baseURL, raw)
			if err != nil {
				t.logger.Warn("ignoring malformed endpoint event",
					"data", raw,
					"error", err)
				continue
			}
			sid := sessionIDFromURL(resolved)
			if sid == "" {
				// Keep reading: a later event may carry the id.
				t.logger.Warn("endpoint event without session id", "url", resolved.String())
				continue
			}
			t.messageURL = resolved.String()
			t.sessionID = sid
			t.cancel = cancel
			t.connected = true
			t.logger.Info("SSE session established",
				"url", t.baseURL,
				"message_url", t.messageURL)
			return nil
		case <-done:
			cancel()
			return fmt.Errorf("SSE stream from %s ended before announcing an endpoint", t.baseURL)
		case <-deadline.C:
			cancel()
			return fmt.Errorf("no SSE endpoint from %s within %s", t.baseURL, t.connectWait)
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		}
	}
}

// readStream consumes the event stream line by line, forwarding
// endpoint announcements. It keeps draining after the handshake so
// server keepalives don't back up the connection; done is closed when
// the stream ends.
func (t *SSETransport) readStream(body io.ReadCloser, endpoints chan<- string, done chan<- struct{}) {
	defer close(done)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		t.logger.Log(context.Background(), LevelTrace, "SSE line", "line", line)

		switch {
		case line == "":
			// Blank line terminates one event.
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event == "endpoint" || strings.Contains(data, "/message") {
				select {
				case endpoints <- data:
				default:
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Debug("SSE stream closed", "url", t.baseURL, "error", err)
	}
}

// SendRequest POSTs one JSON-RPC payload to the negotiated message
// URL. A 202 means the server queued the call and returns an
// {status: accepted} placeholder; any other 2xx returns the decoded
// body, falling back to {status: success, response: <raw>} when the
// body isn't JSON. Everything else is a hard failure carrying the
// status code and body text.
func (t *SSETransport) SendRequest(ctx context.Context, payload map[string]any) (map[string]any, error) {
	t.mu.Lock()
	connected := t.connected
	msgURL := t.messageURL
	sessionID := t.sessionID
	t.mu.Unlock()

	if !connected {
		return nil, fmt.Errorf("not connected to %s", t.baseURL)
	}

	target, err := injectSession(msgURL, sessionID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST to %s: %w", t.baseURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode == http.StatusAccepted {
		// Queued asynchronously; the result arrives out of band.
		return map[string]any{
			"status":     "accepted",
			"request_id": payloadID(payload),
		}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		return nil, fmt.Errorf("MCP server returned %d: %s", resp.StatusCode, errBody)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Log(ctx, LevelTrace, "response payload", "json", string(respBody))

	var decoded map[string]any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		// Some servers acknowledge with plain text.
		return map[string]any{
			"status":   "success",
			"response": string(respBody),
		}, nil
	}
	return decoded, nil
}

// Disconnect closes the event stream. Safe to call repeatedly and
// before Connect; a disconnected transport can Connect again.
func (t *SSETransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.connected {
		t.logger.Info("SSE transport disconnected", "url", t.baseURL)
	}
	t.connected = false
	t.messageURL = ""
	t.sessionID = ""
	return nil
}

// resolveEndpoint turns an endpoint event payload into an absolute
// message URL. Relative paths resolve against the base URL with any
// /sse suffix stripped, matching the path layout MCP servers publish.
func resolveEndpoint(base, raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty endpoint data")
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", raw, err)
	}
	if ref.IsAbs() {
		return ref, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base URL %q: %w", base, err)
	}
	b.Path = strings.TrimSuffix(b.Path, "/sse")
	b.RawQuery = ""
	return b.ResolveReference(ref), nil
}

// sessionIDFromURL pulls the session identifier from a message URL's
// query string. Both the sessionId and session_id spellings occur in
// the wild.
func sessionIDFromURL(u *url.URL) string {
	q := u.Query()
	if v := q.Get("sessionId"); v != "" {
		return v
	}
	return q.Get("session_id")
}

// injectSession ensures the session id rides the query string of every
// POST. Message URLs usually already carry it; when one doesn't, the
// id is added under the sessionId key.
func injectSession(msgURL, sessionID string) (string, error) {
	u, err := url.Parse(msgURL)
	if err != nil {
		return "", fmt.Errorf("parse message URL %q: %w", msgURL, err)
	}
	q := u.Query()
	if q.Get("sessionId") == "" && q.Get("session_id") == "" {
		q.Set("sessionId", sessionID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
