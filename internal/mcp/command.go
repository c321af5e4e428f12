package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CommandConfig configures a command transport that runs an MCP server
// as a local subprocess, exchanging newline-delimited JSON-RPC over
// stdin/stdout.
type CommandConfig struct {
	// CommandLine is the full command line to execute, split on
	// whitespace with single/double quoting respected.
	CommandLine string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// CommandTransport talks to an MCP server subprocess. Each request is
// one JSON line on stdin; the matching response is the stdout line
// whose id echoes the request id. stderr is drained and logged, it is
// not part of the protocol.
type CommandTransport struct {
	path   string
	args   []string
	env    []string
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	reader    *bufio.Reader
}

// NewCommandTransport creates a command transport for the given
// config. The subprocess is not started until Connect.
func NewCommandTransport(cfg CommandConfig) (*CommandTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	path, args, err := splitCommandLine(cfg.CommandLine)
	if err != nil {
		return nil, err
	}
	return &CommandTransport{
		path:   path,
		args:   args,
		env:    cfg.Env,
		logger: logger,
	}, nil
}

// Connect starts the subprocess. A command that cannot be spawned is a
// connection failure; the process, once up, survives individual
// request timeouts and is only terminated by Disconnect or by cleanup
// after a broken pipe.
func (t *CommandTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	if err := t.start(); err != nil {
		return err
	}
	t.connected = true
	return nil
}

// start launches the subprocess if it is not already running. Caller
// must hold t.mu.
func (t *CommandTransport) start() error {
	if t.cmd != nil && t.cmd.ProcessState == nil {
		// Process is still running.
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.path,
		"args", t.args,
	)

	cmd := exec.Command(t.path, t.args...)
	cmd.Env = append(os.Environ(), t.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging, it is not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.path, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20) // 1 MiB buffer for large responses

	go t.drainStderr(stderrPipe)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *CommandTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readResult is the outcome of a single line read from stdout.
type readResult struct {
	line []byte
	err  error
}

// SendRequest writes one JSON-RPC payload to stdin and reads stdout
// until the line whose id matches arrives. The mutex serializes access
// since the pipe pair is inherently sequential. Reads happen in a
// goroutine so context cancellation can interrupt a blocking read; on
// cancellation the subprocess is killed to unblock the reader.
func (t *CommandTransport) SendRequest(ctx context.Context, payload map[string]any) (map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil, fmt.Errorf("not connected to %s", t.path)
	}
	// Restart after a crash or post-failure cleanup.
	if err := t.start(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, LevelTrace, "request payload", "json", string(data))

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return nil, fmt.Errorf("write to subprocess stdin: %w", err)
	}

	// The subprocess may emit notifications or log noise before the
	// actual response, so loop until the request id comes back. The
	// goroutine reads through its own reference: cleanup nils t.reader
	// while a cancelled call's read may still be in flight.
	want := payloadID(payload)
	reader := t.reader
	for {
		ch := make(chan readResult, 1)
		go func() {
			line, readErr := reader.ReadBytes('\n')
			ch <- readResult{line: line, err: readErr}
		}()

		select {
		case <-ctx.Done():
			// Kill the subprocess so the blocked read unblocks.
			t.cleanup()
			return nil, ctx.Err()
		case res := <-ch:
			if res.err != nil {
				t.cleanup()
				return nil, fmt.Errorf("read from subprocess stdout: %w", res.err)
			}

			var decoded map[string]any
			if err := json.Unmarshal(res.line, &decoded); err != nil {
				t.logger.Debug("skipping non-JSON line from MCP subprocess",
					"line", strings.TrimSpace(string(res.line)),
				)
				continue
			}

			id, _ := decoded["id"].(string)
			if id == want {
				t.logger.Log(ctx, LevelTrace, "response payload", "json", strings.TrimSpace(string(res.line)))
				return decoded, nil
			}
			t.logger.Debug("skipping unmatched MCP message", "id", decoded["id"])
		}
	}
}

// Disconnect terminates the subprocess. Safe to call repeatedly and
// before Connect.
func (t *CommandTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	return t.stop()
}

// stop terminates the subprocess, waiting briefly for a graceful exit
// before killing it. Caller must hold t.mu.
func (t *CommandTransport) stop() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)

	// Closing stdin signals the subprocess to exit.
	if t.stdin != nil {
		t.stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case err := <-done:
		t.cmd = nil
		return err
	case <-time.After(5 * time.Second):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		<-done
		t.cmd = nil
		return nil
	}
}

// cleanup resets process state after a failure so the next request can
// restart the subprocess. Caller must hold t.mu.
func (t *CommandTransport) cleanup() {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	t.cmd = nil
	t.stdin = nil
	t.reader = nil
}

// splitCommandLine splits a command line into the executable path and
// its arguments. Single and double quotes group words; there is no
// escape processing beyond that.
func splitCommandLine(line string) (string, []string, error) {
	var (
		parts   []string
		current strings.Builder
		quote   rune
		inWord  bool
	)
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				parts = append(parts, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return "", nil, fmt.Errorf("unterminated quote in command line %q", line)
	}
	if inWord {
		parts = append(parts, current.String())
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("empty command line")
	}
	return parts[0], parts[1:], nil
}
