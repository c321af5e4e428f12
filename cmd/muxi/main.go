// Muxi is a tool-calling agent gateway for MCP servers.
//
// It extracts tool calls embedded in model output, dispatches them to
// registered MCP servers over SSE or subprocess transports, and exposes
// an HTTP API for chat, server administration, and operational
// introspection. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	muxi serve              Start the API server
//	muxi init [dir]         Initialize a working directory with defaults
//	muxi ask <question>     Ask a single question (for testing)
//	muxi version            Print version and build information
//	muxi -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ranaroussi/muxi-sub001/internal/agent"
	"github.com/ranaroussi/muxi-sub001/internal/api"
	"github.com/ranaroussi/muxi-sub001/internal/buildinfo"
	"github.com/ranaroussi/muxi-sub001/internal/config"
	"github.com/ranaroussi/muxi-sub001/internal/connwatch"
	"github.com/ranaroussi/muxi-sub001/internal/events"
	"github.com/ranaroussi/muxi-sub001/internal/fetch"
	"github.com/ranaroussi/muxi-sub001/internal/llm"
	"github.com/ranaroussi/muxi-sub001/internal/mcp"
	"github.com/ranaroussi/muxi-sub001/internal/memory"
	"github.com/ranaroussi/muxi-sub001/internal/mqtt"
	"github.com/ranaroussi/muxi-sub001/internal/router"
	"github.com/ranaroussi/muxi-sub001/internal/tools"
)

// main wires the process environment (stdio, argv, a root context) into
// [run] and turns its error into the exit code. Keeping os.Exit and the
// os globals out of run lets tests drive the whole lifecycle in-process.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run executes one muxi invocation. Everything main would normally pull
// from the OS arrives as a parameter: ctx bounds the process lifetime
// (cancel it and every server and background goroutine winds down),
// stdout and stderr receive all output, and args is os.Args[1:].
// Arguments are parsed by hand so run stays free of flag-package
// globals and can be called from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var (
		configPath string   // -config value, empty means auto-discover
		outputFmt  string   // -o/--output value
		command    string   // first bare token
		cmdArgs    []string // everything after the command word
	)

	// Flags are recognized only up to the command word. Whatever follows
	// the command belongs to the command itself, dashes and all, which
	// keeps "muxi ask what is -o?" from eating the question.
	rest := args
	pop := func() string {
		head := rest[0]
		rest = rest[1:]
		return head
	}
	for len(rest) > 0 {
		arg := pop()
		if command != "" {
			cmdArgs = append(cmdArgs, arg)
			continue
		}
		switch {
		case arg == "-h" || arg == "-help" || arg == "--help":
			return printUsage(stdout)
		case arg == "-config" && len(rest) > 0:
			configPath = pop()
		case strings.HasPrefix(arg, "-config="):
			configPath = arg[len("-config="):]
		case (arg == "-o" || arg == "--output") && len(rest) > 0:
			outputFmt = pop()
		case strings.HasPrefix(arg, "-o="):
			outputFmt = arg[len("-o="):]
		case strings.HasPrefix(arg, "--output="):
			outputFmt = arg[len("--output="):]
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			command = arg
		}
	}

	switch outputFmt {
	case "":
		outputFmt = "text"
	case "text", "json":
	default:
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "":
		return printUsage(stdout)
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		target := "."
		if len(cmdArgs) > 0 {
			target = cmdArgs[0]
		}
		return runInit(stdout, target)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: muxi ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata. Text output is the one-line banner
// plus aligned fields; json output is the raw [buildinfo.Info] map.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()

	if outputFmt == "json" {
		out, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", out)
		return err
	}

	fmt.Fprintln(w, buildinfo.String())
	// Map iteration order is random, so name the fields explicitly to
	// keep the text output stable.
	for _, field := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		fmt.Fprintf(w, "  %-12s %s\n", field+":", info[field])
	}
	return nil
}

// printUsage writes the top-level help text. Reached with no arguments
// or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Muxi - MCP Tool-Calling Agent Gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: muxi [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the HTTP API and tool gateway")
	fmt.Fprintln(w, "  init [dir]   Write a starter config and data directory (default: .)")
	fmt.Fprintln(w, "  ask          One-shot question against the configured model")
	fmt.Fprintln(w, "  version      Show build and version info")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config path      Config file to use instead of the search path")
	fmt.Fprintln(w, "  -o, --output fmt  Output format, text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/muxi/config.yaml, /etc/muxi/config.yaml")
	return nil
}

// runAsk handles "muxi ask <question>". It boots a minimal agent (no
// router, no API server, no event bus), connects the configured MCP
// servers once, and answers a single question on stdout. Useful for
// smoke tests and debugging without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	// Logs go to stderr so stdout carries only the answer.
	logger := newLogger(stderr, slog.LevelInfo, "text")

	cfg, cfgFile, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgFile)

	if cfg.Model.Provider != "ollama" {
		return fmt.Errorf("unknown model provider: %s", cfg.Model.Provider)
	}
	model := llm.NewOllamaClient(llm.OllamaConfig{
		BaseURL:    cfg.Model.BaseURL,
		EmbedModel: cfg.Model.EmbedModel,
		Logger:     logger,
	})

	// One-shot registration: a server that is down stays out of this
	// run instead of being retried.
	registry := mcp.NewRegistry(logger, nil)
	defer registry.DisconnectAll()
	for _, s := range cfg.MCP.Servers {
		if err := registry.Register(ctx, s.Name, descriptorFromConfig(s)); err != nil {
			logger.Warn("MCP server unavailable", "server", s.Name, "error", err)
		}
	}

	builtins := tools.NewRegistry()
	tools.RegisterWebFetch(builtins, fetch.New(fetch.Config{Logger: logger}))

	loop := agent.NewLoop(agent.Config{
		Registry: registry,
		Builtins: builtins,
		Logger:   logger,
	})

	question := strings.Join(args, " ")
	resp, err := model.Chat(ctx, cfg.Model.ChatModel, []llm.Message{
		{Role: "user", Content: question},
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	final, _ := loop.ProcessResponse(ctx, resp.Message.Content)
	fmt.Fprintln(stdout, final)
	return nil
}

// runServe handles "muxi serve". It is the primary operating mode:
// loads config, connects the model provider and MCP servers, assembles
// the invocation loop and router, starts the HTTP API, and blocks until
// a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT publisher announces "offline" and disconnects
//  3. The HTTP server drains in-flight requests
//  4. MCP transports and the watchers are closed via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting muxi", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgFile, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// The bootstrap logger above covers only the startup banner and
	// config errors. Swap in the level and format the config asks for;
	// Normalize already vetted the level string, so this cannot fail.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgFile,
		"model", cfg.Model.ChatModel,
		"mcp_servers", len(cfg.MCP.Servers),
		"port", cfg.Listen.Port,
	)

	if cfg.Model.Provider != "ollama" {
		return fmt.Errorf("unknown model provider: %s", cfg.Model.Provider)
	}

	// All persistent state (instance id, optional vector store) lives
	// under the data directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Event bus ---
	// Operational events flow from the registry, the invocation loop,
	// and the API to the WebSocket stream and the MQTT mirror.
	bus := events.New()

	// --- MCP registry ---
	registry := mcp.NewRegistry(logger, bus)
	defer registry.DisconnectAll()

	// --- Connection resilience ---
	// Each MCP server and the model provider get a background watcher
	// with exponential backoff. Configured servers are registered by
	// their watcher's first probe, so a server that is down at startup
	// joins as soon as it comes up. No restart required.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	for _, s := range cfg.MCP.Servers {
		name := s.Name
		desc := descriptorFromConfig(s)
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: name,
			Probe: func(pCtx context.Context) error {
				err := registry.Ping(pCtx, name)
				if err == nil {
					return nil
				}
				if errors.Is(err, mcp.ErrUnknownServer) {
					// Never registered, or rolled back after a failed
					// handshake. Register from the config descriptor.
					return registry.Register(pCtx, name, desc)
				}
				return registry.Reconnect(pCtx, name)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
	}

	// Servers registered later through the API get the same treatment,
	// minus re-registration: their descriptor lives in the registry, so
	// a failed ping leads straight to a reconnect.
	watchServer := func(id string) {
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: id,
			Probe: func(pCtx context.Context) error {
				if err := registry.Ping(pCtx, id); err == nil {
					return nil
				}
				return registry.Reconnect(pCtx, id)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
	}

	// --- Model provider ---
	model := llm.NewOllamaClient(llm.OllamaConfig{
		BaseURL:    cfg.Model.BaseURL,
		EmbedModel: cfg.Model.EmbedModel,
		Logger:     logger,
	})
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "model",
		Probe:   func(pCtx context.Context) error { return model.Ping(pCtx) },
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})

	// --- Router ---
	profiles := make([]router.Profile, len(cfg.Agents))
	for i, a := range cfg.Agents {
		profiles[i] = router.Profile{
			Name:         a.Name,
			Description:  a.Description,
			Keywords:     a.Keywords,
			Model:        a.Model,
			SystemPrompt: a.SystemPrompt,
			Default:      a.Default,
		}
	}
	rtr := router.NewRouter(logger, router.Config{
		Profiles:    profiles,
		MaxAuditLog: 100,
	})

	// --- Conversation buffer ---
	buffer := memory.NewBuffer(cfg.Memory.MaxMessages)

	// --- Builtin tools ---
	builtins := tools.NewRegistry()
	tools.RegisterWebFetch(builtins, fetch.New(fetch.Config{Logger: logger}))
	if cfg.Memory.VectorDB != "" {
		vectors, err := memory.NewVectorStore(cfg.Memory.VectorDB)
		if err != nil {
			return fmt.Errorf("open vector store %s: %w", cfg.Memory.VectorDB, err)
		}
		defer vectors.Close()
		tools.RegisterMemory(builtins, vectors, model)
		logger.Info("memory tools enabled", "path", cfg.Memory.VectorDB)
	}

	// --- Invocation loop ---
	loop := agent.NewLoop(agent.Config{
		Registry: registry,
		Builtins: builtins,
		Bus:      bus,
		Logger:   logger,
	})

	// --- API server ---
	server := api.NewServer(api.Config{
		Address:     cfg.Listen.Address,
		Port:        cfg.Listen.Port,
		Model:       model,
		ChatModel:   cfg.Model.ChatModel,
		Loop:        loop,
		Router:      rtr,
		Registry:    registry,
		Buffer:      buffer,
		Builtins:    builtins,
		Watch:       connMgr,
		WatchServer: watchServer,
		Bus:         bus,
		Logger:      logger,
	})

	// --- MQTT mirror ---
	mqttPub, err := startMQTT(ctx, cfg, bus, connMgr, logger)
	if err != nil {
		return err
	}

	// --- Signal handling and graceful shutdown ---
	// SIGINT/SIGTERM cancel the same ctx every component runs under.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("signal received, shutting down")

		if mqttPub != nil {
			// Announce offline while the broker connection is still up.
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := mqttPub.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Blocks until shutdown. A nil ctx.Err means the listener died on
	// its own rather than being asked to stop.
	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("muxi stopped")
	return nil
}

// startMQTT boots the optional broker mirror and registers a
// reachability watcher for it, so broker state shows up on /health next
// to the model and the MCP servers. Returns nil when MQTT is disabled.
func startMQTT(ctx context.Context, cfg *config.Config, bus *events.Bus, connMgr *connwatch.Manager, logger *slog.Logger) (*mqtt.Publisher, error) {
	if !cfg.MQTT.Enabled {
		logger.Info("mqtt publishing disabled (not configured)")
		return nil, nil
	}

	id, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load mqtt instance id: %w", err)
	}

	pub := mqtt.New(cfg.MQTT, id, bus, logger)
	go func() {
		if err := pub.Start(ctx); err != nil {
			logger.Error("mqtt publisher failed", "error", err)
		}
	}()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "mqtt",
		Probe: func(pCtx context.Context) error {
			waitCtx, cancel := context.WithTimeout(pCtx, 2*time.Second)
			defer cancel()
			return pub.AwaitConnection(waitCtx)
		},
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})

	logger.Info("mqtt publishing enabled",
		"broker", cfg.MQTT.URL,
		"topic_prefix", cfg.MQTT.TopicPrefix,
		"instance_id", id,
	)
	return pub, nil
}

// descriptorFromConfig maps a config server stanza to a registry
// descriptor.
func descriptorFromConfig(s config.MCPServerConfig) mcp.ServerDescriptor {
	return mcp.ServerDescriptor{
		URL:         s.URL,
		Command:     s.Command,
		Env:         s.Env,
		Credentials: s.Credentials,
		Timeout:     time.Duration(s.Timeout) * time.Second,
	}
}

// newLogger builds the slog logger every subcommand routes its output
// through, so handler options stay consistent process-wide. Formats
// other than "json" fall back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: config.ReplaceLogLevelNames}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig resolves the config path (the explicit flag value if set,
// otherwise the default search locations) and parses it. Returns the
// config together with the path it came from.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}

	return cfg, path, nil
}
