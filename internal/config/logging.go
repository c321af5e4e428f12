package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries raw wire payloads:
// JSON-RPC request and response bodies, SSE stream lines. The value -8
// matches how OpenTelemetry numbers its trace level. Enable it only when
// chasing a transport bug; the volume is enormous.
const LevelTrace = slog.Level(-8)

// levelNames maps accepted log_level strings to slog levels. The empty
// string maps to Info so an absent config field means normal verbosity.
var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel resolves a config string (case-insensitive, surrounding
// whitespace ignored) to its slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
	return lvl, nil
}

// ReplaceLogLevelNames teaches slog handlers to print [LevelTrace] as
// "TRACE" instead of the synthesized "DEBUG-4". Install it as the
// handler's ReplaceAttr:
//
//	slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level:       config.LevelTrace,
//	    ReplaceAttr: config.ReplaceLogLevelNames,
//	})
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
