// Package extract recognizes tool invocations embedded in free-form
// model output text.
//
// Models emit tool calls in several inconsistent syntaxes: fenced
// ```json blocks, bare function-call notation, and explicit
// <tool:name> tags. The extractor pools matches from all three
// recognizers, orders them by position, and can later splice results
// back into the original text. It performs no I/O and never returns an
// error; malformed fragments are skipped and logged.
package extract

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ToolCall is one recognized invocation inside a text blob.
type ToolCall struct {
	// Name is the tool being invoked. Never empty.
	Name string

	// Parameters holds the decoded arguments. Values are
	// JSON-compatible: string, number, bool, nil, nested maps and
	// slices.
	Parameters map[string]any

	// Start and End are byte offsets of the matched span in the
	// original text, Start < End.
	Start int
	End   int

	// Raw is the exact substring at [Start:End], kept so the span
	// can be removed or replaced verbatim.
	Raw string

	result map[string]any
}

// SetResult records the invocation outcome. The first call wins; a
// finalized result cannot be overwritten.
func (c *ToolCall) SetResult(r map[string]any) {
	if c.result != nil {
		return
	}
	c.result = r
}

// Result returns the recorded outcome, if any.
func (c *ToolCall) Result() (map[string]any, bool) {
	if c.result == nil {
		return nil, false
	}
	return c.result, true
}

// fencedJSONRe matches ```json fenced blocks. The body is parsed as an
// object and kept only when it looks like a tool invocation.
var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// toolTagRe matches explicit <tool:name>{...}</tool> spans.
var toolTagRe = regexp.MustCompile(`(?s)<tool:([A-Za-z0-9_.-]+)>(.*?)</tool>`)

// funcCallRe matches bare function-call notation like tool(a=1, b="x").
// Arguments stay on one line and cannot themselves contain parentheses.
var funcCallRe = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\(([^()\n]*)\)`)

// Extractor finds tool calls in model output text.
type Extractor struct {
	logger *slog.Logger
}

// New creates an Extractor.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract scans text for tool invocations in all recognized syntaxes.
// It returns the text with every matched span removed (trimmed of
// surrounding whitespace) and the calls ordered by start offset.
// Unparseable fragments are skipped; Extract never fails.
func (e *Extractor) Extract(text string) (string, []*ToolCall) {
	var pool []*ToolCall
	pool = append(pool, e.fencedCalls(text)...)
	pool = append(pool, e.taggedCalls(text)...)
	pool = append(pool, e.functionCalls(text)...)

	// The recognizers run independently over the full text, so the
	// function-call pattern can fire inside a fenced block or a tag
	// body. Earlier recognizers take precedence; drop any match that
	// overlaps an already accepted span.
	var calls []*ToolCall
	for _, c := range pool {
		overlaps := false
		for _, kept := range calls {
			if c.Start < kept.End && kept.Start < c.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			calls = append(calls, c)
		}
	}

	sort.Slice(calls, func(i, j int) bool { return calls[i].Start < calls[j].Start })

	// Remove spans right to left so earlier offsets stay valid.
	remaining := text
	for i := len(calls) - 1; i >= 0; i-- {
		remaining = remaining[:calls[i].Start] + remaining[calls[i].End:]
	}
	return strings.TrimSpace(remaining), calls
}

// SubstituteResults replaces each call's original span in text with a
// readable result block. Calls without a result keep their raw text.
// Spans are processed right to left so earlier offsets stay valid; all
// text outside the spans is preserved verbatim.
func SubstituteResults(text string, calls []*ToolCall) string {
	ordered := make([]*ToolCall, len(calls))
	copy(ordered, calls)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start > ordered[j].Start })

	for _, c := range ordered {
		res, ok := c.Result()
		if !ok {
			continue
		}
		if c.Start < 0 || c.End > len(text) || c.Start >= c.End {
			continue
		}
		pretty, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			pretty = []byte(fmt.Sprintf("%v", res))
		}
		block := fmt.Sprintf("**Result from %s:** %s", c.Name, pretty)
		text = text[:c.Start] + block + text[c.End:]
	}
	return text
}

// fencedCalls finds ```json blocks whose body is a tool invocation
// object: either {"tool": ..., "parameters": {...}} or the OpenAI-style
// {"function": ..., "arguments": ...}.
func (e *Extractor) fencedCalls(text string) []*ToolCall {
	var calls []*ToolCall
	for _, m := range fencedJSONRe.FindAllStringSubmatchIndex(text, -1) {
		body := strings.TrimSpace(text[m[2]:m[3]])
		var obj map[string]any
		if err := json.Unmarshal([]byte(body), &obj); err != nil {
			e.logger.Debug("skipping unparseable json block", "error", err)
			continue
		}
		name, params, ok := e.toolFromObject(obj)
		if !ok {
			// A JSON block that isn't a tool call; leave it alone.
			continue
		}
		calls = append(calls, &ToolCall{
			Name:       name,
			Parameters: params,
			Start:      m[0],
			End:        m[1],
			Raw:        text[m[0]:m[1]],
		})
	}
	return calls
}

// toolFromObject interprets a decoded JSON object as a tool invocation.
func (e *Extractor) toolFromObject(obj map[string]any) (string, map[string]any, bool) {
	if name, ok := obj["tool"].(string); ok && name != "" {
		params, _ := obj["parameters"].(map[string]any)
		if params == nil {
			params = map[string]any{}
		}
		return name, params, true
	}

	if name, ok := obj["function"].(string); ok && name != "" {
		switch args := obj["arguments"].(type) {
		case map[string]any:
			return name, args, true
		case string:
			return name, e.decodeArguments(args), true
		default:
			return name, map[string]any{}, true
		}
	}

	return "", nil, false
}

// decodeArguments handles the OpenAI convention of sending arguments
// as a JSON-encoded string, sometimes doubly encoded. Undecodable
// input falls back to {"text": input}.
func (e *Extractor) decodeArguments(s string) map[string]any {
	cur := s
	for depth := 0; depth < 3; depth++ {
		var v any
		if err := json.Unmarshal([]byte(cur), &v); err != nil {
			break
		}
		switch decoded := v.(type) {
		case map[string]any:
			return decoded
		case string:
			cur = decoded
		default:
			return map[string]any{"text": s}
		}
	}
	e.logger.Debug("tool arguments not decodable as object", "arguments", s)
	return map[string]any{"text": s}
}

// taggedCalls finds explicit <tool:name>{...}</tool> spans. A body
// that fails to parse still emits the call, with empty parameters.
func (e *Extractor) taggedCalls(text string) []*ToolCall {
	var calls []*ToolCall
	for _, m := range toolTagRe.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		body := strings.TrimSpace(text[m[4]:m[5]])
		params := map[string]any{}
		if body != "" {
			if err := json.Unmarshal([]byte(body), &params); err != nil {
				e.logger.Warn("tool tag with unparseable parameters",
					"tool", name,
					"error", err)
				params = map[string]any{}
			}
		}
		calls = append(calls, &ToolCall{
			Name:       name,
			Parameters: params,
			Start:      m[0],
			End:        m[1],
			Raw:        text[m[0]:m[1]],
		})
	}
	return calls
}

// functionCalls finds bare call notation like search(query="x", limit=5).
func (e *Extractor) functionCalls(text string) []*ToolCall {
	var calls []*ToolCall
	for _, m := range funcCallRe.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		args := strings.TrimSpace(text[m[4]:m[5]])
		calls = append(calls, &ToolCall{
			Name:       name,
			Parameters: e.parseArgList(args),
			Start:      m[0],
			End:        m[1],
			Raw:        text[m[0]:m[1]],
		})
	}
	return calls
}

// parseArgList decodes a function-call argument string. In order of
// preference: a whole {...} JSON object, key=value pairs, then
// positional values named arg1, arg2, ...
func (e *Extractor) parseArgList(args string) map[string]any {
	if args == "" {
		return map[string]any{}
	}

	if strings.HasPrefix(args, "{") && strings.HasSuffix(args, "}") {
		params := map[string]any{}
		if err := json.Unmarshal([]byte(args), &params); err == nil {
			return params
		}
		e.logger.Debug("argument object not valid JSON, trying key=value", "args", args)
	}

	parts := splitArgs(args)

	if strings.Contains(args, "=") {
		params := make(map[string]any, len(parts))
		for i, part := range parts {
			kv := strings.SplitN(part, "=", 2)
			if len(kv) != 2 {
				// Mixed positional entry inside a key=value list.
				params[fmt.Sprintf("arg%d", i+1)] = coerceValue(strings.TrimSpace(part))
				continue
			}
			params[strings.TrimSpace(kv[0])] = coerceValue(strings.TrimSpace(kv[1]))
		}
		return params
	}

	params := make(map[string]any, len(parts))
	for i, part := range parts {
		params[fmt.Sprintf("arg%d", i+1)] = coerceValue(strings.TrimSpace(part))
	}
	return params
}

// splitArgs splits on commas that sit outside quotes, braces, and
// brackets, so values like "a,b" or {"k": [1,2]} survive intact.
func splitArgs(s string) []string {
	var parts []string
	var depth int
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == '{' || ch == '[':
			depth++
		case ch == '}' || ch == ']':
			depth--
		case ch == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// coerceValue turns one argument token into a typed value. Quoted
// tokens are always strings with the quotes stripped. Bare tokens try
// integer, then float (when a '.' is present), then boolean, then
// null/none, and otherwise stay strings.
func coerceValue(tok string) any {
	if len(tok) >= 2 {
		if (tok[0] == '"' && tok[len(tok)-1] == '"') ||
			(tok[0] == '\'' && tok[len(tok)-1] == '\'') {
			return tok[1 : len(tok)-1]
		}
	}

	if n, err := strconv.Atoi(tok); err == nil {
		return n
	}
	if strings.Contains(tok, ".") {
		if f, err := strconv.ParseFloat(tok, 64); err == nil {
			return f
		}
	}
	switch strings.ToLower(tok) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}
	return tok
}
