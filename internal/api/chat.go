package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/ranaroussi/muxi-sub001/internal/agent"
	"github.com/ranaroussi/muxi-sub001/internal/llm"
)

// ChatRequest is one user turn. A missing conversation id starts a
// fresh conversation.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ToolCallStatus is the outcome of one tool call made during a turn.
type ToolCallStatus struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
}

// ChatResponse carries the final text with tool results substituted
// in, plus an HTML rendering of the same markdown.
type ChatResponse struct {
	Response       string           `json:"response"`
	HTML           string           `json:"html,omitempty"`
	Model          string           `json:"model"`
	Profile        string           `json:"profile"`
	ConversationID string           `json:"conversation_id"`
	RequestID      string           `json:"request_id"`
	ToolCalls      []ToolCallStatus `json:"tool_calls,omitempty"`
}

// handleChat runs one turn: route the message to a profile, ask the
// model, run any embedded tool calls, and record the exchange in the
// conversation buffer. The profile's system prompt is prepended at
// request time and never stored.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.New().String()
	}

	profile, decision := s.router.Route(r.Context(), req.Message)
	model := profile.Model
	if model == "" {
		model = s.chatModel
	}

	s.buffer.Add(convID, "user", req.Message)

	history := s.buffer.History(convID)
	msgs := make([]llm.Message, 0, len(history)+1)
	if profile.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: profile.SystemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := s.model.Chat(r.Context(), model, msgs)
	if err != nil {
		s.logger.Error("model chat failed", "model", model, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "model error: "+err.Error())
		return
	}
	s.logger.Debug("model chat completed",
		"model", resp.Model,
		"prompt_tokens", resp.PromptEvalCount,
		"completion_tokens", resp.EvalCount)

	final, entries := s.loop.ProcessResponse(r.Context(), resp.Message.Content)

	for _, e := range entries {
		s.buffer.Add(convID, e.Role, e.Content)
	}
	s.buffer.Add(convID, "assistant", final)

	out := ChatResponse{
		Response:       final,
		HTML:           renderHTML(final, s.logger),
		Model:          model,
		Profile:        profile.Name,
		ConversationID: convID,
		RequestID:      decision.RequestID,
		ToolCalls:      callStatuses(entries),
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// renderHTML converts the final markdown to an HTML fragment.
// Rendering is best-effort; on error the response omits the HTML.
func renderHTML(md string, logger *slog.Logger) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		logger.Debug("markdown render failed", "error", err)
		return ""
	}
	return buf.String()
}

// callStatuses condenses history entries into per-call outcome flags.
// An entry's content is the JSON result map; anything carrying
// status "error" counts as failed.
func callStatuses(entries []agent.HistoryEntry) []ToolCallStatus {
	if len(entries) == 0 {
		return nil
	}
	out := make([]ToolCallStatus, 0, len(entries))
	for _, e := range entries {
		ok := true
		var m map[string]any
		if err := json.Unmarshal([]byte(e.Content), &m); err == nil {
			ok = m["status"] != "error"
		}
		out = append(out, ToolCallStatus{Name: e.Name, OK: ok})
	}
	return out
}
