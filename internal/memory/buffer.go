// Package memory provides conversation history and vector storage.
package memory

import (
	"sort"
	"sync"
	"time"
)

// Message represents a single conversation message.
type Message struct {
	Role      string    `json:"role"` // system, user, assistant, tool
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type conversation struct {
	messages  []Message
	createdAt time.Time
	updatedAt time.Time
}

// Buffer holds rolling per-conversation message history in memory.
// Each conversation is capped at maxMessages; trimming keeps system
// messages plus the most recent window.
type Buffer struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
	maxMessages   int // per conversation
}

// NewBuffer creates a message buffer.
func NewBuffer(maxMessages int) *Buffer {
	if maxMessages <= 0 {
		maxMessages = 100
	}
	return &Buffer{
		conversations: make(map[string]*conversation),
		maxMessages:   maxMessages,
	}
}

// Add appends a message to a conversation, creating it if needed.
func (b *Buffer) Add(conversationID, role, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conv, ok := b.conversations[conversationID]
	if !ok {
		conv = &conversation{createdAt: time.Now()}
		b.conversations[conversationID] = conv
	}

	conv.messages = append(conv.messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	conv.updatedAt = time.Now()

	if len(conv.messages) > b.maxMessages {
		conv.messages = trim(conv.messages, b.maxMessages)
	}
}

// trim keeps system messages plus the most recent window.
func trim(messages []Message, maxMessages int) []Message {
	var systemMsgs []Message
	var otherMsgs []Message
	for _, m := range messages {
		if m.Role == "system" {
			systemMsgs = append(systemMsgs, m)
		} else {
			otherMsgs = append(otherMsgs, m)
		}
	}

	keep := maxMessages - len(systemMsgs)
	if keep < 10 {
		keep = 10
	}
	if len(otherMsgs) > keep {
		otherMsgs = otherMsgs[len(otherMsgs)-keep:]
	}

	return append(systemMsgs, otherMsgs...)
}

// History returns a copy of a conversation's messages.
// Returns an empty slice if the conversation doesn't exist.
func (b *Buffer) History(conversationID string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	conv, ok := b.conversations[conversationID]
	if !ok {
		return []Message{}
	}

	msgs := make([]Message, len(conv.messages))
	copy(msgs, conv.messages)
	return msgs
}

// Clear removes a conversation.
func (b *Buffer) Clear(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conversations, conversationID)
}

// Conversations returns all conversation IDs, sorted.
func (b *Buffer) Conversations() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.conversations))
	for id := range b.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns buffer statistics.
func (b *Buffer) Stats() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()

	totalMessages := 0
	for _, conv := range b.conversations {
		totalMessages += len(conv.messages)
	}

	return map[string]any{
		"conversations": len(b.conversations),
		"messages":      totalMessages,
		"max_per_conv":  b.maxMessages,
	}
}
