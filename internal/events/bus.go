// Package events carries operational events from the components that do
// work (tool invocation loop, server registry, API layer) to whoever is
// listening (the WebSocket feed, the MQTT publisher). Publishing never
// blocks and a nil *Bus swallows events, so producers can publish
// unconditionally.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the tool invocation loop.
	SourceAgent = "agent"
	// SourceMCP identifies events from the MCP registry.
	SourceMCP = "mcp"
	// SourceAPI identifies events from the HTTP API layer.
	SourceAPI = "api"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of a request turn.
	// Data: request_id, calls.
	KindRequestStart = "request.start"
	// KindToolCall signals the start of one tool invocation.
	// Data: request_id, tool, server.
	KindToolCall = "tool.call"
	// KindToolDone signals completion of one tool invocation.
	// Data: request_id, tool, server, ok, duration_ms.
	KindToolDone = "tool.done"
	// KindRequestComplete signals the end of a request turn.
	// Data: request_id, calls, elapsed_ms.
	KindRequestComplete = "request.complete"

	// KindServerConnect signals an MCP server was registered and its
	// transport connected. Data: server, tools.
	KindServerConnect = "server.connect"
	// KindServerDisconnect signals an MCP server was disconnected and
	// removed. Data: server.
	KindServerDisconnect = "server.disconnect"
)

// Event is one operational event. Data carries kind-specific details;
// the Kind constants above document the keys each kind populates.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"` // publishing component
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to subscriber channels. Each subscriber owns a
// buffered channel; when a buffer is full that subscriber misses the
// event. Publishers are never delayed by slow consumers.
type Bus struct {
	mu sync.RWMutex
	// Keyed by the receive-only view handed to the subscriber, so
	// Unsubscribe can find the sendable side without a conversion.
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish fans e out to every subscriber whose buffer has room. A nil
// receiver is a no-op.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Buffer full, this subscriber misses the event.
		}
	}
}

// Subscribe registers a new subscriber and returns its channel. bufSize
// sets how many events may queue before drops begin; the WebSocket feed
// uses 64. Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe drops the subscription and closes its channel. Unknown or
// already-removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount reports the number of live subscriptions. A nil
// receiver reports zero.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return n
}
