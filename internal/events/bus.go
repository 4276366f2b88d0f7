// Package events carries engine and health events to observers (the
// WebSocket stream and the MQTT forwarder). Publishing on a nil *Bus is
// a no-op, so the engine runs the same with or without observers.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the execution engine.
	SourceAgent = "agent"
	// SourceAPI identifies events from the HTTP surface.
	SourceAPI = "api"
	// SourceHealth identifies events from dependency health checks.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals that a user turn or resume began.
	// Data: conversation_id, steps, resumed, forked_from (edits only).
	KindTurnStart = "turn_start"
	// KindGenerate signals completion of a model call.
	// Data: conversation_id, step, tool_calls.
	KindGenerate = "generate"
	// KindRoute signals a routing decision.
	// Data: conversation_id, step, next, reason.
	KindRoute = "route"
	// KindToolCall signals the start of a tool execution.
	// Data: conversation_id, tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: conversation_id, tool, call_id, ok, kind, duration_ms.
	KindToolDone = "tool_done"
	// KindSuspended signals that a conversation parked before tool
	// execution because an interrupt was requested.
	// Data: conversation_id, pending.
	KindSuspended = "suspended"
	// KindInterrupt signals that an interrupt was requested.
	// Data: conversation_id.
	KindInterrupt = "interrupt"
	// KindTurnComplete signals the end of a turn.
	// Data: conversation_id, status, reason, steps, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindServiceReady signals that a watched dependency became reachable.
	// Data: service.
	KindServiceReady = "service_ready"
	// KindServiceDown signals that a watched dependency stopped responding.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event is one operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// ConversationID returns the conversation_id data field, or "" for
// events that are not tied to a conversation.
func (e Event) ConversationID() string {
	id, _ := e.Data["conversation_id"].(string)
	return id
}

// Filter selects the events a subscriber receives. A nil Filter
// accepts everything.
type Filter func(Event) bool

// ForConversation keeps the events of one conversation. An empty id
// returns a nil Filter.
func ForConversation(id string) Filter {
	if id == "" {
		return nil
	}
	return func(e Event) bool { return e.ConversationID() == id }
}

// OfKinds keeps events whose Kind is one of kinds.
func OfKinds(kinds ...string) Filter {
	return func(e Event) bool { return slices.Contains(kinds, e.Kind) }
}

// DefaultBuffer is the channel size used when Subscribe is given a
// non-positive buffer.
const DefaultBuffer = 64

type subscription struct {
	ch      chan Event
	filter  Filter
	dropped atomic.Uint64
}

// Bus fans events out to subscribers without ever blocking the
// publisher: a subscriber whose buffer is full misses the event and
// its drop counter goes up.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish stamps e with the current time when its Timestamp is zero
// and delivers it to every matching subscriber. A nil Bus ignores it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber and returns its channel. Pair every
// Subscribe with Unsubscribe.
func (b *Bus) Subscribe(bufSize int, filter Filter) <-chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	sub := &subscription{ch: make(chan Event, bufSize), filter: filter}
	b.mu.Lock()
	b.subs[sub.ch] = sub
	b.mu.Unlock()
	return sub.ch
}

// Unsubscribe closes ch and returns how many events it missed because
// its buffer was full. Unknown or already closed channels return 0.
func (b *Bus) Unsubscribe(ch <-chan Event) uint64 {
	b.mu.Lock()
	sub, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if !ok {
		return 0
	}
	close(sub.ch)
	return sub.dropped.Load()
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
