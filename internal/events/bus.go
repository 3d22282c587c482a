// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from the orchestration loop and the API
// server to subscribers (the WebSocket handler, the MQTT forwarder).
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the orchestration loop.
	SourceAgent = "agent"
	// SourceAPI identifies events from the HTTP API.
	SourceAPI = "api"
	// SourceMQTT identifies events from the MQTT forwarder.
	SourceMQTT = "mqtt"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of an agent request.
	// Data: request_id, conversation_id, model.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of a model call.
	// Data: request_id, turn, model, role.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model call.
	// Data: request_id, turn, model, role, tokens_in, tokens_out, ok.
	KindLLMResponse = "llm_response"
	// KindCallExecuted signals a resource API call finished.
	// Data: request_id, turn, method, endpoint, status, ok,
	// network_error, duration_ms.
	KindCallExecuted = "call_executed"
	// KindValidationWarning signals a plan was held back for a warning.
	// Data: request_id, turn, method, endpoint, confidence.
	KindValidationWarning = "validation_warning"
	// KindIntentMismatch signals a reply described a call without one.
	// Data: request_id, turn.
	KindIntentMismatch = "intent_mismatch"
	// KindConfidence signals the result of a confidence probe.
	// Data: request_id, turn, confident.
	KindConfidence = "confidence"
	// KindRequestComplete signals the end of an agent request.
	// Data: request_id, outcome, turns, model_calls,
	// total_tokens_in, total_tokens_out, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindLearningAdded signals an operator recorded a global learning.
	// Data: insight.
	KindLearningAdded = "learning_added"
	// KindServiceStatus signals a watched dependency became ready or
	// unready. Data: service, ready, error.
	KindServiceStatus = "service_status"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking the loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only channel handed to a subscriber back to
	// the channel the bus sends on.
	recv    map[<-chan Event]chan Event
	dropped atomic.Uint64
	now     func() time.Time
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
		now:  time.Now,
	}
}

// Publish sends an event to all subscribers. A subscriber whose channel
// is full misses the event. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit stamps and publishes an event. Safe to call on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: b.now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe. 64 is a reasonable buffer for
// a WebSocket or MQTT consumer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.recv, ch)
	close(send)
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

// Dropped returns how many deliveries were skipped because a
// subscriber was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
