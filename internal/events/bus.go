// Package events is a publish/subscribe bus for operational events.
// Components publish what they are doing (updates arriving, inference
// steps, tool calls, replies sent) and operators watch the stream. The
// bus is nil-safe: Publish on a nil *Bus does nothing, so components
// need no guard checks.
package events

import (
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	SourceRelay = "relay"
	SourceAgent = "agent"
	SourceWatch = "connwatch"
)

// Kinds describe the event within its source.
const (
	// KindUpdateReceived: an update was ingested.
	// Data: chat_id, message_id, edited.
	KindUpdateReceived = "update_received"
	// KindTrigger: an update asked the bot to reply.
	// Data: chat_id, message_id.
	KindTrigger = "trigger"
	// KindReplySent: a reply was delivered and stored.
	// Data: chat_id, message_id, reply_to, steps, elapsed_ms.
	KindReplySent = "reply_sent"
	// KindReplyFailed: generation or delivery failed; nothing was sent.
	// Data: chat_id, message_id, error.
	KindReplyFailed = "reply_failed"

	// KindLLMResponse: one inference step finished.
	// Data: chat_id, step, model, finish_reason, tokens_in, tokens_out,
	// tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolDone: a tool call finished.
	// Data: chat_id, step, tool, ok.
	KindToolDone = "tool_done"

	// KindServiceUp and KindServiceDown: a watched dependency changed
	// state. Data: service, error (down only).
	KindServiceUp   = "service_up"
	KindServiceDown = "service_down"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a full subscriber misses events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only view handed to subscribers back
	// to the channel the bus sends on.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish broadcasts e. A zero Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of published events with the given
// buffer. Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
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
