// Package transport moves session events between the members of a document
// channel. Implementations guarantee at-least-once delivery and per-sender
// ordering; consumers deduplicate by operation id where it matters.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType names a channel event on the wire.
type EventType string

const (
	EventUserJoined        EventType = "user_joined"
	EventUserLeft          EventType = "user_left"
	EventUserStatusChanged EventType = "user_status_changed"
	EventCursorMoved       EventType = "cursor_moved"
	EventDocumentChange    EventType = "document_change"
)

// State reports the health of the underlying connection.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Envelope frames every event published to a channel. SenderID identifies
// the publishing user; receivers use it for echo suppression and liveness
// tracking.
type Envelope struct {
	Event      EventType       `json:"event"`
	DocumentID string          `json:"documentId"`
	SenderID   string          `json:"senderId"`
	SentAt     time.Time       `json:"sentAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the envelope payload into target.
func (e Envelope) Decode(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Event)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// Handler consumes one inbound envelope. Handlers run on the transport's
// dispatch goroutine; they must not block.
type Handler func(Envelope)

// Transport is one user's connection to the channel fabric. A transport is
// connection-scoped: created when a session starts and closed when it ends.
type Transport interface {
	// Join subscribes the transport to a document channel and marks the
	// user live on it.
	Join(ctx context.Context, channelID string) error
	// Leave unsubscribes from a channel and withdraws the liveness mark.
	Leave(ctx context.Context, channelID string) error
	// Publish sends an event to every member of the channel, including the
	// publisher itself. Delivery is best-effort at-least-once.
	Publish(ctx context.Context, channelID string, event EventType, payload any) error
	// Subscribe registers a handler for one event type across all joined
	// channels and returns its unsubscribe function.
	Subscribe(event EventType, handler Handler) func()
	// SubscribeState registers a connection-state observer.
	SubscribeState(handler func(State)) func()
	// Close tears the transport down, leaving every joined channel.
	Close() error
}

// Factory hands out per-user transports backed by a shared fabric.
type Factory interface {
	Client(userID string) Transport
}

// handlerSet is the subscription registry shared by transport
// implementations.
type handlerSet struct {
	mu       sync.Mutex
	handlers map[EventType]map[int]Handler
	states   map[int]func(State)
	next     int
}

func newHandlerSet() *handlerSet {
	return &handlerSet{
		handlers: map[EventType]map[int]Handler{},
		states:   map[int]func(State){},
	}
}

func (h *handlerSet) add(event EventType, fn Handler) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	if h.handlers[event] == nil {
		h.handlers[event] = map[int]Handler{}
	}
	h.handlers[event][id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.handlers[event], id)
		h.mu.Unlock()
	}
}

func (h *handlerSet) addState(fn func(State)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.states[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.states, id)
		h.mu.Unlock()
	}
}

func (h *handlerSet) dispatch(env Envelope) {
	h.mu.Lock()
	fns := make([]Handler, 0, len(h.handlers[env.Event]))
	for _, fn := range h.handlers[env.Event] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (h *handlerSet) dispatchState(s State) {
	h.mu.Lock()
	fns := make([]func(State), 0, len(h.states))
	for _, fn := range h.states {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// seal marshals a payload into a ready-to-send envelope.
func seal(channelID, senderID string, event EventType, payload any) (Envelope, error) {
	env := Envelope{
		Event:      event,
		DocumentID: channelID,
		SenderID:   senderID,
		SentAt:     time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Payload = raw
	}
	return env, nil
}
