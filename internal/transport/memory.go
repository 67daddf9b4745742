package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// MemoryBus is an in-process channel fabric for tests and single-node
// development. It delivers envelopes to every joined client, the sender
// included, preserving publish order per receiver.
type MemoryBus struct {
	mu       sync.Mutex
	channels map[string]map[*Memory]struct{}
}

// NewMemoryBus creates an empty fabric.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{channels: map[string]map[*Memory]struct{}{}}
}

// Client returns a transport for userID backed by this bus.
func (b *MemoryBus) Client(userID string) Transport {
	m := &Memory{
		bus:    b,
		userID: userID,
		hs:     newHandlerSet(),
		queue:  make(chan Envelope, 256),
		done:   make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

func (b *MemoryBus) join(channelID string, m *Memory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channels[channelID] == nil {
		b.channels[channelID] = map[*Memory]struct{}{}
	}
	b.channels[channelID][m] = struct{}{}
}

func (b *MemoryBus) leave(channelID string, m *Memory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels[channelID], m)
	if len(b.channels[channelID]) == 0 {
		delete(b.channels, channelID)
	}
}

func (b *MemoryBus) publish(env Envelope) {
	b.mu.Lock()
	members := make([]*Memory, 0, len(b.channels[env.DocumentID]))
	for m := range b.channels[env.DocumentID] {
		members = append(members, m)
	}
	b.mu.Unlock()

	for _, m := range members {
		m.enqueue(env)
	}
}

// Memory is one user's handle on a MemoryBus.
type Memory struct {
	bus    *MemoryBus
	userID string
	hs     *handlerSet

	mu     sync.Mutex
	joined map[string]bool
	closed bool

	queue chan Envelope
	done  chan struct{}
}

func (m *Memory) Join(_ context.Context, channelID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if m.joined == nil {
		m.joined = map[string]bool{}
	}
	first := len(m.joined) == 0
	if m.joined[channelID] {
		m.mu.Unlock()
		return nil
	}
	m.joined[channelID] = true
	m.mu.Unlock()

	m.bus.join(channelID, m)
	if first {
		m.hs.dispatchState(StateConnected)
	}
	return nil
}

func (m *Memory) Leave(_ context.Context, channelID string) error {
	m.mu.Lock()
	if m.joined[channelID] {
		delete(m.joined, channelID)
		m.mu.Unlock()
		m.bus.leave(channelID, m)
		return nil
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Publish(_ context.Context, channelID string, event EventType, payload any) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return fmt.Errorf("transport closed")
	}
	env, err := seal(channelID, m.userID, event, payload)
	if err != nil {
		return err
	}
	m.bus.publish(env)
	return nil
}

func (m *Memory) Subscribe(event EventType, handler Handler) func() {
	return m.hs.add(event, handler)
}

func (m *Memory) SubscribeState(handler func(State)) func() {
	return m.hs.addState(handler)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	channels := make([]string, 0, len(m.joined))
	for id := range m.joined {
		channels = append(channels, id)
	}
	m.joined = nil
	m.mu.Unlock()

	for _, id := range channels {
		m.bus.leave(id, m)
	}
	close(m.done)
	return nil
}

func (m *Memory) enqueue(env Envelope) {
	select {
	case m.queue <- env:
	case <-m.done:
	default:
		log.Printf("transport: memory queue full, dropping %s for %s", env.Event, m.userID)
	}
}

func (m *Memory) dispatchLoop() {
	for {
		select {
		case env := <-m.queue:
			m.hs.dispatch(env)
		case <-m.done:
			return
		}
	}
}
