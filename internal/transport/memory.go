package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/capitalize-ai/marketplace-sync/internal/model"
)

// Memory is an in-process Transport. Events are delivered synchronously
// by Publish. Subscription failures can be scripted per channel.
type Memory struct {
	notifier *StateNotifier

	mu         sync.Mutex
	channels   map[string]*boundChannel
	failures   map[string][]error
	attempts   map[string]int
	maxActive  map[string]int
	authorizer Authorizer
}

var _ Transport = (*Memory)(nil)

// NewMemory returns a disconnected in-memory transport.
func NewMemory() *Memory {
	return &Memory{
		notifier:  NewStateNotifier(StateDisconnected),
		channels:  make(map[string]*boundChannel),
		failures:  make(map[string][]error),
		attempts:  make(map[string]int),
		maxActive: make(map[string]int),
	}
}

// WithAuthorizer makes Subscribe consult a.
func (m *Memory) WithAuthorizer(a Authorizer) *Memory {
	m.authorizer = a
	return m
}

// Connect marks the transport connected.
func (m *Memory) Connect(ctx context.Context) error {
	m.notifier.set(StateConnected)
	return nil
}

// SetState forces a connection state, simulating drops and reconnects.
func (m *Memory) SetState(s State) {
	m.notifier.set(s)
}

// FailNext queues errors returned by the next Subscribe calls on channel.
func (m *Memory) FailNext(channel string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[channel] = append(m.failures[channel], errs...)
}

// Subscribe returns the channel, or the next scripted failure.
func (m *Memory) Subscribe(ctx context.Context, channel string) (Channel, error) {
	if m.notifier.State() != StateConnected {
		return nil, ErrNotConnected
	}
	if err := authorize(ctx, m.authorizer, channel, "memory"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts[channel]++
	if queued := m.failures[channel]; len(queued) > 0 {
		m.failures[channel] = queued[1:]
		return nil, queued[0]
	}
	if ch, ok := m.channels[channel]; ok {
		// A real service would bind a second listener here; surface it
		// so tests can catch duplicate subscriptions.
		m.maxActive[channel] = 2
		return ch, nil
	}
	ch := newBoundChannel(channel)
	m.channels[channel] = ch
	if m.maxActive[channel] < 1 {
		m.maxActive[channel] = 1
	}
	return ch, nil
}

// Unsubscribe drops the channel and its bindings.
func (m *Memory) Unsubscribe(channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, channel)
	return nil
}

// Publish delivers payload to the handler bound for event on channel and
// reports whether a handler received it.
func (m *Memory) Publish(channel string, event model.EventName, payload any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	m.mu.Lock()
	ch, ok := m.channels[channel]
	m.mu.Unlock()
	if !ok || m.notifier.State() != StateConnected {
		return false, nil
	}
	return ch.dispatch(event, data), nil
}

// Subscribed reports whether channel currently has a subscription.
func (m *Memory) Subscribed(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[channel]
	return ok
}

// Attempts returns the number of Subscribe calls that reached channel.
func (m *Memory) Attempts(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[channel]
}

// Duplicated reports whether channel was ever subscribed twice without an
// intervening Unsubscribe.
func (m *Memory) Duplicated(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive[channel] > 1
}

// State returns the current connection state.
func (m *Memory) State() State { return m.notifier.State() }

// Notifier returns the connection state broadcaster.
func (m *Memory) Notifier() *StateNotifier { return m.notifier }

// Close disconnects and drops all channels.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.channels = make(map[string]*boundChannel)
	m.mu.Unlock()
	m.notifier.set(StateDisconnected)
	return nil
}
