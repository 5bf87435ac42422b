// Package transport adapts a hosted publish/subscribe service to the
// narrow channel interface the sync core needs: connect, subscribe to a
// private channel, bind event handlers, and observe connection state.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/capitalize-ai/marketplace-sync/internal/model"
)

// State is the global connection state of the transport.
type State string

const (
	StateConnected    State = "connected"
	StateConnecting   State = "connecting"
	StateDisconnected State = "disconnected"
)

var (
	// ErrForbidden means the server denied the channel authorization.
	ErrForbidden = errors.New("channel authorization denied")
	// ErrFeatureDisabled means realtime messaging is switched off.
	ErrFeatureDisabled = errors.New("realtime feature disabled")
	// ErrNotConnected is returned when subscribing without a connection.
	ErrNotConnected = errors.New("transport not connected")
)

// StatusError is an authorization failure with its HTTP status.
type StatusError struct {
	Channel string
	Code    int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("subscribe %s: status %d", e.Channel, e.Code)
}

// Is maps 403 and 410 onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrForbidden:
		return e.Code == http.StatusForbidden
	case ErrFeatureDisabled:
		return e.Code == http.StatusGone
	}
	return false
}

// IsFatal reports whether err must stop subscription retries.
func IsFatal(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrFeatureDisabled)
}

// Handler receives the raw payload of one bound event.
type Handler func(data json.RawMessage)

// Channel is a subscribed channel to which handlers can be bound.
type Channel interface {
	Name() string
	Bind(event model.EventName, h Handler)
	Unbind(event model.EventName)
}

// Transport is a push-channel connection.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, channel string) (Channel, error)
	Unsubscribe(channel string) error
	State() State
	Notifier() *StateNotifier
	Close() error
}

// Authorizer performs the server-side channel authorization.
type Authorizer interface {
	AuthorizeChannel(ctx context.Context, channel, socketID string) error
}

// authorize maps an authorizer failure carrying an HTTP status to a
// StatusError so callers can apply the 403/410 policy.
func authorize(ctx context.Context, a Authorizer, channel, socketID string) error {
	if a == nil {
		return nil
	}
	err := a.AuthorizeChannel(ctx, channel, socketID)
	if err == nil {
		return nil
	}
	var status interface{ HTTPStatus() int }
	if errors.As(err, &status) {
		switch code := status.HTTPStatus(); code {
		case http.StatusForbidden, http.StatusGone:
			return &StatusError{Channel: channel, Code: code}
		}
	}
	return fmt.Errorf("failed to authorize %s: %w", channel, err)
}

// boundChannel holds the handlers bound to one channel.
type boundChannel struct {
	name     string
	mu       sync.RWMutex
	handlers map[model.EventName]Handler
}

func newBoundChannel(name string) *boundChannel {
	return &boundChannel{name: name, handlers: make(map[model.EventName]Handler)}
}

func (c *boundChannel) Name() string { return c.name }

func (c *boundChannel) Bind(event model.EventName, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

func (c *boundChannel) Unbind(event model.EventName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// dispatch delivers data to the handler bound for event and reports
// whether one was bound.
func (c *boundChannel) dispatch(event model.EventName, data json.RawMessage) bool {
	c.mu.RLock()
	h, ok := c.handlers[event]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	h(data)
	return true
}
