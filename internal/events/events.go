// Package events decodes and validates push-channel payloads into typed
// events. Anything that does not match a known schema is rejected here so
// handlers never see a malformed payload.
package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/capitalize-ai/marketplace-sync/internal/model"
)

var (
	// ErrUnknownEvent is returned for event names without a schema.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidPayload is returned when a payload fails to parse or validate.
	ErrInvalidPayload = errors.New("invalid event payload")
)

var validate = validator.New()

var schemas = map[model.EventName]func() model.Event{
	model.EventMessageNew:          func() model.Event { return &model.MessageNewEvent{} },
	model.EventConversationRead:    func() model.Event { return &model.ConversationReadEvent{} },
	model.EventTyping:              func() model.Event { return &model.TypingEvent{} },
	model.EventConversationUpdated: func() model.Event { return &model.ConversationUpdatedEvent{} },
	model.EventConversationStarted: func() model.Event { return &model.ConversationStateEvent{Kind: model.EventConversationStarted} },
	model.EventConversationHidden:  func() model.Event { return &model.ConversationStateEvent{Kind: model.EventConversationHidden} },
	model.EventConversationRestore: func() model.Event { return &model.ConversationStateEvent{Kind: model.EventConversationRestore} },
}

// Known reports whether name has a registered schema.
func Known(name model.EventName) bool {
	_, ok := schemas[name]
	return ok
}

// Decode parses data as the payload of the named event.
func Decode(name model.EventName, data []byte) (model.Event, error) {
	factory, ok := schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	ev := factory()
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, name, err)
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, name, err)
	}
	return ev, nil
}

// DecodeEnvelope decodes the payload carried by env and checks that the
// conversation it names matches the channel scope when the channel is
// conversation-scoped.
func DecodeEnvelope(env model.Envelope) (model.Event, error) {
	ev, err := Decode(env.Event, env.Data)
	if err != nil {
		return nil, err
	}
	if id, ok := ConversationFromChannel(env.Channel); ok && ev.Conversation() != id {
		return nil, fmt.Errorf("%w: %s on %s names conversation %s", ErrInvalidPayload, env.Event, env.Channel, ev.Conversation())
	}
	return ev, nil
}
