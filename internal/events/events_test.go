package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/marketplace-sync/internal/model"
)

func TestDecodeMessageNew(t *testing.T) {
	data := []byte(`{"message":{"id":"41","conversation_id":"7","sender_id":"u2","body":"hola","created_at":"2026-01-01T00:00:10Z","client_id":"temp-1-a"}}`)

	ev, err := Decode(model.EventMessageNew, data)
	require.NoError(t, err)

	msg, ok := ev.(*model.MessageNewEvent)
	require.True(t, ok)
	assert.Equal(t, "41", msg.Message.ID)
	assert.Equal(t, "temp-1-a", msg.Message.ClientID)
	assert.Equal(t, "7", msg.Conversation())
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	_, err := Decode(model.EventMessageNew, []byte(`{"message":{"conversation_id":"7","body":"x"}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Decode(model.EventConversationRead, []byte(`{"conversation_id":"7"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode(model.EventTyping, []byte(`{"conversation_id":`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodeUnknownEvent(t *testing.T) {
	_, err := Decode("listing:liked", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
	assert.False(t, Known("listing:liked"))
}

func TestDecodeStateEventsKeepTheirKind(t *testing.T) {
	for _, name := range []model.EventName{
		model.EventConversationStarted,
		model.EventConversationHidden,
		model.EventConversationRestore,
	} {
		ev, err := Decode(name, []byte(`{"conversation_id":"9","user_id":"u1"}`))
		require.NoError(t, err)
		assert.Equal(t, name, ev.Name())
	}
}

func TestDecodeUpdatedWithOptionalFields(t *testing.T) {
	ev, err := Decode(model.EventConversationUpdated, []byte(`{"conversation_id":"3"}`))
	require.NoError(t, err)
	upd := ev.(*model.ConversationUpdatedEvent)
	assert.Nil(t, upd.UnreadCount)

	_, err = Decode(model.EventConversationUpdated, []byte(`{"conversation_id":"3","unread_count":-1}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodeEnvelopeChecksChannelScope(t *testing.T) {
	data, _ := json.Marshal(map[string]any{
		"conversation_id": "8",
		"user_id":         "u2",
		"typing":          true,
	})

	_, err := DecodeEnvelope(model.Envelope{Channel: ConversationChannel("7"), Event: model.EventTyping, Data: data})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	ev, err := DecodeEnvelope(model.Envelope{Channel: ConversationChannel("8"), Event: model.EventTyping, Data: data})
	require.NoError(t, err)
	assert.True(t, ev.(*model.TypingEvent).Typing)

	_, err = DecodeEnvelope(model.Envelope{Channel: UserChannel("u1"), Event: model.EventTyping, Data: data})
	assert.NoError(t, err)
}

func TestChannelNames(t *testing.T) {
	id, ok := ConversationFromChannel(ConversationChannel("42"))
	assert.True(t, ok)
	assert.Equal(t, "42", id)

	_, ok = ConversationFromChannel(UserChannel("42"))
	assert.False(t, ok)

	uid, ok := UserFromChannel("user-u9")
	assert.True(t, ok)
	assert.Equal(t, "u9", uid)
}
