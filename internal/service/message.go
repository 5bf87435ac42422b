package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/marketplace-sync/internal/api"
	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/internal/notify"
	"github.com/capitalize-ai/marketplace-sync/internal/outbox"
	"github.com/capitalize-ai/marketplace-sync/internal/timeline"
	"github.com/capitalize-ai/marketplace-sync/pkg/clock"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
	"github.com/capitalize-ai/marketplace-sync/pkg/metrics"
)

const (
	typingInterval = 2 * time.Second
	typingStop     = 3 * time.Second
)

// ErrEmptyMessage is returned when the body is blank.
var ErrEmptyMessage = errors.New("message body is empty")

// SendResult describes what happened to a send.
type SendResult struct {
	Key      string         `json:"key"`
	Message  *model.Message `json:"message,omitempty"`
	Queued   bool           `json:"queued,omitempty"`
	Failed   bool           `json:"failed,omitempty"`
	Restored bool           `json:"restored,omitempty"`
}

type typingState struct {
	limiter *rate.Limiter
	stop    *clock.Timer
}

// MessageService implements the optimistic send path, drafts and the
// typing signal.
type MessageService struct {
	api           API
	conversations *ConversationService
	outbox        *outbox.Outbox
	sink          notify.Sink
	clock         clock.Clock
	logger        *logger.Logger
	timeout       time.Duration
	batch         int

	// background runs fire-and-forget calls.
	background func(func())
	online     atomic.Bool

	mu     sync.Mutex
	drafts map[string]string
	typing map[string]*typingState
}

// NewMessageService creates a message service. The outbox may be set
// later with SetOutbox since it needs the service as its sender.
func NewMessageService(
	api API,
	conversations *ConversationService,
	sink notify.Sink,
	clk clock.Clock,
	log *logger.Logger,
	timeout time.Duration,
	batch int,
) *MessageService {
	s := &MessageService{
		api:           api,
		conversations: conversations,
		sink:          sink,
		clock:         clk,
		logger:        log.With(zap.String("component", "messages")),
		timeout:       timeout,
		batch:         batch,
		background:    func(fn func()) { go fn() },
		drafts:        make(map[string]string),
		typing:        make(map[string]*typingState),
	}
	s.online.Store(true)
	return s
}

// SetOutbox attaches the offline queue.
func (s *MessageService) SetOutbox(o *outbox.Outbox) {
	s.outbox = o
}

// SetOnline records network reachability.
func (s *MessageService) SetOnline(online bool) {
	s.online.Store(online)
}

// Online reports the last known network reachability.
func (s *MessageService) Online() bool {
	return s.online.Load()
}

// Send appends an optimistic item, clears the draft and sends. Offline
// or unreachable, the message is queued and the item stays pending. On
// any other failure the body is restored to an empty draft, or the item
// is flagged failed when the user already started a new one.
func (s *MessageService) Send(ctx context.Context, conversationID, body string) (SendResult, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return SendResult{}, ErrEmptyMessage
	}
	store, ok := s.conversations.Timeline(conversationID)
	if !ok {
		return SendResult{}, ErrConversationNotOpen
	}

	key := store.AddOptimistic(body)
	s.ClearDraft(conversationID)
	s.conversations.Emit(conversationID)

	if !s.Online() {
		return s.queue(store, conversationID, body, key)
	}
	return s.deliver(ctx, store, conversationID, body, key)
}

// Retry re-sends a failed item under its original key. Items still
// waiting in the outbox are left to the flush.
func (s *MessageService) Retry(ctx context.Context, conversationID, key string) (SendResult, error) {
	store, ok := s.conversations.Timeline(conversationID)
	if !ok {
		return SendResult{}, ErrConversationNotOpen
	}
	item, ok := store.Item(key)
	if !ok || item.Resolved() {
		return SendResult{}, timeline.ErrUnknownItem
	}
	if !item.Failed {
		return SendResult{}, timeline.ErrNotFailed
	}
	if err := store.MarkPending(key); err != nil {
		return SendResult{}, err
	}
	s.conversations.Emit(conversationID)

	if !s.Online() {
		return s.queue(store, conversationID, item.Message.Body, key)
	}
	return s.deliver(ctx, store, conversationID, item.Message.Body, key)
}

// Discard drops a failed or pending item along with its queued send.
func (s *MessageService) Discard(conversationID, key string) error {
	store, ok := s.conversations.Timeline(conversationID)
	if !ok {
		return ErrConversationNotOpen
	}
	if err := store.Discard(key); err != nil {
		return err
	}
	if s.outbox != nil {
		if _, err := s.outbox.DiscardByClientID(key); err != nil && !errors.Is(err, outbox.ErrUnknownItem) {
			s.logger.Warn("failed to drop queued message", zap.String("conversation_id", conversationID), zap.String("key", key), zap.Error(err))
		}
	}
	s.conversations.Emit(conversationID)
	return nil
}

func (s *MessageService) deliver(ctx context.Context, store *timeline.Store, conversationID, body, key string) (SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.api.SendMessage(ctx, conversationID, model.SendMessageRequest{Body: body, ClientID: key})
	if err == nil {
		metrics.MessagesSentTotal.WithLabelValues("ok").Inc()
		_ = store.Confirm(key, msg)
		s.conversations.Emit(conversationID)
		return SendResult{Key: model.DurableKey(msg.ID), Message: &msg}, nil
	}

	if api.IsNetworkError(err) && s.outbox != nil {
		s.logger.Info("send failed on network, queueing", zap.String("conversation_id", conversationID), zap.Error(err))
		return s.queue(store, conversationID, body, key)
	}

	metrics.MessagesSentTotal.WithLabelValues("error").Inc()
	s.logger.Warn("send failed", zap.String("conversation_id", conversationID), zap.Error(err))

	result := SendResult{Key: key}
	if s.RestoreIfEmpty(conversationID, body) {
		_ = store.Discard(key)
		result.Restored = true
	} else {
		_ = store.Fail(key)
		result.Failed = true
		s.sink.Emit(model.UIEvent{Type: model.UIToast, Data: model.Toast{
			ConversationID: conversationID,
			Title:          "Message not sent",
			Body:           err.Error(),
			Level:          "error",
			Retry:          key,
		}})
	}
	s.conversations.Emit(conversationID)
	return result, fmt.Errorf("failed to send message: %w", err)
}

func (s *MessageService) queue(store *timeline.Store, conversationID, body, key string) (SendResult, error) {
	if s.outbox == nil {
		_ = store.Fail(key)
		s.conversations.Emit(conversationID)
		return SendResult{Key: key, Failed: true}, errors.New("offline and no outbox configured")
	}
	if _, err := s.outbox.Enqueue(conversationID, body, key); err != nil {
		_ = store.Fail(key)
		s.conversations.Emit(conversationID)
		return SendResult{Key: key, Failed: true}, err
	}
	metrics.MessagesSentTotal.WithLabelValues("queued").Inc()
	return SendResult{Key: key, Queued: true}, nil
}

// SendQueued delivers an outbox item. It implements outbox.Sender.
func (s *MessageService) SendQueued(ctx context.Context, item model.OutboxItem) (model.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.api.SendMessage(ctx, item.ConversationID, model.SendMessageRequest{Body: item.Body, ClientID: item.ClientID})
}

// FlushOutbox sends queued messages and reconciles their pending items.
func (s *MessageService) FlushOutbox(ctx context.Context) (outbox.FlushResult, error) {
	if s.outbox == nil {
		return outbox.FlushResult{}, nil
	}
	res, err := s.outbox.Flush(ctx, s.batch)
	for _, sent := range res.Sent {
		if store, ok := s.conversations.Timeline(sent.Item.ConversationID); ok {
			_ = store.Confirm(sent.Item.ClientID, sent.Message)
			s.conversations.Emit(sent.Item.ConversationID)
		}
	}
	if errors.Is(err, outbox.ErrFlushInProgress) {
		return res, nil
	}
	return res, err
}

// DiscardQueued removes an outbox item and its pending timeline item.
func (s *MessageService) DiscardQueued(id string) error {
	if s.outbox == nil {
		return outbox.ErrUnknownItem
	}
	item, err := s.outbox.Discard(id)
	if err != nil {
		return err
	}
	if store, ok := s.conversations.Timeline(item.ConversationID); ok && item.ClientID != "" {
		if store.Discard(item.ClientID) == nil {
			s.conversations.Emit(item.ConversationID)
		}
	}
	return nil
}

// Typing signals a keystroke. typing=true goes out at most every 2s and
// typing=false follows 3s after the last keystroke. Errors are logged.
func (s *MessageService) Typing(conversationID string) {
	s.mu.Lock()
	st, ok := s.typing[conversationID]
	if !ok {
		st = &typingState{limiter: rate.NewLimiter(rate.Every(typingInterval), 1)}
		s.typing[conversationID] = st
	}
	allowed := st.limiter.AllowN(s.clock.Now(), 1)
	st.stop.Stop()
	var stop *clock.Timer
	stop = s.clock.AfterFunc(typingStop, func() {
		s.mu.Lock()
		// A timer replaced by a later keystroke may still fire.
		current := st.stop == stop
		if current {
			st.stop = nil
		}
		s.mu.Unlock()
		if current {
			s.background(func() { s.sendTyping(conversationID, false) })
		}
	})
	st.stop = stop
	s.mu.Unlock()

	if allowed {
		s.background(func() { s.sendTyping(conversationID, true) })
	}
}

func (s *MessageService) sendTyping(conversationID string, typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.api.SetTyping(ctx, conversationID, typing); err != nil {
		s.logger.Debug("typing signal failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// SetDraft stores the composer text of a conversation.
func (s *MessageService) SetDraft(conversationID, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if body == "" {
		delete(s.drafts, conversationID)
		return
	}
	s.drafts[conversationID] = body
}

// Draft returns the composer text of a conversation.
func (s *MessageService) Draft(conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[conversationID]
}

// ClearDraft empties the composer.
func (s *MessageService) ClearDraft(conversationID string) {
	s.SetDraft(conversationID, "")
}

// RestoreIfEmpty puts body back into the composer unless the user has
// started a new draft.
func (s *MessageService) RestoreIfEmpty(conversationID, body string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(s.drafts[conversationID]) != "" {
		return false
	}
	s.drafts[conversationID] = body
	return true
}
