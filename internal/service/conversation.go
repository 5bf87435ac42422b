// Package service wires the sync core together: open conversation views,
// the send path, and the agent lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/events"
	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/internal/notify"
	"github.com/capitalize-ai/marketplace-sync/internal/subscription"
	"github.com/capitalize-ai/marketplace-sync/internal/timeline"
	"github.com/capitalize-ai/marketplace-sync/pkg/clock"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
)

// ErrConversationNotOpen is returned for operations that need an open view.
var ErrConversationNotOpen = errors.New("conversation not open")

// API is the subset of the marketplace API used by the services.
type API interface {
	timeline.Fetcher
	SendMessage(ctx context.Context, conversationID string, req model.SendMessageRequest) (model.Message, error)
	SetTyping(ctx context.Context, conversationID string, typing bool) error
	MarkRead(ctx context.Context, conversationID string) error
	ListConversations(ctx context.Context, includeHidden bool) ([]model.Conversation, error)
}

// conversationEvents are bound on every conversation channel.
var conversationEvents = []model.EventName{
	model.EventMessageNew,
	model.EventConversationRead,
	model.EventTyping,
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	model.Conversation
	Counterparty string `json:"counterparty"`
	Unread       int    `json:"unread"`
	Open         bool   `json:"open"`
}

// TimelineView is the payload of a timeline UI event.
type TimelineView struct {
	ConversationID string              `json:"conversation_id"`
	Items          []timeline.ItemView `json:"items"`
	HasMore        bool                `json:"has_more"`
	Typing         bool                `json:"typing"`
}

type conversationView struct {
	store *timeline.Store
	sub   *subscription.Subscription
	refs  int
}

// ConversationService manages open conversation views.
type ConversationService struct {
	selfID     string
	api        API
	subs       *subscription.Manager
	dispatcher *Dispatcher
	fanout     *notify.Fanout
	sink       notify.Sink
	clock      clock.Clock
	logger     *logger.Logger
	pageSize   int
	timeout    time.Duration

	mu            sync.RWMutex
	views         map[string]*conversationView
	conversations map[string]model.Conversation
}

// NewConversationService creates a conversation service.
func NewConversationService(
	selfID string,
	api API,
	subs *subscription.Manager,
	dispatcher *Dispatcher,
	fanout *notify.Fanout,
	sink notify.Sink,
	clk clock.Clock,
	log *logger.Logger,
	timeout time.Duration,
) *ConversationService {
	return &ConversationService{
		selfID:        selfID,
		api:           api,
		subs:          subs,
		dispatcher:    dispatcher,
		fanout:        fanout,
		sink:          sink,
		clock:         clk,
		logger:        log.With(zap.String("component", "conversations")),
		pageSize:      timeline.DefaultPageSize,
		timeout:       timeout,
		views:         make(map[string]*conversationView),
		conversations: make(map[string]model.Conversation),
	}
}

// List returns the user's visible conversations with unread counts,
// newest activity first.
func (s *ConversationService) List(ctx context.Context) ([]ConversationSummary, error) {
	convs, err := s.api.ListConversations(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	s.mu.Lock()
	for _, c := range convs {
		s.conversations[c.ID] = c
	}
	s.mu.Unlock()

	counter := s.fanout.Counter()
	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		if c.IsHiddenFor(s.selfID) {
			continue
		}
		s.mu.RLock()
		_, open := s.views[c.ID]
		s.mu.RUnlock()
		out = append(out, ConversationSummary{
			Conversation: c,
			Counterparty: c.Counterparty(s.selfID),
			Unread:       max(c.UnreadCount, counter.Count(c.ID)),
			Open:         open,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

// Open mounts a conversation view: subscribes its channel and loads the
// newest page. Opening an already open view adds a reference.
func (s *ConversationService) Open(ctx context.Context, conversationID string) (*timeline.Store, error) {
	s.mu.Lock()
	if v, ok := s.views[conversationID]; ok {
		v.refs++
		s.mu.Unlock()
		return v.store, nil
	}

	conv, known := s.conversations[conversationID]
	cfg := timeline.Config{ConversationID: conversationID, SelfID: s.selfID, PageSize: s.pageSize}
	if known {
		cfg.CounterpartyID = conv.Counterparty(s.selfID)
	}
	store := timeline.New(cfg, s.api, s.clock, s.logger)
	if known && cfg.CounterpartyID != "" {
		if t := conv.LastReadBy(cfg.CounterpartyID); t != nil {
			store.SetCounterpartyLastRead(*t)
		}
	}
	v := &conversationView{store: store, refs: 1}
	s.views[conversationID] = v
	s.mu.Unlock()

	if _, err := store.Load(ctx, s.pageSize); err != nil {
		s.mu.Lock()
		delete(s.views, conversationID)
		s.mu.Unlock()
		return nil, err
	}
	if !known {
		s.learnCounterparty(ctx, store)
	}
	s.emitTimeline(store)

	// Anything pushed between the load and the subscription is picked up
	// by the resync once subscribed.
	channel := events.ConversationChannel(conversationID)
	sub := s.subs.Subscribe(channel, s.dispatcher.Handlers(channel, conversationEvents...), subscription.Callbacks{
		OnSubscribed: func() { s.Resync(conversationID) },
		OnError: func(err error) {
			s.sink.Emit(model.UIEvent{Type: model.UIToast, Data: model.Toast{
				ConversationID: conversationID,
				Title:          "Live updates unavailable",
				Body:           err.Error(),
				Level:          "error",
			}})
		},
	})

	s.mu.Lock()
	if s.views[conversationID] != v {
		// Closed while subscribing.
		s.mu.Unlock()
		sub.Close()
		return store, nil
	}
	v.sub = sub
	s.mu.Unlock()
	return store, nil
}

// learnCounterparty fills in the other participant of a view opened
// before the conversation list was fetched.
func (s *ConversationService) learnCounterparty(ctx context.Context, store *timeline.Store) {
	convs, err := s.api.ListConversations(ctx, true)
	if err != nil {
		s.logger.Debug("conversation lookup failed", zap.String("conversation_id", store.ConversationID()), zap.Error(err))
		return
	}

	s.mu.Lock()
	for _, c := range convs {
		s.conversations[c.ID] = c
	}
	conv, ok := s.conversations[store.ConversationID()]
	s.mu.Unlock()
	if !ok {
		return
	}

	counterparty := conv.Counterparty(s.selfID)
	if counterparty == "" {
		return
	}
	store.SetCounterparty(counterparty)
	if t := conv.LastReadBy(counterparty); t != nil {
		store.SetCounterpartyLastRead(*t)
	}
}

// Close unmounts a view once its last reference is gone.
func (s *ConversationService) Close(conversationID string) bool {
	s.mu.Lock()
	v, ok := s.views[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	v.refs--
	if v.refs > 0 {
		s.mu.Unlock()
		return true
	}
	delete(s.views, conversationID)
	sub := v.sub
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	return true
}

// CloseAll unmounts every view regardless of references.
func (s *ConversationService) CloseAll() {
	s.mu.Lock()
	views := s.views
	s.views = make(map[string]*conversationView)
	s.mu.Unlock()

	for _, v := range views {
		if v.sub != nil {
			v.sub.Close()
		}
	}
}

// Timeline returns the store of an open view.
func (s *ConversationService) Timeline(conversationID string) (*timeline.Store, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[conversationID]
	if !ok {
		return nil, false
	}
	return v.store, true
}

// OpenIDs returns the ids of every open view.
func (s *ConversationService) OpenIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.views))
	for id := range s.views {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadOlder fetches the previous page of an open view.
func (s *ConversationService) LoadOlder(ctx context.Context, conversationID string) (*timeline.Store, error) {
	store, ok := s.Timeline(conversationID)
	if !ok {
		return nil, ErrConversationNotOpen
	}
	if _, err := store.LoadOlder(ctx); err != nil {
		return nil, err
	}
	s.emitTimeline(store)
	return store, nil
}

// Resync merges anything missed by an open view. Unknown ids are ignored.
func (s *ConversationService) Resync(conversationID string) {
	store, ok := s.Timeline(conversationID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	added, err := store.Resync(ctx)
	if err != nil {
		s.logger.Warn("resync failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	if added > 0 {
		s.emitTimeline(store)
	}
}

// MarkAllStale flags every open view as possibly missing pushes.
func (s *ConversationService) MarkAllStale() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.views {
		v.store.MarkStale()
	}
}

// ResyncAll resyncs every open view.
func (s *ConversationService) ResyncAll() {
	for _, id := range s.OpenIDs() {
		s.Resync(id)
	}
}

// MarkRead clears the unread count and tells the server.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID string) error {
	s.fanout.MarkRead(conversationID)
	if err := s.api.MarkRead(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return nil
}

// HandleEvent applies a conversation-channel event to its open view.
func (s *ConversationService) HandleEvent(ev model.Event) {
	store, ok := s.Timeline(ev.Conversation())
	if !ok {
		return
	}
	if !store.HandleInbound(ev) {
		return
	}
	if ev.Name() == model.EventTyping {
		s.sink.Emit(model.UIEvent{Type: model.UITyping, Data: map[string]any{
			"conversation_id": store.ConversationID(),
			"typing":          store.CounterpartyTyping(),
		}})
		return
	}
	s.emitTimeline(store)
}

// HandleStateEvent keeps the cached listing in step with hide/restore.
func (s *ConversationService) HandleStateEvent(ev *model.ConversationStateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[ev.ConversationID]
	if !ok {
		return
	}
	switch ev.Kind {
	case model.EventConversationHidden:
		if conv.HiddenAt == nil {
			conv.HiddenAt = make(map[string]*time.Time)
		}
		at := ev.At
		conv.HiddenAt[s.selfID] = &at
	case model.EventConversationRestore:
		delete(conv.HiddenAt, s.selfID)
	}
	s.conversations[ev.ConversationID] = conv
}

// Emit publishes the current view of a store.
func (s *ConversationService) Emit(conversationID string) {
	if store, ok := s.Timeline(conversationID); ok {
		s.emitTimeline(store)
	}
}

// View builds the timeline payload of a store.
func View(store *timeline.Store) TimelineView {
	return TimelineView{
		ConversationID: store.ConversationID(),
		Items:          store.View(),
		HasMore:        store.HasMore(),
		Typing:         store.CounterpartyTyping(),
	}
}

func (s *ConversationService) emitTimeline(store *timeline.Store) {
	s.sink.Emit(model.UIEvent{Type: model.UITimeline, Data: View(store)})
}
