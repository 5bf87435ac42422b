package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/events"
	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/internal/notify"
	"github.com/capitalize-ai/marketplace-sync/internal/outbox"
	"github.com/capitalize-ai/marketplace-sync/internal/presence"
	"github.com/capitalize-ai/marketplace-sync/internal/subscription"
	"github.com/capitalize-ai/marketplace-sync/internal/transport"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
)

// userEvents are bound on the user channel.
var userEvents = []model.EventName{
	model.EventConversationUpdated,
	model.EventConversationStarted,
	model.EventConversationHidden,
	model.EventConversationRestore,
	model.EventConversationRead,
}

// Status is the agent's health summary.
type Status struct {
	Connection  transport.State      `json:"connection"`
	Online      bool                 `json:"online"`
	Presence    model.PresenceRecord `json:"presence"`
	OutboxDepth int                  `json:"outbox_depth"`
	Unread      int                  `json:"unread"`
	Open        []string             `json:"open_conversations"`
}

// SyncService owns the agent lifecycle: connection, user channel,
// heartbeat, snapshot polling and outbox flushing.
type SyncService struct {
	selfID        string
	transport     transport.Transport
	subs          *subscription.Manager
	dispatcher    *Dispatcher
	conversations *ConversationService
	messages      *MessageService
	fanout        *notify.Fanout
	heartbeat     *presence.Heartbeat
	outbox        *outbox.Outbox
	sink          notify.Sink
	logger        *logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	userSub *subscription.Subscription
	wg      sync.WaitGroup
}

// SyncDeps groups the collaborators of a SyncService.
type SyncDeps struct {
	SelfID        string
	Transport     transport.Transport
	Subscriptions *subscription.Manager
	Dispatcher    *Dispatcher
	Conversations *ConversationService
	Messages      *MessageService
	Fanout        *notify.Fanout
	Heartbeat     *presence.Heartbeat
	Outbox        *outbox.Outbox
	Sink          notify.Sink
	Logger        *logger.Logger
}

// NewSyncService creates the lifecycle service.
func NewSyncService(d SyncDeps) *SyncService {
	s := &SyncService{
		selfID:        d.SelfID,
		transport:     d.Transport,
		subs:          d.Subscriptions,
		dispatcher:    d.Dispatcher,
		conversations: d.Conversations,
		messages:      d.Messages,
		fanout:        d.Fanout,
		heartbeat:     d.Heartbeat,
		outbox:        d.Outbox,
		sink:          d.Sink,
		logger:        d.Logger.With(zap.String("component", "sync")),
		ctx:           context.Background(),
	}
	d.Dispatcher.SetRoute(s.Route)
	d.Fanout.OnResync(func(id string) {
		s.spawn(func() { s.conversations.Resync(id) })
	})
	return s
}

// Route dispatches a decoded event by channel scope. It is the
// dispatcher's RouteFunc.
func (s *SyncService) Route(channel string, ev model.Event) {
	if _, ok := events.ConversationFromChannel(channel); ok {
		s.conversations.HandleEvent(ev)
		if ev.Name() == model.EventMessageNew {
			s.fanout.Handle(ev)
		}
		return
	}

	if st, ok := ev.(*model.ConversationStateEvent); ok {
		s.conversations.HandleStateEvent(st)
	}
	s.fanout.Handle(ev)
	if ev.Name() == model.EventConversationStarted || ev.Name() == model.EventConversationUpdated {
		s.sink.Emit(model.UIEvent{Type: model.UIConversation, Data: ev})
	}
}

// Start connects and starts every background loop. It returns once the
// initial work is scheduled; loops stop when ctx is done.
func (s *SyncService) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.spawn(func() { s.dispatcher.Run(ctx) })
	s.spawn(func() { s.subs.Start(ctx) })
	s.spawn(func() { s.watchConnection(ctx) })

	if err := s.transport.Connect(ctx); err != nil {
		s.logger.Warn("initial connect failed, will retry", zap.Error(err))
	}

	channel := events.UserChannel(s.selfID)
	sub := s.subs.Subscribe(channel, s.dispatcher.Handlers(channel, userEvents...), subscription.Callbacks{
		OnSubscribed: func() { s.spawn(s.fanout.Refocus) },
		OnError: func(err error) {
			s.sink.Emit(model.UIEvent{Type: model.UIConnection, Data: map[string]string{
				"state": string(transport.StateDisconnected),
				"error": err.Error(),
			}})
		},
	})
	s.mu.Lock()
	s.userSub = sub
	s.mu.Unlock()

	s.heartbeat.Start(ctx)
	s.fanout.Start(ctx)
	s.spawn(func() { s.flush(ctx) })
}

func (s *SyncService) watchConnection(ctx context.Context) {
	states, cancel := s.subs.WatchState()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			s.sink.Emit(model.UIEvent{Type: model.UIConnection, Data: map[string]string{"state": string(st)}})
			if st == transport.StateConnected {
				s.flush(ctx)
				s.conversations.ResyncAll()
			} else {
				s.conversations.MarkAllStale()
			}
		}
	}
}

func (s *SyncService) flush(ctx context.Context) {
	res, err := s.messages.FlushOutbox(ctx)
	if err != nil {
		s.logger.Warn("outbox flush stopped", zap.Int("sent", len(res.Sent)), zap.Int("remaining", res.Remaining), zap.Error(err))
		return
	}
	if len(res.Sent) > 0 {
		s.logger.Info("outbox flushed", zap.Int("sent", len(res.Sent)))
	}
}

// SetOnline records network reachability. Coming back online retries
// subscriptions and flushes the outbox.
func (s *SyncService) SetOnline(online bool) {
	was := s.messages.Online()
	s.messages.SetOnline(online)
	if online && !was {
		s.subs.Kick()
		s.spawn(func() { s.flush(s.context()) })
	}
}

// SetVisible forwards page visibility. Becoming visible beats and
// refreshes unread counts.
func (s *SyncService) SetVisible(visible bool) {
	s.heartbeat.SetVisible(visible)
	if visible {
		s.spawn(s.fanout.Refocus)
	}
}

// SetViewing records whether the messages surface is on screen.
func (s *SyncService) SetViewing(viewing bool) {
	s.fanout.SetViewing(viewing)
}

// Unload sends the offline beacon without waiting.
func (s *SyncService) Unload() {
	s.heartbeat.Unload()
}

// Status summarises the agent state.
func (s *SyncService) Status() Status {
	st := Status{
		Connection: s.subs.State(),
		Online:     s.messages.Online(),
		Presence:   s.heartbeat.Record(),
		Unread:     s.fanout.Counter().Total(),
		Open:       s.conversations.OpenIDs(),
	}
	if s.outbox != nil {
		st.OutboxDepth = s.outbox.Len()
	}
	return st
}

// Ready reports whether the push transport is connected.
func (s *SyncService) Ready() bool {
	return s.transport.State() == transport.StateConnected
}

// Shutdown marks the user offline and closes every subscription.
func (s *SyncService) Shutdown() {
	s.heartbeat.Unload()
	s.fanout.Stop()

	s.mu.Lock()
	sub := s.userSub
	s.userSub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	s.conversations.CloseAll()
	s.subs.Close()
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("transport close failed", zap.Error(err))
	}
}

// Wait blocks until background loops have exited.
func (s *SyncService) Wait() {
	s.wg.Wait()
}

func (s *SyncService) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *SyncService) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}
