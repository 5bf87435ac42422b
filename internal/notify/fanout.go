// Package notify turns account-wide events into unread counters, toasts,
// sounds and OS notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/localstore"
	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/pkg/clock"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
	"github.com/capitalize-ai/marketplace-sync/pkg/metrics"
)

const prefsKey = "prefs"

// Sink receives UI events.
type Sink interface {
	Emit(ev model.UIEvent)
}

// API is the subset of the backend used for notifications.
type API interface {
	SellerLookup
	InboxSnapshot(ctx context.Context) (model.InboxSnapshot, error)
	ListConversations(ctx context.Context, includeHidden bool) ([]model.Conversation, error)
}

// Options configure debouncing and snapshot polling.
type Options struct {
	Debounce      time.Duration
	SnapshotMin   time.Duration
	SnapshotMax   time.Duration
	NameCacheSize int
	Timeout       time.Duration
}

// DefaultOptions returns a 6s debounce and a 20-45s snapshot poll.
func DefaultOptions() Options {
	return Options{
		Debounce:      6 * time.Second,
		SnapshotMin:   20 * time.Second,
		SnapshotMax:   45 * time.Second,
		NameCacheSize: 256,
		Timeout:       8 * time.Second,
	}
}

// Fanout applies account-wide events. Handle is called from a single
// dispatcher goroutine; the other methods are safe for concurrent use.
type Fanout struct {
	selfID string
	api    API
	sink   Sink
	store  *localstore.Store
	clock  clock.Clock
	logger *logger.Logger
	opts   Options

	counter *Counter
	names   *NameCache

	// resync is called for a conversation whose events were suppressed.
	resync   func(conversationID string)
	interval func() time.Duration

	// background runs name lookups and polls off the dispatcher goroutine.
	background func(func())

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	lastToast map[string]time.Time
	hidden    map[string]bool
	// announced and anonymous pair a message:new with a
	// conversation:updated that carries no message id.
	announced map[string]time.Time
	anonymous map[string]time.Time
	viewing   bool
	prefs     model.Preferences
	pollTimer *clock.Timer
	polling   bool
}

// New creates a fan-out. store may be nil, in which case nothing is
// persisted.
func New(selfID string, api API, sink Sink, store *localstore.Store, clk clock.Clock, log *logger.Logger, opts Options) (*Fanout, error) {
	def := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.SnapshotMin <= 0 {
		opts.SnapshotMin = def.SnapshotMin
	}
	if opts.SnapshotMax < opts.SnapshotMin {
		opts.SnapshotMax = opts.SnapshotMin
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}

	log = log.With(zap.String("component", "notify"))
	counter, err := NewCounter(store, log)
	if err != nil {
		return nil, fmt.Errorf("failed to restore unread counts: %w", err)
	}
	names, err := NewNameCache(api, opts.NameCacheSize)
	if err != nil {
		return nil, err
	}

	f := &Fanout{
		selfID:    selfID,
		api:       api,
		sink:      sink,
		store:     store,
		clock:     clk,
		logger:     log,
		opts:       opts,
		counter:    counter,
		names:      names,
		resync:     func(string) {},
		background: func(fn func()) { go fn() },
		lastToast:  make(map[string]time.Time),
		hidden:     make(map[string]bool),
		announced:  make(map[string]time.Time),
		anonymous:  make(map[string]time.Time),
		prefs:     model.DefaultPreferences(),
		ctx:       context.Background(),
	}
	f.interval = f.randomInterval

	if store != nil {
		var prefs model.Preferences
		switch err := store.Get(prefsKey, &prefs); {
		case err == nil:
			f.prefs = prefs
		case !errors.Is(err, localstore.ErrNotFound):
			return nil, fmt.Errorf("failed to load preferences: %w", err)
		}
	}
	return f, nil
}

// OnResync sets the callback used to resync a suppressed conversation.
func (f *Fanout) OnResync(fn func(conversationID string)) {
	f.resync = fn
}

// Counter exposes the unread counter.
func (f *Fanout) Counter() *Counter { return f.counter }

// Start seeds the hidden set and unread counts, then polls snapshots at
// a randomised interval.
func (f *Fanout) Start(ctx context.Context) {
	f.mu.Lock()
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.polling = true
	f.mu.Unlock()

	f.Poll()
	f.schedule()
}

// Stop halts polling.
func (f *Fanout) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polling = false
	f.pollTimer.Stop()
	f.pollTimer = nil
	if f.cancel != nil {
		f.cancel()
	}
}

// Refocus polls immediately, e.g. when the window regains focus.
func (f *Fanout) Refocus() {
	f.Poll()
}

// SetViewing records whether the user is looking at the messages
// surface. While viewing, toasts and sounds are suppressed.
func (f *Fanout) SetViewing(viewing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewing = viewing
}

// Preferences returns the notification toggles.
func (f *Fanout) Preferences() model.Preferences {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prefs
}

// SetPreferences persists the notification toggles.
func (f *Fanout) SetPreferences(p model.Preferences) error {
	if f.store != nil {
		if err := f.store.Put(prefsKey, p); err != nil {
			return fmt.Errorf("failed to save preferences: %w", err)
		}
	}
	f.mu.Lock()
	f.prefs = p
	f.mu.Unlock()
	return nil
}

// Hidden reports whether the user hid the conversation.
func (f *Fanout) Hidden(conversationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hidden[conversationID]
}

// MarkRead clears the unread count of a conversation.
func (f *Fanout) MarkRead(conversationID string) {
	f.counter.Reset(conversationID)
	f.emitUnread()
}

// Handle applies one decoded event.
func (f *Fanout) Handle(ev model.Event) {
	switch e := ev.(type) {
	case *model.MessageNewEvent:
		if e.Message.SenderID == f.selfID {
			return
		}
		f.notify(e.Message.ConversationID, e.Message.ID, e.Message.SenderID, "", e.Message.Body, true)

	case *model.ConversationUpdatedEvent:
		if e.SenderID == f.selfID {
			return
		}
		f.names.Put(e.SenderID, e.SenderName)
		if e.MessageID == "" && e.Preview == "" {
			if e.UnreadCount != nil && !f.Hidden(e.ConversationID) {
				f.counter.Observe(e.ConversationID, *e.UnreadCount)
				f.emitUnread()
			}
			return
		}
		f.notify(e.ConversationID, e.MessageID, e.SenderID, e.SenderName, e.Preview, false)
		if e.UnreadCount != nil && !f.Hidden(e.ConversationID) {
			f.counter.Observe(e.ConversationID, *e.UnreadCount)
			f.emitUnread()
		}

	case *model.ConversationReadEvent:
		if e.ReaderID == f.selfID {
			f.MarkRead(e.ConversationID)
		}

	case *model.ConversationStateEvent:
		if e.UserID != "" && e.UserID != f.selfID {
			return
		}
		switch e.Kind {
		case model.EventConversationHidden:
			f.setHidden(e.ConversationID, true)
			f.counter.Reset(e.ConversationID)
			f.emitUnread()
		case model.EventConversationRestore:
			f.setHidden(e.ConversationID, false)
			f.resync(e.ConversationID)
			f.background(f.Poll)
		case model.EventConversationStarted:
			f.sink.Emit(model.UIEvent{Type: model.UIConversation, Data: e})
		}
	}
}

func (f *Fanout) setHidden(conversationID string, hidden bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hidden {
		f.hidden[conversationID] = true
	} else {
		delete(f.hidden, conversationID)
	}
}

func (f *Fanout) notify(conversationID, messageID, senderID, senderName, preview string, fromMessage bool) {
	f.mu.Lock()
	hidden := f.hidden[conversationID]
	f.mu.Unlock()

	if hidden {
		metrics.NotificationsTotal.WithLabelValues("suppressed_hidden").Inc()
		f.logger.Debug("suppressed event for hidden conversation", zap.String("conversation_id", conversationID))
		f.resync(conversationID)
		return
	}

	if !f.count(conversationID, messageID, fromMessage) {
		return
	}
	f.emitUnread()

	now := f.clock.Now()
	f.mu.Lock()
	viewing := f.viewing
	last, toasted := f.lastToast[conversationID]
	debounced := toasted && now.Sub(last) < f.opts.Debounce
	if !viewing && !debounced {
		f.lastToast[conversationID] = now
	}
	prefs := f.prefs
	ctx := f.ctx
	f.mu.Unlock()

	if viewing {
		metrics.NotificationsTotal.WithLabelValues("suppressed_viewing").Inc()
		return
	}
	if debounced {
		metrics.NotificationsTotal.WithLabelValues("suppressed_debounce").Inc()
		return
	}

	if senderName == "" {
		name, ok := f.names.Cached(senderID)
		if !ok {
			f.background(func() {
				lookupCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
				defer cancel()
				f.alert(conversationID, f.names.Resolve(lookupCtx, senderID), preview, prefs)
			})
			return
		}
		senderName = name
	}
	f.alert(conversationID, senderName, preview, prefs)
}

// count increments the unread counter once per message. A
// conversation:updated without a message id and a message:new for the
// same conversation within the debounce window are the same message.
func (f *Fanout) count(conversationID, messageID string, fromMessage bool) bool {
	now := f.clock.Now()
	within := func(m map[string]time.Time) bool {
		at, ok := m[conversationID]
		if !ok {
			return false
		}
		delete(m, conversationID)
		return now.Sub(at) < f.opts.Debounce
	}

	f.mu.Lock()
	paired := false
	switch {
	case fromMessage:
		paired = within(f.anonymous)
	case messageID == "":
		paired = within(f.announced)
	}
	f.mu.Unlock()

	if paired {
		f.counter.MarkSeen(messageID)
		return false
	}

	counted := f.counter.Increment(conversationID, messageID)

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case fromMessage && counted:
		f.announced[conversationID] = now
	case !fromMessage && messageID == "":
		f.anonymous[conversationID] = now
	case !fromMessage && !counted:
		// The update named a message already counted from message:new.
		delete(f.announced, conversationID)
	}
	return counted
}

func (f *Fanout) alert(conversationID, title, preview string, prefs model.Preferences) {
	f.sink.Emit(model.UIEvent{Type: model.UIToast, Data: model.Toast{
		ConversationID: conversationID,
		Title:          title,
		Body:           preview,
		Level:          "info",
	}})
	metrics.NotificationsTotal.WithLabelValues("toast").Inc()

	if prefs.Sound {
		f.sink.Emit(model.UIEvent{Type: model.UISound, Data: map[string]string{"conversation_id": conversationID}})
		metrics.NotificationsTotal.WithLabelValues("sound").Inc()
	}
	if prefs.BrowserNotification {
		f.sink.Emit(model.UIEvent{Type: model.UINotification, Data: model.Notification{
			ConversationID: conversationID,
			Title:          title,
			Body:           preview,
		}})
		metrics.NotificationsTotal.WithLabelValues("notification").Inc()
	}
}

// Poll fetches a snapshot and merges it. When the snapshot endpoint
// fails the conversation listing is used instead.
func (f *Fanout) Poll() {
	f.mu.Lock()
	parent := f.ctx
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, f.opts.Timeout)
	defer cancel()

	snap, err := f.api.InboxSnapshot(ctx)
	if err != nil {
		f.logger.Debug("inbox snapshot failed, using conversation list", zap.Error(err))
		snap, err = f.snapshotFromListing(ctx)
		if err != nil {
			f.logger.Warn("failed to refresh unread counts", zap.Error(err))
			return
		}
	}
	f.apply(snap, false)
}

// Refresh replaces local counts with the server's. Used only on explicit
// request.
func (f *Fanout) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	snap, err := f.api.InboxSnapshot(ctx)
	if err != nil {
		snap, err = f.snapshotFromListing(ctx)
		if err != nil {
			return fmt.Errorf("failed to refresh unread counts: %w", err)
		}
	}
	f.apply(snap, true)
	return nil
}

func (f *Fanout) apply(snap model.InboxSnapshot, absolute bool) {
	f.mu.Lock()
	for _, t := range snap.RecentThreads {
		if t.Hidden {
			f.hidden[t.ConversationID] = true
		} else {
			delete(f.hidden, t.ConversationID)
		}
	}
	f.mu.Unlock()

	f.counter.Merge(snap, absolute)
	f.emitUnread()
}

func (f *Fanout) snapshotFromListing(ctx context.Context) (model.InboxSnapshot, error) {
	convs, err := f.api.ListConversations(ctx, true)
	if err != nil {
		return model.InboxSnapshot{}, err
	}
	snap := model.InboxSnapshot{RecentThreads: make([]model.ThreadSummary, 0, len(convs))}
	for _, c := range convs {
		hidden := c.IsHiddenFor(f.selfID)
		if !hidden {
			snap.UnreadCount += c.UnreadCount
		}
		snap.RecentThreads = append(snap.RecentThreads, model.ThreadSummary{
			ConversationID: c.ID,
			UnreadCount:    c.UnreadCount,
			LastMessageAt:  c.LastActivityAt,
			Preview:        c.Preview,
			Hidden:         hidden,
		})
	}
	return snap, nil
}

func (f *Fanout) schedule() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.polling {
		return
	}
	f.pollTimer = f.clock.AfterFunc(f.interval(), func() {
		f.Poll()
		f.schedule()
	})
}

func (f *Fanout) randomInterval() time.Duration {
	spread := f.opts.SnapshotMax - f.opts.SnapshotMin
	if spread <= 0 {
		return f.opts.SnapshotMin
	}
	return f.opts.SnapshotMin + rand.N(spread)
}

func (f *Fanout) emitUnread() {
	f.sink.Emit(model.UIEvent{Type: model.UIUnread, Data: model.UnreadUpdate{
		Total:         f.counter.Total(),
		Conversations: f.counter.PerConversation(),
	}})
}
