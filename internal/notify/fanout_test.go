package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/capitalize-ai/marketplace-sync/internal/localstore"
	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/pkg/clock"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
)

const self = "buyer-1"

type recordingSink struct {
	mu     sync.Mutex
	events []model.UIEvent
}

func (s *recordingSink) Emit(ev model.UIEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (s *recordingSink) last(typ string) (model.UIEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == typ {
			return s.events[i], true
		}
	}
	return model.UIEvent{}, false
}

type fakeAPI struct {
	snapshots   []model.InboxSnapshot
	snapshotErr error
	convs       []model.Conversation
	names       map[string]string
	lookups     int
}

func (f *fakeAPI) InboxSnapshot(ctx context.Context) (model.InboxSnapshot, error) {
	if f.snapshotErr != nil {
		return model.InboxSnapshot{}, f.snapshotErr
	}
	if len(f.snapshots) == 0 {
		return model.InboxSnapshot{}, nil
	}
	s := f.snapshots[0]
	f.snapshots = f.snapshots[1:]
	return s, nil
}

func (f *fakeAPI) ListConversations(ctx context.Context, includeHidden bool) ([]model.Conversation, error) {
	return f.convs, nil
}

func (f *fakeAPI) GetSellerName(ctx context.Context, id string) (string, error) {
	f.lookups++
	name, ok := f.names[id]
	if !ok {
		return "", errors.New("not found")
	}
	return name, nil
}

func newFanout(t *testing.T, api API) (*Fanout, *recordingSink, *clock.FakeClock) {
	t.Helper()
	sink := &recordingSink{}
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f, err := New(self, api, sink, nil, clk, logger.NewNop(), DefaultOptions())
	require.NoError(t, err)
	f.background = func(fn func()) { fn() }
	return f, sink, clk
}

// slowNames blocks every name lookup until release is closed.
type slowNames struct {
	fakeAPI
	release chan struct{}
}

func (s *slowNames) GetSellerName(ctx context.Context, id string) (string, error) {
	<-s.release
	return "Acme", nil
}

func newMessage(id, conv string) *model.MessageNewEvent {
	return &model.MessageNewEvent{Message: model.Message{ID: id, ConversationID: conv, SenderID: "seller-1", Body: "hi", CreatedAt: time.Now()}}
}

func TestMessageProducesCounterToastAndSound(t *testing.T) {
	f, sink, _ := newFanout(t, &fakeAPI{names: map[string]string{"seller-1": "Acme"}})

	f.Handle(newMessage("m1", "c1"))

	assert.Equal(t, 1, f.Counter().Total())
	toast, ok := sink.last(model.UIToast)
	require.True(t, ok)
	assert.Equal(t, "Acme", toast.Data.(model.Toast).Title)
	assert.Equal(t, 1, sink.count(model.UISound))
	assert.Zero(t, sink.count(model.UINotification))
}

func TestOwnMessagesAreIgnored(t *testing.T) {
	f, sink, _ := newFanout(t, &fakeAPI{})
	ev := newMessage("m1", "c1")
	ev.Message.SenderID = self

	f.Handle(ev)
	assert.Zero(t, f.Counter().Total())
	assert.Empty(t, sink.events)
}

func TestToastDebouncedPerConversation(t *testing.T) {
	f, sink, clk := newFanout(t, &fakeAPI{})

	f.Handle(newMessage("m1", "c1"))
	clk.Advance(2 * time.Second)
	f.Handle(newMessage("m2", "c1"))
	f.Handle(newMessage("m3", "c2"))

	assert.Equal(t, 3, f.Counter().Total())
	assert.Equal(t, 2, sink.count(model.UIToast))

	clk.Advance(4 * time.Second)
	f.Handle(newMessage("m4", "c1"))
	assert.Equal(t, 3, sink.count(model.UIToast))
}

func TestSameMessageViaBothFamiliesCountsOnce(t *testing.T) {
	f, _, _ := newFanout(t, &fakeAPI{})

	f.Handle(newMessage("m1", "c1"))
	f.Handle(&model.ConversationUpdatedEvent{ConversationID: "c1", SenderID: "seller-1", MessageID: "m1", Preview: "hi"})

	assert.Equal(t, 1, f.Counter().Total())
}

func TestHiddenSuppressionThenRestoreResyncs(t *testing.T) {
	f, sink, _ := newFanout(t, &fakeAPI{})
	var resynced []string
	f.OnResync(func(id string) { resynced = append(resynced, id) })

	f.Handle(&model.ConversationStateEvent{Kind: model.EventConversationHidden, ConversationID: "c1", UserID: self})
	sink.events = nil

	f.Handle(newMessage("m1", "c1"))
	assert.Zero(t, f.Counter().Total())
	assert.Zero(t, sink.count(model.UIToast))
	assert.Zero(t, sink.count(model.UISound))
	assert.Equal(t, []string{"c1"}, resynced)

	f.Handle(&model.ConversationStateEvent{Kind: model.EventConversationRestore, ConversationID: "c1", UserID: self})
	assert.Equal(t, []string{"c1", "c1"}, resynced)
	assert.False(t, f.Hidden("c1"))

	f.Handle(newMessage("m2", "c1"))
	assert.Equal(t, 1, f.Counter().Total())
	assert.Equal(t, 1, sink.count(model.UIToast))
}

func TestSlowNameLookupDoesNotBlockHandle(t *testing.T) {
	api := &slowNames{release: make(chan struct{})}
	f, sink, _ := newFanout(t, api)
	f.background = func(fn func()) { go fn() }

	done := make(chan struct{})
	go func() {
		f.Handle(newMessage("m1", "c1"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle waited for the name lookup")
	}
	assert.Equal(t, 1, f.Counter().Total())
	assert.Zero(t, sink.count(model.UIToast))

	close(api.release)
	require.Eventually(t, func() bool { return sink.count(model.UIToast) == 1 }, time.Second, time.Millisecond)
	toast, _ := sink.last(model.UIToast)
	assert.Equal(t, "Acme", toast.Data.(model.Toast).Title)

	// Cached now: the next toast is immediate.
	f.background = func(func()) { t.Fatal("unexpected lookup") }
	f.Handle(newMessage("m2", "c2"))
	assert.Equal(t, 2, sink.count(model.UIToast))
}

func TestRestoreRefreshesUnreadCount(t *testing.T) {
	api := &fakeAPI{snapshots: []model.InboxSnapshot{{
		UnreadCount:   3,
		RecentThreads: []model.ThreadSummary{{ConversationID: "c1", UnreadCount: 3}},
	}}}
	f, sink, _ := newFanout(t, api)

	f.Handle(&model.ConversationStateEvent{Kind: model.EventConversationHidden, ConversationID: "c1", UserID: self})
	f.Handle(newMessage("m1", "c1"))
	assert.Zero(t, f.Counter().Total())

	f.Handle(&model.ConversationStateEvent{Kind: model.EventConversationRestore, ConversationID: "c1", UserID: self})
	assert.Equal(t, 3, f.Counter().Count("c1"))
	assert.Equal(t, 3, f.Counter().Total())
	update, ok := sink.last(model.UIUnread)
	require.True(t, ok)
	assert.Equal(t, 3, update.Data.(model.UnreadUpdate).Total)
}

func TestUpdateWithoutMessageIDPairsWithMessage(t *testing.T) {
	f, _, clk := newFanout(t, &fakeAPI{})
	anonymous := func(conv string) *model.ConversationUpdatedEvent {
		return &model.ConversationUpdatedEvent{ConversationID: conv, SenderID: "seller-1", Preview: "hi"}
	}

	// message:new first.
	f.Handle(newMessage("m1", "c1"))
	f.Handle(anonymous("c1"))
	assert.Equal(t, 1, f.Counter().Total())
	f.Handle(anonymous("c1"))
	assert.Equal(t, 2, f.Counter().Total())

	// conversation:updated first.
	f.Handle(anonymous("c2"))
	f.Handle(newMessage("m5", "c2"))
	assert.Equal(t, 3, f.Counter().Total())
	f.Handle(newMessage("m5", "c2"))
	assert.Equal(t, 3, f.Counter().Total())

	// Outside the window they are different messages.
	clk.Advance(7 * time.Second)
	f.Handle(anonymous("c2"))
	clk.Advance(7 * time.Second)
	f.Handle(newMessage("m6", "c2"))
	assert.Equal(t, 5, f.Counter().Total())
}

func TestViewingSuppressesToastButCounts(t *testing.T) {
	f, sink, _ := newFanout(t, &fakeAPI{})
	f.SetViewing(true)

	f.Handle(newMessage("m1", "c1"))
	assert.Equal(t, 1, f.Counter().Total())
	assert.Zero(t, sink.count(model.UIToast))
	assert.Zero(t, sink.count(model.UISound))
	assert.Equal(t, 1, sink.count(model.UIUnread))
}

func TestSnapshotsNeverLowerCounter(t *testing.T) {
	api := &fakeAPI{snapshots: []model.InboxSnapshot{{UnreadCount: 5}, {UnreadCount: 3}, {UnreadCount: 1}, {UnreadCount: 1}}}
	f, _, _ := newFanout(t, api)

	for range 3 {
		f.Poll()
		assert.Equal(t, 5, f.Counter().Total())
	}

	require.NoError(t, f.Refresh(context.Background()))
	assert.Equal(t, 1, f.Counter().Total())
}

func TestPollFallsBackToListing(t *testing.T) {
	hiddenAt := time.Now()
	api := &fakeAPI{
		snapshotErr: errors.New("404"),
		convs: []model.Conversation{
			{ID: "c1", Participants: []string{self, "s1"}, UnreadCount: 2},
			{ID: "c2", Participants: []string{self, "s2"}, UnreadCount: 4, HiddenAt: map[string]*time.Time{self: &hiddenAt}},
		},
	}
	f, _, _ := newFanout(t, api)

	f.Poll()
	assert.Equal(t, 2, f.Counter().Total())
	assert.Equal(t, 2, f.Counter().Count("c1"))
	assert.True(t, f.Hidden("c2"))
}

func TestPollerReschedules(t *testing.T) {
	api := &fakeAPI{snapshots: []model.InboxSnapshot{{UnreadCount: 1}, {UnreadCount: 2}, {UnreadCount: 3}}}
	f, _, clk := newFanout(t, api)
	f.interval = func() time.Duration { return 30 * time.Second }

	f.Start(context.Background())
	assert.Equal(t, 1, f.Counter().Total())

	clk.Advance(30 * time.Second)
	assert.Equal(t, 2, f.Counter().Total())

	f.Stop()
	clk.Advance(time.Minute)
	assert.Equal(t, 2, f.Counter().Total())
}

func TestRandomIntervalInRange(t *testing.T) {
	f, _, _ := newFanout(t, &fakeAPI{})
	for range 50 {
		d := f.randomInterval()
		assert.GreaterOrEqual(t, d, 20*time.Second)
		assert.Less(t, d, 45*time.Second)
	}
}

func TestReadOnAnotherDeviceClearsCount(t *testing.T) {
	f, _, _ := newFanout(t, &fakeAPI{})
	f.Handle(newMessage("m1", "c1"))
	f.Handle(newMessage("m2", "c2"))

	f.Handle(&model.ConversationReadEvent{ConversationID: "c1", ReaderID: self, ReadAt: time.Now()})
	assert.Equal(t, 1, f.Counter().Total())
	assert.Zero(t, f.Counter().Count("c1"))
}

func TestNameCacheCachesNegativeLookups(t *testing.T) {
	api := &fakeAPI{names: map[string]string{"s1": "Acme"}}
	cache, err := NewNameCache(api, 2)
	require.NoError(t, err)

	assert.Equal(t, "Acme", cache.Resolve(context.Background(), "s1"))
	assert.Equal(t, FallbackName, cache.Resolve(context.Background(), "ghost"))
	assert.Equal(t, FallbackName, cache.Resolve(context.Background(), "ghost"))
	assert.Equal(t, 2, api.lookups)
}

func TestPreferencesPersist(t *testing.T) {
	store, err := localstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.Fake(time.Now())
	f, err := New(self, &fakeAPI{}, &recordingSink{}, store, clk, logger.NewNop(), DefaultOptions())
	require.NoError(t, err)
	assert.True(t, f.Preferences().Sound)

	require.NoError(t, f.SetPreferences(model.Preferences{Sound: false, BrowserNotification: true}))

	again, err := New(self, &fakeAPI{}, &recordingSink{}, store, clk, logger.NewNop(), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, model.Preferences{BrowserNotification: true}, again.Preferences())
}

func TestUnreadDeltasSurviveRestart(t *testing.T) {
	store, err := localstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c, err := NewCounter(store, logger.NewNop())
	require.NoError(t, err)
	c.Increment("c1", "m1")
	c.Increment("c1", "m2")

	restored, err := NewCounter(store, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Count("c1"))
	assert.Equal(t, 2, restored.Total())

	restored.Merge(model.InboxSnapshot{UnreadCount: 0}, true)
	again, err := NewCounter(store, logger.NewNop())
	require.NoError(t, err)
	assert.Zero(t, again.Total())
}

type brokenStore struct{}

func (brokenStore) Get(key string, v any) error { return localstore.ErrNotFound }
func (brokenStore) Put(key string, v any) error { return errors.New("disk full") }
func (brokenStore) Delete(key string) error { return errors.New("disk full") }

func TestCounterLogsPersistFailures(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	c, err := newCounter(brokenStore{}, &logger.Logger{Logger: zap.New(core)})
	require.NoError(t, err)

	assert.True(t, c.Increment("c1", "m1"))
	assert.Equal(t, 1, c.Total())
	c.Reset("c1")

	entries := logs.FilterMessage("failed to persist unread deltas").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "disk full", entries[0].ContextMap()["error"])
}
