package timeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/pkg/clock"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
)

const (
	convID = "c1"
	self   = "buyer-1"
	seller = "seller-9"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu    sync.Mutex
	pages [][]model.Message
	calls []model.MessagePage
	err   error
	block chan struct{}
}

func (f *fakeFetcher) ListMessages(ctx context.Context, conversationID string, page model.MessagePage) ([]model.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, page)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	p := f.pages[0]
	f.pages = f.pages[1:]
	return p, nil
}

func msg(id, sender string, at time.Time, body string) model.Message {
	return model.Message{ID: id, ConversationID: convID, SenderID: sender, Body: body, CreatedAt: at}
}

func newStore(t *testing.T, f *fakeFetcher) (*Store, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(t0.Add(time.Hour))
	return New(Config{ConversationID: convID, SelfID: self, CounterpartyID: seller, PageSize: 2}, f, clk, logger.NewNop()), clk
}

func keys(items []model.TimelineItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Key
	}
	return out
}

func TestLoadOrdersByCreatedAtThenID(t *testing.T) {
	f := &fakeFetcher{pages: [][]model.Message{{
		msg("b", seller, t0, "hi"),
		msg("c", seller, t0.Add(time.Second), "there"),
		msg("a", self, t0, "hello"),
	}}}
	s, _ := newStore(t, f)

	items, err := s.Load(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-a", "msg-b", "msg-c"}, keys(items))
	assert.True(t, s.HasMore())
}

func TestHandleInboundIsIdempotent(t *testing.T) {
	s, _ := newStore(t, &fakeFetcher{})
	ev := &model.MessageNewEvent{Message: msg("m1", seller, t0, "hi")}

	assert.True(t, s.HandleInbound(ev))
	assert.False(t, s.HandleInbound(ev))
	assert.Equal(t, 1, s.Len())
}

func TestHandleInboundIgnoresOtherConversation(t *testing.T) {
	s, _ := newStore(t, &fakeFetcher{})
	m := msg("m1", seller, t0, "hi")
	m.ConversationID = "other"
	assert.False(t, s.HandleInbound(&model.MessageNewEvent{Message: m}))
	assert.Equal(t, 0, s.Len())
}

func TestPushEchoBeforeConfirmReconcilesByClientID(t *testing.T) {
	s, clk := newStore(t, &fakeFetcher{})
	key := s.AddOptimistic("hello")
	require.True(t, model.IsTempKey(key))

	echo := msg("m1", self, clk.Now(), "hello")
	echo.ClientID = key
	assert.True(t, s.HandleInbound(&model.MessageNewEvent{Message: echo}))

	// The REST response arriving second must not add a duplicate.
	require.NoError(t, s.Confirm(key, echo))

	items := s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "msg-m1", items[0].Key)
	assert.False(t, items[0].Pending)
}

func TestConfirmBeforePushEcho(t *testing.T) {
	s, clk := newStore(t, &fakeFetcher{})
	key := s.AddOptimistic("hello")
	confirmed := msg("m1", self, clk.Now(), "hello")
	confirmed.ClientID = key

	require.NoError(t, s.Confirm(key, confirmed))
	assert.False(t, s.HandleInbound(&model.MessageNewEvent{Message: confirmed}))
	assert.Equal(t, []string{"msg-m1"}, keys(s.Items()))
}

func TestEchoWithoutClientIDMatchesNewestPendingBody(t *testing.T) {
	s, clk := newStore(t, &fakeFetcher{})
	first := s.AddOptimistic("same")
	clk.Advance(time.Second)
	second := s.AddOptimistic("same")

	assert.True(t, s.HandleInbound(&model.MessageNewEvent{Message: msg("m2", self, clk.Now(), "same")}))

	_, ok := s.Item(second)
	assert.False(t, ok, "newest matching temp item is upgraded")
	item, ok := s.Item(first)
	require.True(t, ok)
	assert.True(t, item.Pending)
	assert.Equal(t, 2, s.Len())
}

func TestConfirmAfterUnmatchedEchoDropsTempItem(t *testing.T) {
	s, clk := newStore(t, &fakeFetcher{})
	key := s.AddOptimistic("hello")

	// Echo with a foreign client id lands as its own item.
	echo := msg("m1", self, clk.Now(), "hello")
	echo.ClientID = "temp-other-tab"
	assert.True(t, s.HandleInbound(&model.MessageNewEvent{Message: echo}))
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.Confirm(key, echo))
	assert.Equal(t, []string{"msg-m1"}, keys(s.Items()))
}

func TestFailMarkPendingDiscard(t *testing.T) {
	s, _ := newStore(t, &fakeFetcher{})
	key := s.AddOptimistic("hello")

	require.NoError(t, s.Fail(key))
	item, _ := s.Item(key)
	assert.True(t, item.Failed)
	assert.Equal(t, model.StatusFailed, s.View()[0].Status)

	require.NoError(t, s.MarkPending(key))
	assert.Equal(t, model.StatusSending, s.View()[0].Status)

	require.NoError(t, s.Discard(key))
	assert.Equal(t, 0, s.Len())
	assert.ErrorIs(t, s.Discard(key), ErrUnknownItem)
	assert.ErrorIs(t, s.Fail("temp-missing"), ErrUnknownItem)
}

func TestLoadOlderUsesOldestCursorAndTracksHasMore(t *testing.T) {
	f := &fakeFetcher{pages: [][]model.Message{
		{msg("c", seller, t0.Add(2*time.Second), "3"), msg("d", seller, t0.Add(3*time.Second), "4")},
		{msg("b", seller, t0.Add(time.Second), "2")},
	}}
	s, _ := newStore(t, f)

	_, err := s.Load(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, s.HasMore())

	items, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-b", "msg-c", "msg-d"}, keys(items))
	assert.False(t, s.HasMore())

	require.Len(t, f.calls, 2)
	require.NotNil(t, f.calls[1].Before)
	assert.Equal(t, t0.Add(2*time.Second), *f.calls[1].Before)

	// No more pages: no further fetch.
	_, err = s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.calls, 2)
}

func TestLoadOlderRejectsConcurrentFetch(t *testing.T) {
	f := &fakeFetcher{block: make(chan struct{})}
	s, _ := newStore(t, f)

	done := make(chan error, 1)
	go func() {
		_, err := s.LoadOlder(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.calls) == 1
	}, time.Second, time.Millisecond)

	_, err := s.LoadOlder(context.Background())
	assert.ErrorIs(t, err, ErrLoadInProgress)

	close(f.block)
	require.NoError(t, <-done)
}

func TestLoadOlderErrorClearsGuard(t *testing.T) {
	f := &fakeFetcher{err: errors.New("boom")}
	s, _ := newStore(t, f)

	_, err := s.LoadOlder(context.Background())
	require.Error(t, err)

	f.err = nil
	_, err = s.LoadOlder(context.Background())
	assert.NoError(t, err)
}

func TestResyncFetchesAfterLastSeen(t *testing.T) {
	f := &fakeFetcher{pages: [][]model.Message{
		{msg("a", seller, t0, "1")},
		{msg("a", seller, t0, "1"), msg("b", seller, t0.Add(time.Second), "2")},
	}}
	s, _ := newStore(t, f)
	_, err := s.Load(context.Background(), 5)
	require.NoError(t, err)

	added, err := s.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	require.NotNil(t, f.calls[1].After)
	assert.Equal(t, t0, *f.calls[1].After)
}

func TestResyncFollowsFullPages(t *testing.T) {
	f := &fakeFetcher{pages: [][]model.Message{
		{msg("a", seller, t0, "1")},
		{msg("b", seller, t0.Add(1*time.Second), "2"), msg("c", seller, t0.Add(2*time.Second), "3")},
		{msg("d", seller, t0.Add(3*time.Second), "4"), msg("e", seller, t0.Add(4*time.Second), "5")},
		{msg("f", seller, t0.Add(5*time.Second), "6")},
	}}
	s, _ := newStore(t, f)
	_, err := s.Load(context.Background(), 5)
	require.NoError(t, err)

	// Connection drops; the first push after reconnect arrives before the
	// resync runs.
	s.MarkStale()
	assert.True(t, s.HandleInbound(&model.MessageNewEvent{Message: msg("f", seller, t0.Add(5*time.Second), "6")}))

	added, err := s.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, added)
	assert.Equal(t, []string{"msg-a", "msg-b", "msg-c", "msg-d", "msg-e", "msg-f"}, keys(s.Items()))

	require.Len(t, f.calls, 4)
	assert.Equal(t, t0, *f.calls[1].After)
	assert.Equal(t, t0.Add(2*time.Second), *f.calls[2].After)
	assert.Equal(t, t0.Add(4*time.Second), *f.calls[3].After)

	// Caught up: live pushes move the cursor again.
	s.HandleInbound(&model.MessageNewEvent{Message: msg("g", seller, t0.Add(6*time.Second), "7")})
	_, err = s.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0.Add(6*time.Second), *f.calls[4].After)
}

func TestResyncErrorKeepsCursor(t *testing.T) {
	f := &fakeFetcher{pages: [][]model.Message{{msg("a", seller, t0, "1")}}}
	s, _ := newStore(t, f)
	_, err := s.Load(context.Background(), 5)
	require.NoError(t, err)

	s.MarkStale()
	s.HandleInbound(&model.MessageNewEvent{Message: msg("z", seller, t0.Add(time.Minute), "late")})

	f.err = errors.New("offline")
	_, err = s.Resync(context.Background())
	require.Error(t, err)

	f.err = nil
	_, err = s.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0, *f.calls[len(f.calls)-1].After)
}

func TestMarkPendingRequiresFailedItem(t *testing.T) {
	s, _ := newStore(t, &fakeFetcher{})
	key := s.AddOptimistic("hello")

	assert.ErrorIs(t, s.MarkPending(key), ErrNotFailed)
	assert.ErrorIs(t, s.MarkPending("temp-missing"), ErrUnknownItem)
}

func TestReadReceiptDrivesStatus(t *testing.T) {
	s, _ := newStore(t, &fakeFetcher{})
	sent := msg("m1", self, t0.Add(20*time.Second), "hello")
	s.HandleInbound(&model.MessageNewEvent{Message: sent})

	assert.Equal(t, model.StatusSent, s.View()[0].Status)

	assert.True(t, s.HandleInbound(&model.ConversationReadEvent{ConversationID: convID, ReaderID: seller, ReadAt: t0.Add(15 * time.Second)}))
	assert.Equal(t, model.StatusSent, s.View()[0].Status)

	assert.True(t, s.HandleInbound(&model.ConversationReadEvent{ConversationID: convID, ReaderID: seller, ReadAt: t0.Add(25 * time.Second)}))
	assert.Equal(t, model.StatusRead, s.View()[0].Status)

	// Older receipts and our own reads never move it back.
	assert.False(t, s.HandleInbound(&model.ConversationReadEvent{ConversationID: convID, ReaderID: seller, ReadAt: t0}))
	assert.False(t, s.HandleInbound(&model.ConversationReadEvent{ConversationID: convID, ReaderID: self, ReadAt: t0.Add(time.Hour)}))
	assert.Equal(t, t0.Add(25*time.Second), *s.CounterpartyLastRead())
}

func TestIncomingDirection(t *testing.T) {
	s, _ := newStore(t, &fakeFetcher{})
	s.HandleInbound(&model.MessageNewEvent{Message: msg("m1", seller, t0, "hi")})
	s.HandleInbound(&model.MessageNewEvent{Message: msg("m2", self, t0.Add(time.Second), "yo")})

	view := s.View()
	assert.True(t, view[0].Incoming)
	assert.False(t, view[1].Incoming)
}

func TestCounterpartyTypingExpires(t *testing.T) {
	s, clk := newStore(t, &fakeFetcher{})
	s.HandleInbound(&model.TypingEvent{ConversationID: convID, UserID: seller, Typing: true})
	assert.True(t, s.CounterpartyTyping())

	clk.Advance(typingTTL)
	assert.False(t, s.CounterpartyTyping())

	assert.False(t, s.HandleInbound(&model.TypingEvent{ConversationID: convID, UserID: self, Typing: true}))
}
