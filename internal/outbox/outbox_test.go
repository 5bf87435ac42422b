package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/marketplace-sync/internal/localstore"
	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/pkg/clock"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
)

type fakeSender struct {
	fail map[string]error
	sent []string
}

func (f *fakeSender) SendQueued(ctx context.Context, item model.OutboxItem) (model.Message, error) {
	if err := f.fail[item.Body]; err != nil {
		return model.Message{}, err
	}
	f.sent = append(f.sent, item.Body)
	return model.Message{ID: "srv-" + item.Body, ConversationID: item.ConversationID, Body: item.Body, ClientID: item.ClientID}, nil
}

func newOutbox(t *testing.T, sender Sender) (*Outbox, *localstore.Store) {
	t.Helper()
	store, err := localstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	o, err := New(store, sender, clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), logger.NewNop())
	require.NoError(t, err)
	return o, store
}

func bodies(items []model.OutboxItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Body
	}
	return out
}

func TestFailureHaltsBatchAndKeepsOrder(t *testing.T) {
	sender := &fakeSender{fail: map[string]error{"A": errors.New("503")}}
	o, _ := newOutbox(t, sender)

	for _, body := range []string{"A", "B", "C"} {
		_, err := o.Enqueue("c1", body, "temp-"+body)
		require.NoError(t, err)
	}

	res, err := o.Flush(context.Background(), 10)
	require.Error(t, err)
	assert.Empty(t, res.Sent)
	assert.Equal(t, 3, res.Remaining)
	assert.Empty(t, sender.sent)

	pending, err := o.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, bodies(pending))
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "503", pending[0].LastError)

	delete(sender.fail, "A")
	res, err = o.Flush(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, sender.sent)
	assert.Equal(t, 0, res.Remaining)
	require.Len(t, res.Sent, 3)
	assert.Equal(t, "srv-A", res.Sent[0].Message.ID)
	assert.Equal(t, "temp-A", res.Sent[0].Item.ClientID)
	assert.Zero(t, o.Len())
}

func TestFlushRespectsBatchSize(t *testing.T) {
	sender := &fakeSender{}
	o, _ := newOutbox(t, sender)
	for _, body := range []string{"A", "B", "C"} {
		_, err := o.Enqueue("c1", body, "")
		require.NoError(t, err)
	}

	res, err := o.Flush(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, res.Sent, 2)
	assert.Equal(t, 1, res.Remaining)
}

func TestEnqueueDeduplicatesByClientID(t *testing.T) {
	o, _ := newOutbox(t, &fakeSender{})

	first, err := o.Enqueue("c1", "hi", "temp-1")
	require.NoError(t, err)
	second, err := o.Enqueue("c1", "hi", "temp-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, o.Len())
}

func TestDiscard(t *testing.T) {
	o, _ := newOutbox(t, &fakeSender{})
	a, err := o.Enqueue("c1", "A", "")
	require.NoError(t, err)
	_, err = o.Enqueue("c1", "B", "")
	require.NoError(t, err)

	removed, err := o.Discard(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", removed.Body)

	pending, _ := o.Pending()
	assert.Equal(t, []string{"B"}, bodies(pending))

	_, err = o.Discard(a.ID)
	assert.ErrorIs(t, err, ErrUnknownItem)
}

func TestDiscardByClientID(t *testing.T) {
	sender := &fakeSender{}
	o, _ := newOutbox(t, sender)
	_, err := o.Enqueue("c1", "A", "temp-A")
	require.NoError(t, err)
	_, err = o.Enqueue("c1", "B", "temp-B")
	require.NoError(t, err)

	item, err := o.DiscardByClientID("temp-A")
	require.NoError(t, err)
	assert.Equal(t, "A", item.Body)

	_, err = o.DiscardByClientID("temp-A")
	assert.ErrorIs(t, err, ErrUnknownItem)
	_, err = o.DiscardByClientID("")
	assert.ErrorIs(t, err, ErrUnknownItem)

	_, err = o.Flush(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, sender.sent)
}

func TestSequenceSurvivesReopen(t *testing.T) {
	o, store := newOutbox(t, &fakeSender{})
	_, err := o.Enqueue("c1", "A", "")
	require.NoError(t, err)

	reopened, err := New(store, &fakeSender{}, clock.Real(), logger.NewNop())
	require.NoError(t, err)
	_, err = reopened.Enqueue("c1", "B", "")
	require.NoError(t, err)

	pending, _ := reopened.Pending()
	assert.Equal(t, []string{"A", "B"}, bodies(pending))
}

type blockingSender struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSender) SendQueued(ctx context.Context, item model.OutboxItem) (model.Message, error) {
	close(b.started)
	<-b.release
	return model.Message{ID: "x"}, nil
}

func TestConcurrentFlushIsRejected(t *testing.T) {
	sender := &blockingSender{started: make(chan struct{}), release: make(chan struct{})}
	o, _ := newOutbox(t, sender)
	_, err := o.Enqueue("c1", "A", "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := o.Flush(context.Background(), 1)
		done <- err
	}()
	<-sender.started

	_, err = o.Flush(context.Background(), 1)
	assert.ErrorIs(t, err, ErrFlushInProgress)

	close(sender.release)
	require.NoError(t, <-done)
}
