// Package outbox is the durable queue of messages written while the
// client could not reach the server.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/localstore"
	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/pkg/clock"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
	"github.com/capitalize-ai/marketplace-sync/pkg/metrics"
)

const keyPrefix = "outbox/"

// DefaultBatch is the flush batch size used when none is given.
const DefaultBatch = 20

var (
	// ErrFlushInProgress is returned when Flush is called during a flush.
	ErrFlushInProgress = errors.New("outbox flush already in progress")
	// ErrUnknownItem is returned by Discard for an id that is not queued.
	ErrUnknownItem = errors.New("unknown outbox item")
)

// Sender delivers a queued item to the server.
type Sender interface {
	SendQueued(ctx context.Context, item model.OutboxItem) (model.Message, error)
}

// Sent pairs a flushed item with the server's message.
type Sent struct {
	Item    model.OutboxItem
	Message model.Message
}

// FlushResult reports what a flush did.
type FlushResult struct {
	Sent      []Sent
	Remaining int
}

// Outbox persists unsent messages in insertion order.
type Outbox struct {
	store  *localstore.Store
	sender Sender
	clock  clock.Clock
	logger *logger.Logger

	mu       sync.Mutex
	seq      uint64
	flushing atomic.Bool
}

type entry struct {
	key  string
	item model.OutboxItem
}

// New opens the outbox on store and restores its sequence counter.
func New(store *localstore.Store, sender Sender, clk clock.Clock, log *logger.Logger) (*Outbox, error) {
	o := &Outbox{
		store:  store,
		sender: sender,
		clock:  clk,
		logger: log.With(zap.String("component", "outbox")),
	}

	entries, err := o.entries()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		seq, err := strconv.ParseUint(strings.TrimPrefix(e.key, keyPrefix), 16, 64)
		if err == nil && seq > o.seq {
			o.seq = seq
		}
	}
	metrics.OutboxPending.Set(float64(len(entries)))
	return o, nil
}

// Enqueue persists a message. An item with the same client id is never
// queued twice.
func (o *Outbox) Enqueue(conversationID, body, clientID string) (model.OutboxItem, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.entries()
	if err != nil {
		return model.OutboxItem{}, err
	}
	if clientID != "" {
		for _, e := range entries {
			if e.item.ClientID == clientID {
				return e.item, nil
			}
		}
	}

	o.seq++
	item := model.OutboxItem{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Body:           body,
		ClientID:       clientID,
		EnqueuedAt:     o.clock.Now(),
	}
	if err := o.store.Put(o.key(o.seq), item); err != nil {
		return model.OutboxItem{}, fmt.Errorf("failed to enqueue message: %w", err)
	}

	metrics.OutboxPending.Set(float64(len(entries) + 1))
	o.logger.Info("message queued",
		zap.String("conversation_id", conversationID),
		zap.String("item_id", item.ID),
	)
	return item, nil
}

// Flush sends up to maxBatch items oldest first. The first failure stops
// the batch; that item keeps its place with its attempt count bumped.
func (o *Outbox) Flush(ctx context.Context, maxBatch int) (result FlushResult, err error) {
	if !o.flushing.CompareAndSwap(false, true) {
		return FlushResult{}, ErrFlushInProgress
	}
	defer o.flushing.Store(false)

	if maxBatch <= 0 {
		maxBatch = DefaultBatch
	}

	entries, err := o.entries()
	if err != nil {
		return FlushResult{}, err
	}

	defer func() {
		remaining := len(entries) - len(result.Sent)
		result.Remaining = remaining
		metrics.OutboxPending.Set(float64(remaining))
	}()

	for i, e := range entries {
		if i >= maxBatch {
			break
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		msg, err := o.sender.SendQueued(ctx, e.item)
		if err != nil {
			metrics.OutboxSendsTotal.WithLabelValues("error").Inc()
			e.item.Attempts++
			e.item.LastError = err.Error()
			if perr := o.store.Put(e.key, e.item); perr != nil {
				o.logger.Error("failed to record outbox attempt", zap.Error(perr))
			}
			o.logger.Warn("outbox flush halted",
				zap.String("item_id", e.item.ID),
				zap.Int("attempts", e.item.Attempts),
				zap.Error(err),
			)
			return result, fmt.Errorf("failed to send queued message %s: %w", e.item.ID, err)
		}

		if err := o.store.Delete(e.key); err != nil {
			return result, err
		}
		metrics.OutboxSendsTotal.WithLabelValues("ok").Inc()
		result.Sent = append(result.Sent, Sent{Item: e.item, Message: msg})
	}

	return result, nil
}

// Pending returns the queued items oldest first.
func (o *Outbox) Pending() ([]model.OutboxItem, error) {
	entries, err := o.entries()
	if err != nil {
		return nil, err
	}
	items := make([]model.OutboxItem, len(entries))
	for i, e := range entries {
		items[i] = e.item
	}
	return items, nil
}

// Len returns the number of queued items.
func (o *Outbox) Len() int {
	entries, err := o.entries()
	if err != nil {
		return 0
	}
	return len(entries)
}

// Discard removes the item with id.
func (o *Outbox) Discard(id string) (model.OutboxItem, error) {
	return o.discard(func(item model.OutboxItem) bool { return item.ID == id })
}

// DiscardByClientID removes the item queued for a timeline key.
func (o *Outbox) DiscardByClientID(clientID string) (model.OutboxItem, error) {
	if clientID == "" {
		return model.OutboxItem{}, ErrUnknownItem
	}
	return o.discard(func(item model.OutboxItem) bool { return item.ClientID == clientID })
}

func (o *Outbox) discard(match func(model.OutboxItem) bool) (model.OutboxItem, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.entries()
	if err != nil {
		return model.OutboxItem{}, err
	}
	for _, e := range entries {
		if !match(e.item) {
			continue
		}
		if err := o.store.Delete(e.key); err != nil {
			return model.OutboxItem{}, err
		}
		metrics.OutboxPending.Set(float64(len(entries) - 1))
		return e.item, nil
	}
	return model.OutboxItem{}, ErrUnknownItem
}

func (o *Outbox) key(seq uint64) string {
	return fmt.Sprintf("%s%016x", keyPrefix, seq)
}

func (o *Outbox) entries() ([]entry, error) {
	var out []entry
	err := o.store.Scan(keyPrefix, func(key string, value []byte) error {
		var item model.OutboxItem
		if err := json.Unmarshal(value, &item); err != nil {
			o.logger.Warn("dropping unreadable outbox entry", zap.String("key", key), zap.Error(err))
			return nil
		}
		out = append(out, entry{key: key, item: item})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	return out, nil
}
