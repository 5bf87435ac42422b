package notify

import (
	"errors"
	"maps"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/localstore"
	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
	"github.com/capitalize-ai/marketplace-sync/pkg/metrics"
)

const (
	deltaKey     = "unread/deltas"
	seenCapacity = 2048
)

// deltaStore persists the pending delta map.
type deltaStore interface {
	Get(key string, v any) error
	Put(key string, v any) error
	Delete(key string) error
}

// Counter tracks unread counts. Snapshot merges never lower a count;
// only absolute updates do.
type Counter struct {
	store  deltaStore
	logger *logger.Logger

	mu      sync.Mutex
	total   int
	perConv map[string]int
	// deltas are local increments not yet reflected by a snapshot.
	deltas map[string]int
	seen   *lru.Cache[string, struct{}]
}

// NewCounter creates a counter and re-applies persisted deltas.
func NewCounter(store *localstore.Store, log *logger.Logger) (*Counter, error) {
	var ds deltaStore
	if store != nil {
		ds = store
	}
	return newCounter(ds, log)
}

func newCounter(store deltaStore, log *logger.Logger) (*Counter, error) {
	seen, err := lru.New[string, struct{}](seenCapacity)
	if err != nil {
		return nil, err
	}
	c := &Counter{
		store:   store,
		logger:  log,
		perConv: make(map[string]int),
		deltas:  make(map[string]int),
		seen:    seen,
	}
	if store == nil {
		return c, nil
	}

	var saved map[string]int
	if err := store.Get(deltaKey, &saved); err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return nil, err
	}
	for conv, n := range saved {
		c.deltas[conv] = n
		c.perConv[conv] += n
		c.total += n
	}
	return c, nil
}

// Increment counts one new message. A message id already counted is
// ignored; an empty id always counts.
func (c *Counter) Increment(conversationID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if messageID != "" {
		if c.seen.Contains(messageID) {
			return false
		}
		c.seen.Add(messageID, struct{}{})
	}
	c.perConv[conversationID]++
	c.deltas[conversationID]++
	c.total++
	c.persistLocked()
	c.publishLocked()
	return true
}

// MarkSeen records a message id as counted without counting it.
func (c *Counter) MarkSeen(messageID string) {
	if messageID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Add(messageID, struct{}{})
}

// Observe records a server-side per-conversation count using max merge.
func (c *Counter) Observe(conversationID string, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if count >= c.perConv[conversationID] {
		c.total += count - c.perConv[conversationID]
		c.perConv[conversationID] = count
		delete(c.deltas, conversationID)
		c.persistLocked()
	}
	c.publishLocked()
}

// Merge folds a snapshot in. With absolute the snapshot replaces local
// state; otherwise every count becomes max(local, server).
func (c *Counter) Merge(snap model.InboxSnapshot, absolute bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if absolute {
		c.perConv = make(map[string]int, len(snap.RecentThreads))
		for _, t := range snap.RecentThreads {
			if !t.Hidden {
				c.perConv[t.ConversationID] = t.UnreadCount
			}
		}
		c.total = snap.UnreadCount
		clear(c.deltas)
		c.persistLocked()
		c.publishLocked()
		return
	}

	for _, t := range snap.RecentThreads {
		if t.Hidden {
			continue
		}
		if t.UnreadCount >= c.perConv[t.ConversationID] {
			c.perConv[t.ConversationID] = t.UnreadCount
			delete(c.deltas, t.ConversationID)
		}
	}
	if snap.UnreadCount > c.total {
		c.total = snap.UnreadCount
	}
	c.persistLocked()
	c.publishLocked()
}

// Reset zeroes one conversation, e.g. after it was read.
func (c *Counter) Reset(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total -= c.perConv[conversationID]
	if c.total < 0 {
		c.total = 0
	}
	delete(c.perConv, conversationID)
	delete(c.deltas, conversationID)
	c.persistLocked()
	c.publishLocked()
}

// Total returns the displayed unread total.
func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Count returns the unread count of one conversation.
func (c *Counter) Count(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perConv[conversationID]
}

// PerConversation returns a copy of the per-conversation counts.
func (c *Counter) PerConversation() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.perConv)
}

func (c *Counter) persistLocked() {
	if c.store == nil {
		return
	}
	var err error
	if len(c.deltas) == 0 {
		err = c.store.Delete(deltaKey)
	} else {
		err = c.store.Put(deltaKey, c.deltas)
	}
	if err != nil {
		c.logger.Error("failed to persist unread deltas", zap.Error(err))
	}
}

func (c *Counter) publishLocked() {
	metrics.UnreadDisplayed.Set(float64(c.total))
}
