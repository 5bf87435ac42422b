// Package timeline keeps the ordered, deduplicated message list of one
// conversation, including optimistic items that have not been confirmed.
package timeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/delivery"
	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/pkg/clock"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
)

const (
	// DefaultPageSize is used when Load is given no limit.
	DefaultPageSize = 30

	typingTTL = 5 * time.Second

	// resyncMaxPages bounds one Resync; the next one continues from
	// where it stopped.
	resyncMaxPages = 20
)

var (
	// ErrUnknownItem is returned for a temporary key the store does not hold.
	ErrUnknownItem = errors.New("unknown timeline item")
	// ErrLoadInProgress is returned when an older page is already being fetched.
	ErrLoadInProgress = errors.New("older page already loading")
	// ErrNotFailed is returned when retrying an item that has not failed.
	ErrNotFailed = errors.New("timeline item has not failed")
)

// Fetcher reads message pages from the API.
type Fetcher interface {
	ListMessages(ctx context.Context, conversationID string, page model.MessagePage) ([]model.Message, error)
}

// Config identifies the conversation and its participants.
type Config struct {
	ConversationID string
	SelfID         string
	CounterpartyID string
	PageSize       int
}

// ItemView is a timeline item with its derived fields.
type ItemView struct {
	model.TimelineItem
	Status   model.DeliveryStatus `json:"status"`
	Incoming bool                 `json:"incoming"`
}

// Store is the timeline of one conversation. Safe for concurrent use.
type Store struct {
	cfg     Config
	fetcher Fetcher
	clock   clock.Clock
	logger  *logger.Logger

	mu             sync.Mutex
	items          []*model.TimelineItem
	byKey          map[string]*model.TimelineItem
	seen           map[string]struct{}
	hasMore        bool
	loaded         bool
	loadingOlder   bool
	counterpartyAt *time.Time
	typingUntil    time.Time

	// syncedAt is the newest created_at known to have no gap before it.
	// While stale, live pushes do not move it.
	syncedAt *time.Time
	stale    bool
}

// New creates an empty store.
func New(cfg Config, fetcher Fetcher, clk clock.Clock, log *logger.Logger) *Store {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Store{
		cfg:     cfg,
		fetcher: fetcher,
		clock:   clk,
		logger:  log.With(zap.String("conversation_id", cfg.ConversationID)),
		byKey:   make(map[string]*model.TimelineItem),
		seen:    make(map[string]struct{}),
		hasMore: true,
	}
}

// ConversationID returns the conversation the store belongs to.
func (s *Store) ConversationID() string { return s.cfg.ConversationID }

// Load fetches the newest page and merges it.
func (s *Store) Load(ctx context.Context, limit int) ([]model.TimelineItem, error) {
	if limit <= 0 {
		limit = s.cfg.PageSize
	}
	msgs, err := s.fetcher.ListMessages(ctx, s.cfg.ConversationID, model.MessagePage{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeLocked(msgs)
	s.advanceLocked(msgs)
	s.hasMore = len(msgs) >= limit
	s.loaded = true
	return s.snapshotLocked(), nil
}

// LoadOlder fetches the page before the oldest loaded item. Only one
// older-page fetch runs at a time.
func (s *Store) LoadOlder(ctx context.Context) ([]model.TimelineItem, error) {
	s.mu.Lock()
	if s.loadingOlder {
		s.mu.Unlock()
		return nil, ErrLoadInProgress
	}
	if s.loaded && !s.hasMore {
		out := s.snapshotLocked()
		s.mu.Unlock()
		return out, nil
	}
	var cursor *time.Time
	if oldest := s.oldestLocked(); oldest != nil {
		ts := oldest.Message.CreatedAt
		cursor = &ts
	}
	s.loadingOlder = true
	limit := s.cfg.PageSize
	s.mu.Unlock()

	msgs, err := s.fetcher.ListMessages(ctx, s.cfg.ConversationID, model.MessagePage{Limit: limit, Before: cursor})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadingOlder = false
	if err != nil {
		return nil, fmt.Errorf("failed to load older messages: %w", err)
	}
	s.mergeLocked(msgs)
	s.hasMore = len(msgs) >= limit
	s.loaded = true
	return s.snapshotLocked(), nil
}

// Resync fetches everything after the sync cursor, page by page, and
// merges it by id. Returns the number of items added.
func (s *Store) Resync(ctx context.Context) (int, error) {
	s.mu.Lock()
	after := s.syncedAt
	if after == nil {
		after = s.lastSeenAtLocked()
	}
	loaded := s.loaded
	s.mu.Unlock()

	if !loaded || after == nil {
		before := s.Len()
		if _, err := s.Load(ctx, s.cfg.PageSize); err != nil {
			return 0, err
		}
		s.mu.Lock()
		s.stale = false
		s.mu.Unlock()
		return s.Len() - before, nil
	}

	added := 0
	cursor := *after
	for range resyncMaxPages {
		msgs, err := s.fetcher.ListMessages(ctx, s.cfg.ConversationID, model.MessagePage{Limit: s.cfg.PageSize, After: &cursor})
		if err != nil {
			return added, fmt.Errorf("failed to resync messages: %w", err)
		}

		s.mu.Lock()
		before := len(s.items)
		s.mergeLocked(msgs)
		s.advanceLocked(msgs)
		added += len(s.items) - before
		s.mu.Unlock()

		next, ok := newest(msgs)
		if len(msgs) < s.cfg.PageSize || !ok || !next.After(cursor) {
			s.mu.Lock()
			s.stale = false
			s.mu.Unlock()
			return added, nil
		}
		cursor = next
	}
	s.logger.Info("resync stopped at page limit", zap.Time("cursor", cursor))
	return added, nil
}

// MarkStale records that live pushes may have been missed. Until the next
// Resync completes, pushed messages do not move the sync cursor.
func (s *Store) MarkStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = true
}

// AddOptimistic appends a temporary item for body and returns its key.
func (s *Store) AddOptimistic(body string) string {
	now := s.clock.Now()
	key := newTempKey(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	item := &model.TimelineItem{
		Key: key,
		Message: model.Message{
			ConversationID: s.cfg.ConversationID,
			SenderID:       s.cfg.SelfID,
			Body:           body,
			CreatedAt:      now,
		},
		Pending: true,
	}
	s.insertLocked(item)
	return key
}

// Confirm replaces the temporary item with the server's message. If the
// push echo already reconciled it, Confirm is a no-op.
func (s *Store) Confirm(tempKey string, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.byKey[tempKey]
	durable := model.DurableKey(msg.ID)
	if !ok || item.Resolved() {
		if _, seen := s.seen[durable]; !seen {
			s.insertLocked(&model.TimelineItem{Key: durable, Message: msg})
		}
		return nil
	}

	if _, seen := s.seen[durable]; seen {
		// The echo landed as its own item; drop the temporary one.
		s.removeLocked(item)
		return nil
	}
	s.upgradeLocked(item, msg)
	if !s.stale {
		s.advanceLocked([]model.Message{msg})
	}
	return nil
}

// Fail flags a temporary item as failed.
func (s *Store) Fail(tempKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.byKey[tempKey]
	if !ok || item.Resolved() {
		return ErrUnknownItem
	}
	item.Pending = false
	item.Failed = true
	return nil
}

// MarkPending flags a failed temporary item as waiting to be sent again.
func (s *Store) MarkPending(tempKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.byKey[tempKey]
	if !ok || item.Resolved() {
		return ErrUnknownItem
	}
	if !item.Failed {
		return ErrNotFailed
	}
	item.Pending = true
	item.Failed = false
	return nil
}

// Discard removes a temporary item.
func (s *Store) Discard(tempKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.byKey[tempKey]
	if !ok || item.Resolved() {
		return ErrUnknownItem
	}
	s.removeLocked(item)
	return nil
}

// Item returns a copy of the item stored under key.
func (s *Store) Item(key string) (model.TimelineItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.byKey[key]
	if !ok {
		return model.TimelineItem{}, false
	}
	return *item, true
}

// HandleInbound applies a push event and reports whether the timeline
// changed.
func (s *Store) HandleInbound(ev model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case *model.MessageNewEvent:
		if !s.mergeOneLocked(e.Message) {
			return false
		}
		if !s.stale {
			s.advanceLocked([]model.Message{e.Message})
		}
		return true

	case *model.ConversationReadEvent:
		if e.ConversationID != s.cfg.ConversationID || e.ReaderID == s.cfg.SelfID {
			return false
		}
		if s.counterpartyAt != nil && !e.ReadAt.After(*s.counterpartyAt) {
			return false
		}
		readAt := e.ReadAt
		s.counterpartyAt = &readAt
		return true

	case *model.TypingEvent:
		if e.ConversationID != s.cfg.ConversationID || e.UserID == s.cfg.SelfID {
			return false
		}
		if e.Typing {
			s.typingUntil = s.clock.Now().Add(typingTTL)
		} else {
			s.typingUntil = time.Time{}
		}
		return true
	}
	return false
}

// Items returns the ordered timeline.
func (s *Store) Items() []model.TimelineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// View returns the ordered timeline with statuses and direction.
func (s *Store) View() []ItemView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ItemView, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, ItemView{
			TimelineItem: *item,
			Status:       delivery.Resolve(*item, s.counterpartyAt),
			Incoming:     s.isIncomingLocked(item.Message),
		})
	}
	return out
}

// Len returns the number of items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// HasMore reports whether older pages may exist.
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// SetCounterparty records the other participant once it is known.
func (s *Store) SetCounterparty(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.CounterpartyID = id
}

// SetCounterpartyLastRead seeds the counterparty's last read timestamp,
// typically from the conversation listing. It never moves backwards.
func (s *Store) SetCounterpartyLastRead(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counterpartyAt == nil || t.After(*s.counterpartyAt) {
		s.counterpartyAt = &t
	}
}

// CounterpartyLastRead returns the counterparty's last read timestamp.
func (s *Store) CounterpartyLastRead() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counterpartyAt == nil {
		return nil
	}
	t := *s.counterpartyAt
	return &t
}

// CounterpartyTyping reports whether the counterparty is typing.
func (s *Store) CounterpartyTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now().Before(s.typingUntil)
}

// LastSeenAt returns the created_at of the newest confirmed message.
func (s *Store) LastSeenAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenAtLocked()
}

func (s *Store) isIncomingLocked(msg model.Message) bool {
	if s.cfg.CounterpartyID != "" {
		return msg.SenderID == s.cfg.CounterpartyID
	}
	return msg.SenderID != s.cfg.SelfID
}

func (s *Store) advanceLocked(msgs []model.Message) {
	if t, ok := newest(msgs); ok && (s.syncedAt == nil || t.After(*s.syncedAt)) {
		s.syncedAt = &t
	}
}

func newest(msgs []model.Message) (time.Time, bool) {
	var out time.Time
	for _, m := range msgs {
		if m.CreatedAt.After(out) {
			out = m.CreatedAt
		}
	}
	return out, !out.IsZero()
}

func (s *Store) mergeLocked(msgs []model.Message) {
	for _, msg := range msgs {
		s.mergeOneLocked(msg)
	}
}

// mergeOneLocked reconciles one server message into the timeline.
func (s *Store) mergeOneLocked(msg model.Message) bool {
	if msg.ID == "" || msg.ConversationID != s.cfg.ConversationID {
		return false
	}
	durable := model.DurableKey(msg.ID)
	if _, seen := s.seen[durable]; seen {
		return false
	}

	if msg.ClientID != "" {
		if item, ok := s.byKey[msg.ClientID]; ok && !item.Resolved() {
			s.upgradeLocked(item, msg)
			return true
		}
	} else if msg.SenderID == s.cfg.SelfID {
		if item := s.newestUnresolvedLocked(msg.Body); item != nil {
			s.logger.Debug("reconciled optimistic item by body", zap.String("key", item.Key), zap.String("message_id", msg.ID))
			s.upgradeLocked(item, msg)
			return true
		}
	}

	s.insertLocked(&model.TimelineItem{Key: durable, Message: msg})
	return true
}

// newestUnresolvedLocked finds the newest temporary item from self with
// the given body.
func (s *Store) newestUnresolvedLocked(body string) *model.TimelineItem {
	for i := len(s.items) - 1; i >= 0; i-- {
		item := s.items[i]
		if !item.Resolved() && item.Message.SenderID == s.cfg.SelfID && item.Message.Body == body {
			return item
		}
	}
	return nil
}

func (s *Store) upgradeLocked(item *model.TimelineItem, msg model.Message) {
	delete(s.byKey, item.Key)
	item.Key = model.DurableKey(msg.ID)
	item.Message = msg
	item.Pending = false
	item.Failed = false
	s.byKey[item.Key] = item
	s.seen[item.Key] = struct{}{}
	s.sortLocked()
}

func (s *Store) insertLocked(item *model.TimelineItem) {
	if _, seen := s.seen[item.Key]; seen {
		return
	}
	s.items = append(s.items, item)
	s.byKey[item.Key] = item
	s.seen[item.Key] = struct{}{}
	s.sortLocked()
}

func (s *Store) removeLocked(item *model.TimelineItem) {
	delete(s.byKey, item.Key)
	s.items = slices.DeleteFunc(s.items, func(i *model.TimelineItem) bool { return i == item })
}

func (s *Store) sortLocked() {
	slices.SortStableFunc(s.items, compareItems)
}

// compareItems orders by created_at, then id.
func compareItems(a, b *model.TimelineItem) int {
	if c := a.Message.CreatedAt.Compare(b.Message.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.SortID(), b.SortID())
}

func (s *Store) oldestLocked() *model.TimelineItem {
	for _, item := range s.items {
		if item.Resolved() {
			return item
		}
	}
	return nil
}

func (s *Store) lastSeenAtLocked() *time.Time {
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].Resolved() {
			t := s.items[i].Message.CreatedAt
			return &t
		}
	}
	return nil
}

func (s *Store) snapshotLocked() []model.TimelineItem {
	out := make([]model.TimelineItem, len(s.items))
	for i, item := range s.items {
		out[i] = *item
	}
	return out
}

func newTempKey(now time.Time) string {
	return model.TempKeyPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "-" + strconv.FormatUint(rand.Uint64()&0xffffffffff, 36)
}
