// Package subscription owns the lifecycle of push-channel subscriptions:
// per-channel ownership, retry with exponential backoff, handler binding
// and teardown.
package subscription

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/internal/transport"
	"github.com/capitalize-ai/marketplace-sync/pkg/clock"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
	"github.com/capitalize-ai/marketplace-sync/pkg/metrics"
)

// Phase is the state of one subscription.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseSubscribed Phase = "subscribed"
	PhaseRetrying   Phase = "retrying"
	PhaseFailed     Phase = "failed"
	PhaseClosed     Phase = "closed"
)

// Options tune retry behaviour.
type Options struct {
	// BaseDelay and MaxDelay bound min(MaxDelay, BaseDelay*2^attempt).
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the upper bound of the random delay added to each retry.
	Jitter time.Duration
	// AttemptTimeout bounds a single transport subscribe call.
	AttemptTimeout time.Duration
	// FeatureDisabledPoll re-attempts a channel that answered 410 after
	// this long. Zero disables the slow poll.
	FeatureDisabledPoll time.Duration
}

// DefaultOptions returns the production retry policy.
func DefaultOptions() Options {
	return Options{
		BaseDelay:           time.Second,
		MaxDelay:            30 * time.Second,
		Jitter:              500 * time.Millisecond,
		AttemptTimeout:      10 * time.Second,
		FeatureDisabledPoll: 5 * time.Minute,
	}
}

// Callbacks are invoked on subscription outcomes.
type Callbacks struct {
	OnSubscribed func()
	OnError      func(error)
}

// Handlers maps event names to the handler bound for them.
type Handlers map[model.EventName]transport.Handler

// Manager creates subscriptions against a shared transport and lock
// registry.
type Manager struct {
	transport transport.Transport
	locks     *LockRegistry
	clock     clock.Clock
	logger    *logger.Logger
	opts      Options
	jitter    func(max time.Duration) time.Duration

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewManager creates a subscription manager.
func NewManager(t transport.Transport, locks *LockRegistry, clk clock.Clock, log *logger.Logger, opts Options) *Manager {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultOptions().BaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultOptions().AttemptTimeout
	}
	return &Manager{
		transport: t,
		locks:     locks,
		clock:     clk,
		logger:    log,
		opts:      opts,
		jitter:    randomJitter,
		subs:      make(map[*Subscription]struct{}),
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// State returns the global connection state.
func (m *Manager) State() transport.State {
	return m.transport.State()
}

// WatchState observes global connection state changes.
func (m *Manager) WatchState() (<-chan transport.State, func()) {
	return m.transport.Notifier().Watch()
}

// Start retries waiting subscriptions every time the transport comes
// back. It returns when ctx is done.
func (m *Manager) Start(ctx context.Context) {
	states, cancel := m.WatchState()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			if s == transport.StateConnected {
				m.Kick()
			}
		}
	}
}

// Kick cancels pending retry timers and re-attempts those subscriptions
// immediately.
func (m *Manager) Kick() {
	m.mu.Lock()
	var waiting []*Subscription
	for s := range m.subs {
		waiting = append(waiting, s)
	}
	m.mu.Unlock()

	for _, s := range waiting {
		if s.cancelRetry() {
			s.attempt()
		}
	}
}

// Subscribe starts a subscription to channel. The first attempt is made
// right away; Close disposes of it.
func (m *Manager) Subscribe(channel string, handlers Handlers, cb Callbacks) *Subscription {
	s := &Subscription{
		manager:  m,
		channel:  channel,
		kind:     channelKind(channel),
		handlers: handlers,
		cb:       cb,
		phase:    PhaseIdle,
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     m.opts.BaseDelay,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         m.opts.MaxDelay,
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               m.clock,
		},
	}
	s.backoff.Reset()

	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	m.clock.AfterFunc(0, s.attempt)
	return s
}

// Active returns the number of live subscriptions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close disposes of every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Subscription, 0, len(m.subs))
	for s := range m.subs {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

func (m *Manager) forget(s *Subscription) {
	m.mu.Lock()
	delete(m.subs, s)
	m.mu.Unlock()
}

// Subscription is one consumer's claim on a channel.
type Subscription struct {
	manager  *Manager
	channel  string
	kind     string
	handlers Handlers
	cb       Callbacks

	mu       sync.Mutex
	phase    Phase
	attempts int
	token    Token
	ch       transport.Channel
	timer    *clock.Timer
	lastErr  error
	closed   bool
	backoff  *backoff.ExponentialBackOff
}

// Channel returns the channel name.
func (s *Subscription) Channel() string { return s.channel }

// Phase returns the current phase.
func (s *Subscription) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Attempts returns the number of consecutive failed attempts.
func (s *Subscription) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Err returns the last subscribe error.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Owner reports whether this subscription holds the channel lock.
func (s *Subscription) Owner() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != ""
}

func (s *Subscription) attempt() {
	m := s.manager

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.timer = nil

	if s.token == "" {
		token, ok := m.locks.Acquire(s.channel)
		if !ok {
			s.phase = PhaseRetrying
			delay := s.nextDelayLocked()
			s.attempts++
			s.scheduleLocked(delay)
			s.mu.Unlock()
			metrics.SubscriptionAttempts.WithLabelValues(s.kind, "lock_wait").Inc()
			m.logger.Debug("channel owned elsewhere, queued",
				zap.String("channel", s.channel), zap.Duration("delay", delay))
			return
		}
		s.token = token
	}
	s.phase = PhaseConnecting
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.AttemptTimeout)
	ch, err := m.transport.Subscribe(ctx, s.channel)
	cancel()

	s.mu.Lock()
	if s.closed {
		if err == nil {
			s.ch = ch
			metrics.SubscriptionsActive.Inc()
		}
		s.teardownLocked()
		s.mu.Unlock()
		m.forget(s)
		return
	}

	if err != nil {
		s.lastErr = err
		if transport.IsFatal(err) {
			s.failLocked(err)
			return
		}
		s.phase = PhaseRetrying
		delay := s.nextDelayLocked()
		s.attempts++
		s.scheduleLocked(delay)
		attempt := s.attempts
		s.mu.Unlock()

		metrics.SubscriptionAttempts.WithLabelValues(s.kind, "retry").Inc()
		m.logger.Warn("subscribe failed, retrying",
			zap.String("channel", s.channel),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		return
	}

	s.phase = PhaseSubscribed
	s.attempts = 0
	s.lastErr = nil
	s.backoff.Reset()
	s.ch = ch
	for event, h := range s.handlers {
		ch.Bind(event, h)
	}
	onSubscribed := s.cb.OnSubscribed
	s.mu.Unlock()

	metrics.SubscriptionAttempts.WithLabelValues(s.kind, "ok").Inc()
	metrics.SubscriptionsActive.Inc()
	m.logger.Info("channel subscribed", zap.String("channel", s.channel))
	if onSubscribed != nil {
		onSubscribed()
	}
}

// failLocked handles 403 and 410. Called with s.mu held; unlocks it.
func (s *Subscription) failLocked(err error) {
	m := s.manager
	s.phase = PhaseFailed
	m.locks.Release(s.channel, s.token)
	s.token = ""

	outcome := "denied"
	if errors.Is(err, transport.ErrFeatureDisabled) {
		outcome = "disabled"
		if m.opts.FeatureDisabledPoll > 0 {
			s.scheduleLocked(m.opts.FeatureDisabledPoll)
		}
	}
	onError := s.cb.OnError
	s.mu.Unlock()

	metrics.SubscriptionAttempts.WithLabelValues(s.kind, outcome).Inc()
	m.logger.Error("subscribe rejected", zap.String("channel", s.channel), zap.Error(err))
	if onError != nil {
		onError(err)
	}
}

// nextDelayLocked returns min(cap, base*2^attempt) + jitter.
func (s *Subscription) nextDelayLocked() time.Duration {
	d := s.backoff.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		d = s.manager.opts.MaxDelay
	}
	return d + s.manager.jitter(s.manager.opts.Jitter)
}

func (s *Subscription) scheduleLocked(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	s.timer = s.manager.clock.AfterFunc(d, s.attempt)
}

// cancelRetry stops a pending retry timer and reports whether the
// subscription was waiting on one.
func (s *Subscription) cancelRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.phase != PhaseRetrying || s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	return true
}

// Close unbinds handlers, unsubscribes, releases the lock if owned and
// cancels any pending retry. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.phase == PhaseConnecting {
		// The in-flight attempt finishes the teardown.
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.mu.Unlock()
	s.manager.forget(s)
}

func (s *Subscription) teardownLocked() {
	m := s.manager
	if s.ch != nil {
		for event := range s.handlers {
			s.ch.Unbind(event)
		}
		if err := m.transport.Unsubscribe(s.channel); err != nil {
			m.logger.Warn("unsubscribe failed", zap.String("channel", s.channel), zap.Error(err))
		}
		s.ch = nil
		metrics.SubscriptionsActive.Dec()
	}
	m.locks.Release(s.channel, s.token)
	s.token = ""
	s.phase = PhaseClosed
}

func channelKind(channel string) string {
	switch {
	case strings.HasPrefix(channel, "user-"):
		return "user"
	case strings.HasPrefix(channel, "conversation-"):
		return "conversation"
	default:
		return "other"
	}
}
