package transport

import "sync"

// StateNotifier broadcasts connection state changes. Consumers can only
// observe it; the owning transport is the only writer.
type StateNotifier struct {
	mu       sync.Mutex
	state    State
	watchers map[int]chan State
	next     int
}

// NewStateNotifier returns a notifier starting in initial.
func NewStateNotifier(initial State) *StateNotifier {
	return &StateNotifier{state: initial, watchers: make(map[int]chan State)}
}

// State returns the current state.
func (n *StateNotifier) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Watch returns a channel receiving every subsequent state change and a
// cancel func. Slow watchers only ever see the latest state.
func (n *StateNotifier) Watch() (<-chan State, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan State, 1)
	n.watchers[id] = ch

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.watchers[id]; ok {
			delete(n.watchers, id)
			close(ch)
		}
	}
}

func (n *StateNotifier) set(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == s {
		return
	}
	n.state = s
	for _, ch := range n.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
