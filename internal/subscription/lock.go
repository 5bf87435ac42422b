package subscription

import (
	"sync"

	"github.com/google/uuid"
)

// Token identifies the owner of a channel lock.
type Token string

// LockRegistry grants at most one owner per channel name. It is shared
// by every consumer in the process and injected where needed.
type LockRegistry struct {
	mu     sync.Mutex
	owners map[string]Token
}

// NewLockRegistry returns an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{owners: make(map[string]Token)}
}

// Acquire takes the lock for channel. It returns the new token and true,
// or "" and false when another owner holds it.
func (r *LockRegistry) Acquire(channel string) (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.owners[channel]; held {
		return "", false
	}
	token := Token(uuid.NewString())
	r.owners[channel] = token
	return token, true
}

// Release frees channel if token is the current owner.
func (r *LockRegistry) Release(channel string, token Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token == "" || r.owners[channel] != token {
		return false
	}
	delete(r.owners, channel)
	return true
}

// Owner returns the current owner of channel.
func (r *LockRegistry) Owner(channel string) (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.owners[channel]
	return t, ok
}

// Held returns the number of locked channels.
func (r *LockRegistry) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owners)
}
