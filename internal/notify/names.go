package notify

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FallbackName is shown when a sender's name cannot be resolved.
const FallbackName = "New message"

// SellerLookup resolves a user id to a profile.
type SellerLookup interface {
	GetSellerName(ctx context.Context, id string) (string, error)
}

// NameCache is a bounded cache of display names. Failed lookups are
// cached as empty so they are not retried on every message.
type NameCache struct {
	lookup SellerLookup
	cache  *lru.Cache[string, string]
}

// NewNameCache creates a cache holding at most size names.
func NewNameCache(lookup SellerLookup, size int) (*NameCache, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &NameCache{lookup: lookup, cache: cache}, nil
}

// Resolve returns the display name of id, or FallbackName.
func (n *NameCache) Resolve(ctx context.Context, id string) string {
	if id == "" {
		return FallbackName
	}
	if name, ok := n.cache.Get(id); ok {
		return orFallback(name)
	}

	name, err := n.lookup.GetSellerName(ctx, id)
	if err != nil {
		name = ""
	}
	n.cache.Add(id, name)
	return orFallback(name)
}

// Cached returns the display name of id without a lookup.
func (n *NameCache) Cached(id string) (string, bool) {
	if id == "" {
		return FallbackName, true
	}
	name, ok := n.cache.Get(id)
	if !ok {
		return "", false
	}
	return orFallback(name), true
}

// Put seeds the cache, e.g. from a sender_name carried by an event.
func (n *NameCache) Put(id, name string) {
	if id != "" && name != "" {
		n.cache.Add(id, name)
	}
}

func orFallback(name string) string {
	if name == "" {
		return FallbackName
	}
	return name
}
