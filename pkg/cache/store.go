package cache

import (
	"sort"
	"sync"
	"time"
)

// Store is a concurrency-safe map from cache key to Item.
//
// Every operation is a synchronous snapshot of the whole map: an Item
// returned by Get is a copy, so a reader never sees a value from one write
// combined with the expiration from another. Entries are only replaced,
// never evicted; an expired entry stays readable until it is overwritten
// or deleted.
type Store struct {
	mu    sync.RWMutex
	items map[string]Item

	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		items: make(map[string]Item),
		now:   time.Now,
	}
}

// Get returns a snapshot of the item stored under key.
// The second result is false if no entry exists.
func (s *Store) Get(key string) (Item, bool) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		CacheMisses.Inc()
		return Item{}, false
	}
	if item.IsExpired(s.now()) {
		CacheStaleReads.Inc()
	} else {
		CacheHits.Inc()
	}
	return item, true
}

// Set replaces the entry stored under key.
func (s *Store) Set(key string, item Item) {
	s.mu.Lock()
	s.items[key] = item
	size := len(s.items)
	s.mu.Unlock()

	CacheItems.Set(float64(size))
}

// Expire marks the entry under key as expired without removing it, so the
// stale value stays readable until overwritten. It is a no-op if the key is
// absent.
func (s *Store) Expire(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return
	}
	item.ExpiresAt = time.Time{}
	s.items[key] = item
	CacheExpirations.Inc()
}

// Delete removes the entry under key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.items, key)
	size := len(s.items)
	s.mu.Unlock()

	CacheItems.Set(float64(size))
}

// Len returns the number of entries, fresh or stale.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}
