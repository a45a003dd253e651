package cache

import (
	"time"
)

// Item is a cached value with an explicit expiration.
type Item struct {
	// Value is the producer result. The store never inspects it.
	Value any

	// ExpiresAt is when the item becomes stale. The zero time means the item
	// has been explicitly expired (or never had a freshness window).
	ExpiresAt time.Time
}

// IsExpired reports whether the item is stale at now.
// A zero ExpiresAt is always expired.
func (i Item) IsExpired(now time.Time) bool {
	return i.ExpiresAt.IsZero() || i.ExpiresAt.Before(now)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (i Item) TTL(now time.Time) time.Duration {
	if i.ExpiresAt.IsZero() {
		return 0
	}
	ttl := i.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
