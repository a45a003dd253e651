package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// QueueStrategy governs whether a call may be answered from cache or must
// queue a request. It is chosen per call.
type QueueStrategy string

const (
	// StrategyExpired only queues a request if the cached item is expired.
	StrategyExpired QueueStrategy = "EXPIRED"

	// StrategyNonePending queues a request if the cached item is expired or
	// no request at all is in flight. The in-flight check is global, across
	// every cache key.
	StrategyNonePending QueueStrategy = "NONE_PENDING"

	// StrategyAlways always queues a request, still joining one already in
	// flight for the same key.
	StrategyAlways QueueStrategy = "ALWAYS"
)

// ParseQueueStrategy converts a case-insensitive name into a QueueStrategy.
func ParseQueueStrategy(s string) (QueueStrategy, error) {
	strategy := QueueStrategy(strings.ToUpper(strings.TrimSpace(s)))
	switch strategy {
	case StrategyExpired, StrategyNonePending, StrategyAlways:
		return strategy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Options describe how one call is cached and queued.
type Options struct {
	// CacheKey identifies the cacheable result. Empty means the result is
	// neither cached nor shared with concurrent calls.
	CacheKey string

	// GetExpiration computes the absolute expiry of a freshly produced
	// value. It runs once per dispatch, after the producer returns.
	// Defaults to now + Config.DefaultExpiration.
	GetExpiration func() time.Time

	// QueueStrategy defaults to StrategyExpired.
	QueueStrategy QueueStrategy
}

// Producer performs the upstream call. Its context carries the values of the
// originating caller's context but is never cancelled: once dispatched, a
// producer runs to completion.
type Producer func(ctx context.Context) (any, error)
