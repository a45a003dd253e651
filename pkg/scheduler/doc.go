// Package scheduler coordinates calls to a rate-limited upstream.
//
// Every call names a cache key and a queue strategy. The scheduler answers
// from its cache when the strategy allows it, otherwise it joins a request
// already in flight for the same key, or registers a new one. New requests
// wait in a FIFO queue until the rate limiter admits them; the producer is
// then called exactly once and its result is cached and delivered to every
// caller waiting on the request.
//
// Basic usage:
//
//	s, err := scheduler.New(scheduler.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	user, err := scheduler.Schedule(ctx, s, scheduler.Options{
//		CacheKey: "users:42",
//		GetExpiration: func() time.Time {
//			return time.Now().Add(time.Minute)
//		},
//	}, func(ctx context.Context) (*User, error) {
//		return api.GetUser(ctx, 42)
//	})
//
// Queue strategies:
//
//   - EXPIRED (default): a fresh cached value is returned without a request.
//   - NONE_PENDING: a fresh cached value is returned only while some request,
//     for any key, is in flight.
//   - ALWAYS: a request is always made, but concurrent callers for the same
//     key still share it.
//
// Calls with an empty cache key are never cached and never shared.
//
// Rate limiting runs in one of two modes: a fixed window admitting at most
// MaxRequestsPerWindow requests per WindowDuration, or a minimum spacing
// between consecutive admissions.
package scheduler
