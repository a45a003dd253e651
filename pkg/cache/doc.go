// Package cache provides the in-process cache store used by the request
// scheduler, plus HTTP helpers for deriving expirations from upstream responses.
//
// The store implements the caching semantics the scheduler relies on:
//
// - Every entry carries an explicit absolute expiration
// - Expired entries stay readable until overwritten (stale-while-refetching)
// - Expire invalidates without deleting, so a stale value can still seed a
// conditional request
// - Reads and writes are whole-entry snapshots
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	store := cache.NewStore()
//
//	key := cache.Key{
//		Endpoint:    "/v0/appXYZ/Tasks",
//		QueryParams: url.Values{"view": []string{"Grid"}},
//	}.String()
//
//	store.Set(key, cache.Item{Value: records, ExpiresAt: time.Now().Add(10 * time.Second)})
//
//	item, ok := store.Get(key)
//	if !ok || item.IsExpired(time.Now()) {
//		// refetch
//	}
//
// # HTTP Responses
//
//	r, err := cache.ResponseFromHTTP(resp)
//	if err != nil {
//		return err
//	}
//	expiresAt := cache.ExpirationFromHeaders(r.Header, time.Now(), cache.DefaultTTL)
//
// # Conditional Requests
//
//	if cache.ShouldMakeConditionalRequest(stale) {
//		cache.AddConditionalHeaders(req, stale)
//		// upstream answers 304 if the stale body is still current
//	}
//
// # Metrics
//
//   - apisched_cache_hits_total - Fresh reads
//   - apisched_cache_stale_reads_total - Reads of expired entries
//   - apisched_cache_misses_total - Reads of absent keys
//   - apisched_cache_items - Entries in the store
//   - apisched_cache_expirations_total - Explicit invalidations
//   - apisched_304_responses_total - Successful revalidations
//   - apisched_conditional_requests_total - Conditional requests sent
package cache
