// Package pagination fetches every page of a paginated endpoint in parallel.
//
// The upstream reports the total page count in the X-Pages header of each
// page. The first page is fetched alone to learn that count; the remaining
// pages are fetched by a bounded errgroup. Every page goes through the
// client and therefore through the scheduler, so pages are cached
// individually and admitted by the shared rate limiter.
//
// Example usage:
//
//	fetcher := pagination.NewBatchFetcher(apiClient, pagination.DefaultConfig())
//	results, err := fetcher.FetchAllPages(ctx, "/orders")
//	for _, page := range pagination.Ordered(results) {
//		...
//	}
//
// On a page failure the remaining fetches are cancelled and the pages
// fetched so far are returned together with the error.
package pagination
