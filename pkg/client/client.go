// Package client provides an HTTP client for a rate-limited upstream API.
// Reads are scheduled through a scheduler.Scheduler, which caches and
// deduplicates them; writes bypass the cache and invalidate the affected reads.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/api-scheduler/pkg/cache"
	"github.com/Sternrassler/api-scheduler/pkg/logging"
	"github.com/Sternrassler/api-scheduler/pkg/scheduler"
)

// Prometheus metrics for upstream requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apisched_requests_total",
		Help: "Total upstream requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apisched_request_duration_seconds",
		Help:    "Upstream request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apisched_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})

	invalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apisched_invalidations_total",
		Help: "Total cache entries expired by mutations and explicit invalidation",
	})
)

// PagesHeader carries the total page count of a paginated endpoint.
const PagesHeader = "X-Pages"

// Client is the upstream API client.
type Client struct {
	httpClient *http.Client
	scheduler  *scheduler.Scheduler
	baseURL    string
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Scheduler caches, deduplicates and rate limits reads (required).
	Scheduler *scheduler.Scheduler

	// BaseURL of the upstream API, e.g. "https://api.example.com/v0" (required).
	BaseURL string

	// User-Agent header (required)
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// APIToken is sent as a bearer token when set.
	APIToken string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// DefaultTTL is the cache lifetime of responses without caching headers.
	DefaultTTL time.Duration

	// QueueStrategy is the strategy for reads that do not choose one.
	// DefaultConfig uses StrategyExpired so every read sees a fresh response.
	// StrategyNonePending returns stale entries whenever any request is in
	// flight; set it here or per Request for list reads that tolerate that.
	QueueStrategy scheduler.QueueStrategy

	// Namespace prefixes every cache key (default: cache.DefaultNamespace).
	Namespace string
}

// DefaultConfig returns a configuration with safe defaults.
func DefaultConfig(s *scheduler.Scheduler, baseURL, userAgent string) Config {
	return Config{
		Scheduler:     s,
		BaseURL:       baseURL,
		UserAgent:     userAgent,
		DefaultTTL:    cache.DefaultTTL,
		QueueStrategy: scheduler.StrategyExpired,
		Namespace:     cache.DefaultNamespace,
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("base_url must be an absolute http(s) URL (got %q)", cfg.BaseURL)
	}

	if cfg.DefaultTTL < 0 {
		return nil, fmt.Errorf("default_ttl must be >= 0 (got %s)", cfg.DefaultTTL)
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = cache.DefaultTTL
	}

	if cfg.QueueStrategy == "" {
		cfg.QueueStrategy = scheduler.StrategyExpired
	}
	if _, err := scheduler.ParseQueueStrategy(string(cfg.QueueStrategy)); err != nil {
		return nil, fmt.Errorf("queue_strategy: %w", err)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = cache.DefaultNamespace
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		httpClient: httpClient,
		scheduler:  cfg.Scheduler,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		config:     cfg,
		logger:     logging.NewLogger("client"),
	}, nil
}

// Request describes one upstream call.
type Request struct {
	// Method defaults to GET.
	Method string

	// Endpoint is the path relative to the base URL.
	Endpoint string

	Query  url.Values
	Header http.Header
	Body   []byte

	// QueueStrategy overrides Config.QueueStrategy for GET requests.
	QueueStrategy scheduler.QueueStrategy
}

// Key returns the cache key of a GET request for endpoint and query.
func (c *Client) Key(endpoint string, query url.Values) cache.Key {
	return cache.Key{
		Namespace:   c.config.Namespace,
		Endpoint:    endpoint,
		QueryParams: query,
	}
}

// Get performs a cached GET request.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) (*cache.Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Endpoint: endpoint, Query: query})
}

// Mutate performs an uncached request with a JSON body and invalidates the
// cached reads of endpoint and its parent collection.
func (c *Client) Mutate(ctx context.Context, method, endpoint string, body []byte) (*cache.Response, error) {
	return c.Do(ctx, Request{Method: method, Endpoint: endpoint, Body: body})
}

// Do performs req. GET requests are cached and deduplicated by their cache
// key; every other method is scheduled uncached and, on success, expires
// the cached reads it may have changed.
func (c *Client) Do(ctx context.Context, req Request) (*cache.Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Method = strings.ToUpper(req.Method)

	if req.Method == http.MethodGet {
		return c.get(ctx, req)
	}
	return c.mutate(ctx, req)
}

func (c *Client) get(ctx context.Context, req Request) (*cache.Response, error) {
	key := c.Key(req.Endpoint, req.Query).String()
	strategy := req.QueueStrategy
	if strategy == "" {
		strategy = c.config.QueueStrategy
	}

	// Written by the producer and read by GetExpiration, both on the
	// dispatching goroutine.
	var expiresAt time.Time

	resp, err := scheduler.Schedule(ctx, c.scheduler, scheduler.Options{
		CacheKey:      key,
		QueueStrategy: strategy,
		GetExpiration: func() time.Time { return expiresAt },
	}, func(ctx context.Context) (*cache.Response, error) {
		var stale *cache.Response
		if item, ok := c.scheduler.GetCacheItem(key); ok {
			stale, _ = item.Value.(*cache.Response)
		}

		resp, exp, err := c.fetch(ctx, req, stale)
		expiresAt = exp
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", req.Endpoint, err)
	}
	return resp, nil
}

func (c *Client) mutate(ctx context.Context, req Request) (*cache.Response, error) {
	resp, err := scheduler.Schedule(ctx, c.scheduler, scheduler.Options{
		QueueStrategy: scheduler.StrategyAlways,
	}, func(ctx context.Context) (*cache.Response, error) {
		resp, _, err := c.fetch(ctx, req, nil)
		if err != nil {
			return nil, err
		}

		expired := c.Invalidate(req.Endpoint)
		if parent := parentEndpoint(req.Endpoint); parent != "" {
			expired += c.Invalidate(parent)
		}
		c.logger.Debug().
			Str("method", req.Method).
			Str("endpoint", req.Endpoint).
			Int("expired", expired).
			Msg("Invalidated cached reads after mutation")

		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", strings.ToLower(req.Method), req.Endpoint, err)
	}
	return resp, nil
}

// fetch executes one HTTP round trip. A stale cached response turns a GET
// into a conditional request; a 304 answer returns the stale response with
// a refreshed expiry.
func (c *Client) fetch(ctx context.Context, req Request, stale *cache.Response) (*cache.Response, time.Time, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, time.Time{}, err
	}

	if stale != nil && cache.ShouldMakeConditionalRequest(stale) {
		cache.AddConditionalHeaders(httpReq, stale)
		cache.ConditionalRequestsSent.Inc()
		c.logger.Debug().
			Str("endpoint", req.Endpoint).
			Str("etag", stale.ETag).
			Msg("Making conditional request")
	}

	c.logger.Debug().
		Str("endpoint", req.Endpoint).
		Str("method", req.Method).
		Msg("Executing upstream request")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	requestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(req.Method, "network_error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", req.Endpoint).Msg("HTTP request failed")
		return nil, time.Time{}, &APIError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}

	resp, err := cache.ResponseFromHTTP(httpResp)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(req.Method, "network_error").Inc()
		return nil, time.Time{}, &APIError{
			StatusCode: httpResp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "reading response failed",
			Err:        err,
		}
	}
	requestsTotal.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()

	expiresAt := cache.ExpirationFromHeaders(resp.Header, time.Now(), c.config.DefaultTTL)

	if resp.StatusCode == http.StatusNotModified && stale != nil {
		cache.NotModifiedResponses.Inc()
		c.logger.Debug().
			Str("endpoint", req.Endpoint).
			Time("expires_at", expiresAt).
			Msg("304 Not Modified - reusing cached response")
		return stale, expiresAt, nil
	}

	if resp.StatusCode == http.StatusNotModified {
		errorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
		c.logger.Warn().
			Str("endpoint", req.Endpoint).
			Msg("304 Not Modified without a cached response")
		return nil, time.Time{}, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassServer,
			Message:    "not modified without a cached response",
			Body:       resp.Body,
		}
	}

	if resp.StatusCode >= 400 {
		class := classifyStatus(resp.StatusCode)
		errorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("endpoint", req.Endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Upstream request error")
		return nil, time.Time{}, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    http.StatusText(resp.StatusCode),
			Body:       resp.Body,
		}
	}

	return resp, expiresAt, nil
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	target := c.baseURL + "/" + strings.TrimLeft(req.Endpoint, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	}

	return httpReq, nil
}

// Invalidate expires every cached read of endpoint, whatever its query.
// Expired entries stay readable until refreshed. Returns the number of
// entries expired.
func (c *Client) Invalidate(endpoint string) int {
	base := c.Key(endpoint, nil).String()
	expired := 0
	for _, key := range c.scheduler.CacheKeys() {
		// Key escapes ':' and '?' inside components, so these prefixes
		// only match reads of endpoint itself.
		if key == base || strings.HasPrefix(key, base+"?") || strings.HasPrefix(key, base+":") {
			c.scheduler.ExpireCacheItem(key)
			expired++
		}
	}
	invalidationsTotal.Add(float64(expired))
	return expired
}

// FetchPage fetches one page of a paginated endpoint through the cache and
// returns its body and the total page count reported by the upstream.
func (c *Client) FetchPage(ctx context.Context, endpoint string, pageNum int) ([]byte, int, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(pageNum))

	resp, err := c.Get(ctx, endpoint, query)
	if err != nil {
		return nil, 0, err
	}

	totalPages := 1
	if pages := resp.Header.Get(PagesHeader); pages != "" {
		n, err := strconv.Atoi(pages)
		if err != nil || n < 1 {
			return nil, 0, fmt.Errorf("invalid %s header %q", PagesHeader, pages)
		}
		totalPages = n
	}

	return resp.Body, totalPages, nil
}

// parentEndpoint returns the collection containing endpoint, or "" at the root.
func parentEndpoint(endpoint string) string {
	trimmed := strings.Trim(endpoint, "/")
	if trimmed == "" {
		return ""
	}
	parent := path.Dir(trimmed)
	if parent == "." {
		return ""
	}
	return parent
}
