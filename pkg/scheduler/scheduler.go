package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/api-scheduler/pkg/cache"
	"github.com/Sternrassler/api-scheduler/pkg/logging"
	"github.com/Sternrassler/api-scheduler/pkg/ratelimit"
)

// Config holds scheduler configuration.
// Exactly one rate limiting mode must be configured: either
// MaxRequestsPerWindow with WindowDuration, or MinSpacing.
type Config struct {
	// MaxRequestsPerWindow is the number of requests admitted per window.
	MaxRequestsPerWindow int

	// WindowDuration is the length of one rate limiting window.
	WindowDuration time.Duration

	// MinSpacing is the minimum time between two admissions.
	MinSpacing time.Duration

	// DefaultExpiration is the cache lifetime used when a call provides no
	// GetExpiration (default: 10s).
	DefaultExpiration time.Duration

	// Limiter overrides both rate limiting modes when set.
	Limiter ratelimit.Limiter

	// Logger overrides the component logger derived from the global logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a Config admitting 5 requests per second.
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerWindow: 5,
		WindowDuration:       time.Second,
		DefaultExpiration:    cache.DefaultTTL,
	}
}

// Scheduler deduplicates, rate limits and caches calls to an upstream
// producer. It is safe for concurrent use.
type Scheduler struct {
	cfg     Config
	store   *cache.Store
	pending *registry
	queue   *requestQueue
	limiter ratelimit.Limiter
	logger  zerolog.Logger
	now     func() time.Time

	// mu serializes the decide-and-register step against result publication.
	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler and starts its dispatcher.
func New(cfg Config) (*Scheduler, error) {
	logger := logging.NewLogger("scheduler")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	if cfg.DefaultExpiration < 0 {
		return nil, fmt.Errorf("%w: default_expiration must be >= 0 (got %s)", ErrInvalidConfig, cfg.DefaultExpiration)
	}
	if cfg.DefaultExpiration == 0 {
		cfg.DefaultExpiration = cache.DefaultTTL
	}

	limiter, err := newLimiter(cfg, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		store:   cache.NewStore(),
		pending: newRegistry(),
		queue:   newRequestQueue(),
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}

	s.wg.Add(1)
	go s.dispatchLoop()

	logger.Info().
		Str("mode", limiter.Mode()).
		Int("max_requests_per_window", cfg.MaxRequestsPerWindow).
		Dur("window_duration", cfg.WindowDuration).
		Dur("min_spacing", cfg.MinSpacing).
		Dur("default_expiration", cfg.DefaultExpiration).
		Msg("Scheduler started")

	return s, nil
}

func newLimiter(cfg Config, logger zerolog.Logger) (ratelimit.Limiter, error) {
	if cfg.Limiter != nil {
		return cfg.Limiter, nil
	}

	switch {
	case cfg.MinSpacing > 0 && cfg.MaxRequestsPerWindow > 0:
		return nil, fmt.Errorf("%w: configure either max_requests_per_window or min_spacing, not both", ErrInvalidConfig)
	case cfg.MinSpacing > 0:
		l, err := ratelimit.NewMinSpacing(cfg.MinSpacing)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return l, nil
	case cfg.MaxRequestsPerWindow != 0 || cfg.WindowDuration != 0:
		l, err := ratelimit.NewFixedWindow(cfg.MaxRequestsPerWindow, cfg.WindowDuration, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("%w: no rate limiting mode configured", ErrInvalidConfig)
	}
}

// Do returns the value for opts.CacheKey, from cache when the strategy
// allows it, otherwise from an in-flight request for the same key or from a
// new request that calls produce once the rate limiter admits it.
//
// If ctx ends first, Do returns ctx.Err(); the request keeps running and its
// result is still cached.
func (s *Scheduler) Do(ctx context.Context, opts Options, produce Producer) (any, error) {
	if produce == nil {
		return nil, ErrNilProducer
	}

	strategy := opts.QueueStrategy
	if strategy == "" {
		strategy = StrategyExpired
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		scheduleTotal.WithLabelValues(string(strategy), outcomeRejected).Inc()
		return nil, ErrClosed
	}

	var (
		item  cache.Item
		found bool
	)
	if opts.CacheKey != "" {
		item, found = s.store.Get(opts.CacheKey)
	}
	expired := !found || item.IsExpired(s.now())

	switch strategy {
	case StrategyExpired:
		if !expired {
			s.mu.Unlock()
			scheduleTotal.WithLabelValues(string(strategy), outcomeCached).Inc()
			return item.Value, nil
		}
	case StrategyNonePending:
		if !expired && s.pending.len() > 0 {
			s.mu.Unlock()
			scheduleTotal.WithLabelValues(string(strategy), outcomeCached).Inc()
			return item.Value, nil
		}
	case StrategyAlways:
	default:
		s.mu.Unlock()
		scheduleTotal.WithLabelValues(string(strategy), outcomeRejected).Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	req, joined := s.pending.lookup(opts.CacheKey)
	if !joined {
		req = s.register(ctx, opts, strategy, produce)
	}
	pending := s.pending.len()
	s.mu.Unlock()

	if joined {
		scheduleTotal.WithLabelValues(string(strategy), outcomeJoined).Inc()
		req.logger.Debug().Str("strategy", string(strategy)).Msg("Joining in-flight request")
	} else {
		scheduleTotal.WithLabelValues(string(strategy), outcomeDispatched).Inc()
		req.logger.Debug().
			Str("strategy", string(strategy)).
			Int("pending", pending).
			Msg("Request queued")
	}

	return s.await(ctx, req)
}

// register creates a request, adds it to the registry and queues it for
// admission. Callers hold s.mu.
func (s *Scheduler) register(ctx context.Context, opts Options, strategy QueueStrategy, produce Producer) *pendingRequest {
	getExpiration := opts.GetExpiration
	if getExpiration == nil {
		ttl := s.cfg.DefaultExpiration
		getExpiration = func() time.Time { return s.now().Add(ttl) }
	}

	id := uuid.NewString()
	req := &pendingRequest{
		id:            id,
		key:           opts.CacheKey,
		strategy:      strategy,
		getExpiration: getExpiration,
		produce:       produce,
		ctx:           context.WithoutCancel(ctx),
		enqueuedAt:    s.now(),
		logger:        logging.WithRequest(s.logger, id, opts.CacheKey),
		done:          make(chan struct{}),
	}

	s.pending.add(req)
	pendingRequests.Set(float64(s.pending.len()))
	s.queue.push(req)
	return req
}

// Schedule is the typed form of Do.
func Schedule[T any](ctx context.Context, s *Scheduler, opts Options, produce func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if produce == nil {
		return zero, ErrNilProducer
	}

	value, err := s.Do(ctx, opts, func(ctx context.Context) (any, error) {
		return produce(ctx)
	})
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}

	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T for key %q", ErrTypeMismatch, value, opts.CacheKey)
	}
	return typed, nil
}

// GetCacheItem returns the cached item for key, fresh or stale.
func (s *Scheduler) GetCacheItem(key string) (cache.Item, bool) {
	return s.store.Get(key)
}

// SetCacheItem stores value under key until expiresAt, replacing any entry.
func (s *Scheduler) SetCacheItem(key string, value any, expiresAt time.Time) {
	s.store.Set(key, cache.Item{Value: value, ExpiresAt: expiresAt})
}

// ExpireCacheItem marks the item for key as expired. Its value stays
// readable until a new value replaces it. Absent keys are ignored.
func (s *Scheduler) ExpireCacheItem(key string) {
	s.store.Expire(key)
}

// CacheKeys returns every cached key, fresh or stale, in sorted order.
func (s *Scheduler) CacheKeys() []string {
	return s.store.Keys()
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Pending     int
	Queued      int
	CacheItems  int
	LimiterMode string
	Closed      bool
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	pending := s.pending.len()
	closed := s.closed
	s.mu.Unlock()

	return Stats{
		Closed:      closed,
		Pending:     pending,
		Queued:      s.queue.len(),
		CacheItems:  s.store.Len(),
		LimiterMode: s.limiter.Mode(),
	}
}

// Close stops the dispatcher. Requests still waiting for admission fail
// with ErrClosed and later calls are rejected. Producers already running
// complete and publish their results. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	dropped := s.queue.drain()
	for _, req := range dropped {
		req.logger.Warn().Msg("Request failed by shutdown")
		s.publish(req, nil, time.Time{}, ErrClosed)
	}

	s.logger.Info().Int("dropped", len(dropped)).Msg("Scheduler closed")
	return nil
}
