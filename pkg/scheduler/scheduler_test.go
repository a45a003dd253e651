package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// newTestScheduler creates a scheduler with logging disabled that is closed
// when the test ends.
func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	logger := zerolog.Nop()
	cfg.Logger = &logger

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// unlimited admits far more requests than any test issues.
func unlimited() Config {
	return Config{MaxRequestsPerWindow: 1000, WindowDuration: time.Second}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func constant(value any, calls *int32) Producer {
	return func(ctx context.Context) (any, error) {
		atomic.AddInt32(calls, 1)
		return value, nil
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default config", cfg: DefaultConfig()},
		{name: "min spacing", cfg: Config{MinSpacing: 100 * time.Millisecond}},
		{name: "both modes", cfg: Config{MaxRequestsPerWindow: 1, WindowDuration: time.Second, MinSpacing: time.Second}, wantErr: true},
		{name: "no mode", cfg: Config{}, wantErr: true},
		{name: "zero window", cfg: Config{MaxRequestsPerWindow: 1}, wantErr: true},
		{name: "zero max", cfg: Config{WindowDuration: time.Second}, wantErr: true},
		{name: "negative expiration", cfg: Config{MaxRequestsPerWindow: 1, WindowDuration: time.Second, DefaultExpiration: -time.Second}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := zerolog.Nop()
			tt.cfg.Logger = &logger
			s, err := New(tt.cfg)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer s.Close()
			if s.cfg.DefaultExpiration != 10*time.Second {
				t.Errorf("DefaultExpiration = %v, want 10s", s.cfg.DefaultExpiration)
			}
		})
	}
}

func TestDo_FreshCacheSkipsProducer(t *testing.T) {
	s := newTestScheduler(t, unlimited())
	s.SetCacheItem("k", "cached", time.Now().Add(time.Minute))

	var calls int32
	got, err := s.Do(context.Background(), Options{CacheKey: "k"}, constant("fresh", &calls))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "cached" {
		t.Errorf("Do = %v, want cached", got)
	}
	if calls != 0 {
		t.Errorf("producer called %d times, want 0", calls)
	}
}

func TestDo_ExpiredCacheRefreshes(t *testing.T) {
	s := newTestScheduler(t, unlimited())
	s.SetCacheItem("k", "stale", time.Now().Add(-time.Second))

	expiresAt := time.Now().Add(time.Hour)
	var calls int32
	got, err := s.Do(context.Background(), Options{
		CacheKey:      "k",
		GetExpiration: func() time.Time { return expiresAt },
	}, constant("fresh", &calls))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "fresh" || calls != 1 {
		t.Errorf("Do = %v after %d calls, want fresh after 1", got, calls)
	}

	item, ok := s.GetCacheItem("k")
	if !ok || item.Value != "fresh" || !item.ExpiresAt.Equal(expiresAt) {
		t.Errorf("cache item = %+v, %v", item, ok)
	}

	// The refreshed entry now serves subsequent calls.
	if _, err := s.Do(context.Background(), Options{CacheKey: "k"}, constant("again", &calls)); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Errorf("producer called %d times, want 1", calls)
	}
}

func TestDo_DefaultExpiration(t *testing.T) {
	cfg := unlimited()
	cfg.DefaultExpiration = time.Minute
	s := newTestScheduler(t, cfg)

	before := time.Now()
	var calls int32
	if _, err := s.Do(context.Background(), Options{CacheKey: "k"}, constant(1, &calls)); err != nil {
		t.Fatalf("Do: %v", err)
	}

	item, ok := s.GetCacheItem("k")
	if !ok {
		t.Fatal("value not cached")
	}
	if item.ExpiresAt.Before(before.Add(time.Minute)) || item.ExpiresAt.After(time.Now().Add(time.Minute)) {
		t.Errorf("ExpiresAt = %v, want about now+1m", item.ExpiresAt)
	}
}

func TestDo_SingleFlight(t *testing.T) {
	s := newTestScheduler(t, unlimited())

	const callers = 20
	release := make(chan struct{})
	var calls int32
	produce := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "shared", nil
	}

	joined := scheduleTotal.WithLabelValues(string(StrategyExpired), outcomeJoined)
	joinedBefore := testutil.ToFloat64(joined)

	results := make([]any, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Do(context.Background(), Options{CacheKey: "k"}, produce)
		}(i)
	}

	waitFor(t, "callers to join", func() bool {
		return testutil.ToFloat64(joined)-joinedBefore == callers-1
	})
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("producer called %d times, want 1", calls)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil || results[i] != "shared" {
			t.Errorf("caller %d got %v, %v", i, results[i], errs[i])
		}
	}
	if st := s.Stats(); st.Pending != 0 {
		t.Errorf("Pending = %d after resolution, want 0", st.Pending)
	}
}

func TestDo_AlwaysBypassesFreshCache(t *testing.T) {
	s := newTestScheduler(t, unlimited())
	s.SetCacheItem("k", "cached", time.Now().Add(time.Minute))

	var calls int32
	got, err := s.Do(context.Background(), Options{CacheKey: "k", QueueStrategy: StrategyAlways}, constant("fresh", &calls))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "fresh" || calls != 1 {
		t.Errorf("Do = %v after %d calls, want fresh after 1", got, calls)
	}
	if item, _ := s.GetCacheItem("k"); item.Value != "fresh" {
		t.Errorf("cached value = %v, want fresh", item.Value)
	}
}

func TestDo_AlwaysJoinsInFlightRequest(t *testing.T) {
	s := newTestScheduler(t, unlimited())

	release := make(chan struct{})
	var calls int32
	produce := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v", nil
	}

	joined := scheduleTotal.WithLabelValues(string(StrategyAlways), outcomeJoined)
	before := testutil.ToFloat64(joined)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Do(context.Background(), Options{CacheKey: "k", QueueStrategy: StrategyAlways}, produce); err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}

	waitFor(t, "second caller to join", func() bool { return testutil.ToFloat64(joined)-before == 1 })
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("producer called %d times, want 1", calls)
	}
}

func TestDo_NonePending(t *testing.T) {
	s := newTestScheduler(t, unlimited())
	s.SetCacheItem("a", "cached", time.Now().Add(time.Minute))

	// Nothing in flight: NONE_PENDING refreshes a fresh entry.
	var calls int32
	got, err := s.Do(context.Background(), Options{CacheKey: "a", QueueStrategy: StrategyNonePending}, constant("refreshed", &calls))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "refreshed" || calls != 1 {
		t.Errorf("Do = %v after %d calls, want refreshed after 1", got, calls)
	}

	// A request for another key is in flight: the cached value is served.
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Do(context.Background(), Options{CacheKey: "b"}, func(ctx context.Context) (any, error) {
			<-release
			return "b", nil
		})
	}()
	waitFor(t, "request for b", func() bool { return s.Stats().Pending == 1 })

	got, err = s.Do(context.Background(), Options{CacheKey: "a", QueueStrategy: StrategyNonePending}, constant("unused", &calls))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "refreshed" || calls != 1 {
		t.Errorf("Do = %v after %d calls, want refreshed after 1", got, calls)
	}

	// An expired entry is refreshed regardless of in-flight requests.
	s.ExpireCacheItem("a")
	got, err = s.Do(context.Background(), Options{CacheKey: "a", QueueStrategy: StrategyNonePending}, constant("again", &calls))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "again" || calls != 2 {
		t.Errorf("Do = %v after %d calls, want again after 2", got, calls)
	}

	close(release)
	<-done
}

func TestDo_UnknownStrategy(t *testing.T) {
	s := newTestScheduler(t, unlimited())

	var calls int32
	_, err := s.Do(context.Background(), Options{CacheKey: "k", QueueStrategy: "SOMETIMES"}, constant(1, &calls))
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("error = %v, want ErrUnknownStrategy", err)
	}
	if calls != 0 || s.Stats().Pending != 0 {
		t.Errorf("unknown strategy had side effects: calls=%d stats=%+v", calls, s.Stats())
	}
}

func TestDo_NilProducer(t *testing.T) {
	s := newTestScheduler(t, unlimited())
	if _, err := s.Do(context.Background(), Options{CacheKey: "k"}, nil); !errors.Is(err, ErrNilProducer) {
		t.Errorf("error = %v, want ErrNilProducer", err)
	}
}

func TestDo_ProducerErrorIsNotCached(t *testing.T) {
	s := newTestScheduler(t, unlimited())
	staleAt := time.Now().Add(-time.Second)
	s.SetCacheItem("k", "stale", staleAt)

	upstreamErr := errors.New("upstream unavailable")
	release := make(chan struct{})
	produce := func(ctx context.Context) (any, error) {
		<-release
		return nil, upstreamErr
	}

	joined := scheduleTotal.WithLabelValues(string(StrategyExpired), outcomeJoined)
	before := testutil.ToFloat64(joined)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.Do(context.Background(), Options{CacheKey: "k"}, produce)
			errs <- err
		}()
	}
	waitFor(t, "second caller to join", func() bool { return testutil.ToFloat64(joined)-before == 1 })
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, upstreamErr) {
			t.Errorf("waiter %d error = %v, want %v", i, err, upstreamErr)
		}
	}

	item, ok := s.GetCacheItem("k")
	if !ok || item.Value != "stale" || !item.ExpiresAt.Equal(staleAt) {
		t.Errorf("cache item changed after failure: %+v", item)
	}
	if s.Stats().Pending != 0 {
		t.Error("failed request still pending")
	}
}

func TestDo_ProducerPanic(t *testing.T) {
	s := newTestScheduler(t, unlimited())

	_, err := s.Do(context.Background(), Options{CacheKey: "k"}, func(ctx context.Context) (any, error) {
		panic("boom")
	})
	if !errors.Is(err, ErrProducerPanic) {
		t.Errorf("error = %v, want ErrProducerPanic", err)
	}
	if _, ok := s.GetCacheItem("k"); ok {
		t.Error("panicking producer must not populate the cache")
	}

	// The scheduler keeps working.
	var calls int32
	if got, err := s.Do(context.Background(), Options{CacheKey: "k"}, constant("ok", &calls)); err != nil || got != "ok" {
		t.Errorf("Do after panic = %v, %v", got, err)
	}
}

func TestDo_EmptyKeyIsNeitherCachedNorShared(t *testing.T) {
	s := newTestScheduler(t, unlimited())

	release := make(chan struct{})
	var calls int32
	produce := func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		<-release
		return n, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Do(context.Background(), Options{}, produce); err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	waitFor(t, "three producers", func() bool { return atomic.LoadInt32(&calls) == 3 })
	close(release)
	wg.Wait()

	if st := s.Stats(); st.CacheItems != 0 || st.Pending != 0 {
		t.Errorf("Stats = %+v, want no cache items and nothing pending", st)
	}
}

func TestDo_ProducerContext(t *testing.T) {
	s := newTestScheduler(t, unlimited())

	type ctxKey struct{}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "trace-1"))

	started := make(chan struct{})
	release := make(chan struct{})
	producerErr := make(chan error, 1)

	go func() {
		_, _ = s.Do(ctx, Options{CacheKey: "k"}, func(pctx context.Context) (any, error) {
			close(started)
			<-release
			if pctx.Value(ctxKey{}) != "trace-1" {
				producerErr <- fmt.Errorf("context value = %v", pctx.Value(ctxKey{}))
				return nil, nil
			}
			producerErr <- pctx.Err()
			return "done", nil
		})
	}()

	<-started
	cancel()
	close(release)

	if err := <-producerErr; err != nil {
		t.Errorf("producer context: %v", err)
	}
}

func TestDo_CallerStopsWaiting(t *testing.T) {
	s := newTestScheduler(t, unlimited())

	release := make(chan struct{})
	produce := func(ctx context.Context) (any, error) {
		<-release
		return "late", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	abandonedBefore := testutil.ToFloat64(abandonedWaitsTotal)
	_, err := s.Do(ctx, Options{CacheKey: "k"}, produce)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
	if got := testutil.ToFloat64(abandonedWaitsTotal) - abandonedBefore; got != 1 {
		t.Errorf("abandoned waits delta = %v, want 1", got)
	}

	// The request keeps running and its result is still cached.
	close(release)
	waitFor(t, "cache write", func() bool {
		item, ok := s.GetCacheItem("k")
		return ok && item.Value == "late"
	})
}

func TestDo_FixedWindowAdmission(t *testing.T) {
	const window = 50 * time.Millisecond
	s := newTestScheduler(t, Config{MaxRequestsPerWindow: 2, WindowDuration: window})

	var mu sync.Mutex
	var admitted []time.Duration
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Do(context.Background(), Options{
				CacheKey:      fmt.Sprintf("k%d", i),
				QueueStrategy: StrategyAlways,
			}, func(ctx context.Context) (any, error) {
				mu.Lock()
				admitted = append(admitted, time.Since(start))
				mu.Unlock()
				return i, nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(admitted, func(i, j int) bool { return admitted[i] < admitted[j] })
	const slack = 5 * time.Millisecond
	for i, at := range admitted {
		earliest := time.Duration(i/2) * window
		if at < earliest-slack {
			t.Errorf("admission %d at %v, want >= %v", i, at, earliest)
		}
	}
	if admitted[len(admitted)-1] < 2*window-slack {
		t.Errorf("last admission at %v, want >= %v", admitted[len(admitted)-1], 2*window)
	}
}

func TestDo_MinSpacingAdmission(t *testing.T) {
	const spacing = 30 * time.Millisecond
	s := newTestScheduler(t, Config{MinSpacing: spacing})

	var mu sync.Mutex
	var admitted []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Do(context.Background(), Options{CacheKey: fmt.Sprintf("k%d", i)}, func(ctx context.Context) (any, error) {
				mu.Lock()
				admitted = append(admitted, time.Now())
				mu.Unlock()
				return i, nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(admitted, func(i, j int) bool { return admitted[i].Before(admitted[j]) })
	for i := 1; i < len(admitted); i++ {
		if gap := admitted[i].Sub(admitted[i-1]); gap < spacing-5*time.Millisecond {
			t.Errorf("gap between admissions %d and %d = %v, want >= %v", i-1, i, gap, spacing)
		}
	}
}

func TestClose(t *testing.T) {
	s := newTestScheduler(t, Config{MaxRequestsPerWindow: 1, WindowDuration: time.Hour})

	release := make(chan struct{})
	started := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		_, err := s.Do(context.Background(), Options{CacheKey: "a"}, func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "a", nil
		})
		first <- err
	}()
	<-started

	// Both wait for admission in the next window, one of them in the queue.
	queued := make(chan error, 2)
	for _, key := range []string{"b", "c"} {
		go func(key string) {
			var calls int32
			_, err := s.Do(context.Background(), Options{CacheKey: key}, constant(key, &calls))
			queued <- err
		}(key)
	}
	waitFor(t, "queued requests", func() bool { return s.Stats().Pending == 3 })

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := <-queued; !errors.Is(err, ErrClosed) {
			t.Errorf("queued request error = %v, want ErrClosed", err)
		}
	}

	var calls int32
	if _, err := s.Do(context.Background(), Options{CacheKey: "d"}, constant("d", &calls)); !errors.Is(err, ErrClosed) {
		t.Errorf("Do after Close error = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	// The dispatched request still completes.
	close(release)
	if err := <-first; err != nil {
		t.Errorf("in-flight request error = %v", err)
	}
	if item, ok := s.GetCacheItem("a"); !ok || item.Value != "a" {
		t.Errorf("in-flight result not cached: %+v", item)
	}
}

func TestSchedule(t *testing.T) {
	s := newTestScheduler(t, unlimited())

	type user struct{ Name string }
	got, err := Schedule(context.Background(), s, Options{CacheKey: "users:1"}, func(ctx context.Context) (*user, error) {
		return &user{Name: "ada"}, nil
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got.Name != "ada" {
		t.Errorf("Name = %q", got.Name)
	}

	// A different type for the same key is reported, not panicked on.
	_, err = Schedule(context.Background(), s, Options{CacheKey: "users:1"}, func(ctx context.Context) (string, error) {
		return "unused", nil
	})
	if !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("error = %v, want ErrTypeMismatch", err)
	}
}

func TestCacheItemMaintenance(t *testing.T) {
	s := newTestScheduler(t, unlimited())

	if _, ok := s.GetCacheItem("k"); ok {
		t.Error("GetCacheItem on empty cache reported an item")
	}

	s.SetCacheItem("k", 42, time.Now().Add(time.Minute))
	item, ok := s.GetCacheItem("k")
	if !ok || item.Value != 42 || item.IsExpired(time.Now()) {
		t.Fatalf("GetCacheItem = %+v, %v", item, ok)
	}

	s.ExpireCacheItem("k")
	item, ok = s.GetCacheItem("k")
	if !ok || item.Value != 42 || !item.IsExpired(time.Now()) {
		t.Errorf("after ExpireCacheItem = %+v, %v; want stale 42", item, ok)
	}

	s.ExpireCacheItem("absent")
	if _, ok := s.GetCacheItem("absent"); ok {
		t.Error("ExpireCacheItem created an entry")
	}
	if st := s.Stats(); st.CacheItems != 1 {
		t.Errorf("CacheItems = %d, want 1", st.CacheItems)
	}
}

func TestDo_ExpireCacheItemForcesRefresh(t *testing.T) {
	s := newTestScheduler(t, unlimited())
	ctx := context.Background()
	opts := Options{CacheKey: "k", QueueStrategy: StrategyExpired}

	var calls int32
	if _, err := s.Do(ctx, opts, constant("first", &calls)); err != nil {
		t.Fatalf("first Do: %v", err)
	}
	if v, err := s.Do(ctx, opts, constant("unused", &calls)); err != nil || v != "first" {
		t.Fatalf("cached Do = %v, %v; want first", v, err)
	}
	if calls != 1 {
		t.Fatalf("producer calls before expire = %d, want 1", calls)
	}

	s.ExpireCacheItem("k")

	v, err := s.Do(ctx, opts, constant("second", &calls))
	if err != nil {
		t.Fatalf("Do after expire: %v", err)
	}
	if v != "second" || calls != 2 {
		t.Errorf("Do after expire = %v with %d producer calls, want second with 2", v, calls)
	}
	if item, ok := s.GetCacheItem("k"); !ok || item.Value != "second" || item.IsExpired(time.Now()) {
		t.Errorf("cache item after refresh = %+v, %v", item, ok)
	}
}

func TestDo_Metrics(t *testing.T) {
	s := newTestScheduler(t, unlimited())

	cached := scheduleTotal.WithLabelValues(string(StrategyExpired), outcomeCached)
	dispatched := scheduleTotal.WithLabelValues(string(StrategyExpired), outcomeDispatched)
	cachedBefore := testutil.ToFloat64(cached)
	dispatchedBefore := testutil.ToFloat64(dispatched)

	var calls int32
	for i := 0; i < 3; i++ {
		if _, err := s.Do(context.Background(), Options{CacheKey: "k"}, constant(i, &calls)); err != nil {
			t.Fatalf("Do: %v", err)
		}
	}

	if got := testutil.ToFloat64(dispatched) - dispatchedBefore; got != 1 {
		t.Errorf("dispatched delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(cached) - cachedBefore; got != 2 {
		t.Errorf("cached delta = %v, want 2", got)
	}
}
