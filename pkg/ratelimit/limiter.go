package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for admission gating.
var (
	admissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apisched_ratelimit_admissions_total",
		Help: "Total number of dispatch admissions by limiter mode",
	}, []string{"mode"})

	admissionDelaySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apisched_ratelimit_admission_delay_seconds",
		Help:    "Delay imposed on admissions by limiter mode",
		Buckets: []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"mode"})

	windowRolloversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apisched_ratelimit_window_rollovers_total",
		Help: "Total number of times an exhausted window was carried forward",
	})
)

// Limiter decides when a dispatch may start.
type Limiter interface {
	// Reserve records one admission requested at now and returns how long
	// the caller must wait before proceeding. It never refuses.
	Reserve(now time.Time) time.Duration

	// Mode names the limiting algorithm.
	Mode() string
}

// FixedWindow admits at most maxRequestsPerWindow dispatches per window.
//
// An exhausted window is carried forward by one full window duration and
// the overflowing admission is delayed until that next window opens. Bursts
// can cluster at window boundaries, but long-run throughput never exceeds
// maxRequestsPerWindow / windowDuration.
type FixedWindow struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	windowEnd time.Time
	count     int
	logger    zerolog.Logger
}

// NewFixedWindow creates a fixed-window limiter.
func NewFixedWindow(maxRequestsPerWindow int, windowDuration time.Duration, logger zerolog.Logger) (*FixedWindow, error) {
	if maxRequestsPerWindow < 1 {
		return nil, fmt.Errorf("max_requests_per_window must be >= 1 (got %d)", maxRequestsPerWindow)
	}
	if windowDuration <= 0 {
		return nil, fmt.Errorf("window_duration must be > 0 (got %s)", windowDuration)
	}
	return &FixedWindow{
		max:    maxRequestsPerWindow,
		window: windowDuration,
		logger: logger,
	}, nil
}

// Reserve implements Limiter.
func (l *FixedWindow) Reserve(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !now.Before(l.windowEnd) {
		l.count = 1
		l.windowEnd = now.Add(l.window)
		observe(ModeFixedWindow, 0)
		return 0
	}

	l.count++
	if l.count > l.max {
		l.count = 1
		l.windowEnd = l.windowEnd.Add(l.window)
		windowRolloversTotal.Inc()

		l.logger.Debug().
			Time("window_end", l.windowEnd).
			Int("max_requests_per_window", l.max).
			Msg("Admission window exhausted, carrying forward")
	}

	// Positive only while the current window starts in the future, which
	// also holds for under-limit admissions after a carry-over.
	delay := l.windowEnd.Add(-l.window).Sub(now)
	if delay < 0 {
		delay = 0
	}
	observe(ModeFixedWindow, delay)
	return delay
}

// Mode implements Limiter.
func (l *FixedWindow) Mode() string { return ModeFixedWindow }

// State returns a snapshot of the current window.
func (l *FixedWindow) State() WindowState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return WindowState{
		WindowEnd:            l.windowEnd,
		CountInWindow:        l.count,
		MaxRequestsPerWindow: l.max,
		WindowDuration:       l.window,
	}
}

// MinSpacing enforces a minimum interval between consecutive admissions.
// It is equivalent to a FixedWindow with one request per window.
type MinSpacing struct {
	limiter *rate.Limiter
	spacing time.Duration
}

// NewMinSpacing creates a minimum-spacing throttle.
func NewMinSpacing(minSpacing time.Duration) (*MinSpacing, error) {
	if minSpacing <= 0 {
		return nil, fmt.Errorf("min_spacing must be > 0 (got %s)", minSpacing)
	}
	return &MinSpacing{
		limiter: rate.NewLimiter(rate.Every(minSpacing), 1),
		spacing: minSpacing,
	}, nil
}

// Reserve implements Limiter.
func (l *MinSpacing) Reserve(now time.Time) time.Duration {
	delay := l.limiter.ReserveN(now, 1).DelayFrom(now)
	observe(ModeMinSpacing, delay)
	return delay
}

// Mode implements Limiter.
func (l *MinSpacing) Mode() string { return ModeMinSpacing }

// Spacing returns the configured minimum interval.
func (l *MinSpacing) Spacing() time.Duration { return l.spacing }

// Wait reserves an admission on l and blocks until it may proceed.
// If ctx is done first the admission is still consumed.
func Wait(ctx context.Context, l Limiter) error {
	delay := l.Reserve(time.Now())
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func observe(mode string, delay time.Duration) {
	admissionsTotal.WithLabelValues(mode).Inc()
	admissionDelaySeconds.WithLabelValues(mode).Observe(delay.Seconds())
}
