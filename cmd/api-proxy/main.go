package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/api-scheduler/pkg/client"
	"github.com/Sternrassler/api-scheduler/pkg/logging"
	"github.com/Sternrassler/api-scheduler/pkg/metrics"
	"github.com/Sternrassler/api-scheduler/pkg/scheduler"
)

// maxBodyBytes bounds request bodies forwarded upstream.
const maxBodyBytes = 10 << 20

// queueStrategyHeader lets a caller choose the queue strategy of a GET.
const queueStrategyHeader = "X-Queue-Strategy"

// proxyConfig is the proxy configuration read from the environment.
type proxyConfig struct {
	UpstreamURL   string
	Port          string
	UserAgent     string
	APIToken      string
	RateLimit     int
	RateWindow    time.Duration
	MinSpacing    time.Duration
	CacheTTL      time.Duration
	QueueStrategy scheduler.QueueStrategy
	Logging       logging.Config
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Proxy failed")
	}
}

func run(cfg proxyConfig, logger zerolog.Logger) error {
	s, err := scheduler.New(schedulerConfig(cfg))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	defer s.Close()

	apiClient, err := client.New(client.Config{
		Scheduler:     s,
		BaseURL:       cfg.UpstreamURL,
		UserAgent:     cfg.UserAgent,
		APIToken:      cfg.APIToken,
		DefaultTTL:    cfg.CacheTTL,
		QueueStrategy: cfg.QueueStrategy,
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newMux(s, apiClient, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("upstream", cfg.UpstreamURL).
			Str("queue_strategy", string(cfg.QueueStrategy)).
			Msg("Starting API proxy")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down API proxy")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// loadConfig reads the proxy configuration from the environment.
func loadConfig() (proxyConfig, error) {
	cfg := proxyConfig{
		UpstreamURL: getEnv("UPSTREAM_URL", ""),
		Port:        getEnv("PORT", "8080"),
		UserAgent:   getEnv("USER_AGENT", "api-scheduler/0.1.0"),
		APIToken:    getEnv("API_TOKEN", ""),
		Logging: logging.Config{
			Level:  logging.LogLevel(getEnv("LOG_LEVEL", string(logging.LevelInfo))),
			Pretty: getEnv("LOG_PRETTY", "false") == "true",
			Output: os.Stderr,
		},
	}

	if cfg.UpstreamURL == "" {
		return cfg, fmt.Errorf("UPSTREAM_URL is required")
	}

	var err error
	if cfg.RateLimit, err = strconv.Atoi(getEnv("RATE_LIMIT", "5")); err != nil {
		return cfg, fmt.Errorf("RATE_LIMIT: %w", err)
	}
	if cfg.RateWindow, err = time.ParseDuration(getEnv("RATE_WINDOW", "1s")); err != nil {
		return cfg, fmt.Errorf("RATE_WINDOW: %w", err)
	}
	if spacing := getEnv("MIN_SPACING", ""); spacing != "" {
		if cfg.MinSpacing, err = time.ParseDuration(spacing); err != nil {
			return cfg, fmt.Errorf("MIN_SPACING: %w", err)
		}
	}
	if cfg.CacheTTL, err = time.ParseDuration(getEnv("CACHE_TTL", "10s")); err != nil {
		return cfg, fmt.Errorf("CACHE_TTL: %w", err)
	}
	if cfg.QueueStrategy, err = scheduler.ParseQueueStrategy(getEnv("QUEUE_STRATEGY", string(scheduler.StrategyExpired))); err != nil {
		return cfg, fmt.Errorf("QUEUE_STRATEGY: %w", err)
	}

	return cfg, nil
}

// schedulerConfig selects the rate limiting mode: MIN_SPACING, when set,
// replaces the fixed window.
func schedulerConfig(cfg proxyConfig) scheduler.Config {
	sc := scheduler.Config{DefaultExpiration: cfg.CacheTTL}
	if cfg.MinSpacing > 0 {
		sc.MinSpacing = cfg.MinSpacing
		return sc
	}
	sc.MaxRequestsPerWindow = cfg.RateLimit
	sc.WindowDuration = cfg.RateWindow
	return sc
}

func newMux(s *scheduler.Scheduler, apiClient *client.Client, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(s))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/", apiProxyHandler(apiClient, logger))
	mux.HandleFunc("/cache/expire", expireHandler(apiClient, logger))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports the scheduler statistics; 503 once it is closed.
func readyHandler(s *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := s.Stats()
		status := http.StatusOK
		if stats.Closed {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"ready":        !stats.Closed,
			"pending":      stats.Pending,
			"queued":       stats.Queued,
			"cache_items":  stats.CacheItems,
			"limiter_mode": stats.LimiterMode,
		})
	}
}

// apiProxyHandler forwards /api/{path} upstream. GET requests are cached;
// other methods are forwarded uncached and invalidate the cached reads of
// the path.
func apiProxyHandler(apiClient *client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Example: /api/v0/tasks/rec1 -> /v0/tasks/rec1
		endpoint := strings.TrimPrefix(r.URL.Path, "/api")

		req := client.Request{
			Method:   r.Method,
			Endpoint: endpoint,
			Query:    r.URL.Query(),
		}

		if name := r.Header.Get(queueStrategyHeader); name != "" {
			strategy, err := scheduler.ParseQueueStrategy(name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			req.QueueStrategy = strategy
		}

		if r.Method != http.MethodGet && r.Body != nil {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			if len(body) > 0 {
				req.Body = body
				req.Header = http.Header{}
				if ct := r.Header.Get("Content-Type"); ct != "" {
					req.Header.Set("Content-Type", ct)
				}
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		resp, err := apiClient.Do(ctx, req)
		if err != nil {
			writeUpstreamError(w, err, logger)
			return
		}

		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		if _, err := w.Write(resp.Body); err != nil {
			logger.Warn().Err(err).Msg("Failed to write response")
		}
	}
}

// expireHandler expires the cached reads of ?path=.
func expireHandler(apiClient *client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		path := r.URL.Query().Get("path")
		if path == "" {
			http.Error(w, "path query parameter is required", http.StatusBadRequest)
			return
		}

		expired := apiClient.Invalidate(path)
		logger.Info().Str("path", path).Int("expired", expired).Msg("Cache entries expired")
		writeJSON(w, http.StatusOK, map[string]any{"path": path, "expired": expired})
	}
}

// writeUpstreamError maps client and scheduler errors onto proxy responses.
// Upstream HTTP errors are passed through with their status and body.
func writeUpstreamError(w http.ResponseWriter, err error, logger zerolog.Logger) {
	var apiErr *client.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.StatusCode > 0:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(apiErr.StatusCode)
		_, _ = w.Write(apiErr.Body)
	case errors.Is(err, scheduler.ErrClosed):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "upstream request timed out", http.StatusGatewayTimeout)
	default:
		logger.Warn().Err(err).Msg("Upstream request failed")
		http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
	}
}

// copyHeaders copies upstream headers except those describing the
// upstream connection.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		switch http.CanonicalHeaderKey(key) {
		case "Connection", "Content-Length", "Transfer-Encoding", "Keep-Alive":
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
